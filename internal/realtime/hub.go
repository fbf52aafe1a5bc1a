package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/tandem/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/collab"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/history"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/presence"
	"go.uber.org/zap"
)

const (
	defaultSendBuffer = 64

	operationJoin       = "realtime.join"
	operationCRDTUpdate = "realtime.crdt_update"
	operationUpdate     = "realtime.update"
	operationPresence   = "realtime.presence"
	operationDisconnect = "realtime.disconnect"
	operationBroadcast  = "realtime.broadcast"
	operationDispatch   = "realtime.dispatch"
)

var errMissingDependency = errors.New("realtime: hub dependency missing")

// IdentityResolver maps a verified principal to its canonical identity.
type IdentityResolver interface {
	Resolve(ctx context.Context, principal auth.Principal) (auth.Principal, error)
}

// DocumentStore is the document record collaborator.
type DocumentStore interface {
	Get(ctx context.Context, documentID documents.DocumentID) (documents.Document, error)
	StoreContent(ctx context.Context, documentID documents.DocumentID, content documents.Content) error
}

// Replayer produces the full update sequence of a document.
type Replayer interface {
	ReconstructAll(ctx context.Context, documentID documents.DocumentID) ([]string, error)
}

// Merger persists updates and presence records.
type Merger interface {
	Apply(ctx context.Context, request collab.ApplyRequest) (collab.ApplyOutcome, error)
	RecordPresence(ctx context.Context, request collab.PresenceRequest) (history.Record, error)
}

// HubConfig describes the collaborators of the fan-out coordinator.
type HubConfig struct {
	Registry   *presence.Registry
	Verifier   auth.TokenVerifier
	Identities IdentityResolver
	Documents  DocumentStore
	Replayer   Replayer
	Merger     Merger
	IDProvider documents.IDProvider
	SendBuffer int
	Logger     *zap.Logger
}

// Hub routes realtime events between the connections of a document room.
type Hub struct {
	registry   *presence.Registry
	verifier   auth.TokenVerifier
	identities IdentityResolver
	documents  DocumentStore
	replayer   Replayer
	merger     Merger
	idProvider documents.IDProvider
	sendBuffer int
	logger     *zap.Logger

	mu      sync.RWMutex
	clients map[string]*Client
	gone    map[string]*sync.Once
}

// NewHub constructs a Hub.
func NewHub(cfg HubConfig) (*Hub, error) {
	switch {
	case cfg.Registry == nil:
		return nil, fmt.Errorf("%w: registry", errMissingDependency)
	case cfg.Verifier == nil:
		return nil, fmt.Errorf("%w: verifier", errMissingDependency)
	case cfg.Documents == nil:
		return nil, fmt.Errorf("%w: documents", errMissingDependency)
	case cfg.Replayer == nil:
		return nil, fmt.Errorf("%w: replayer", errMissingDependency)
	case cfg.Merger == nil:
		return nil, fmt.Errorf("%w: merger", errMissingDependency)
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = documents.NewUUIDProvider()
	}
	sendBuffer := cfg.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		registry:   cfg.Registry,
		verifier:   cfg.Verifier,
		identities: cfg.Identities,
		documents:  cfg.Documents,
		replayer:   cfg.Replayer,
		merger:     cfg.Merger,
		idProvider: idProvider,
		sendBuffer: sendBuffer,
		logger:     logger,
		clients:    make(map[string]*Client),
		gone:       make(map[string]*sync.Once),
	}, nil
}

// Connect registers a new connection and queues its acknowledgement. No room state is assigned yet.
func (hub *Hub) Connect() (*Client, error) {
	connectionID, err := hub.idProvider.NewID()
	if err != nil {
		return nil, fmt.Errorf("realtime: connection id: %w", err)
	}
	client := newClient(connectionID, hub.sendBuffer)
	hub.mu.Lock()
	hub.clients[connectionID] = client
	hub.gone[connectionID] = &sync.Once{}
	hub.mu.Unlock()

	hub.reply(client, EventConnected, ConnectedMessage{ConnectionID: connectionID, Message: "Connected to server"})
	return client, nil
}

// Disconnect removes the connection from its room and tells the remaining members. Repeated calls
// for the same connection are no-ops.
func (hub *Hub) Disconnect(client *Client) {
	hub.mu.RLock()
	once := hub.gone[client.id]
	hub.mu.RUnlock()
	if once == nil {
		return
	}
	once.Do(func() {
		departure, left := hub.registry.Leave(client.id)
		if left && !departure.Remaining.Empty() {
			hub.broadcast(departure.Binding.DocumentID, client.id, EventPeerLeft, PeerLeftMessage{
				UserID:        departure.Binding.PrincipalID,
				ActiveMembers: departure.Remaining.ActiveMembers,
				MemberNames:   departure.Remaining.MemberNames,
			})
		}
		hub.registry.Forget(client.id)

		hub.mu.Lock()
		delete(hub.clients, client.id)
		delete(hub.gone, client.id)
		hub.mu.Unlock()
		client.Close()

		if left {
			hub.logger.Debug("connection left document",
				zap.String("connection_id", client.id),
				zap.String("document_id", departure.Binding.DocumentID),
				zap.String("user_id", departure.Binding.PrincipalID))
		}
	})
}

// Dispatch handles one inbound frame. Failures are reported to the sender only.
func (hub *Hub) Dispatch(ctx context.Context, client *Client, frame []byte) {
	defer func() {
		if recovered := recover(); recovered != nil {
			hub.logError(operationDispatch, "panic", fmt.Errorf("%v", recovered), zap.String("connection_id", client.id))
			hub.replyError(client, messageInternal)
		}
	}()

	var envelope Envelope
	if err := json.Unmarshal(frame, &envelope); err != nil || strings.TrimSpace(envelope.Event) == "" {
		hub.replyError(client, messageInvalidRequest)
		return
	}
	switch envelope.Event {
	case EventJoin:
		hub.handleJoin(ctx, client, envelope.Data)
	case EventCRDTUpdate:
		hub.handleCRDTUpdate(ctx, client, envelope.Data)
	case EventUpdate:
		hub.handleLegacyUpdate(ctx, client, envelope.Data)
	case EventPresence:
		hub.handlePresence(ctx, client, envelope.Data)
	default:
		hub.replyError(client, messageUnknownEvent)
	}
}

// NotifyRestored tells every session on the document that a version was restored.
func (hub *Hub) NotifyRestored(outcome history.RestoreOutcome, userID, userName string) {
	hub.broadcast(outcome.DocumentID.String(), "", EventVersionRestored, VersionRestoredMessage{
		DocumentID:            outcome.DocumentID.String(),
		RestoredFromVersionID: outcome.RestoredFromVersionID.String(),
		UserID:                userID,
		UserName:              userName,
		RestoredAt:            outcome.RestoredAt,
	})
}

// ConnectionCount reports the number of live connections.
func (hub *Hub) ConnectionCount() int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.clients)
}

func (hub *Hub) handleJoin(ctx context.Context, client *Client, data json.RawMessage) {
	var payload joinPayload
	if err := decodeData(data, &payload); err != nil {
		hub.replyError(client, messageInvalidRequest)
		return
	}
	documentID, err := documents.NewDocumentID(payload.DocumentID)
	if err != nil || strings.TrimSpace(payload.AuthToken) == "" {
		hub.replyError(client, messageInvalidRequest)
		return
	}
	if _, bound := hub.registry.Binding(client.id); bound {
		hub.replyError(client, messageAlreadyJoined)
		return
	}

	principal, err := hub.verifier.Verify(ctx, payload.AuthToken)
	if err != nil {
		hub.logger.Info("realtime authentication failed",
			zap.String("connection_id", client.id),
			zap.String("document_id", documentID.String()),
			zap.Error(err))
		hub.replyError(client, messageAuthFailed)
		return
	}
	if hub.identities != nil {
		resolved, err := hub.identities.Resolve(ctx, principal)
		if err != nil {
			hub.logError(operationJoin, "identity_resolve_failed", err,
				zap.String("connection_id", client.id),
				zap.String("user_id", principal.UserID))
			hub.replyError(client, messageAuthFailed)
			return
		}
		principal = resolved
	}

	document, err := hub.documents.Get(ctx, documentID)
	if err != nil {
		if errors.Is(err, documents.ErrDocumentNotFound) {
			hub.replyError(client, messageDocumentNotFound)
			return
		}
		hub.logError(operationJoin, "document_lookup_failed", err, zap.String("document_id", documentID.String()))
		hub.replyError(client, messageInternal)
		return
	}

	snapshot, err := hub.registry.Join(client.id, documentID.String(), principal.UserID, principal.DisplayName)
	if err != nil {
		if errors.Is(err, presence.ErrAlreadyBound) || errors.Is(err, presence.ErrConnectionRemoved) {
			hub.replyError(client, messageAlreadyJoined)
			return
		}
		hub.replyError(client, messageInvalidRequest)
		return
	}

	updates, err := hub.replayer.ReconstructAll(ctx, documentID)
	if err != nil {
		hub.logError(operationJoin, "replay_failed", err,
			zap.String("connection_id", client.id),
			zap.String("document_id", documentID.String()))
		hub.registry.Forget(client.id)
		client.discardPending()
		hub.replyError(client, messageInternal)
		return
	}
	if updates == nil {
		updates = []string{}
	}

	loadFrame, err := encodeEnvelope(EventLoad, LoadMessage{
		DocumentID:    documentID.String(),
		Content:       document.ContentOrDefault(),
		YjsUpdates:    updates,
		Title:         document.Title,
		ActiveMembers: snapshot.ActiveMembers,
		MemberNames:   snapshot.MemberNames,
	})
	if err != nil {
		hub.logError(operationJoin, "encode_failed", err, zap.String("document_id", documentID.String()))
		hub.registry.Forget(client.id)
		client.discardPending()
		hub.replyError(client, messageInternal)
		return
	}
	client.release(loadFrame)

	hub.broadcast(documentID.String(), client.id, EventPeerJoined, PeerJoinedMessage{
		UserID:        principal.UserID,
		UserName:      snapshot.MemberNames[principal.UserID],
		ActiveMembers: snapshot.ActiveMembers,
		MemberNames:   snapshot.MemberNames,
	})
	hub.logger.Debug("connection joined document",
		zap.String("connection_id", client.id),
		zap.String("document_id", documentID.String()),
		zap.String("user_id", principal.UserID))
}

func (hub *Hub) handleCRDTUpdate(ctx context.Context, client *Client, data json.RawMessage) {
	var payload crdtUpdatePayload
	if err := decodeData(data, &payload); err != nil || payload.Update == nil {
		hub.replyError(client, messageInvalidUpdate)
		return
	}
	binding, documentID, ok := hub.resolveTarget(client, payload.DocumentID)
	if !ok {
		return
	}

	_, err := hub.merger.Apply(ctx, collab.ApplyRequest{
		DocumentID: documentID,
		UserID:     binding.PrincipalID,
		UserName:   binding.DisplayName,
		Update:     *payload.Update,
	})
	if err != nil {
		hub.replyFailure(client, operationCRDTUpdate, err, documentID)
		return
	}
	hub.broadcast(documentID.String(), client.id, EventCRDTUpdate, CRDTUpdateMessage{
		DocumentID: documentID.String(),
		Update:     *payload.Update,
	})
}

func (hub *Hub) handleLegacyUpdate(ctx context.Context, client *Client, data json.RawMessage) {
	var payload legacyUpdatePayload
	if err := decodeData(data, &payload); err != nil {
		hub.replyError(client, messageInvalidUpdate)
		return
	}
	binding, documentID, ok := hub.resolveTarget(client, payload.DocumentID)
	if !ok {
		return
	}
	content, err := documents.NewContent(payload.Delta)
	if err != nil {
		hub.replyError(client, messageInvalidUpdate)
		return
	}
	if err := hub.documents.StoreContent(ctx, documentID, content); err != nil {
		hub.replyFailure(client, operationUpdate, err, documentID)
		return
	}
	hub.broadcast(documentID.String(), client.id, EventDocumentUpdated, DocumentUpdatedMessage{
		DocumentID: documentID.String(),
		UserID:     binding.PrincipalID,
		Content:    json.RawMessage(content),
	})
}

func (hub *Hub) handlePresence(ctx context.Context, client *Client, data json.RawMessage) {
	var payload presencePayload
	if err := decodeData(data, &payload); err != nil {
		hub.replyError(client, messageInvalidUpdate)
		return
	}
	binding, documentID, ok := hub.resolveTarget(client, payload.DocumentID)
	if !ok {
		return
	}
	if _, err := hub.merger.RecordPresence(ctx, collab.PresenceRequest{
		DocumentID: documentID,
		UserID:     binding.PrincipalID,
		UserName:   binding.DisplayName,
		Cursor:     payload.Cursor,
		Selection:  payload.Selection,
	}); err != nil {
		hub.replyFailure(client, operationPresence, err, documentID)
		return
	}
	hub.broadcast(documentID.String(), client.id, EventPresence, PresenceMessage{
		DocumentID: documentID.String(),
		UserID:     binding.PrincipalID,
		UserName:   binding.DisplayName,
		Cursor:     payload.Cursor,
		Selection:  payload.Selection,
	})
}

// resolveTarget picks the document named by the event, falling back to the bound document. A
// connection may only write to the document it joined.
func (hub *Hub) resolveTarget(client *Client, explicit string) (presence.Binding, documents.DocumentID, bool) {
	binding, bound := hub.registry.Binding(client.id)
	if !bound {
		hub.replyError(client, messageNotJoined)
		return presence.Binding{}, "", false
	}
	target := binding.DocumentID
	if strings.TrimSpace(explicit) != "" {
		target = strings.TrimSpace(explicit)
	}
	documentID, err := documents.NewDocumentID(target)
	if err != nil {
		hub.replyError(client, messageInvalidRequest)
		return presence.Binding{}, "", false
	}
	if documentID.String() != binding.DocumentID {
		hub.replyError(client, messageWrongDocument)
		return presence.Binding{}, "", false
	}
	return binding, documentID, true
}

func (hub *Hub) replyFailure(client *Client, operation string, err error, documentID documents.DocumentID) {
	switch {
	case errors.Is(err, collab.ErrInvalidPayload), errors.Is(err, documents.ErrInvalidContent):
		hub.replyError(client, messageInvalidUpdate)
	case errors.Is(err, documents.ErrDocumentNotFound):
		hub.replyError(client, messageDocumentNotFound)
	default:
		hub.logError(operation, "persist_failed", err,
			zap.String("connection_id", client.id),
			zap.String("document_id", documentID.String()))
		hub.replyError(client, messageInternal)
	}
}

// broadcast delivers to every connection of the room except the originator.
func (hub *Hub) broadcast(documentID, excludeConnectionID, event string, data interface{}) {
	frame, err := encodeEnvelope(event, data)
	if err != nil {
		hub.logError(operationBroadcast, "encode_failed", err, zap.String("document_id", documentID))
		return
	}
	connectionIDs := hub.registry.Connections(documentID)
	if len(connectionIDs) == 0 {
		return
	}
	recipients := make([]*Client, 0, len(connectionIDs))
	hub.mu.RLock()
	for _, connectionID := range connectionIDs {
		if connectionID == excludeConnectionID {
			continue
		}
		if client, ok := hub.clients[connectionID]; ok {
			recipients = append(recipients, client)
		}
	}
	hub.mu.RUnlock()
	for _, client := range recipients {
		if !client.deliver(frame) {
			hub.logger.Warn("dropping slow connection",
				zap.String("connection_id", client.id),
				zap.String("document_id", documentID),
				zap.String("event", event))
		}
	}
}

func (hub *Hub) reply(client *Client, event string, data interface{}) {
	frame, err := encodeEnvelope(event, data)
	if err != nil {
		hub.logError(operationDispatch, "encode_failed", err, zap.String("connection_id", client.id))
		return
	}
	client.reply(frame)
}

func (hub *Hub) replyError(client *Client, message string) {
	hub.reply(client, EventError, ErrorMessage{Message: message})
}

func (hub *Hub) logError(operation, reason string, err error, fields ...zap.Field) {
	baseFields := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	baseFields = append(baseFields, fields...)
	if err != nil {
		baseFields = append(baseFields, zap.Error(err))
	}
	hub.logger.Error("realtime event failed", baseFields...)
}

func decodeData(data json.RawMessage, target interface{}) error {
	if len(data) == 0 {
		return errors.New("missing data")
	}
	return json.Unmarshal(data, target)
}
