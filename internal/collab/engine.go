package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/tandem/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/history"
	"go.uber.org/zap"
)

// DefaultMaxUpdateBytes bounds a single update payload.
const DefaultMaxUpdateBytes = 4 << 20

var (
	// ErrInvalidPayload indicates that an update is not a non-empty string within bounds.
	ErrInvalidPayload = errors.New("collab: invalid payload")
	errMissingStore   = errors.New("change log store is required")
)

// UpdateLog is the slice of the change log the engine writes to.
type UpdateLog interface {
	AppendUpdate(ctx context.Context, documentID documents.DocumentID, userID string, update history.YjsUpdate) (history.AppendOutcome, error)
	Append(ctx context.Context, request history.AppendRequest) (history.Record, error)
}

// EngineConfig describes the dependencies of the merge engine.
type EngineConfig struct {
	Log            UpdateLog
	MaxUpdateBytes int
	Logger         *zap.Logger
}

// Engine accepts opaque client-side CRDT updates. It never interprets an update: convergence comes
// from clients replaying the same per-document log, so the engine only validates, persists once,
// and reports whether the update was a consecutive duplicate.
type Engine struct {
	log            UpdateLog
	maxUpdateBytes int
	logger         *zap.Logger
}

// NewEngine constructs an Engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Log == nil {
		return nil, errMissingStore
	}
	maxUpdateBytes := cfg.MaxUpdateBytes
	if maxUpdateBytes <= 0 {
		maxUpdateBytes = DefaultMaxUpdateBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{log: cfg.Log, maxUpdateBytes: maxUpdateBytes, logger: logger}, nil
}

// ApplyRequest is a single update submitted by a session.
type ApplyRequest struct {
	DocumentID documents.DocumentID
	UserID     string
	UserName   string
	Update     string
}

// ApplyOutcome reports the log record holding the update.
type ApplyOutcome struct {
	Record    history.Record
	Duplicate bool
}

// Apply validates and persists an update. A byte-identical repeat of the newest log record is not
// stored again; callers still relay it.
func (engine *Engine) Apply(ctx context.Context, request ApplyRequest) (ApplyOutcome, error) {
	if err := engine.validateUpdate(request.Update); err != nil {
		return ApplyOutcome{}, err
	}
	outcome, err := engine.log.AppendUpdate(ctx, request.DocumentID, request.UserID, history.YjsUpdate{
		Update:   request.Update,
		UserName: request.UserName,
	})
	if err != nil {
		if !errors.Is(err, documents.ErrDocumentNotFound) {
			engine.logger.Error("update apply failed",
				zap.String("document_id", request.DocumentID.String()),
				zap.String("user_id", request.UserID),
				zap.Error(err))
		}
		return ApplyOutcome{}, err
	}
	if outcome.Duplicate {
		engine.logger.Debug("duplicate update skipped",
			zap.String("document_id", request.DocumentID.String()),
			zap.String("version_id", outcome.Record.ID.String()))
	}
	return ApplyOutcome{Record: outcome.Record, Duplicate: outcome.Duplicate}, nil
}

// PresenceRequest is a cursor or selection change submitted by a session.
type PresenceRequest struct {
	DocumentID documents.DocumentID
	UserID     string
	UserName   string
	Cursor     json.RawMessage
	Selection  json.RawMessage
}

// RecordPresence appends a presence record to the log.
func (engine *Engine) RecordPresence(ctx context.Context, request PresenceRequest) (history.Record, error) {
	for _, field := range []json.RawMessage{request.Cursor, request.Selection} {
		if len(field) > 0 && !json.Valid(field) {
			return history.Record{}, fmt.Errorf("%w: presence field is not json", ErrInvalidPayload)
		}
	}
	return engine.log.Append(ctx, history.AppendRequest{
		DocumentID: request.DocumentID,
		UserID:     request.UserID,
		Payload: history.Presence{
			UserName:  request.UserName,
			Cursor:    request.Cursor,
			Selection: request.Selection,
		},
	})
}

func (engine *Engine) validateUpdate(update string) error {
	if strings.TrimSpace(update) == "" {
		return fmt.Errorf("%w: empty update", ErrInvalidPayload)
	}
	if len(update) > engine.maxUpdateBytes {
		return fmt.Errorf("%w: update exceeds %d bytes", ErrInvalidPayload, engine.maxUpdateBytes)
	}
	return nil
}
