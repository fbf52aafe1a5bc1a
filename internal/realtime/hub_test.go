package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tandem/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/collab"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/history"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const frameWait = 2 * time.Second

type stubVerifier map[string]auth.Principal

func (verifier stubVerifier) Verify(_ context.Context, rawToken string) (auth.Principal, error) {
	principal, ok := verifier[rawToken]
	if !ok {
		return auth.Principal{}, fmt.Errorf("%w: unknown token", auth.ErrAuthenticationFailed)
	}
	return principal, nil
}

type sequentialIDs struct {
	mutex  sync.Mutex
	prefix string
	next   int
}

func (ids *sequentialIDs) NewID() (string, error) {
	ids.mutex.Lock()
	defer ids.mutex.Unlock()
	ids.next++
	return fmt.Sprintf("%s-%03d", ids.prefix, ids.next), nil
}

type hubFixture struct {
	hub       *Hub
	registry  *presence.Registry
	documents *documents.Service
	store     *history.Store
	engine    *collab.Engine
}

func newHubFixture(t *testing.T) hubFixture {
	t.Helper()
	dsn := fmt.Sprintf("file:realtime_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDatabase, err := database.DB()
	require.NoError(t, err)
	sqlDatabase.SetMaxOpenConns(1)
	require.NoError(t, database.AutoMigrate(&documents.Document{}, &history.ChangeRecord{}, &users.Identity{}))

	store, err := history.NewStore(history.StoreConfig{Database: database, IDProvider: &sequentialIDs{prefix: "rec"}})
	require.NoError(t, err)
	documentService, err := documents.NewService(documents.ServiceConfig{
		Database:   database,
		IDProvider: &sequentialIDs{prefix: "doc"},
		Dependents: []documents.DependentCleaner{store},
	})
	require.NoError(t, err)
	engine, err := collab.NewEngine(collab.EngineConfig{Log: store})
	require.NoError(t, err)
	identities, err := users.NewService(users.ServiceConfig{Database: database})
	require.NoError(t, err)

	registry := presence.NewRegistry()
	hub, err := NewHub(HubConfig{
		Registry: registry,
		Verifier: stubVerifier{
			"token-alice": {Provider: auth.ProviderSession, Subject: "alice", UserID: "alice", DisplayName: "Alice"},
			"token-bob":   {Provider: auth.ProviderSession, Subject: "bob", UserID: "bob", DisplayName: "Bob"},
		},
		Identities: identities,
		Documents:  documentService,
		Replayer:   history.NewReconstructor(store),
		Merger:     engine,
		IDProvider: &sequentialIDs{prefix: "conn"},
	})
	require.NoError(t, err)
	return hubFixture{hub: hub, registry: registry, documents: documentService, store: store, engine: engine}
}

func (fixture hubFixture) createDocument(t *testing.T, title string) documents.DocumentID {
	t.Helper()
	parsedTitle, err := documents.NewTitle(title)
	require.NoError(t, err)
	document, err := fixture.documents.Create(context.Background(), parsedTitle)
	require.NoError(t, err)
	documentID, err := documents.NewDocumentID(document.ID)
	require.NoError(t, err)
	return documentID
}

// connect opens a client and consumes its acknowledgement.
func (fixture hubFixture) connect(t *testing.T) *Client {
	t.Helper()
	client, err := fixture.hub.Connect()
	require.NoError(t, err)
	envelope := nextFrame(t, client)
	require.Equal(t, EventConnected, envelope.Event)
	return client
}

func (fixture hubFixture) send(t *testing.T, client *Client, event string, data interface{}) {
	t.Helper()
	frame, err := encodeEnvelope(event, data)
	require.NoError(t, err)
	fixture.hub.Dispatch(context.Background(), client, frame)
}

// join sends a join event and returns the load message.
func (fixture hubFixture) join(t *testing.T, client *Client, documentID documents.DocumentID, token string) LoadMessage {
	t.Helper()
	fixture.send(t, client, EventJoin, map[string]string{"document_id": documentID.String(), "auth_token": token})
	envelope := nextFrame(t, client)
	require.Equal(t, EventLoad, envelope.Event, string(envelope.Data))
	var load LoadMessage
	require.NoError(t, json.Unmarshal(envelope.Data, &load))
	return load
}

func nextFrame(t *testing.T, client *Client) Envelope {
	t.Helper()
	select {
	case frame := <-client.Outbound():
		var envelope Envelope
		require.NoError(t, json.Unmarshal(frame, &envelope))
		return envelope
	case <-time.After(frameWait):
		t.Fatalf("no frame delivered to %s", client.ID())
		return Envelope{}
	}
}

func requireNoFrame(t *testing.T, client *Client) {
	t.Helper()
	select {
	case frame := <-client.Outbound():
		t.Fatalf("unexpected frame for %s: %s", client.ID(), string(frame))
	case <-time.After(50 * time.Millisecond):
	}
}

func requireError(t *testing.T, client *Client, message string) {
	t.Helper()
	envelope := nextFrame(t, client)
	require.Equal(t, EventError, envelope.Event)
	var payload ErrorMessage
	require.NoError(t, json.Unmarshal(envelope.Data, &payload))
	require.Equal(t, message, payload.Message)
}

func TestConnectAcknowledgesWithoutBinding(t *testing.T) {
	fixture := newHubFixture(t)
	client, err := fixture.hub.Connect()
	require.NoError(t, err)

	envelope := nextFrame(t, client)
	require.Equal(t, EventConnected, envelope.Event)
	var connected ConnectedMessage
	require.NoError(t, json.Unmarshal(envelope.Data, &connected))
	require.Equal(t, client.ID(), connected.ConnectionID)

	_, bound := fixture.registry.Binding(client.ID())
	require.False(t, bound)
	require.Equal(t, 1, fixture.hub.ConnectionCount())
}

func TestJoinLoadsFullReplayAndAnnouncesToPeersOnly(t *testing.T) {
	fixture := newHubFixture(t)
	documentID := fixture.createDocument(t, "Design notes")
	_, err := fixture.engine.Apply(context.Background(), collab.ApplyRequest{DocumentID: documentID, UserID: "carol", Update: "AAA"})
	require.NoError(t, err)

	alice := fixture.connect(t)
	aliceLoad := fixture.join(t, alice, documentID, "token-alice")
	require.Equal(t, []string{"AAA"}, aliceLoad.YjsUpdates)
	require.Equal(t, "Design notes", aliceLoad.Title)
	require.Equal(t, []string{"alice"}, aliceLoad.ActiveMembers)
	require.JSONEq(t, `{"type":"doc","content":[{"type":"paragraph"}]}`, string(aliceLoad.Content))
	requireNoFrame(t, alice)

	bob := fixture.connect(t)
	bobLoad := fixture.join(t, bob, documentID, "token-bob")
	require.Equal(t, []string{"alice", "bob"}, bobLoad.ActiveMembers)
	require.Equal(t, map[string]string{"alice": "Alice", "bob": "Bob"}, bobLoad.MemberNames)

	announcement := nextFrame(t, alice)
	require.Equal(t, EventPeerJoined, announcement.Event)
	var joined PeerJoinedMessage
	require.NoError(t, json.Unmarshal(announcement.Data, &joined))
	require.Equal(t, "bob", joined.UserID)
	require.Equal(t, "Bob", joined.UserName)
	require.Equal(t, []string{"alice", "bob"}, joined.ActiveMembers)
	requireNoFrame(t, bob)
}

func TestCRDTUpdateReachesPeersButNotSender(t *testing.T) {
	fixture := newHubFixture(t)
	documentID := fixture.createDocument(t, "Shared")
	alice := fixture.connect(t)
	fixture.join(t, alice, documentID, "token-alice")
	bob := fixture.connect(t)
	fixture.join(t, bob, documentID, "token-bob")
	require.Equal(t, EventPeerJoined, nextFrame(t, alice).Event)

	fixture.send(t, alice, EventCRDTUpdate, map[string]string{"update": "AQID"})

	relayed := nextFrame(t, bob)
	require.Equal(t, EventCRDTUpdate, relayed.Event)
	var update CRDTUpdateMessage
	require.NoError(t, json.Unmarshal(relayed.Data, &update))
	require.Equal(t, CRDTUpdateMessage{DocumentID: documentID.String(), Update: "AQID"}, update)
	requireNoFrame(t, alice)

	records, err := fixture.store.List(context.Background(), history.ListQuery{DocumentID: documentID})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "alice", records[0].UserID)
	require.Equal(t, "Alice", records[0].UserName())
}

func TestDuplicateUpdateIsRelayedButStoredOnce(t *testing.T) {
	fixture := newHubFixture(t)
	documentID := fixture.createDocument(t, "Shared")
	alice := fixture.connect(t)
	fixture.join(t, alice, documentID, "token-alice")
	bob := fixture.connect(t)
	fixture.join(t, bob, documentID, "token-bob")
	require.Equal(t, EventPeerJoined, nextFrame(t, alice).Event)

	fixture.send(t, alice, EventCRDTUpdate, map[string]string{"document_id": documentID.String(), "update": "AAA"})
	fixture.send(t, alice, EventCRDTUpdate, map[string]string{"document_id": documentID.String(), "update": "AAA"})
	require.Equal(t, EventCRDTUpdate, nextFrame(t, bob).Event)
	require.Equal(t, EventCRDTUpdate, nextFrame(t, bob).Event)

	records, err := fixture.store.List(context.Background(), history.ListQuery{DocumentID: documentID})
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestDisconnectAnnouncesRemainingMembership(t *testing.T) {
	fixture := newHubFixture(t)
	documentID := fixture.createDocument(t, "Shared")
	alice := fixture.connect(t)
	fixture.join(t, alice, documentID, "token-alice")
	bob := fixture.connect(t)
	fixture.join(t, bob, documentID, "token-bob")
	require.Equal(t, EventPeerJoined, nextFrame(t, alice).Event)

	fixture.hub.Disconnect(alice)
	fixture.hub.Disconnect(alice)

	departure := nextFrame(t, bob)
	require.Equal(t, EventPeerLeft, departure.Event)
	var left PeerLeftMessage
	require.NoError(t, json.Unmarshal(departure.Data, &left))
	require.Equal(t, "alice", left.UserID)
	require.Equal(t, []string{"bob"}, left.ActiveMembers)
	require.Equal(t, map[string]string{"bob": "Bob"}, left.MemberNames)
	requireNoFrame(t, bob)

	<-alice.Done()
	fixture.hub.Disconnect(bob)
	require.Equal(t, 0, fixture.registry.RoomCount())
	require.Equal(t, 0, fixture.hub.ConnectionCount())
}

func TestJoinFailuresAreReportedToRequesterOnly(t *testing.T) {
	fixture := newHubFixture(t)
	documentID := fixture.createDocument(t, "Shared")
	bob := fixture.connect(t)
	fixture.join(t, bob, documentID, "token-bob")

	client := fixture.connect(t)
	fixture.send(t, client, EventJoin, map[string]string{"document_id": documentID.String()})
	requireError(t, client, messageInvalidRequest)

	fixture.send(t, client, EventJoin, map[string]string{"document_id": documentID.String(), "auth_token": "forged"})
	requireError(t, client, messageAuthFailed)

	fixture.send(t, client, EventJoin, map[string]string{"document_id": "missing-doc", "auth_token": "token-alice"})
	requireError(t, client, messageDocumentNotFound)

	_, bound := fixture.registry.Binding(client.ID())
	require.False(t, bound)
	require.Equal(t, []string{"bob"}, fixture.registry.Members(documentID.String()).ActiveMembers)
	requireNoFrame(t, bob)

	fixture.send(t, client, "rename", map[string]string{})
	requireError(t, client, messageUnknownEvent)
	fixture.hub.Dispatch(context.Background(), client, []byte("not json"))
	requireError(t, client, messageInvalidRequest)
}

func TestSecondJoinIsRejected(t *testing.T) {
	fixture := newHubFixture(t)
	first := fixture.createDocument(t, "First")
	second := fixture.createDocument(t, "Second")
	alice := fixture.connect(t)
	fixture.join(t, alice, first, "token-alice")

	fixture.send(t, alice, EventJoin, map[string]string{"document_id": second.String(), "auth_token": "token-alice"})
	requireError(t, alice, messageAlreadyJoined)
	binding, bound := fixture.registry.Binding(alice.ID())
	require.True(t, bound)
	require.Equal(t, first.String(), binding.DocumentID)
}

func TestUpdateValidationFailuresDoNotBroadcast(t *testing.T) {
	fixture := newHubFixture(t)
	documentID := fixture.createDocument(t, "Shared")
	other := fixture.createDocument(t, "Other")

	stranger := fixture.connect(t)
	fixture.send(t, stranger, EventCRDTUpdate, map[string]string{"document_id": documentID.String(), "update": "AAA"})
	requireError(t, stranger, messageNotJoined)

	alice := fixture.connect(t)
	fixture.join(t, alice, documentID, "token-alice")
	bob := fixture.connect(t)
	fixture.join(t, bob, documentID, "token-bob")
	require.Equal(t, EventPeerJoined, nextFrame(t, alice).Event)

	fixture.send(t, alice, EventCRDTUpdate, map[string]string{"update": "   "})
	requireError(t, alice, messageInvalidUpdate)
	fixture.send(t, alice, EventCRDTUpdate, map[string]int{"update": 42})
	requireError(t, alice, messageInvalidUpdate)
	fixture.send(t, alice, EventCRDTUpdate, map[string]string{})
	requireError(t, alice, messageInvalidUpdate)
	fixture.send(t, alice, EventCRDTUpdate, map[string]string{"document_id": other.String(), "update": "AAA"})
	requireError(t, alice, messageWrongDocument)
	requireNoFrame(t, bob)

	records, err := fixture.store.List(context.Background(), history.ListQuery{DocumentID: documentID})
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestLegacyUpdateStoresContentAndRelays(t *testing.T) {
	fixture := newHubFixture(t)
	documentID := fixture.createDocument(t, "Shared")
	alice := fixture.connect(t)
	fixture.join(t, alice, documentID, "token-alice")
	bob := fixture.connect(t)
	fixture.join(t, bob, documentID, "token-bob")
	require.Equal(t, EventPeerJoined, nextFrame(t, alice).Event)

	delta := json.RawMessage(`{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"hi"}]}]}`)
	fixture.send(t, alice, EventUpdate, map[string]interface{}{"delta": delta})

	relayed := nextFrame(t, bob)
	require.Equal(t, EventDocumentUpdated, relayed.Event)
	var updated DocumentUpdatedMessage
	require.NoError(t, json.Unmarshal(relayed.Data, &updated))
	require.Equal(t, "alice", updated.UserID)
	require.JSONEq(t, string(delta), string(updated.Content))
	requireNoFrame(t, alice)

	document, err := fixture.documents.Get(context.Background(), documentID)
	require.NoError(t, err)
	require.JSONEq(t, string(delta), string(document.ContentOrDefault()))

	fixture.send(t, alice, EventUpdate, map[string]interface{}{"delta": "plain text"})
	requireError(t, alice, messageInvalidUpdate)
}

func TestPresenceIsRecordedAndRelayed(t *testing.T) {
	fixture := newHubFixture(t)
	documentID := fixture.createDocument(t, "Shared")
	alice := fixture.connect(t)
	fixture.join(t, alice, documentID, "token-alice")
	bob := fixture.connect(t)
	fixture.join(t, bob, documentID, "token-bob")
	require.Equal(t, EventPeerJoined, nextFrame(t, alice).Event)

	fixture.send(t, alice, EventPresence, map[string]interface{}{"cursor": map[string]int{"anchor": 3, "head": 5}})

	relayed := nextFrame(t, bob)
	require.Equal(t, EventPresence, relayed.Event)
	var cursor PresenceMessage
	require.NoError(t, json.Unmarshal(relayed.Data, &cursor))
	require.Equal(t, "alice", cursor.UserID)
	require.Equal(t, "Alice", cursor.UserName)
	require.JSONEq(t, `{"anchor":3,"head":5}`, string(cursor.Cursor))
	requireNoFrame(t, alice)

	records, err := fixture.store.List(context.Background(), history.ListQuery{DocumentID: documentID})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, history.KindPresence, records[0].Kind())
}

func TestNotifyRestoredReachesEveryMember(t *testing.T) {
	fixture := newHubFixture(t)
	documentID := fixture.createDocument(t, "Shared")
	alice := fixture.connect(t)
	fixture.join(t, alice, documentID, "token-alice")
	bob := fixture.connect(t)
	fixture.join(t, bob, documentID, "token-bob")
	require.Equal(t, EventPeerJoined, nextFrame(t, alice).Event)

	outcome, err := fixture.engine.Apply(context.Background(), collab.ApplyRequest{DocumentID: documentID, UserID: "alice", Update: "AAA"})
	require.NoError(t, err)
	restored, err := fixture.store.Restore(context.Background(), history.RestoreRequest{
		DocumentID:      documentID,
		TargetVersionID: outcome.Record.ID,
		UserID:          "u9",
		UserName:        "Bob",
	})
	require.NoError(t, err)

	fixture.hub.NotifyRestored(restored, "u9", "Bob")
	for _, client := range []*Client{alice, bob} {
		envelope := nextFrame(t, client)
		require.Equal(t, EventVersionRestored, envelope.Event)
		var message VersionRestoredMessage
		require.NoError(t, json.Unmarshal(envelope.Data, &message))
		require.Equal(t, outcome.Record.ID.String(), message.RestoredFromVersionID)
		require.Equal(t, "u9", message.UserID)
	}
}

func TestNewHubRequiresCollaborators(t *testing.T) {
	_, err := NewHub(HubConfig{})
	require.ErrorIs(t, err, errMissingDependency)
}

type failingReplayer struct {
	mutex    sync.Mutex
	inner    Replayer
	failures int
}

func (replayer *failingReplayer) ReconstructAll(ctx context.Context, documentID documents.DocumentID) ([]string, error) {
	replayer.mutex.Lock()
	if replayer.failures > 0 {
		replayer.failures--
		replayer.mutex.Unlock()
		return nil, errors.New("change log unavailable")
	}
	replayer.mutex.Unlock()
	return replayer.inner.ReconstructAll(ctx, documentID)
}

func TestJoinRollsBackWhenReplayFails(t *testing.T) {
	fixture := newHubFixture(t)
	documentID := fixture.createDocument(t, "Flaky")

	alice := fixture.connect(t)
	fixture.join(t, alice, documentID, "token-alice")

	fixture.hub.replayer = &failingReplayer{inner: fixture.hub.replayer, failures: 1}

	bob := fixture.connect(t)
	fixture.send(t, bob, EventJoin, map[string]string{"document_id": documentID.String(), "auth_token": "token-bob"})
	requireError(t, bob, messageInternal)
	requireNoFrame(t, bob)
	requireNoFrame(t, alice)

	_, bound := fixture.registry.Binding(bob.ID())
	require.False(t, bound)
	require.Equal(t, []string{"alice"}, fixture.registry.Members(documentID.String()).ActiveMembers)

	bobLoad := fixture.join(t, bob, documentID, "token-bob")
	require.Equal(t, []string{"alice", "bob"}, bobLoad.ActiveMembers)
	announcement := nextFrame(t, alice)
	require.Equal(t, EventPeerJoined, announcement.Event)
}
