package realtime

import (
	"encoding/json"
	"time"
)

// Event names exchanged over the realtime channel.
const (
	EventConnected       = "connected"
	EventJoin            = "join"
	EventLoad            = "load"
	EventCRDTUpdate      = "crdt_update"
	EventUpdate          = "update"
	EventDocumentUpdated = "document_updated"
	EventPresence        = "presence"
	EventPeerJoined      = "peer_joined"
	EventPeerLeft        = "peer_left"
	EventVersionRestored = "version_restored"
	EventError           = "error"
)

// Error messages sent to the originating connection.
const (
	messageInvalidRequest   = "Invalid request"
	messageAuthFailed       = "Authentication failed"
	messageDocumentNotFound = "Document not found"
	messageAlreadyJoined    = "Connection already joined a document"
	messageNotJoined        = "Join a document first"
	messageWrongDocument    = "Connection is joined to a different document"
	messageInvalidUpdate    = "Invalid update payload"
	messageUnknownEvent     = "Unknown event"
	messageInternal         = "Internal error"
)

// Envelope frames every realtime message.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type joinPayload struct {
	DocumentID string `json:"document_id"`
	AuthToken  string `json:"auth_token"`
}

type crdtUpdatePayload struct {
	DocumentID string  `json:"document_id"`
	Update     *string `json:"update"`
}

type legacyUpdatePayload struct {
	DocumentID string          `json:"document_id"`
	Delta      json.RawMessage `json:"delta"`
}

type presencePayload struct {
	DocumentID string          `json:"document_id"`
	Cursor     json.RawMessage `json:"cursor,omitempty"`
	Selection  json.RawMessage `json:"selection,omitempty"`
}

// ConnectedMessage acknowledges a new connection.
type ConnectedMessage struct {
	ConnectionID string `json:"connection_id"`
	Message      string `json:"message"`
}

// LoadMessage onboards a joined connection with the full document state.
type LoadMessage struct {
	DocumentID    string            `json:"document_id"`
	Content       json.RawMessage   `json:"content"`
	YjsUpdates    []string          `json:"yjs_updates"`
	Title         string            `json:"title"`
	ActiveMembers []string          `json:"active_members"`
	MemberNames   map[string]string `json:"member_names"`
}

// CRDTUpdateMessage relays an opaque CRDT update to peers.
type CRDTUpdateMessage struct {
	DocumentID string `json:"document_id"`
	Update     string `json:"update"`
}

// DocumentUpdatedMessage relays a legacy content delta to peers.
type DocumentUpdatedMessage struct {
	DocumentID string          `json:"document_id"`
	UserID     string          `json:"user_id"`
	Content    json.RawMessage `json:"content"`
}

// PresenceMessage relays a cursor or selection change.
type PresenceMessage struct {
	DocumentID string          `json:"document_id"`
	UserID     string          `json:"user_id"`
	UserName   string          `json:"user_name"`
	Cursor     json.RawMessage `json:"cursor,omitempty"`
	Selection  json.RawMessage `json:"selection,omitempty"`
}

// PeerJoinedMessage announces a new member to the rest of the room.
type PeerJoinedMessage struct {
	UserID        string            `json:"user_id"`
	UserName      string            `json:"user_name"`
	ActiveMembers []string          `json:"active_members"`
	MemberNames   map[string]string `json:"member_names"`
}

// PeerLeftMessage announces a departure to the remaining members.
type PeerLeftMessage struct {
	UserID        string            `json:"user_id"`
	ActiveMembers []string          `json:"active_members"`
	MemberNames   map[string]string `json:"member_names"`
}

// VersionRestoredMessage tells every session that the document was rolled back.
type VersionRestoredMessage struct {
	DocumentID            string    `json:"document_id"`
	RestoredFromVersionID string    `json:"restored_from_version_id"`
	UserID                string    `json:"user_id"`
	UserName              string    `json:"user_name"`
	RestoredAt            time.Time `json:"restored_at"`
}

// ErrorMessage reports a failure to the originating connection only.
type ErrorMessage struct {
	Message string `json:"message"`
}

func encodeEnvelope(event string, data interface{}) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: payload})
}
