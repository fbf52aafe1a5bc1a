package history

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Kind tags the payload variant of a change record.
type Kind string

const (
	KindYjsUpdate Kind = "yjs_update"
	KindPresence  Kind = "presence"
	KindRestore   Kind = "restore"
)

// Payload is the closed set of change record bodies: YjsUpdate, Presence, or Restore.
type Payload interface {
	Kind() Kind
	isPayload()
}

// YjsUpdate carries an opaque client-side merge update encoded as text.
type YjsUpdate struct {
	Update   string `json:"update"`
	UserName string `json:"user_name"`
}

// Kind implements Payload.
func (YjsUpdate) Kind() Kind { return KindYjsUpdate }
func (YjsUpdate) isPayload() {}

// Presence carries ephemeral cursor and selection state.
type Presence struct {
	UserName  string          `json:"user_name"`
	Cursor    json.RawMessage `json:"cursor,omitempty"`
	Selection json.RawMessage `json:"selection,omitempty"`
}

// Kind implements Payload.
func (Presence) Kind() Kind { return KindPresence }
func (Presence) isPayload() {}

// Restore marks a point-in-time rollback to TargetVersionID.
type Restore struct {
	TargetVersionID string `json:"target_version_id"`
	UserName        string `json:"user_name"`
}

// Kind implements Payload.
func (Restore) Kind() Kind { return KindRestore }
func (Restore) isPayload() {}

type kindEnvelope struct {
	Kind Kind `json:"kind"`
}

// EncodePayload serializes the payload with its kind tag.
func EncodePayload(payload Payload) ([]byte, error) {
	switch value := payload.(type) {
	case YjsUpdate:
		if strings.TrimSpace(value.Update) == "" {
			return nil, fmt.Errorf("%w: empty update", ErrMalformedPayload)
		}
		return json.Marshal(struct {
			Kind Kind `json:"kind"`
			YjsUpdate
		}{Kind: KindYjsUpdate, YjsUpdate: value})
	case Presence:
		return json.Marshal(struct {
			Kind Kind `json:"kind"`
			Presence
		}{Kind: KindPresence, Presence: value})
	case Restore:
		if strings.TrimSpace(value.TargetVersionID) == "" {
			return nil, fmt.Errorf("%w: empty restore target", ErrMalformedPayload)
		}
		return json.Marshal(struct {
			Kind Kind `json:"kind"`
			Restore
		}{Kind: KindRestore, Restore: value})
	default:
		return nil, fmt.Errorf("%w: unsupported payload %T", ErrMalformedPayload, payload)
	}
}

// DecodePayload parses a stored payload. The embedded kind tag, when present, must match kind.
func DecodePayload(kind Kind, raw []byte) (Payload, error) {
	var envelope kindEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if envelope.Kind != "" && envelope.Kind != kind {
		return nil, fmt.Errorf("%w: kind %q does not match %q", ErrMalformedPayload, envelope.Kind, kind)
	}
	switch kind {
	case KindYjsUpdate:
		var payload YjsUpdate
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return payload, nil
	case KindPresence:
		var payload Presence
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return payload, nil
	case KindRestore:
		var payload Restore
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return payload, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformedPayload, kind)
	}
}

// HashUpdate returns the hex sha256 of an update payload, used for tail deduplication.
func HashUpdate(update string) string {
	sum := sha256.Sum256([]byte(update))
	return hex.EncodeToString(sum[:])
}

func payloadHash(payload Payload) string {
	if update, ok := payload.(YjsUpdate); ok {
		return HashUpdate(update.Update)
	}
	return ""
}
