package history

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tandem/backend/internal/documents"
)

const (
	maxIdentifierLength = 190
	// MaxListLimit bounds every list response regardless of the requested limit.
	MaxListLimit = 500
	// DefaultListLimit applies when the caller does not request a limit.
	DefaultListLimit = 50
)

var (
	// ErrInvalidVersionID indicates that a change record identifier is empty or too long.
	ErrInvalidVersionID = errors.New("history: invalid version id")
	// ErrVersionNotFound indicates that no change record exists for the identifier on the document.
	ErrVersionNotFound = errors.New("history: version not found")
	// ErrMalformedPayload indicates that a stored or submitted payload does not match its kind.
	ErrMalformedPayload = errors.New("history: malformed payload")
)

// VersionID identifies a single change record.
type VersionID string

// NewVersionID validates raw input and returns a VersionID.
func NewVersionID(rawInput string) (VersionID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidVersionID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidVersionID, maxIdentifierLength)
	}
	return VersionID(trimmed), nil
}

// String returns the identifier text.
func (id VersionID) String() string {
	return string(id)
}

// ChangeRecord is the persisted, append-only log row. Rows are ordered per document by
// (timestamp_us, sequence); sequence is unique per document and assigned inside the append transaction.
type ChangeRecord struct {
	ID              string `gorm:"column:id;primaryKey;size:190;not null"`
	DocumentID      string `gorm:"column:document_id;size:190;not null;uniqueIndex:idx_change_records_document_sequence,priority:1;index:idx_change_records_document_time,priority:1"`
	UserID          string `gorm:"column:user_id;size:190;not null"`
	Kind            string `gorm:"column:kind;size:32;not null"`
	PayloadJSON     string `gorm:"column:payload_json;type:text;not null"`
	PayloadHash     string `gorm:"column:payload_hash;size:64;not null;default:''"`
	TimestampMicros int64  `gorm:"column:timestamp_us;not null;index:idx_change_records_document_time,priority:2"`
	Sequence        int64  `gorm:"column:sequence;not null;uniqueIndex:idx_change_records_document_sequence,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (ChangeRecord) TableName() string {
	return "change_records"
}

// Record is a decoded change record.
type Record struct {
	ID         VersionID
	DocumentID documents.DocumentID
	UserID     string
	Payload    Payload
	Timestamp  time.Time
	Sequence   int64
}

// Kind reports the payload kind.
func (record Record) Kind() Kind {
	if record.Payload == nil {
		return ""
	}
	return record.Payload.Kind()
}

// UserName returns the display name carried in the payload, falling back to the user id.
func (record Record) UserName() string {
	var name string
	switch payload := record.Payload.(type) {
	case YjsUpdate:
		name = payload.UserName
	case Presence:
		name = payload.UserName
	case Restore:
		name = payload.UserName
	}
	if strings.TrimSpace(name) == "" {
		return record.UserID
	}
	return name
}

func toRecord(row ChangeRecord) (Record, error) {
	payload, err := DecodePayload(Kind(row.Kind), []byte(row.PayloadJSON))
	if err != nil {
		return Record{}, err
	}
	return Record{
		ID:         VersionID(row.ID),
		DocumentID: documents.DocumentID(row.DocumentID),
		UserID:     row.UserID,
		Payload:    payload,
		Timestamp:  time.UnixMicro(row.TimestampMicros).UTC(),
		Sequence:   row.Sequence,
	}, nil
}

// ClampLimit bounds a caller supplied limit to [1, MaxListLimit].
func ClampLimit(limit int) int {
	if limit < 1 {
		return 1
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
