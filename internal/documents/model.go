package documents

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	maxIdentifierLength = 190
	maxTitleLength      = 500
)

var (
	// ErrInvalidDocumentID indicates that a document identifier is empty or exceeds storage bounds.
	ErrInvalidDocumentID = errors.New("documents: invalid document id")
	// ErrInvalidTitle indicates that a title is blank or too long.
	ErrInvalidTitle = errors.New("documents: invalid title")
	// ErrInvalidContent indicates that a content cache value is not a JSON object.
	ErrInvalidContent = errors.New("documents: invalid content")
	// ErrDocumentNotFound indicates that no document exists for the identifier.
	ErrDocumentNotFound = errors.New("documents: document not found")
)

// defaultContent is served when the content cache is empty or unreadable.
var defaultContent = json.RawMessage(`{"type":"doc","content":[{"type":"paragraph"}]}`)

// DocumentID represents a validated document identifier.
type DocumentID string

// NewDocumentID validates raw input and returns a DocumentID.
func NewDocumentID(rawInput string) (DocumentID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDocumentID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDocumentID, maxIdentifierLength)
	}
	return DocumentID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DocumentID) String() string {
	return string(id)
}

// Title represents a validated document title.
type Title string

// NewTitle trims and validates a document title.
func NewTitle(rawInput string) (Title, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidTitle)
	}
	if utf8.RuneCountInString(trimmed) > maxTitleLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidTitle, maxTitleLength)
	}
	return Title(trimmed), nil
}

// String returns the title text.
func (title Title) String() string {
	return string(title)
}

// Content is a validated JSON object used as the best-effort content cache.
type Content json.RawMessage

// NewContent validates that raw is a JSON object and returns it compacted.
func NewContent(raw []byte) (Content, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil || probe == nil {
		return nil, fmt.Errorf("%w: expected json object", ErrInvalidContent)
	}
	normalized, err := json.Marshal(probe)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidContent, err)
	}
	return Content(normalized), nil
}

// Document is the persisted document record. ContentJSON is a display cache only;
// convergence is always derived from the change log.
type Document struct {
	ID              string `gorm:"column:id;primaryKey;size:190;not null"`
	Title           string `gorm:"column:title;size:500;not null;index"`
	ContentJSON     string `gorm:"column:content_json;type:text;not null;default:''"`
	CreatedAtMicros int64  `gorm:"column:created_at_us;not null"`
	UpdatedAtMicros int64  `gorm:"column:updated_at_us;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (Document) TableName() string {
	return "documents"
}

// CreatedAt returns the creation time in UTC.
func (document Document) CreatedAt() time.Time {
	return time.UnixMicro(document.CreatedAtMicros).UTC()
}

// UpdatedAt returns the last modification time in UTC.
func (document Document) UpdatedAt() time.Time {
	return time.UnixMicro(document.UpdatedAtMicros).UTC()
}

// ContentOrDefault decodes the content cache, falling back to an empty paragraph document.
func (document Document) ContentOrDefault() json.RawMessage {
	if strings.TrimSpace(document.ContentJSON) == "" {
		return defaultContent
	}
	content, err := NewContent([]byte(document.ContentJSON))
	if err != nil {
		return defaultContent
	}
	return json.RawMessage(content)
}

// UpdateRequest carries optional title and content changes.
type UpdateRequest struct {
	Title   *Title
	Content Content
}
