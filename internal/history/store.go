package history

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tandem/backend/internal/documents"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingUserID     = errors.New("user identifier is required")
	noOpLogger           = zap.NewNop()
	lockingClause        = clause.Locking{Strength: "UPDATE"}
)

// ServiceError carries an operation.reason code alongside the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opStoreNew          = "history.store.new"
	opAppend            = "history.append"
	opList              = "history.list"
	opFind              = "history.find"
	opReconstruct       = "history.reconstruct"
	opRestore           = "history.restore"
	fieldDocumentID     = "document_id"
	fieldVersionID      = "version_id"
	fieldUserID         = "user_id"
	queryDocument       = "document_id = ?"
	queryDocumentRecord = "document_id = ? AND id = ?"
	orderAscending      = "timestamp_us ASC, sequence ASC"
	orderDescending     = "timestamp_us DESC, sequence DESC"
	queryAfterPosition  = "(timestamp_us > ? OR (timestamp_us = ? AND sequence > ?))"
	queryBeforePosition = "(timestamp_us < ? OR (timestamp_us = ? AND sequence < ?))"
	queryUpToPosition   = "(timestamp_us < ? OR (timestamp_us = ? AND sequence <= ?))"
	reasonMissingDB     = "missing_database"
	reasonInvalidInput  = "invalid_input"
	reasonEncodeFailed  = "encode_failed"
	reasonTailLookup    = "tail_lookup_failed"
	reasonIDGeneration  = "id_generation_failed"
	reasonInsertFailed  = "insert_failed"
	reasonQueryFailed   = "query_failed"
	reasonDecodeFailed  = "decode_failed"
	reasonDocumentCheck = "document_lookup_failed"
	reasonTouchFailed   = "touch_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// StoreConfig describes the dependencies of the change log store.
type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider documents.IDProvider
	Logger     *zap.Logger
}

// Store is the append-only change log. Every append runs in a transaction that locks the owning
// document row, so timestamp and sequence assignment happen at the moment of the atomic append.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider documents.IDProvider
	logger     *zap.Logger
}

// NewStore validates the configuration and constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, reasonMissingDB, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opStoreNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// AppendRequest describes a record to append.
type AppendRequest struct {
	DocumentID documents.DocumentID
	UserID     string
	Payload    Payload
}

// AppendOutcome reports the stored record, or the tail record when the append was deduplicated.
type AppendOutcome struct {
	Record    Record
	Duplicate bool
}

// Append persists a record unconditionally.
func (store *Store) Append(ctx context.Context, request AppendRequest) (Record, error) {
	outcome, err := store.append(ctx, request, false)
	if err != nil {
		return Record{}, err
	}
	return outcome.Record, nil
}

// AppendUpdate persists a yjs_update unless the newest record of the document is a byte-identical
// update, in which case the existing tail is returned with Duplicate set.
func (store *Store) AppendUpdate(ctx context.Context, documentID documents.DocumentID, userID string, update YjsUpdate) (AppendOutcome, error) {
	return store.append(ctx, AppendRequest{DocumentID: documentID, UserID: userID, Payload: update}, true)
}

func (store *Store) append(ctx context.Context, request AppendRequest, dedupe bool) (AppendOutcome, error) {
	if store.db == nil {
		return AppendOutcome{}, newServiceError(opAppend, reasonMissingDB, errMissingDatabase)
	}
	if strings.TrimSpace(request.UserID) == "" {
		return AppendOutcome{}, newServiceError(opAppend, reasonInvalidInput, errMissingUserID)
	}
	encoded, err := EncodePayload(request.Payload)
	if err != nil {
		return AppendOutcome{}, newServiceError(opAppend, reasonEncodeFailed, err)
	}

	var outcome AppendOutcome
	transactionError := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		result, appendErr := store.appendInTransaction(transaction, request, encoded, dedupe)
		if appendErr != nil {
			return appendErr
		}
		outcome = result
		return nil
	})
	if transactionError != nil {
		return AppendOutcome{}, transactionError
	}
	return outcome, nil
}

func (store *Store) appendInTransaction(transaction *gorm.DB, request AppendRequest, encoded []byte, dedupe bool) (AppendOutcome, error) {
	documentID := request.DocumentID.String()
	if _, err := lockDocument(transaction, request.DocumentID); err != nil {
		if errors.Is(err, documents.ErrDocumentNotFound) {
			return AppendOutcome{}, err
		}
		store.logError(opAppend, reasonDocumentCheck, err, zap.String(fieldDocumentID, documentID))
		return AppendOutcome{}, newServiceError(opAppend, reasonDocumentCheck, err)
	}

	tail, hasTail, err := latestRow(transaction, request.DocumentID)
	if err != nil {
		store.logError(opAppend, reasonTailLookup, err, zap.String(fieldDocumentID, documentID))
		return AppendOutcome{}, newServiceError(opAppend, reasonTailLookup, err)
	}

	hash := payloadHash(request.Payload)
	if dedupe && hasTail && tail.Kind == string(KindYjsUpdate) && tail.PayloadHash == hash {
		tailRecord, decodeErr := toRecord(tail)
		if decodeErr != nil {
			store.logError(opAppend, reasonDecodeFailed, decodeErr, zap.String(fieldVersionID, tail.ID))
			return AppendOutcome{}, newServiceError(opAppend, reasonDecodeFailed, decodeErr)
		}
		incoming, _ := request.Payload.(YjsUpdate)
		stored, _ := tailRecord.Payload.(YjsUpdate)
		if stored.Update == incoming.Update {
			return AppendOutcome{Record: tailRecord, Duplicate: true}, nil
		}
	}

	recordID, err := store.idProvider.NewID()
	if err != nil {
		store.logError(opAppend, reasonIDGeneration, err, zap.String(fieldDocumentID, documentID))
		return AppendOutcome{}, newServiceError(opAppend, reasonIDGeneration, err)
	}

	timestampMicros := store.clock().UTC().UnixMicro()
	sequence := int64(1)
	if hasTail {
		if timestampMicros < tail.TimestampMicros {
			timestampMicros = tail.TimestampMicros
		}
		sequence = tail.Sequence + 1
	}

	row := ChangeRecord{
		ID:              recordID,
		DocumentID:      documentID,
		UserID:          request.UserID,
		Kind:            string(request.Payload.Kind()),
		PayloadJSON:     string(encoded),
		PayloadHash:     hash,
		TimestampMicros: timestampMicros,
		Sequence:        sequence,
	}
	if err := transaction.Create(&row).Error; err != nil {
		store.logError(opAppend, reasonInsertFailed, err,
			zap.String(fieldDocumentID, documentID),
			zap.String(fieldUserID, request.UserID))
		return AppendOutcome{}, newServiceError(opAppend, reasonInsertFailed, err)
	}
	return AppendOutcome{
		Record: Record{
			ID:         VersionID(row.ID),
			DocumentID: request.DocumentID,
			UserID:     row.UserID,
			Payload:    request.Payload,
			Timestamp:  time.UnixMicro(row.TimestampMicros).UTC(),
			Sequence:   row.Sequence,
		},
	}, nil
}

// ListQuery selects a page of the log. Cursor, when set, is exclusive: ascending pages return
// records after it and descending pages return records before it.
type ListQuery struct {
	DocumentID documents.DocumentID
	Cursor     VersionID
	Limit      int
	Descending bool
}

// List returns records in log order, clamping the limit to [1, MaxListLimit]. A zero limit selects
// DefaultListLimit.
func (store *Store) List(ctx context.Context, query ListQuery) ([]Record, error) {
	if store.db == nil {
		return nil, newServiceError(opList, reasonMissingDB, errMissingDatabase)
	}
	limit := query.Limit
	if limit == 0 {
		limit = DefaultListLimit
	}
	documentID := query.DocumentID.String()
	statement := store.db.WithContext(ctx).Where(queryDocument, documentID)
	if query.Cursor != "" {
		cursor, err := findRow(store.db.WithContext(ctx), query.DocumentID, query.Cursor)
		if err != nil {
			return nil, store.wrapLookup(opList, err, documentID)
		}
		if query.Descending {
			statement = statement.Where(queryBeforePosition, cursor.TimestampMicros, cursor.TimestampMicros, cursor.Sequence)
		} else {
			statement = statement.Where(queryAfterPosition, cursor.TimestampMicros, cursor.TimestampMicros, cursor.Sequence)
		}
	}
	order := orderAscending
	if query.Descending {
		order = orderDescending
	}

	var rows []ChangeRecord
	if err := statement.Order(order).Limit(ClampLimit(limit)).Find(&rows).Error; err != nil {
		store.logError(opList, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID))
		return nil, newServiceError(opList, reasonQueryFailed, err)
	}
	return store.decodeRows(opList, rows)
}

// FindByID loads a record of the document or returns ErrVersionNotFound.
func (store *Store) FindByID(ctx context.Context, documentID documents.DocumentID, versionID VersionID) (Record, error) {
	if store.db == nil {
		return Record{}, newServiceError(opFind, reasonMissingDB, errMissingDatabase)
	}
	row, err := findRow(store.db.WithContext(ctx), documentID, versionID)
	if err != nil {
		return Record{}, store.wrapLookup(opFind, err, documentID.String())
	}
	record, err := toRecord(row)
	if err != nil {
		store.logError(opFind, reasonDecodeFailed, err, zap.String(fieldVersionID, row.ID))
		return Record{}, newServiceError(opFind, reasonDecodeFailed, err)
	}
	return record, nil
}

// DeleteForDocument removes the whole log of a document. It only runs inside document deletion.
func (store *Store) DeleteForDocument(transaction *gorm.DB, documentID documents.DocumentID) error {
	return transaction.Where(queryDocument, documentID.String()).Delete(&ChangeRecord{}).Error
}

// updatesThrough returns yjs_update payloads in log order, bounded by the target position when given.
func (store *Store) updatesThrough(ctx context.Context, documentID documents.DocumentID, target *ChangeRecord) ([]string, error) {
	statement := store.db.WithContext(ctx).
		Where(queryDocument, documentID.String()).
		Where("kind = ?", string(KindYjsUpdate))
	if target != nil {
		statement = statement.Where(queryUpToPosition, target.TimestampMicros, target.TimestampMicros, target.Sequence)
	}
	var rows []ChangeRecord
	if err := statement.Order(orderAscending).Find(&rows).Error; err != nil {
		store.logError(opReconstruct, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID.String()))
		return nil, newServiceError(opReconstruct, reasonQueryFailed, err)
	}
	updates := make([]string, 0, len(rows))
	for _, row := range rows {
		payload, err := DecodePayload(KindYjsUpdate, []byte(row.PayloadJSON))
		if err != nil {
			store.logError(opReconstruct, reasonDecodeFailed, err, zap.String(fieldVersionID, row.ID))
			return nil, newServiceError(opReconstruct, reasonDecodeFailed, err)
		}
		updates = append(updates, payload.(YjsUpdate).Update)
	}
	return updates, nil
}

func (store *Store) decodeRows(operation string, rows []ChangeRecord) ([]Record, error) {
	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		record, err := toRecord(row)
		if err != nil {
			store.logError(operation, reasonDecodeFailed, err, zap.String(fieldVersionID, row.ID))
			return nil, newServiceError(operation, reasonDecodeFailed, err)
		}
		records = append(records, record)
	}
	return records, nil
}

func (store *Store) wrapLookup(operation string, err error, documentID string) error {
	if errors.Is(err, ErrVersionNotFound) {
		return err
	}
	store.logError(operation, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID))
	return newServiceError(operation, reasonQueryFailed, err)
}

func findRow(handle *gorm.DB, documentID documents.DocumentID, versionID VersionID) (ChangeRecord, error) {
	var row ChangeRecord
	err := handle.Where(queryDocumentRecord, documentID.String(), versionID.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ChangeRecord{}, ErrVersionNotFound
	}
	if err != nil {
		return ChangeRecord{}, err
	}
	return row, nil
}

func latestRow(transaction *gorm.DB, documentID documents.DocumentID) (ChangeRecord, bool, error) {
	var row ChangeRecord
	err := transaction.Where(queryDocument, documentID.String()).Order(orderDescending).Limit(1).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ChangeRecord{}, false, nil
	}
	if err != nil {
		return ChangeRecord{}, false, err
	}
	return row, true, nil
}

func lockDocument(transaction *gorm.DB, documentID documents.DocumentID) (documents.Document, error) {
	return documents.Find(transaction.Clauses(lockingClause), documentID)
}

func (store *Store) loggerOrDefault() *zap.Logger {
	if store == nil || store.logger == nil {
		return noOpLogger
	}
	return store.logger
}

func (store *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	store.loggerOrDefault().Error("history store error", attrs...)
}
