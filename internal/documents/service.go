package documents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
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
	opServiceNew   = "documents.service.new"
	opCreate       = "documents.create"
	opList         = "documents.list"
	opGet          = "documents.get"
	opUpdate       = "documents.update"
	opDelete       = "documents.delete"
	opStoreContent = "documents.store_content"
	fieldDocument  = "document_id"
	queryID        = "id = ?"
	orderUpdated   = "updated_at_us DESC"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// DependentCleaner removes rows owned by a document inside the deleting transaction.
type DependentCleaner interface {
	DeleteForDocument(transaction *gorm.DB, documentID DocumentID) error
}

// ServiceConfig describes the dependencies of the document service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
	Dependents []DependentCleaner
}

// Service owns document records: metadata CRUD, the updated_at marker, and the content cache.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
	dependents []DependentCleaner
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		dependents: append([]DependentCleaner(nil), cfg.Dependents...),
	}, nil
}

// AddDependent registers a cleaner that runs whenever a document is deleted.
func (s *Service) AddDependent(dependent DependentCleaner) {
	if dependent == nil {
		return
	}
	s.dependents = append(s.dependents, dependent)
}

// Create persists a new empty document.
func (s *Service) Create(ctx context.Context, title Title) (Document, error) {
	if s.db == nil {
		return Document{}, newServiceError(opCreate, "missing_database", errMissingDatabase)
	}
	documentID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreate, "id_generation_failed", err)
		return Document{}, newServiceError(opCreate, "id_generation_failed", err)
	}
	nowMicros := s.clock().UTC().UnixMicro()
	document := Document{
		ID:              documentID,
		Title:           title.String(),
		ContentJSON:     "",
		CreatedAtMicros: nowMicros,
		UpdatedAtMicros: nowMicros,
	}
	if err := s.db.WithContext(ctx).Create(&document).Error; err != nil {
		s.logError(opCreate, "insert_failed", err, zap.String(fieldDocument, documentID))
		return Document{}, newServiceError(opCreate, "insert_failed", err)
	}
	s.logger.Info("document created", zap.String(fieldDocument, documentID))
	return document, nil
}

// List returns every document, most recently updated first.
func (s *Service) List(ctx context.Context) ([]Document, error) {
	if s.db == nil {
		return nil, newServiceError(opList, "missing_database", errMissingDatabase)
	}
	var documents []Document
	if err := s.db.WithContext(ctx).Order(orderUpdated).Find(&documents).Error; err != nil {
		s.logError(opList, "query_failed", err)
		return nil, newServiceError(opList, "query_failed", err)
	}
	return documents, nil
}

// Get loads a document or returns ErrDocumentNotFound.
func (s *Service) Get(ctx context.Context, documentID DocumentID) (Document, error) {
	if s.db == nil {
		return Document{}, newServiceError(opGet, "missing_database", errMissingDatabase)
	}
	document, err := Find(s.db.WithContext(ctx), documentID)
	if errors.Is(err, ErrDocumentNotFound) {
		return Document{}, err
	}
	if err != nil {
		s.logError(opGet, "query_failed", err, zap.String(fieldDocument, documentID.String()))
		return Document{}, newServiceError(opGet, "query_failed", err)
	}
	return document, nil
}

// Update applies title and content changes; updated_at only moves when something changed.
func (s *Service) Update(ctx context.Context, documentID DocumentID, request UpdateRequest) (Document, error) {
	if s.db == nil {
		return Document{}, newServiceError(opUpdate, "missing_database", errMissingDatabase)
	}
	var updated Document
	transactionError := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		document, err := findForUpdate(transaction, documentID)
		if err != nil {
			return err
		}
		changed := false
		if request.Title != nil && request.Title.String() != document.Title {
			document.Title = request.Title.String()
			changed = true
		}
		if request.Content != nil && string(request.Content) != document.ContentJSON {
			document.ContentJSON = string(request.Content)
			changed = true
		}
		if changed {
			document.UpdatedAtMicros = s.nextUpdatedAt(document)
			if err := transaction.Save(&document).Error; err != nil {
				return newServiceError(opUpdate, "save_failed", err)
			}
		}
		updated = document
		return nil
	})
	if transactionError != nil {
		if !errors.Is(transactionError, ErrDocumentNotFound) {
			s.logError(opUpdate, "transaction_failed", transactionError, zap.String(fieldDocument, documentID.String()))
		}
		return Document{}, wrapUnlessKnown(opUpdate, transactionError)
	}
	return updated, nil
}

// StoreContent overwrites the content cache and touches updated_at.
func (s *Service) StoreContent(ctx context.Context, documentID DocumentID, content Content) error {
	if s.db == nil {
		return newServiceError(opStoreContent, "missing_database", errMissingDatabase)
	}
	transactionError := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		document, err := findForUpdate(transaction, documentID)
		if err != nil {
			return err
		}
		document.ContentJSON = string(content)
		document.UpdatedAtMicros = s.nextUpdatedAt(document)
		if err := transaction.Save(&document).Error; err != nil {
			return newServiceError(opStoreContent, "save_failed", err)
		}
		return nil
	})
	if transactionError != nil {
		if !errors.Is(transactionError, ErrDocumentNotFound) {
			s.logError(opStoreContent, "transaction_failed", transactionError, zap.String(fieldDocument, documentID.String()))
		}
		return wrapUnlessKnown(opStoreContent, transactionError)
	}
	return nil
}

// Delete removes the document together with every dependent row in one transaction.
func (s *Service) Delete(ctx context.Context, documentID DocumentID) error {
	if s.db == nil {
		return newServiceError(opDelete, "missing_database", errMissingDatabase)
	}
	transactionError := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if _, err := findForUpdate(transaction, documentID); err != nil {
			return err
		}
		for _, dependent := range s.dependents {
			if err := dependent.DeleteForDocument(transaction, documentID); err != nil {
				return newServiceError(opDelete, "dependent_delete_failed", err)
			}
		}
		if err := transaction.Where(queryID, documentID.String()).Delete(&Document{}).Error; err != nil {
			return newServiceError(opDelete, "delete_failed", err)
		}
		return nil
	})
	if transactionError != nil {
		if !errors.Is(transactionError, ErrDocumentNotFound) {
			s.logError(opDelete, "transaction_failed", transactionError, zap.String(fieldDocument, documentID.String()))
		}
		return wrapUnlessKnown(opDelete, transactionError)
	}
	s.logger.Info("document deleted", zap.String(fieldDocument, documentID.String()))
	return nil
}

// Find loads a document with the provided handle, which may be a transaction.
func Find(handle *gorm.DB, documentID DocumentID) (Document, error) {
	var document Document
	err := handle.Where(queryID, documentID.String()).Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Document{}, ErrDocumentNotFound
	}
	if err != nil {
		return Document{}, err
	}
	return document, nil
}

// Touch moves updated_at forward to at inside an existing transaction. The marker never moves backwards.
func Touch(transaction *gorm.DB, documentID DocumentID, at time.Time) error {
	atMicros := at.UTC().UnixMicro()
	result := transaction.Model(&Document{}).
		Where("id = ? AND updated_at_us < ?", documentID.String(), atMicros).
		Update("updated_at_us", atMicros)
	return result.Error
}

func findForUpdate(transaction *gorm.DB, documentID DocumentID) (Document, error) {
	return Find(transaction.Clauses(clause.Locking{Strength: "UPDATE"}), documentID)
}

func (s *Service) nextUpdatedAt(document Document) int64 {
	nowMicros := s.clock().UTC().UnixMicro()
	if nowMicros <= document.UpdatedAtMicros {
		return document.UpdatedAtMicros + 1
	}
	return nowMicros
}

func wrapUnlessKnown(operation string, err error) error {
	var serviceError *ServiceError
	if errors.Is(err, ErrDocumentNotFound) || errors.As(err, &serviceError) {
		return err
	}
	return newServiceError(operation, "transaction_failed", err)
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("documents service error", attrs...)
}
