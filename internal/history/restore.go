package history

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tandem/backend/internal/documents"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RestoreRequest describes a rollback marker to append.
type RestoreRequest struct {
	DocumentID      documents.DocumentID
	TargetVersionID VersionID
	UserID          string
	UserName        string
}

// RestoreOutcome reports the appended restore record.
type RestoreOutcome struct {
	DocumentID            documents.DocumentID
	RestoredFromVersionID VersionID
	RestoredAt            time.Time
	Record                Record
}

// Restore appends a restore record targeting an existing record of the same document and moves the
// document's updated_at to the restore time, both in one transaction.
func (store *Store) Restore(ctx context.Context, request RestoreRequest) (RestoreOutcome, error) {
	if store.db == nil {
		return RestoreOutcome{}, newServiceError(opRestore, reasonMissingDB, errMissingDatabase)
	}
	if strings.TrimSpace(request.UserID) == "" {
		return RestoreOutcome{}, newServiceError(opRestore, reasonInvalidInput, errMissingUserID)
	}
	userName := strings.TrimSpace(request.UserName)
	if userName == "" {
		userName = request.UserID
	}
	payload := Restore{TargetVersionID: request.TargetVersionID.String(), UserName: userName}
	encoded, err := EncodePayload(payload)
	if err != nil {
		return RestoreOutcome{}, newServiceError(opRestore, reasonEncodeFailed, err)
	}

	var outcome RestoreOutcome
	transactionError := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if _, err := findRow(transaction, request.DocumentID, request.TargetVersionID); err != nil {
			return err
		}
		appended, err := store.appendInTransaction(transaction, AppendRequest{
			DocumentID: request.DocumentID,
			UserID:     request.UserID,
			Payload:    payload,
		}, encoded, false)
		if err != nil {
			return err
		}
		if err := documents.Touch(transaction, request.DocumentID, appended.Record.Timestamp); err != nil {
			store.logError(opRestore, reasonTouchFailed, err, zap.String(fieldDocumentID, request.DocumentID.String()))
			return newServiceError(opRestore, reasonTouchFailed, err)
		}
		outcome = RestoreOutcome{
			DocumentID:            request.DocumentID,
			RestoredFromVersionID: request.TargetVersionID,
			RestoredAt:            appended.Record.Timestamp,
			Record:                appended.Record,
		}
		return nil
	})
	if transactionError != nil {
		var serviceError *ServiceError
		if errors.Is(transactionError, ErrVersionNotFound) ||
			errors.Is(transactionError, documents.ErrDocumentNotFound) ||
			errors.As(transactionError, &serviceError) {
			return RestoreOutcome{}, transactionError
		}
		store.logError(opRestore, reasonQueryFailed, transactionError, zap.String(fieldDocumentID, request.DocumentID.String()))
		return RestoreOutcome{}, newServiceError(opRestore, reasonQueryFailed, transactionError)
	}
	store.logger.Info("document restored",
		zap.String(fieldDocumentID, request.DocumentID.String()),
		zap.String(fieldVersionID, request.TargetVersionID.String()),
		zap.String(fieldUserID, request.UserID))
	return outcome, nil
}
