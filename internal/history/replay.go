package history

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/tandem/backend/internal/documents"
	"go.uber.org/zap"
)

// Reconstruction is the ordered update sequence that rebuilds a document as of a record.
type Reconstruction struct {
	DocumentID       documents.DocumentID
	VersionID        VersionID
	VersionTimestamp time.Time
	Updates          []string
}

// Reconstructor replays the change log. It never consults the document's updated_at marker:
// the only bound on replay is the target record's position in the log.
type Reconstructor struct {
	store *Store
}

// NewReconstructor builds a Reconstructor over the store.
func NewReconstructor(store *Store) *Reconstructor {
	return &Reconstructor{store: store}
}

// ReconstructUpTo returns every yjs_update payload at or before the target record, in log order.
func (reconstructor *Reconstructor) ReconstructUpTo(ctx context.Context, documentID documents.DocumentID, target VersionID) (Reconstruction, error) {
	store := reconstructor.store
	if store == nil || store.db == nil {
		return Reconstruction{}, newServiceError(opReconstruct, reasonMissingDB, errMissingDatabase)
	}
	row, err := findRow(store.db.WithContext(ctx), documentID, target)
	if err != nil {
		return Reconstruction{}, store.wrapLookup(opReconstruct, err, documentID.String())
	}
	updates, err := store.updatesThrough(ctx, documentID, &row)
	if err != nil {
		return Reconstruction{}, err
	}
	return Reconstruction{
		DocumentID:       documentID,
		VersionID:        VersionID(row.ID),
		VersionTimestamp: time.UnixMicro(row.TimestampMicros).UTC(),
		Updates:          updates,
	}, nil
}

// ReconstructAll returns the full update sequence of the document.
func (reconstructor *Reconstructor) ReconstructAll(ctx context.Context, documentID documents.DocumentID) ([]string, error) {
	store := reconstructor.store
	if store == nil || store.db == nil {
		return nil, newServiceError(opReconstruct, reasonMissingDB, errMissingDatabase)
	}
	updates, err := store.updatesThrough(ctx, documentID, nil)
	if err != nil {
		return nil, err
	}
	store.logger.Debug("document reconstructed",
		zap.String(fieldDocumentID, documentID.String()),
		zap.Int("updates", len(updates)))
	return updates, nil
}
