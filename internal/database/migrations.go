package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/tandem/backend/internal/history"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillPayloadHash = "2026-09-14_backfill_change_record_payload_hash"
	migrationStripGooglePrefix   = "2026-09-21_strip_google_user_prefix"

	backfillBatchSize = 200
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillPayloadHash, apply: backfillPayloadHashes},
		{name: migrationStripGooglePrefix, apply: stripGoogleUserPrefix},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := db.Transaction(migration.apply); err != nil {
			return fmt.Errorf("migration %s: %w", migration.name, err)
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillPayloadHashes fills payload_hash for update records loaded by bulk import or raw SQL seeding.
// Those rows keep the column default, and duplicate detection only matches hashed rows.
func backfillPayloadHashes(db *gorm.DB) error {
	var rows []history.ChangeRecord
	return db.Where("kind = ? AND payload_hash = ?", string(history.KindYjsUpdate), "").
		FindInBatches(&rows, backfillBatchSize, func(batch *gorm.DB, _ int) error {
			for _, row := range rows {
				payload, err := history.DecodePayload(history.Kind(row.Kind), []byte(row.PayloadJSON))
				if err != nil {
					return fmt.Errorf("record %s: %w", row.ID, err)
				}
				update, ok := payload.(history.YjsUpdate)
				if !ok {
					continue
				}
				if err := batch.Model(&history.ChangeRecord{}).
					Where("id = ?", row.ID).
					Update("payload_hash", history.HashUpdate(update.Update)).Error; err != nil {
					return err
				}
			}
			return nil
		}).Error
}

// stripGoogleUserPrefix canonicalizes caller-supplied restore attributions. Clients that send the raw
// google:<sub> login id as user_id would otherwise not match the ids recorded over the realtime path.
func stripGoogleUserPrefix(db *gorm.DB) error {
	const prefix = "google:"
	start := len(prefix) + 1
	statement := fmt.Sprintf("UPDATE change_records SET user_id = substr(user_id, %d) WHERE user_id LIKE '%s%%'", start, prefix)
	return db.Exec(statement).Error
}
