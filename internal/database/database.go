package database

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/tandem/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/history"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var (
	errMissingDSN        = errors.New("database dsn is required")
	errUnsupportedDriver = errors.New("unsupported database driver")
)

// Config selects the database backend.
type Config struct {
	Driver string
	DSN    string
}

// Open establishes a connection for the configured driver. SQLite is limited to one open connection
// so that writers serialize.
func Open(cfg Config, logger *zap.Logger) (*gorm.DB, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errMissingDSN
	}

	var dialector gorm.Dialector
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", DriverSQLite:
		driver = DriverSQLite
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("%w: %s", errUnsupportedDriver, cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		sqlDB.SetMaxOpenConns(1)
	}

	if logger != nil {
		logger.Info("database opened", zap.String("driver", driver))
	}
	return db, nil
}

// Migrate brings the schema up to date and applies pending data migrations.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	if err := db.AutoMigrate(&documents.Document{}, &history.ChangeRecord{}, &users.Identity{}, &migrationRecord{}); err != nil {
		return err
	}
	if err := applyMigrations(db, logger); err != nil {
		return err
	}
	if logger != nil {
		logger.Info("database initialized")
	}
	return nil
}
