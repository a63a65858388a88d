// Package store persists the canonical platform state in Postgres: plugin
// descriptors, deduplicated computation rows, artifact listings, lookup
// aliases and the task backend's outcome mirror. Operations are short
// transactions; the dedup decision rides on a unique constraint so
// concurrent senders serialize at the database.
package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormschema "gorm.io/gorm/schema"

	"github.com/climatoology/climatoology/common"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrSchemaMismatch is returned when the database carries a different
	// schema version than this build expects.
	ErrSchemaMismatch = errors.New("store: schema version mismatch")
)

// Store wraps the database handle.
type Store struct {
	db     *gorm.DB
	logger *logrus.Entry
}

// Open connects to Postgres and tunes the connection pool. A nil logger
// falls back to the process logger.
func Open(dsn string, logger *logrus.Logger) (*Store, error) {
	entry := common.ComponentLogger(logger, "store")

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		NamingStrategy: gormschema.NamingStrategy{
			TablePrefix:   SchemaName + ".",
			SingularTable: true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: connecting: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("store: accessing pool: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	entry.Info("connected to database")
	return &Store{db: db, logger: entry}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("store: accessing pool: %w", err)
	}
	return sqlDB.Close()
}

// Migrate creates the schema, tables and views and stamps the schema
// version. It is idempotent.
func (s *Store) Migrate() error {
	if err := s.db.Exec("CREATE SCHEMA IF NOT EXISTS " + SchemaName).Error; err != nil {
		return fmt.Errorf("store: creating schema: %w", err)
	}
	if err := s.db.Exec("CREATE EXTENSION IF NOT EXISTS postgis").Error; err != nil {
		return fmt.Errorf("store: enabling postgis: %w", err)
	}
	err := s.db.AutoMigrate(
		&PluginAuthor{},
		&PluginInfo{},
		&PluginInfoAuthorLink{},
		&Computation{},
		&Artifact{},
		&ComputationLookup{},
		&TaskMeta{},
		&SchemaVersion{},
	)
	if err != nil {
		return fmt.Errorf("store: migrating tables: %w", err)
	}
	if err := s.createViews(); err != nil {
		return err
	}
	if err := s.stampSchemaVersion(); err != nil {
		return err
	}
	s.logger.WithField("schema_version", CurrentSchemaVersion).Info("migrated database")
	return nil
}

func (s *Store) stampSchemaVersion() error {
	var current SchemaVersion
	err := s.db.Order("applied_at DESC").First(&current).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		// first migration
	case err != nil:
		return fmt.Errorf("store: reading schema version: %w", err)
	case current.Version == CurrentSchemaVersion:
		return nil
	}
	row := SchemaVersion{Version: CurrentSchemaVersion, AppliedAt: time.Now().UTC()}
	if err := s.db.Create(&row).Error; err != nil {
		return fmt.Errorf("store: stamping schema version: %w", err)
	}
	return nil
}

// AssertSchemaVersion refuses to proceed when the database layout differs
// from what this build expects. Components call it at startup.
func (s *Store) AssertSchemaVersion() error {
	var current SchemaVersion
	err := s.db.Order("applied_at DESC").First(&current).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: database carries no schema version, want %s",
			ErrSchemaMismatch, CurrentSchemaVersion)
	}
	if err != nil {
		return fmt.Errorf("store: reading schema version: %w", err)
	}
	if current.Version != CurrentSchemaVersion {
		return fmt.Errorf("%w: database has %s, this build expects %s",
			ErrSchemaMismatch, current.Version, CurrentSchemaVersion)
	}
	return nil
}
