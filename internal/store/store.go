// Package store persists visitors, widgets, rooms and messages through gorm.
// Postgres is the production backend; SQLite serves local development and tests.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/vgabrielk/widget-sub001/internal/logger"
	"github.com/vgabrielk/widget-sub001/internal/models"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate record")
)

type Store struct {
	db  *gorm.DB
	log *logger.Logger
}

// Open connects to the given driver ("postgres" or "sqlite") and returns a Store.
func Open(driver, dsn string, log *logger.Logger) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		if !strings.Contains(dsn, "?") && !strings.HasPrefix(dsn, "file:") {
			dsn += "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
		}
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         newGormLogger(log),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// SQLite serializes writers anyway; a single connection also keeps
		// in-memory databases alive for the lifetime of the store.
		sqlDB.SetMaxOpenConns(1)
	}
	return New(db, log), nil
}

// New wraps an existing gorm handle.
func New(db *gorm.DB, log *logger.Logger) *Store {
	return &Store{db: db, log: log.With("service", "Store")}
}

func (s *Store) DB() *gorm.DB { return s.db }

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// AutoMigrate creates the tables and the partial unique indexes that back the
// "one open room per visitor and widget" and "one message per client id" rules.
func (s *Store) AutoMigrate() error {
	if err := s.db.AutoMigrate(
		&models.Visitor{},
		&models.Widget{},
		&models.Room{},
		&models.Message{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	stmts := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_rooms_open_widget_visitor ON rooms (widget_id, visitor_id) WHERE status = 'open'`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_messages_room_client ON messages (room_id, client_id) WHERE client_id <> ''`,
	}
	for _, stmt := range stmts {
		if err := s.db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	s.log.Info("Database schema migrated")
	return nil
}

// Transaction runs fn against a Store bound to a single transaction.
// fn must only use the Store it is given.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx, log: s.log})
	})
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrDuplicate
	}
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "duplicate key value") {
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return err
}
