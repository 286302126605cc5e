// Package store persists the engine's durable client-side state: the stable
// visitor identity and payloads spooled by a failed closing flush.
//
// Storage is strictly best-effort. Every operation degrades to an error the
// caller is expected to absorb; a missing or broken store must never fail the
// embedding application.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrUnavailable signals that durable storage could not be opened. The engine
// degrades to an ephemeral identity and disables spooling.
var ErrUnavailable = errors.New("durable store unavailable")

const databaseFile = "wewb.db"

// Identity is the persisted anonymous visitor identifier. Exactly one row
// exists per browser-profile-equivalent state directory.
type Identity struct {
	Key       string `gorm:"primaryKey"`
	UID       string `gorm:"not null"`
	CreatedAt time.Time
}

// SpooledPayload is a fully built session payload whose closing delivery
// failed; it is drained on the next engine start.
type SpooledPayload struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	Body      []byte    `gorm:"not null"`
	CreatedAt time.Time `gorm:"index"`
}

// Store wraps the SQLite-backed state database.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the state database under dir.
func Open(dir string, log *slog.Logger) (*Store, error) {
	if dir == "" {
		return nil, ErrUnavailable
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Warn("Failed to create state directory", slog.String("dir", dir), slog.Any("error", err))
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return OpenDSN(filepath.Join(dir, databaseFile), log)
}

// OpenDSN opens the state database at an explicit DSN. Tests use a named
// in-memory DSN with cache=shared.
func OpenDSN(dsn string, log *slog.Logger) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		log.Warn("Failed to open state database", slog.String("dsn", dsn), slog.Any("error", err))
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	db.Exec("PRAGMA journal_mode = WAL")
	db.Exec("PRAGMA busy_timeout = 5000")

	err = db.Transaction(func(tx *gorm.DB) error {
		return tx.AutoMigrate(&Identity{}, &SpooledPayload{})
	})
	if err != nil {
		log.Warn("Failed to migrate state database", slog.Any("error", err))
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return &Store{db: db, logger: log}, nil
}

// GetOrCreateUID reads the persisted visitor identifier, generating and
// persisting a new one on first use. The write happens before the id is
// returned so concurrent engines converge on one identity.
func (s *Store) GetOrCreateUID(generate func() string) (string, error) {
	var identity Identity
	err := s.db.Where("key = ?", "uid").First(&identity).Error
	if err == nil {
		return identity.UID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("failed to read identity: %w", err)
	}

	identity = Identity{Key: "uid", UID: generate(), CreatedAt: time.Now().UTC()}
	if err := s.db.Create(&identity).Error; err != nil {
		// Lost a race with another engine instance; read the winner.
		var existing Identity
		if readErr := s.db.Where("key = ?", "uid").First(&existing).Error; readErr == nil {
			return existing.UID, nil
		}
		return "", fmt.Errorf("failed to persist identity: %w", err)
	}
	return identity.UID, nil
}

// SpoolPayload persists an undelivered closing payload.
func (s *Store) SpoolPayload(body []byte) error {
	record := SpooledPayload{Body: body, CreatedAt: time.Now().UTC()}
	if err := s.db.Create(&record).Error; err != nil {
		return fmt.Errorf("failed to spool payload: %w", err)
	}
	return nil
}

// DrainSpool removes and returns up to limit spooled payloads, oldest first.
func (s *Store) DrainSpool(limit int) ([][]byte, error) {
	var records []SpooledPayload
	if err := s.db.Order("created_at asc, id asc").Limit(limit).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to read spool: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	ids := make([]uint, 0, len(records))
	bodies := make([][]byte, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.ID)
		bodies = append(bodies, r.Body)
	}
	if err := s.db.Delete(&SpooledPayload{}, ids).Error; err != nil {
		return nil, fmt.Errorf("failed to clear spool: %w", err)
	}
	return bodies, nil
}

// SpoolCount returns the number of payloads waiting in the spool.
func (s *Store) SpoolCount() (int64, error) {
	var count int64
	if err := s.db.Model(&SpooledPayload{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count spool: %w", err)
	}
	return count, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
