// Package ledger implements the replay-protection ledger: an append-only
// set of consumed transaction hashes. Inserting a hash twice fails, which
// is the property the facilitator relies on to block payment replays.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	h402 "github.com/bit-gpt/h402-go"
)

// Store is the replay-ledger interface. Insert must be atomic: of two
// concurrent inserts of the same hash exactly one succeeds and the other
// returns h402.ErrTransactionUsed.
type Store interface {
	// Insert records the hash. Returns h402.ErrTransactionUsed when it is
	// already present.
	Insert(ctx context.Context, txHash string) error

	// Exists reports whether the hash has been consumed.
	Exists(ctx context.Context, txHash string) (bool, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error
}

// Entry is a consumed transaction hash.
type Entry struct {
	TxHash    string    `gorm:"column:tx_hash;primaryKey"`
	CreatedAt time.Time `gorm:"column:created_at;index"`
}

// TableName keeps the original ledger schema.
func (Entry) TableName() string { return "tx_hashes" }

// SQLiteStore is the Store backed by a single SQLite file.
type SQLiteStore struct {
	db   *gorm.DB
	path string
}

// OpenSQLite opens (or creates) the ledger database at path and migrates
// the schema. WAL mode keeps inserts and the backup checkpoint from
// blocking each other.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := gorm.Open(sqlite.Open(path+"?_journal_mode=WAL&_busy_timeout=5000"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("failed to migrate ledger schema: %w", err)
	}
	return &SQLiteStore{db: db, path: path}, nil
}

// Insert records the hash, relying on the primary-key constraint for
// atomicity.
func (s *SQLiteStore) Insert(ctx context.Context, txHash string) error {
	if txHash == "" {
		return fmt.Errorf("%w: empty transaction hash", h402.ErrMalformedPayload)
	}
	entry := Entry{TxHash: txHash, CreatedAt: time.Now().UTC()}
	err := s.db.WithContext(ctx).Create(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return h402.ErrTransactionUsed
		}
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return nil
}

// Exists reports whether the hash has been consumed.
func (s *SQLiteStore) Exists(ctx context.Context, txHash string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Entry{}).Where("tx_hash = ?", txHash).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to query ledger: %w", err)
	}
	return count > 0, nil
}

// Ping checks the underlying database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}

// Count returns the number of consumed hashes.
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Entry{}).Count(&count).Error
	return count, err
}

// Checkpoint flushes the WAL into the main database file so a file-level
// copy sees every committed insert. Called before backups.
func (s *SQLiteStore) Checkpoint(ctx context.Context) error {
	return s.db.WithContext(ctx).Exec("PRAGMA wal_checkpoint(FULL)").Error
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}
