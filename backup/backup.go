// Package backup snapshots the replay ledger to S3-compatible object
// storage and prunes old snapshots.
package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/bit-gpt/h402-go/internal/metrics"
)

// Snapshot names an uploaded backup object.
type Snapshot struct {
	Key          string
	LastModified time.Time
}

// ObjectStore is the object-storage surface the backup manager needs.
type ObjectStore interface {
	Upload(ctx context.Context, key, filePath string) error
	List(ctx context.Context) ([]Snapshot, error)
	Remove(ctx context.Context, key string) error
}

// Checkpointer flushes pending ledger writes to the database file so a
// file copy is consistent. *ledger.SQLiteStore satisfies it.
type Checkpointer interface {
	Checkpoint(ctx context.Context) error
	Path() string
}

// Manager runs ledger backups: checkpoint, copy, upload, prune.
type Manager struct {
	store  ObjectStore
	ledger Checkpointer
	keep   int
	log    *zap.Logger
	now    func() time.Time
}

// NewManager creates a backup manager keeping the newest keep snapshots.
func NewManager(store ObjectStore, ledger Checkpointer, keep int, log *zap.Logger) *Manager {
	if keep <= 0 {
		keep = 5
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{store: store, ledger: ledger, keep: keep, log: log, now: time.Now}
}

// Run performs one backup cycle.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.run(ctx); err != nil {
		metrics.BackupTotal.WithLabelValues("failure").Inc()
		m.log.Error("ledger backup failed", zap.Error(err))
		return err
	}
	metrics.BackupTotal.WithLabelValues("success").Inc()
	return nil
}

func (m *Manager) run(ctx context.Context) error {
	if err := m.ledger.Checkpoint(ctx); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}

	key := fmt.Sprintf("facilitator-%s.db.bak", m.now().UTC().Format("20060102-150405"))
	tmp := filepath.Join(os.TempDir(), key)
	if err := copyFile(m.ledger.Path(), tmp); err != nil {
		return fmt.Errorf("copy ledger: %w", err)
	}
	defer os.Remove(tmp)

	if err := m.store.Upload(ctx, key, tmp); err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	m.log.Info("ledger backup uploaded", zap.String("key", key))

	return m.prune(ctx)
}

// prune removes everything but the newest keep snapshots.
func (m *Manager) prune(ctx context.Context) error {
	snapshots, err := m.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list snapshots: %w", err)
	}
	if len(snapshots) <= m.keep {
		return nil
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].LastModified.After(snapshots[j].LastModified)
	})
	for _, old := range snapshots[m.keep:] {
		if err := m.store.Remove(ctx, old.Key); err != nil {
			return fmt.Errorf("remove %s: %w", old.Key, err)
		}
		m.log.Info("pruned old backup", zap.String("key", old.Key))
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
