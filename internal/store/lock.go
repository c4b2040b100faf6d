package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	jerrors "github.com/amelia751/jurisscope/internal/errors"
)

// LockFileName is the exclusivity lock inside the data directory.
const LockFileName = ".lock"

// DataLock gives one process exclusive use of a data directory. The bleve
// index and the HNSW graph files are not safe to share between writers.
type DataLock struct {
	path   string
	flock  *flock.Flock
	locked bool
}

// NewDataLock creates a lock for dir. Nothing is acquired yet.
func NewDataLock(dir string) *DataLock {
	p := filepath.Join(dir, LockFileName)
	return &DataLock{path: p, flock: flock.New(p)}
}

// TryLock acquires the lock without blocking. A lock held by another
// process is reported as ERR_202_STORE_LOCKED.
func (l *DataLock) TryLock() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	acquired, err := l.flock.TryLock()
	if err != nil {
		return jerrors.New(jerrors.ErrCodeStoreLocked, "failed to acquire data directory lock", err).
			WithDetail("path", l.path)
	}
	if !acquired {
		return jerrors.New(jerrors.ErrCodeStoreLocked, "data directory is in use by another jurisscope process", nil).
			WithDetail("path", l.path).
			WithSuggestion("wait for the other process to finish or use a different data_dir")
	}
	l.locked = true
	return nil
}

// Unlock releases the lock. Safe to call when not held.
func (l *DataLock) Unlock() error {
	if !l.locked {
		return nil
	}
	l.locked = false
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// Path returns the lock file path.
func (l *DataLock) Path() string { return l.path }

// IsLocked reports whether this process holds the lock.
func (l *DataLock) IsLocked() bool { return l.locked }
