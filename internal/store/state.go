package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"

	"fx-trading-bot/internal/logger"
	"fx-trading-bot/internal/types"
)

// FileStore keeps the bot snapshot in a single JSON document. Writes go to a
// temp file in the same directory and are renamed over the target, so a crash
// leaves either the old or the new document.
type FileStore struct {
	path       string
	retries    uint64
	initialGap time.Duration
}

func NewFileStore(path string, retries int) *FileStore {
	if retries < 0 {
		retries = 0
	}
	return &FileStore{path: path, retries: uint64(retries), initialGap: 200 * time.Millisecond}
}

func (f *FileStore) Path() string { return f.path }

// Load returns an empty snapshot when no state file exists yet.
func (f *FileStore) Load(ctx context.Context) (types.Snapshot, error) {
	b, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Info(ctx, "No state file found, starting fresh", "path", f.path)
		return types.Snapshot{Version: types.SnapshotVersion}, nil
	}
	if err != nil {
		return types.Snapshot{}, fmt.Errorf("%w: read %s: %v", types.ErrPersistenceFailure, f.path, err)
	}
	var snap types.Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return types.Snapshot{}, fmt.Errorf("%w: decode %s: %v", types.ErrPersistenceFailure, f.path, err)
	}
	if snap.Version > types.SnapshotVersion {
		return types.Snapshot{}, fmt.Errorf("%w: state version %d is newer than supported %d",
			types.ErrPersistenceFailure, snap.Version, types.SnapshotVersion)
	}
	return snap, nil
}

// Save writes the snapshot, retrying with exponential backoff.
func (f *FileStore) Save(ctx context.Context, snap types.Snapshot) error {
	if snap.Version == 0 {
		snap.Version = types.SnapshotVersion
	}
	snap.SavedAt = time.Now().UTC()
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode: %v", types.ErrPersistenceFailure, err)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = f.initialGap
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, f.retries), ctx)

	attempt := 0
	err = backoff.RetryNotify(func() error {
		attempt++
		return f.writeAtomic(b)
	}, policy, func(err error, wait time.Duration) {
		logger.Warn(ctx, "State save failed, retrying", "path", f.path, "attempt", attempt, "retry_in", wait.String(), "error", err)
	})
	if err != nil {
		return fmt.Errorf("%w: write %s after %d attempts: %v", types.ErrPersistenceFailure, f.path, attempt, err)
	}
	return nil
}

func (f *FileStore) writeAtomic(b []byte) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		cleanup()
		return err
	}
	return nil
}

// Reset removes the state file.
func (f *FileStore) Reset() error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
