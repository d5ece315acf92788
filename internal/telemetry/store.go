package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	snapshotFile  = "telemetry.json"
	historyFile   = "hashrate-history.json"
	backupSuffix  = ".bak"
	corruptSuffix = ".corrupt"

	// MaxBackups is how many timestamped snapshot backups are kept.
	MaxBackups = 5
)

// ErrCorruptState marks persisted telemetry that failed validation. It is
// handled by quarantine-and-reset, never a hard failure.
var ErrCorruptState = errors.New("corrupt persisted telemetry")

// Store persists snapshots and history under one storage directory. The
// agent is the directory's only writer.
type Store struct {
	dir    string
	logger *zap.Logger
	now    func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreClock overrides the time source. Used by tests.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// OpenStore creates the storage directory if needed and quarantines a
// corrupted current-snapshot file so the pipeline can always start.
func OpenStore(dir string, logger *zap.Logger, opts ...StoreOption) (*Store, error) {
	s := &Store{dir: dir, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}

	if err := s.validateSnapshotFile(); err != nil {
		s.quarantine(s.snapshotPath())
		if err := s.writeJSON(s.snapshotPath(), &Snapshot{}); err != nil {
			return nil, fmt.Errorf("reset snapshot after quarantine: %w", err)
		}
	}

	return s, nil
}

func (s *Store) snapshotPath() string { return filepath.Join(s.dir, snapshotFile) }
func (s *Store) historyPath() string  { return filepath.Join(s.dir, historyFile) }

// validateSnapshotFile checks the current snapshot file is structurally
// valid JSON for a snapshot. A missing file is fine.
func (s *Store) validateSnapshotFile() error {
	data, err := os.ReadFile(s.snapshotPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrCorruptState, err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	return nil
}

// quarantine renames a corrupt file aside instead of deleting it.
func (s *Store) quarantine(path string) {
	target := fmt.Sprintf("%s.%d%s", path, s.now().UnixMilli(), corruptSuffix)
	if err := os.Rename(path, target); err != nil && !os.IsNotExist(err) {
		s.logger.Error("failed to quarantine corrupt file",
			zap.String("path", path), zap.Error(err))
		return
	}
	s.logger.Warn("quarantined corrupt telemetry file",
		zap.String("path", path), zap.String("renamed_to", target))
}

func (s *Store) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Persist writes the snapshot and history, creates a timestamped snapshot
// backup, and prunes backups beyond MaxBackups.
func (s *Store) Persist(snap *Snapshot, history []HistoryPoint) error {
	if err := s.writeJSON(s.snapshotPath(), snap); err != nil {
		return err
	}

	backup := fmt.Sprintf("%s.%d%s", s.snapshotPath(), s.now().UnixMilli(), backupSuffix)
	if err := s.writeJSON(backup, snap); err != nil {
		s.logger.Warn("failed to write snapshot backup", zap.Error(err))
	}
	s.pruneBackups()

	return s.writeJSON(s.historyPath(), history)
}

// pruneBackups removes all but the MaxBackups newest backups, ordered by
// the timestamp embedded in the filename rather than filesystem mtime.
func (s *Store) pruneBackups() {
	pattern := s.snapshotPath() + ".*" + backupSuffix
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return
	}

	type backup struct {
		path string
		ts   int64
	}
	backups := make([]backup, 0, len(matches))
	for _, path := range matches {
		trimmed := strings.TrimSuffix(strings.TrimPrefix(path, s.snapshotPath()+"."), backupSuffix)
		ts, err := strconv.ParseInt(trimmed, 10, 64)
		if err != nil {
			continue
		}
		backups = append(backups, backup{path: path, ts: ts})
	}

	if len(backups) <= MaxBackups {
		return
	}

	sort.Slice(backups, func(i, j int) bool { return backups[i].ts > backups[j].ts })
	for _, old := range backups[MaxBackups:] {
		if err := os.Remove(old.path); err != nil {
			s.logger.Warn("failed to remove old backup",
				zap.String("path", old.path), zap.Error(err))
		}
	}
}

// LoadHistory reads the persisted history series, quarantining a corrupt
// file and returning an empty series in its place.
func (s *Store) LoadHistory() []HistoryPoint {
	data, err := os.ReadFile(s.historyPath())
	if err != nil {
		return nil
	}

	var points []HistoryPoint
	if err := json.Unmarshal(data, &points); err != nil {
		s.quarantine(s.historyPath())
		return nil
	}
	return points
}

// LoadSnapshot reads the persisted current snapshot, if any.
func (s *Store) LoadSnapshot() (*Snapshot, error) {
	data, err := os.ReadFile(s.snapshotPath())
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	return &snap, nil
}
