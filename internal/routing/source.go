package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// ErrSourceUnhealthy is returned by FileSource.Snapshot after a failed reload.
var ErrSourceUnhealthy = errors.New("routing: source unhealthy")

// StaticSource always returns the same snapshot.
type StaticSource Snapshot

// Snapshot implements Source.
func (s StaticSource) Snapshot(context.Context) (Snapshot, error) { return Snapshot(s), nil }

// FileSource serves a Snapshot parsed from a YAML routing file. A reload that
// fails keeps the previous snapshot but marks the source unhealthy until the
// next successful reload.
type FileSource struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	snap    Snapshot
	lastErr error
}

// NewFileSource reads path once. A missing or malformed file is an error.
func NewFileSource(path string, logger *slog.Logger) (*FileSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fs := &FileSource{path: path, logger: logger.With("component", "routing_file")}
	if err := fs.Reload(); err != nil {
		return nil, err
	}
	return fs, nil
}

// Snapshot implements Source.
func (f *FileSource) Snapshot(context.Context) (Snapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.lastErr != nil {
		return f.snap, fmt.Errorf("%w: %v", ErrSourceUnhealthy, f.lastErr)
	}
	return f.snap, nil
}

// Reload re-reads the file.
func (f *FileSource) Reload() error {
	snap, err := parseFile(f.path)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastErr = err
	if err != nil {
		return err
	}
	f.snap = snap
	return nil
}

func parseFile(path string) (Snapshot, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator config
	if err != nil {
		return Snapshot{}, fmt.Errorf("routing: read %s: %w", path, err)
	}
	var snap Snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("routing: parse %s: %w", path, err)
	}
	if err := validateSnapshot(snap); err != nil {
		return Snapshot{}, fmt.Errorf("routing: %s: %w", path, err)
	}
	return snap, nil
}

func validateSnapshot(s Snapshot) error {
	if s.ABTest.Enabled {
		if !s.ABTest.Strategy.Valid() {
			return fmt.Errorf("ab_test.strategy %q is not a known strategy", s.ABTest.Strategy)
		}
		if s.ABTest.BucketStart < 0 || s.ABTest.BucketEnd > 100 || s.ABTest.BucketStart > s.ABTest.BucketEnd {
			return fmt.Errorf("ab_test buckets [%d,%d) must lie within [0,100)", s.ABTest.BucketStart, s.ABTest.BucketEnd)
		}
	}
	if s.FeatureFlag.Enabled {
		if !s.FeatureFlag.Strategy.Valid() {
			return fmt.Errorf("feature_flag.strategy %q is not a known strategy", s.FeatureFlag.Strategy)
		}
		if s.FeatureFlag.RolloutPercent < 0 || s.FeatureFlag.RolloutPercent > 100 {
			return fmt.Errorf("feature_flag.rollout_percent %d must be within [0,100]", s.FeatureFlag.RolloutPercent)
		}
	}
	return nil
}

// Watch reloads the file whenever it changes until ctx is done. The parent
// directory is watched so editors that replace the file by rename are seen.
func (f *FileSource) Watch(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("routing: watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(f.path)); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("routing: watch %s: %w", f.path, err)
	}
	target := filepath.Clean(f.path)

	go func() {
		defer func() { _ = fsw.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := f.Reload(); err != nil {
					f.logger.Error("routing file reload failed, keeping previous snapshot", "path", f.path, "error", err)
					continue
				}
				f.logger.Info("routing file reloaded", "path", f.path, "op", ev.Op.String())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				f.logger.Error("routing watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Signals merges a base source with a rollback monitor. The monitor can only
// activate the rollback trigger; it never clears one set by the base source.
type Signals struct {
	Base    Source
	Monitor *RollbackMonitor
}

// Snapshot implements Source.
func (s Signals) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	if s.Base != nil {
		var err error
		snap, err = s.Base.Snapshot(ctx)
		if err != nil {
			return Snapshot{}, err
		}
	}
	if s.Monitor != nil && !snap.Rollback.Active {
		if active, reason := s.Monitor.Active(); active {
			snap.Rollback = Rollback{Active: true, Reason: reason}
		}
	}
	return snap, nil
}
