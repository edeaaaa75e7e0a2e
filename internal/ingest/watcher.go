package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/policyreviewer/pipeline/constants"
	"github.com/policyreviewer/pipeline/internal/entity"
)

// WatchConfig controls document discovery under the storage root.
type WatchConfig struct {
	Root        string              // storage root directory
	InputPrefix string              // key prefix to watch, e.g. "policy/pdf"
	AllowedExts map[string]struct{} // nil means constants.AllowedExtensions
	InitialScan bool                // emit documents already present at startup
	Debounce    time.Duration       // coalesce rapid write bursts per path
	Logger      *slog.Logger
}

// StartWatcher watches <Root>/<InputPrefix> recursively and emits one
// IngestEvent per settled document. Events carry the root relative
// source key and the content fingerprint; a fingerprint may be empty
// when the file could not be read back after its write burst. Both
// returned channels close once ctx is cancelled.
func StartWatcher(ctx context.Context, cfg WatchConfig) (<-chan entity.IngestEvent, <-chan error, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Root == "" {
		return nil, nil, errors.New("watch root is required")
	}
	if cfg.AllowedExts == nil {
		cfg.AllowedExts = constants.AllowedExtensions
	}

	watchDir := filepath.Join(cfg.Root, filepath.FromSlash(cfg.InputPrefix))
	if err := os.MkdirAll(watchDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create watch dir: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, fmt.Errorf("create watcher: %w", err)
	}

	// Register every directory up front and note files already present.
	var initial []string
	err = filepath.WalkDir(watchDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return w.Add(path)
		}
		if cfg.InitialScan && allowedPath(path, cfg.AllowedExts) {
			initial = append(initial, path)
		}
		return nil
	})
	if err != nil {
		_ = w.Close()
		return nil, nil, fmt.Errorf("register watch dirs: %w", err)
	}

	evCh := make(chan entity.IngestEvent, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(evCh)
		defer close(errCh)
		defer w.Close()

		// emit reports false once ctx ended.
		emit := func(path string) bool {
			key, err := sourceKeyFor(cfg.Root, path)
			if err != nil {
				logger.Warn("ingest.watch.bad_path", "path", path, "error", err)
				return true
			}
			fp, err := FingerprintFile(path)
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					logger.Debug("ingest.watch.vanished", "path", path)
					return true
				}
				logger.Warn("ingest.watch.fingerprint_failed", "path", path, "error", err)
			}
			ev := entity.IngestEvent{SourceKey: key, Fingerprint: fp, ArrivedAt: time.Now().UTC()}
			select {
			case evCh <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for _, p := range initial {
			if !emit(p) {
				return
			}
		}
		logger.Info("ingest.watch.started", "dir", watchDir, "initial", len(initial))

		var timer *time.Timer
		var timerC <-chan time.Time
		pending := map[string]struct{}{}

		flush := func() bool {
			for p := range pending {
				delete(pending, p)
				if !emit(p) {
					return false
				}
			}
			return true
		}

		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-w.Events:
				if !ok {
					return
				}
				if e.Op&fsnotify.Create != 0 {
					if info, err := os.Stat(e.Name); err == nil && info.IsDir() {
						watchSubtree(w, e.Name, cfg.AllowedExts, pending, logger)
					}
				}
				if allowedPath(e.Name, cfg.AllowedExts) && e.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
					pending[e.Name] = struct{}{}
				}
				if len(pending) == 0 {
					continue
				}
				if cfg.Debounce <= 0 {
					if !flush() {
						return
					}
					continue
				}
				if timer == nil {
					timer = time.NewTimer(cfg.Debounce)
				} else {
					// Drain a fired timer before reuse.
					if !timer.Stop() {
						select {
						case <-timer.C:
						default:
						}
					}
					timer.Reset(cfg.Debounce)
				}
				timerC = timer.C
			case <-timerC:
				timerC = nil
				if !flush() {
					return
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Error("ingest.watch.error", "error", err)
				select {
				case errCh <- err:
				default:
				}
			}
		}
	}()

	return evCh, errCh, nil
}

// watchSubtree registers a directory created after startup and queues
// any documents that landed in it before the watch took effect.
func watchSubtree(w *fsnotify.Watcher, dir string, exts map[string]struct{}, pending map[string]struct{}, logger *slog.Logger) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			// The subtree may be racing its own teardown.
			return nil
		}
		if d.IsDir() {
			if err := w.Add(path); err != nil {
				logger.Warn("ingest.watch.add_dir_failed", "path", path, "error", err)
			}
			return nil
		}
		if allowedPath(path, exts) {
			pending[path] = struct{}{}
		}
		return nil
	})
}

func allowedPath(path string, exts map[string]struct{}) bool {
	_, ok := exts[constants.NormalizeExt(filepath.Ext(path))]
	return ok
}
