package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/policyreviewer/pipeline/internal/common"
)

// FSStore implements BlobStore on a local directory tree. One root
// directory plays the role of a bucket; keys map to file paths beneath it.
type FSStore struct {
	root   string
	logger *slog.Logger
}

// NewFSStore creates the root directory if needed and returns a store
// rooted there.
func NewFSStore(root string, logger *slog.Logger) (*FSStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(root) == "" {
		return nil, common.NewAppError("CONFIG_ERROR", "storage root is required", common.ErrConfig)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &FSStore{root: abs, logger: logger}, nil
}

// Root returns the absolute base directory of the store.
func (s *FSStore) Root() string {
	return s.root
}

// resolve maps a key to an absolute path under the root, rejecting keys
// that would escape it.
func (s *FSStore) resolve(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("empty key: %w", common.ErrInvalidInput)
	}
	clean := path.Clean(key)
	if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("key %q escapes storage root: %w", key, common.ErrInvalidInput)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

func (s *FSStore) uri(p string) string {
	return "file://" + filepath.ToSlash(p)
}

func (s *FSStore) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	// contentType is accepted for interface parity; the filesystem has no
	// per-object metadata to record it in.
	_ = contentType
	dst, err := s.resolve(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		s.logger.Error("failed to create object directory", "key", key, "error", err)
		return "", &common.PersistError{Key: key, Cause: err}
	}

	// Write to a temp file in the target directory, then rename. Readers
	// never observe a partially written object.
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".put-*")
	if err != nil {
		s.logger.Error("failed to create temp object", "key", key, "error", err)
		return "", &common.PersistError{Key: key, Cause: err}
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(body); err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmpName, dst)
	}
	if err != nil {
		_ = os.Remove(tmpName)
		s.logger.Error("failed to write object", "key", key, "error", err)
		return "", &common.PersistError{Key: key, Cause: err}
	}
	if err := os.Chmod(dst, 0o644); err != nil {
		s.logger.Error("failed to set object mode", "key", key, "error", err)
		return "", &common.PersistError{Key: key, Cause: err}
	}
	return s.uri(dst), nil
}

func (s *FSStore) PutJSON(ctx context.Context, key string, v any) (string, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return "", &common.PersistError{Key: key, Cause: err}
	}
	return s.Put(ctx, key, body, "application/json")
}

func (s *FSStore) Get(ctx context.Context, key string) ([]byte, error) {
	p, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	body, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("get %s: %w", key, common.ErrNotFound)
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return body, nil
}

func (s *FSStore) AppendLine(ctx context.Context, key string, line []byte) (string, error) {
	dst, err := s.resolve(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		s.logger.Error("failed to create object directory", "key", key, "error", err)
		return "", &common.PersistError{Key: key, Cause: err}
	}
	f, err := os.OpenFile(dst, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		s.logger.Error("failed to open object for append", "key", key, "error", err)
		return "", &common.PersistError{Key: key, Cause: err}
	}
	// Single write of line + newline so concurrent appenders never split
	// a record.
	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	if _, err := f.Write(buf); err != nil {
		_ = f.Close()
		s.logger.Error("failed to append line", "key", key, "error", err)
		return "", &common.PersistError{Key: key, Cause: err}
	}
	if err := f.Close(); err != nil {
		return "", &common.PersistError{Key: key, Cause: err}
	}
	return s.uri(dst), nil
}

func (s *FSStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	base := s.root
	if strings.TrimSpace(prefix) != "" {
		p, err := s.resolve(prefix)
		if err != nil {
			return nil, err
		}
		base = p
	}
	var out []ObjectInfo
	err := filepath.WalkDir(base, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) {
				return nil
			}
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		out = append(out, ObjectInfo{
			Key:     filepath.ToSlash(rel),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ModTime.Equal(out[j].ModTime) {
			return out[i].ModTime.After(out[j].ModTime)
		}
		return out[i].Key > out[j].Key
	})
	return out, nil
}

func (s *FSStore) Exists(ctx context.Context, key string) (bool, error) {
	p, err := s.resolve(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", key, err)
	}
	return true, nil
}
