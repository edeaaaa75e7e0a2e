package storage

import (
	"context"
	"time"
)

// ObjectInfo describes a stored object returned by List.
type ObjectInfo struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// BlobStore is the durable object store the pipeline writes results,
// manifests, and audit lines to. Keys are slash-separated paths relative
// to the store root. Writes are idempotent by overwrite: putting the same
// key twice leaves the last body in place.
type BlobStore interface {
	// Put writes body under key atomically and returns the object URI.
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)

	// PutJSON marshals v and writes it under key with a JSON content type.
	PutJSON(ctx context.Context, key string, v any) (string, error)

	// Get reads the object at key. Missing keys return an error matching
	// common.ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// AppendLine appends line plus a trailing newline to the object at
	// key, creating it if absent. Concurrent appenders never interleave
	// within a line.
	AppendLine(ctx context.Context, key string, line []byte) (string, error)

	// List returns the objects under prefix, newest first. A prefix with
	// no objects returns an empty slice, not an error.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Exists reports whether an object is present at key.
	Exists(ctx context.Context, key string) (bool, error)
}
