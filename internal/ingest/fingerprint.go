package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/policyreviewer/pipeline/internal/entity"
)

// FingerprintFile returns the lowercase hex SHA-256 of the file content.
// The file is streamed, never loaded whole.
func FingerprintFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// EventForPath builds the ingest event for a document at path under the
// storage root. The source key is the root relative path in slash form
// and the fingerprint is the content hash.
func EventForPath(root, path string) (entity.IngestEvent, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return entity.IngestEvent{}, fmt.Errorf("abs path: %w", err)
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return entity.IngestEvent{}, fmt.Errorf("abs root: %w", err)
	}
	key, err := sourceKeyFor(absRoot, abs)
	if err != nil {
		return entity.IngestEvent{}, err
	}
	fp, err := FingerprintFile(abs)
	if err != nil {
		return entity.IngestEvent{}, err
	}
	return entity.IngestEvent{
		SourceKey:   key,
		Fingerprint: fp,
		ArrivedAt:   time.Now().UTC(),
	}, nil
}

func sourceKeyFor(root, path string) (string, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", fmt.Errorf("relativize %s: %w", path, err)
	}
	return filepath.ToSlash(rel), nil
}
