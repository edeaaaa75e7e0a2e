package review

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/policyreviewer/pipeline/internal/common"
	"github.com/policyreviewer/pipeline/internal/engine"
	"github.com/policyreviewer/pipeline/internal/entity"
	"github.com/policyreviewer/pipeline/internal/storage"
)

// maxManifestScan bounds how many manifests a source key lookup reads
// before giving up.
const maxManifestScan = 800

// Review reads persisted analysis output back for inspection and
// export. It works purely off the object layout; the ledger is not
// required.
type Review struct {
	store        *storage.FSStore
	outputPrefix string
	logger       *slog.Logger
}

func NewReview(store *storage.FSStore, outputPrefix string, logger *slog.Logger) *Review {
	if logger == nil {
		logger = slog.Default()
	}
	return &Review{
		store:        store,
		outputPrefix: strings.Trim(outputPrefix, "/"),
		logger:       logger,
	}
}

// FindManifest scans recent manifests under the output prefix, newest
// first, and returns the first whose source key matches. Returns
// common.ErrNotFound when no manifest matches. Manifests that fail to
// decode are skipped.
func (r *Review) FindManifest(ctx context.Context, sourceKey string) (string, *entity.Manifest, error) {
	infos, err := r.store.List(ctx, r.outputPrefix)
	if err != nil {
		return "", nil, fmt.Errorf("list %s: %w", r.outputPrefix, err)
	}

	seen := 0
	for _, info := range infos {
		if !strings.HasSuffix(info.Key, "index.json") {
			continue
		}
		if seen++; seen > maxManifestScan {
			break
		}
		raw, err := r.store.Get(ctx, info.Key)
		if err != nil {
			r.logger.Warn("review.manifest.read_failed", "key", info.Key, "error", err)
			continue
		}
		var m entity.Manifest
		if err := json.Unmarshal(raw, &m); err != nil {
			r.logger.Warn("review.manifest.decode_failed", "key", info.Key, "error", err)
			continue
		}
		if m.SourceKey == sourceKey {
			return info.Key, &m, nil
		}
	}
	return "", nil, fmt.Errorf("%w: no manifest for source key %q", common.ErrNotFound, sourceKey)
}

// GetManifest loads the manifest for a known job output root.
func (r *Review) GetManifest(ctx context.Context, manifestKey string) (*entity.Manifest, error) {
	raw, err := r.store.Get(ctx, manifestKey)
	if err != nil {
		return nil, err
	}
	var m entity.Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", manifestKey, err)
	}
	return &m, nil
}

// LoadBlocks merges the block arrays of every page the manifest names,
// in page order. Page URIs that do not point into the store are
// skipped.
func (r *Review) LoadBlocks(ctx context.Context, m *entity.Manifest) ([]engine.Block, error) {
	var blocks []engine.Block
	for _, uri := range m.Pages {
		key, err := r.keyFromURI(uri)
		if err != nil {
			r.logger.Warn("review.page.foreign_uri", "uri", uri, "error", err)
			continue
		}
		raw, err := r.store.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("read page %s: %w", key, err)
		}
		var page engine.ResultPage
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, fmt.Errorf("decode page %s: %w", key, err)
		}
		blocks = append(blocks, page.Blocks...)
	}
	return blocks, nil
}

// keyFromURI maps a file:// page URI back to a store key.
func (r *Review) keyFromURI(uri string) (string, error) {
	path, ok := strings.CutPrefix(uri, "file://")
	if !ok {
		return "", fmt.Errorf("unsupported uri scheme in %q", uri)
	}
	rel, err := filepath.Rel(r.store.Root(), filepath.FromSlash(path))
	if err != nil {
		return "", err
	}
	key := filepath.ToSlash(rel)
	if strings.HasPrefix(key, "../") {
		return "", fmt.Errorf("uri %q outside the store root", uri)
	}
	return key, nil
}
