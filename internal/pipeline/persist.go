package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/policyreviewer/pipeline/constants"
	"github.com/policyreviewer/pipeline/internal/entity"
	"github.com/policyreviewer/pipeline/internal/storage"
)

// Persistor writes a job's pages and manifest under a deterministic,
// date- and job-segmented output root. The manifest is the durability
// commit point: until index.json exists, the job's output is incomplete
// no matter how many pages were written.
type Persistor struct {
	store        storage.BlobStore
	outputPrefix string
	logger       *slog.Logger
	now          func() time.Time
}

func NewPersistor(store storage.BlobStore, outputPrefix string, logger *slog.Logger) *Persistor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Persistor{
		store:        store,
		outputPrefix: outputPrefix,
		logger:       logger,
		now:          time.Now,
	}
}

// OutputRoot returns the output root for jobID on the current UTC date:
// <outputPrefix>/<YYYYMMDD>/<jobID>.
func (p *Persistor) OutputRoot(jobID string) string {
	return path.Join(p.outputPrefix, p.dateSegment(), jobID)
}

func (p *Persistor) dateSegment() string {
	return p.now().UTC().Format("20060102")
}

func pageKey(root string, number int) string {
	return path.Join(root, "pages", fmt.Sprintf("page_%04d.json", number))
}

// Persist drains seq, writing each page as it is pulled, then writes the
// manifest once the sequence is exhausted cleanly. Any page write failure
// or sequence error aborts before the manifest: retries then rewrite
// everything, overwrite-safe. Returns the written manifest.
func (p *Persistor) Persist(ctx context.Context, jobID, sourceKey string, seq *PageSequence) (entity.Manifest, error) {
	dateSeg := p.dateSegment()
	root := path.Join(p.outputPrefix, dateSeg, jobID)

	uris := []string{}
	for seq.Next() {
		page := seq.Page()
		uri, err := p.store.Put(ctx, pageKey(root, page.Number), page.Body, "application/json")
		if err != nil {
			p.logger.Error("pipeline.persist.page_failed", "job_id", jobID, "page", page.Number, "error", err)
			return entity.Manifest{}, err
		}
		uris = append(uris, uri)
	}
	if err := seq.Err(); err != nil {
		p.logger.Error("pipeline.persist.sequence_failed", "job_id", jobID, "pages_written", len(uris), "error", err)
		return entity.Manifest{}, err
	}

	manifest := entity.Manifest{
		JobID:      jobID,
		SourceKey:  sourceKey,
		Status:     constants.JobStatusSucceeded,
		PageCount:  len(uris),
		Pages:      uris,
		CreatedUTC: dateSeg,
	}
	if _, err := p.store.PutJSON(ctx, path.Join(root, "index.json"), manifest); err != nil {
		p.logger.Error("pipeline.persist.manifest_failed", "job_id", jobID, "error", err)
		return entity.Manifest{}, err
	}

	p.logger.Info("pipeline.persist.complete",
		"job_id", jobID,
		"key", sourceKey,
		"page_count", manifest.PageCount,
		"output_root", root,
	)
	return manifest, nil
}

// Lookup returns the manifest already persisted for jobID under the
// current date segment, if one exists. Used to short-circuit redelivered
// completions: when the manifest is present, the job's output is complete
// and retrieval can be skipped entirely.
func (p *Persistor) Lookup(ctx context.Context, jobID string) (entity.Manifest, bool, error) {
	key := path.Join(p.OutputRoot(jobID), "index.json")
	ok, err := p.store.Exists(ctx, key)
	if err != nil || !ok {
		return entity.Manifest{}, false, err
	}
	body, err := p.store.Get(ctx, key)
	if err != nil {
		return entity.Manifest{}, false, err
	}
	var m entity.Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return entity.Manifest{}, false, fmt.Errorf("decode manifest %s: %w", key, err)
	}
	return m, true, nil
}
