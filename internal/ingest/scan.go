package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/policyreviewer/pipeline/constants"
	"github.com/policyreviewer/pipeline/internal/entity"
)

// ScanResult is the per-document outcome of a directory scan.
type ScanResult struct {
	SourceKey string
	JobID     string
	Err       string
}

// ScanStats summarizes a directory scan.
type ScanStats struct {
	Scanned   uint32
	Matched   uint32
	Submitted uint32
	Failed    uint32
}

// SubmitFunc hands one discovered document to the ingest path.
type SubmitFunc func(ctx context.Context, ev entity.IngestEvent) (entity.AnalysisJob, error)

// ScanDirectory walks dir, submits every allowed document under it, and
// reports per-document results plus aggregate counts. Source keys are
// relative to root. Hidden entries are skipped when skipHidden is set.
// Submission failures are recorded and do not stop the walk.
func ScanDirectory(ctx context.Context, root, dir string, exts map[string]struct{}, skipHidden bool, submit SubmitFunc) ([]ScanResult, ScanStats, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, ScanStats{}, errors.New("scan directory is required")
	}
	if exts == nil {
		exts = constants.AllowedExtensions
	}

	var results []ScanResult
	var stats ScanStats

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		stats.Scanned++
		if walkErr != nil {
			results = append(results, ScanResult{SourceKey: path, Err: walkErr.Error()})
			stats.Failed++
			return nil
		}
		if skipHidden && isHidden(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if !allowedPath(path, exts) {
			return nil
		}
		stats.Matched++

		ev, err := EventForPath(root, path)
		if err != nil {
			results = append(results, ScanResult{SourceKey: path, Err: err.Error()})
			stats.Failed++
			return nil
		}
		job, err := submit(ctx, ev)
		if err != nil {
			results = append(results, ScanResult{SourceKey: ev.SourceKey, Err: err.Error()})
			stats.Failed++
			return nil
		}
		results = append(results, ScanResult{SourceKey: ev.SourceKey, JobID: job.ID})
		stats.Submitted++
		return nil
	})
	if err != nil {
		return results, stats, fmt.Errorf("walk %s: %w", dir, err)
	}
	return results, stats, nil
}

func isHidden(path string) bool {
	return strings.HasPrefix(filepath.Base(path), ".")
}
