// Package ledger persists job lifecycle rows: which jobs were started for
// which source documents, and how they finished. The ledger backs dedup
// lookups on ingest and the job→(key, mode) mapping on completion. It
// never stores result content.
package ledger

import (
	"context"

	"github.com/policyreviewer/pipeline/constants"
	"github.com/policyreviewer/pipeline/internal/entity"
)

// Ledger is the pipeline's view of the job store. A nil Ledger is valid
// and means the capability is disabled.
type Ledger interface {
	// RecordStart inserts a row for a freshly started job. The job
	// carries its hex content fingerprint when the caller computed one.
	RecordStart(ctx context.Context, job entity.AnalysisJob) error

	// FindInFlight returns the most recently submitted Started job for
	// the same source key and fingerprint, if any. An empty fingerprint
	// never matches.
	FindInFlight(ctx context.Context, sourceKey, fingerprint string) (entity.AnalysisJob, bool, error)

	// Get returns the job row for jobID.
	Get(ctx context.Context, jobID string) (entity.AnalysisJob, bool, error)

	// MarkComplete transitions a Started job to a terminal status. It
	// reports whether this call performed the transition; redeliveries
	// and unknown jobs return false.
	MarkComplete(ctx context.Context, jobID string, status constants.JobStatus) (bool, error)
}
