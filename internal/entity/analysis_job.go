package entity

import (
	"time"

	"github.com/policyreviewer/pipeline/constants"
)

// AnalysisJob represents a running or finished analysis job for data
// transfer between layers. The ID is assigned by the analysis engine and
// is treated as an opaque string.
type AnalysisJob struct {
	ID        string                 `json:"id"`
	SourceKey string                 `json:"source_key"`
	Mode      constants.AnalysisMode `json:"mode"`
	Status    constants.JobStatus    `json:"status"`
	// Fingerprint is the hex sha256 of the source document, when known.
	Fingerprint string     `json:"fingerprint,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
