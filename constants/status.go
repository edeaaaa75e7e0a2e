package constants

import "strings"

// JobStatus is the canonical lifecycle status for an analysis job.
type JobStatus string

// Stable values (these exact strings appear in manifests, audit lines, and ledger rows).
const (
	JobStatusStarted   JobStatus = "STARTED"   // submitted to the engine, completion pending
	JobStatusSucceeded JobStatus = "SUCCEEDED" // engine reported success, results retrievable
	JobStatusFailed    JobStatus = "FAILED"    // terminal engine failure
	JobStatusUnknown   JobStatus = "UNKNOWN"   // unrecognized or missing engine status
)

// NormalizeStatus maps an engine-reported status string onto the closed
// JobStatus set. Anything unrecognized becomes JobStatusUnknown rather
// than an error; completion handling treats Unknown as a terminal no-op.
func NormalizeStatus(s string) JobStatus {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(JobStatusSucceeded):
		return JobStatusSucceeded
	case string(JobStatusFailed):
		return JobStatusFailed
	default:
		return JobStatusUnknown
	}
}

// AuditStage identifies the lifecycle transition an audit record describes.
type AuditStage string

const (
	StageIngestStart    AuditStage = "ingest_start"
	StageIngestComplete AuditStage = "ingest_complete"
)
