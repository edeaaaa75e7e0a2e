package entity

import (
	"github.com/policyreviewer/pipeline/constants"
)

// Manifest records a completed job's persisted output. It is the last
// object written for a job; its presence marks the job's results durable
// and complete.
type Manifest struct {
	JobID     string              `json:"job_id"`
	SourceKey string              `json:"source_key"`
	Status    constants.JobStatus `json:"status"`
	PageCount int                 `json:"page_count"`
	// Pages holds the storage URIs of the page objects, in page order.
	Pages []string `json:"pages"`
	// CreatedUTC is the UTC processing date (YYYYMMDD). Date precision
	// keeps redelivered completions byte-identical.
	CreatedUTC string `json:"created_utc"`
}
