package entity

import (
	"encoding/json"
)

// PageResult represents a single result page for data transfer between
// layers. Number is 1-based and dense within a job; Body carries the
// engine's page JSON untouched.
type PageResult struct {
	JobID  string          `json:"job_id"`
	Number int             `json:"number"`
	Body   json.RawMessage `json:"body"`
}
