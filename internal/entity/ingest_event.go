package entity

import (
	"time"
)

// IngestEvent represents a document arrival for data transfer between layers.
type IngestEvent struct {
	SourceKey string `json:"source_key"`
	// Fingerprint is the hex sha256 of the document content when the
	// trigger computed one; empty disables dedup for this event.
	Fingerprint string    `json:"fingerprint,omitempty"`
	ArrivedAt   time.Time `json:"arrived_at"`
}
