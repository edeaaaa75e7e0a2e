// Package engine defines the analysis engine contract: asynchronous job
// submission and paginated result retrieval. The concrete client is
// HTTPEngine; tests swap in fakes.
package engine

import (
	"context"
)

// StartInput carries everything a start call needs. NotificationTarget and
// PublishRoleID configure the completion callback channel the engine
// publishes to when the job finishes; FeatureTypes selects structured
// analysis features and is ignored by text detection.
type StartInput struct {
	DocumentKey        string
	NotificationTarget string
	PublishRoleID      string
	FeatureTypes       []string
}

// Engine starts analysis jobs and retrieves their paginated results.
type Engine interface {
	// StartTextDetection submits an asynchronous text detection job and
	// returns the engine-assigned job ID.
	StartTextDetection(ctx context.Context, in StartInput) (string, error)

	// StartAnalysis submits an asynchronous structured analysis job and
	// returns the engine-assigned job ID.
	StartAnalysis(ctx context.Context, in StartInput) (string, error)

	// GetTextResults fetches one batch of text detection results. An
	// empty cursor fetches the first batch; the returned batch carries
	// the cursor for the next one, empty when exhausted.
	GetTextResults(ctx context.Context, jobID, cursor string) (ResultBatch, error)

	// GetAnalysisResults fetches one batch of structured analysis
	// results, with the same cursor contract as GetTextResults.
	GetAnalysisResults(ctx context.Context, jobID, cursor string) (ResultBatch, error)
}
