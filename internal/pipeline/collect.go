package pipeline

import (
	"context"
	"errors"

	"github.com/policyreviewer/pipeline/constants"
	"github.com/policyreviewer/pipeline/internal/common"
	"github.com/policyreviewer/pipeline/internal/engine"
	"github.com/policyreviewer/pipeline/internal/entity"
)

// Collector retrieves a completed job's pages from the engine.
type Collector struct {
	engine engine.Engine
}

func NewCollector(eng engine.Engine) *Collector {
	return &Collector{engine: eng}
}

// Collect returns a lazy page sequence for jobID. Nothing is fetched
// until the first Next call; peak memory is one retrieval batch.
func (c *Collector) Collect(ctx context.Context, jobID string, mode constants.AnalysisMode) *PageSequence {
	fetch := c.engine.GetTextResults
	if mode == constants.ModeAnalysis {
		fetch = c.engine.GetAnalysisResults
	}
	return &PageSequence{
		ctx:   ctx,
		jobID: jobID,
		fetch: fetch,
	}
}

// PageSequence iterates a job's pages in order, pulling batches from the
// engine as needed. Usage follows the scanner shape:
//
//	for seq.Next() {
//	    page := seq.Page()
//	    ...
//	}
//	if err := seq.Err(); err != nil { ... }
//
// Page numbers are assigned here: 1-based positions in batch-arrival
// order, dense by construction. A failed batch call stops the sequence;
// the caller discards everything and retries from scratch, since partial
// resumption is not supported.
type PageSequence struct {
	ctx   context.Context
	jobID string
	fetch func(ctx context.Context, jobID, cursor string) (engine.ResultBatch, error)

	batch   engine.ResultBatch
	idx     int
	started bool
	done    bool
	number  int
	current entity.PageResult
	err     error
}

// Next advances to the next page, fetching the next batch when the
// current one is exhausted. It returns false at the end of the sequence
// or on the first retrieval failure; Err distinguishes the two.
func (s *PageSequence) Next() bool {
	if s.err != nil {
		return false
	}
	for {
		if s.started && s.idx < len(s.batch.Pages) {
			body := s.batch.Pages[s.idx]
			s.idx++
			s.number++
			s.current = entity.PageResult{
				JobID:  s.jobID,
				Number: s.number,
				Body:   body,
			}
			return true
		}
		if s.started && s.done {
			return false
		}
		batch, err := s.fetch(s.ctx, s.jobID, s.batch.NextCursor)
		if err != nil {
			if !errors.Is(err, common.ErrResultRetrieval) {
				err = &common.RetrievalError{JobID: s.jobID, Cause: err}
			}
			s.err = err
			return false
		}
		s.batch = batch
		s.idx = 0
		s.started = true
		s.done = batch.NextCursor == ""
	}
}

// Page returns the page produced by the last successful Next call.
func (s *PageSequence) Page() entity.PageResult {
	return s.current
}

// Err returns the retrieval error that stopped the sequence, if any.
func (s *PageSequence) Err() error {
	return s.err
}
