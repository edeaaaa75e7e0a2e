// Package pipeline is the job-lifecycle core: it turns arrival events
// into started analysis jobs and completion notifications into persisted,
// manifested, audited result sets.
package pipeline

import (
	"context"
	"log/slog"

	"github.com/policyreviewer/pipeline/constants"
	"github.com/policyreviewer/pipeline/internal/audit"
	"github.com/policyreviewer/pipeline/internal/common"
	"github.com/policyreviewer/pipeline/internal/engine"
	"github.com/policyreviewer/pipeline/internal/entity"
	"github.com/policyreviewer/pipeline/internal/ledger"
	"github.com/policyreviewer/pipeline/internal/notify"
	"github.com/policyreviewer/pipeline/internal/storage"
)

// Pipeline composes the stages into the two operations the entry points
// call: HandleIngest and HandleCompletion. Each invocation is an
// independent unit of work; the only shared mutable state is the store
// and the ledger.
type Pipeline struct {
	validator *Validator
	launcher  *Launcher
	collector *Collector
	persistor *Persistor
	audit     audit.Recorder
	ledger    ledger.Ledger
	mode      constants.AnalysisMode
	logger    *slog.Logger
}

// New wires a pipeline from its collaborators. led may be nil: the
// ledger-backed dedup and completion gating are then disabled.
func New(eng engine.Engine, store storage.BlobStore, rec audit.Recorder, led ledger.Ledger, cfg *common.Config, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		validator: NewValidator(cfg.Storage.InputPrefix, nil),
		launcher:  NewLauncher(eng, rec, cfg.Notify, logger),
		collector: NewCollector(eng),
		persistor: NewPersistor(store, cfg.Storage.OutputPrefix, logger),
		audit:     rec,
		ledger:    led,
		mode:      cfg.Ingest.Mode,
		logger:    logger,
	}
}

// HandleIngest validates an arrival event and starts an analysis job for
// it. Validation failure is a clean no-op: no job, no audit, error
// returned. When a ledger is configured and the event carries a
// fingerprint, an in-flight job for the same document short-circuits the
// start (at-least-once arrival delivery must not start duplicates).
func (p *Pipeline) HandleIngest(ctx context.Context, ev entity.IngestEvent) (entity.AnalysisJob, error) {
	vk, err := p.validator.Validate(ev.SourceKey)
	if err != nil {
		p.logger.Warn("pipeline.ingest.rejected", "key", ev.SourceKey, "error", err)
		return entity.AnalysisJob{}, err
	}

	if p.ledger != nil && ev.Fingerprint != "" {
		existing, found, err := p.ledger.FindInFlight(ctx, vk.Key, ev.Fingerprint)
		if err != nil {
			p.logger.Warn("pipeline.ingest.dedup_lookup_failed", "key", vk.Key, "error", err)
		} else if found {
			p.logger.Info("pipeline.ingest.duplicate", "key", vk.Key, "job_id", existing.ID)
			return existing, nil
		}
	}

	job, err := p.launcher.Start(ctx, vk.Key, p.mode)
	if err != nil {
		return entity.AnalysisJob{}, err
	}
	job.Fingerprint = ev.Fingerprint

	if p.ledger != nil {
		if err := p.ledger.RecordStart(ctx, job); err != nil {
			p.logger.Warn("pipeline.ingest.ledger_record_failed", "job_id", job.ID, "error", err)
		}
	}
	return job, nil
}

// CompletionResult reports what HandleCompletion did.
type CompletionResult struct {
	JobID  string
	Status constants.JobStatus
	// Manifest is set when the job's output is durably complete.
	Manifest *entity.Manifest
	// AlreadyPersisted marks a redelivered completion whose manifest was
	// found in place; no retrieval happened.
	AlreadyPersisted bool
	// NoOp marks an Unknown-status notification: logged, nothing written.
	NoOp bool
}

// HandleCompletion parses a completion notification and drives the job to
// its terminal state: Succeeded retrieves and persists all pages then the
// manifest, Failed audits without retrieval, Unknown is a logged no-op.
// Retrieval and persist failures return an error with nothing committed,
// so transport-level redelivery retries the whole handling safely.
func (p *Pipeline) HandleCompletion(ctx context.Context, raw []byte) (CompletionResult, error) {
	comp, err := notify.Parse(raw)
	if err != nil {
		p.logger.Warn("pipeline.completion.malformed", "error", err)
		return CompletionResult{}, err
	}
	ctx = common.WithJobID(ctx, comp.JobID)

	// The ledger, when present, supplies the job's mode and source key;
	// notifications carry the source reference only best-effort.
	mode := constants.ModeTextOnly
	sourceKey := comp.SourceKey
	ledgerKnown := false
	if p.ledger != nil {
		if job, found, err := p.ledger.Get(ctx, comp.JobID); err != nil {
			p.logger.Warn("pipeline.completion.ledger_lookup_failed", "job_id", comp.JobID, "error", err)
		} else if found {
			ledgerKnown = true
			mode = job.Mode
			if sourceKey == "" {
				sourceKey = job.SourceKey
			}
		}
	}

	res := CompletionResult{JobID: comp.JobID, Status: comp.Status}
	switch comp.Status {
	case constants.JobStatusSucceeded:
		if m, ok, err := p.persistor.Lookup(ctx, comp.JobID); err != nil {
			p.logger.Warn("pipeline.completion.manifest_lookup_failed", "job_id", comp.JobID, "error", err)
		} else if ok {
			p.logger.Info("pipeline.completion.already_persisted", "job_id", comp.JobID, "page_count", m.PageCount)
			res.Manifest = &m
			res.AlreadyPersisted = true
			if ledgerKnown {
				// The ledger decides whether the completion audit is
				// still owed (crash between manifest and audit).
				p.finish(ctx, comp.JobID, sourceKey, constants.JobStatusSucceeded, mode, p.persistor.OutputRoot(comp.JobID), ledgerKnown)
			}
			return res, nil
		}

		seq := p.collector.Collect(ctx, comp.JobID, mode)
		m, err := p.persistor.Persist(ctx, comp.JobID, sourceKey, seq)
		if err != nil {
			return CompletionResult{}, err
		}
		res.Manifest = &m
		p.finish(ctx, comp.JobID, sourceKey, constants.JobStatusSucceeded, mode, p.persistor.OutputRoot(comp.JobID), ledgerKnown)
		return res, nil

	case constants.JobStatusFailed:
		p.logger.Info("pipeline.completion.job_failed", "job_id", comp.JobID, "key", sourceKey, "raw_status", comp.RawStatus)
		p.finish(ctx, comp.JobID, sourceKey, constants.JobStatusFailed, mode, "", ledgerKnown)
		return res, nil

	default:
		// Unknown is terminal for this notification but not for the job:
		// the ledger row stays Started so a later, definite status can
		// still land.
		p.logger.Warn("pipeline.completion.unknown_status", "job_id", comp.JobID, "raw_status", comp.RawStatus)
		res.NoOp = true
		return res, nil
	}
}

// finish records the terminal transition: ledger first (when it knows the
// job), then at most one ingest_complete audit event. A ledger that
// reports the transition already happened suppresses the duplicate audit
// line. Jobs the ledger never saw are audited unconditionally; gating on
// an absent row would claim a duplicate that never was.
func (p *Pipeline) finish(ctx context.Context, jobID, sourceKey string, status constants.JobStatus, mode constants.AnalysisMode, outputRoot string, ledgerKnown bool) {
	if p.ledger != nil && ledgerKnown {
		first, err := p.ledger.MarkComplete(ctx, jobID, status)
		if err != nil {
			p.logger.Warn("pipeline.completion.ledger_mark_failed", "job_id", jobID, "error", err)
		} else if !first {
			p.logger.Debug("pipeline.completion.already_recorded", "job_id", jobID)
			return
		}
	}

	ev := audit.Event{
		Stage:        constants.StageIngestComplete,
		SourceKey:    sourceKey,
		Status:       status,
		JobID:        jobID,
		Mode:         mode,
		OutputPrefix: outputRoot,
	}
	if err := p.audit.Record(ctx, ev); err != nil {
		p.logger.Warn("pipeline.completion.audit_failed", "job_id", jobID, "error", err)
	}
}
