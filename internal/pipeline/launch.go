package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/policyreviewer/pipeline/constants"
	"github.com/policyreviewer/pipeline/internal/audit"
	"github.com/policyreviewer/pipeline/internal/common"
	"github.com/policyreviewer/pipeline/internal/engine"
	"github.com/policyreviewer/pipeline/internal/entity"
)

// Launcher submits analysis jobs to the engine and records the
// ingest_start audit event for each one.
type Launcher struct {
	engine engine.Engine
	audit  audit.Recorder
	target string
	role   string
	logger *slog.Logger
}

func NewLauncher(eng engine.Engine, rec audit.Recorder, cfg common.NotifyConfig, logger *slog.Logger) *Launcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Launcher{
		engine: eng,
		audit:  rec,
		target: cfg.Target,
		role:   cfg.PublishRoleID,
		logger: logger,
	}
}

// Start submits one asynchronous job for sourceKey in the given mode. On
// success the job is genuinely in flight, so the ingest_start audit event
// is emitted here, before any later step can fail. Engine rejection emits
// nothing: no job exists.
func (l *Launcher) Start(ctx context.Context, sourceKey string, mode constants.AnalysisMode) (entity.AnalysisJob, error) {
	in := engine.StartInput{
		DocumentKey:        sourceKey,
		NotificationTarget: l.target,
		PublishRoleID:      l.role,
	}

	var jobID string
	var err error
	switch mode {
	case constants.ModeTextOnly:
		jobID, err = l.engine.StartTextDetection(ctx, in)
	case constants.ModeAnalysis:
		jobID, err = l.engine.StartAnalysis(ctx, in)
	default:
		return entity.AnalysisJob{}, fmt.Errorf("unsupported analysis mode %q: %w", mode, common.ErrInvalidInput)
	}
	if err != nil {
		if !errors.Is(err, common.ErrJobStart) {
			err = &common.JobStartError{SourceKey: sourceKey, Cause: err}
		}
		l.logger.Error("pipeline.launch.failed", "key", sourceKey, "mode", mode, "error", err)
		return entity.AnalysisJob{}, err
	}

	job := entity.AnalysisJob{
		ID:          jobID,
		SourceKey:   sourceKey,
		Mode:        mode,
		Status:      constants.JobStatusStarted,
		SubmittedAt: time.Now().UTC(),
	}
	l.logger.Info("pipeline.launch.started", "job_id", jobID, "key", sourceKey, "mode", mode)

	ev := audit.Event{
		Stage:     constants.StageIngestStart,
		SourceKey: sourceKey,
		Status:    constants.JobStatusStarted,
		JobID:     jobID,
		Mode:      mode,
	}
	if err := l.audit.Record(ctx, ev); err != nil {
		// Audit is observability, not consistency: the job is in flight
		// either way.
		l.logger.Warn("pipeline.launch.audit_failed", "job_id", jobID, "error", err)
	}
	return job, nil
}
