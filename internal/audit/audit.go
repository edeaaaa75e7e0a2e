// Package audit writes the pipeline's append-only audit trail: one JSON
// line per lifecycle event, partitioned by UTC date under the audit
// prefix. Lines are only ever appended; nothing rewrites history.
package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/policyreviewer/pipeline/constants"
	"github.com/policyreviewer/pipeline/internal/common"
	"github.com/policyreviewer/pipeline/internal/storage"
)

// Event is one audit record.
type Event struct {
	ID           string                 `json:"event_id"`
	Timestamp    time.Time              `json:"timestamp"`
	Stage        constants.AuditStage   `json:"stage"`
	SourceKey    string                 `json:"key"`
	Status       constants.JobStatus    `json:"status"`
	JobID        string                 `json:"job_id,omitempty"`
	Mode         constants.AnalysisMode `json:"mode,omitempty"`
	OutputPrefix string                 `json:"output_prefix,omitempty"`
}

// Recorder appends audit events.
type Recorder interface {
	Record(ctx context.Context, ev Event) error
}

// Writer records events into a blob store and reads them back for
// reporting.
type Writer struct {
	store  storage.BlobStore
	prefix string
	logger *slog.Logger
	now    func() time.Time
}

// NewWriter returns a Writer rooted at prefix inside store.
func NewWriter(store storage.BlobStore, prefix string, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		store:  store,
		prefix: prefix,
		logger: logger,
		now:    time.Now,
	}
}

// dayKey returns the events file key for t's UTC date.
func (w *Writer) dayKey(t time.Time) string {
	return path.Join(w.prefix, t.UTC().Format("2006/01/02"), "events.jsonl")
}

// Record appends ev as one JSON line to the day partition of its
// timestamp. A zero Timestamp and an empty ID are filled in.
func (w *Writer) Record(ctx context.Context, ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = w.now().UTC()
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("%w: encode event: %v", common.ErrAuditWrite, err)
	}
	key := w.dayKey(ev.Timestamp)
	if _, err := w.store.AppendLine(ctx, key, line); err != nil {
		w.logger.Error("failed to append audit event",
			"stage", ev.Stage,
			"key", ev.SourceKey,
			"job_id", ev.JobID,
			"error", err,
		)
		return fmt.Errorf("%w: %v", common.ErrAuditWrite, err)
	}
	return nil
}

// ReadRange returns all events recorded on days from from through to,
// inclusive, in file order. Days without an events file are skipped.
// Lines that fail to decode are skipped with a warning so one bad record
// cannot block a report.
func (w *Writer) ReadRange(ctx context.Context, from, to time.Time) ([]Event, error) {
	from = from.UTC().Truncate(24 * time.Hour)
	to = to.UTC().Truncate(24 * time.Hour)
	if to.Before(from) {
		return nil, fmt.Errorf("invalid range %s..%s: %w", from.Format("2006-01-02"), to.Format("2006-01-02"), common.ErrInvalidInput)
	}

	var out []Event
	for day := from; !day.After(to); day = day.Add(24 * time.Hour) {
		body, err := w.store.Get(ctx, w.dayKey(day))
		if err != nil {
			if errors.Is(err, common.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("read audit day %s: %w", day.Format("2006-01-02"), err)
		}
		sc := bufio.NewScanner(bytes.NewReader(body))
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 {
				continue
			}
			var ev Event
			if err := json.Unmarshal(line, &ev); err != nil {
				w.logger.Warn("skipping undecodable audit line", "day", day.Format("2006-01-02"), "error", err)
				continue
			}
			out = append(out, ev)
		}
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("scan audit day %s: %w", day.Format("2006-01-02"), err)
		}
	}
	return out, nil
}
