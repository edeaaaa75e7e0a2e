package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/policyreviewer/pipeline/constants"
	"github.com/policyreviewer/pipeline/internal/audit"
	"github.com/policyreviewer/pipeline/internal/common"
	"github.com/policyreviewer/pipeline/internal/engine"
	"github.com/policyreviewer/pipeline/internal/entity"
	"github.com/policyreviewer/pipeline/internal/ledger"
	"github.com/policyreviewer/pipeline/internal/storage"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type batchResp struct {
	batch engine.ResultBatch
	err   error
}

// fakeEngine scripts start results and retrieval batches.
type fakeEngine struct {
	jobID    string
	startErr error

	startCalls   int
	startedVia   string
	lastStart    engine.StartInput
	script       []batchResp
	getCalls     int
	textGets     int
	analysisGets int
}

func (f *fakeEngine) StartTextDetection(ctx context.Context, in engine.StartInput) (string, error) {
	f.startCalls++
	f.startedVia = "text"
	f.lastStart = in
	if f.startErr != nil {
		return "", f.startErr
	}
	return f.jobID, nil
}

func (f *fakeEngine) StartAnalysis(ctx context.Context, in engine.StartInput) (string, error) {
	f.startCalls++
	f.startedVia = "analysis"
	f.lastStart = in
	if f.startErr != nil {
		return "", f.startErr
	}
	return f.jobID, nil
}

func (f *fakeEngine) next() (engine.ResultBatch, error) {
	f.getCalls++
	if len(f.script) == 0 {
		return engine.ResultBatch{}, nil
	}
	r := f.script[0]
	f.script = f.script[1:]
	return r.batch, r.err
}

func (f *fakeEngine) GetTextResults(ctx context.Context, jobID, cursor string) (engine.ResultBatch, error) {
	f.textGets++
	return f.next()
}

func (f *fakeEngine) GetAnalysisResults(ctx context.Context, jobID, cursor string) (engine.ResultBatch, error) {
	f.analysisGets++
	return f.next()
}

// fakeRecorder captures audit events in memory.
type fakeRecorder struct {
	mu     sync.Mutex
	events []audit.Event
	err    error
}

func (f *fakeRecorder) Record(ctx context.Context, ev audit.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeRecorder) byStage(stage constants.AuditStage) []audit.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []audit.Event
	for _, ev := range f.events {
		if ev.Stage == stage {
			out = append(out, ev)
		}
	}
	return out
}

func testConfig() *common.Config {
	cfg := &common.Config{}
	cfg.Storage.InputPrefix = "policy/pdf"
	cfg.Storage.OutputPrefix = "policy/analysis"
	cfg.Storage.AuditPrefix = "policy/audit"
	cfg.Notify.Target = "https://callbacks.local/v1/completions"
	cfg.Notify.PublishRoleID = "publisher"
	cfg.Ingest.Mode = constants.ModeTextOnly
	return cfg
}

func newTestPipeline(t *testing.T, eng engine.Engine, led ledger.Ledger) (*Pipeline, *fakeRecorder, *storage.FSStore) {
	t.Helper()
	store, err := storage.NewFSStore(t.TempDir(), quietLogger())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	rec := &fakeRecorder{}
	p := New(eng, store, rec, led, testConfig(), quietLogger())
	p.persistor.now = func() time.Time {
		return time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)
	}
	return p, rec, store
}

func openTestLedger(t *testing.T) *ledger.SQLLedger {
	t.Helper()
	l, err := ledger.Open(context.Background(), ":memory:", quietLogger())
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func threeBatchScript() []batchResp {
	return []batchResp{
		{batch: engine.ResultBatch{Pages: []json.RawMessage{rawPage(`{"p":1}`), rawPage(`{"p":2}`)}, NextCursor: "t1"}},
		{batch: engine.ResultBatch{Pages: []json.RawMessage{rawPage(`{"p":3}`)}}},
	}
}

func TestHandleIngestValidKey(t *testing.T) {
	eng := &fakeEngine{jobID: "J1"}
	led := openTestLedger(t)
	p, rec, _ := newTestPipeline(t, eng, led)
	ctx := context.Background()

	job, err := p.HandleIngest(ctx, entity.IngestEvent{
		SourceKey:   "policy/pdf/sample.pdf",
		Fingerprint: "fp-1",
		ArrivedAt:   time.Now(),
	})
	if err != nil {
		t.Fatalf("HandleIngest: %v", err)
	}
	if job.ID != "J1" || job.Status != constants.JobStatusStarted || job.Mode != constants.ModeTextOnly {
		t.Errorf("job = %+v", job)
	}
	if eng.startCalls != 1 || eng.startedVia != "text" {
		t.Errorf("engine starts = %d via %q, want 1 via text", eng.startCalls, eng.startedVia)
	}
	if eng.lastStart.NotificationTarget != "https://callbacks.local/v1/completions" || eng.lastStart.PublishRoleID != "publisher" {
		t.Errorf("start input = %+v, want notification channel settings", eng.lastStart)
	}

	starts := rec.byStage(constants.StageIngestStart)
	if len(starts) != 1 {
		t.Fatalf("ingest_start events = %d, want 1", len(starts))
	}
	if starts[0].Status != constants.JobStatusStarted || starts[0].JobID != "J1" || starts[0].SourceKey != "policy/pdf/sample.pdf" {
		t.Errorf("ingest_start event = %+v", starts[0])
	}

	row, found, err := led.Get(ctx, "J1")
	if err != nil || !found {
		t.Fatalf("ledger row = (%v, %v), want recorded", found, err)
	}
	if row.Fingerprint != "fp-1" {
		t.Errorf("ledger fingerprint = %q, want fp-1", row.Fingerprint)
	}
}

func TestHandleIngestInvalidKey(t *testing.T) {
	eng := &fakeEngine{jobID: "J1"}
	p, rec, _ := newTestPipeline(t, eng, nil)

	for _, key := range []string{"other/pdf/sample.pdf", "policy/pdf/sample.docx", "policy/pdfs/sample.pdf"} {
		_, err := p.HandleIngest(context.Background(), entity.IngestEvent{SourceKey: key})
		if !errors.Is(err, common.ErrInvalidInput) {
			t.Errorf("HandleIngest(%q) err = %v, want ErrInvalidInput", key, err)
		}
	}

	if eng.startCalls != 0 {
		t.Errorf("engine starts = %d, want 0 for invalid keys", eng.startCalls)
	}
	if len(rec.events) != 0 {
		t.Errorf("audit events = %d, want 0 for invalid keys", len(rec.events))
	}
}

func TestHandleIngestDuplicateInFlight(t *testing.T) {
	eng := &fakeEngine{jobID: "J1"}
	led := openTestLedger(t)
	p, rec, _ := newTestPipeline(t, eng, led)
	ctx := context.Background()

	ev := entity.IngestEvent{SourceKey: "policy/pdf/sample.pdf", Fingerprint: "fp-1"}
	first, err := p.HandleIngest(ctx, ev)
	if err != nil {
		t.Fatalf("first HandleIngest: %v", err)
	}

	second, err := p.HandleIngest(ctx, ev)
	if err != nil {
		t.Fatalf("second HandleIngest: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("duplicate ingest returned job %q, want existing %q", second.ID, first.ID)
	}
	if eng.startCalls != 1 {
		t.Errorf("engine starts = %d, want 1 (no duplicate submission)", eng.startCalls)
	}
	if got := len(rec.byStage(constants.StageIngestStart)); got != 1 {
		t.Errorf("ingest_start events = %d, want 1", got)
	}

	// A different document under the same key is not a duplicate.
	third, err := p.HandleIngest(ctx, entity.IngestEvent{SourceKey: "policy/pdf/sample.pdf", Fingerprint: "fp-2"})
	if err != nil {
		t.Fatalf("third HandleIngest: %v", err)
	}
	if third.ID != "J1" {
		t.Errorf("third job = %q", third.ID)
	}
	if eng.startCalls != 2 {
		t.Errorf("engine starts = %d, want 2 after changed content", eng.startCalls)
	}
}

func TestHandleIngestEngineRejection(t *testing.T) {
	eng := &fakeEngine{startErr: errors.New("quota exhausted")}
	led := openTestLedger(t)
	p, rec, _ := newTestPipeline(t, eng, led)

	_, err := p.HandleIngest(context.Background(), entity.IngestEvent{SourceKey: "policy/pdf/sample.pdf"})
	if !errors.Is(err, common.ErrJobStart) {
		t.Fatalf("err = %v, want ErrJobStart", err)
	}
	if len(rec.events) != 0 {
		t.Errorf("audit events = %d, want 0 when no job exists", len(rec.events))
	}
	rows, err := led.List(context.Background(), "", 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("ledger rows = %d, want 0", len(rows))
	}
}

func TestHandleCompletionSucceeded(t *testing.T) {
	eng := &fakeEngine{jobID: "J1", script: threeBatchScript()}
	led := openTestLedger(t)
	p, rec, store := newTestPipeline(t, eng, led)
	ctx := context.Background()

	if _, err := p.HandleIngest(ctx, entity.IngestEvent{SourceKey: "policy/pdf/sample.pdf", Fingerprint: "fp-1"}); err != nil {
		t.Fatalf("HandleIngest: %v", err)
	}

	res, err := p.HandleCompletion(ctx, []byte(`{"JobId":"J1","Status":"SUCCEEDED"}`))
	if err != nil {
		t.Fatalf("HandleCompletion: %v", err)
	}
	if res.Manifest == nil || res.Manifest.PageCount != 3 {
		t.Fatalf("result manifest = %+v, want 3 pages", res.Manifest)
	}
	if res.AlreadyPersisted {
		t.Error("AlreadyPersisted = true on first completion")
	}

	for _, key := range []string{
		"policy/analysis/20250314/J1/pages/page_0001.json",
		"policy/analysis/20250314/J1/pages/page_0002.json",
		"policy/analysis/20250314/J1/pages/page_0003.json",
		"policy/analysis/20250314/J1/index.json",
	} {
		ok, err := store.Exists(ctx, key)
		if err != nil || !ok {
			t.Errorf("Exists(%s) = (%v, %v), want (true, nil)", key, ok, err)
		}
	}

	completes := rec.byStage(constants.StageIngestComplete)
	if len(completes) != 1 {
		t.Fatalf("ingest_complete events = %d, want 1", len(completes))
	}
	ev := completes[0]
	if ev.Status != constants.JobStatusSucceeded || ev.JobID != "J1" || ev.SourceKey != "policy/pdf/sample.pdf" {
		t.Errorf("ingest_complete event = %+v", ev)
	}
	if ev.OutputPrefix != "policy/analysis/20250314/J1" {
		t.Errorf("OutputPrefix = %q", ev.OutputPrefix)
	}

	row, found, err := led.Get(ctx, "J1")
	if err != nil || !found {
		t.Fatalf("ledger Get = (%v, %v)", found, err)
	}
	if row.Status != constants.JobStatusSucceeded || row.CompletedAt == nil {
		t.Errorf("ledger row after completion = %+v", row)
	}
}

func TestHandleCompletionRedelivery(t *testing.T) {
	eng := &fakeEngine{jobID: "J1", script: threeBatchScript()}
	led := openTestLedger(t)
	p, rec, store := newTestPipeline(t, eng, led)
	ctx := context.Background()

	if _, err := p.HandleIngest(ctx, entity.IngestEvent{SourceKey: "policy/pdf/sample.pdf"}); err != nil {
		t.Fatalf("HandleIngest: %v", err)
	}

	notification := []byte(`{"JobId":"J1","Status":"SUCCEEDED"}`)
	if _, err := p.HandleCompletion(ctx, notification); err != nil {
		t.Fatalf("first HandleCompletion: %v", err)
	}
	firstManifest, err := store.Get(ctx, "policy/analysis/20250314/J1/index.json")
	if err != nil {
		t.Fatalf("Get manifest: %v", err)
	}
	getsAfterFirst := eng.getCalls

	res, err := p.HandleCompletion(ctx, notification)
	if err != nil {
		t.Fatalf("second HandleCompletion: %v", err)
	}
	if !res.AlreadyPersisted {
		t.Error("AlreadyPersisted = false on redelivery")
	}
	if eng.getCalls != getsAfterFirst {
		t.Errorf("retrieval calls grew from %d to %d on redelivery", getsAfterFirst, eng.getCalls)
	}

	secondManifest, err := store.Get(ctx, "policy/analysis/20250314/J1/index.json")
	if err != nil {
		t.Fatalf("Get manifest after redelivery: %v", err)
	}
	if !bytes.Equal(firstManifest, secondManifest) {
		t.Errorf("redelivered manifest differs:\n%s\nvs\n%s", firstManifest, secondManifest)
	}

	if got := len(rec.byStage(constants.StageIngestComplete)); got != 1 {
		t.Errorf("ingest_complete events = %d, want exactly 1 under redelivery", got)
	}
}

func TestHandleCompletionFailedJob(t *testing.T) {
	eng := &fakeEngine{jobID: "J2", script: threeBatchScript()}
	led := openTestLedger(t)
	p, rec, store := newTestPipeline(t, eng, led)
	ctx := context.Background()

	if _, err := p.HandleIngest(ctx, entity.IngestEvent{SourceKey: "policy/pdf/other.pdf"}); err != nil {
		t.Fatalf("HandleIngest: %v", err)
	}

	res, err := p.HandleCompletion(ctx, []byte(`{"JobId":"J2","Status":"FAILED"}`))
	if err != nil {
		t.Fatalf("HandleCompletion: %v", err)
	}
	if res.Manifest != nil {
		t.Error("manifest set for failed job")
	}
	if eng.getCalls != 0 {
		t.Errorf("retrieval calls = %d, want 0 for failed job", eng.getCalls)
	}

	completes := rec.byStage(constants.StageIngestComplete)
	if len(completes) != 1 {
		t.Fatalf("ingest_complete events = %d, want 1", len(completes))
	}
	if completes[0].Status != constants.JobStatusFailed || completes[0].JobID != "J2" {
		t.Errorf("ingest_complete event = %+v", completes[0])
	}
	if completes[0].SourceKey != "policy/pdf/other.pdf" {
		t.Errorf("SourceKey = %q, want ledger-supplied key", completes[0].SourceKey)
	}

	ok, err := store.Exists(ctx, "policy/analysis/20250314/J2/index.json")
	if err != nil || ok {
		t.Errorf("manifest exists for failed job: (%v, %v)", ok, err)
	}

	// Redelivered failure stays at one audit record.
	if _, err := p.HandleCompletion(ctx, []byte(`{"JobId":"J2","Status":"FAILED"}`)); err != nil {
		t.Fatalf("redelivered HandleCompletion: %v", err)
	}
	if got := len(rec.byStage(constants.StageIngestComplete)); got != 1 {
		t.Errorf("ingest_complete events after redelivery = %d, want 1", got)
	}
}

func TestHandleCompletionUnknownStatus(t *testing.T) {
	eng := &fakeEngine{jobID: "J3", script: threeBatchScript()}
	led := openTestLedger(t)
	p, rec, store := newTestPipeline(t, eng, led)
	ctx := context.Background()

	if _, err := p.HandleIngest(ctx, entity.IngestEvent{SourceKey: "policy/pdf/sample.pdf"}); err != nil {
		t.Fatalf("HandleIngest: %v", err)
	}

	res, err := p.HandleCompletion(ctx, []byte(`{"JobId":"J3","Status":"IN_PROGRESS"}`))
	if err != nil {
		t.Fatalf("HandleCompletion: %v", err)
	}
	if !res.NoOp {
		t.Error("NoOp = false for unknown status")
	}
	if eng.getCalls != 0 {
		t.Errorf("retrieval calls = %d, want 0", eng.getCalls)
	}
	if got := len(rec.byStage(constants.StageIngestComplete)); got != 0 {
		t.Errorf("ingest_complete events = %d, want 0 for unknown status", got)
	}
	ok, err := store.Exists(ctx, "policy/analysis/20250314/J3/index.json")
	if err != nil || ok {
		t.Errorf("manifest exists after unknown status: (%v, %v)", ok, err)
	}

	// The job is still open: a definite completion can land later.
	row, found, err := led.Get(ctx, "J3")
	if err != nil || !found {
		t.Fatalf("ledger Get = (%v, %v)", found, err)
	}
	if row.Status != constants.JobStatusStarted {
		t.Errorf("ledger status after unknown = %q, want STARTED", row.Status)
	}
}

func TestHandleCompletionRetrievalFailureThenRetry(t *testing.T) {
	eng := &fakeEngine{
		jobID: "J1",
		script: []batchResp{
			{batch: engine.ResultBatch{Pages: []json.RawMessage{rawPage(`{"p":1}`), rawPage(`{"p":2}`)}, NextCursor: "t1"}},
			{err: errors.New("engine unavailable")},
		},
	}
	led := openTestLedger(t)
	p, rec, store := newTestPipeline(t, eng, led)
	ctx := context.Background()

	if _, err := p.HandleIngest(ctx, entity.IngestEvent{SourceKey: "policy/pdf/sample.pdf"}); err != nil {
		t.Fatalf("HandleIngest: %v", err)
	}

	notification := []byte(`{"JobId":"J1","Status":"SUCCEEDED"}`)
	_, err := p.HandleCompletion(ctx, notification)
	if !errors.Is(err, common.ErrResultRetrieval) {
		t.Fatalf("err = %v, want ErrResultRetrieval", err)
	}
	ok, err := store.Exists(ctx, "policy/analysis/20250314/J1/index.json")
	if err != nil || ok {
		t.Errorf("manifest exists after failed retrieval: (%v, %v)", ok, err)
	}
	if got := len(rec.byStage(constants.StageIngestComplete)); got != 0 {
		t.Errorf("ingest_complete events = %d, want 0 after failed retrieval", got)
	}
	row, _, err := led.Get(ctx, "J1")
	if err != nil {
		t.Fatalf("ledger Get: %v", err)
	}
	if row.Status != constants.JobStatusStarted {
		t.Errorf("ledger status = %q, want STARTED (retryable)", row.Status)
	}

	// Redelivery retries the whole collection from the first batch.
	eng.script = threeBatchScript()
	res, err := p.HandleCompletion(ctx, notification)
	if err != nil {
		t.Fatalf("retried HandleCompletion: %v", err)
	}
	if res.Manifest == nil || res.Manifest.PageCount != 3 {
		t.Fatalf("retried manifest = %+v, want 3 pages", res.Manifest)
	}
	if got := len(rec.byStage(constants.StageIngestComplete)); got != 1 {
		t.Errorf("ingest_complete events after retry = %d, want 1", got)
	}
}

func TestHandleCompletionMalformed(t *testing.T) {
	eng := &fakeEngine{}
	p, rec, _ := newTestPipeline(t, eng, nil)

	_, err := p.HandleCompletion(context.Background(), []byte(`certainly not json`))
	if !errors.Is(err, common.ErrMalformedNotification) {
		t.Fatalf("err = %v, want ErrMalformedNotification", err)
	}
	if eng.getCalls != 0 || len(rec.events) != 0 {
		t.Errorf("side effects after malformed notification: gets=%d audits=%d", eng.getCalls, len(rec.events))
	}
}

func TestHandleCompletionWithoutLedger(t *testing.T) {
	eng := &fakeEngine{jobID: "J1", script: threeBatchScript()}
	p, rec, _ := newTestPipeline(t, eng, nil)
	ctx := context.Background()

	res, err := p.HandleCompletion(ctx, []byte(`{"JobId":"J1","Status":"SUCCEEDED","DocumentLocation":{"ObjectName":"policy/pdf/sample.pdf"}}`))
	if err != nil {
		t.Fatalf("HandleCompletion: %v", err)
	}
	if res.Manifest == nil || res.Manifest.SourceKey != "policy/pdf/sample.pdf" {
		t.Fatalf("manifest = %+v, want notification-supplied source key", res.Manifest)
	}
	completes := rec.byStage(constants.StageIngestComplete)
	if len(completes) != 1 {
		t.Fatalf("ingest_complete events = %d, want 1", len(completes))
	}

	// Without a ledger the manifest short-circuit still prevents
	// re-retrieval on redelivery.
	gets := eng.getCalls
	res, err = p.HandleCompletion(ctx, []byte(`{"JobId":"J1","Status":"SUCCEEDED","DocumentLocation":{"ObjectName":"policy/pdf/sample.pdf"}}`))
	if err != nil {
		t.Fatalf("redelivered HandleCompletion: %v", err)
	}
	if !res.AlreadyPersisted || eng.getCalls != gets {
		t.Errorf("redelivery retrieved again: already=%v gets=%d", res.AlreadyPersisted, eng.getCalls)
	}
}

func TestHandleIngestAuditFailureDoesNotBlock(t *testing.T) {
	eng := &fakeEngine{jobID: "J1"}
	store, err := storage.NewFSStore(t.TempDir(), quietLogger())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	rec := &fakeRecorder{err: errors.New("audit store down")}
	p := New(eng, store, rec, nil, testConfig(), quietLogger())

	job, err := p.HandleIngest(context.Background(), entity.IngestEvent{SourceKey: "policy/pdf/sample.pdf"})
	if err != nil {
		t.Fatalf("HandleIngest with failing audit: %v", err)
	}
	if job.ID != "J1" {
		t.Errorf("job = %+v", job)
	}
}
