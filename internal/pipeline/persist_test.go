package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/policyreviewer/pipeline/constants"
	"github.com/policyreviewer/pipeline/internal/common"
	"github.com/policyreviewer/pipeline/internal/engine"
	"github.com/policyreviewer/pipeline/internal/storage"
)

func newTestPersistor(t *testing.T) (*Persistor, *storage.FSStore) {
	t.Helper()
	store, err := storage.NewFSStore(t.TempDir(), quietLogger())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	p := NewPersistor(store, "policy/analysis", quietLogger())
	p.now = func() time.Time {
		return time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)
	}
	return p, store
}

func threePageSequence() *PageSequence {
	eng := &fakeEngine{
		script: []batchResp{
			{batch: engine.ResultBatch{Pages: []json.RawMessage{rawPage(`{"p":1}`), rawPage(`{"p":2}`)}, NextCursor: "t1"}},
			{batch: engine.ResultBatch{Pages: []json.RawMessage{rawPage(`{"p":3}`)}}},
		},
	}
	return NewCollector(eng).Collect(context.Background(), "J1", constants.ModeTextOnly)
}

func TestPersistWritesPagesAndManifest(t *testing.T) {
	p, store := newTestPersistor(t)
	ctx := context.Background()

	m, err := p.Persist(ctx, "J1", "policy/pdf/sample.pdf", threePageSequence())
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}

	if m.JobID != "J1" || m.SourceKey != "policy/pdf/sample.pdf" {
		t.Errorf("manifest identity = %+v", m)
	}
	if m.Status != constants.JobStatusSucceeded {
		t.Errorf("Status = %q, want SUCCEEDED", m.Status)
	}
	if m.PageCount != 3 || len(m.Pages) != 3 {
		t.Errorf("PageCount = %d, Pages = %d, want 3", m.PageCount, len(m.Pages))
	}
	if m.CreatedUTC != "20250314" {
		t.Errorf("CreatedUTC = %q, want 20250314", m.CreatedUTC)
	}

	wantKeys := []string{
		"policy/analysis/20250314/J1/pages/page_0001.json",
		"policy/analysis/20250314/J1/pages/page_0002.json",
		"policy/analysis/20250314/J1/pages/page_0003.json",
	}
	for i, key := range wantKeys {
		body, err := store.Get(ctx, key)
		if err != nil {
			t.Fatalf("Get(%s): %v", key, err)
		}
		want := []byte(`{"p":` + string(rune('1'+i)) + `}`)
		if !bytes.Equal(body, want) {
			t.Errorf("page %d body = %s, want %s", i+1, body, want)
		}
	}

	indexBody, err := store.Get(ctx, "policy/analysis/20250314/J1/index.json")
	if err != nil {
		t.Fatalf("Get index.json: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(indexBody, &decoded); err != nil {
		t.Fatalf("decode index.json: %v", err)
	}
	for _, field := range []string{"job_id", "source_key", "status", "page_count", "pages", "created_utc"} {
		if _, ok := decoded[field]; !ok {
			t.Errorf("index.json missing field %q", field)
		}
	}
}

func TestPersistRerunIsByteIdentical(t *testing.T) {
	p, store := newTestPersistor(t)
	ctx := context.Background()

	if _, err := p.Persist(ctx, "J1", "policy/pdf/sample.pdf", threePageSequence()); err != nil {
		t.Fatalf("first Persist: %v", err)
	}
	first, err := store.Get(ctx, "policy/analysis/20250314/J1/index.json")
	if err != nil {
		t.Fatalf("Get first manifest: %v", err)
	}

	if _, err := p.Persist(ctx, "J1", "policy/pdf/sample.pdf", threePageSequence()); err != nil {
		t.Fatalf("second Persist: %v", err)
	}
	second, err := store.Get(ctx, "policy/analysis/20250314/J1/index.json")
	if err != nil {
		t.Fatalf("Get second manifest: %v", err)
	}

	if !bytes.Equal(first, second) {
		t.Errorf("re-run manifest differs:\n%s\nvs\n%s", first, second)
	}
}

func TestPersistSequenceFailureWritesNoManifest(t *testing.T) {
	p, store := newTestPersistor(t)
	ctx := context.Background()

	eng := &fakeEngine{
		script: []batchResp{
			{batch: engine.ResultBatch{Pages: []json.RawMessage{rawPage(`{"p":1}`)}, NextCursor: "t1"}},
			{err: errors.New("engine unavailable")},
		},
	}
	seq := NewCollector(eng).Collect(ctx, "J1", constants.ModeTextOnly)

	_, err := p.Persist(ctx, "J1", "policy/pdf/sample.pdf", seq)
	if !errors.Is(err, common.ErrResultRetrieval) {
		t.Fatalf("Persist err = %v, want ErrResultRetrieval", err)
	}

	ok, err := store.Exists(ctx, "policy/analysis/20250314/J1/index.json")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if ok {
		t.Error("manifest written despite sequence failure")
	}
}

type putFailingStore struct {
	storage.BlobStore
	failAfter int
	puts      int
}

func (f *putFailingStore) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	f.puts++
	if f.puts > f.failAfter {
		return "", &common.PersistError{Key: key, Cause: errors.New("disk full")}
	}
	return f.BlobStore.Put(ctx, key, body, contentType)
}

func TestPersistPageWriteFailure(t *testing.T) {
	store, err := storage.NewFSStore(t.TempDir(), quietLogger())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	failing := &putFailingStore{BlobStore: store, failAfter: 1}
	p := NewPersistor(failing, "policy/analysis", quietLogger())
	p.now = func() time.Time { return time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	_, err = p.Persist(ctx, "J1", "policy/pdf/sample.pdf", threePageSequence())
	if !errors.Is(err, common.ErrPersist) {
		t.Fatalf("Persist err = %v, want ErrPersist", err)
	}

	ok, err := store.Exists(ctx, "policy/analysis/20250314/J1/index.json")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if ok {
		t.Error("manifest written despite page write failure")
	}
}

func TestLookup(t *testing.T) {
	p, _ := newTestPersistor(t)
	ctx := context.Background()

	if _, ok, err := p.Lookup(ctx, "J1"); err != nil || ok {
		t.Fatalf("Lookup before persist = (%v, %v), want (false, nil)", ok, err)
	}

	want, err := p.Persist(ctx, "J1", "policy/pdf/sample.pdf", threePageSequence())
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}

	got, ok, err := p.Lookup(ctx, "J1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !ok {
		t.Fatal("Lookup found = false after persist")
	}
	if got.JobID != want.JobID || got.PageCount != want.PageCount || got.CreatedUTC != want.CreatedUTC {
		t.Errorf("Lookup = %+v, want %+v", got, want)
	}
}

func TestPersistEmptySequence(t *testing.T) {
	p, store := newTestPersistor(t)
	ctx := context.Background()

	eng := &fakeEngine{script: []batchResp{{batch: engine.ResultBatch{}}}}
	seq := NewCollector(eng).Collect(ctx, "J0", constants.ModeTextOnly)

	m, err := p.Persist(ctx, "J0", "policy/pdf/empty.pdf", seq)
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if m.PageCount != 0 || len(m.Pages) != 0 {
		t.Errorf("empty job manifest = %+v, want zero pages", m)
	}
	ok, err := store.Exists(ctx, "policy/analysis/20250314/J0/index.json")
	if err != nil || !ok {
		t.Errorf("manifest missing for empty job: (%v, %v)", ok, err)
	}
}
