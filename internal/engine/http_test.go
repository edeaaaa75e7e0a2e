package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/policyreviewer/pipeline/internal/common"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(baseURL string) *HTTPEngine {
	return NewHTTPEngine(common.EngineConfig{
		BaseURL: baseURL,
		Token:   "test-token",
		Timeout: 5 * time.Second,
	}, quietLogger())
}

func TestHTTPEngineStartTextDetection(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody startRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write([]byte(`{"JobId":"job-123"}`)); err != nil {
			t.Errorf("write response: %v", err)
		}
	}))
	defer srv.Close()

	e := newTestEngine(srv.URL)
	jobID, err := e.StartTextDetection(context.Background(), StartInput{
		DocumentKey:        "policy/pdf/sample.pdf",
		NotificationTarget: "https://callbacks.local/v1/completions",
		PublishRoleID:      "publisher",
	})
	if err != nil {
		t.Fatalf("StartTextDetection: %v", err)
	}
	if jobID != "job-123" {
		t.Errorf("jobID = %q, want %q", jobID, "job-123")
	}
	if gotPath != "/v1/text-detections" {
		t.Errorf("path = %q, want /v1/text-detections", gotPath)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("auth = %q, want bearer token", gotAuth)
	}
	if gotBody.DocumentKey != "policy/pdf/sample.pdf" {
		t.Errorf("DocumentKey = %q", gotBody.DocumentKey)
	}
	if gotBody.Notification == nil || gotBody.Notification.Target != "https://callbacks.local/v1/completions" {
		t.Errorf("Notification = %+v, want callback target", gotBody.Notification)
	}
	if len(gotBody.FeatureTypes) != 0 {
		t.Errorf("FeatureTypes = %v, want none for text detection", gotBody.FeatureTypes)
	}
}

func TestHTTPEngineStartAnalysisDefaultsFeatures(t *testing.T) {
	var gotBody startRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/analyses" {
			t.Errorf("path = %q, want /v1/analyses", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if _, err := w.Write([]byte(`{"JobId":"job-a"}`)); err != nil {
			t.Errorf("write response: %v", err)
		}
	}))
	defer srv.Close()

	e := newTestEngine(srv.URL)
	if _, err := e.StartAnalysis(context.Background(), StartInput{DocumentKey: "policy/pdf/s.pdf"}); err != nil {
		t.Fatalf("StartAnalysis: %v", err)
	}
	if len(gotBody.FeatureTypes) != 2 || gotBody.FeatureTypes[0] != "FORMS" || gotBody.FeatureTypes[1] != "TABLES" {
		t.Errorf("FeatureTypes = %v, want [FORMS TABLES]", gotBody.FeatureTypes)
	}
}

func TestHTTPEngineStartRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"unsupported document"}`, http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	e := newTestEngine(srv.URL)
	_, err := e.StartTextDetection(context.Background(), StartInput{DocumentKey: "policy/pdf/bad.pdf"})
	if !errors.Is(err, common.ErrJobStart) {
		t.Errorf("err = %v, want ErrJobStart", err)
	}
	var jerr *common.JobStartError
	if !errors.As(err, &jerr) {
		t.Fatalf("err = %T, want *common.JobStartError", err)
	}
	if jerr.SourceKey != "policy/pdf/bad.pdf" {
		t.Errorf("SourceKey = %q", jerr.SourceKey)
	}
}

func TestHTTPEngineResultsPagination(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/text-detections/job-9" {
			t.Errorf("path = %q, want /v1/text-detections/job-9", r.URL.Path)
		}
		switch r.URL.Query().Get("next") {
		case "":
			if _, err := w.Write([]byte(`{"Pages":[{"Blocks":[]},{"Blocks":[]}],"NextToken":"t1"}`)); err != nil {
				t.Errorf("write response: %v", err)
			}
		case "t1":
			if _, err := w.Write([]byte(`{"Pages":[{"Blocks":[]}]}`)); err != nil {
				t.Errorf("write response: %v", err)
			}
		default:
			t.Errorf("unexpected cursor %q", r.URL.Query().Get("next"))
		}
	}))
	defer srv.Close()

	e := newTestEngine(srv.URL)
	ctx := context.Background()

	first, err := e.GetTextResults(ctx, "job-9", "")
	if err != nil {
		t.Fatalf("GetTextResults first: %v", err)
	}
	if len(first.Pages) != 2 || first.NextCursor != "t1" {
		t.Errorf("first batch = %d pages cursor %q, want 2 pages cursor t1", len(first.Pages), first.NextCursor)
	}

	second, err := e.GetTextResults(ctx, "job-9", first.NextCursor)
	if err != nil {
		t.Fatalf("GetTextResults second: %v", err)
	}
	if len(second.Pages) != 1 || second.NextCursor != "" {
		t.Errorf("second batch = %d pages cursor %q, want 1 page empty cursor", len(second.Pages), second.NextCursor)
	}
}

func TestHTTPEngineResultsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := newTestEngine(srv.URL)
	_, err := e.GetTextResults(context.Background(), "job-x", "")
	if !errors.Is(err, common.ErrResultRetrieval) {
		t.Errorf("err = %v, want ErrResultRetrieval", err)
	}
	var rerr *common.RetrievalError
	if !errors.As(err, &rerr) {
		t.Fatalf("err = %T, want *common.RetrievalError", err)
	}
	if rerr.JobID != "job-x" {
		t.Errorf("JobID = %q", rerr.JobID)
	}
}
