package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/policyreviewer/pipeline/internal/common"
)

const (
	textDetectionPath = "/v1/text-detections"
	analysisPath      = "/v1/analyses"
)

// Default structured analysis features requested when the caller names none.
var defaultFeatureTypes = []string{"FORMS", "TABLES"}

// HTTPEngine talks to the analysis engine's REST API.
type HTTPEngine struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPEngine builds a client from config. A zero timeout falls back to
// 30 seconds.
func NewHTTPEngine(cfg common.EngineConfig, logger *slog.Logger) *HTTPEngine {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPEngine{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type notificationSpec struct {
	Target        string `json:"Target"`
	PublishRoleID string `json:"PublishRoleId"`
}

type startRequest struct {
	DocumentKey  string            `json:"DocumentKey"`
	Notification *notificationSpec `json:"Notification,omitempty"`
	FeatureTypes []string          `json:"FeatureTypes,omitempty"`
}

type startResponse struct {
	JobID string `json:"JobId"`
}

type resultsResponse struct {
	Pages     []json.RawMessage `json:"Pages"`
	NextToken string            `json:"NextToken"`
}

func (e *HTTPEngine) StartTextDetection(ctx context.Context, in StartInput) (string, error) {
	return e.start(ctx, textDetectionPath, in, nil)
}

func (e *HTTPEngine) StartAnalysis(ctx context.Context, in StartInput) (string, error) {
	feats := in.FeatureTypes
	if len(feats) == 0 {
		feats = defaultFeatureTypes
	}
	return e.start(ctx, analysisPath, in, feats)
}

func (e *HTTPEngine) start(ctx context.Context, path string, in StartInput, features []string) (string, error) {
	req := startRequest{
		DocumentKey:  in.DocumentKey,
		FeatureTypes: features,
	}
	if in.NotificationTarget != "" {
		req.Notification = &notificationSpec{
			Target:        in.NotificationTarget,
			PublishRoleID: in.PublishRoleID,
		}
	}

	raw, _, err := e.do(ctx, http.MethodPost, e.baseURL+path, req)
	if err != nil {
		return "", &common.JobStartError{SourceKey: in.DocumentKey, Cause: err}
	}
	var resp startResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", &common.JobStartError{SourceKey: in.DocumentKey, Cause: fmt.Errorf("decode start response: %w", err)}
	}
	if resp.JobID == "" {
		return "", &common.JobStartError{SourceKey: in.DocumentKey, Cause: fmt.Errorf("start response missing JobId")}
	}
	return resp.JobID, nil
}

func (e *HTTPEngine) GetTextResults(ctx context.Context, jobID, cursor string) (ResultBatch, error) {
	return e.results(ctx, textDetectionPath, jobID, cursor)
}

func (e *HTTPEngine) GetAnalysisResults(ctx context.Context, jobID, cursor string) (ResultBatch, error) {
	return e.results(ctx, analysisPath, jobID, cursor)
}

func (e *HTTPEngine) results(ctx context.Context, path, jobID, cursor string) (ResultBatch, error) {
	u := e.baseURL + path + "/" + url.PathEscape(jobID)
	if cursor != "" {
		u += "?next=" + url.QueryEscape(cursor)
	}
	raw, _, err := e.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return ResultBatch{}, &common.RetrievalError{JobID: jobID, Cause: err}
	}
	var resp resultsResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return ResultBatch{}, &common.RetrievalError{JobID: jobID, Cause: fmt.Errorf("decode results response: %w", err)}
	}
	return ResultBatch{Pages: resp.Pages, NextCursor: resp.NextToken}, nil
}

// do sends one JSON request and returns the raw response body. Non-2xx
// statuses are errors.
func (e *HTTPEngine) do(ctx context.Context, method, u string, body any) ([]byte, int, error) {
	reqID := uuid.New().String()
	start := time.Now()

	var reader io.Reader
	var contentLength int
	if body != nil {
		bs, err := json.Marshal(body)
		if err != nil {
			e.logger.Error("engine.http.encode_error", "req_id", reqID, "error", err)
			return nil, 0, fmt.Errorf("encode json: %w", err)
		}
		reader = bytes.NewReader(bs)
		contentLength = len(bs)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		e.logger.Error("engine.http.build_request_error", "req_id", reqID, "error", err)
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}

	e.logger.Info("engine.http.request",
		"req_id", reqID,
		"method", method,
		"url", u,
		"content_length", contentLength,
	)

	resp, err := e.client.Do(req)
	if err != nil {
		e.logger.Error("engine.http.send_error", "req_id", reqID, "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return nil, 0, err
	}
	defer func(Body io.ReadCloser) {
		err := Body.Close()
		if err != nil {
			e.logger.Warn("engine.http.response_body_close_error", "req_id", reqID, "error", err)
		}
	}(resp.Body)

	raw, _ := io.ReadAll(resp.Body)

	e.logger.Info("engine.http.response",
		"req_id", reqID,
		"status", resp.StatusCode,
		"bytes", len(raw),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode/100 != 2 {
		return raw, resp.StatusCode, fmt.Errorf("non-2xx status: %d", resp.StatusCode)
	}
	return raw, resp.StatusCode, nil
}
