package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/policyreviewer/pipeline/internal/common"
	"github.com/policyreviewer/pipeline/internal/pipeline"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body when
// the callback channel is configured with a shared secret.
const SignatureHeader = "X-Hub-Signature-256"

// maxNotificationSize caps completion notification bodies. Real
// notifications are a few hundred bytes.
const maxNotificationSize = 1 << 20

// CompletionHandler accepts engine completion callbacks and feeds them
// through the pipeline. Responses signal the engine's delivery layer:
// 2xx acknowledges, 5xx asks for redelivery.
type CompletionHandler struct {
	pipe   *pipeline.Pipeline
	secret []byte
	logger *slog.Logger
}

// NewCompletionHandler wires the callback route. An empty secret
// disables signature verification.
func NewCompletionHandler(pipe *pipeline.Pipeline, secret []byte, logger *slog.Logger) *CompletionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CompletionHandler{pipe: pipe, secret: secret, logger: logger}
}

type completionResponse struct {
	JobID            string `json:"job_id,omitempty"`
	Status           string `json:"status,omitempty"`
	PageCount        int    `json:"page_count,omitempty"`
	AlreadyPersisted bool   `json:"already_persisted,omitempty"`
	NoOp             bool   `json:"no_op,omitempty"`
	Error            string `json:"error,omitempty"`
}

func (h *CompletionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "", http.StatusMethodNotAllowed)
		return
	}

	// The raw bytes feed both signature verification and parsing.
	body, err := io.ReadAll(io.LimitReader(r.Body, maxNotificationSize))
	if err != nil {
		h.logger.Error("server.completion.read_failed", "error", err)
		http.Error(w, "", http.StatusInternalServerError)
		return
	}
	if len(body) == 0 {
		writeJSON(w, http.StatusBadRequest, completionResponse{Error: "empty notification body"})
		return
	}

	if len(h.secret) > 0 {
		if err := VerifyHMAC(h.secret, body, r.Header.Get(SignatureHeader)); err != nil {
			h.logger.Warn("server.completion.signature_rejected",
				"error", err,
				"remote_addr", r.RemoteAddr,
			)
			http.Error(w, "", http.StatusUnauthorized)
			return
		}
	}

	ctx := common.WithRequestID(r.Context(), uuid.NewString())
	res, err := h.pipe.HandleCompletion(ctx, body)
	switch {
	case errors.Is(err, common.ErrMalformedNotification):
		// Redelivery cannot fix a malformed body.
		writeJSON(w, http.StatusBadRequest, completionResponse{Error: "malformed notification"})
	case err != nil:
		// Retrieval and persistence failures are retryable; the engine
		// redelivers and the pipeline picks up where the manifest
		// commit point left things.
		h.logger.Error("server.completion.failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, completionResponse{Error: "completion handling failed"})
	default:
		resp := completionResponse{
			JobID:            res.JobID,
			Status:           string(res.Status),
			AlreadyPersisted: res.AlreadyPersisted,
			NoOp:             res.NoOp,
		}
		if res.Manifest != nil {
			resp.PageCount = res.Manifest.PageCount
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// HealthHandler reports listener liveness, probing the ledger when one
// is configured.
type HealthHandler struct {
	check  func(ctx context.Context) error
	logger *slog.Logger
}

// NewHealthHandler builds the health route. A nil check reports plain
// liveness.
func NewHealthHandler(check func(ctx context.Context) error, logger *slog.Logger) *HealthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthHandler{check: check, logger: logger}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "", http.StatusMethodNotAllowed)
		return
	}
	if h.check != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.check(ctx); err != nil {
			h.logger.Warn("server.health.degraded", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// NewMux routes the callback listener surface.
func NewMux(completions, health http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/v1/completions", completions)
	mux.Handle("/healthz", health)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
