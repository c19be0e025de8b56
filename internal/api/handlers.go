package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"safe-code-runner/internal/monitor"
	"safe-code-runner/internal/runtime"
	"safe-code-runner/internal/sandbox"
)

// Executor runs submissions. *sandbox.Dispatcher implements it.
type Executor interface {
	Submit(ctx context.Context, sub sandbox.Submission) (*sandbox.ExecutionResult, error)
	Stats() sandbox.Stats
	Profiles() []runtime.Profile
}

// retryAfterSeconds is sent with 503 responses when capacity is exhausted.
const retryAfterSeconds = 2

type Handlers struct {
	exec     Executor
	metrics  *monitor.Metrics
	detector *monitor.Detector
}

func NewHandlers(exec Executor, metrics *monitor.Metrics, detector *monitor.Detector) *Handlers {
	return &Handlers{
		exec:     exec,
		metrics:  metrics,
		detector: detector,
	}
}

// HandleRun executes a submission and answers with the structured result.
// Compile failures, runtime failures and timeouts are 200 responses.
func (h *Handlers) HandleRun(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRunRequest(w, r)
	if !ok {
		return
	}

	res, err := h.exec.Submit(r.Context(), sandbox.Submission{
		Code:        req.Code,
		Language:    req.Language,
		MaxWallTime: req.Timeout.Duration,
	})
	if err != nil && !sandbox.IsExecutionOutcome(err) {
		writeSubmitError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, h.response(res))
}

// HandleRunStream executes a submission and streams the run step's output
// as Server-Sent Events: "stdout" and "stderr" while it runs, then a single
// "done" carrying the result or "error".
func (h *Handlers) HandleRunStream(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRunRequest(w, r)
	if !ok {
		return
	}

	stream := newSSEStream(w)
	if stream == nil {
		writeError(w, "streaming not supported", "STREAMING_UNSUPPORTED", http.StatusInternalServerError, r)
		return
	}

	res, err := h.exec.Submit(r.Context(), sandbox.Submission{
		Code:        req.Code,
		Language:    req.Language,
		MaxWallTime: req.Timeout.Duration,
		Stdout:      stream.Writer("stdout"),
		Stderr:      stream.Writer("stderr"),
	})
	if err != nil && !sandbox.IsExecutionOutcome(err) {
		if !stream.Started() {
			writeSubmitError(w, r, err)
			return
		}
		msg, code, _ := classifyError(err)
		_ = stream.SendJSON("error", ErrorResponse{Error: msg, Code: code, RequestID: RequestIDFromContext(r.Context())})
		return
	}

	if err := stream.SendJSON("done", h.response(res)); err != nil {
		log.Debug().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("client went away before done event")
	}
}

// HandleLanguages lists the supported languages and their limits.
func (h *Handlers) HandleLanguages(w http.ResponseWriter, r *http.Request) {
	profiles := h.exec.Profiles()
	out := make([]LanguageInfo, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, newLanguageInfo(p))
	}
	writeJSON(w, http.StatusOK, out)
}

// response builds the API view of res and attaches findings from scanning
// its output.
func (h *Handlers) response(res *sandbox.ExecutionResult) RunResponse {
	resp := newRunResponse(res)
	for _, d := range h.detector.ScanOutput(res.Stdout + res.Stderr) {
		h.metrics.RecordSecurityEvent(d.Pattern)
		resp.SecurityEvents = append(resp.SecurityEvents, SecurityEvent{
			Type:     d.Pattern,
			Severity: d.Severity,
			Detail:   d.Detail,
		})
	}
	return resp
}

func decodeRunRequest(w http.ResponseWriter, r *http.Request) (RunRequest, bool) {
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, "request body too large", "REQUEST_TOO_LARGE", http.StatusRequestEntityTooLarge, r)
			return req, false
		}
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return req, false
	}

	if strings.TrimSpace(req.Language) == "" {
		writeError(w, "language is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return req, false
	}
	if req.Code == "" {
		writeError(w, "code is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return req, false
	}
	if req.Timeout.Duration < 0 {
		writeError(w, "timeout must not be negative", "INVALID_REQUEST", http.StatusBadRequest, r)
		return req, false
	}
	return req, true
}

// classifyError maps a Submit error to what the client sees. Internal
// failures keep their detail in the server log only.
func classifyError(err error) (msg, code string, status int) {
	switch {
	case errors.Is(err, sandbox.ErrUnsupportedLanguage):
		return clientMessage(err), "UNSUPPORTED_LANGUAGE", http.StatusBadRequest
	case errors.Is(err, sandbox.ErrInvalidSubmission):
		return clientMessage(err), "INVALID_REQUEST", http.StatusBadRequest
	case sandbox.IsBusy(err):
		return "execution capacity exhausted, retry later", "SERVER_BUSY", http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "request canceled", "CANCELED", http.StatusServiceUnavailable
	default:
		return "internal error", "INTERNAL", http.StatusInternalServerError
	}
}

func writeSubmitError(w http.ResponseWriter, r *http.Request, err error) {
	msg, code, status := classifyError(err)
	switch code {
	case "INTERNAL":
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("execution failed")
	case "CANCELED":
		// The client is gone; nobody reads this response.
		log.Debug().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("execution canceled")
	case "SERVER_BUSY":
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	writeError(w, msg, code, status, r)
}

// clientMessage strips the execution id and operation from err.
func clientMessage(err error) string {
	var ee *sandbox.ExecutionError
	if errors.As(err, &ee) {
		return ee.Err.Error()
	}
	return err.Error()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
