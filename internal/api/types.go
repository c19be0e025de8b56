package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"safe-code-runner/internal/runtime"
	"safe-code-runner/internal/sandbox"
)

// RunRequest is the body of POST /run-code.
type RunRequest struct {
	Code     string   `json:"code"`
	Language string   `json:"language"`
	Timeout  Duration `json:"timeout,omitempty"`
}

// Duration wraps time.Duration for JSON. It marshals as a string like "10s"
// and accepts either that form or a bare number of seconds.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		d.Duration = 0
		return nil
	}
	if len(b) > 0 && b[0] != '"' {
		var secs float64
		if err := json.Unmarshal(b, &secs); err != nil {
			return fmt.Errorf("duration: %w", err)
		}
		d.Duration = time.Duration(secs * float64(time.Second))
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// RunResponse is the structured result of an execution. Output keeps the
// single field older clients read: stdout when non-empty, else stderr.
type RunResponse struct {
	ID             string          `json:"id"`
	Language       string          `json:"language"`
	Status         sandbox.Status  `json:"status"`
	Stage          sandbox.Stage   `json:"stage"`
	Output         string          `json:"output"`
	Stdout         string          `json:"stdout"`
	Stderr         string          `json:"stderr"`
	ExitCode       *int            `json:"exit_code"`
	TimedOut       bool            `json:"timed_out"`
	Truncated      bool            `json:"truncated"`
	OOMKilled      bool            `json:"oom_killed"`
	Duration       string          `json:"duration"`
	QueueWait      string          `json:"queue_wait,omitempty"`
	SecurityEvents []SecurityEvent `json:"security_events,omitempty"`
}

// SecurityEvent reports suspicious content found in a program's output.
type SecurityEvent struct {
	Type     string `json:"type"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
}

func newRunResponse(res *sandbox.ExecutionResult) RunResponse {
	resp := RunResponse{
		ID:        res.ID,
		Language:  res.Language,
		Status:    res.Status,
		Stage:     res.Stage,
		Output:    res.Output(),
		Stdout:    res.Stdout,
		Stderr:    res.Stderr,
		ExitCode:  res.ExitCode,
		TimedOut:  res.TimedOut,
		Truncated: res.Truncated,
		OOMKilled: res.OOMKilled,
		Duration:  res.Duration.Round(time.Millisecond).String(),
	}
	if res.QueueWait > 0 {
		resp.QueueWait = res.QueueWait.Round(time.Millisecond).String()
	}
	return resp
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status  string        `json:"status"`
	Backend string        `json:"backend"`
	Stats   sandbox.Stats `json:"stats"`
	Uptime  string        `json:"uptime"`
}

// LanguageInfo describes one supported language in GET /languages.
type LanguageInfo struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Extension      string    `json:"extension"`
	Compiled       bool      `json:"compiled"`
	CompileTimeout *Duration `json:"compile_timeout,omitempty"`
	RunTimeout     Duration  `json:"run_timeout"`
	MemoryMB       int64     `json:"memory_mb"`
	MaxOutputKB    int64     `json:"max_output_kb"`
}

func newLanguageInfo(p runtime.Profile) LanguageInfo {
	info := LanguageInfo{
		ID:          p.ID,
		Name:        p.Name,
		Extension:   p.FileExtension,
		Compiled:    p.HasCompileStep(),
		RunTimeout:  Duration{p.RunTimeout},
		MemoryMB:    p.MemoryLimitBytes >> 20,
		MaxOutputKB: p.MaxOutputBytes >> 10,
	}
	if info.Compiled {
		info.CompileTimeout = &Duration{p.CompileTimeout}
	}
	return info
}
