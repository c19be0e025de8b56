package sandbox

import (
	"io"
	"time"
)

// Submission is one request to execute code.
type Submission struct {
	Code     string
	Language string
	// MaxWallTime bounds the whole execution, queue wait excluded. Zero
	// means the configured default.
	MaxWallTime time.Duration

	// Stdout and Stderr, when set, receive the run step's output as it is
	// produced, subject to the same cap as the captured result.
	Stdout io.Writer
	Stderr io.Writer
}

// Status is a pipeline state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusCompiling Status = "compiling"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimedOut
}

// Stage names the step a pipeline stopped in.
type Stage string

const (
	StageCompile Stage = "compile"
	StageRun     Stage = "run"
)

// ExecutionResult is the immutable outcome of one submission.
type ExecutionResult struct {
	ID       string `json:"id"`
	Language string `json:"language"`
	Status   Status `json:"status"`
	Stage    Stage  `json:"stage"`

	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
	// ExitCode is nil when the run step never produced one: compile
	// failures and steps killed on timeout or output overflow.
	ExitCode  *int `json:"exit_code"`
	TimedOut  bool `json:"timed_out"`
	Truncated bool `json:"truncated"`
	OOMKilled bool `json:"oom_killed"`

	Duration  time.Duration `json:"duration"`
	QueueWait time.Duration `json:"queue_wait"`
	CodeHash  string        `json:"code_hash"`
}

// Output returns stdout when the program printed anything, otherwise
// stderr. Older clients read this single field.
func (r *ExecutionResult) Output() string {
	if r.Stdout != "" {
		return r.Stdout
	}
	return r.Stderr
}
