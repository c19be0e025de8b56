package sandbox

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrToolchainMissing is returned by a Launcher when the step's program
// does not exist in the sandbox.
var ErrToolchainMissing = errors.New("toolchain unavailable")

var (
	errStepTimeout = errors.New("step exceeded its time limit")
	errOutputLimit = errors.New("step exceeded its output limit")
)

// ProcessOptions configures the host process launcher.
type ProcessOptions struct {
	// HelperPath is the sandbox-init binary. Without it steps are started
	// directly and rlimits are applied right after start.
	HelperPath string
	// Namespaces puts each step in fresh mount, network, pid, ipc and uts
	// namespaces, plus a user namespace when the service is not root.
	Namespaces bool
	// UID and GID are what steps run as when the service is root; -1
	// keeps the service's credentials.
	UID int
	GID int
	// CgroupRoot is a delegated cgroup v2 directory. Empty disables cgroups.
	CgroupRoot string
	// Seccomp installs the step's seccomp profile. Requires HelperPath.
	Seccomp bool
	// Path is the PATH steps see.
	Path string
	// TmpfsDirs are hidden behind private tmpfs mounts when namespaces are on.
	TmpfsDirs []string
	TmpfsSize int64
	// WaitDelay bounds how long output pipes are drained after the step's
	// main process exits or is killed.
	WaitDelay time.Duration
	// MaxConcurrent scales RLIMIT_NPROC, which the kernel counts per uid.
	MaxConcurrent int
}

// Step is one constrained process launch: a compile or a run.
type Step struct {
	Stage     Stage
	Args      []string
	Env       []string
	Workspace *Workspace
	// Dir is the working directory as the step sees it.
	Dir string

	Timeout   time.Duration
	Limits    ResourceLimits
	MaxOutput int64
	// Seccomp names a pkg/seccomp profile.
	Seccomp string
	// Image is used by container launchers only.
	Image string

	// Optional live sinks, fed from the same capped buffers as the result.
	Stdout io.Writer
	Stderr io.Writer
}

// StepResult is what a Launcher observed. Killed steps have no exit code.
type StepResult struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Exited    bool
	TimedOut  bool
	Truncated bool
	OOMKilled bool

	Duration        time.Duration
	CPUTime         time.Duration
	MemoryPeakBytes int64
}

// Launcher starts steps inside an isolation boundary. Implementations must
// kill every process a step created before Launch returns.
//
// Launch returns an error only when the step could not be carried out;
// non-zero exits, timeouts and output overflow are reported in StepResult.
type Launcher interface {
	Name() string
	// WorkDir maps a workspace to the path steps see it at.
	WorkDir(ws *Workspace) string
	// WorkspaceOwner is the uid/gid steps run as, or nil for the service user.
	WorkspaceOwner() *Owner
	Launch(ctx context.Context, step Step) (*StepResult, error)
	Close() error
}

// stepContext derives the context a step runs under. The returned cancel
// func records why a step was stopped early; context.Cause tells a timeout
// apart from an output overflow or a caller going away.
func stepContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelCauseFunc, context.CancelFunc) {
	ctx, cancelCause := context.WithCancelCause(ctx)
	ctx, cancelTimeout := context.WithTimeoutCause(ctx, timeout, errStepTimeout)
	return ctx, cancelCause, cancelTimeout
}

// classify folds the step context's fate into res. It returns the caller's
// error when the parent context ended first.
func classify(parent, stepCtx context.Context, res *StepResult) error {
	cause := context.Cause(stepCtx)
	switch {
	case cause == nil:
	case errors.Is(cause, errStepTimeout):
		res.TimedOut = true
	case errors.Is(cause, errOutputLimit):
		res.Truncated = true
	case parent.Err() != nil:
		return parent.Err()
	}
	if res.TimedOut || res.Truncated {
		// A step we killed has no meaningful exit status.
		res.Exited = false
		res.ExitCode = -1
	}
	return nil
}
