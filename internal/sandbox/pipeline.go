package sandbox

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"safe-code-runner/internal/monitor"
	"safe-code-runner/internal/runtime"
	"safe-code-runner/pkg/seccomp"
)

// transitions lists the states each state may move to. Terminal states
// have no entry.
var transitions = map[Status][]Status{
	StatusQueued:    {StatusCompiling, StatusRunning, StatusFailed, StatusTimedOut},
	StatusCompiling: {StatusRunning, StatusFailed, StatusTimedOut},
	StatusRunning:   {StatusCompleted, StatusFailed, StatusTimedOut},
}

// pipeline drives one submission through compile and run inside a
// workspace it does not own.
type pipeline struct {
	execID   string
	sub      Submission
	profile  runtime.Profile
	launcher Launcher
	ws       *Workspace
	deadline time.Time

	logger  zerolog.Logger
	metrics *monitor.Metrics
	tracer  *monitor.Tracer

	res *ExecutionResult
}

func (p *pipeline) advance(to Status) error {
	if !slices.Contains(transitions[p.res.Status], to) {
		return fmt.Errorf("illegal transition %s -> %s", p.res.Status, to)
	}
	p.res.Status = to
	return nil
}

// run executes the submission. The result is returned together with the
// outcome error for compile failures, runtime failures and timeouts.
func (p *pipeline) run(ctx context.Context) (*ExecutionResult, error) {
	dir := p.launcher.WorkDir(p.ws)
	paths, err := p.ws.WriteSource(p.profile, p.sub.Code, dir)
	if err != nil {
		if errors.Is(err, ErrInvalidSubmission) {
			return nil, &ExecutionError{ExecID: p.execID, Op: "write_source", Err: err}
		}
		return nil, internalError(p.execID, "write_source", err)
	}

	if p.profile.HasCompileStep() {
		if err := p.advance(StatusCompiling); err != nil {
			return nil, internalError(p.execID, "compile", err)
		}
		done, err := p.compile(ctx, paths)
		if done || err != nil {
			return p.finish(err)
		}
	}

	if err := p.advance(StatusRunning); err != nil {
		return nil, internalError(p.execID, "run", err)
	}
	return p.finish(p.execute(ctx, paths))
}

// compile runs the compile step. done reports that the pipeline must stop.
func (p *pipeline) compile(ctx context.Context, paths runtime.Paths) (done bool, err error) {
	p.res.Stage = StageCompile
	args, err := p.profile.CompileArgs(paths)
	if err != nil {
		return true, internalError(p.execID, "compile", err)
	}

	// Compilers fork helpers and map large arenas; they run under the
	// permissive filter and never under RLIMIT_AS.
	step, ok := p.step(StageCompile, args, paths, p.profile.CompileTimeout, seccomp.Relaxed)
	if !ok {
		return true, p.timedOut(StageCompile)
	}
	step.Limits.AddressSpace = false

	sr, err := p.launch(ctx, step)
	if err != nil {
		return true, err
	}
	if sr.TimedOut {
		return true, p.timedOut(StageCompile)
	}
	if sr.Exited && sr.ExitCode == 0 && !sr.Truncated && !sr.OOMKilled {
		return false, nil
	}

	if err := p.advance(StatusFailed); err != nil {
		return true, internalError(p.execID, "compile", err)
	}
	diag := sr.Stderr
	if diag == "" {
		diag = sr.Stdout
	}
	p.res.Stderr = diag
	p.res.Truncated = sr.Truncated
	p.res.OOMKilled = sr.OOMKilled
	return true, &ExecutionError{ExecID: p.execID, Op: "compile", Err: ErrCompileFailure}
}

func (p *pipeline) execute(ctx context.Context, paths runtime.Paths) error {
	p.res.Stage = StageRun
	args, err := p.profile.RunArgs(paths)
	if err != nil {
		return internalError(p.execID, "run", err)
	}

	step, ok := p.step(StageRun, args, paths, p.profile.RunTimeout, p.profile.Seccomp)
	if !ok {
		return p.timedOut(StageRun)
	}
	step.Stdout = p.sub.Stdout
	step.Stderr = p.sub.Stderr

	sr, err := p.launch(ctx, step)
	if err != nil {
		return err
	}
	p.res.Stdout = sr.Stdout
	p.res.Stderr = sr.Stderr
	p.res.OOMKilled = sr.OOMKilled
	p.metrics.RecordOutputSize(len(sr.Stdout) + len(sr.Stderr))

	switch {
	case sr.TimedOut:
		return p.timedOut(StageRun)
	case sr.Truncated:
		// The program was stopped for talking too much, not for failing.
		p.res.Truncated = true
		return p.advance(StatusCompleted)
	case sr.Exited && sr.ExitCode == 0 && !sr.OOMKilled:
		code := 0
		p.res.ExitCode = &code
		return p.advance(StatusCompleted)
	}

	if err := p.advance(StatusFailed); err != nil {
		return internalError(p.execID, "run", err)
	}
	code := sr.ExitCode
	p.res.ExitCode = &code
	if sr.OOMKilled {
		return &ExecutionError{ExecID: p.execID, Op: "run", Err: fmt.Errorf("%w: memory limit exceeded", ErrRuntimeFailure)}
	}
	return &ExecutionError{ExecID: p.execID, Op: "run", Err: fmt.Errorf("%w: exit code %d", ErrRuntimeFailure, code)}
}

// step builds a step bounded by both its own timeout and what is left of
// the submission's wall time. ok is false when no time is left.
func (p *pipeline) step(stage Stage, args []string, paths runtime.Paths, timeout time.Duration, filter string) (Step, bool) {
	if remaining := time.Until(p.deadline); remaining < timeout {
		timeout = remaining
	}
	if timeout <= 0 {
		return Step{}, false
	}
	return Step{
		Stage:     stage,
		Args:      args,
		Env:       p.profile.Environment(paths),
		Workspace: p.ws,
		Dir:       paths.Dir,
		Timeout:   timeout,
		Limits:    limitsFor(p.profile, timeout),
		MaxOutput: p.profile.MaxOutputBytes,
		Seccomp:   filter,
		Image:     p.profile.Image,
	}, true
}

func (p *pipeline) launch(ctx context.Context, step Step) (*StepResult, error) {
	op := string(step.Stage)
	ctx, span := p.tracer.StartSpan(ctx, op, monitor.AttrExecID.String(p.execID), monitor.AttrStage.String(op))

	p.logger.Debug().Str("stage", op).Strs("args", step.Args).Dur("timeout", step.Timeout).Msg("step starting")
	sr, err := p.launcher.Launch(ctx, step)
	if err != nil {
		monitor.EndSpan(span, err)
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil, &ExecutionError{ExecID: p.execID, Op: op, Err: err}
		case errors.Is(err, ErrToolchainMissing):
			p.logger.Error().Err(err).Str("stage", op).Msg("toolchain missing")
			return nil, internalError(p.execID, op, ErrToolchainMissing)
		}
		return nil, internalError(p.execID, op, err)
	}
	monitor.EndSpan(span, nil, monitor.AttrExitCode.Int(sr.ExitCode))

	p.metrics.RecordStep(p.profile.ID, op, sr.Duration, sr.TimedOut, sr.Truncated, sr.OOMKilled)
	p.logger.Debug().
		Str("stage", op).
		Int("exit_code", sr.ExitCode).
		Bool("timed_out", sr.TimedOut).
		Bool("truncated", sr.Truncated).
		Bool("oom_killed", sr.OOMKilled).
		Dur("duration", sr.Duration).
		Dur("cpu_time", sr.CPUTime).
		Int64("memory_peak", sr.MemoryPeakBytes).
		Msg("step finished")
	return sr, nil
}

func (p *pipeline) timedOut(stage Stage) error {
	if err := p.advance(StatusTimedOut); err != nil {
		return internalError(p.execID, string(stage), err)
	}
	p.res.Stage = stage
	p.res.TimedOut = true
	p.res.ExitCode = nil
	return &ExecutionError{ExecID: p.execID, Op: string(stage), Err: ErrTimedOut}
}

// finish hands out the result when the pipeline reached a terminal state.
// Errors raised before that carry no result.
func (p *pipeline) finish(err error) (*ExecutionResult, error) {
	if !p.res.Status.Terminal() {
		return nil, err
	}
	return p.res, err
}
