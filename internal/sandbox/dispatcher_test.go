package sandbox

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"safe-code-runner/internal/monitor"
	"safe-code-runner/internal/runtime"
)

// fakeLauncher runs steps through a test-supplied function and records
// what it saw.
type fakeLauncher struct {
	fn func(ctx context.Context, step Step) (*StepResult, error)

	running    atomic.Int64
	maxRunning atomic.Int64

	mu    sync.Mutex
	steps []Step
}

func (f *fakeLauncher) Name() string { return "fake" }

func (f *fakeLauncher) WorkDir(ws *Workspace) string { return ws.Root }

func (f *fakeLauncher) WorkspaceOwner() *Owner { return nil }

func (f *fakeLauncher) Close() error { return nil }

func (f *fakeLauncher) Launch(ctx context.Context, step Step) (*StepResult, error) {
	n := f.running.Add(1)
	defer f.running.Add(-1)
	for {
		cur := f.maxRunning.Load()
		if n <= cur || f.maxRunning.CompareAndSwap(cur, n) {
			break
		}
	}
	f.mu.Lock()
	f.steps = append(f.steps, step)
	f.mu.Unlock()
	if f.fn == nil {
		return &StepResult{Exited: true}, nil
	}
	return f.fn(ctx, step)
}

func (f *fakeLauncher) stages() []Stage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Stage
	for _, s := range f.steps {
		out = append(out, s.Stage)
	}
	return out
}

func exited(code int, stdout, stderr string) *StepResult {
	return &StepResult{Exited: true, ExitCode: code, Stdout: stdout, Stderr: stderr, Duration: time.Millisecond}
}

func newTestDispatcher(t *testing.T, cfg DispatcherConfig, l *fakeLauncher) *Dispatcher {
	t.Helper()
	reg, err := runtime.NewDefaultRegistry(nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = t.TempDir()
	}
	d, err := NewDispatcher(cfg, reg, l,
		WithMetrics(monitor.NewMetrics()),
		WithTracer(monitor.NewTracer()),
		WithDetector(monitor.NewDetector()),
	)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Close(ctx)
	})
	return d
}

func assertNoWorkspaces(t *testing.T, root string) {
	t.Helper()
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("workspaces left behind: %d", len(entries))
	}
}

func TestSubmitInterpretedSuccess(t *testing.T) {
	root := t.TempDir()
	l := &fakeLauncher{fn: func(_ context.Context, step Step) (*StepResult, error) {
		data, err := os.ReadFile(step.Args[len(step.Args)-1])
		if err != nil {
			return nil, err
		}
		if string(data) != "print('hi')" {
			t.Errorf("source = %q", data)
		}
		return exited(0, "hi\n", ""), nil
	}}
	d := newTestDispatcher(t, DispatcherConfig{WorkspaceRoot: root}, l)

	res, err := d.Submit(context.Background(), Submission{Code: "print('hi')", Language: "Python"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if res.Status != StatusCompleted || res.Stage != StageRun {
		t.Errorf("status = %s stage = %s", res.Status, res.Stage)
	}
	if res.ExitCode == nil || *res.ExitCode != 0 {
		t.Errorf("exit code = %v", res.ExitCode)
	}
	if res.Stdout != "hi\n" || res.Output() != "hi\n" {
		t.Errorf("stdout = %q", res.Stdout)
	}
	if res.Language != "python" || len(res.CodeHash) != 64 {
		t.Errorf("language = %s hash = %s", res.Language, res.CodeHash)
	}
	if got := l.stages(); len(got) != 1 || got[0] != StageRun {
		t.Errorf("stages = %v", got)
	}
	assertNoWorkspaces(t, root)
}

func TestSubmitCompileThenRun(t *testing.T) {
	l := &fakeLauncher{fn: func(_ context.Context, step Step) (*StepResult, error) {
		if step.Stage == StageCompile {
			if step.Seccomp != "relaxed" {
				t.Errorf("compile seccomp = %q", step.Seccomp)
			}
			return exited(0, "", ""), nil
		}
		return exited(0, "42\n", ""), nil
	}}
	d := newTestDispatcher(t, DispatcherConfig{}, l)

	res, err := d.Submit(context.Background(), Submission{Code: "int main(){}", Language: "cpp"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Stdout != "42\n" || res.Status != StatusCompleted {
		t.Errorf("result = %+v", res)
	}
	got := l.stages()
	if len(got) != 2 || got[0] != StageCompile || got[1] != StageRun {
		t.Errorf("stages = %v", got)
	}
}

func TestSubmitOutcomes(t *testing.T) {
	tests := []struct {
		name       string
		language   string
		code       string
		fn         func(Step) *StepResult
		wantErr    error
		wantStatus Status
		wantStage  Stage
		wantExit   *int
		check      func(*testing.T, *ExecutionResult)
	}{
		{
			name:     "compile failure",
			language: "cpp",
			code:     "int main( {",
			fn: func(s Step) *StepResult {
				return exited(1, "", "main.cpp:1: error: expected ')'")
			},
			wantErr:    ErrCompileFailure,
			wantStatus: StatusFailed,
			wantStage:  StageCompile,
			check: func(t *testing.T, r *ExecutionResult) {
				if !strings.Contains(r.Stderr, "expected ')'") {
					t.Errorf("stderr = %q", r.Stderr)
				}
			},
		},
		{
			name:     "compile diagnostics on stdout",
			language: "csharp",
			code:     "class X {",
			fn: func(s Step) *StepResult {
				return exited(1, "main.cs(1,10): error CS1513", "")
			},
			wantErr:    ErrCompileFailure,
			wantStatus: StatusFailed,
			wantStage:  StageCompile,
			check: func(t *testing.T, r *ExecutionResult) {
				if !strings.Contains(r.Stderr, "CS1513") {
					t.Errorf("stderr = %q", r.Stderr)
				}
			},
		},
		{
			name:     "compile timeout",
			language: "go",
			code:     "package main",
			fn: func(s Step) *StepResult {
				return &StepResult{TimedOut: true, ExitCode: -1}
			},
			wantErr:    ErrTimedOut,
			wantStatus: StatusTimedOut,
			wantStage:  StageCompile,
		},
		{
			name:     "runtime failure",
			language: "python",
			code:     "raise SystemExit(3)",
			fn: func(s Step) *StepResult {
				return exited(3, "", "")
			},
			wantErr:    ErrRuntimeFailure,
			wantStatus: StatusFailed,
			wantStage:  StageRun,
			wantExit:   intPtr(3),
		},
		{
			name:     "run timeout",
			language: "python",
			code:     "while True: pass",
			fn: func(s Step) *StepResult {
				return &StepResult{TimedOut: true, ExitCode: -1, Stdout: "partial"}
			},
			wantErr:    ErrTimedOut,
			wantStatus: StatusTimedOut,
			wantStage:  StageRun,
			check: func(t *testing.T, r *ExecutionResult) {
				if !r.TimedOut || r.Stdout != "partial" {
					t.Errorf("result = %+v", r)
				}
			},
		},
		{
			name:     "output truncated",
			language: "bash",
			code:     "yes",
			fn: func(s Step) *StepResult {
				return &StepResult{Truncated: true, ExitCode: -1, Stdout: strings.Repeat("y\n", 10)}
			},
			wantStatus: StatusCompleted,
			wantStage:  StageRun,
			check: func(t *testing.T, r *ExecutionResult) {
				if !r.Truncated {
					t.Error("Truncated = false")
				}
			},
		},
		{
			name:     "oom",
			language: "python",
			code:     "x = ' ' * 10**10",
			fn: func(s Step) *StepResult {
				return &StepResult{Exited: true, ExitCode: 137, OOMKilled: true}
			},
			wantErr:    ErrRuntimeFailure,
			wantStatus: StatusFailed,
			wantStage:  StageRun,
			wantExit:   intPtr(137),
			check: func(t *testing.T, r *ExecutionResult) {
				if !r.OOMKilled {
					t.Error("OOMKilled = false")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := &fakeLauncher{fn: func(_ context.Context, s Step) (*StepResult, error) {
				return tt.fn(s), nil
			}}
			d := newTestDispatcher(t, DispatcherConfig{}, l)

			res, err := d.Submit(context.Background(), Submission{Code: tt.code, Language: tt.language})
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Submit() error = %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Submit() error = %v, want %v", err, tt.wantErr)
			}
			if res == nil {
				t.Fatal("no result returned with outcome error")
			}
			if res.Status != tt.wantStatus || res.Stage != tt.wantStage {
				t.Errorf("status = %s stage = %s, want %s %s", res.Status, res.Stage, tt.wantStatus, tt.wantStage)
			}
			switch {
			case tt.wantExit == nil && res.ExitCode != nil:
				t.Errorf("exit code = %d, want none", *res.ExitCode)
			case tt.wantExit != nil && (res.ExitCode == nil || *res.ExitCode != *tt.wantExit):
				t.Errorf("exit code = %v, want %d", res.ExitCode, *tt.wantExit)
			}
			if tt.check != nil {
				tt.check(t, res)
			}
		})
	}
}

func intPtr(v int) *int { return &v }

func TestSubmitValidation(t *testing.T) {
	l := &fakeLauncher{}
	d := newTestDispatcher(t, DispatcherConfig{MaxCodeBytes: 100, MaxWallTime: 10 * time.Second, DefaultWallTime: 5 * time.Second}, l)

	tests := []struct {
		name string
		sub  Submission
		want error
	}{
		{"unknown language", Submission{Code: "x", Language: "cobol"}, ErrUnsupportedLanguage},
		{"empty code", Submission{Code: "", Language: "python"}, ErrInvalidSubmission},
		{"oversized code", Submission{Code: strings.Repeat("x", 101), Language: "python"}, ErrInvalidSubmission},
		{"invalid utf8", Submission{Code: "\xff\xfe", Language: "python"}, ErrInvalidSubmission},
		{"wall time too long", Submission{Code: "x", Language: "python", MaxWallTime: time.Minute}, ErrInvalidSubmission},
		{"negative wall time", Submission{Code: "x", Language: "python", MaxWallTime: -time.Second}, ErrInvalidSubmission},
		{"bad class name", Submission{Code: "class " + strings.Repeat("A", 70) + " {}", Language: "java"}, ErrInvalidSubmission},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := d.Submit(context.Background(), tt.sub)
			if !errors.Is(err, tt.want) {
				t.Fatalf("error = %v, want %v", err, tt.want)
			}
			if !IsValidation(err) {
				t.Error("IsValidation = false")
			}
			if res != nil {
				t.Error("result returned for invalid submission")
			}
		})
	}
	if len(l.stages()) != 0 {
		t.Error("invalid submissions reached the launcher")
	}
}

func TestSubmitInternalErrors(t *testing.T) {
	tests := []struct {
		name string
		fn   func(context.Context, Step) (*StepResult, error)
	}{
		{"toolchain missing", func(context.Context, Step) (*StepResult, error) {
			return nil, ErrToolchainMissing
		}},
		{"launcher failure", func(context.Context, Step) (*StepResult, error) {
			return nil, errors.New("fork: resource temporarily unavailable")
		}},
		{"panic", func(context.Context, Step) (*StepResult, error) {
			panic("boom")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			l := &fakeLauncher{fn: tt.fn}
			d := newTestDispatcher(t, DispatcherConfig{WorkspaceRoot: root}, l)

			res, err := d.Submit(context.Background(), Submission{Code: "print(1)", Language: "python"})
			if !IsInternal(err) {
				t.Fatalf("error = %v, want internal", err)
			}
			if IsExecutionOutcome(err) || IsValidation(err) {
				t.Errorf("internal error matches another kind: %v", err)
			}
			if res != nil {
				t.Error("result returned with internal error")
			}
			assertNoWorkspaces(t, root)

			// The worker survived and serves the next submission.
			l.fn = nil
			if _, err := d.Submit(context.Background(), Submission{Code: "print(1)", Language: "python"}); err != nil {
				t.Errorf("follow-up Submit() error = %v", err)
			}
		})
	}
}

func TestStepTimeoutBoundedByWallTime(t *testing.T) {
	var got time.Duration
	l := &fakeLauncher{fn: func(_ context.Context, s Step) (*StepResult, error) {
		got = s.Timeout
		return exited(0, "", ""), nil
	}}
	d := newTestDispatcher(t, DispatcherConfig{}, l)

	if _, err := d.Submit(context.Background(), Submission{Code: "print(1)", Language: "python", MaxWallTime: time.Second}); err != nil {
		t.Fatal(err)
	}
	if got <= 0 || got > time.Second {
		t.Errorf("step timeout = %s, want <= 1s", got)
	}
}

func TestConcurrencyBound(t *testing.T) {
	root := t.TempDir()
	l := &fakeLauncher{fn: func(context.Context, Step) (*StepResult, error) {
		time.Sleep(20 * time.Millisecond)
		return exited(0, "ok", ""), nil
	}}
	d := newTestDispatcher(t, DispatcherConfig{MaxConcurrent: 2, QueueDepth: 16, WorkspaceRoot: root}, l)

	var g errgroup.Group
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			_, err := d.Submit(context.Background(), Submission{Code: "print(1)", Language: "python"})
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if peak := l.maxRunning.Load(); peak > 2 {
		t.Errorf("max concurrent steps = %d, want <= 2", peak)
	}
	if s := d.Stats(); s.Completed != 10 || s.Active != 0 || s.Queued != 0 {
		t.Errorf("stats = %+v", s)
	}
	assertNoWorkspaces(t, root)
}

// blockingLauncher holds every step until release is closed.
func blockingLauncher() (*fakeLauncher, chan struct{}, chan struct{}) {
	started := make(chan struct{}, 16)
	release := make(chan struct{})
	l := &fakeLauncher{fn: func(ctx context.Context, _ Step) (*StepResult, error) {
		started <- struct{}{}
		select {
		case <-release:
			return exited(0, "", ""), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
	return l, started, release
}

func TestRejectPolicy(t *testing.T) {
	l, started, release := blockingLauncher()
	d := newTestDispatcher(t, DispatcherConfig{MaxConcurrent: 1, QueueDepth: 0, Policy: PolicyReject}, l)

	first := make(chan error, 1)
	go func() {
		_, err := d.Submit(context.Background(), Submission{Code: "print(1)", Language: "python"})
		first <- err
	}()
	<-started

	_, err := d.Submit(context.Background(), Submission{Code: "print(2)", Language: "python"})
	if !IsBusy(err) {
		t.Fatalf("error = %v, want busy", err)
	}

	close(release)
	if err := <-first; err != nil {
		t.Errorf("first submission error = %v", err)
	}
	if d.Stats().Rejected != 1 {
		t.Errorf("rejected = %d", d.Stats().Rejected)
	}
}

func TestQueueWaitTimeout(t *testing.T) {
	l, started, release := blockingLauncher()
	d := newTestDispatcher(t, DispatcherConfig{
		MaxConcurrent:    1,
		QueueDepth:       1,
		Policy:           PolicyQueue,
		QueueWaitTimeout: 50 * time.Millisecond,
	}, l)

	first := make(chan error, 1)
	go func() {
		_, err := d.Submit(context.Background(), Submission{Code: "print(1)", Language: "python"})
		first <- err
	}()
	<-started

	// Fits in the queue but sits there past the timeout.
	queued := make(chan error, 1)
	go func() {
		_, err := d.Submit(context.Background(), Submission{Code: "print(2)", Language: "python"})
		queued <- err
	}()
	waitFor(t, func() bool { return d.Stats().Queued == 1 })

	// No room at all: gives up after the wait timeout.
	start := time.Now()
	_, err := d.Submit(context.Background(), Submission{Code: "print(3)", Language: "python"})
	if !IsBusy(err) {
		t.Fatalf("third submission error = %v, want busy", err)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Error("third submission did not wait for room")
	}

	close(release)
	if err := <-first; err != nil {
		t.Errorf("first submission error = %v", err)
	}
	if err := <-queued; !IsBusy(err) {
		t.Errorf("stale queued submission error = %v, want busy", err)
	}
	if len(l.stages()) != 1 {
		t.Errorf("launched %d steps, want 1", len(l.stages()))
	}
}

func TestCancelRunning(t *testing.T) {
	root := t.TempDir()
	l, started, _ := blockingLauncher()
	d := newTestDispatcher(t, DispatcherConfig{WorkspaceRoot: root}, l)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := d.Submit(ctx, Submission{Code: "print(1)", Language: "python"})
		done <- err
	}()
	<-started
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Submit did not return after cancel")
	}
	assertNoWorkspaces(t, root)
}

func TestCancelQueued(t *testing.T) {
	l, started, release := blockingLauncher()
	d := newTestDispatcher(t, DispatcherConfig{MaxConcurrent: 1, QueueDepth: 4}, l)

	go func() {
		_, _ = d.Submit(context.Background(), Submission{Code: "print(1)", Language: "python"})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := d.Submit(ctx, Submission{Code: "print(2)", Language: "python"})
		done <- err
	}()
	waitFor(t, func() bool { return d.Stats().Queued == 1 })
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	close(release)
	waitFor(t, func() bool { return d.Stats().Queued == 0 && d.Stats().Active == 0 })
	if len(l.stages()) != 1 {
		t.Errorf("cancelled job was launched: %d steps", len(l.stages()))
	}
}

func TestSubmitAfterClose(t *testing.T) {
	d := newTestDispatcher(t, DispatcherConfig{}, &fakeLauncher{})
	if err := d.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Submit(context.Background(), Submission{Code: "print(1)", Language: "python"}); !IsInternal(err) {
		t.Errorf("error = %v, want internal", err)
	}
}

func TestStartSweepsStaleWorkspaces(t *testing.T) {
	root := t.TempDir()
	if _, err := AcquireWorkspace(root, "stale", nil); err != nil {
		t.Fatal(err)
	}
	newTestDispatcher(t, DispatcherConfig{WorkspaceRoot: root}, &fakeLauncher{})
	assertNoWorkspaces(t, root)
}

type probedLauncher struct {
	fakeLauncher
	healthy bool
}

func (p *probedLauncher) Healthy(context.Context) bool { return p.healthy }

func TestHealthy(t *testing.T) {
	reg, _ := runtime.NewDefaultRegistry(nil)
	for _, tt := range []struct {
		name     string
		launcher Launcher
		want     bool
	}{
		{"no probe", &fakeLauncher{}, true},
		{"probe up", &probedLauncher{healthy: true}, true},
		{"probe down", &probedLauncher{}, false},
	} {
		t.Run(tt.name, func(t *testing.T) {
			d, err := NewDispatcher(DispatcherConfig{WorkspaceRoot: t.TempDir()}, reg, tt.launcher)
			if err != nil {
				t.Fatal(err)
			}
			if got := d.Healthy(context.Background()); got != tt.want {
				t.Errorf("Healthy() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewDispatcherRejectsUnknownPolicy(t *testing.T) {
	reg, _ := runtime.NewDefaultRegistry(nil)
	if _, err := NewDispatcher(DispatcherConfig{Policy: "lifo"}, reg, &fakeLauncher{}); err == nil {
		t.Error("unknown policy accepted")
	}
}

func TestNewDispatcherRejectsUnusableLimits(t *testing.T) {
	tests := []struct {
		name     string
		override runtime.Override
	}{
		{"memory below floor", runtime.Override{MemoryBytes: 1 << 20}},
		{"pids above ceiling", runtime.Override{PidsLimit: 5000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, err := runtime.NewDefaultRegistry(map[string]runtime.Override{"python": tt.override})
			if err != nil {
				t.Fatal(err)
			}
			_, err = NewDispatcher(DispatcherConfig{WorkspaceRoot: t.TempDir()}, reg, &fakeLauncher{})
			if err == nil || !strings.Contains(err.Error(), "python") {
				t.Errorf("NewDispatcher() error = %v, want a python limits error", err)
			}
		})
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}
