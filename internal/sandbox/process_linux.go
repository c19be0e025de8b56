//go:build linux

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"safe-code-runner/internal/initproto"
	"safe-code-runner/pkg/seccomp"
)

const defaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// processLauncher runs steps as host processes, each in its own process
// group and optionally its own namespaces and cgroup.
type processLauncher struct {
	opts ProcessOptions
	// dropCreds is set when the service is root and a target uid is configured.
	dropCreds bool
}

// NewProcessLauncher validates opts against the host and returns a launcher.
func NewProcessLauncher(opts ProcessOptions) (Launcher, error) {
	if opts.Path == "" {
		opts.Path = defaultPath
	}
	if opts.WaitDelay <= 0 {
		opts.WaitDelay = 500 * time.Millisecond
	}
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	if opts.Seccomp && opts.HelperPath == "" {
		return nil, errors.New("seccomp requires the sandbox-init helper")
	}
	if opts.HelperPath != "" {
		info, err := os.Stat(opts.HelperPath)
		if err != nil {
			return nil, fmt.Errorf("sandbox-init helper: %w", err)
		}
		if info.IsDir() || info.Mode()&0o111 == 0 {
			return nil, fmt.Errorf("sandbox-init helper %s is not executable", opts.HelperPath)
		}
	}
	if opts.CgroupRoot != "" {
		if err := prepareCgroupRoot(opts.CgroupRoot); err != nil {
			return nil, err
		}
	}

	l := &processLauncher{
		opts:      opts,
		dropCreds: os.Geteuid() == 0 && opts.UID >= 0 && opts.GID >= 0,
	}

	logger := log.With().
		Bool("helper", opts.HelperPath != "").
		Bool("namespaces", opts.Namespaces).
		Bool("cgroups", opts.CgroupRoot != "").
		Bool("seccomp", opts.Seccomp).
		Bool("drop_credentials", l.dropCreds).
		Logger()
	if !opts.Namespaces || opts.HelperPath == "" {
		logger.Warn().Msg("process launcher running with reduced isolation")
	} else {
		logger.Info().Msg("process launcher ready")
	}
	return l, nil
}

func (l *processLauncher) Name() string { return "process" }

func (l *processLauncher) WorkDir(ws *Workspace) string { return ws.Root }

func (l *processLauncher) WorkspaceOwner() *Owner {
	if !l.dropCreds {
		return nil
	}
	return &Owner{UID: l.opts.UID, GID: l.opts.GID}
}

func (l *processLauncher) Close() error { return nil }

func (l *processLauncher) Launch(ctx context.Context, step Step) (*StepResult, error) {
	if len(step.Args) == 0 {
		return nil, errors.New("empty command")
	}

	stepCtx, cancelCause, cancelTimeout := stepContext(ctx, step.Timeout)
	defer cancelTimeout()
	defer cancelCause(nil)

	overflow := func() { cancelCause(errOutputLimit) }
	stdout := newCappedBuffer(step.MaxOutput, step.Stdout, overflow)
	stderr := newCappedBuffer(step.MaxOutput, step.Stderr, overflow)
	defer stdout.closeLive(liveDrainWait)
	defer stderr.closeLive(liveDrainWait)

	var cg *cgroup
	if l.opts.CgroupRoot != "" {
		var err error
		cg, err = createCgroup(l.opts.CgroupRoot, string(step.Stage), step.Limits)
		if err != nil {
			return nil, err
		}
		defer cg.remove()
	}

	env := l.environment(step)
	var cmd *exec.Cmd
	var req *initproto.Request
	if l.opts.HelperPath != "" {
		cmd = exec.CommandContext(stepCtx, l.opts.HelperPath)
		var err error
		if req, err = l.initRequest(step, env, cg); err != nil {
			return nil, err
		}
	} else {
		path, err := exec.LookPath(step.Args[0])
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrToolchainMissing, step.Args[0])
		}
		cmd = exec.CommandContext(stepCtx, path, step.Args[1:]...)
		cmd.Args[0] = step.Args[0]
	}
	cmd.Dir = step.Dir
	cmd.Env = env
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = l.sysProcAttr(cg)
	var leaderGone atomic.Bool
	cmd.Cancel = func() error {
		if leaderGone.Load() {
			cg.kill()
			return nil
		}
		killTree(cmd.Process, cg)
		return nil
	}
	cmd.WaitDelay = l.opts.WaitDelay

	var reqW, statusR *os.File
	if req != nil {
		reqR, w, err := os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("request pipe: %w", err)
		}
		r, statusW, err := os.Pipe()
		if err != nil {
			_ = reqR.Close()
			_ = w.Close()
			return nil, fmt.Errorf("status pipe: %w", err)
		}
		reqW, statusR = w, r
		defer reqW.Close()
		defer statusR.Close()
		cmd.ExtraFiles = []*os.File{reqR, statusW}
		defer reqR.Close()
		defer statusW.Close()
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, exec.ErrNotFound) {
			if req == nil {
				return nil, fmt.Errorf("%w: %s", ErrToolchainMissing, step.Args[0])
			}
		}
		return nil, fmt.Errorf("start %s step: %w", step.Stage, err)
	}

	if req != nil {
		// Close our copies so EOF on the status pipe means the helper is gone.
		_ = cmd.ExtraFiles[0].Close()
		_ = cmd.ExtraFiles[1].Close()
		werr := initproto.WriteRequest(reqW, req)
		_ = reqW.Close()
		if serr := initproto.ReadStatus(statusR); werr != nil || serr != nil {
			killTree(cmd.Process, cg)
			_ = cmd.Wait()
			if stepCtx.Err() != nil {
				// Killed during setup; fall through to the normal accounting.
				return l.finish(ctx, stepCtx, cmd, cg, stdout, stderr, start)
			}
			var st *initproto.Status
			if errors.As(serr, &st) && st.NotFound {
				return nil, fmt.Errorf("%w: %s", ErrToolchainMissing, step.Args[0])
			}
			return nil, fmt.Errorf("sandbox setup: %w", errors.Join(werr, serr))
		}
	} else {
		// Without the helper there is a short window between exec and
		// prlimit; cgroups, when configured, cover it from clone onwards.
		rl := step.Limits.Rlimits(cg == nil, l.nproc(cg, step.Limits))
		if err := initproto.ApplyRlimits(cmd.Process.Pid, rl); err != nil && !errors.Is(err, unix.ESRCH) {
			killTree(cmd.Process, cg)
			_ = cmd.Wait()
			return nil, fmt.Errorf("apply rlimits: %w", err)
		}
	}

	// Wait for the leader without reaping it, so its pid and process group
	// id stay pinned while we kill whatever it left behind.
	waitLeader(cmd.Process.Pid)
	killTree(cmd.Process, cg)
	leaderGone.Store(true)

	waitErr := cmd.Wait()
	if waitErr != nil && !errors.Is(waitErr, exec.ErrWaitDelay) {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) && stepCtx.Err() == nil {
			log.Debug().Err(waitErr).Str("stage", string(step.Stage)).Msg("wait returned error")
		}
	}
	return l.finish(ctx, stepCtx, cmd, cg, stdout, stderr, start)
}

// finish turns the reaped process state into a StepResult.
func (l *processLauncher) finish(parent, stepCtx context.Context, cmd *exec.Cmd, cg *cgroup, stdout, stderr *cappedBuffer, start time.Time) (*StepResult, error) {
	duration := time.Since(start)
	cg.kill()

	state := cmd.ProcessState
	if state == nil {
		return nil, errors.New("process state unavailable")
	}

	res := &StepResult{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.Truncated() || stderr.Truncated(),
		Duration:  duration,
		CPUTime:   state.UserTime() + state.SystemTime(),
		OOMKilled: cg.oomKilled(),
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok {
		switch {
		case ws.Exited():
			res.Exited = true
			res.ExitCode = ws.ExitStatus()
		case ws.Signaled():
			// Shell convention, so crashes stay distinguishable from exits.
			res.Exited = true
			res.ExitCode = 128 + int(ws.Signal())
		}
	}
	if peak := cg.memoryPeak(); peak > 0 {
		res.MemoryPeakBytes = peak
	} else if ru, ok := state.SysUsage().(*syscall.Rusage); ok {
		res.MemoryPeakBytes = ru.Maxrss * 1024
	}

	if err := classify(parent, stepCtx, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (l *processLauncher) environment(step Step) []string {
	env := []string{
		"PATH=" + l.opts.Path,
		"HOME=" + step.Dir,
		"TMPDIR=" + step.Dir,
		"LANG=C.UTF-8",
		"LC_ALL=C.UTF-8",
	}
	return append(env, step.Env...)
}

func (l *processLauncher) initRequest(step Step, env []string, cg *cgroup) (*initproto.Request, error) {
	req := &initproto.Request{
		Args:          step.Args,
		Env:           env,
		Dir:           step.Dir,
		UID:           -1,
		GID:           -1,
		Rlimits:       step.Limits.Rlimits(cg == nil, l.nproc(cg, step.Limits)),
		PrivateMounts: l.opts.Namespaces,
		MountProc:     l.opts.Namespaces,
		TmpfsSize:     l.opts.TmpfsSize,
	}
	if l.opts.Namespaces {
		req.Tmpfs = l.opts.TmpfsDirs
		if base := filepath.Dir(step.Dir); base != "/" {
			req.WorkspaceBase = base
		}
	}
	if l.dropCreds {
		req.UID, req.GID = l.opts.UID, l.opts.GID
	}
	if l.opts.Seccomp {
		profile, err := seccomp.Named(step.Seccomp)
		if err != nil {
			return nil, err
		}
		req.Seccomp = profile
	}
	return req, nil
}

// nprocHeadroom stands in for the service's own task count when /proc
// cannot be read.
const nprocHeadroom = 1024

// nproc is the RLIMIT_NPROC value for a step when no cgroup bounds
// pids.max. The kernel counts tasks per uid, so a step sharing the
// service's uid gets the tasks that uid already runs on top of its own
// share. Root ignores the limit; a root service needs a cgroup.
func (l *processLauncher) nproc(cg *cgroup, limits ResourceLimits) int64 {
	if cg != nil || limits.PidsLimit <= 0 {
		return 0
	}
	share := limits.PidsLimit * int64(max(l.opts.MaxConcurrent, 1))
	if l.dropCreds {
		return share
	}
	running, err := userTaskCount(os.Getuid())
	if err != nil {
		running = nprocHeadroom
	}
	return running + share
}

// userTaskCount counts the threads owned by uid across /proc.
func userTaskCount(uid int) (int64, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return 0, err
	}
	want := strconv.Itoa(uid)
	var total int64
	for _, e := range entries {
		if _, err := strconv.Atoi(e.Name()); err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join("/proc", e.Name(), "status"))
		if err != nil {
			continue
		}
		var owned bool
		var threads int64
		for _, line := range strings.Split(string(data), "\n") {
			key, val, ok := strings.Cut(line, ":")
			if !ok {
				continue
			}
			fields := strings.Fields(val)
			switch {
			case key == "Uid" && len(fields) > 0:
				owned = fields[0] == want
			case key == "Threads" && len(fields) > 0:
				threads, _ = strconv.ParseInt(fields[0], 10, 64)
			}
		}
		if owned {
			total += max(threads, 1)
		}
	}
	if total == 0 {
		return 0, errors.New("no tasks found for uid")
	}
	return total, nil
}

// waitLeader blocks until pid has exited, leaving it unreaped.
func waitLeader(pid int) {
	var info unix.Siginfo
	for {
		err := unix.Waitid(unix.P_PID, pid, &info, unix.WEXITED|unix.WNOWAIT, nil)
		if !errors.Is(err, unix.EINTR) {
			return
		}
	}
}

func (l *processLauncher) sysProcAttr(cg *cgroup) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	if l.opts.Namespaces {
		attr.Cloneflags = syscall.CLONE_NEWNS | syscall.CLONE_NEWNET | syscall.CLONE_NEWPID |
			syscall.CLONE_NEWIPC | syscall.CLONE_NEWUTS
		if os.Geteuid() != 0 {
			attr.Cloneflags |= syscall.CLONE_NEWUSER
			attr.UidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Geteuid(), Size: 1}}
			attr.GidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getegid(), Size: 1}}
			attr.GidMappingsEnableSetgroups = false
		}
	}
	if l.dropCreds && l.opts.HelperPath == "" {
		attr.Credential = &syscall.Credential{
			Uid:    uint32(l.opts.UID),
			Gid:    uint32(l.opts.GID),
			Groups: []uint32{},
		}
	}
	if cg != nil {
		attr.UseCgroupFD = true
		attr.CgroupFD = cg.fd()
	}
	return attr
}

// killTree sends SIGKILL to the step's process group and empties its
// cgroup. Untrusted code gets no chance to handle a polite signal.
func killTree(p *os.Process, cg *cgroup) {
	if p != nil && p.Pid > 0 {
		_ = unix.Kill(-p.Pid, unix.SIGKILL)
		_ = unix.Kill(p.Pid, unix.SIGKILL)
	}
	cg.kill()
}
