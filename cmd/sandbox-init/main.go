//go:build linux

// Command sandbox-init prepares the sandbox for one step and execs the
// target program. The process launcher starts it inside fresh namespaces
// and passes the request on fd 3.
package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	goruntime "runtime"
	"strings"

	"golang.org/x/sys/unix"

	"safe-code-runner/internal/initproto"
	"safe-code-runner/pkg/seccomp"
)

func init() {
	// Credentials and the seccomp filter are per thread until exec.
	goruntime.LockOSThread()
}

type stepError struct {
	op       string
	err      error
	notFound bool
}

func (e *stepError) Error() string { return e.op + ": " + e.err.Error() }

func fail(op string, err error) error { return &stepError{op: op, err: err} }

func main() {
	status := os.NewFile(initproto.StatusFD, "status")
	if err := run(); err != nil {
		report(status, err)
		os.Exit(126)
	}
}

func report(status *os.File, err error) {
	st := &initproto.Status{Op: "init", Message: err.Error()}
	var se *stepError
	if errors.As(err, &se) {
		st.Op = se.op
		st.Message = se.err.Error()
		st.NotFound = se.notFound
	}
	if status == nil || initproto.WriteStatus(status, st) != nil {
		_, _ = fmt.Fprintln(os.Stderr, st.Error())
	}
}

func run() error {
	reqFile := os.NewFile(initproto.RequestFD, "request")
	if reqFile == nil {
		return fail("request", errors.New("fd 3 is not open"))
	}
	req, err := initproto.ReadRequest(reqFile)
	_ = reqFile.Close()
	if err != nil {
		return fail("request", err)
	}
	unix.CloseOnExec(initproto.StatusFD)

	if req.PrivateMounts {
		if err := setupMounts(req); err != nil {
			return err
		}
	}

	if err := os.Chdir(req.Dir); err != nil {
		return fail("chdir", err)
	}

	if err := initproto.ApplyRlimits(0, req.Rlimits); err != nil {
		return fail("rlimit", err)
	}

	if err := dropPrivileges(req.UID, req.GID); err != nil {
		return err
	}

	os.Clearenv()
	for _, kv := range req.Env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if err := os.Setenv(k, v); err != nil {
			return fail("env", err)
		}
	}

	path, err := exec.LookPath(req.Args[0])
	if err != nil {
		return &stepError{op: "lookup", err: err, notFound: errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist)}
	}
	if !filepath.IsAbs(path) {
		if path, err = filepath.Abs(path); err != nil {
			return fail("lookup", err)
		}
	}

	if req.Seccomp != nil {
		if err := seccomp.Install(req.Seccomp); err != nil {
			return fail("seccomp", err)
		}
	} else if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fail("no_new_privs", err)
	}

	if err := unix.Exec(path, req.Args, req.Env); err != nil {
		return &stepError{op: "exec", err: err, notFound: errors.Is(err, unix.ENOENT)}
	}
	return nil
}

// setupMounts turns every host mount read-only, hides the host's shared
// scratch directories and the other workspaces behind private tmpfs
// mounts, and re-exposes this step's workspace read-write at its original
// path so command templates keep working.
func setupMounts(req *initproto.Request) error {
	wsfd, err := unix.Open(req.Dir, unix.O_PATH|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fail("open workspace", err)
	}
	defer unix.Close(wsfd)

	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fail("make mounts private", err)
	}
	if err := remountReadOnly(req.MountProc); err != nil {
		return err
	}

	size := req.TmpfsSize
	if size <= 0 {
		size = 16 << 20
	}
	for _, dir := range req.Tmpfs {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			continue
		}
		opts := fmt.Sprintf("size=%d,mode=1777", size)
		if err := unix.Mount("tmpfs", dir, "tmpfs", unix.MS_NOSUID|unix.MS_NODEV, opts); err != nil {
			return fail("mount tmpfs "+dir, err)
		}
	}

	if req.WorkspaceBase != "" {
		if err := os.MkdirAll(req.WorkspaceBase, 0o755); err != nil {
			return fail("recreate workspace base", err)
		}
		if err := unix.Mount("tmpfs", req.WorkspaceBase, "tmpfs", unix.MS_NOSUID|unix.MS_NODEV, "size=1m,mode=0755"); err != nil {
			return fail("hide workspace base", err)
		}
	}

	if err := os.MkdirAll(req.Dir, 0o755); err != nil {
		return fail("recreate workspace path", err)
	}
	src := fmt.Sprintf("/proc/self/fd/%d", wsfd)
	if err := unix.Mount(src, req.Dir, "", unix.MS_BIND, ""); err != nil {
		return fail("bind workspace", err)
	}
	// The bind inherits the read-only flag of the mount it came from.
	flags, err := lockedFlags(req.Dir)
	if err != nil {
		return fail("statfs workspace", err)
	}
	if err := unix.Mount("", req.Dir, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_NOSUID|unix.MS_NODEV|flags, ""); err != nil {
		return fail("remount workspace writable", err)
	}

	if req.MountProc {
		if err := unix.Mount("proc", "/proc", "proc", unix.MS_NOSUID|unix.MS_NODEV|unix.MS_NOEXEC, ""); err != nil {
			return fail("mount proc", err)
		}
	}
	return nil
}

// remountReadOnly applies MS_RDONLY to every mount in the namespace. The
// old /proc is skipped when a fresh one will cover it.
func remountReadOnly(skipProc bool) error {
	f, err := os.Open("/proc/self/mountinfo")
	if err != nil {
		return fail("open mountinfo", err)
	}
	points, err := initproto.MountPoints(f)
	_ = f.Close()
	if err != nil {
		return fail("read mountinfo", err)
	}

	for _, mp := range points {
		if skipProc && within(mp, "/proc") {
			continue
		}
		flags, err := lockedFlags(mp)
		if err == nil {
			err = unix.Mount("", mp, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY|flags, "")
		}
		// Paths the service user cannot reach are out of the step's reach too.
		if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EACCES) {
			continue
		}
		if err != nil {
			return fail("remount read-only "+mp, err)
		}
	}
	return nil
}

// lockedFlags returns the per-mount flags a remount must repeat. Inside a
// user namespace the kernel refuses to clear them.
func lockedFlags(path string) (uintptr, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	var flags uintptr
	for bit, ms := range map[int64]uintptr{
		unix.ST_NOSUID:     unix.MS_NOSUID,
		unix.ST_NODEV:      unix.MS_NODEV,
		unix.ST_NOEXEC:     unix.MS_NOEXEC,
		unix.ST_NOATIME:    unix.MS_NOATIME,
		unix.ST_NODIRATIME: unix.MS_NODIRATIME,
		unix.ST_RELATIME:   unix.MS_RELATIME,
	} {
		if int64(st.Flags)&bit != 0 {
			flags |= ms
		}
	}
	// A remount without an atime flag means relatime.
	if flags&(unix.MS_NOATIME|unix.MS_RELATIME) == 0 {
		flags |= unix.MS_STRICTATIME
	}
	return flags, nil
}

func within(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, "../")
}

// dropPrivileges empties the capability bounding set, then switches
// credentials. Without privileges there is nothing to drop and EPERM is
// ignored.
func dropPrivileges(uid, gid int) error {
	for c := 0; c < 64; c++ {
		err := unix.Prctl(unix.PR_CAPBSET_DROP, uintptr(c), 0, 0, 0)
		if errors.Is(err, unix.EINVAL) {
			break
		}
		if errors.Is(err, unix.EPERM) {
			break
		}
		if err != nil {
			return fail("drop capabilities", err)
		}
	}
	_ = unix.Prctl(unix.PR_CAP_AMBIENT, unix.PR_CAP_AMBIENT_CLEAR_ALL, 0, 0, 0)

	if gid >= 0 {
		if err := unix.Setgroups(nil); err != nil && !errors.Is(err, unix.EPERM) {
			return fail("setgroups", err)
		}
		if err := unix.Setresgid(gid, gid, gid); err != nil {
			return fail("setresgid", err)
		}
	}
	if uid >= 0 {
		if err := unix.Setresuid(uid, uid, uid); err != nil {
			return fail("setresuid", err)
		}
	}
	return nil
}
