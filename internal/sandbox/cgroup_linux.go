//go:build linux

package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// cgroup is a cgroup v2 leaf holding exactly one step's process tree.
type cgroup struct {
	path string
	dir  *os.File
}

// prepareCgroupRoot makes sure root exists and delegates the controllers
// steps need to its children.
func prepareCgroupRoot(root string) error {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("create cgroup root: %w", err)
	}
	var fs unix.Statfs_t
	if err := unix.Statfs(root, &fs); err != nil {
		return fmt.Errorf("statfs cgroup root: %w", err)
	}
	if fs.Type != unix.CGROUP2_SUPER_MAGIC {
		return fmt.Errorf("%s is not on a cgroup v2 filesystem", root)
	}
	for _, ctrl := range []string{"+memory", "+pids", "+cpu"} {
		if err := writeCgroupValue(root, "cgroup.subtree_control", ctrl); err != nil {
			log.Warn().Err(err).Str("controller", ctrl).Msg("cgroup controller not delegated")
		}
	}
	return nil
}

// leafName names a step's cgroup. Concurrent steps of the same stage must
// never share a leaf.
func leafName(stage string) string {
	return stage + "-" + uuid.NewString()
}

func createCgroup(root, name string, limits ResourceLimits) (*cgroup, error) {
	path := filepath.Join(root, leafName(name))
	if err := os.Mkdir(path, 0o755); err != nil {
		return nil, fmt.Errorf("create cgroup: %w", err)
	}
	cg := &cgroup{path: path}

	pids := "max"
	if limits.PidsLimit > 0 {
		pids = strconv.FormatInt(limits.PidsLimit, 10)
	}
	if err := writeCgroupValue(path, "pids.max", pids); err != nil {
		cg.remove()
		return nil, err
	}
	if limits.MemoryBytes > 0 {
		if err := writeCgroupValue(path, "memory.max", strconv.FormatInt(limits.MemoryBytes, 10)); err != nil {
			cg.remove()
			return nil, err
		}
		// Not every kernel has swap accounting.
		_ = writeCgroupValue(path, "memory.swap.max", "0")
	}
	if limits.CPUs > 0 {
		quota := int64(limits.CPUs * 100000)
		if err := writeCgroupValue(path, "cpu.max", fmt.Sprintf("%d 100000", quota)); err != nil {
			cg.remove()
			return nil, err
		}
	}

	dir, err := os.Open(path)
	if err != nil {
		cg.remove()
		return nil, fmt.Errorf("open cgroup: %w", err)
	}
	cg.dir = dir
	return cg, nil
}

// fd is passed to clone(2) so the child starts inside the cgroup.
func (c *cgroup) fd() int {
	return int(c.dir.Fd())
}

// kill stops every process in the cgroup, including ones that left the
// step's process group.
func (c *cgroup) kill() {
	if c == nil {
		return
	}
	if err := writeCgroupValue(c.path, "cgroup.kill", "1"); err == nil {
		return
	}
	// Kernels before 5.14 have no cgroup.kill.
	data, err := os.ReadFile(filepath.Join(c.path, "cgroup.procs"))
	if err != nil {
		return
	}
	for _, line := range strings.Fields(string(data)) {
		if pid, err := strconv.Atoi(line); err == nil {
			_ = unix.Kill(pid, unix.SIGKILL)
		}
	}
}

func (c *cgroup) oomKilled() bool {
	if c == nil {
		return false
	}
	return readCgroupKey(c.path, "memory.events", "oom_kill") > 0
}

func (c *cgroup) memoryPeak() int64 {
	if c == nil {
		return 0
	}
	data, err := os.ReadFile(filepath.Join(c.path, "memory.peak"))
	if err != nil {
		return 0
	}
	v, _ := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	return v
}

// remove deletes the cgroup once it is empty. Killed processes take a
// moment to leave, so it retries briefly.
func (c *cgroup) remove() {
	if c == nil {
		return
	}
	if c.dir != nil {
		_ = c.dir.Close()
	}
	var err error
	for i := 0; i < 50; i++ {
		if err = os.Remove(c.path); err == nil || errors.Is(err, os.ErrNotExist) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	log.Warn().Err(err).Str("cgroup", c.path).Msg("failed to remove cgroup")
}

func readCgroupKey(path, file, key string) int64 {
	data, err := os.ReadFile(filepath.Join(path, file))
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == key {
			v, _ := strconv.ParseInt(fields[1], 10, 64)
			return v
		}
	}
	return 0
}

func writeCgroupValue(path, name, value string) error {
	if err := os.WriteFile(filepath.Join(path, name), []byte(value), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}
