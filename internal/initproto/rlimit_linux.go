//go:build linux

package initproto

import (
	"fmt"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"
)

var rlimitResources = map[string]int{
	"RLIMIT_AS":     unix.RLIMIT_AS,
	"RLIMIT_CORE":   unix.RLIMIT_CORE,
	"RLIMIT_CPU":    unix.RLIMIT_CPU,
	"RLIMIT_DATA":   unix.RLIMIT_DATA,
	"RLIMIT_FSIZE":  unix.RLIMIT_FSIZE,
	"RLIMIT_NOFILE": unix.RLIMIT_NOFILE,
	"RLIMIT_NPROC":  unix.RLIMIT_NPROC,
	"RLIMIT_STACK":  unix.RLIMIT_STACK,
}

// Resource maps an OCI rlimit type to its kernel resource number.
func Resource(name string) (int, error) {
	res, ok := rlimitResources[name]
	if !ok {
		return 0, fmt.Errorf("unsupported rlimit %q", name)
	}
	return res, nil
}

// ApplyRlimits sets each limit on pid, or on the calling process when pid is 0.
func ApplyRlimits(pid int, limits []specs.POSIXRlimit) error {
	for _, l := range limits {
		res, err := Resource(l.Type)
		if err != nil {
			return err
		}
		rl := unix.Rlimit{Cur: l.Soft, Max: l.Hard}
		if err := unix.Prlimit(pid, res, &rl, nil); err != nil {
			return fmt.Errorf("set %s: %w", l.Type, err)
		}
	}
	return nil
}
