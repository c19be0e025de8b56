//go:build linux && cgo

package seccomp

import (
	"fmt"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	libseccomp "github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"
)

// Install loads p into the kernel for the calling process. It sets
// no_new_privs first, so it must run after any privilege change. Syscall
// names unknown to the native architecture are skipped.
func Install(p *specs.LinuxSeccomp) error {
	defaultAction, err := toAction(p.DefaultAction)
	if err != nil {
		return err
	}
	filter, err := libseccomp.NewFilter(defaultAction)
	if err != nil {
		return fmt.Errorf("create seccomp filter: %w", err)
	}
	defer filter.Release()

	if err := filter.SetTsync(true); err != nil {
		return fmt.Errorf("enable seccomp tsync: %w", err)
	}

	actions := make(map[string]libseccomp.ScmpAction)
	var order []string
	for _, rule := range p.Syscalls {
		action, err := toAction(rule.Action)
		if err != nil {
			return err
		}
		for _, name := range rule.Names {
			if _, seen := actions[name]; !seen {
				order = append(order, name)
			}
			actions[name] = action
		}
	}

	for _, name := range order {
		action := actions[name]
		if action == defaultAction {
			continue
		}
		call, err := libseccomp.GetSyscallFromName(name)
		if err != nil {
			continue
		}
		if err := filter.AddRuleExact(call, action); err != nil {
			return fmt.Errorf("add seccomp rule %s: %w", name, err)
		}
	}

	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("set no new privs: %w", err)
	}
	if err := filter.Load(); err != nil {
		return fmt.Errorf("load seccomp filter: %w", err)
	}
	return nil
}

func toAction(action specs.LinuxSeccompAction) (libseccomp.ScmpAction, error) {
	switch action {
	case specs.ActAllow:
		return libseccomp.ActAllow, nil
	case specs.ActErrno:
		return libseccomp.ActErrno.SetReturnCode(int16(unix.EPERM)), nil
	case specs.ActKill, specs.ActKillThread:
		return libseccomp.ActKillThread, nil
	case specs.ActKillProcess:
		return libseccomp.ActKillProcess, nil
	case specs.ActTrap:
		return libseccomp.ActTrap, nil
	case specs.ActLog:
		return libseccomp.ActLog, nil
	default:
		return libseccomp.ActInvalid, fmt.Errorf("unsupported seccomp action: %s", action)
	}
}
