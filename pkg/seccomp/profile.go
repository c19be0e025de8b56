package seccomp

import (
	"fmt"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Profile names accepted by Named.
const (
	Strict  = "strict"
	Relaxed = "relaxed"
)

// ProfileBuilder assembles an OCI seccomp profile rule by rule.
type ProfileBuilder struct {
	profile *specs.LinuxSeccomp
}

// NewBuilder starts a profile that denies anything not explicitly allowed.
func NewBuilder() *ProfileBuilder {
	return newBuilder(specs.ActErrno)
}

// NewPermissiveBuilder starts a profile that allows anything not explicitly denied.
func NewPermissiveBuilder() *ProfileBuilder {
	return newBuilder(specs.ActAllow)
}

func newBuilder(def specs.LinuxSeccompAction) *ProfileBuilder {
	return &ProfileBuilder{
		profile: &specs.LinuxSeccomp{
			DefaultAction: def,
			Architectures: []specs.Arch{
				specs.ArchX86_64,
				specs.ArchAARCH64,
			},
		},
	}
}

func (b *ProfileBuilder) add(action specs.LinuxSeccompAction, names []string) *ProfileBuilder {
	if len(names) == 0 {
		return b
	}
	b.profile.Syscalls = append(b.profile.Syscalls, specs.LinuxSyscall{
		Names:  names,
		Action: action,
	})
	return b
}

func (b *ProfileBuilder) AllowSyscalls(names ...string) *ProfileBuilder {
	return b.add(specs.ActAllow, names)
}

func (b *ProfileBuilder) BlockSyscalls(names ...string) *ProfileBuilder {
	return b.add(specs.ActErrno, names)
}

// KillSyscalls terminates the whole process on any of the named calls.
func (b *ProfileBuilder) KillSyscalls(names ...string) *ProfileBuilder {
	return b.add(specs.ActKillProcess, names)
}

func (b *ProfileBuilder) Build() *specs.LinuxSeccomp {
	return b.profile
}

// Named returns the built-in profile registered under name.
func Named(name string) (*specs.LinuxSeccomp, error) {
	switch name {
	case Strict, "":
		return StrictProfile(), nil
	case Relaxed:
		return RelaxedProfile(), nil
	default:
		return nil, fmt.Errorf("unknown seccomp profile %q", name)
	}
}

// Allows reports whether the profile lets name through.
func Allows(p *specs.LinuxSeccomp, name string) bool {
	// Later rules win, the same resolution Install applies.
	action := p.DefaultAction
	for _, rule := range p.Syscalls {
		for _, n := range rule.Names {
			if n == name {
				action = rule.Action
			}
		}
	}
	return action == specs.ActAllow || action == specs.ActLog
}
