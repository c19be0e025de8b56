//go:build !linux || !cgo

package seccomp

import (
	"errors"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// ErrUnsupported is returned by Install on builds without libseccomp.
var ErrUnsupported = errors.New("seccomp filters require linux with cgo")

func Install(_ *specs.LinuxSeccomp) error {
	return ErrUnsupported
}
