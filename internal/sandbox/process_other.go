//go:build !linux

package sandbox

import (
	"errors"
	"runtime"
)

// NewProcessLauncher is only available on linux, where process groups,
// namespaces and cgroups provide the isolation boundary.
func NewProcessLauncher(_ ProcessOptions) (Launcher, error) {
	return nil, errors.New("process launcher is not supported on " + runtime.GOOS)
}
