package sandbox

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"safe-code-runner/pkg/seccomp"
)

// nobody, the user container steps run as.
const sandboxUID = 65534

// Kernel interfaces a submission has no business reading or writing.
var (
	maskedPaths = []string{
		"/proc/acpi", "/proc/kcore", "/proc/keys", "/proc/latency_stats",
		"/proc/timer_list", "/proc/sched_debug", "/proc/scsi",
		"/sys/firmware", "/sys/devices/virtual/powercap",
	}
	readonlyPaths = []string{
		"/proc/bus", "/proc/fs", "/proc/irq", "/proc/sys", "/proc/sysrq-trigger",
	}
)

// SecurityProfile is the confinement applied to a container step.
type SecurityProfile struct {
	Seccomp    *specs.LinuxSeccomp
	Namespaces []specs.LinuxNamespace
	User       specs.User
}

// SecurityProfileFor builds the profile for a step using the named seccomp
// profile. The network namespace is always fresh, so only loopback exists.
func SecurityProfileFor(seccompName string) (SecurityProfile, error) {
	sc, err := seccomp.Named(seccompName)
	if err != nil {
		return SecurityProfile{}, err
	}
	ns := make([]specs.LinuxNamespace, 0, 5)
	for _, t := range []specs.LinuxNamespaceType{
		specs.PIDNamespace, specs.NetworkNamespace, specs.MountNamespace,
		specs.UTSNamespace, specs.IPCNamespace,
	} {
		ns = append(ns, specs.LinuxNamespace{Type: t})
	}
	return SecurityProfile{
		Seccomp:    sc,
		Namespaces: ns,
		User:       specs.User{UID: sandboxUID, GID: sandboxUID},
	}, nil
}

// ApplySecurityProfile writes the profile into an OCI spec. The step keeps
// no capabilities, cannot gain privileges and sees a read-only root.
func ApplySecurityProfile(spec *specs.Spec, profile SecurityProfile) {
	if spec.Linux == nil {
		spec.Linux = &specs.Linux{}
	}
	if spec.Process == nil {
		spec.Process = &specs.Process{}
	}

	none := []string{}
	spec.Process.Capabilities = &specs.LinuxCapabilities{
		Bounding:    none,
		Effective:   none,
		Inheritable: none,
		Permitted:   none,
		Ambient:     none,
	}
	spec.Process.NoNewPrivileges = true
	spec.Process.User = profile.User

	spec.Linux.Seccomp = profile.Seccomp
	spec.Linux.Namespaces = profile.Namespaces
	spec.Linux.MaskedPaths = append([]string(nil), maskedPaths...)
	spec.Linux.ReadonlyPaths = append([]string(nil), readonlyPaths...)

	if spec.Root != nil {
		spec.Root.Readonly = true
	}
}
