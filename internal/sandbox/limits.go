package sandbox

import (
	"errors"
	"fmt"
	"math"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"safe-code-runner/internal/runtime"
)

// ResourceLimits bounds one step. Zero fields are unlimited.
type ResourceLimits struct {
	MemoryBytes   int64         `json:"memory_bytes"`
	CPUs          float64       `json:"cpus"`     // hard CFS quota, 1.0 = one core
	CPUTime       time.Duration `json:"cpu_time"` // RLIMIT_CPU backstop behind the wall clock
	PidsLimit     int64         `json:"pids_limit"`
	FileSizeBytes int64         `json:"file_size_bytes"`
	OpenFiles     uint64        `json:"open_files"`
	StackBytes    int64         `json:"stack_bytes"`
	// AddressSpace applies MemoryBytes as RLIMIT_AS rather than RLIMIT_DATA
	// when no cgroup enforces it. RLIMIT_DATA ignores PROT_NONE
	// reservations, so it suits runtimes that reserve large heaps up front.
	AddressSpace bool `json:"address_space"`
}

// DefaultLimits are applied to fields a profile leaves unset.
func DefaultLimits() ResourceLimits {
	return ResourceLimits{
		MemoryBytes:   256 << 20,
		CPUs:          1,
		PidsLimit:     64,
		FileSizeBytes: 16 << 20,
		OpenFiles:     256,
		StackBytes:    8 << 20,
	}
}

// limitsFor derives the limits of one step from its profile and timeout.
func limitsFor(p runtime.Profile, timeout time.Duration) ResourceLimits {
	rl := DefaultLimits()
	if p.MemoryLimitBytes > 0 {
		rl.MemoryBytes = p.MemoryLimitBytes
	}
	if p.PidsLimit > 0 {
		rl.PidsLimit = p.PidsLimit
	}
	rl.AddressSpace = p.LimitAddressSpace
	rl.CPUTime = timeout + time.Second
	if rl.StackBytes > rl.MemoryBytes {
		rl.StackBytes = rl.MemoryBytes
	}
	return rl
}

// Validate rejects limits the launchers cannot apply sensibly.
func (rl ResourceLimits) Validate() error {
	if rl.MemoryBytes < 0 || (rl.MemoryBytes > 0 && rl.MemoryBytes < 16<<20) {
		return fmt.Errorf("memory limit must be at least 16MiB, got %d", rl.MemoryBytes)
	}
	if rl.CPUs < 0 || rl.CPUs > 64 {
		return fmt.Errorf("cpus must be 0-64, got %g", rl.CPUs)
	}
	if rl.PidsLimit < 0 || rl.PidsLimit > 4096 {
		return fmt.Errorf("pids_limit must be 0-4096, got %d", rl.PidsLimit)
	}
	if rl.CPUTime < 0 || rl.FileSizeBytes < 0 || rl.StackBytes < 0 {
		return errors.New("limits must not be negative")
	}
	return nil
}

// Rlimits renders the limits as POSIX rlimits. nproc is the RLIMIT_NPROC
// value, or zero to leave it unset; the kernel counts it per uid rather
// than per step, so callers only set it when steps run as a dedicated uid.
func (rl ResourceLimits) Rlimits(withMemory bool, nproc int64) []specs.POSIXRlimit {
	out := []specs.POSIXRlimit{
		{Type: "RLIMIT_CORE", Hard: 0, Soft: 0},
	}
	if rl.CPUTime > 0 {
		secs := uint64(math.Ceil(rl.CPUTime.Seconds()))
		out = append(out, specs.POSIXRlimit{Type: "RLIMIT_CPU", Hard: secs, Soft: secs})
	}
	if rl.FileSizeBytes > 0 {
		out = append(out, specs.POSIXRlimit{Type: "RLIMIT_FSIZE", Hard: safeUint64(rl.FileSizeBytes), Soft: safeUint64(rl.FileSizeBytes)})
	}
	if rl.OpenFiles > 0 {
		out = append(out, specs.POSIXRlimit{Type: "RLIMIT_NOFILE", Hard: rl.OpenFiles, Soft: rl.OpenFiles})
	}
	if rl.StackBytes > 0 {
		out = append(out, specs.POSIXRlimit{Type: "RLIMIT_STACK", Hard: safeUint64(rl.StackBytes), Soft: safeUint64(rl.StackBytes)})
	}
	if withMemory && rl.MemoryBytes > 0 {
		// Without a cgroup one of these is the only memory bound.
		kind := "RLIMIT_DATA"
		if rl.AddressSpace {
			kind = "RLIMIT_AS"
		}
		out = append(out, specs.POSIXRlimit{Type: kind, Hard: safeUint64(rl.MemoryBytes), Soft: safeUint64(rl.MemoryBytes)})
	}
	if nproc > 0 {
		out = append(out, specs.POSIXRlimit{Type: "RLIMIT_NPROC", Hard: safeUint64(nproc), Soft: safeUint64(nproc)})
	}
	return out
}

// ApplyResourceLimits writes the limits into an OCI spec for the
// containerd backend.
func ApplyResourceLimits(spec *specs.Spec, limits ResourceLimits) {
	if spec.Linux == nil {
		spec.Linux = &specs.Linux{}
	}
	if spec.Linux.Resources == nil {
		spec.Linux.Resources = &specs.LinuxResources{}
	}
	if spec.Process == nil {
		spec.Process = &specs.Process{}
	}

	// CFS quota gives a hard cap where shares would only be a weight.
	if limits.CPUs > 0 {
		period := uint64(100000)
		quota := int64(limits.CPUs * float64(period))
		if quota < 1000 {
			quota = 1000
		}
		spec.Linux.Resources.CPU = &specs.LinuxCPU{
			Period: &period,
			Quota:  &quota,
		}
	}

	if limits.MemoryBytes > 0 {
		mem := limits.MemoryBytes
		spec.Linux.Resources.Memory = &specs.LinuxMemory{
			Limit: &mem,
			Swap:  &mem,
		}
	}

	if limits.PidsLimit > 0 {
		pids := limits.PidsLimit
		spec.Linux.Resources.Pids = &specs.LinuxPids{Limit: &pids}
	}

	tmpfsBytes := limits.FileSizeBytes
	if tmpfsBytes <= 0 {
		tmpfsBytes = DefaultLimits().FileSizeBytes
	}
	spec.Mounts = appendIfNotExists(spec.Mounts, specs.Mount{
		Destination: "/tmp",
		Type:        "tmpfs",
		Source:      "tmpfs",
		Options: []string{
			"nosuid", "nodev", "noexec",
			fmt.Sprintf("size=%d", tmpfsBytes),
			"mode=1777",
		},
	})

	spec.Process.Rlimits = limits.Rlimits(false, 0)
}

func safeUint64(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}

func appendIfNotExists(mounts []specs.Mount, m specs.Mount) []specs.Mount {
	for _, existing := range mounts {
		if existing.Destination == m.Destination {
			return mounts
		}
	}
	return append(mounts, m)
}
