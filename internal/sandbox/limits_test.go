package sandbox

import (
	"testing"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"safe-code-runner/internal/runtime"
)

func TestDefaultLimitsValid(t *testing.T) {
	if err := DefaultLimits().Validate(); err != nil {
		t.Errorf("DefaultLimits().Validate() = %v, want nil", err)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		limits ResourceLimits
	}{
		{"memory too small", ResourceLimits{MemoryBytes: 1 << 20}},
		{"negative memory", ResourceLimits{MemoryBytes: -1}},
		{"cpus over", ResourceLimits{CPUs: 65}},
		{"pids over", ResourceLimits{PidsLimit: 4097}},
		{"negative stack", ResourceLimits{StackBytes: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.limits.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLimitsFor(t *testing.T) {
	p := runtime.Profile{MemoryLimitBytes: 32 << 20, PidsLimit: 16, LimitAddressSpace: true}
	rl := limitsFor(p, 3*time.Second)

	if rl.MemoryBytes != 32<<20 {
		t.Errorf("MemoryBytes = %d", rl.MemoryBytes)
	}
	if rl.PidsLimit != 16 {
		t.Errorf("PidsLimit = %d", rl.PidsLimit)
	}
	if rl.CPUTime != 4*time.Second {
		t.Errorf("CPUTime = %s, want 4s", rl.CPUTime)
	}
	if rl.StackBytes != 8<<20 {
		t.Errorf("StackBytes = %d, want 8MiB", rl.StackBytes)
	}
	if !rl.AddressSpace {
		t.Error("AddressSpace not carried over")
	}

	small := limitsFor(runtime.Profile{MemoryLimitBytes: 4 << 20}, time.Second)
	if small.StackBytes != 4<<20 {
		t.Errorf("StackBytes = %d, want capped at memory", small.StackBytes)
	}
}

func rlimit(rls []specs.POSIXRlimit, typ string) (specs.POSIXRlimit, bool) {
	for _, r := range rls {
		if r.Type == typ {
			return r, true
		}
	}
	return specs.POSIXRlimit{}, false
}

func TestRlimits(t *testing.T) {
	rl := DefaultLimits()
	rl.CPUTime = 2500 * time.Millisecond
	rl.AddressSpace = true

	rls := rl.Rlimits(true, 128)
	if r, ok := rlimit(rls, "RLIMIT_CPU"); !ok || r.Hard != 3 {
		t.Errorf("RLIMIT_CPU = %+v, want 3s rounded up", r)
	}
	if r, ok := rlimit(rls, "RLIMIT_CORE"); !ok || r.Hard != 0 {
		t.Errorf("RLIMIT_CORE = %+v, want 0", r)
	}
	if r, ok := rlimit(rls, "RLIMIT_AS"); !ok || r.Hard != uint64(rl.MemoryBytes) {
		t.Errorf("RLIMIT_AS = %+v", r)
	}
	if r, ok := rlimit(rls, "RLIMIT_NPROC"); !ok || r.Soft != 128 {
		t.Errorf("RLIMIT_NPROC = %+v", r)
	}

	rls = rl.Rlimits(false, 0)
	if _, ok := rlimit(rls, "RLIMIT_AS"); ok {
		t.Error("RLIMIT_AS set without withMemory")
	}
	if _, ok := rlimit(rls, "RLIMIT_DATA"); ok {
		t.Error("RLIMIT_DATA set without withMemory")
	}
	if _, ok := rlimit(rls, "RLIMIT_NPROC"); ok {
		t.Error("RLIMIT_NPROC set with nproc 0")
	}
}

// Profiles that do not opt into RLIMIT_AS still get a memory bound when
// no cgroup is available.
func TestRlimitsDataFallback(t *testing.T) {
	tests := []struct {
		name         string
		addressSpace bool
		want, absent string
	}{
		{"data segment", false, "RLIMIT_DATA", "RLIMIT_AS"},
		{"address space", true, "RLIMIT_AS", "RLIMIT_DATA"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rl := limitsFor(runtime.Profile{MemoryLimitBytes: 256 << 20, LimitAddressSpace: tt.addressSpace}, time.Second)
			rls := rl.Rlimits(true, 0)
			if r, ok := rlimit(rls, tt.want); !ok || r.Hard != 256<<20 || r.Soft != 256<<20 {
				t.Errorf("%s = %+v, want 256MiB", tt.want, r)
			}
			if _, ok := rlimit(rls, tt.absent); ok {
				t.Errorf("%s set alongside %s", tt.absent, tt.want)
			}
		})
	}
}

func TestApplyResourceLimits(t *testing.T) {
	spec := &specs.Spec{}
	limits := ResourceLimits{MemoryBytes: 128 << 20, CPUs: 0.5, PidsLimit: 32, FileSizeBytes: 8 << 20}
	ApplyResourceLimits(spec, limits)

	res := spec.Linux.Resources
	if *res.Memory.Limit != 128<<20 || *res.Memory.Swap != 128<<20 {
		t.Errorf("memory = %d/%d", *res.Memory.Limit, *res.Memory.Swap)
	}
	if *res.CPU.Quota != 50000 || *res.CPU.Period != 100000 {
		t.Errorf("cpu quota = %d/%d", *res.CPU.Quota, *res.CPU.Period)
	}
	if res.Pids == nil || res.Pids.Limit == nil || *res.Pids.Limit != 32 {
		t.Errorf("pids = %+v, want 32", res.Pids)
	}

	var tmp *specs.Mount
	for i := range spec.Mounts {
		if spec.Mounts[i].Destination == "/tmp" {
			tmp = &spec.Mounts[i]
		}
	}
	if tmp == nil || tmp.Type != "tmpfs" {
		t.Fatalf("missing /tmp tmpfs mount: %+v", spec.Mounts)
	}
	if _, ok := rlimit(spec.Process.Rlimits, "RLIMIT_FSIZE"); !ok {
		t.Error("RLIMIT_FSIZE not set on process")
	}
}

func TestApplySecurityProfile(t *testing.T) {
	profile, err := SecurityProfileFor("strict")
	if err != nil {
		t.Fatal(err)
	}
	spec := &specs.Spec{Root: &specs.Root{Path: "rootfs"}}
	ApplySecurityProfile(spec, profile)

	if !spec.Process.NoNewPrivileges {
		t.Error("NoNewPrivileges not set")
	}
	if spec.Process.User.UID != sandboxUID {
		t.Errorf("uid = %d", spec.Process.User.UID)
	}
	if !spec.Root.Readonly {
		t.Error("root not read-only")
	}
	if len(spec.Process.Capabilities.Bounding) != 0 {
		t.Errorf("capabilities = %v", spec.Process.Capabilities.Bounding)
	}
	if spec.Linux.Seccomp == nil {
		t.Error("seccomp not applied")
	}

	if _, err := SecurityProfileFor("bogus"); err == nil {
		t.Error("unknown seccomp profile accepted")
	}
}
