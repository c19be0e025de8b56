package seccomp

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

func baseSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		AllowSyscalls(
			"read", "write", "readv", "writev", "pread64", "pwrite64",
			"open", "openat", "openat2", "close", "close_range", "lseek",
			"stat", "fstat", "lstat", "newfstatat", "statx",
			"access", "faccessat", "faccessat2",
			"dup", "dup2", "dup3",
			"fcntl",
			"poll", "ppoll", "select", "pselect6",
			"pipe", "pipe2",
			"readlink", "readlinkat",
			"getdents", "getdents64",
		).
		AllowSyscalls(
			"brk", "mmap", "munmap", "mprotect", "mremap",
			"madvise", "mincore", "membarrier",
		).
		AllowSyscalls(
			"execve", "execveat",
			"exit", "exit_group",
			"wait4", "waitid",
			"clone", "clone3",
			"fork", "vfork",
			"set_tid_address",
			"set_robust_list", "get_robust_list",
			"rseq",
		).
		AllowSyscalls(
			"futex",
			"gettid",
			"tgkill", "tkill", "kill",
			"rt_sigaction", "rt_sigprocmask", "rt_sigreturn",
			"rt_sigsuspend", "rt_sigtimedwait",
			"sigaltstack",
			"sched_yield", "sched_getaffinity", "sched_getparam", "sched_getscheduler",
		).
		AllowSyscalls(
			"clock_gettime", "clock_getres",
			"gettimeofday", "time", "times",
			"nanosleep", "clock_nanosleep",
			"getrusage",
		).
		AllowSyscalls(
			"getpid", "getppid", "getpgrp", "getpgid", "getsid",
			"getuid", "geteuid", "getresuid",
			"getgid", "getegid", "getresgid", "getgroups",
			"uname",
			"getcwd",
		).
		AllowSyscalls(
			"epoll_create", "epoll_create1", "epoll_ctl", "epoll_wait", "epoll_pwait",
			"eventfd", "eventfd2",
		).
		AllowSyscalls(
			"getrandom",
			"arch_prctl",
			"prctl",
			"ioctl",
			"sysinfo",
			"getrlimit", "prlimit64",
			"umask",
			"chmod", "fchmod", "fchmodat",
			"chdir", "fchdir",
			"rename", "renameat", "renameat2",
			"unlink", "unlinkat",
			"mkdir", "mkdirat",
			"rmdir",
			"ftruncate",
			"fsync", "fdatasync",
			"flock",
			"statfs", "fstatfs",
			"memfd_create",
			"copy_file_range", "sendfile",
		)
}

func dangerousSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		KillSyscalls(
			"ptrace",
			"process_vm_readv", "process_vm_writev",
			"keyctl",
			"add_key", "request_key",
			"bpf",
			"perf_event_open",
			"userfaultfd",
			"kexec_load", "kexec_file_load",
			"finit_module", "init_module", "delete_module",
		).
		BlockSyscalls(
			"mount", "umount2", "pivot_root", "chroot",
			"reboot",
			"swapon", "swapoff",
			"sethostname", "setdomainname",
			"setns", "unshare",
			"acct",
			"settimeofday", "adjtimex", "clock_adjtime",
			"nfsservctl",
			"personality",
			"lookup_dcookie",
			"ioperm", "iopl",
			"open_by_handle_at", "name_to_handle_at",
		)
}

func networkSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.BlockSyscalls(
		"socket", "socketpair", "connect", "bind", "listen", "accept", "accept4",
		"sendto", "recvfrom", "sendmsg", "recvmsg", "sendmmsg", "recvmmsg",
	)
}

// StrictProfile is a deny-by-default allowlist for running user programs:
// file IO inside the workspace, memory management, threads, and exec.
// Sockets are denied outright.
func StrictProfile() *specs.LinuxSeccomp {
	b := NewBuilder()
	b = baseSyscalls(b)
	b = dangerousSyscalls(b)
	return b.Build()
}

// RelaxedProfile allows by default and only denies kernel-facing and
// networking calls. Compilers and managed runtimes (javac, the JVM, mono)
// need a syscall surface too broad to enumerate.
func RelaxedProfile() *specs.LinuxSeccomp {
	b := NewPermissiveBuilder()
	b = dangerousSyscalls(b)
	b = networkSyscalls(b)
	return b.Build()
}
