package runtime

import "time"

func bashProfile() Profile {
	return Profile{
		ID:                "bash",
		Name:              "Bash",
		FileExtension:     ".sh",
		SourceName:        "main",
		RunCommand:        "bash --noprofile --norc {src}",
		RunTimeout:        5 * time.Second,
		MemoryLimitBytes:  defaultMemoryBytes,
		MaxOutputBytes:    defaultOutputBytes,
		PidsLimit:         defaultPids,
		LimitAddressSpace: true,
		Seccomp:           "strict",
		Image:             "docker.io/library/bash:5.2",
	}
}
