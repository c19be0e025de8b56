package runtime

import "time"

const (
	defaultMemoryBytes = 256 << 20
	defaultOutputBytes = 64 << 10
	defaultPids        = 64
)

func pythonProfile() Profile {
	return Profile{
		ID:            "python",
		Name:          "Python 3",
		FileExtension: ".py",
		SourceName:    "main",
		// -u unbuffered so output survives a kill, -B no .pyc, -I ignores
		// PYTHON* variables and the user site directory.
		RunCommand:        "python3 -u -B -I {src}",
		RunTimeout:        5 * time.Second,
		MemoryLimitBytes:  defaultMemoryBytes,
		MaxOutputBytes:    defaultOutputBytes,
		PidsLimit:         defaultPids,
		LimitAddressSpace: true,
		Env:               []string{"PYTHONIOENCODING=utf-8"},
		Seccomp:           "strict",
		Image:             "docker.io/library/python:3.12-slim",
	}
}
