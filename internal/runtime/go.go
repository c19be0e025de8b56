package runtime

import "time"

func goProfile() Profile {
	return Profile{
		ID:             "go",
		Name:           "Go",
		FileExtension:  ".go",
		SourceName:     "main",
		BinaryName:     "main",
		CompileCommand: "go build -trimpath -o {bin} {src}",
		RunCommand:     "{bin}",
		// Cold builds of the standard library dominate; keep the cache in
		// the workspace so nothing leaks between submissions.
		CompileTimeout:   30 * time.Second,
		RunTimeout:       5 * time.Second,
		MemoryLimitBytes: 512 << 20,
		MaxOutputBytes:   defaultOutputBytes,
		PidsLimit:        128,
		Env: []string{
			"GOCACHE={dir}/.cache/go-build",
			"GOPATH={dir}/.gopath",
			"GOTOOLCHAIN=local",
			"CGO_ENABLED=0",
		},
		Seccomp: "relaxed",
		Image:   "docker.io/library/golang:1.24-alpine",
	}
}
