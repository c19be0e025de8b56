package runtime

import "time"

func javascriptProfile() Profile {
	return Profile{
		ID:            "javascript",
		Name:          "JavaScript (Node.js)",
		FileExtension: ".js",
		SourceName:    "main",
		RunCommand:    "node --max-old-space-size=192 --disallow-code-generation-from-strings {src}",
		RunTimeout:    5 * time.Second,
		// No LimitAddressSpace: V8 reserves far more address space than it commits.
		MemoryLimitBytes: defaultMemoryBytes,
		MaxOutputBytes:   defaultOutputBytes,
		PidsLimit:        defaultPids,
		Seccomp:          "relaxed",
		Image:            "docker.io/library/node:20-slim",
	}
}
