package runtime

import "time"

func csharpProfile() Profile {
	return Profile{
		ID:               "csharp",
		Name:             "C# (Mono)",
		FileExtension:    ".cs",
		SourceName:       "main",
		BinaryName:       "main.exe",
		CompileCommand:   "mcs -optimize+ -out:{bin} {src}",
		RunCommand:       "mono {bin}",
		CompileTimeout:   15 * time.Second,
		RunTimeout:       5 * time.Second,
		MemoryLimitBytes: 512 << 20,
		MaxOutputBytes:   defaultOutputBytes,
		PidsLimit:        128,
		Env:              []string{"MONO_GC_PARAMS=max-heap-size=192m"},
		Seccomp:          "relaxed",
		Image:            "docker.io/library/mono:6.12",
	}
}
