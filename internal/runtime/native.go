package runtime

import "time"

func cProfile() Profile {
	return Profile{
		ID:                "c",
		Name:              "C (gcc)",
		FileExtension:     ".c",
		SourceName:        "main",
		BinaryName:        "main",
		CompileCommand:    "gcc -O2 -std=c17 -pipe -o {bin} {src} -lm",
		RunCommand:        "{bin}",
		CompileTimeout:    10 * time.Second,
		RunTimeout:        5 * time.Second,
		MemoryLimitBytes:  defaultMemoryBytes,
		MaxOutputBytes:    defaultOutputBytes,
		PidsLimit:         defaultPids,
		LimitAddressSpace: true,
		Seccomp:           "strict",
		Image:             "docker.io/library/gcc:14",
	}
}

func cppProfile() Profile {
	return Profile{
		ID:                "cpp",
		Name:              "C++ (g++)",
		FileExtension:     ".cpp",
		SourceName:        "main",
		BinaryName:        "main",
		CompileCommand:    "g++ -O2 -std=c++17 -pipe -o {bin} {src}",
		RunCommand:        "{bin}",
		CompileTimeout:    10 * time.Second,
		RunTimeout:        5 * time.Second,
		MemoryLimitBytes:  defaultMemoryBytes,
		MaxOutputBytes:    defaultOutputBytes,
		PidsLimit:         defaultPids,
		LimitAddressSpace: true,
		Seccomp:           "strict",
		Image:             "docker.io/library/gcc:14",
	}
}
