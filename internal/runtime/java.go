package runtime

import "time"

// javac requires the file to be named after its public class, so the
// source file stem comes from the submission itself.
func javaProfile() Profile {
	return Profile{
		ID:               "java",
		Name:             "Java",
		FileExtension:    ".java",
		ClassNamed:       true,
		CompileCommand:   "javac -J-Xmx256m -encoding UTF-8 -d {dir} {src}",
		RunCommand:       "java -Xmx192m -Xss16m -XX:+UseSerialGC -XX:TieredStopAtLevel=1 -cp {dir} {class}",
		CompileTimeout:   15 * time.Second,
		RunTimeout:       5 * time.Second,
		MemoryLimitBytes: 512 << 20,
		MaxOutputBytes:   defaultOutputBytes,
		PidsLimit:        128,
		Env:              []string{"JAVA_TOOL_OPTIONS=-Djava.io.tmpdir={dir}"},
		Seccomp:          "relaxed",
		Image:            "docker.io/library/eclipse-temurin:21-jdk",
	}
}
