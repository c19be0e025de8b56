package runtime

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/shlex"
)

var (
	ErrUnsupportedLanguage = errors.New("unsupported language")
	ErrInvalidClassName    = errors.New("invalid class name")
)

// Profile describes how one language is compiled and run. Profiles are
// values; a Registry hands out copies and never mutates them after build.
//
// CompileCommand and RunCommand are argument templates split with shell-word
// rules. They are never passed to a shell. Placeholders {src}, {bin},
// {class} and {dir} are substituted per argument after splitting, so a
// path containing spaces stays a single argument.
type Profile struct {
	ID            string
	Name          string
	FileExtension string

	// SourceName is the file stem the submission is written to. Ignored when
	// ClassNamed is set.
	SourceName string
	// ClassNamed derives the file stem from the primary class declaration.
	ClassNamed bool
	// BinaryName is the artifact the compile step produces, relative to the workspace.
	BinaryName string

	CompileCommand string
	RunCommand     string
	CompileTimeout time.Duration
	RunTimeout     time.Duration

	MemoryLimitBytes int64
	MaxOutputBytes   int64
	PidsLimit        int64
	// LimitAddressSpace allows RLIMIT_AS as the memory bound when no cgroup
	// is available. Runtimes that reserve large virtual heaps (JVM, V8, mono)
	// fail to start under it and leave this unset.
	LimitAddressSpace bool

	// Env entries may contain the {dir} placeholder.
	Env []string
	// Seccomp names the pkg/seccomp profile used for the run step.
	Seccomp string
	// Image is the OCI image used by the containerd backend.
	Image string
}

// Paths holds the concrete values substituted into command templates.
type Paths struct {
	Dir    string
	Source string
	Binary string
	Class  string
}

// HasCompileStep reports whether submissions go through a compile step.
func (p Profile) HasCompileStep() bool {
	return strings.TrimSpace(p.CompileCommand) != ""
}

// CompileArgs expands the compile template, or returns nil for interpreted languages.
func (p Profile) CompileArgs(paths Paths) ([]string, error) {
	if !p.HasCompileStep() {
		return nil, nil
	}
	return expand(p.CompileCommand, paths)
}

// RunArgs expands the run template.
func (p Profile) RunArgs(paths Paths) ([]string, error) {
	return expand(p.RunCommand, paths)
}

// Environment expands the profile's extra environment entries.
func (p Profile) Environment(paths Paths) []string {
	r := replacer(paths)
	env := make([]string, 0, len(p.Env))
	for _, kv := range p.Env {
		env = append(env, r.Replace(kv))
	}
	return env
}

const classModifiers = `(?:public|internal|private|protected|final|abstract|static|sealed|partial|strictfp)`

var (
	// Declarations start a line, so the word class inside comments and
	// string literals is ignored.
	publicClassPattern = regexp.MustCompile(`(?m)^[ \t]*(?:` + classModifiers + `[ \t]+)*public[ \t]+(?:` + classModifiers + `[ \t]+)*class[ \t]+(\w+)`)
	anyClassPattern    = regexp.MustCompile(`(?m)^[ \t]*(?:` + classModifiers + `[ \t]+)*class[ \t]+(\w+)`)
	identifierPattern  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,63}$`)
)

// SourceFile returns the file name the code must be written to and, for
// class-named languages, the class the run step starts.
func (p Profile) SourceFile(code string) (file, class string, err error) {
	if !p.ClassNamed {
		stem := p.SourceName
		if stem == "" {
			stem = "main"
		}
		return stem + p.FileExtension, "", nil
	}

	class = "Main"
	if m := publicClassPattern.FindStringSubmatch(code); m != nil {
		class = m[1]
	} else if m := anyClassPattern.FindStringSubmatch(code); m != nil {
		class = m[1]
	}
	if !identifierPattern.MatchString(class) {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidClassName, class)
	}
	return class + p.FileExtension, class, nil
}

// Validate checks that the profile is usable.
func (p Profile) Validate() error {
	if p.ID == "" {
		return errors.New("profile id is required")
	}
	if p.ID != strings.ToLower(p.ID) {
		return fmt.Errorf("profile %s: id must be lower case", p.ID)
	}
	if strings.TrimSpace(p.RunCommand) == "" {
		return fmt.Errorf("profile %s: run command is required", p.ID)
	}
	if _, err := shlex.Split(p.RunCommand); err != nil {
		return fmt.Errorf("profile %s: run command: %w", p.ID, err)
	}
	if p.RunTimeout <= 0 {
		return fmt.Errorf("profile %s: run timeout must be positive", p.ID)
	}
	if p.HasCompileStep() {
		if _, err := shlex.Split(p.CompileCommand); err != nil {
			return fmt.Errorf("profile %s: compile command: %w", p.ID, err)
		}
		if p.CompileTimeout <= 0 {
			return fmt.Errorf("profile %s: compile timeout must be positive", p.ID)
		}
	}
	if p.MemoryLimitBytes <= 0 {
		return fmt.Errorf("profile %s: memory limit must be positive", p.ID)
	}
	if p.MaxOutputBytes <= 0 {
		return fmt.Errorf("profile %s: output cap must be positive", p.ID)
	}
	return nil
}

func expand(tmpl string, paths Paths) ([]string, error) {
	words, err := shlex.Split(tmpl)
	if err != nil {
		return nil, fmt.Errorf("parsing command template: %w", err)
	}
	if len(words) == 0 {
		return nil, errors.New("empty command template")
	}
	r := replacer(paths)
	for i, w := range words {
		words[i] = r.Replace(w)
	}
	return words, nil
}

func replacer(paths Paths) *strings.Replacer {
	return strings.NewReplacer(
		"{src}", paths.Source,
		"{bin}", paths.Binary,
		"{class}", paths.Class,
		"{dir}", paths.Dir,
	)
}
