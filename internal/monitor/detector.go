package monitor

import (
	"regexp"
	"strings"
)

// Detector flags submitted code and program output that look like an
// attempt to probe or escape the sandbox. Findings are for logs and
// metrics only; isolation does not depend on them.
type Detector struct {
	patterns []DetectionPattern
}

// DetectionPattern defines a suspicious pattern to match.
type DetectionPattern struct {
	Name        string
	Description string
	Regex       *regexp.Regexp
	Severity    Severity
	// Languages restricts the pattern to these language ids. Empty means all.
	Languages []string
}

func (p DetectionPattern) appliesTo(language string) bool {
	if len(p.Languages) == 0 {
		return true
	}
	for _, l := range p.Languages {
		if l == language {
			return true
		}
	}
	return false
}

// Severity levels for detected threats.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Detection represents a detected suspicious pattern.
type Detection struct {
	Pattern  string `json:"pattern"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
	Line     int    `json:"line,omitempty"`
}

// NewDetector creates a detector with the default patterns.
func NewDetector() *Detector {
	return &Detector{patterns: defaultPatterns()}
}

// Scan checks code submitted in language. Each pattern is reported at most
// once, at the first line it matches.
func (d *Detector) Scan(language, code string) []Detection {
	if d == nil {
		return nil
	}
	var detections []Detection
	lines := strings.Split(code, "\n")
	for _, p := range d.patterns {
		if !p.appliesTo(language) {
			continue
		}
		for i, line := range lines {
			if p.Regex.MatchString(line) {
				detections = append(detections, Detection{
					Pattern:  p.Name,
					Severity: p.Severity.String(),
					Detail:   p.Description,
					Line:     i + 1,
				})
				break
			}
		}
	}
	return detections
}

var outputPatterns = []struct {
	name   string
	substr string
	sev    Severity
}{
	{"passwd_leak", "root:x:0:0", SeverityCritical},
	{"kernel_leak", "Linux version", SeverityMedium},
	{"containerd_socket", "containerd.sock", SeverityCritical},
	{"docker_socket", "docker.sock", SeverityCritical},
	{"cgroup_leak", "/sys/fs/cgroup", SeverityHigh},
}

// ScanOutput checks program output for signs of host information.
func (d *Detector) ScanOutput(output string) []Detection {
	if d == nil {
		return nil
	}
	var detections []Detection
	for _, p := range outputPatterns {
		if strings.Contains(output, p.substr) {
			detections = append(detections, Detection{
				Pattern:  p.name,
				Severity: p.sev.String(),
				Detail:   "suspicious content in output: " + p.name,
			})
		}
	}
	return detections
}

func defaultPatterns() []DetectionPattern {
	return []DetectionPattern{
		{
			Name:        "proc_self_access",
			Description: "Reading /proc/self internals",
			Regex:       regexp.MustCompile(`/proc/(self|1)/(root|exe|fd|ns|maps|mem|environ)`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "cgroup_escape",
			Description: "Touching cgroup control files",
			Regex:       regexp.MustCompile(`/sys/fs/cgroup|notify_on_release|release_agent`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "runtime_socket",
			Description: "Looking for container runtime sockets",
			Regex:       regexp.MustCompile(`(/var)?/run/(docker|containerd)`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "kernel_exploit",
			Description: "Known kernel exploit primitives",
			Regex:       regexp.MustCompile(`(?i)(dirty.?cow|dirty.?pipe|userfaultfd|io_uring_setup)`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "metadata_service",
			Description: "Reaching for a cloud metadata service",
			Regex:       regexp.MustCompile(`169\.254\.169\.254|metadata\.google\.internal`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "reverse_shell",
			Description: "Reverse shell idiom",
			Regex:       regexp.MustCompile(`(?i)\b(nc|ncat|netcat|socat)\s+.*-[elp]|/dev/tcp/|bash\s+-i\s+>&`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "ptrace_attempt",
			Description: "Process tracing or memory access across processes",
			Regex:       regexp.MustCompile(`(?i)\b(ptrace|process_vm_readv|process_vm_writev)\b`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "fork_bomb",
			Description: "Unbounded process creation",
			Regex:       regexp.MustCompile(`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}|while\s*\(\s*(1|true)\s*\)\s*\{?\s*fork\s*\(|os\.fork\(\)\s*while`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "python_subprocess",
			Description: "Spawning host processes from Python",
			Regex:       regexp.MustCompile(`\b(subprocess\.|os\.system\(|os\.popen\(|pty\.spawn\()`),
			Severity:    SeverityLow,
			Languages:   []string{"python"},
		},
		{
			Name:        "node_child_process",
			Description: "Spawning host processes from Node.js",
			Regex:       regexp.MustCompile(`require\(\s*['"](node:)?child_process['"]\s*\)|from\s+['"](node:)?child_process['"]`),
			Severity:    SeverityLow,
			Languages:   []string{"javascript"},
		},
		{
			Name:        "jvm_exec",
			Description: "Spawning host processes from the JVM",
			Regex:       regexp.MustCompile(`Runtime\.getRuntime\(\)\.exec|new\s+ProcessBuilder`),
			Severity:    SeverityLow,
			Languages:   []string{"java"},
		},
		{
			Name:        "native_network",
			Description: "Opening raw sockets from native code",
			Regex:       regexp.MustCompile(`\bsocket\s*\(\s*(AF_INET|AF_INET6|PF_INET|AF_PACKET)`),
			Severity:    SeverityMedium,
			Languages:   []string{"c", "cpp"},
		},
		{
			Name:        "crypto_miner",
			Description: "Cryptocurrency mining",
			Regex:       regexp.MustCompile(`(?i)(stratum\+tcp|xmrig|minerd|cryptonight)`),
			Severity:    SeverityMedium,
		},
	}
}
