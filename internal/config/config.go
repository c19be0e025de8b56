package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"safe-code-runner/internal/runtime"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig              `yaml:"server"`
	Sandbox   SandboxConfig             `yaml:"sandbox"`
	Languages map[string]LanguageConfig `yaml:"languages"`
	Metrics   MetricsConfig             `yaml:"metrics"`
	Tracing   TracingConfig             `yaml:"tracing"`
	Security  SecurityConfig            `yaml:"security"`
	TLS       TLSConfig                 `yaml:"tls"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
	Compression     bool          `yaml:"compression"`
}

type SandboxConfig struct {
	Backend          string        `yaml:"backend"` // "process" (default) or "containerd"
	WorkspaceRoot    string        `yaml:"workspace_root"`
	MaxConcurrent    int           `yaml:"max_concurrent"`
	QueueDepth       int           `yaml:"queue_depth"`
	QueuePolicy      string        `yaml:"queue_policy"` // "queue" or "reject"
	QueueWaitTimeout time.Duration `yaml:"queue_wait_timeout"`
	DefaultWallTime  time.Duration `yaml:"default_wall_time"`
	MaxWallTime      time.Duration `yaml:"max_wall_time"`
	MaxCodeBytes     int           `yaml:"max_code_bytes"`

	Isolation  IsolationConfig  `yaml:"isolation"`
	Containerd ContainerdConfig `yaml:"containerd"`
}

// IsolationConfig tunes the process backend.
type IsolationConfig struct {
	Namespaces  bool     `yaml:"namespaces"`
	HelperPath  string   `yaml:"helper_path"`
	CgroupRoot  string   `yaml:"cgroup_root"`
	RunAsUID    int      `yaml:"run_as_uid"`
	RunAsGID    int      `yaml:"run_as_gid"`
	Seccomp     bool     `yaml:"seccomp"`
	Path        string   `yaml:"path"`
	TmpfsDirs   []string `yaml:"tmpfs_dirs"`
	TmpfsSizeMB int64    `yaml:"tmpfs_size_mb"`
}

type ContainerdConfig struct {
	Socket         string `yaml:"socket"`
	Namespace      string `yaml:"namespace"`
	PrefetchImages bool   `yaml:"prefetch_images"`
}

// LanguageConfig overrides one built-in language profile. Zero fields keep
// the built-in value.
type LanguageConfig struct {
	Disabled       bool          `yaml:"disabled"`
	CompileTimeout time.Duration `yaml:"compile_timeout"`
	RunTimeout     time.Duration `yaml:"run_timeout"`
	MemoryMB       int64         `yaml:"memory_mb"`
	MaxOutputKB    int64         `yaml:"max_output_kb"`
	PidsLimit      int64         `yaml:"pids_limit"`
	Image          string        `yaml:"image"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

type SecurityConfig struct {
	APIKeyHeader string   `yaml:"api_key_header"`
	AllowedKeys  []string `yaml:"allowed_keys"`
	// JWTSecret verifies HS256 session tokens issued by the web app.
	JWTSecret      string  `yaml:"jwt_secret"`
	JWTIssuer      string  `yaml:"jwt_issuer"`
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
}

// AuthEnabled reports whether requests must carry credentials.
func (s SecurityConfig) AuthEnabled() bool {
	return len(s.AllowedKeys) > 0 || s.JWTSecret != ""
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Load reads configuration from a YAML file on top of the defaults and
// applies environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CONFIG_PATH or a flag
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    90 * time.Second, // > queue wait + max wall time
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  256 << 10,
			Compression:     true,
		},
		Sandbox: SandboxConfig{
			Backend:          "process",
			WorkspaceRoot:    filepath.Join(os.TempDir(), "safe-code-runner"),
			MaxConcurrent:    4,
			QueueDepth:       32,
			QueuePolicy:      "queue",
			QueueWaitTimeout: 30 * time.Second,
			DefaultWallTime:  20 * time.Second,
			MaxWallTime:      45 * time.Second,
			MaxCodeBytes:     64 << 10,
			Isolation: IsolationConfig{
				Namespaces:  true,
				HelperPath:  "/usr/local/bin/sandbox-init",
				RunAsUID:    65534,
				RunAsGID:    65534,
				Seccomp:     true,
				TmpfsDirs:   []string{"/tmp", "/var/tmp", "/dev/shm"},
				TmpfsSizeMB: 64,
			},
			Containerd: ContainerdConfig{
				Socket:         "/run/containerd/containerd.sock",
				Namespace:      "coderunner",
				PrefetchImages: true,
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Security: SecurityConfig{
			APIKeyHeader:   "X-API-Key",
			RateLimitRPS:   5,
			RateLimitBurst: 10,
		},
	}
}

// ApplyEnv applies overrides from environment variables read through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v := getenv("SANDBOX_BACKEND"); v != "" {
		c.Sandbox.Backend = v
	}
	if v := getenv("SANDBOX_MAX_CONCURRENT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SANDBOX_MAX_CONCURRENT: %w", err)
		}
		c.Sandbox.MaxConcurrent = n
	}
	if v := getenv("SANDBOX_HELPER_PATH"); v != "" {
		c.Sandbox.Isolation.HelperPath = v
	}
	if v := getenv("JWT_SECRET"); v != "" {
		c.Security.JWTSecret = v
	}
	if v := getenv("API_KEYS"); v != "" {
		c.Security.AllowedKeys = nil
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				c.Security.AllowedKeys = append(c.Security.AllowedKeys, k)
			}
		}
	}
	return nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	s := c.Sandbox
	switch s.Backend {
	case "process", "containerd":
	default:
		return fmt.Errorf("sandbox.backend must be process or containerd, got %q", s.Backend)
	}
	switch s.QueuePolicy {
	case "queue", "reject":
	default:
		return fmt.Errorf("sandbox.queue_policy must be queue or reject, got %q", s.QueuePolicy)
	}
	if s.MaxConcurrent < 1 {
		return errors.New("sandbox.max_concurrent must be >= 1")
	}
	if s.QueueDepth < 0 {
		return errors.New("sandbox.queue_depth must be >= 0")
	}
	if s.DefaultWallTime <= 0 || s.DefaultWallTime > s.MaxWallTime {
		return fmt.Errorf("sandbox.default_wall_time (%s) must be positive and <= max_wall_time (%s)",
			s.DefaultWallTime, s.MaxWallTime)
	}
	if s.MaxCodeBytes < 1 {
		return errors.New("sandbox.max_code_bytes must be >= 1")
	}
	if s.WorkspaceRoot == "" || !filepath.IsAbs(s.WorkspaceRoot) {
		return fmt.Errorf("sandbox.workspace_root must be an absolute path, got %q", s.WorkspaceRoot)
	}
	if s.Isolation.Seccomp && s.Isolation.HelperPath == "" {
		return errors.New("sandbox.isolation.seccomp requires helper_path")
	}
	if s.Isolation.CgroupRoot != "" && !filepath.IsAbs(s.Isolation.CgroupRoot) {
		return errors.New("sandbox.isolation.cgroup_root must be an absolute path")
	}
	if c.Server.MaxRequestBody < int64(s.MaxCodeBytes) {
		return fmt.Errorf("server.max_request_body_bytes (%d) must be >= sandbox.max_code_bytes (%d)",
			c.Server.MaxRequestBody, s.MaxCodeBytes)
	}
	for id, l := range c.Languages {
		if l.CompileTimeout < 0 || l.RunTimeout < 0 || l.MemoryMB < 0 || l.MaxOutputKB < 0 || l.PidsLimit < 0 {
			return fmt.Errorf("languages.%s: values must not be negative", id)
		}
		if l.MemoryMB > 0 && l.MemoryMB < 16 {
			return fmt.Errorf("languages.%s.memory_mb must be >= 16", id)
		}
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /, got %q", c.Metrics.Path)
	}
	if c.Security.RateLimitRPS < 0 {
		return errors.New("security.rate_limit_rps must be >= 0")
	}
	if c.TLS.Enabled && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		return errors.New("tls.cert_file and tls.key_file are required when TLS is enabled")
	}
	return nil
}

// Overrides converts the languages section into registry overrides.
func (c *Config) Overrides() map[string]runtime.Override {
	out := make(map[string]runtime.Override, len(c.Languages))
	for id, l := range c.Languages {
		out[id] = runtime.Override{
			Disabled:       l.Disabled,
			CompileTimeout: l.CompileTimeout,
			RunTimeout:     l.RunTimeout,
			MemoryBytes:    l.MemoryMB << 20,
			MaxOutputBytes: l.MaxOutputKB << 10,
			PidsLimit:      l.PidsLimit,
			Image:          l.Image,
		}
	}
	return out
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
