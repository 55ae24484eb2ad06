package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains all runtime settings for the chat service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	RequestTimeout   time.Duration
	MetricsNamespace string
	LogLevel         string
	LogFormat        string

	AllowAnyOrigin bool

	MemoryBackend           string
	DatabaseURL             string
	SQLitePath              string
	MemoryWindowSize        int
	MemoryContainer         string
	MemoryCreateIfNotExists bool

	AgentMode       string
	AgentHTTPURL    string
	AgentAPIKey     string
	AgentMaxRetries int

	// PerfWindowSamples and PerfWindowMaxAge bound the /v1/perf/latency window.
	PerfWindowSamples int
	PerfWindowMaxAge  time.Duration
	// PerfTargetsP95 overrides per-stage p95 budgets, keyed by stage name.
	PerfTargetsP95 map[string]time.Duration
}

// fileConfig is the optional YAML overlay read from APP_CONFIG_FILE.
type fileConfig struct {
	App struct {
		BindAddr         string `yaml:"bind_addr"`
		ShutdownTimeout  string `yaml:"shutdown_timeout"`
		RequestTimeout   string `yaml:"request_timeout"`
		MetricsNamespace string `yaml:"metrics_namespace"`
		LogLevel         string `yaml:"log_level"`
		LogFormat        string `yaml:"log_format"`
		AllowAnyOrigin   *bool  `yaml:"allow_any_origin"`
	} `yaml:"app"`
	Memory struct {
		Backend           string `yaml:"backend"`
		DatabaseURL       string `yaml:"database_url"`
		SQLitePath        string `yaml:"sqlite_path"`
		WindowSize        *int   `yaml:"window_size"`
		Container         string `yaml:"container"`
		CreateIfNotExists *bool  `yaml:"create_if_not_exists"`
	} `yaml:"memory"`
	Agent struct {
		Mode       string `yaml:"mode"`
		HTTPURL    string `yaml:"http_url"`
		APIKey     string `yaml:"api_key"`
		MaxRetries *int   `yaml:"max_retries"`
	} `yaml:"agent"`
	Perf struct {
		WindowSamples *int              `yaml:"window_samples"`
		WindowMaxAge  string            `yaml:"window_max_age"`
		TargetsP95    map[string]string `yaml:"targets_p95"`
	} `yaml:"perf"`
}

// values flattens the overlay into the environment variable namespace.
func (f fileConfig) values() map[string]string {
	out := map[string]string{
		"APP_BIND_ADDR":           f.App.BindAddr,
		"APP_SHUTDOWN_TIMEOUT":    f.App.ShutdownTimeout,
		"APP_REQUEST_TIMEOUT":     f.App.RequestTimeout,
		"APP_METRICS_NAMESPACE":   f.App.MetricsNamespace,
		"APP_LOG_LEVEL":           f.App.LogLevel,
		"APP_LOG_FORMAT":          f.App.LogFormat,
		"MEMORY_BACKEND":          f.Memory.Backend,
		"DATABASE_URL":            f.Memory.DatabaseURL,
		"SQLITE_PATH":             f.Memory.SQLitePath,
		"MEMORY_CONTAINER":        f.Memory.Container,
		"AGENT_MODE":              f.Agent.Mode,
		"AGENT_HTTP_URL":          f.Agent.HTTPURL,
		"AGENT_API_KEY":           f.Agent.APIKey,
		"APP_PERF_WINDOW_MAX_AGE": f.Perf.WindowMaxAge,
	}
	if f.App.AllowAnyOrigin != nil {
		out["APP_ALLOW_ANY_ORIGIN"] = strconv.FormatBool(*f.App.AllowAnyOrigin)
	}
	if f.Memory.WindowSize != nil {
		out["MEMORY_WINDOW_SIZE"] = strconv.Itoa(*f.Memory.WindowSize)
	}
	if f.Memory.CreateIfNotExists != nil {
		out["MEMORY_CREATE_IF_NOT_EXISTS"] = strconv.FormatBool(*f.Memory.CreateIfNotExists)
	}
	if f.Agent.MaxRetries != nil {
		out["AGENT_MAX_RETRIES"] = strconv.Itoa(*f.Agent.MaxRetries)
	}
	if f.Perf.WindowSamples != nil {
		out["APP_PERF_WINDOW_SAMPLES"] = strconv.Itoa(*f.Perf.WindowSamples)
	}
	if len(f.Perf.TargetsP95) > 0 {
		stages := make([]string, 0, len(f.Perf.TargetsP95))
		for stage := range f.Perf.TargetsP95 {
			stages = append(stages, stage)
		}
		sort.Strings(stages)
		pairs := make([]string, 0, len(stages))
		for _, stage := range stages {
			pairs = append(pairs, stage+"="+f.Perf.TargetsP95[stage])
		}
		out["APP_PERF_TARGETS_P95"] = strings.Join(pairs, ",")
	}
	return out
}

type source struct {
	file map[string]string
}

// get returns the environment value for key, falling back to the YAML overlay.
func (s source) get(key string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return strings.TrimSpace(s.file[key])
}

// Load reads environment variables, optionally overlaid on the YAML file
// named by APP_CONFIG_FILE, and applies safe defaults.
func Load() (Config, error) {
	src := source{}
	if path := strings.TrimSpace(os.Getenv("APP_CONFIG_FILE")); path != "" {
		file, err := readFile(path)
		if err != nil {
			return Config{}, err
		}
		src.file = file.values()
	}

	cfg := Config{
		BindAddr:         src.orDefault("APP_BIND_ADDR", ":8000"),
		MetricsNamespace: src.orDefault("APP_METRICS_NAMESPACE", "agentchat"),
		LogLevel:         strings.ToLower(src.orDefault("APP_LOG_LEVEL", "info")),
		LogFormat:        strings.ToLower(src.orDefault("APP_LOG_FORMAT", "text")),
		MemoryBackend:    strings.ToLower(src.orDefault("MEMORY_BACKEND", "auto")),
		DatabaseURL:      src.get("DATABASE_URL"),
		SQLitePath:       src.get("SQLITE_PATH"),
		MemoryContainer:  src.orDefault("MEMORY_CONTAINER", "conversations"),
		AgentMode:        strings.ToLower(src.orDefault("AGENT_MODE", "auto")),
		AgentHTTPURL:     src.get("AGENT_HTTP_URL"),
		AgentAPIKey:      src.get("AGENT_API_KEY"),
	}

	var err error
	if cfg.ShutdownTimeout, err = src.duration("APP_SHUTDOWN_TIMEOUT", 15*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.RequestTimeout, err = src.duration("APP_REQUEST_TIMEOUT", 120*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = src.boolean("APP_ALLOW_ANY_ORIGIN", false); err != nil {
		return Config{}, err
	}
	if cfg.MemoryWindowSize, err = src.integer("MEMORY_WINDOW_SIZE", 5); err != nil {
		return Config{}, err
	}
	if cfg.MemoryCreateIfNotExists, err = src.boolean("MEMORY_CREATE_IF_NOT_EXISTS", true); err != nil {
		return Config{}, err
	}
	if cfg.AgentMaxRetries, err = src.integer("AGENT_MAX_RETRIES", 2); err != nil {
		return Config{}, err
	}
	if cfg.PerfWindowSamples, err = src.integer("APP_PERF_WINDOW_SAMPLES", 256); err != nil {
		return Config{}, err
	}
	if cfg.PerfWindowMaxAge, err = src.duration("APP_PERF_WINDOW_MAX_AGE", 15*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.PerfTargetsP95, err = src.targets("APP_PERF_TARGETS_P95"); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.MemoryWindowSize <= 0 {
		return fmt.Errorf("MEMORY_WINDOW_SIZE must be > 0, got %d", c.MemoryWindowSize)
	}
	if c.AgentMaxRetries < 0 {
		return fmt.Errorf("AGENT_MAX_RETRIES must be >= 0, got %d", c.AgentMaxRetries)
	}
	if c.PerfWindowSamples <= 0 {
		return fmt.Errorf("APP_PERF_WINDOW_SAMPLES must be > 0, got %d", c.PerfWindowSamples)
	}
	if c.PerfWindowMaxAge < 0 {
		return fmt.Errorf("APP_PERF_WINDOW_MAX_AGE must be >= 0, got %s", c.PerfWindowMaxAge)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("APP_REQUEST_TIMEOUT must be > 0, got %s", c.RequestTimeout)
	}
	switch c.MemoryBackend {
	case "auto", "memory", "postgres", "sqlite":
	default:
		return fmt.Errorf("MEMORY_BACKEND: unsupported value %q", c.MemoryBackend)
	}
	switch c.AgentMode {
	case "auto", "http", "mock":
	default:
		return fmt.Errorf("AGENT_MODE: unsupported value %q", c.AgentMode)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("APP_LOG_FORMAT: unsupported value %q", c.LogFormat)
	}
	return nil
}

func readFile(path string) (fileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, fmt.Errorf("APP_CONFIG_FILE read error: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fileConfig{}, fmt.Errorf("APP_CONFIG_FILE parse error: %w", err)
	}
	return fc, nil
}

func (s source) orDefault(key, fallback string) string {
	v := s.get(key)
	if v == "" {
		return fallback
	}
	return v
}

func (s source) duration(key string, fallback time.Duration) (time.Duration, error) {
	v := s.get(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func (s source) integer(key string, fallback int) (int, error) {
	v := s.get(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func (s source) boolean(key string, fallback bool) (bool, error) {
	v := strings.ToLower(s.get(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}

// targets parses "stage=duration" pairs separated by commas.
func (s source) targets(key string) (map[string]time.Duration, error) {
	v := s.get(key)
	if v == "" {
		return nil, nil
	}
	out := make(map[string]time.Duration)
	for _, pair := range strings.Split(v, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		stage, raw, ok := strings.Cut(pair, "=")
		stage = strings.ToLower(strings.TrimSpace(stage))
		if !ok || stage == "" {
			return nil, fmt.Errorf("%s parse error: expected stage=duration, got %q", key, pair)
		}
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("%s parse error for %s: %w", key, stage, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("%s: target for %s must be > 0", key, stage)
		}
		out[stage] = d
	}
	return out, nil
}
