// Package config loads agentrun settings from $AGENTRUN_HOME.
package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/basket/agentrun/internal/otel"
)

// LLMConfig selects the planner's model.
type LLMConfig struct {
	// Provider is "google", "anthropic", "openai" or "openai_compatible".
	Provider   string `yaml:"provider" toml:"provider"`
	Model      string `yaml:"model" toml:"model"`
	APIKey     string `yaml:"api_key" toml:"api_key"`
	BaseURL    string `yaml:"base_url" toml:"base_url"`
	MaxRetries int    `yaml:"max_retries" toml:"max_retries"`
}

type AgentConfig struct {
	MaxSteps           int    `yaml:"max_steps" toml:"max_steps"`
	DuplicateThreshold int    `yaml:"duplicate_threshold" toml:"duplicate_threshold"`
	DefaultKind        string `yaml:"default_kind" toml:"default_kind"`
}

type GateConfig struct {
	PollIntervalMS int      `yaml:"poll_interval_ms" toml:"poll_interval_ms"`
	GatedTools     []string `yaml:"gated_tools" toml:"gated_tools"`
}

type StreamConfig struct {
	HeartbeatSeconds int `yaml:"heartbeat_seconds" toml:"heartbeat_seconds"`
}

// SandboxConfig picks where agent shell commands run.
type SandboxConfig struct {
	Docker     bool   `yaml:"docker" toml:"docker"`
	Image      string `yaml:"image" toml:"image"`
	MemoryMB   int64  `yaml:"memory_mb" toml:"memory_mb"`
	Network    string `yaml:"network" toml:"network"`
	WorkDir    string `yaml:"work_dir" toml:"work_dir"`
	DiagBinary string `yaml:"diag_binary" toml:"diag_binary"`
}

type RetrievalConfig struct {
	Endpoint       string `yaml:"endpoint" toml:"endpoint"`
	TopK           int    `yaml:"top_k" toml:"top_k"`
	TimeoutSeconds int    `yaml:"timeout_seconds" toml:"timeout_seconds"`
}

// ArchiveConfig controls the sqlite ledger of finished tasks.
type ArchiveConfig struct {
	Enabled       bool   `yaml:"enabled" toml:"enabled"`
	Path          string `yaml:"path" toml:"path"`
	RetentionDays int    `yaml:"retention_days" toml:"retention_days"`
	PruneSchedule string `yaml:"prune_schedule" toml:"prune_schedule"`
}

type CORSConfig struct {
	AllowOrigins []string `yaml:"allow_origins" toml:"allow_origins"`
}

type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int `yaml:"burst" toml:"burst"`
}

type Config struct {
	HomeDir string `yaml:"-" toml:"-"`
	// Source is the file the config was read from, empty when none existed.
	Source string `yaml:"-" toml:"-"`

	BindAddr            string `yaml:"bind_addr" toml:"bind_addr"`
	LogLevel            string `yaml:"log_level" toml:"log_level"`
	HistorySize         int    `yaml:"history_size" toml:"history_size"`
	MaxBodyBytes        int64  `yaml:"max_body_bytes" toml:"max_body_bytes"`
	DrainTimeoutSeconds int    `yaml:"drain_timeout_seconds" toml:"drain_timeout_seconds"`

	LLM       LLMConfig       `yaml:"llm" toml:"llm"`
	Agent     AgentConfig     `yaml:"agent" toml:"agent"`
	Gate      GateConfig      `yaml:"gate" toml:"gate"`
	Stream    StreamConfig    `yaml:"stream" toml:"stream"`
	Sandbox   SandboxConfig   `yaml:"sandbox" toml:"sandbox"`
	Retrieval RetrievalConfig `yaml:"retrieval" toml:"retrieval"`
	Archive   ArchiveConfig   `yaml:"archive" toml:"archive"`
	OTel      otel.Config     `yaml:"otel" toml:"otel"`
	CORS      CORSConfig      `yaml:"cors" toml:"cors"`
	RateLimit RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
}

// PollInterval is the gate's fallback re-check period.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Gate.PollIntervalMS) * time.Millisecond
}

// HeartbeatInterval is the idle keep-alive period of streams.
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Stream.HeartbeatSeconds) * time.Second
}

// DrainTimeout bounds shutdown.
func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

// ArchivePath resolves the archive database location.
func (c Config) ArchivePath() string {
	if filepath.IsAbs(c.Archive.Path) {
		return c.Archive.Path
	}
	return filepath.Join(c.HomeDir, c.Archive.Path)
}

// Fingerprint returns a stable hash of the settings that change behaviour.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|history=%d|steps=%d|gated=%v|llm=%s/%s|sandbox=%t|origins=%v",
		c.BindAddr, c.LogLevel, c.HistorySize, c.Agent.MaxSteps, c.Gate.GatedTools,
		c.LLM.Provider, c.LLM.Model, c.Sandbox.Docker, c.CORS.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:            "127.0.0.1:8000",
		LogLevel:            "info",
		HistorySize:         100,
		MaxBodyBytes:        1 << 20,
		DrainTimeoutSeconds: 5,
		LLM:                 LLMConfig{Provider: "google", MaxRetries: 2},
		Agent: AgentConfig{
			MaxSteps:           30,
			DuplicateThreshold: 2,
			DefaultKind:        "diag",
		},
		Gate:   GateConfig{PollIntervalMS: 1000, GatedTools: []string{"diag"}},
		Stream: StreamConfig{HeartbeatSeconds: 15},
		Sandbox: SandboxConfig{
			Image:      "oceanbase/obdiag:latest",
			MemoryMB:   512,
			Network:    "none",
			DiagBinary: "obdiag",
		},
		Retrieval: RetrievalConfig{TopK: 5, TimeoutSeconds: 30},
		Archive: ArchiveConfig{
			Enabled:       true,
			Path:          "archive.db",
			RetentionDays: 30,
			PruneSchedule: "@hourly",
		},
		OTel:      otel.Config{Exporter: "none", ServiceName: "agentrun"},
		RateLimit: RateLimitConfig{RequestsPerMinute: 60, Burst: 10},
	}
}

// HomeDir is $AGENTRUN_HOME, or ~/.agentrun.
func HomeDir() string {
	if override := os.Getenv("AGENTRUN_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".agentrun")
}

// YAMLPath returns the path of config.yaml within homeDir.
func YAMLPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// TOMLPath returns the path of config.toml within homeDir.
func TOMLPath(homeDir string) string {
	return filepath.Join(homeDir, "config.toml")
}

// Load reads the config from HomeDir.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads config.yaml, or config.toml when no YAML file exists, then
// applies environment overrides and fills in defaults.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create agentrun home: %w", err)
	}

	if err := decodeFile(&cfg); err != nil {
		return cfg, err
	}
	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decodeFile(cfg *Config) error {
	yamlPath := YAMLPath(cfg.HomeDir)
	data, err := os.ReadFile(yamlPath)
	switch {
	case err == nil:
		cfg.Source = yamlPath
		if len(data) == 0 {
			return nil
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse config.yaml: %w", err)
		}
		return nil
	case !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("read config.yaml: %w", err)
	}

	tomlPath := TOMLPath(cfg.HomeDir)
	if _, err := toml.DecodeFile(tomlPath, cfg); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("parse config.toml: %w", err)
	}
	cfg.Source = tomlPath
	return nil
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if cfg.BindAddr == "" {
		cfg.BindAddr = def.BindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = def.DrainTimeoutSeconds
	}
	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	if cfg.LLM.Provider == "" || cfg.LLM.Provider == "gemini" {
		cfg.LLM.Provider = "google"
	}
	if cfg.Agent.MaxSteps <= 0 {
		cfg.Agent.MaxSteps = def.Agent.MaxSteps
	}
	if cfg.Agent.DuplicateThreshold <= 0 {
		cfg.Agent.DuplicateThreshold = def.Agent.DuplicateThreshold
	}
	if strings.TrimSpace(cfg.Agent.DefaultKind) == "" {
		cfg.Agent.DefaultKind = def.Agent.DefaultKind
	}
	if cfg.Gate.PollIntervalMS <= 0 {
		cfg.Gate.PollIntervalMS = def.Gate.PollIntervalMS
	}
	if cfg.Stream.HeartbeatSeconds <= 0 {
		cfg.Stream.HeartbeatSeconds = def.Stream.HeartbeatSeconds
	}
	if cfg.Sandbox.DiagBinary == "" {
		cfg.Sandbox.DiagBinary = def.Sandbox.DiagBinary
	}
	if cfg.Retrieval.TimeoutSeconds <= 0 {
		cfg.Retrieval.TimeoutSeconds = def.Retrieval.TimeoutSeconds
	}
	if cfg.Archive.Path == "" {
		cfg.Archive.Path = def.Archive.Path
	}
	if cfg.Archive.PruneSchedule == "" {
		cfg.Archive.PruneSchedule = def.Archive.PruneSchedule
	}
}

func validate(cfg Config) error {
	switch cfg.LLM.Provider {
	case "google", "anthropic", "openai", "openai_compatible":
	default:
		return fmt.Errorf("llm.provider %q not supported (google, anthropic, openai, openai_compatible)", cfg.LLM.Provider)
	}
	if cfg.LLM.Provider == "openai_compatible" && cfg.LLM.BaseURL == "" {
		return errors.New("llm.base_url is required for openai_compatible")
	}
	if cfg.Archive.RetentionDays < 0 {
		return fmt.Errorf("archive.retention_days must not be negative, got %d", cfg.Archive.RetentionDays)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("AGENTRUN_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("AGENTRUN_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	setInt(&cfg.HistorySize, "AGENTRUN_HISTORY_SIZE")
	setInt(&cfg.Agent.MaxSteps, "AGENTRUN_MAX_STEPS")
	setInt(&cfg.Gate.PollIntervalMS, "AGENTRUN_GATE_POLL_MS")
	setInt(&cfg.DrainTimeoutSeconds, "AGENTRUN_DRAIN_TIMEOUT_SECONDS")
	if raw := os.Getenv("AGENTRUN_GATED_TOOLS"); raw != "" {
		cfg.Gate.GatedTools = splitList(raw)
	}
	if raw := os.Getenv("AGENTRUN_LLM_PROVIDER"); raw != "" {
		cfg.LLM.Provider = raw
	}
	if raw := os.Getenv("AGENTRUN_LLM_MODEL"); raw != "" {
		cfg.LLM.Model = raw
	}
	if raw := os.Getenv("AGENTRUN_LLM_API_KEY"); raw != "" {
		cfg.LLM.APIKey = raw
	}
	if raw := os.Getenv("AGENTRUN_LLM_BASE_URL"); raw != "" {
		cfg.LLM.BaseURL = raw
	}
	if raw := os.Getenv("AGENTRUN_RETRIEVAL_ENDPOINT"); raw != "" {
		cfg.Retrieval.Endpoint = raw
	}
	if raw := os.Getenv("AGENTRUN_SANDBOX_DOCKER"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Sandbox.Docker = v
		}
	}
	if raw := os.Getenv("AGENTRUN_ARCHIVE_PATH"); raw != "" {
		cfg.Archive.Path = raw
	}
	if raw := os.Getenv("AGENTRUN_ALLOW_ORIGINS"); raw != "" {
		cfg.CORS.AllowOrigins = splitList(raw)
	}
}

func setInt(dst *int, env string) {
	if raw := os.Getenv(env); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			*dst = v
		}
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
