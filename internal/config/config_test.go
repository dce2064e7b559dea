package config_test

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/basket/agentrun/internal/config"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoad_FromAgentrunHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	t.Setenv("HOME", home)
	t.Setenv("AGENTRUN_HOME", "")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HomeDir != filepath.Join(home, ".agentrun") {
		t.Fatalf("home = %q", cfg.HomeDir)
	}
	if _, err := os.Stat(cfg.HomeDir); err != nil {
		t.Fatalf("home not created: %v", err)
	}
	if cfg.Source != "" {
		t.Fatalf("source = %q, want empty without config file", cfg.Source)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	cfg, err := config.LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:8000" {
		t.Fatalf("bind_addr = %q", cfg.BindAddr)
	}
	if cfg.HistorySize != 100 {
		t.Fatalf("history_size = %d, want 100", cfg.HistorySize)
	}
	if cfg.Agent.MaxSteps != 30 || cfg.Agent.DuplicateThreshold != 2 || cfg.Agent.DefaultKind != "diag" {
		t.Fatalf("agent = %+v", cfg.Agent)
	}
	if cfg.PollInterval().Seconds() != 1 {
		t.Fatalf("poll interval = %s", cfg.PollInterval())
	}
	if !reflect.DeepEqual(cfg.Gate.GatedTools, []string{"diag"}) {
		t.Fatalf("gated tools = %v", cfg.Gate.GatedTools)
	}
	if cfg.HeartbeatInterval().Seconds() != 15 {
		t.Fatalf("heartbeat = %s", cfg.HeartbeatInterval())
	}
	if cfg.Archive.RetentionDays != 30 || cfg.Archive.PruneSchedule != "@hourly" {
		t.Fatalf("archive = %+v", cfg.Archive)
	}
	if cfg.ArchivePath() != filepath.Join(cfg.HomeDir, "archive.db") {
		t.Fatalf("archive path = %q", cfg.ArchivePath())
	}
}

func TestLoad_YAML(t *testing.T) {
	home := t.TempDir()
	writeFile(t, config.YAMLPath(home), `
bind_addr: 0.0.0.0:9000
history_size: 5
agent:
  max_steps: 12
gate:
  poll_interval_ms: 250
  gated_tools: [diag, bash]
llm:
  provider: Anthropic
  model: claude-sonnet-4-5
`)
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Source != config.YAMLPath(home) {
		t.Fatalf("source = %q", cfg.Source)
	}
	if cfg.BindAddr != "0.0.0.0:9000" || cfg.HistorySize != 5 || cfg.Agent.MaxSteps != 12 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Agent.DuplicateThreshold != 2 {
		t.Fatalf("unset nested field lost its default: %d", cfg.Agent.DuplicateThreshold)
	}
	if cfg.PollInterval().Milliseconds() != 250 {
		t.Fatalf("poll = %s", cfg.PollInterval())
	}
	if !reflect.DeepEqual(cfg.Gate.GatedTools, []string{"diag", "bash"}) {
		t.Fatalf("gated = %v", cfg.Gate.GatedTools)
	}
	if cfg.LLM.Provider != "anthropic" {
		t.Fatalf("provider = %q", cfg.LLM.Provider)
	}
}

func TestLoad_TOMLWhenNoYAML(t *testing.T) {
	home := t.TempDir()
	writeFile(t, config.TOMLPath(home), `
log_level = "debug"
history_size = 7

[retrieval]
endpoint = "http://127.0.0.1:7000/search"

[archive]
retention_days = 3
`)
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Source != config.TOMLPath(home) {
		t.Fatalf("source = %q", cfg.Source)
	}
	if cfg.LogLevel != "debug" || cfg.HistorySize != 7 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Retrieval.Endpoint != "http://127.0.0.1:7000/search" || cfg.Archive.RetentionDays != 3 {
		t.Fatalf("nested = %+v %+v", cfg.Retrieval, cfg.Archive)
	}
}

func TestLoad_YAMLWinsOverTOML(t *testing.T) {
	home := t.TempDir()
	writeFile(t, config.YAMLPath(home), "history_size: 11\n")
	writeFile(t, config.TOMLPath(home), "history_size = 22\n")
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HistorySize != 11 {
		t.Fatalf("history_size = %d, want 11", cfg.HistorySize)
	}
}

func TestLoad_EnvOverridesConfig(t *testing.T) {
	home := t.TempDir()
	writeFile(t, config.YAMLPath(home), "bind_addr: 127.0.0.1:1\nlog_level: info\n")
	t.Setenv("AGENTRUN_BIND_ADDR", "127.0.0.1:2")
	t.Setenv("AGENTRUN_LOG_LEVEL", "WARN")
	t.Setenv("AGENTRUN_HISTORY_SIZE", "9")
	t.Setenv("AGENTRUN_MAX_STEPS", "not-a-number")
	t.Setenv("AGENTRUN_GATED_TOOLS", "diag, bash ,")
	t.Setenv("AGENTRUN_SANDBOX_DOCKER", "true")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:2" {
		t.Fatalf("bind_addr = %q", cfg.BindAddr)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("log_level = %q", cfg.LogLevel)
	}
	if cfg.HistorySize != 9 {
		t.Fatalf("history_size = %d", cfg.HistorySize)
	}
	if cfg.Agent.MaxSteps != 30 {
		t.Fatalf("invalid env should keep default, got %d", cfg.Agent.MaxSteps)
	}
	if !reflect.DeepEqual(cfg.Gate.GatedTools, []string{"diag", "bash"}) {
		t.Fatalf("gated = %v", cfg.Gate.GatedTools)
	}
	if !cfg.Sandbox.Docker {
		t.Fatal("expected docker sandbox from env")
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"bad yaml":           "bind_addr: [",
		"unknown provider":   "llm:\n  provider: cohere\n",
		"compat no baseurl":  "llm:\n  provider: openai_compatible\n",
		"negative retention": "archive:\n  retention_days: -1\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			home := t.TempDir()
			writeFile(t, config.YAMLPath(home), body)
			if _, err := config.LoadFrom(home); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestNormalizeProviderName(t *testing.T) {
	home := t.TempDir()
	writeFile(t, config.YAMLPath(home), "llm:\n  provider: gemini\n")
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LLM.Provider != "google" {
		t.Fatalf("provider = %q, want google", cfg.LLM.Provider)
	}
}

func TestFingerprint_ChangesWithSettings(t *testing.T) {
	a, _ := config.LoadFrom(t.TempDir())
	b := a
	b.Agent.MaxSteps = 5
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("fingerprint should change with max_steps")
	}
	if !strings.HasPrefix(a.Fingerprint(), "cfg-") {
		t.Fatalf("fingerprint = %q", a.Fingerprint())
	}
}
