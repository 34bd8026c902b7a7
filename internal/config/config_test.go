package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
[orchestrator]
tick_interval_ms = 50
default_max_retries = 5

[log]
format = "json"

[llm]
provider = "anthropic"
api_key = "sk-test"

[sinks.kafka]
enabled = true
brokers = ["localhost:9092"]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Orchestrator.TickIntervalMS != 50 || cfg.Orchestrator.DefaultMaxRetries != 5 {
		t.Fatalf("orchestrator=%+v", cfg.Orchestrator)
	}
	if cfg.Orchestrator.HistorySize != 256 {
		t.Fatalf("history size default lost: %d", cfg.Orchestrator.HistorySize)
	}
	if cfg.Log.Format != "json" || cfg.Log.Level != "info" {
		t.Fatalf("log=%+v", cfg.Log)
	}
	if cfg.Sinks.Kafka.Topic != "agentnet.events" || len(cfg.Sinks.Kafka.Brokers) != 1 {
		t.Fatalf("kafka=%+v", cfg.Sinks.Kafka)
	}
	if cfg.Path != path {
		t.Fatalf("path=%q", cfg.Path)
	}
	llm, ok := cfg.Raw["llm"].(map[string]any)
	if !ok || llm["api_key"] != "***" {
		t.Fatalf("raw llm section not redacted: %#v", cfg.Raw["llm"])
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"log format":        "[log]\nformat = \"xml\"\n",
		"llm provider":      "[llm]\nprovider = \"other\"\n",
		"kafka brokers":     "[sinks.kafka]\nenabled = true\n",
		"duplicate agent":   "[[agents]]\nid = \"a\"\n[[agents]]\nid = \"a\"\n",
		"heartbeat ratio":   "[registry]\nheartbeat_timeout_ms = 1000\n[[agents]]\nid = \"a\"\nheartbeat_interval_ms = 1000\n",
		"default heartbeat": "[registry]\nheartbeat_timeout_ms = 4000\n",
	}
	for name, body := range cases {
		if _, err := Load(writeConfig(t, body)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("explicit missing file should fail")
	}
}

func TestSecretsAPIKey(t *testing.T) {
	env := map[string]string{"KEY_ENV": " from-env "}
	s := Secrets{Lookup: func(k string) (string, bool) { v, ok := env[k]; return v, ok }}

	if v, err := s.APIKey(LLMConfig{APIKey: "explicit", APIKeyEnv: "KEY_ENV"}); err != nil || v != "explicit" {
		t.Fatalf("explicit key=%q err=%v", v, err)
	}
	if v, err := s.APIKey(LLMConfig{APIKeyEnv: "KEY_ENV"}); err != nil || v != "from-env" {
		t.Fatalf("env key=%q err=%v", v, err)
	}
	if _, err := s.APIKey(LLMConfig{APIKeyEnv: "UNSET"}); !errors.Is(err, ErrSecretMissing) {
		t.Fatalf("err=%v want ErrSecretMissing", err)
	}
}

func TestMillis(t *testing.T) {
	if got := Millis(0, time.Second); got != time.Second {
		t.Fatalf("default=%v", got)
	}
	if got := Millis(250, time.Second); got != 250*time.Millisecond {
		t.Fatalf("value=%v", got)
	}
}
