package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

var ErrSecretMissing = errors.New("secret is not set")

// DefaultHeartbeatIntervalMS applies to agents that leave
// heartbeat_interval_ms unset.
const DefaultHeartbeatIntervalMS = 5000

type Config struct {
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	Bus          BusConfig          `toml:"bus"`
	Registry     RegistryConfig     `toml:"registry"`
	Log          LogConfig          `toml:"log"`
	LLM          LLMConfig          `toml:"llm"`
	Sinks        SinksConfig        `toml:"sinks"`
	Server       ServerConfig       `toml:"server"`
	Agents       []AgentConfig      `toml:"agents"`
	Raw          map[string]any     `toml:"-"`
	Path         string             `toml:"-"`
}

type OrchestratorConfig struct {
	TickIntervalMS    int `toml:"tick_interval_ms"`
	DefaultTimeoutMS  int `toml:"default_timeout_ms"`
	DefaultMaxRetries int `toml:"default_max_retries"`
	RetryBackoffMS    int `toml:"retry_backoff_ms"`
	HistorySize       int `toml:"history_size"`
	RecentOutcomes    int `toml:"recent_outcomes"`
	DeliveryTimeoutMS int `toml:"delivery_timeout_ms"`
}

type BusConfig struct {
	MailboxSize        int  `toml:"mailbox_size"`
	StrictRegistration bool `toml:"strict_registration"`
	EnforcePolicy      bool `toml:"enforce_policy"`
}

type RegistryConfig struct {
	ReliabilityWindow  int `toml:"reliability_window"`
	HeartbeatTimeoutMS int `toml:"heartbeat_timeout_ms"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type LLMConfig struct {
	Provider          string `toml:"provider"`
	Model             string `toml:"model"`
	APIKey            string `toml:"api_key"`
	APIKeyEnv         string `toml:"api_key_env"`
	MaxTokens         int    `toml:"max_tokens"`
	RequestsPerMinute int    `toml:"requests_per_minute"`
	TimeoutMS         int    `toml:"timeout_ms"`
	TemplateFormat    string `toml:"template_format"`
	TemplateMaxWords  int    `toml:"template_max_words"`
}

type SinksConfig struct {
	AsyncBuffer int          `toml:"async_buffer"`
	SQLite      SQLiteConfig `toml:"sqlite"`
	Kafka       KafkaConfig  `toml:"kafka"`
	Redis       RedisConfig  `toml:"redis"`
}

type SQLiteConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

type KafkaConfig struct {
	Enabled        bool     `toml:"enabled"`
	Brokers        []string `toml:"brokers"`
	Topic          string   `toml:"topic"`
	BatchTimeoutMS int      `toml:"batch_timeout_ms"`
}

type RedisConfig struct {
	Enabled   bool   `toml:"enabled"`
	Addr      string `toml:"addr"`
	Password  string `toml:"password"`
	DB        int    `toml:"db"`
	Prefix    string `toml:"prefix"`
	MaxLen    int64  `toml:"max_len"`
	TaskTTLMS int    `toml:"task_ttl_ms"`
}

type ServerConfig struct {
	Addr              string `toml:"addr"`
	ShutdownTimeoutMS int    `toml:"shutdown_timeout_ms"`
}

// AgentConfig declares an agent hosted by the serve process. Kind picks its
// operation table: "builtin" or "content".
type AgentConfig struct {
	ID                  string   `toml:"id"`
	Kind                string   `toml:"kind"`
	Capabilities        []string `toml:"capabilities"`
	MaxConcurrentTasks  int      `toml:"max_concurrent_tasks"`
	HeartbeatIntervalMS int      `toml:"heartbeat_interval_ms"`
}

func Default() Config {
	return Config{
		Orchestrator: OrchestratorConfig{
			TickIntervalMS:    250,
			DefaultTimeoutMS:  300_000,
			DefaultMaxRetries: 3,
			HistorySize:       256,
			RecentOutcomes:    20,
			DeliveryTimeoutMS: 10_000,
		},
		Bus:      BusConfig{MailboxSize: 64, EnforcePolicy: true},
		Registry: RegistryConfig{ReliabilityWindow: 10, HeartbeatTimeoutMS: 30_000},
		Log:      LogConfig{Level: "info", Format: "text"},
		LLM: LLMConfig{
			Provider:          "template",
			APIKeyEnv:         "ANTHROPIC_API_KEY",
			MaxTokens:         1024,
			RequestsPerMinute: 50,
			TimeoutMS:         60_000,
			TemplateFormat:    "Draft: %s",
			TemplateMaxWords:  60,
		},
		Sinks: SinksConfig{
			AsyncBuffer: 256,
			SQLite:      SQLiteConfig{Enabled: true, Path: "data/agentnet.db"},
			Kafka:       KafkaConfig{Topic: "agentnet.events", BatchTimeoutMS: 10},
			Redis:       RedisConfig{Addr: "localhost:6379", Prefix: "agentnet", MaxLen: 1000, TaskTTLMS: 86_400_000},
		},
		Server: ServerConfig{Addr: ":8091", ShutdownTimeoutMS: 5000},
		Agents: []AgentConfig{
			{ID: "text-1", Kind: "builtin", Capabilities: []string{"text"}, MaxConcurrentTasks: 2},
			{ID: "text-2", Kind: "builtin", Capabilities: []string{"text"}, MaxConcurrentTasks: 2},
			{ID: "writer", Kind: "content", Capabilities: []string{"text", "content"}, MaxConcurrentTasks: 1},
		},
	}
}

// Load reads a TOML file over Default. An empty path means
// ~/.agentnet/config.toml, and a missing default file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	explicit := path != ""
	resolved := path
	if !explicit {
		resolved = defaultConfigPath()
	}
	resolved, err := expandHome(resolved)
	if err != nil {
		return Config{}, err
	}

	bytes, err := os.ReadFile(resolved)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	var raw map[string]any
	if _, err := toml.Decode(string(bytes), &raw); err != nil {
		return Config{}, fmt.Errorf("decode raw config: %w", err)
	}
	if _, ok := raw["agents"]; ok {
		cfg.Agents = nil
	}
	if _, err := toml.Decode(string(bytes), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config file: %w", err)
	}
	redactSecrets(raw)
	cfg.Raw = raw
	cfg.Path = resolved
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}
	switch c.LLM.Provider {
	case "", "template", "anthropic":
	default:
		return fmt.Errorf("config: unknown llm provider %q", c.LLM.Provider)
	}
	seen := make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		if strings.TrimSpace(a.ID) == "" {
			return fmt.Errorf("config: agent without id")
		}
		if seen[a.ID] {
			return fmt.Errorf("config: duplicate agent id %q", a.ID)
		}
		seen[a.ID] = true
		switch a.Kind {
		case "", "builtin", "content":
		default:
			return fmt.Errorf("config: agent %s has unknown kind %q", a.ID, a.Kind)
		}
		if timeout := c.Registry.HeartbeatTimeoutMS; timeout > 0 {
			interval := a.HeartbeatIntervalMS
			if interval <= 0 {
				interval = DefaultHeartbeatIntervalMS
			}
			if interval >= timeout {
				return fmt.Errorf("config: agent %s heartbeat_interval_ms %d must be below registry.heartbeat_timeout_ms %d",
					a.ID, interval, timeout)
			}
		}
	}
	if c.Sinks.Kafka.Enabled && len(c.Sinks.Kafka.Brokers) == 0 {
		return fmt.Errorf("config: kafka sink enabled without brokers")
	}
	return nil
}

// Secrets resolves credentials named by the configuration. Lookup defaults
// to os.LookupEnv.
type Secrets struct {
	Lookup func(key string) (string, bool)
}

// APIKey prefers an explicit key and falls back to the environment variable
// named by api_key_env.
func (s Secrets) APIKey(llm LLMConfig) (string, error) {
	if v := strings.TrimSpace(llm.APIKey); v != "" {
		return v, nil
	}
	if llm.APIKeyEnv == "" {
		return "", fmt.Errorf("llm api key: %w", ErrSecretMissing)
	}
	lookup := s.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if v, ok := lookup(llm.APIKeyEnv); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v), nil
	}
	return "", fmt.Errorf("llm api key from $%s: %w", llm.APIKeyEnv, ErrSecretMissing)
}

// Millis converts a *_ms setting, using def when the value is not positive.
func Millis(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Millisecond
}

func expandHome(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(path, "~")
		trimmed = strings.TrimPrefix(trimmed, "\\")
		trimmed = strings.TrimPrefix(trimmed, "/")
		path = filepath.Join(home, trimmed)
	}
	return filepath.Clean(path), nil
}

func redactSecrets(raw map[string]any) {
	for key, v := range raw {
		switch val := v.(type) {
		case map[string]any:
			redactSecrets(val)
		default:
			if key == "api_key" || key == "password" {
				raw[key] = "***"
			}
		}
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentnet/config.toml"
	}
	return filepath.Join(home, ".agentnet", "config.toml")
}
