package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"sentinel-ai/investigation"
	"sentinel-ai/llm"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for sentinel-ai.
type Config struct {
	LLM           LLMConfig           `yaml:"llm"`
	Investigation InvestigationConfig `yaml:"investigation"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Server        ServerConfig        `yaml:"server"`
	Feishu        FeishuCfg           `yaml:"feishu"`
	Logger        LoggerConfig        `yaml:"logger"`
}

type LLMConfig struct {
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	Timeout     string  `yaml:"timeout"`
	MaxRetries  int     `yaml:"max_retries"`
	RetryBase   string  `yaml:"retry_base"`
	Temperature *float32 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

type InvestigationConfig struct {
	MaxToolRounds  int    `yaml:"max_tool_rounds"`
	RoundTimeout   string `yaml:"round_timeout"`
	RepairAttempts int    `yaml:"repair_attempts"`
	ParallelTools  bool   `yaml:"parallel_tools"`
	SystemPrompt   string `yaml:"system_prompt"`
}

type SchedulerConfig struct {
	MaxConcurrency int    `yaml:"max_concurrency"`
	QueueSize      int    `yaml:"queue_size"`
	DefaultTimeout string `yaml:"default_timeout"`
}

type ServerConfig struct {
	Listen         string `yaml:"listen"`
	AuthToken      string `yaml:"auth_token"`
	MaxPayloadSize int    `yaml:"max_payload_size"`
	RateLimit      int    `yaml:"rate_limit_per_hour"`
}

type FeishuCfg struct {
	Enabled    bool     `yaml:"enabled"`
	Webhook    string   `yaml:"webhook"`
	SignKey    string   `yaml:"sign_key"`
	Service    string   `yaml:"service"`
	Owners     []string `yaml:"owners"`
	Timeout    string   `yaml:"timeout"`
	RetryCount int      `yaml:"retry_count"`
	RetryDelay string   `yaml:"retry_delay"`
}

type LoggerConfig struct {
	Level      string        `yaml:"level"`
	Console    ConsoleLogCfg `yaml:"console"`
	File       FileLogCfg    `yaml:"file"`
	Structured StructLogCfg  `yaml:"structured"`
}

type ConsoleLogCfg struct {
	Color bool `yaml:"color"`
}

type FileLogCfg struct {
	Enabled    bool   `yaml:"enabled"`
	Dir        string `yaml:"dir"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxAgeDays int    `yaml:"max_age_days"`
	MaxBackups int    `yaml:"max_backups"`
}

type StructLogCfg struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxAgeDays int    `yaml:"max_age_days"`
	MaxBackups int    `yaml:"max_backups"`
}

// LoadEnvFile loads KEY=VALUE pairs from path into the process environment.
// Variables already set win. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// LoadConfig reads and parses the config file, expanding environment
// variables. With mustExist unset a missing file yields the defaults.
func LoadConfig(path string, mustExist bool) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		// Expand ${ENV_VAR} references
		expanded := os.Expand(string(data), os.Getenv)
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && !mustExist:
		cfg.Logger.Console.Color = true
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LLM.APIKey == "" {
		c.LLM.APIKey = os.Getenv("GROQ_API_KEY")
	}
	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = llm.DefaultBaseURL
	}
	if c.LLM.Model == "" {
		c.LLM.Model = llm.DefaultModel
	}
	if c.LLM.Timeout == "" {
		c.LLM.Timeout = "60s"
	}
	if c.LLM.RetryBase == "" {
		c.LLM.RetryBase = "500ms"
	}
	if c.Investigation.MaxToolRounds == 0 {
		c.Investigation.MaxToolRounds = investigation.DefaultMaxToolRounds
	}
	if c.Investigation.RoundTimeout == "" {
		c.Investigation.RoundTimeout = "60s"
	}
	if c.Scheduler.MaxConcurrency == 0 {
		c.Scheduler.MaxConcurrency = 1
	}
	if c.Scheduler.QueueSize == 0 {
		c.Scheduler.QueueSize = 16
	}
	if c.Scheduler.DefaultTimeout == "" {
		c.Scheduler.DefaultTimeout = "5m"
	}
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Server.AuthToken == "" {
		c.Server.AuthToken = os.Getenv("SENTINEL_AUTH_TOKEN")
	}
	if c.Server.MaxPayloadSize == 0 {
		c.Server.MaxPayloadSize = 65536
	}
	if c.Feishu.Timeout == "" {
		c.Feishu.Timeout = "10s"
	}
	if c.Feishu.RetryCount == 0 {
		c.Feishu.RetryCount = 3
	}
	if c.Feishu.RetryDelay == "" {
		c.Feishu.RetryDelay = "1s"
	}
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.File.Enabled && c.Logger.File.Dir == "" {
		c.Logger.File.Dir = "./logs"
	}
	if c.Logger.Structured.Enabled && c.Logger.Structured.Path == "" {
		c.Logger.Structured.Path = "./logs/sentinel.ndjson"
	}
}

// Validate reports every configuration problem at once. Problems wrap
// investigation.ErrConfiguration.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{investigation.ErrConfiguration}, args...)...))
	}

	if strings.TrimSpace(c.LLM.APIKey) == "" {
		bad("llm.api_key is required (or set GROQ_API_KEY)")
	}
	if c.LLM.MaxRetries < 0 {
		bad("llm.max_retries must be >= 0, got %d", c.LLM.MaxRetries)
	}
	if c.Investigation.MaxToolRounds < 0 {
		bad("investigation.max_tool_rounds must be >= 0, got %d", c.Investigation.MaxToolRounds)
	}
	if c.Investigation.RepairAttempts < 0 {
		bad("investigation.repair_attempts must be >= 0, got %d", c.Investigation.RepairAttempts)
	}
	if c.Scheduler.MaxConcurrency < 1 {
		bad("scheduler.max_concurrency must be >= 1, got %d", c.Scheduler.MaxConcurrency)
	}
	if c.Scheduler.QueueSize < 1 {
		bad("scheduler.queue_size must be >= 1, got %d", c.Scheduler.QueueSize)
	}
	if c.Feishu.Enabled && c.Feishu.Webhook == "" {
		bad("feishu.webhook is required when feishu is enabled")
	}

	for name, v := range map[string]string{
		"llm.timeout":                 c.LLM.Timeout,
		"llm.retry_base":              c.LLM.RetryBase,
		"investigation.round_timeout": c.Investigation.RoundTimeout,
		"scheduler.default_timeout":   c.Scheduler.DefaultTimeout,
		"feishu.timeout":              c.Feishu.Timeout,
		"feishu.retry_delay":          c.Feishu.RetryDelay,
	} {
		if _, err := time.ParseDuration(strings.TrimSpace(v)); err != nil {
			bad("%s: invalid duration %q", name, v)
		}
	}

	return errors.Join(errs...)
}

// ParseDuration parses a duration string, returning a fallback on error.
func ParseDuration(s string, fallback time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
