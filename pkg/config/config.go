package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration.
type Config struct {
	// API keys are read from the environment only.
	AnthropicAPIKey string `yaml:"-"`
	OpenAIAPIKey    string `yaml:"-"`
	GoogleAPIKey    string `yaml:"-"`
	DeepSeekAPIKey  string `yaml:"-"`
	ConfigDir       string `yaml:"-"`

	Retry        RetryConfig        `yaml:"retry"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
	Selection    SelectionConfig    `yaml:"selection"`
	Cache        CacheConfig        `yaml:"cache"`
	Queue        QueueConfig        `yaml:"queue"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Models       ModelsConfig       `yaml:"models"`
	HTTP         HTTPConfig         `yaml:"http"`
	Evidence     EvidenceConfig     `yaml:"evidence"`

	GuidelinesPath  string `yaml:"guidelines_path,omitempty"`
	RulesPath       string `yaml:"rules_path,omitempty"`
	BiasLexiconPath string `yaml:"bias_lexicon_path,omitempty"`
}

// RetryConfig defines per-backend retry and backoff behavior.
type RetryConfig struct {
	MaxRetries    int `yaml:"max_retries,omitempty"`
	BaseBackoffMs int `yaml:"base_backoff_ms,omitempty"`
	MaxBackoffMs  int `yaml:"max_backoff_ms,omitempty"`
	TimeoutMs     int `yaml:"timeout_ms,omitempty"`
}

// RateLimitConfig defines backend cooldowns.
type RateLimitConfig struct {
	Cooldown    time.Duration `yaml:"cooldown,omitempty"`
	MaxCooldown time.Duration `yaml:"max_cooldown,omitempty"`
}

// SelectionConfig tunes the backend selector.
type SelectionConfig struct {
	FallbackChain     *bool    `yaml:"fallback_chain,omitempty"`
	OfflinePreference string   `yaml:"offline_preference,omitempty"`
	RemoteOrder       []string `yaml:"remote_order,omitempty"`
}

// CacheConfig sizes the response cache.
type CacheConfig struct {
	Size int           `yaml:"size,omitempty"`
	TTL  time.Duration `yaml:"ttl,omitempty"`
}

// QueueConfig locates the offline queue and paces replay.
type QueueConfig struct {
	Path           string        `yaml:"path,omitempty"`
	ReplayInterval time.Duration `yaml:"replay_interval,omitempty"`
	BatchSize      int           `yaml:"batch_size,omitempty"`
}

// ConnectivityConfig configures the online probe.
type ConnectivityConfig struct {
	ProbeURL      string        `yaml:"probe_url,omitempty"`
	ProbeInterval time.Duration `yaml:"probe_interval,omitempty"`
	// Offline forces offline mode and disables the probe.
	Offline bool `yaml:"offline,omitempty"`
}

// ModelsConfig names the model used per provider.
type ModelsConfig struct {
	Gemini   string `yaml:"gemini,omitempty"`
	Claude   string `yaml:"claude,omitempty"`
	OpenAI   string `yaml:"openai,omitempty"`
	DeepSeek string `yaml:"deepseek,omitempty"`
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Addr string `yaml:"addr,omitempty"`
}

// EvidenceConfig configures the answer audit trail. An empty Dir disables it.
type EvidenceConfig struct {
	Dir string `yaml:"dir,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads ~/.carepath/config.yaml, then environment overrides.
// CAREPATH_HOME relocates the configuration directory.
func Load() (*Config, error) {
	configDir, err := getConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config directory: %w", err)
	}
	return LoadFrom(configDir)
}

// LoadFrom reads configuration rooted at configDir.
func LoadFrom(configDir string) (*Config, error) {
	cfg := &Config{}

	path := filepath.Join(configDir, "config.yaml")
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	cfg.ConfigDir = configDir
	cfg.applyDefaults()
	cfg.applyEnv()

	cfg.AnthropicAPIKey = getEnvOrDefault("ANTHROPIC_API_KEY", "")
	cfg.OpenAIAPIKey = getEnvOrDefault("OPENAI_API_KEY", "")
	cfg.GoogleAPIKey = getEnvOrDefault("GOOGLE_API_KEY", os.Getenv("GEMINI_API_KEY"))
	cfg.DeepSeekAPIKey = getEnvOrDefault("DEEPSEEK_API_KEY", "")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Retry.MaxRetries <= 0 {
		c.Retry.MaxRetries = 3
	}
	if c.Retry.BaseBackoffMs <= 0 {
		c.Retry.BaseBackoffMs = 200
	}
	if c.Retry.MaxBackoffMs <= 0 {
		c.Retry.MaxBackoffMs = 2000
	}
	if c.Retry.TimeoutMs <= 0 {
		c.Retry.TimeoutMs = 30000
	}
	if c.RateLimit.Cooldown <= 0 {
		c.RateLimit.Cooldown = 60 * time.Second
	}
	if c.RateLimit.MaxCooldown <= 0 {
		c.RateLimit.MaxCooldown = 15 * time.Minute
	}
	if c.Selection.OfflinePreference == "" {
		c.Selection.OfflinePreference = "retrieval-first"
	}
	if len(c.Selection.RemoteOrder) == 0 {
		c.Selection.RemoteOrder = []string{"gemini", "claude", "openai", "deepseek"}
	}
	if c.Cache.Size <= 0 {
		c.Cache.Size = 512
	}
	if c.Cache.TTL <= 0 {
		c.Cache.TTL = 30 * time.Minute
	}
	if c.Queue.Path == "" && c.ConfigDir != "" {
		c.Queue.Path = filepath.Join(c.ConfigDir, "queue.db")
	}
	if c.Queue.ReplayInterval <= 0 {
		c.Queue.ReplayInterval = 5 * time.Minute
	}
	if c.Queue.BatchSize <= 0 {
		c.Queue.BatchSize = 20
	}
	if c.Connectivity.ProbeURL == "" {
		c.Connectivity.ProbeURL = "https://generativelanguage.googleapis.com"
	}
	if c.Connectivity.ProbeInterval <= 0 {
		c.Connectivity.ProbeInterval = 30 * time.Second
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
}

// applyEnv overlays CAREPATH_* environment variables, e.g.
// CAREPATH_HTTP_ADDR or CAREPATH_SELECTION_OFFLINE_PREFERENCE.
func (c *Config) applyEnv() {
	v := viper.New()
	v.SetEnvPrefix("CAREPATH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("retry.max_retries", c.Retry.MaxRetries)
	v.SetDefault("retry.base_backoff_ms", c.Retry.BaseBackoffMs)
	v.SetDefault("retry.max_backoff_ms", c.Retry.MaxBackoffMs)
	v.SetDefault("retry.timeout_ms", c.Retry.TimeoutMs)
	v.SetDefault("rate_limit.cooldown", c.RateLimit.Cooldown)
	v.SetDefault("rate_limit.max_cooldown", c.RateLimit.MaxCooldown)
	v.SetDefault("selection.fallback_chain", c.FallbackEnabled())
	v.SetDefault("selection.offline_preference", c.Selection.OfflinePreference)
	v.SetDefault("cache.size", c.Cache.Size)
	v.SetDefault("cache.ttl", c.Cache.TTL)
	v.SetDefault("queue.path", c.Queue.Path)
	v.SetDefault("queue.replay_interval", c.Queue.ReplayInterval)
	v.SetDefault("queue.batch_size", c.Queue.BatchSize)
	v.SetDefault("connectivity.probe_url", c.Connectivity.ProbeURL)
	v.SetDefault("connectivity.probe_interval", c.Connectivity.ProbeInterval)
	v.SetDefault("connectivity.offline", c.Connectivity.Offline)
	v.SetDefault("http.addr", c.HTTP.Addr)
	v.SetDefault("evidence.dir", c.Evidence.Dir)
	v.SetDefault("guidelines_path", c.GuidelinesPath)
	v.SetDefault("rules_path", c.RulesPath)
	v.SetDefault("bias_lexicon_path", c.BiasLexiconPath)

	c.Retry.MaxRetries = v.GetInt("retry.max_retries")
	c.Retry.BaseBackoffMs = v.GetInt("retry.base_backoff_ms")
	c.Retry.MaxBackoffMs = v.GetInt("retry.max_backoff_ms")
	c.Retry.TimeoutMs = v.GetInt("retry.timeout_ms")
	c.RateLimit.Cooldown = v.GetDuration("rate_limit.cooldown")
	c.RateLimit.MaxCooldown = v.GetDuration("rate_limit.max_cooldown")
	fallback := v.GetBool("selection.fallback_chain")
	c.Selection.FallbackChain = &fallback
	c.Selection.OfflinePreference = v.GetString("selection.offline_preference")
	c.Cache.Size = v.GetInt("cache.size")
	c.Cache.TTL = v.GetDuration("cache.ttl")
	c.Queue.Path = v.GetString("queue.path")
	c.Queue.ReplayInterval = v.GetDuration("queue.replay_interval")
	c.Queue.BatchSize = v.GetInt("queue.batch_size")
	c.Connectivity.ProbeURL = v.GetString("connectivity.probe_url")
	c.Connectivity.ProbeInterval = v.GetDuration("connectivity.probe_interval")
	c.Connectivity.Offline = v.GetBool("connectivity.offline")
	c.HTTP.Addr = v.GetString("http.addr")
	c.Evidence.Dir = v.GetString("evidence.dir")
	c.GuidelinesPath = v.GetString("guidelines_path")
	c.RulesPath = v.GetString("rules_path")
	c.BiasLexiconPath = v.GetString("bias_lexicon_path")
}

// Validate rejects settings the orchestrator cannot run with.
func (c *Config) Validate() error {
	switch c.Selection.OfflinePreference {
	case "retrieval-first", "rule-first":
	default:
		return fmt.Errorf("selection.offline_preference must be retrieval-first or rule-first, got %q", c.Selection.OfflinePreference)
	}
	if c.Retry.MaxBackoffMs < c.Retry.BaseBackoffMs {
		return fmt.Errorf("retry.max_backoff_ms (%d) is below retry.base_backoff_ms (%d)", c.Retry.MaxBackoffMs, c.Retry.BaseBackoffMs)
	}
	return nil
}

// FallbackEnabled reports whether chains continue past the primary backend.
func (c *Config) FallbackEnabled() bool {
	return c.Selection.FallbackChain == nil || *c.Selection.FallbackChain
}

// BaseBackoff returns the retry base delay.
func (c *Config) BaseBackoff() time.Duration {
	return time.Duration(c.Retry.BaseBackoffMs) * time.Millisecond
}

// MaxBackoff returns the retry delay cap.
func (c *Config) MaxBackoff() time.Duration {
	return time.Duration(c.Retry.MaxBackoffMs) * time.Millisecond
}

// Timeout returns the per-attempt timeout.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Retry.TimeoutMs) * time.Millisecond
}

// HasProvider returns true if the API key for the given provider is configured.
func (c *Config) HasProvider(name string) bool {
	switch name {
	case "claude":
		return c.AnthropicAPIKey != ""
	case "openai":
		return c.OpenAIAPIKey != ""
	case "gemini":
		return c.GoogleAPIKey != ""
	case "deepseek":
		return c.DeepSeekAPIKey != ""
	default:
		return false
	}
}

// getEnvOrDefault returns the environment variable value if set,
// otherwise returns the default value.
func getEnvOrDefault(envVar, defaultValue string) string {
	if val := os.Getenv(envVar); val != "" {
		return val
	}
	return defaultValue
}

func getConfigDir() (string, error) {
	configDir := os.Getenv("CAREPATH_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		configDir = filepath.Join(home, ".carepath")
	}
	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return "", err
	}
	return configDir, nil
}
