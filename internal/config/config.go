package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/xmonitor/internal/analysis"
	"github.com/xmonitor/internal/retry"
)

const (
	// DefaultConfigPath is used when neither --config nor X_MONITOR_CONFIG is set
	DefaultConfigPath = "x-monitor.toml"

	envPrefix = "XMONITOR_"
)

// Config represents the application configuration
type Config struct {
	X        XConfig        `koanf:"x"`
	Stream   StreamConfig   `koanf:"stream"`
	Analysis AnalysisConfig `koanf:"analysis"`
	State    StateConfig    `koanf:"state"`
	Log      LogConfig      `koanf:"log"`
	Server   ServerConfig   `koanf:"server"`
}

// XConfig holds the rule and stream API settings
type XConfig struct {
	APIBaseURL     string        `koanf:"api_base_url"`
	BearerToken    string        `koanf:"bearer_token"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
	ConnectTimeout time.Duration `koanf:"connect_timeout"`
	KeepAlive      time.Duration `koanf:"keep_alive"`
	RuleTagPrefix  string        `koanf:"rule_tag_prefix"`
	RulesPerSecond float64       `koanf:"rules_per_second"`
	RuleBurst      int           `koanf:"rule_burst"`
}

// StreamConfig holds the reconnect policy
type StreamConfig struct {
	BaseDelay         time.Duration `koanf:"base_delay"`
	MaxDelay          time.Duration `koanf:"max_delay"`
	Multiplier        float64       `koanf:"multiplier"`
	MaxRetries        int           `koanf:"max_retries"`
	Jitter            bool          `koanf:"jitter"`
	RateLimitDelay    time.Duration `koanf:"rate_limit_delay"`
	ProvisioningDelay time.Duration `koanf:"provisioning_delay"`
	NoRulesDelay      time.Duration `koanf:"no_rules_delay"`
	StabilityWindow   time.Duration `koanf:"stability_window"`
	StallTimeout      time.Duration `koanf:"stall_timeout"`
	RefreshInterval   time.Duration `koanf:"refresh_interval"`
}

// RetryPolicy returns the backoff part of the stream settings
func (s StreamConfig) RetryPolicy() retry.RetryConfig {
	return retry.RetryConfig{
		MaxRetries: s.MaxRetries,
		BaseDelay:  s.BaseDelay,
		MaxDelay:   s.MaxDelay,
		Multiplier: s.Multiplier,
		Jitter:     s.Jitter,
		LogRetries: true,
	}
}

// AnalysisConfig holds the analysis pipeline settings and provider catalogue
type AnalysisConfig struct {
	Timeout         time.Duration       `koanf:"timeout"`
	MaxConcurrent   int                 `koanf:"max_concurrent"`
	Temperature     float64             `koanf:"temperature"`
	SystemPrompt    string              `koanf:"system_prompt"`
	DefaultProvider string              `koanf:"default_provider"`
	Providers       []analysis.Provider `koanf:"providers"`
}

// StateConfig locates persisted targets and target definition files
type StateConfig struct {
	Path      string `koanf:"path"`
	TargetDir string `koanf:"target_dir"`
}

// LogConfig configures the process logger
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	File   string `koanf:"file"`
}

// ServerConfig configures the optional status server. Port 0 disables it.
type ServerConfig struct {
	Port int `koanf:"port"`
}

func defaults() map[string]interface{} {
	sp := retry.StreamRetryConfig()
	return map[string]interface{}{
		"x.api_base_url":     "https://api.x.com",
		"x.request_timeout":  "30s",
		"x.connect_timeout":  "15s",
		"x.keep_alive":       "30s",
		"x.rule_tag_prefix":  "xmon:",
		"x.rules_per_second": 5.0,
		"x.rule_burst":       5,

		"stream.base_delay":         sp.BaseDelay.String(),
		"stream.max_delay":          sp.MaxDelay.String(),
		"stream.multiplier":         sp.Multiplier,
		"stream.max_retries":        sp.MaxRetries,
		"stream.jitter":             sp.Jitter,
		"stream.rate_limit_delay":   "60s",
		"stream.provisioning_delay": "60s",
		"stream.no_rules_delay":     "5s",
		"stream.stability_window":   "30s",
		"stream.stall_timeout":      "90s",
		"stream.refresh_interval":   "1s",

		"analysis.timeout":          "60s",
		"analysis.max_concurrent":   8,
		"analysis.temperature":      0.2,
		"analysis.system_prompt":    analysis.DefaultSystemPrompt,
		"analysis.default_provider": "grok",

		"state.path":       "x-monitor-state.json",
		"state.target_dir": "monitor-configs",

		"log.level":  "info",
		"log.format": "console",

		"server.port": 0,
	}
}

// ResolvePath picks the config file path: explicit flag, X_MONITOR_CONFIG, then the default
func ResolvePath(flagValue string) string {
	if p := strings.TrimSpace(flagValue); p != "" {
		return p
	}
	if p, ok := LookupEnvFold("X_MONITOR_CONFIG"); ok {
		return p
	}
	return DefaultConfigPath
}

// LoadConfig loads the configuration. A missing file at configPath is not an
// error; defaults and environment still apply.
func LoadConfig(configPath string) (*Config, error) {
	var k = koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("error loading defaults: %w", err)
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
				return nil, fmt.Errorf("error loading config %s: %w", configPath, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("error reading config %s: %w", configPath, err)
		}
	}

	// XMONITOR_STREAM_MAX_DELAY -> stream.max_delay
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		parts := strings.SplitN(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "_", 2)
		if len(parts) == 1 {
			return parts[0]
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("error loading environment: %w", err)
	}

	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	applyEnvOverrides(&config)
	config.Analysis.Providers = analysis.MergeDefaultProviders(config.Analysis.Providers)
	if _, ok := analysis.FindProvider(config.Analysis.Providers, config.Analysis.DefaultProvider); !ok {
		config.Analysis.DefaultProvider = config.Analysis.Providers[0].Name
	}

	return &config, nil
}

// applyEnvOverrides honours the unprefixed variables users already export
func applyEnvOverrides(config *Config) {
	if token, ok := LookupEnvFold("X_BEARER_TOKEN"); ok {
		config.X.BearerToken = token
	}
	if dir, ok := LookupEnvFold("X_MONITOR_CONFIG_DIR"); ok {
		config.State.TargetDir = dir
	}
	if provider, ok := LookupEnvFold("X_MONITOR_DEFAULT_AI_PROVIDER"); ok {
		config.Analysis.DefaultProvider = provider
	}
}

// LookupEnvFold finds a non-empty environment variable by name, ignoring case
func LookupEnvFold(name string) (string, bool) {
	if v, ok := os.LookupEnv(name); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v), true
	}
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.EqualFold(key, name) {
			continue
		}
		if v := strings.TrimSpace(value); v != "" {
			return v, true
		}
	}
	return "", false
}

// InitConfig initializes a new configuration file
func InitConfig(configPath string) error {
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("configuration file already exists at %s", configPath)
	}

	sampleConfig := `# x-monitor configuration

[x]
# The bearer token is read from X_BEARER_TOKEN when not set here.
# bearer_token = ""
api_base_url = "https://api.x.com"
rule_tag_prefix = "xmon:"
request_timeout = "30s"
connect_timeout = "15s"

[stream]
base_delay = "2s"
max_delay = "60s"
max_retries = 10
rate_limit_delay = "60s"
stall_timeout = "90s"

[analysis]
default_provider = "grok"
timeout = "60s"
max_concurrent = 8

[[analysis.providers]]
name = "grok"
base_url = "https://api.x.ai/v1"
model = "grok-4-1-fast-non-reasoning"
api_key_env = "XAI_API_KEY"

[state]
path = "x-monitor-state.json"
target_dir = "monitor-configs"

[log]
level = "info"
format = "console"

[server]
# Set to a port number to expose /health, /api/v1 and /metrics.
port = 0
`

	return os.WriteFile(configPath, []byte(sampleConfig), 0644)
}

// Validate validates the configuration
func Validate(config *Config) error {
	if strings.TrimSpace(config.X.APIBaseURL) == "" {
		return fmt.Errorf("x.api_base_url is required")
	}
	if config.X.RequestTimeout <= 0 || config.X.ConnectTimeout <= 0 {
		return fmt.Errorf("x.request_timeout and x.connect_timeout must be positive")
	}
	if config.X.RulesPerSecond <= 0 || config.X.RuleBurst <= 0 {
		return fmt.Errorf("x.rules_per_second and x.rule_burst must be positive")
	}

	s := config.Stream
	if s.BaseDelay <= 0 || s.MaxDelay < s.BaseDelay {
		return fmt.Errorf("stream delays must satisfy 0 < base_delay <= max_delay")
	}
	if s.Multiplier < 1 {
		return fmt.Errorf("stream.multiplier must be at least 1")
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("stream.max_retries must not be negative")
	}
	if s.StallTimeout <= 0 || s.RefreshInterval <= 0 {
		return fmt.Errorf("stream.stall_timeout and stream.refresh_interval must be positive")
	}

	a := config.Analysis
	if a.Timeout <= 0 {
		return fmt.Errorf("analysis.timeout must be positive")
	}
	if a.MaxConcurrent <= 0 {
		return fmt.Errorf("analysis.max_concurrent must be positive")
	}
	seen := make(map[string]bool)
	for _, p := range a.Providers {
		name := strings.ToLower(strings.TrimSpace(p.Name))
		if name == "" {
			return fmt.Errorf("analysis provider without a name")
		}
		if seen[name] {
			return fmt.Errorf("analysis provider %q is defined more than once", p.Name)
		}
		seen[name] = true
	}
	if _, ok := analysis.FindProvider(a.Providers, a.DefaultProvider); !ok {
		return fmt.Errorf("default analysis provider %q is not configured", a.DefaultProvider)
	}

	if config.Server.Port < 0 || config.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", config.Server.Port)
	}
	if strings.TrimSpace(config.State.Path) == "" {
		return fmt.Errorf("state.path is required")
	}

	return nil
}

// MaskSecret masks a secret value for display, showing only first and last 2 chars
func MaskSecret(value string) string {
	if value == "" {
		return ""
	}
	if len(value) <= 8 {
		return "****"
	}
	return value[:2] + "****" + value[len(value)-2:]
}

// Redacted returns a copy of the configuration with secrets masked
func (c Config) Redacted() Config {
	c.X.BearerToken = MaskSecret(c.X.BearerToken)
	providers := make([]analysis.Provider, len(c.Analysis.Providers))
	for i, p := range c.Analysis.Providers {
		p.APIKey = MaskSecret(p.APIKey)
		providers[i] = p
	}
	c.Analysis.Providers = providers
	return c
}
