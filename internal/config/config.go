// Package config handles hostbridge configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Default and by Load for unset fields.
const (
	DefaultModel          = "claude-sonnet-4-20250514"
	DefaultMaxTokens      = 1024
	DefaultProviderName   = "simple-poc-server"
	DefaultProviderCmd    = "toolprovider"
	DefaultRequestTimeout = 30 * time.Second
	DefaultQuery          = "What's the weather like in San Francisco?"
	DefaultServiceName    = "hostbridge"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./hostbridge.yaml, ~/.config/hostbridge/config.yaml,
// /etc/hostbridge/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"hostbridge.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "hostbridge", "config.yaml"))
	}

	paths = append(paths, "/etc/hostbridge/config.yaml")
	return paths
}

// ErrNoConfig is returned by FindConfig when no file exists on the
// search path. Callers that can run on defaults check for it.
var ErrNoConfig = errors.New("no config file found")

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("%w (searched: %v)", ErrNoConfig, DefaultSearchPaths())
}

// Config holds all hostbridge configuration.
type Config struct {
	Anthropic    AnthropicConfig `yaml:"anthropic"`
	Provider     ProviderConfig  `yaml:"provider"`
	Telemetry    TelemetryConfig `yaml:"telemetry"`
	DataDir      string          `yaml:"data_dir"`
	LogLevel     string          `yaml:"log_level"`
	LogFormat    string          `yaml:"log_format"` // text (default) or json
	Inspect      bool            `yaml:"inspect"`    // log every JSON-RPC frame
	DefaultQuery string          `yaml:"default_query"`

	// Pricing maps model identifiers to per-million-token rates used to
	// cost usage records. Models not listed are recorded at zero cost.
	Pricing map[string]PricingEntry `yaml:"pricing"`
}

// PricingEntry is the USD price per million tokens for one model.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// UsageDBPath returns the usage database location, or "" when no
// data directory is configured.
func (c *Config) UsageDBPath() string {
	if c.DataDir == "" {
		return ""
	}
	return filepath.Join(c.DataDir, "usage.db")
}

// AnthropicConfig defines Model Service settings.
type AnthropicConfig struct {
	// APIKey overrides ANTHROPIC_API_KEY from the environment.
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	BaseURL   string `yaml:"base_url"`
	MaxTokens int    `yaml:"max_tokens"`
}

// Configured reports whether a credential is available.
func (c AnthropicConfig) Configured() bool {
	return c.APIKey != ""
}

// ProviderConfig describes how to reach the Tool Provider. Exactly one of
// Command (stdio subprocess) or URL (streamable HTTP) is used; Command
// wins when both are set.
type ProviderConfig struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     []string          `yaml:"env"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`

	// Include and Exclude filter discovered capabilities by name before
	// they are offered to the model.
	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`

	// RequestTimeout bounds every JSON-RPC request.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// TelemetryConfig enables OpenTelemetry export. Empty OTLPEndpoint
// keeps tracing in-process only.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	ServiceName  string `yaml:"service_name"`
}

// Load reads configuration from a YAML file. Environment variables of
// the form ${VAR} are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a configuration that runs the bundled tool provider
// over stdio.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Anthropic.Model == "" {
		c.Anthropic.Model = DefaultModel
	}
	if c.Anthropic.MaxTokens == 0 {
		c.Anthropic.MaxTokens = DefaultMaxTokens
	}
	if c.Provider.Name == "" {
		c.Provider.Name = DefaultProviderName
	}
	if c.Provider.Command == "" && c.Provider.URL == "" {
		c.Provider.Command = DefaultProviderCmd
	}
	if c.Provider.RequestTimeout == 0 {
		c.Provider.RequestTimeout = DefaultRequestTimeout
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = DefaultServiceName
	}
	if c.DefaultQuery == "" {
		c.DefaultQuery = DefaultQuery
	}
	c.DataDir = expandHome(c.DataDir)
	c.Provider.Command = expandHome(c.Provider.Command)
	if c.Pricing == nil {
		c.Pricing = map[string]PricingEntry{
			DefaultModel: {InputPerMillion: 3.0, OutputPerMillion: 15.0},
		}
	}
}

// Validate checks the configuration for values that would fail later
// at runtime.
func (c *Config) Validate() error {
	if c.Provider.Command == "" && c.Provider.URL == "" {
		return fmt.Errorf("provider: command or url is required")
	}
	if c.Anthropic.MaxTokens < 0 {
		return fmt.Errorf("anthropic.max_tokens must be positive, got %d", c.Anthropic.MaxTokens)
	}
	for model, p := range c.Pricing {
		if p.InputPerMillion < 0 || p.OutputPerMillion < 0 {
			return fmt.Errorf("pricing.%s: rates must not be negative", model)
		}
	}
	if c.Provider.RequestTimeout < 0 {
		return fmt.Errorf("provider.request_timeout must be positive, got %s", c.Provider.RequestTimeout)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat)
	}
	return nil
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return filepath.Join(home, path[2:])
	}
	return path
}
