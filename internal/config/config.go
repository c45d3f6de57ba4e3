// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Bernard Contributors

package config

import (
	"errors"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/bernard-dev/bernard/internal/secrets"
	bernerr "github.com/bernard-dev/bernard/pkg/errors"
)

// EnvPrefix prefixes every environment override, e.g. BERNARD_SERVER_LISTEN.
const EnvPrefix = "BERNARD"

// Config is the top-level Bernard configuration.
type Config struct {
	Server    ServerConfig              `mapstructure:"server"`
	Providers map[string]ProviderConfig `mapstructure:"providers"`
	Models    ModelsConfig              `mapstructure:"models"`
	Loop      LoopConfig                `mapstructure:"loop"`
	Tools     ToolsConfig               `mapstructure:"tools"`
	Telemetry TelemetryConfig           `mapstructure:"telemetry"`
	// Backends maps auxiliary service names to the URL /health pings.
	Backends map[string]string `mapstructure:"backends"`
}

// ServerConfig controls the HTTP gateway.
type ServerConfig struct {
	Listen          string          `mapstructure:"listen"`
	CORSOrigins     []string        `mapstructure:"cors_origins"`
	RateLimit       RateLimitConfig `mapstructure:"rate_limit"`
	ShutdownTimeout time.Duration   `mapstructure:"shutdown_timeout"`
	HealthTimeout   time.Duration   `mapstructure:"health_timeout"`

	// ConversationIdleTimeout closes the lane of a conversation that has
	// had no turns for this long.
	ConversationIdleTimeout time.Duration `mapstructure:"conversation_idle_timeout"`
}

// RateLimitConfig is the per-client-IP token bucket. A zero rate disables it.
type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// Enabled reports whether rate limiting is configured.
func (r RateLimitConfig) Enabled() bool {
	return r.RequestsPerSecond > 0
}

// ProviderConfig holds credentials and endpoint for an LLM provider.
type ProviderConfig struct {
	// Kind selects the implementation. Empty means the provider name.
	Kind       string   `mapstructure:"kind"`
	APIKey     string   `mapstructure:"api_key"`
	BaseURL    string   `mapstructure:"base_url"`
	Models     []string `mapstructure:"models"`
	MaxRetries int      `mapstructure:"max_retries"`
}

// ModelsConfig controls model routing and call parameters.
type ModelsConfig struct {
	Default string `mapstructure:"default"`
	// Intent and Response override the model per step. Empty means Default.
	Intent              string        `mapstructure:"intent"`
	Response            string        `mapstructure:"response"`
	Failover            []string      `mapstructure:"failover"`
	IntentTemperature   float64       `mapstructure:"intent_temperature"`
	ResponseTemperature float64       `mapstructure:"response_temperature"`
	MaxTokens           int           `mapstructure:"max_tokens"`
	IntentTimeout       time.Duration `mapstructure:"intent_timeout"`
	ResponseTimeout     time.Duration `mapstructure:"response_timeout"`

	// Embedding serves /v1/embeddings. Empty disables the endpoint.
	Embedding string `mapstructure:"embedding"`
}

// LoopConfig controls the agent loop and its guard.
type LoopConfig struct {
	MaxIterations    int `mapstructure:"max_iterations"`
	RepeatThreshold  int `mapstructure:"repeat_threshold"`
	FailureThreshold int `mapstructure:"failure_threshold"`
	// Empty instructions select the built-in text.
	BaselineInstruction   string `mapstructure:"baseline_instruction"`
	ActionOnlyInstruction string `mapstructure:"action_only_instruction"`
}

// ToolsConfig controls the built-in actions and their executor.
type ToolsConfig struct {
	// Enabled lists built-in action names. Empty enables all of them.
	Enabled     []string      `mapstructure:"enabled"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Parallelism int           `mapstructure:"parallelism"`
}

// TelemetryConfig selects the telemetry ledger and span export.
type TelemetryConfig struct {
	Backend string     `mapstructure:"backend"`
	Path    string     `mapstructure:"path"`
	OTLP    OTLPConfig `mapstructure:"otlp"`
}

// OTLPConfig enables OpenTelemetry span export when Endpoint is set.
type OTLPConfig struct {
	Endpoint    string            `mapstructure:"endpoint"`
	Protocol    string            `mapstructure:"protocol"`
	Insecure    bool              `mapstructure:"insecure"`
	ServiceName string            `mapstructure:"service_name"`
	Headers     map[string]string `mapstructure:"headers"`
}

// Load reads configuration from the given path (or defaults) with
// environment variable overrides (prefix BERNARD_). String values of the
// form keyring://service/key are resolved through store when it is non-nil.
func Load(path string, store secrets.Store) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) || os.IsNotExist(err) {
				return nil, bernerr.Wrapf(err, bernerr.CodeConfigLoadReadFailure, "reading config %s", path)
			}
			return nil, bernerr.Wrapf(err, bernerr.CodeConfigParseInvalidFormat, "reading config %s", path)
		}
	}

	if store != nil {
		secrets.ResolveViper(v, store)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, bernerr.Wrap(err, bernerr.CodeConfigParseInvalidFormat, "unmarshalling config")
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, bernerr.Wrap(errors.Join(errs...), bernerr.CodeConfigValidateInvalidValue, "validating config")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", "127.0.0.1:8080")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.rate_limit.requests_per_second", 10.0)
	v.SetDefault("server.rate_limit.burst", 20)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.health_timeout", 2*time.Second)
	v.SetDefault("server.conversation_idle_timeout", 5*time.Minute)

	v.SetDefault("models.default", "anthropic/claude-sonnet-4-5")
	v.SetDefault("models.intent_temperature", 0.0)
	v.SetDefault("models.response_temperature", 0.3)
	v.SetDefault("models.max_tokens", 4096)
	v.SetDefault("models.intent_timeout", 60*time.Second)
	v.SetDefault("models.response_timeout", 120*time.Second)

	v.SetDefault("loop.max_iterations", 20)
	v.SetDefault("loop.repeat_threshold", 3)
	v.SetDefault("loop.failure_threshold", 5)

	v.SetDefault("tools.timeout", 30*time.Second)
	v.SetDefault("tools.parallelism", 4)

	v.SetDefault("telemetry.backend", "sqlite")
	v.SetDefault("telemetry.path", DefaultTelemetryPath())
	v.SetDefault("telemetry.otlp.protocol", "grpc")
	v.SetDefault("telemetry.otlp.service_name", "bernard")
}

// DefaultTelemetryPath returns ~/.local/share/bernard/telemetry.db, or a
// file in the working directory when the home directory is unknown.
func DefaultTelemetryPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "bernard-telemetry.db"
	}
	return filepath.Join(home, ".local", "share", "bernard", "telemetry.db")
}

// Validate checks the configuration for logical errors.
// It returns a slice of all validation errors found, collecting all issues
// rather than stopping at the first one.
func (c *Config) Validate() []error {
	var errs []error

	errs = append(errs, c.validateServer()...)
	errs = append(errs, c.validateProviders()...)
	errs = append(errs, c.validateModels()...)
	errs = append(errs, c.validateLoop()...)
	errs = append(errs, c.validateTools()...)
	errs = append(errs, c.validateTelemetry()...)
	errs = append(errs, c.validateBackends()...)

	return errs
}

func invalid(format string, args ...any) error {
	return bernerr.Errorf(bernerr.CodeConfigValidateInvalidValue, "config: "+format, args...)
}

func (c *Config) validateServer() []error {
	var errs []error

	if c.Server.Listen == "" {
		errs = append(errs, invalid("server.listen must not be empty"))
	} else if _, portStr, err := net.SplitHostPort(c.Server.Listen); err != nil {
		errs = append(errs, invalid("server.listen must be a valid host:port address, got %q: %w", c.Server.Listen, err))
	} else if port, err := strconv.Atoi(portStr); err != nil {
		errs = append(errs, invalid("server.listen port must be a number, got %q", portStr))
	} else if port < 0 || port > 65535 {
		errs = append(errs, invalid("server.listen port must be between 0 and 65535, got %d", port))
	}

	rl := c.Server.RateLimit
	if rl.RequestsPerSecond < 0 {
		errs = append(errs, invalid("server.rate_limit.requests_per_second must be >= 0, got %g", rl.RequestsPerSecond))
	}
	if rl.Enabled() && rl.Burst < 1 {
		errs = append(errs, invalid("server.rate_limit.burst must be >= 1 when rate limiting is enabled, got %d", rl.Burst))
	}
	if c.Server.ShutdownTimeout < 0 {
		errs = append(errs, invalid("server.shutdown_timeout must be >= 0, got %s", c.Server.ShutdownTimeout))
	}
	if c.Server.HealthTimeout < 0 {
		errs = append(errs, invalid("server.health_timeout must be >= 0, got %s", c.Server.HealthTimeout))
	}
	if c.Server.ConversationIdleTimeout < 0 {
		errs = append(errs, invalid("server.conversation_idle_timeout must be >= 0, got %s", c.Server.ConversationIdleTimeout))
	}

	return errs
}

// ProviderKinds lists the accepted providers.*.kind values.
var ProviderKinds = []string{"anthropic", "openai", "google", "compat"}

// KindOf returns the effective kind of the named provider.
func (p ProviderConfig) KindOf(name string) string {
	if p.Kind != "" {
		return p.Kind
	}
	return name
}

func (c *Config) validateProviders() []error {
	var errs []error

	for name, p := range c.Providers {
		kind := p.KindOf(name)
		if !slices.Contains(ProviderKinds, kind) {
			errs = append(errs, invalid("providers.%s.kind must be one of [%s], got %q",
				name, strings.Join(ProviderKinds, ", "), kind))
			continue
		}
		if kind == "compat" && p.BaseURL == "" {
			errs = append(errs, invalid("providers.%s.base_url is required for compat providers", name))
		}
		if p.MaxRetries < 0 {
			errs = append(errs, invalid("providers.%s.max_retries must be >= 0, got %d", name, p.MaxRetries))
		}
	}

	return errs
}

func (c *Config) validateModels() []error {
	var errs []error

	if c.Models.Default == "" {
		errs = append(errs, invalid("models.default must not be empty"))
	} else {
		errs = append(errs, c.checkModelRef("models.default", c.Models.Default)...)
	}
	if c.Models.Intent != "" {
		errs = append(errs, c.checkModelRef("models.intent", c.Models.Intent)...)
	}
	if c.Models.Response != "" {
		errs = append(errs, c.checkModelRef("models.response", c.Models.Response)...)
	}
	for i, model := range c.Models.Failover {
		errs = append(errs, c.checkModelRef("models.failover["+strconv.Itoa(i)+"]", model)...)
	}
	switch c.Models.Embedding {
	case "":
	case "default":
		errs = append(errs, invalid("models.embedding must name a provider/model, got %q", c.Models.Embedding))
	default:
		errs = append(errs, c.checkModelRef("models.embedding", c.Models.Embedding)...)
	}

	for name, t := range map[string]float64{
		"models.intent_temperature":   c.Models.IntentTemperature,
		"models.response_temperature": c.Models.ResponseTemperature,
	} {
		if t < 0 || t > 2 {
			errs = append(errs, invalid("%s must be between 0 and 2, got %g", name, t))
		}
	}
	if c.Models.MaxTokens < 0 {
		errs = append(errs, invalid("models.max_tokens must be >= 0, got %d", c.Models.MaxTokens))
	}
	if c.Models.IntentTimeout < 0 || c.Models.ResponseTimeout < 0 {
		errs = append(errs, invalid("models timeouts must be >= 0, got %s/%s", c.Models.IntentTimeout, c.Models.ResponseTimeout))
	}

	return errs
}

// checkModelRef validates a "provider/model" ref. The provider is only
// cross-referenced when a providers section exists; a nil map means a
// defaults-only setup.
func (c *Config) checkModelRef(field, ref string) []error {
	if ref == "default" {
		return nil
	}
	idx := strings.Index(ref, "/")
	if idx <= 0 || idx == len(ref)-1 {
		return []error{invalid("%s must be in \"provider/model\" format, got %q", field, ref)}
	}
	if c.Providers != nil {
		name := ref[:idx]
		if _, ok := c.Providers[name]; !ok {
			return []error{invalid("%s %q references provider %q which is not configured", field, ref, name)}
		}
	}
	return nil
}

func (c *Config) validateLoop() []error {
	var errs []error

	if c.Loop.MaxIterations < 1 {
		errs = append(errs, invalid("loop.max_iterations must be greater than 0, got %d", c.Loop.MaxIterations))
	}
	if c.Loop.RepeatThreshold < 1 {
		errs = append(errs, invalid("loop.repeat_threshold must be greater than 0, got %d", c.Loop.RepeatThreshold))
	}
	if c.Loop.FailureThreshold < 1 {
		errs = append(errs, invalid("loop.failure_threshold must be greater than 0, got %d", c.Loop.FailureThreshold))
	}

	return errs
}

func (c *Config) validateTools() []error {
	var errs []error

	if c.Tools.Timeout < 0 {
		errs = append(errs, invalid("tools.timeout must be >= 0, got %s", c.Tools.Timeout))
	}
	if c.Tools.Parallelism < 1 {
		errs = append(errs, invalid("tools.parallelism must be greater than 0, got %d", c.Tools.Parallelism))
	}

	return errs
}

func (c *Config) validateTelemetry() []error {
	var errs []error

	switch c.Telemetry.Backend {
	case "sqlite":
		if c.Telemetry.Path == "" {
			errs = append(errs, invalid("telemetry.path is required for the sqlite backend"))
		}
	case "memory":
	default:
		errs = append(errs, invalid("telemetry.backend must be one of [sqlite, memory], got %q", c.Telemetry.Backend))
	}

	switch c.Telemetry.OTLP.Protocol {
	case "", "grpc", "http":
	default:
		errs = append(errs, invalid("telemetry.otlp.protocol must be one of [grpc, http], got %q", c.Telemetry.OTLP.Protocol))
	}

	return errs
}

func (c *Config) validateBackends() []error {
	var errs []error

	for name, raw := range c.Backends {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, invalid("backends.%s must be an http(s) URL, got %q", name, raw))
		}
	}

	return errs
}

// IntentModel returns the model ref of the intent step.
func (m ModelsConfig) IntentModel() string {
	if m.Intent != "" {
		return m.Intent
	}
	return "default"
}

// ResponseModel returns the model ref of the response step.
func (m ModelsConfig) ResponseModel() string {
	if m.Response != "" {
		return m.Response
	}
	return "default"
}
