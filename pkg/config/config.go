package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/antonylocke2019-cmd/halotasker-claude-api/pkg/models"
)

// Balance ownership modes.
const (
	BalanceClient = "client"
	BalanceServer = "server"
)

// ErrMissingAPIKey is returned by Validate when no upstream credential is set.
var ErrMissingAPIKey = errors.New("upstream API key is required (set ANTHROPIC_API_KEY)")

// Config holds all service configuration.
type Config struct {
	Listen       string          `yaml:"listen"`
	StrictErrors bool            `yaml:"strict_errors"`
	SystemPrompt string          `yaml:"system_prompt"`
	Upstream     UpstreamConfig  `yaml:"upstream"`
	Models       ModelsConfig    `yaml:"models"`
	Limits       LimitsConfig    `yaml:"limits"`
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
	CORS         CORSConfig      `yaml:"cors"`
	Balance      BalanceConfig   `yaml:"balance"`
	Usage        UsageConfig     `yaml:"usage"`
	Metering     MeteringConfig  `yaml:"metering"`
	Log          LogConfig       `yaml:"log"`
	Tracing      TracingConfig   `yaml:"tracing"`
}

// UpstreamConfig points at the model-inference API.
type UpstreamConfig struct {
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	Version string        `yaml:"version"`
	Timeout time.Duration `yaml:"timeout"`
}

// ModelsConfig is the static model/price table.
type ModelsConfig struct {
	Default     string                `yaml:"default"`
	Fallback    string                `yaml:"fallback"`
	DeepEnabled bool                  `yaml:"deep_enabled"`
	Profiles    []models.ModelProfile `yaml:"profiles"`
}

// Lookup finds a profile by tier name, alias or model id.
func (m ModelsConfig) Lookup(key string) (models.ModelProfile, bool) {
	for _, p := range m.Profiles {
		if p.Matches(key) {
			return p, true
		}
	}
	return models.ModelProfile{}, false
}

// LimitsConfig bounds inbound payloads.
type LimitsConfig struct {
	MaxBodyBytes       int64 `yaml:"max_body_bytes"`
	MaxAttachmentBytes int64 `yaml:"max_attachment_bytes"`
	DocumentChars      int   `yaml:"document_chars"`
	MaxHistory         int   `yaml:"max_history"`
}

// RateLimitConfig controls per-client request limiting.
// Backend is "memory" (default) or "redis".
type RateLimitConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Window      time.Duration `yaml:"window"`
	MaxRequests int           `yaml:"max_requests"`
	Backend     string        `yaml:"backend"`
	RedisURL    string        `yaml:"redis_url"`
}

// CORSConfig lists origins allowed to call the API from a browser.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// BalanceConfig selects who owns the running balance.
type BalanceConfig struct {
	Mode     string  `yaml:"mode"`
	Starting float64 `yaml:"starting"`
}

// UsageConfig controls the SQLite usage log.
type UsageConfig struct {
	Enabled   bool          `yaml:"enabled"`
	DBPath    string        `yaml:"db_path"`
	Retention time.Duration `yaml:"retention"`
}

// MeteringConfig controls the optional Kafka usage stream.
type MeteringConfig struct {
	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig controls OpenTelemetry export. Tracing is off when
// Endpoint is empty.
type TracingConfig struct {
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

// DefaultProfiles is the built-in tier table.
func DefaultProfiles() []models.ModelProfile {
	return []models.ModelProfile{
		{
			Name:               "quick",
			Aliases:            []string{"haiku", "fast"},
			ModelID:            "claude-haiku-4-5",
			MaxOutputTokens:    4096,
			InputPricePerMTok:  1,
			OutputPricePerMTok: 5,
		},
		{
			Name:               "balanced",
			Aliases:            []string{"sonnet", "standard"},
			ModelID:            "claude-sonnet-4-5",
			MaxOutputTokens:    8192,
			InputPricePerMTok:  3,
			OutputPricePerMTok: 15,
		},
		{
			Name:               "deep",
			Aliases:            []string{"opus", "thinking"},
			ModelID:            "claude-opus-4-5",
			MaxOutputTokens:    16000,
			InputPricePerMTok:  5,
			OutputPricePerMTok: 25,
			Gated:              true,
			ExtraParams: map[string]any{
				"thinking": map[string]any{"type": "enabled", "budget_tokens": 8000},
			},
		},
	}
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen:       ":3001",
		StrictErrors: true,
		Upstream: UpstreamConfig{
			BaseURL: "https://api.anthropic.com",
			Version: "2023-06-01",
			Timeout: 120 * time.Second,
		},
		Models: ModelsConfig{
			Default:  "balanced",
			Fallback: "balanced",
			Profiles: DefaultProfiles(),
		},
		Limits: LimitsConfig{
			MaxBodyBytes:       25 << 20,
			MaxAttachmentBytes: 10 << 20,
			DocumentChars:      15000,
			MaxHistory:         20,
		},
		RateLimit: RateLimitConfig{
			Enabled:     true,
			Window:      15 * time.Minute,
			MaxRequests: 100,
			Backend:     "memory",
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Balance: BalanceConfig{
			Mode:     BalanceClient,
			Starting: 10,
		},
		Usage: UsageConfig{
			Enabled:   false,
			DBPath:    "halotasker.db",
			Retention: 30 * 24 * time.Hour,
		},
		Metering: MeteringConfig{
			KafkaTopic: "chat-usage",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			ServiceName: "halotasker-chat",
		},
	}
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment. Missing files are skipped; existing variables win.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overlays environment variables on top of the file config.
// lookup is usually os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get("ANTHROPIC_API_KEY"); ok {
		c.Upstream.APIKey = v
	}
	if v, ok := get("ANTHROPIC_BASE_URL"); ok {
		c.Upstream.BaseURL = v
	}
	if v, ok := get("PORT"); ok {
		c.Listen = ":" + strings.TrimPrefix(v, ":")
	}
	if v, ok := get("ALLOWED_ORIGINS"); ok {
		c.CORS.AllowedOrigins = splitList(v)
	}
	if v, ok := get("BALANCE_MODE"); ok {
		c.Balance.Mode = strings.ToLower(v)
	}
	if v, ok := get("LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if v, ok := get("LOG_FORMAT"); ok {
		c.Log.Format = v
	}
	if v, ok := get("OTEL_EXPORTER_OTLP_ENDPOINT"); ok {
		c.Tracing.Endpoint = v
	}
	if v, ok := get("REDIS_URL"); ok {
		c.RateLimit.RedisURL = v
		c.RateLimit.Backend = "redis"
	}
	if v, ok := get("KAFKA_BROKERS"); ok {
		c.Metering.KafkaBrokers = splitList(v)
	}

	var errs []error
	parseBool := func(key string, dst *bool) {
		if v, ok := get(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	parseInt64 := func(key string, dst *int64) {
		if v, ok := get(key); ok {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	parseBool("DEEP_MODE_ENABLED", &c.Models.DeepEnabled)
	parseBool("STRICT_ERRORS", &c.StrictErrors)
	parseInt64("MAX_BODY_BYTES", &c.Limits.MaxBodyBytes)
	parseInt64("MAX_ATTACHMENT_BYTES", &c.Limits.MaxAttachmentBytes)

	if v, ok := get("RATE_LIMIT_WINDOW"); ok {
		d, err := parseWindow(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("RATE_LIMIT_WINDOW: %w", err))
		} else {
			c.RateLimit.Window = d
		}
	}
	if v, ok := get("RATE_LIMIT_MAX"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("RATE_LIMIT_MAX: %w", err))
		} else {
			c.RateLimit.MaxRequests = n
		}
	}
	if v, ok := get("STARTING_BALANCE"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("STARTING_BALANCE: %w", err))
		} else {
			c.Balance.Starting = f
		}
	}

	return errors.Join(errs...)
}

// Validate checks the configuration is usable. The server refuses to start
// when it fails.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Upstream.APIKey) == "" {
		return ErrMissingAPIKey
	}
	switch c.Balance.Mode {
	case BalanceClient, BalanceServer:
	default:
		return fmt.Errorf("balance mode %q: must be %q or %q", c.Balance.Mode, BalanceClient, BalanceServer)
	}
	if c.Balance.Starting < 0 {
		return fmt.Errorf("starting balance must not be negative")
	}
	if len(c.Models.Profiles) == 0 {
		return fmt.Errorf("no model profiles configured")
	}
	def, ok := c.Models.Lookup(c.Models.Default)
	if !ok {
		return fmt.Errorf("default model %q is not a configured profile", c.Models.Default)
	}
	if def.Gated {
		return fmt.Errorf("default model %q must not be a gated tier", c.Models.Default)
	}
	if c.Models.Fallback != "" {
		if _, ok := c.Models.Lookup(c.Models.Fallback); !ok {
			return fmt.Errorf("fallback model %q is not a configured profile", c.Models.Fallback)
		}
	}
	for _, p := range c.Models.Profiles {
		if p.ModelID == "" || p.MaxOutputTokens <= 0 {
			return fmt.Errorf("profile %q: model_id and max_output_tokens are required", p.Name)
		}
		if p.InputPricePerMTok < 0 || p.OutputPricePerMTok < 0 {
			return fmt.Errorf("profile %q: prices must not be negative", p.Name)
		}
	}
	if c.Limits.MaxBodyBytes <= 0 || c.Limits.MaxAttachmentBytes <= 0 || c.Limits.DocumentChars <= 0 {
		return fmt.Errorf("limits must be positive")
	}
	if c.RateLimit.Enabled && (c.RateLimit.Window <= 0 || c.RateLimit.MaxRequests <= 0) {
		return fmt.Errorf("rate limit window and max_requests must be positive")
	}
	if c.RateLimit.Enabled && c.RateLimit.Backend == "redis" && c.RateLimit.RedisURL == "" {
		return fmt.Errorf("redis rate limit backend requires redis_url")
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// parseWindow accepts a Go duration ("15m") or a bare millisecond count.
func parseWindow(v string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(v)
}
