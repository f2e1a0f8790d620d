// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/montana-relay/internal/completion"
	"github.com/ashureev/montana-relay/internal/gate"
	"github.com/ashureev/montana-relay/internal/store"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string // empty keeps gate state in memory
	PersonaPath string

	Upstream UpstreamConfig
	Gate     GateConfig
	Relay    RelayConfig
}

// UpstreamConfig describes the completion endpoint.
type UpstreamConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
	Stream      bool
}

// GateConfig parameterizes the usage gate.
type GateConfig struct {
	Limit         int
	Cooldown      time.Duration
	UnlockSecret  string
	SweepInterval time.Duration
}

// RelayConfig bounds the /api/chat relay.
type RelayConfig struct {
	RPS            float64
	Burst          int
	MaxRequestBody int64
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	apiKey := getEnv("DEEPSEEK_API_KEY", "")
	if apiKey == "" {
		apiKey = getEnv("REACT_APP_DEEPSEEK_API_KEY", "")
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/montana.db"),
		PersonaPath: getEnv("PERSONA_PATH", ""),
		Upstream: UpstreamConfig{
			APIKey:      apiKey,
			BaseURL:     getEnv("UPSTREAM_BASE_URL", completion.DefaultBaseURL),
			Model:       getEnv("MODEL", completion.DefaultModel),
			MaxTokens:   getEnvInt("MAX_TOKENS", completion.DefaultMaxTokens),
			Temperature: getEnvFloat("TEMPERATURE", 0.7),
			Timeout:     getEnvDuration("UPSTREAM_TIMEOUT", completion.DefaultTimeout),
			Stream:      getEnvBool("UPSTREAM_STREAM", true),
		},
		Gate: GateConfig{
			Limit:         getEnvInt("GATE_LIMIT", gate.DefaultLimit),
			Cooldown:      getEnvDuration("GATE_COOLDOWN", gate.DefaultCooldown),
			UnlockSecret:  getEnv("UNLOCK_SECRET", ""),
			SweepInterval: getEnvDuration("GATE_SWEEP_INTERVAL", store.DefaultSweepInterval),
		},
		Relay: RelayConfig{
			RPS:            getEnvFloat("RELAY_RPS", 2),
			Burst:          getEnvInt("RELAY_BURST", 5),
			MaxRequestBody: int64(getEnvInt("MAX_REQUEST_BODY", 1<<20)),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all configuration fields are usable. A missing API
// key is allowed: the relay answers 500 until one is configured.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.Upstream.MaxTokens <= 0 {
		return fmt.Errorf("MAX_TOKENS must be > 0")
	}
	if c.Upstream.Temperature < 0 || c.Upstream.Temperature > 2 {
		return fmt.Errorf("TEMPERATURE must be between 0 and 2")
	}
	if c.Upstream.Timeout <= 0 {
		return fmt.Errorf("UPSTREAM_TIMEOUT must be > 0")
	}
	if c.Gate.Limit <= 0 {
		return fmt.Errorf("GATE_LIMIT must be > 0")
	}
	if c.Gate.Cooldown <= 0 {
		return fmt.Errorf("GATE_COOLDOWN must be > 0")
	}
	if c.Relay.RPS <= 0 || c.Relay.Burst <= 0 {
		return fmt.Errorf("RELAY_RPS and RELAY_BURST must be > 0")
	}
	if c.Relay.MaxRequestBody <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins for the configured frontend.
func (c *Config) AllowedOrigins() []string {
	if c.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{strings.TrimSuffix(c.FrontendURL, "/")}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// getEnvDuration accepts Go durations ("90s", "30m") or bare seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
