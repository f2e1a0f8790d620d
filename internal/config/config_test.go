package config

import (
	"os"
	"testing"
	"time"
)

var keys = []string{
	"PORT", "FRONTEND_URL", "DB_PATH", "PERSONA_PATH",
	"DEEPSEEK_API_KEY", "REACT_APP_DEEPSEEK_API_KEY", "UPSTREAM_BASE_URL", "MODEL",
	"MAX_TOKENS", "TEMPERATURE", "UPSTREAM_TIMEOUT", "UPSTREAM_STREAM",
	"GATE_LIMIT", "GATE_COOLDOWN", "UNLOCK_SECRET", "GATE_SWEEP_INTERVAL",
	"RELAY_RPS", "RELAY_BURST", "MAX_REQUEST_BODY",
}

// clearEnv unsets every key Load reads for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
		if err := os.Unsetenv(k); err != nil {
			t.Fatal(err)
		}
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != "8080" || cfg.DBPath != "./data/montana.db" {
		t.Errorf("unexpected server defaults: %+v", cfg)
	}
	if cfg.Upstream.Model != "deepseek-chat" || cfg.Upstream.MaxTokens != 1024 || cfg.Upstream.Temperature != 0.7 {
		t.Errorf("unexpected upstream defaults: %+v", cfg.Upstream)
	}
	if cfg.Upstream.Timeout != 60*time.Second || !cfg.Upstream.Stream {
		t.Errorf("unexpected upstream defaults: %+v", cfg.Upstream)
	}
	if cfg.Gate.Limit != 5 || cfg.Gate.Cooldown != 30*time.Minute || cfg.Gate.UnlockSecret != "" {
		t.Errorf("unexpected gate defaults: %+v", cfg.Gate)
	}
	if !cfg.IsDevelopment() {
		t.Error("expected development mode without FRONTEND_URL")
	}
}

func TestLoadAPIKeyFallback(t *testing.T) {
	clearEnv(t)
	t.Setenv("REACT_APP_DEEPSEEK_API_KEY", "legacy")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Upstream.APIKey != "legacy" {
		t.Errorf("APIKey = %q, want legacy", cfg.Upstream.APIKey)
	}

	t.Setenv("DEEPSEEK_API_KEY", "primary")
	cfg, _ = Load()
	if cfg.Upstream.APIKey != "primary" {
		t.Errorf("APIKey = %q, want primary", cfg.Upstream.APIKey)
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("GATE_LIMIT", "3")
	t.Setenv("GATE_COOLDOWN", "90")
	t.Setenv("UPSTREAM_TIMEOUT", "15s")
	t.Setenv("UPSTREAM_STREAM", "off")
	t.Setenv("TEMPERATURE", "1.25")
	t.Setenv("DB_PATH", "")
	t.Setenv("FRONTEND_URL", "https://montana.example/")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gate.Limit != 3 || cfg.Gate.Cooldown != 90*time.Second {
		t.Errorf("gate = %+v", cfg.Gate)
	}
	if cfg.Upstream.Timeout != 15*time.Second || cfg.Upstream.Stream || cfg.Upstream.Temperature != 1.25 {
		t.Errorf("upstream = %+v", cfg.Upstream)
	}
	if cfg.DBPath != "" {
		t.Errorf("DBPath = %q, want empty", cfg.DBPath)
	}
	if cfg.IsDevelopment() {
		t.Error("expected production mode")
	}
	if got := cfg.AllowedOrigins(); len(got) != 1 || got[0] != "https://montana.example" {
		t.Errorf("AllowedOrigins() = %v", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"zero limit", map[string]string{"GATE_LIMIT": "0"}},
		{"negative cooldown", map[string]string{"GATE_COOLDOWN": "-1m"}},
		{"temperature too high", map[string]string{"TEMPERATURE": "3"}},
		{"empty port", map[string]string{"PORT": ""}},
		{"zero burst", map[string]string{"RELAY_BURST": "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Error("Load() error = nil, want validation error")
			}
		})
	}
}

func TestGetEnvDurationInvalidFallsBack(t *testing.T) {
	t.Setenv("SOME_DURATION", "soon")
	if got := getEnvDuration("SOME_DURATION", time.Minute); got != time.Minute {
		t.Errorf("getEnvDuration() = %v, want fallback", got)
	}
}
