package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 8700 {
		t.Errorf("expected default port 8700, got %d", cfg.Server.Port)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("expected sqlite default, got %s", cfg.Storage.Driver)
	}
	if cfg.Payments.AllowBearerFallback {
		t.Error("bearer fallback must default to off")
	}
	if cfg.Outreach.FailureThreshold != 3 || cfg.Outreach.FailureCooldown != 6*time.Hour {
		t.Errorf("unexpected outreach defaults: %+v", cfg.Outreach)
	}
	if cfg.Outreach.DemoteThreshold != 2 {
		t.Errorf("expected demote threshold 2, got %d", cfg.Outreach.DemoteThreshold)
	}
	if cfg.Outreach.ValuableCooldown != time.Hour ||
		cfg.Outreach.GenericCooldown != 24*time.Hour ||
		cfg.Outreach.UselessCooldown != 7*24*time.Hour {
		t.Errorf("unexpected cooldown defaults: %+v", cfg.Outreach)
	}
	if cfg.RateLimit.Requests != 30 || cfg.RateLimit.Window != 60*time.Second {
		t.Errorf("unexpected rate limit defaults: %+v", cfg.RateLimit)
	}
}

func TestLoadFileWithEnvExpansion(t *testing.T) {
	t.Setenv("TEST_AGENT_NAME", "env-agent")
	os.Unsetenv("TEST_MISSING_PORT")

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
agent:
  name: ${TEST_AGENT_NAME}
server:
  port: ${TEST_MISSING_PORT:-9100}
payments:
  required: true
  price: "0.001"
  pay_to: "0xabc"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Agent.Name != "env-agent" {
		t.Errorf("env var not expanded, got %q", cfg.Agent.Name)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("default fallback not applied, got %d", cfg.Server.Port)
	}
	if !cfg.Payments.Required || cfg.Payments.Price != "0.001" {
		t.Errorf("payments section not loaded: %+v", cfg.Payments)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero concurrency", func(c *Config) { c.Outreach.Concurrency = -1 }},
		{"zero failure threshold", func(c *Config) { c.Outreach.FailureThreshold = -1 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.SetDefaults()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("TEST_EXPAND_A", "alpha")

	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"${TEST_EXPAND_A}", "alpha"},
		{"${TEST_EXPAND_UNSET}", ""},
		{"${TEST_EXPAND_UNSET:-fallback}", "fallback"},
		{"${TEST_EXPAND_A:-fallback}", "alpha"},
	}
	for _, tc := range tests {
		if got := expandEnvVars(tc.in); got != tc.want {
			t.Errorf("expandEnvVars(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
