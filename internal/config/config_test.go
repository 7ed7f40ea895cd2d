package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"streampay/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Approvals.DefaultThreshold != 1 {
		t.Fatalf("threshold = %d", cfg.Approvals.DefaultThreshold)
	}
	if cfg.Approvals.DisputeStrategy != config.DisputeRecord {
		t.Fatalf("dispute strategy = %s", cfg.Approvals.DisputeStrategy)
	}
	if cfg.Matching.Strategy != config.MatchSubstring {
		t.Fatalf("matching strategy = %s", cfg.Matching.Strategy)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"zero threshold", func(c *config.Config) { c.Approvals.DefaultThreshold = 0 }},
		{"no voter roles", func(c *config.Config) { c.Approvals.VoterRoles = nil }},
		{"empty role", func(c *config.Config) { c.Approvals.VoterRoles = []string{""} }},
		{"bad dispute strategy", func(c *config.Config) { c.Approvals.DisputeStrategy = "ignore" }},
		{"bad matching strategy", func(c *config.Config) { c.Matching.Strategy = "regex" }},
		{"zero timeout", func(c *config.Config) { c.Chain.TimeoutSeconds = 0 }},
	}
	for _, tc := range cases {
		cfg := config.Default()
		tc.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestVoterRoleAllowed(t *testing.T) {
	cfg := config.Default()
	if !cfg.VoterRoleAllowed("admin") || !cfg.VoterRoleAllowed("finance") {
		t.Fatalf("default voter roles should allow admin and finance")
	}
	if cfg.VoterRoleAllowed("viewer") {
		t.Fatalf("viewer must not vote by default")
	}
}

func TestLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "streampay.yml"), []byte(config.GenerateDefault()), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.BasePath != "/v0" {
		t.Fatalf("base path = %s", cfg.Server.BasePath)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := config.Load(t.TempDir()); err == nil {
		t.Fatalf("expected error for missing config")
	}
	cfg, err := config.LoadOptional(t.TempDir())
	if err != nil || cfg == nil {
		t.Fatalf("LoadOptional should fall back to defaults: %v", err)
	}
}
