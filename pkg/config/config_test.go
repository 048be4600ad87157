package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/tesslate/studio/pkg/types"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.DeploymentMode != types.ModeLocalEngine {
		t.Errorf("DeploymentMode = %q, want %q", cfg.DeploymentMode, types.ModeLocalEngine)
	}
	if cfg.Agent.MaxIterations != 100 {
		t.Errorf("Agent.MaxIterations = %d, want 100", cfg.Agent.MaxIterations)
	}
	if cfg.Agent.MaxCost != 5.0 {
		t.Errorf("Agent.MaxCost = %v, want 5.0", cfg.Agent.MaxCost)
	}
	if cfg.Agent.MaxCostPerDay != 20.0 {
		t.Errorf("Agent.MaxCostPerDay = %v, want 20.0", cfg.Agent.MaxCostPerDay)
	}
	if cfg.HibernationIdleMinutes != 30 {
		t.Errorf("HibernationIdleMinutes = %d, want 30", cfg.HibernationIdleMinutes)
	}
	if cfg.CommandRateLimitPerMinute != 30 {
		t.Errorf("CommandRateLimitPerMinute = %d, want 30", cfg.CommandRateLimitPerMinute)
	}
	if len(cfg.Hibernation.Exclude) != 3 {
		t.Errorf("Hibernation.Exclude = %v, want 3 defaults", cfg.Hibernation.Exclude)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() on defaults error = %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "studio.yaml")
	data := []byte(`
deployment_mode: cluster
app_domain: dev.example.com
agent:
  max_iterations: 25
  max_cost: 0.5
hibernation:
  exclude: [node_modules, .git, __pycache__, dist]
`)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.DeploymentMode != types.ModeCluster {
		t.Errorf("DeploymentMode = %q, want cluster", cfg.DeploymentMode)
	}
	if cfg.AppDomain != "dev.example.com" {
		t.Errorf("AppDomain = %q, want dev.example.com", cfg.AppDomain)
	}
	if cfg.Agent.MaxIterations != 25 {
		t.Errorf("Agent.MaxIterations = %d, want 25", cfg.Agent.MaxIterations)
	}
	if len(cfg.Hibernation.Exclude) != 4 {
		t.Errorf("Hibernation.Exclude = %v, want 4 entries", cfg.Hibernation.Exclude)
	}
	// File must not clobber unrelated defaults
	if cfg.Listen != ":8080" {
		t.Errorf("Listen = %q, want default :8080", cfg.Listen)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("STUDIO_APP_DOMAIN", "env.example.com")
	t.Setenv("STUDIO_MAX_ITERATIONS", "7")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.AppDomain != "env.example.com" {
		t.Errorf("AppDomain = %q, want env.example.com", cfg.AppDomain)
	}
	if cfg.Agent.MaxIterations != 7 {
		t.Errorf("Agent.MaxIterations = %d, want 7", cfg.Agent.MaxIterations)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"bad mode", func(c *Config) { c.DeploymentMode = "docker" }, true},
		{"empty domain", func(c *Config) { c.AppDomain = "" }, true},
		{"empty data dir", func(c *Config) { c.DataDir = "" }, true},
		{"zero iterations", func(c *Config) { c.Agent.MaxIterations = 0 }, true},
		{"negative idle", func(c *Config) { c.HibernationIdleMinutes = -1 }, true},
		{"zero rate limit", func(c *Config) { c.CommandRateLimitPerMinute = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
