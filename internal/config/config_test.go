// SPDX-License-Identifier: MIT

package config

import (
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv()

	if cfg.SessionTTL != time.Hour {
		t.Errorf("expected 1h session TTL, got %v", cfg.SessionTTL)
	}
	if cfg.LockTTL != 10*time.Second {
		t.Errorf("expected 10s lock TTL, got %v", cfg.LockTTL)
	}
	if cfg.MatchThreshold != 13 {
		t.Errorf("expected match threshold 13, got %d", cfg.MatchThreshold)
	}
	if cfg.WorkerID == "" {
		t.Error("expected a generated worker id")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("VODBRIDGE_SESSION_TTL", "30m")
	t.Setenv("VODBRIDGE_MATCH_THRESHOLD", "15")
	t.Setenv("VODBRIDGE_WORKER_ID", "worker-a")

	cfg := FromEnv()

	if cfg.SessionTTL != 30*time.Minute {
		t.Errorf("expected 30m session TTL, got %v", cfg.SessionTTL)
	}
	if cfg.MatchThreshold != 15 {
		t.Errorf("expected threshold 15, got %d", cfg.MatchThreshold)
	}
	if cfg.WorkerID != "worker-a" {
		t.Errorf("expected worker-a, got %s", cfg.WorkerID)
	}
}

func TestParseDurationInvalid(t *testing.T) {
	t.Setenv("VODBRIDGE_LOCK_TTL", "nonsense")

	cfg := FromEnv()
	if cfg.LockTTL != 10*time.Second {
		t.Errorf("invalid duration should fall back to default, got %v", cfg.LockTTL)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty worker id", func(c *Config) { c.WorkerID = "" }},
		{"zero session ttl", func(c *Config) { c.SessionTTL = 0 }},
		{"zero lock ttl", func(c *Config) { c.LockTTL = 0 }},
		{"zero chunk size", func(c *Config) { c.ChunkSize = 0 }},
		{"zero threshold", func(c *Config) { c.MatchThreshold = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := FromEnv()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
