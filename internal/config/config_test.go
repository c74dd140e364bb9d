package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.InactivityGap != time.Hour {
		t.Fatalf("default gap = %v", cfg.InactivityGap)
	}
	if cfg.FraudLimit != 2000 {
		t.Fatalf("default limit = %v", cfg.FraudLimit)
	}
	if cfg.StartTimeout != 60*time.Second {
		t.Fatalf("default start timeout = %v", cfg.StartTimeout)
	}
	if cfg.TopicOrders != "orders" || cfg.TopicValidations != "order-validations" {
		t.Fatalf("default topics: %s / %s", cfg.TopicOrders, cfg.TopicValidations)
	}
	if cfg.StateBackend != "pebble" {
		t.Fatalf("default backend = %s", cfg.StateBackend)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("FRAUD_FRAUD_LIMIT", "5000")
	t.Setenv("FRAUD_INACTIVITY_GAP", "5m")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.FraudLimit != 5000 {
		t.Fatalf("env limit not applied: %v", cfg.FraudLimit)
	}
	if cfg.InactivityGap != 5*time.Minute {
		t.Fatalf("env gap not applied: %v", cfg.InactivityGap)
	}
}

func TestLoad_FileOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fraud.yaml")
	body := "fraud_limit: 1234\nstate_backend: memory\nstart_timeout: 10s\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.FraudLimit != 1234 || cfg.StateBackend != "memory" || cfg.StartTimeout != 10*time.Second {
		t.Fatalf("file values not applied: %+v", cfg)
	}
}

func TestValidate_Rejections(t *testing.T) {
	base, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"empty bootstrap", func(c *Config) { c.Bootstrap = "" }},
		{"zero gap", func(c *Config) { c.InactivityGap = 0 }},
		{"zero limit", func(c *Config) { c.FraudLimit = 0 }},
		{"zero start timeout", func(c *Config) { c.StartTimeout = 0 }},
		{"bad backend", func(c *Config) { c.StateBackend = "rocksdb" }},
		{"bad changelog sink", func(c *Config) { c.ChangelogSink = "s3" }},
		{"bad manifest sink", func(c *Config) { c.ManifestSink = "s3" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := *base
			tc.mutate(&c)
			if err := c.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
