// Copyright 2025 James Ross
package config

import (
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("BUS_NATS_URL")
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Bus.NatsURL == "" {
		t.Fatalf("expected default nats url")
	}
	if cfg.RulesDir != "./rules" {
		t.Fatalf("expected default rules_dir ./rules, got %q", cfg.RulesDir)
	}
	if cfg.Redis.Addr == "" {
		t.Fatalf("expected default redis addr")
	}
	if cfg.Housekeeping.CronSpec == "" {
		t.Fatalf("expected default cron spec")
	}
}

func TestResolvedDC(t *testing.T) {
	b := Bus{DCName: "datacenter1"}
	if got := b.ResolvedConsumeDC(); got != "datacenter1" {
		t.Fatalf("ResolvedConsumeDC = %q, want datacenter1", got)
	}
	b.ConsumeDC = "dc-east"
	if got := b.ResolvedConsumeDC(); got != "dc-east" {
		t.Fatalf("ResolvedConsumeDC = %q, want dc-east", got)
	}
	var empty Bus
	if got := empty.ResolvedProduceDC(); got != "datacenter1" {
		t.Fatalf("ResolvedProduceDC fallback = %q, want datacenter1", got)
	}
}

func TestValidateFails(t *testing.T) {
	cfg := defaultConfig()
	cfg.Bus.NatsURL = ""
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for empty bus.nats_url")
	}

	cfg = defaultConfig()
	cfg.RulesDir = ""
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for empty rules_dir")
	}

	cfg = defaultConfig()
	cfg.Observability.MetricsPort = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for invalid metrics_port")
	}

	cfg = defaultConfig()
	cfg.AdminAPI.ListenAddr = ""
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for empty admin_api.listen_addr")
	}

	cfg = defaultConfig()
	cfg.Housekeeping.CronSpec = "not a cron spec"
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for invalid cron spec")
	}
}
