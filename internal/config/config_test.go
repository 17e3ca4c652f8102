package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentmarket.yaml")
	content := []byte("contracts:\n  market: \"0x1111111111111111111111111111111111111111\"\n")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Contracts.Market != "0x1111111111111111111111111111111111111111" {
		t.Fatalf("market address not parsed: %q", cfg.Contracts.Market)
	}
	if cfg.Network.ChainRPC != "https://mainnet.base.org" {
		t.Fatalf("unexpected default chain rpc: %q", cfg.Network.ChainRPC)
	}
	if cfg.Network.ChainID != 8453 {
		t.Fatalf("unexpected default chain id: %d", cfg.Network.ChainID)
	}
	if cfg.Contracts.ValidatorFeeBps != 500 {
		t.Fatalf("unexpected default fee bps: %d", cfg.Contracts.ValidatorFeeBps)
	}
	if cfg.State.Driver != "file" {
		t.Fatalf("unexpected default state driver: %q", cfg.State.Driver)
	}
	if cfg.State.Dir != filepath.Join(dir, "state") {
		t.Fatalf("state dir should be rooted at config dir, got %q", cfg.State.Dir)
	}
	if cfg.Validation.HandlerType != "manual" {
		t.Fatalf("unexpected default handler type: %q", cfg.Validation.HandlerType)
	}
	if cfg.Validation.TimeoutSeconds != 60 {
		t.Fatalf("unexpected default handler timeout: %d", cfg.Validation.TimeoutSeconds)
	}
	if cfg.Daemon.PollIntervalSeconds != 30 {
		t.Fatalf("unexpected default poll interval: %d", cfg.Daemon.PollIntervalSeconds)
	}
	if cfg.Identity.KeystoreDir != filepath.Join(dir, "keystore") {
		t.Fatalf("keystore dir should be rooted at config dir, got %q", cfg.Identity.KeystoreDir)
	}
	if cfg.Identity.PasswordEnv != "AGENTMARKET_KEYSTORE_PASSWORD" {
		t.Fatalf("unexpected default password env: %q", cfg.Identity.PasswordEnv)
	}
}

func TestLoadOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentmarket.yaml")
	content := []byte(`
network:
  chain_rpc: http://localhost:8545
  chain_id: 31337
  block_interval_seconds: 1
state:
  driver: mysql
  dsn: user:pass@tcp(localhost:3306)/agentmarket
validation:
  handler_type: external
  handler_path: /usr/local/bin/judge
  timeout_seconds: 10
  queue_driver: redis
  redis:
    address: localhost:6379
daemon:
  poll_interval_seconds: 5
  auto_claim: true
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Network.ChainRPC != "http://localhost:8545" || cfg.Network.ChainID != 31337 {
		t.Fatalf("network overrides not applied: %+v", cfg.Network)
	}
	if cfg.State.Driver != "mysql" || cfg.State.DSN == "" {
		t.Fatalf("state overrides not applied: %+v", cfg.State)
	}
	if cfg.Validation.HandlerType != "external" || cfg.Validation.HandlerPath != "/usr/local/bin/judge" {
		t.Fatalf("validation overrides not applied: %+v", cfg.Validation)
	}
	if cfg.Validation.QueueDriver != "redis" || cfg.Validation.Redis.Address != "localhost:6379" {
		t.Fatalf("queue overrides not applied: %+v", cfg.Validation)
	}
	if cfg.Validation.Redis.Queue != "agentmarket:validations" {
		t.Fatalf("redis queue default missing: %q", cfg.Validation.Redis.Queue)
	}
	if !cfg.Daemon.AutoClaim || cfg.Daemon.PollIntervalSeconds != 5 {
		t.Fatalf("daemon overrides not applied: %+v", cfg.Daemon)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}
