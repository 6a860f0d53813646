package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Service.HTTPPort != 3000 {
		t.Fatalf("expected default port 3000, got %d", cfg.Service.HTTPPort)
	}
	if cfg.Monitor.Interval != 30*time.Second || cfg.Monitor.FailureThreshold != 5 {
		t.Fatalf("unexpected monitor defaults: %+v", cfg.Monitor)
	}
	if cfg.Fees.Ceiling.String() != "0.1" {
		t.Fatalf("expected fee ceiling 0.1, got %s", cfg.Fees.Ceiling)
	}
	if got := cfg.Fees.CeilingBaseUnits().String(); got != "100000000000000000" {
		t.Fatalf("unexpected ceiling base units %s", got)
	}
}

func TestLoadFileWithEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{
		"service": {"httpPort": 8080, "hmacSecret": "from-file"},
		"monitor": {"intervalSeconds": 10, "maxVerifyAttempts": 2},
		"retry": {"initialBackoffMs": 250},
		"contracts": {"badge": "0x00000000000000000000000000000000000000b2"},
		"fees": {"ceiling": "0.05"}
	}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("HMAC_SECRET", "from-env")
	t.Setenv("MONITOR_INTERVAL", "45s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Service.HTTPPort != 8080 {
		t.Fatalf("expected file port, got %d", cfg.Service.HTTPPort)
	}
	if cfg.Service.HMACSecret != "from-env" {
		t.Fatalf("env must override file, got %q", cfg.Service.HMACSecret)
	}
	if cfg.Monitor.Interval != 45*time.Second || cfg.Monitor.MaxVerifyAttempts != 2 {
		t.Fatalf("unexpected monitor config: %+v", cfg.Monitor)
	}
	if cfg.Retry.InitialBackoff != 250*time.Millisecond {
		t.Fatalf("unexpected backoff %s", cfg.Retry.InitialBackoff)
	}
	if cfg.Contracts.Badge != common.HexToAddress("0xb2") {
		t.Fatalf("unexpected badge address %s", cfg.Contracts.Badge.Hex())
	}
	if cfg.Fees.Ceiling.String() != "0.05" {
		t.Fatalf("unexpected ceiling %s", cfg.Fees.Ceiling)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]map[string]string{
		"bad ceiling":         {"FEE_CEILING": "lots"},
		"zero ceiling":        {"FEE_CEILING": "0"},
		"bad address":         {"ESCROW_CONTRACT": "not-an-address"},
		"key without rpc":     {"CHAIN_PRIVATE_KEY": "abc"},
		"key without address": {"CHAIN_PRIVATE_KEY": "abc", "CHAIN_RPC_URL": "http://localhost:8545"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("CONFIG_PATH", "")
			for k, v := range env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestEnvOrDurationAcceptsSeconds(t *testing.T) {
	t.Setenv("SOME_TIMEOUT", "12")
	if got := envOrDuration("SOME_TIMEOUT", time.Second); got != 12*time.Second {
		t.Fatalf("expected 12s, got %s", got)
	}
	t.Setenv("SOME_TIMEOUT", "nonsense")
	if got := envOrDuration("SOME_TIMEOUT", time.Second); got != time.Second {
		t.Fatalf("expected fallback, got %s", got)
	}
}
