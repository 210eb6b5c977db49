package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"OutcomeLedger/internal/config"
)

const issuerHex = "0101010101010101010101010101010101010101010101010101010101010101"

func TestDefaults_Valid(t *testing.T) {
	cfg := config.Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoad_TOMLOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outcome.toml")
	body := `
log_level = "debug"

[persistence]
batch_size = 7
flush_timeout = "25ms"

[[collateral]]
name = "USDC"
decimals = 6
issuer = "` + issuerHex + `"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log level: got %q, want debug", cfg.LogLevel)
	}
	if cfg.Persistence.BatchSize != 7 {
		t.Errorf("batch size: got %d, want 7", cfg.Persistence.BatchSize)
	}
	if cfg.Persistence.FlushTimeout.Duration != 25*time.Millisecond {
		t.Errorf("flush timeout: got %v, want 25ms", cfg.Persistence.FlushTimeout.Duration)
	}
	if cfg.Server.GRPCAddr != ":9090" {
		t.Errorf("unset keys should keep defaults, grpc addr %q", cfg.Server.GRPCAddr)
	}
	if len(cfg.Collateral) != 1 || cfg.Collateral[0].Decimals != 6 {
		t.Errorf("collateral: got %+v", cfg.Collateral)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("OUTCOME_REDIS_ADDR", "localhost:6379")
	t.Setenv("OUTCOME_REDIS_LOCK_TTL", "2s")
	t.Setenv("OUTCOME_SNAPSHOT_INTERVAL", "500")
	t.Setenv("OUTCOME_COLLATERAL", "USDC:6:"+issuerHex+", DAI:18:"+issuerHex)

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("redis addr: got %q", cfg.Redis.Addr)
	}
	if cfg.Redis.LockTTL.Duration != 2*time.Second {
		t.Errorf("lock ttl: got %v", cfg.Redis.LockTTL.Duration)
	}
	if cfg.Persistence.SnapshotInterval != 500 {
		t.Errorf("snapshot interval: got %d", cfg.Persistence.SnapshotInterval)
	}
	if len(cfg.Collateral) != 2 || cfg.Collateral[1].Name != "DAI" || cfg.Collateral[1].Decimals != 18 {
		t.Errorf("collateral: got %+v", cfg.Collateral)
	}
}

func TestLoad_BadEnvIgnored(t *testing.T) {
	t.Setenv("OUTCOME_PERSIST_BATCH_SIZE", "lots")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Persistence.BatchSize != 50 {
		t.Errorf("unparseable override should keep default, got %d", cfg.Persistence.BatchSize)
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := config.Defaults()
	cfg.LogLevel = "loud"
	cfg.Core.PersistChanSize = 0
	cfg.Collateral = []config.CollateralConfig{
		{Name: "USDC", Decimals: 6, Issuer: issuerHex},
		{Name: "USDC", Decimals: 30, Issuer: "abc"},
	}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"log_level", "persist_chan_size", "duplicate name", "decimals", "issuer"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %q: %v", want, err)
		}
	}
}
