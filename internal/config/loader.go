package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load merges the TOML file at path (skipped when path is empty) over
// Defaults, loads a .env file if present, then applies OUTCOME_* overrides.
// The result is not validated; call Validate.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Missing .env is fine.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "OUTCOME_POSTGRES_DSN")
	setInt(&cfg.Postgres.MaxOpenConns, "OUTCOME_POSTGRES_MAX_OPEN_CONNS")
	setStr(&cfg.Postgres.MigrationsDir, "OUTCOME_MIGRATIONS_DIR")
	setBool(&cfg.Postgres.RunMigrations, "OUTCOME_RUN_MIGRATIONS")

	// ── NATS ──
	setStr(&cfg.NATS.URL, "OUTCOME_NATS_URL")
	setStr(&cfg.NATS.Stream, "OUTCOME_NATS_STREAM")
	setStr(&cfg.NATS.Consumer, "OUTCOME_NATS_CONSUMER")
	setInt(&cfg.NATS.PublishQueue, "OUTCOME_NATS_PUBLISH_QUEUE")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "OUTCOME_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "OUTCOME_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "OUTCOME_REDIS_DB")
	setDuration(&cfg.Redis.LockTTL, "OUTCOME_REDIS_LOCK_TTL")

	// ── Server ──
	setStr(&cfg.Server.GRPCAddr, "OUTCOME_GRPC_ADDR")
	setStr(&cfg.Server.HTTPAddr, "OUTCOME_HTTP_ADDR")
	setStr(&cfg.Server.MetricsAddr, "OUTCOME_METRICS_ADDR")

	// ── Core ──
	setInt(&cfg.Core.PersistChanSize, "OUTCOME_PERSIST_CHAN_SIZE")
	setInt(&cfg.Core.ProjectionChanSize, "OUTCOME_PROJECTION_CHAN_SIZE")
	setInt(&cfg.Core.IdempotencyLRUCapacity, "OUTCOME_IDEMPOTENCY_LRU_CAPACITY")

	// ── Persistence ──
	setInt(&cfg.Persistence.BatchSize, "OUTCOME_PERSIST_BATCH_SIZE")
	setDuration(&cfg.Persistence.FlushTimeout, "OUTCOME_PERSIST_FLUSH_TIMEOUT")
	setInt64(&cfg.Persistence.SnapshotInterval, "OUTCOME_SNAPSHOT_INTERVAL")

	// ── Collateral ──
	// OUTCOME_COLLATERAL=USDC:6:<issuer hex>,DAI:18:<issuer hex>
	setCollateral(&cfg.Collateral, "OUTCOME_COLLATERAL")

	setStr(&cfg.LogLevel, "OUTCOME_LOG_LEVEL")
}

// Typed env helpers. Each only touches the target when the variable is set
// and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setCollateral(dst *[]CollateralConfig, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []CollateralConfig
	for _, entry := range strings.Split(v, ",") {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) != 3 {
			continue
		}
		dec, err := strconv.ParseUint(parts[1], 10, 8)
		if err != nil {
			continue
		}
		out = append(out, CollateralConfig{Name: parts[0], Decimals: uint8(dec), Issuer: parts[2]})
	}
	if len(out) > 0 {
		*dst = out
	}
}
