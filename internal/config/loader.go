package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load merges the TOML file at path (if any) on top of the built-in
// defaults, loads a .env file when present, applies VAULT_* environment
// overrides and returns the result. The returned Config has NOT been
// validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known VAULT_* environment variables and
// overwrites the corresponding Config fields when a variable is set.
func applyEnvOverrides(cfg *Config) {
	// Server
	setInt(&cfg.Server.Port, "PORT")
	setInt(&cfg.Server.Port, "VAULT_SERVER_PORT")
	setDuration(&cfg.Server.RequestTimeout, "VAULT_SERVER_REQUEST_TIMEOUT")
	setStringSlice(&cfg.Server.CORSOrigins, "VAULT_SERVER_CORS_ORIGINS")

	// Vault
	setStr(&cfg.Vault.Account, "VAULT_ACCOUNT")
	setStr(&cfg.Vault.Owner, "VAULT_OWNER")
	setStr(&cfg.Vault.MaxDeposit, "VAULT_MAX_DEPOSIT")
	setStr(&cfg.Vault.MaxWithdraw, "VAULT_MAX_WITHDRAW")
	setUint32(&cfg.Vault.ManagementFeeBPS, "VAULT_MANAGEMENT_FEE_BPS")
	setUint32(&cfg.Vault.TargetLiquidityBPS, "VAULT_TARGET_LIQUIDITY_BPS")
	setUint32(&cfg.Vault.RebalanceThresholdBPS, "VAULT_REBALANCE_THRESHOLD_BPS")
	setStr(&cfg.Vault.NoStrategyPolicy, "VAULT_NO_STRATEGY_POLICY")

	// Strategy
	setBool(&cfg.Strategy.Enabled, "VAULT_STRATEGY_ENABLED")
	setStr(&cfg.Strategy.Account, "VAULT_STRATEGY_ACCOUNT")
	setStr(&cfg.Strategy.LiquidityCap, "VAULT_STRATEGY_LIQUIDITY_CAP")

	// Storage; DATABASE_URL and REDIS_URL are kept as aliases.
	setStr(&cfg.Postgres.DSN, "DATABASE_URL")
	setStr(&cfg.Postgres.DSN, "VAULT_POSTGRES_DSN")
	setStr(&cfg.Redis.URL, "REDIS_URL")
	setStr(&cfg.Redis.URL, "VAULT_REDIS_URL")
	setDuration(&cfg.Redis.TTL, "VAULT_REDIS_TTL")

	setStr(&cfg.LogLevel, "VAULT_LOG_LEVEL")
	setStr(&cfg.LogFormat, "VAULT_LOG_FORMAT")
}

// Typed env-var helpers. Each only mutates the target when the variable is
// present and parses.

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

func setUint32(dst *uint32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			*dst = uint32(n)
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

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
