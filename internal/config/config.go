// Package config defines the configuration of the vault daemon and the
// helpers that turn it into engine settings.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"cosmossdk.io/math"
	"github.com/shopspring/decimal"

	"github.com/atmx/yield-vault/internal/account"
	"github.com/atmx/yield-vault/internal/vault"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by VAULT_* environment variables.
type Config struct {
	Server    ServerConfig   `toml:"server"`
	Vault     VaultConfig    `toml:"vault"`
	Strategy  StrategyConfig `toml:"strategy"`
	Ledger    LedgerConfig   `toml:"ledger"`
	Postgres  PostgresConfig `toml:"postgres"`
	Redis     RedisConfig    `toml:"redis"`
	LogLevel  string         `toml:"log_level"`
	LogFormat string         `toml:"log_format"` // console or json
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port            int      `toml:"port"`
	ReadTimeout     duration `toml:"read_timeout"`
	WriteTimeout    duration `toml:"write_timeout"`
	IdleTimeout     duration `toml:"idle_timeout"`
	RequestTimeout  duration `toml:"request_timeout"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
	CORSOrigins     []string `toml:"cors_origins"`
}

// VaultConfig holds the engine settings. Amounts are decimal strings in
// whole asset units and are scaled by AssetDecimals into base units.
type VaultConfig struct {
	Account               string `toml:"account"`
	Owner                 string `toml:"owner"`
	AssetDecimals         int32  `toml:"asset_decimals"`
	MaxDeposit            string `toml:"max_deposit"`
	MaxWithdraw           string `toml:"max_withdraw"`
	ManagementFeeBPS      uint32 `toml:"management_fee_bps"`
	TargetLiquidityBPS    uint32 `toml:"target_liquidity_bps"`
	RebalanceThresholdBPS uint32 `toml:"rebalance_threshold_bps"`
	NoStrategyPolicy      string `toml:"no_strategy_policy"` // skip or strict
}

// StrategyConfig configures the simulated yield strategy.
type StrategyConfig struct {
	Enabled      bool   `toml:"enabled"`
	Account      string `toml:"account"`
	LiquidityCap string `toml:"liquidity_cap"` // empty means unlimited
}

// LedgerConfig seeds the in-memory asset ledger. Genesis balances are
// approved for the vault account so HTTP callers can deposit them.
type LedgerConfig struct {
	Genesis []Allocation `toml:"genesis"`
}

// Allocation is an initial ledger balance.
type Allocation struct {
	Account string `toml:"account"`
	Amount  string `toml:"amount"`
}

// PostgresConfig holds the event store connection. An empty DSN selects the
// in-memory store.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds the read-through cache connection. It is only used in
// front of PostgreSQL.
type RedisConfig struct {
	URL string   `toml:"url"`
	TTL duration `toml:"ttl"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a configuration that runs a local development vault
// once an owner is supplied.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     duration{10 * time.Second},
			WriteTimeout:    duration{10 * time.Second},
			IdleTimeout:     duration{60 * time.Second},
			RequestTimeout:  duration{30 * time.Second},
			ShutdownTimeout: duration{5 * time.Second},
			CORSOrigins:     []string{"*"},
		},
		Vault: VaultConfig{
			Account:               "0x0000000000000000000000000000000000005afe",
			AssetDecimals:         18,
			MaxDeposit:            "1000000",
			MaxWithdraw:           "1000000",
			ManagementFeeBPS:      200,
			TargetLiquidityBPS:    1_000,
			RebalanceThresholdBPS: 500,
			NoStrategyPolicy:      string(vault.NoStrategySkip),
		},
		Strategy: StrategyConfig{
			Enabled: true,
			Account: "0x00000000000000000000000000000000000057a7",
		},
		Postgres: PostgresConfig{
			PoolMaxConns:  10,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			TTL: duration{30 * time.Second},
		},
		LogLevel:  "info",
		LogFormat: "console",
	}
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	if c.LogFormat != "console" && c.LogFormat != "json" {
		errs = append(errs, fmt.Sprintf("unknown log_format %q (valid: console, json)", c.LogFormat))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.ShutdownTimeout.Duration <= 0 {
		errs = append(errs, "server: shutdown_timeout must be positive")
	}

	if _, err := c.VaultSettings(); err != nil {
		errs = append(errs, "vault: "+err.Error())
	}

	if c.Strategy.Enabled {
		s, err := account.Parse(c.Strategy.Account)
		switch {
		case err != nil:
			errs = append(errs, "strategy: account: "+err.Error())
		case account.Equal(s, c.Vault.Account) || account.Equal(s, c.Vault.Owner):
			errs = append(errs, "strategy: account must differ from the vault and owner accounts")
		}
		if _, err := c.StrategyCap(); err != nil {
			errs = append(errs, "strategy: liquidity_cap: "+err.Error())
		}
	}

	for i, a := range c.Ledger.Genesis {
		if _, err := account.Parse(a.Account); err != nil {
			errs = append(errs, fmt.Sprintf("ledger: genesis[%d]: %v", i, err))
		}
		if _, err := ParseAmount(a.Amount, c.Vault.AssetDecimals); err != nil {
			errs = append(errs, fmt.Sprintf("ledger: genesis[%d]: %v", i, err))
		}
	}

	if c.Postgres.DSN != "" && c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Redis.URL != "" {
		if c.Postgres.DSN == "" {
			errs = append(errs, "redis: url requires postgres.dsn (the cache fronts PostgreSQL)")
		}
		if c.Redis.TTL.Duration <= 0 {
			errs = append(errs, "redis: ttl must be positive")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// VaultSettings converts the [vault] section into engine settings.
func (c *Config) VaultSettings() (vault.Config, error) {
	v := c.Vault
	if v.AssetDecimals < 0 || v.AssetDecimals > 36 {
		return vault.Config{}, fmt.Errorf("asset_decimals must be 0-36, got %d", v.AssetDecimals)
	}
	if v.Owner == "" {
		return vault.Config{}, errors.New("owner must be set")
	}
	maxDeposit, err := ParseAmount(v.MaxDeposit, v.AssetDecimals)
	if err != nil {
		return vault.Config{}, fmt.Errorf("max_deposit: %w", err)
	}
	maxWithdraw, err := ParseAmount(v.MaxWithdraw, v.AssetDecimals)
	if err != nil {
		return vault.Config{}, fmt.Errorf("max_withdraw: %w", err)
	}
	policy, err := vault.ParseNoStrategyPolicy(v.NoStrategyPolicy)
	if err != nil {
		return vault.Config{}, err
	}

	settings := vault.Config{
		Account: v.Account,
		Owner:   v.Owner,
		Params: vault.Params{
			MaxDepositLimit:       maxDeposit,
			MaxWithdrawLimit:      maxWithdraw,
			ManagementFeeBPS:      v.ManagementFeeBPS,
			TargetLiquidityBPS:    v.TargetLiquidityBPS,
			RebalanceThresholdBPS: v.RebalanceThresholdBPS,
		},
		NoStrategyPolicy: policy,
	}
	if err := settings.Params.Validate(); err != nil {
		return vault.Config{}, err
	}
	if _, err := account.Parse(v.Account); err != nil {
		return vault.Config{}, fmt.Errorf("account: %w", err)
	}
	if _, err := account.Parse(v.Owner); err != nil {
		return vault.Config{}, fmt.Errorf("owner: %w", err)
	}
	if account.Equal(v.Account, v.Owner) {
		return vault.Config{}, errors.New("owner must differ from the vault account")
	}
	return settings, nil
}

// StrategyCap returns the simulated strategy's liquidity cap in base units,
// or a nil Int when it is unlimited.
func (c *Config) StrategyCap() (math.Int, error) {
	if strings.TrimSpace(c.Strategy.LiquidityCap) == "" {
		return math.Int{}, nil
	}
	return ParseAmount(c.Strategy.LiquidityCap, c.Vault.AssetDecimals)
}

// ParseAmount converts a non-negative decimal string of whole units into
// base units. Fractions finer than one base unit are rejected.
func ParseAmount(s string, decimals int32) (math.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return math.Int{}, fmt.Errorf("amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return math.Int{}, fmt.Errorf("amount %q is negative", s)
	}
	base := d.Shift(decimals)
	if !base.Equal(base.Truncate(0)) {
		return math.Int{}, fmt.Errorf("amount %q has more than %d decimal places", s, decimals)
	}
	return math.NewIntFromBigInt(base.BigInt()), nil
}
