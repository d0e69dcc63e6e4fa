// Package config defines the top-level configuration for the pool ledger and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/poolledger/internal/domain"
	"github.com/alanyoungcy/poolledger/internal/fixedpoint"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by POOLLEDGER_* environment
// variables.
type Config struct {
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Chain    ChainConfig    `toml:"chain"`
	Fees     FeesConfig     `toml:"fees"`
	Queue    QueueConfig    `toml:"queue"`
	Swap     SwapConfig     `toml:"swap"`
	Archive  ArchiveConfig  `toml:"archive"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for ledger exports.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ChainConfig holds on-chain contract addresses and the RPC endpoint used
// for settlement execution.
type ChainConfig struct {
	RPCURL            string `toml:"rpc_url"`
	ChainID           int64  `toml:"chain_id"`
	PrivateKey        string `toml:"private_key"`
	SettlementAddress string `toml:"settlement_address"`
	USDCAddress       string `toml:"usdc_address"`
}

// FeesConfig holds default fee rates and the operator allow-list.
type FeesConfig struct {
	ManagementFeeBps  int64    `toml:"management_fee_bps"`
	PerformanceFeeBps int64    `toml:"performance_fee_bps"`
	EntryFeeBps       int64    `toml:"entry_fee_bps"`
	ExitFeeBps        int64    `toml:"exit_fee_bps"`
	Treasury          string   `toml:"treasury"`
	Admins            []string `toml:"admins"`
}

// QueueConfig holds redemption queue throttling and sweep parameters.
type QueueConfig struct {
	RateLimit       int      `toml:"rate_limit"`
	RateWindow      duration `toml:"rate_window"`
	SweepInterval   duration `toml:"sweep_interval"`
	AccrualInterval duration `toml:"accrual_interval"`
}

// SwapConfig holds swap composer parameters. MinNav and MaxNav are decimal
// strings ("0.01", "100"); empty means that side of the band is unbounded.
type SwapConfig struct {
	MinNav string `toml:"min_nav"`
	MaxNav string `toml:"max_nav"`
	FeeBps int64  `toml:"fee_bps"`
}

// ArchiveConfig holds ledger export parameters.
type ArchiveConfig struct {
	Interval      duration `toml:"interval"`
	RetentionDays int      `toml:"retention_days"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "poolledger",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "poolledger-exports",
			ForcePathStyle: true,
		},
		Fees: FeesConfig{
			ManagementFeeBps:  50,
			PerformanceFeeBps: 1000,
			ExitFeeBps:        50,
		},
		Queue: QueueConfig{
			RateLimit:       5,
			RateWindow:      duration{time.Minute},
			SweepInterval:   duration{5 * time.Minute},
			AccrualInterval: duration{time.Hour},
		},
		Swap: SwapConfig{
			MinNav: "0.01",
			MaxNav: "100",
			FeeBps: int64(domain.DefaultSwapFeeBps),
		},
		Archive: ArchiveConfig{
			Interval:      duration{24 * time.Hour},
			RetentionDays: 90,
		},
		Notify: NotifyConfig{
			Events: []string{"settlement_failed", "fees_accrued", "swap_confirmed"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"full":    true,
	"accrue":  true,
	"settle":  true,
	"archive": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: full, accrue, settle, archive)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3 — only checked when the archiver is enabled.
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty when enabled")
		}
	}
	if c.Mode == "archive" && !c.S3.Enabled {
		errs = append(errs, "s3: must be enabled for archive mode")
	}

	// Chain — required when settlement runs (full and settle modes).
	if c.Mode == "full" || c.Mode == "settle" {
		if c.Chain.RPCURL == "" {
			errs = append(errs, "chain: rpc_url is required for mode "+c.Mode)
		}
		if c.Chain.ChainID <= 0 {
			errs = append(errs, "chain: chain_id must be positive for mode "+c.Mode)
		}
		if c.Chain.PrivateKey == "" {
			errs = append(errs, "chain: private_key is required for mode "+c.Mode)
		}
		if c.Chain.SettlementAddress == "" {
			errs = append(errs, "chain: settlement_address is required for mode "+c.Mode)
		}
		if c.Chain.USDCAddress == "" {
			errs = append(errs, "chain: usdc_address is required for mode "+c.Mode)
		}
	}
	for name, addr := range map[string]string{
		"settlement_address": c.Chain.SettlementAddress,
		"usdc_address":       c.Chain.USDCAddress,
	} {
		if addr == "" {
			continue
		}
		if !common.IsHexAddress(addr) {
			errs = append(errs, fmt.Sprintf("chain: %s %q is not a valid address", name, addr))
		} else if common.HexToAddress(addr) == (common.Address{}) {
			errs = append(errs, fmt.Sprintf("chain: %s must not be the zero address", name))
		}
	}

	// Fees — the default treasury must be a real address; a zero address
	// would silently burn collected fees.
	if c.Fees.Treasury == "" {
		errs = append(errs, "fees: treasury must not be empty")
	} else if !common.IsHexAddress(c.Fees.Treasury) || common.HexToAddress(c.Fees.Treasury) == (common.Address{}) {
		errs = append(errs, fmt.Sprintf("fees: treasury %q is not a valid non-zero address", c.Fees.Treasury))
	}
	if bps := fixedpoint.Bps(c.Fees.ManagementFeeBps); bps < 0 || bps > domain.MaxManagementFeeBps {
		errs = append(errs, fmt.Sprintf("fees: management_fee_bps must be 0-%d, got %d", domain.MaxManagementFeeBps, c.Fees.ManagementFeeBps))
	}
	if bps := fixedpoint.Bps(c.Fees.PerformanceFeeBps); bps < 0 || bps > domain.MaxPerformanceFeeBps {
		errs = append(errs, fmt.Sprintf("fees: performance_fee_bps must be 0-%d, got %d", domain.MaxPerformanceFeeBps, c.Fees.PerformanceFeeBps))
	}
	if bps := fixedpoint.Bps(c.Fees.EntryFeeBps); bps < 0 || bps > domain.MaxEntryFeeBps {
		errs = append(errs, fmt.Sprintf("fees: entry_fee_bps must be 0-%d, got %d", domain.MaxEntryFeeBps, c.Fees.EntryFeeBps))
	}
	if bps := fixedpoint.Bps(c.Fees.ExitFeeBps); bps < 0 || bps > domain.MaxExitFeeBps {
		errs = append(errs, fmt.Sprintf("fees: exit_fee_bps must be 0-%d, got %d", domain.MaxExitFeeBps, c.Fees.ExitFeeBps))
	}
	// Without admins nobody can update fee configs or approve large
	// redemptions in the long-running mode.
	if c.Mode == "full" && len(c.Fees.Admins) == 0 {
		errs = append(errs, "fees: admins must not be empty for full mode")
	}

	// Queue
	if c.Queue.RateLimit < 1 {
		errs = append(errs, "queue: rate_limit must be >= 1")
	}
	if c.Queue.RateWindow.Duration <= 0 {
		errs = append(errs, "queue: rate_window must be > 0")
	}
	if c.Queue.SweepInterval.Duration <= 0 {
		errs = append(errs, "queue: sweep_interval must be > 0")
	}
	if c.Queue.AccrualInterval.Duration <= 0 {
		errs = append(errs, "queue: accrual_interval must be > 0")
	}

	// Swap
	minNav, maxNav, err := c.Swap.NavBand()
	if err != nil {
		errs = append(errs, "swap: "+err.Error())
	} else if maxNav > 0 && minNav > maxNav {
		errs = append(errs, "swap: min_nav must not exceed max_nav")
	}
	if c.Swap.FeeBps < 0 || c.Swap.FeeBps >= fixedpoint.BpsDenom {
		errs = append(errs, fmt.Sprintf("swap: fee_bps must be 0-%d, got %d", fixedpoint.BpsDenom-1, c.Swap.FeeBps))
	}

	// Archive
	if c.S3.Enabled {
		if c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be > 0")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// NavBand parses the swap NAV sanity band. Empty strings parse to zero,
// meaning that side of the band is unbounded.
func (s SwapConfig) NavBand() (fixedpoint.NAV, fixedpoint.NAV, error) {
	var minNav, maxNav fixedpoint.NAV
	var err error
	if s.MinNav != "" {
		if minNav, err = fixedpoint.ParseNAV(s.MinNav); err != nil {
			return 0, 0, fmt.Errorf("min_nav: %w", err)
		}
	}
	if s.MaxNav != "" {
		if maxNav, err = fixedpoint.ParseNAV(s.MaxNav); err != nil {
			return 0, 0, fmt.Errorf("max_nav: %w", err)
		}
	}
	if minNav < 0 || maxNav < 0 {
		return 0, 0, fmt.Errorf("nav band must not be negative")
	}
	return minNav, maxNav, nil
}
