package config

import (
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/poolledger/internal/fixedpoint"
)

// validConfig returns defaults filled in enough to pass Validate in full
// mode.
func validConfig() Config {
	cfg := Defaults()
	cfg.Fees.Treasury = "0x00000000000000000000000000000000000000aa"
	cfg.Fees.Admins = []string{"0x4444444444444444444444444444444444444444"}
	cfg.Chain.RPCURL = "https://rpc.example.org"
	cfg.Chain.ChainID = 8453
	cfg.Chain.PrivateKey = "deadbeef"
	cfg.Chain.SettlementAddress = "0x2222222222222222222222222222222222222222"
	cfg.Chain.USDCAddress = "0x3333333333333333333333333333333333333333"
	return cfg
}

func TestValidateAcceptsFilledDefaults(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "bogus"
	cfg.Fees.Treasury = ""
	cfg.Fees.ManagementFeeBps = 501
	cfg.Redis.Addr = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
	assert.Contains(t, err.Error(), "treasury must not be empty")
	assert.Contains(t, err.Error(), "management_fee_bps")
	assert.Contains(t, err.Error(), "redis: addr")
}

func TestValidateFullModeNeedsAdmins(t *testing.T) {
	cfg := validConfig()
	cfg.Fees.Admins = nil
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "admins must not be empty")
}

func TestValidateRejectsZeroTreasury(t *testing.T) {
	cfg := validConfig()
	cfg.Fees.Treasury = "0x0000000000000000000000000000000000000000"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "treasury")
}

func TestValidateArchiveModeNeedsS3(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "archive"
	cfg.S3.Enabled = false
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "archive mode")

	cfg.S3.Enabled = true
	cfg.S3.AccessKey = "minio"
	cfg.S3.SecretKey = "minio123"
	require.NoError(t, cfg.Validate())
}

func TestSwapNavBand(t *testing.T) {
	band := SwapConfig{MinNav: "0.01", MaxNav: "100"}
	minNav, maxNav, err := band.NavBand()
	require.NoError(t, err)
	assert.Equal(t, fixedpoint.NAV(1_000_000), minNav)
	assert.Equal(t, fixedpoint.NAV(100*fixedpoint.NavBase), maxNav)

	// Empty sides are unbounded.
	minNav, maxNav, err = SwapConfig{}.NavBand()
	require.NoError(t, err)
	assert.Zero(t, minNav)
	assert.Zero(t, maxNav)

	_, _, err = SwapConfig{MinNav: "abc"}.NavBand()
	require.Error(t, err)

	cfg := validConfig()
	cfg.Swap.MinNav = "2"
	cfg.Swap.MaxNav = "1"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "min_nav must not exceed max_nav")
}

func TestTOMLDurationDecoding(t *testing.T) {
	cfg := Defaults()
	_, err := toml.Decode(`
[queue]
sweep_interval = "90s"
rate_window = "2m"
`, &cfg)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.Queue.SweepInterval.Duration)
	assert.Equal(t, 2*time.Minute, cfg.Queue.RateWindow.Duration)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("POOLLEDGER_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("POOLLEDGER_FEES_ADMINS", "ops-1, ops-2")
	t.Setenv("POOLLEDGER_QUEUE_RATE_LIMIT", "7")
	t.Setenv("POOLLEDGER_QUEUE_SWEEP_INTERVAL", "30s")
	t.Setenv("POOLLEDGER_S3_ENABLED", "true")

	cfg := Defaults()
	applyEnvOverrides(&cfg)

	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, []string{"ops-1", "ops-2"}, cfg.Fees.Admins)
	assert.Equal(t, 7, cfg.Queue.RateLimit)
	assert.Equal(t, 30*time.Second, cfg.Queue.SweepInterval.Duration)
	assert.True(t, cfg.S3.Enabled)
}

func TestRedactedConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.Password = "hunter2"
	cfg.Notify.TelegramToken = "123:abc"

	red := RedactedConfig(&cfg)
	assert.Equal(t, "***", red.Postgres.Password)
	assert.Equal(t, "***", red.Chain.PrivateKey)
	assert.Equal(t, "***", red.Notify.TelegramToken)
	// Original untouched.
	assert.Equal(t, "hunter2", cfg.Postgres.Password)
}
