package fixedpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSharesToUSDC(t *testing.T) {
	// 100 shares at NAV 1.05 -> $105.00
	got := SharesToUSDC(100*ShareUnit, 105_000_000)
	assert.Equal(t, USDC(105_000_000), got)

	// NAV 1.00 is the identity.
	assert.Equal(t, USDC(1_000_000), SharesToUSDC(ShareUnit, NavBase))

	assert.Equal(t, USDC(0), SharesToUSDC(0, NavBase))
	assert.Equal(t, USDC(0), SharesToUSDC(-ShareUnit, NavBase))
	assert.Equal(t, USDC(0), SharesToUSDC(ShareUnit, 0))
}

func TestUSDCToSharesRoundTrip(t *testing.T) {
	nav := NAV(105_000_000)
	amount := SharesToUSDC(100*ShareUnit, nav)
	back := USDCToShares(amount, nav)
	assert.Equal(t, 100*ShareUnit, back)
}

func TestDailyManagementFee(t *testing.T) {
	// $10,000 deposited (scaled 1e6) at 50 bps annual -> ~136,986 scaled/day.
	fee := DailyManagementFee(10_000_000_000, 50)
	assert.Equal(t, USDC(136_986), fee)

	assert.Equal(t, USDC(0), DailyManagementFee(0, 50))
	assert.Equal(t, USDC(0), DailyManagementFee(-1, 50))
	assert.Equal(t, USDC(0), DailyManagementFee(10_000_000_000, 0))
}

func TestDailyManagementFeeFloors(t *testing.T) {
	// One whole USDC at 1 bps annual is a sub-unit daily fee and floors to 0.
	assert.Equal(t, USDC(0), DailyManagementFee(USDCUnit, 1))
}

func TestApplyBps(t *testing.T) {
	// 25 bps of $1,000.
	assert.Equal(t, USDC(2_500_000), ApplyBps(1_000_000_000, 25))
	assert.Equal(t, USDC(0), ApplyBps(1_000_000_000, 0))
	assert.Equal(t, USDC(0), ApplyBps(0, 25))
}

func TestSlippageFloor(t *testing.T) {
	s := Shares(1_000_000_000)
	assert.Equal(t, Shares(995_000_000), SlippageFloor(s, 50))
	assert.Equal(t, s, SlippageFloor(s, 0))

	// Floor must never exceed the input.
	for _, bps := range []Bps{1, 25, 100, 999, 1000} {
		assert.LessOrEqual(t, SlippageFloor(s, bps), s)
	}
}

func TestPerformanceGain(t *testing.T) {
	shares := 10_000 * ShareUnit

	// NAV at or below the watermark yields no gain.
	assert.Equal(t, USDC(0), PerformanceGain(shares, NavBase, NavBase))
	assert.Equal(t, USDC(0), PerformanceGain(shares, 99_000_000, NavBase))

	// 10,000 shares, NAV 1.10 over watermark 1.00 -> $1,000 gain.
	gain := PerformanceGain(shares, 110_000_000, NavBase)
	assert.Equal(t, USDC(1_000_000_000), gain)
}

func TestSwapQuoteScenario(t *testing.T) {
	// 1,000 shares from a 1.00 pool into a 1.05 pool, 25 bps fee, 50 bps
	// slippage.
	shares := 1_000 * ShareUnit
	sourceAmount := SharesToUSDC(shares, NavBase)
	require.Equal(t, USDC(1_000_000_000), sourceAmount)

	fee := ApplyBps(sourceAmount, 25)
	assert.Equal(t, USDC(2_500_000), fee)

	targetAmount := sourceAmount - fee
	targetShares := USDCToShares(targetAmount, 105_000_000)
	assert.Equal(t, Shares(950_000_000), targetShares)

	minOut := SlippageFloor(targetShares, 50)
	assert.Equal(t, Shares(945_250_000), minOut)
	assert.LessOrEqual(t, minOut, targetShares)
}

func TestFormatting(t *testing.T) {
	assert.Equal(t, "1.05000000", NAV(105_000_000).String())
	assert.Equal(t, "105.000000", USDC(105_000_000).String())
	assert.Equal(t, "0.500000", Shares(500_000).String())
	assert.Equal(t, "-1.250000", USDC(-1_250_000).String())
}

func TestParseUSDC(t *testing.T) {
	v, err := ParseUSDC("105.25")
	require.NoError(t, err)
	assert.Equal(t, USDC(105_250_000), v)

	v, err = ParseUSDC("0.000001")
	require.NoError(t, err)
	assert.Equal(t, USDC(1), v)

	_, err = ParseUSDC("1.0000001")
	assert.Error(t, err)
	_, err = ParseUSDC("abc")
	assert.Error(t, err)
	_, err = ParseUSDC("")
	assert.Error(t, err)
}
