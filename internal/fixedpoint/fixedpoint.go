// Package fixedpoint provides scaled-integer arithmetic for the settlement
// ledger. NAV, USDC and share quantities each carry their own type and scale
// so that mixed-scale multiply/divide has to go through an explicit
// conversion instead of an ad hoc cast.
package fixedpoint

import "math/big"

// NAV is a net-asset-value per share, scaled by 1e8.
type NAV int64

// USDC is a USDC amount, scaled by 1e6.
type USDC int64

// Shares is a share quantity, scaled by 1e6.
type Shares int64

// Bps is a fee or tolerance expressed in basis points.
type Bps int64

const (
	// NavBase is the fixed NAV scale: 1.00000000 per share.
	NavBase NAV = 100_000_000

	// USDCUnit is one whole USDC.
	USDCUnit USDC = 1_000_000

	// ShareUnit is one whole share.
	ShareUnit Shares = 1_000_000

	// BpsDenom is the basis-point denominator.
	BpsDenom int64 = 10_000

	daysPerYear int64 = 365

	// precision is the intermediate scaling multiplier used by the daily
	// management-fee formula to avoid truncation bias from early division.
	precision int64 = 1_000_000_000_000
)

// mulDiv computes floor(a*b/den) with a big.Int intermediate so the product
// cannot overflow int64 midway.
func mulDiv(a, b, den int64) int64 {
	if den == 0 {
		return 0
	}
	n := new(big.Int).Mul(big.NewInt(a), big.NewInt(b))
	n.Quo(n, big.NewInt(den))
	return n.Int64()
}

// SharesToUSDC values a share quantity at the given NAV, floor-rounded.
func SharesToUSDC(s Shares, nav NAV) USDC {
	if s <= 0 || nav <= 0 {
		return 0
	}
	return USDC(mulDiv(int64(s), int64(nav), int64(NavBase)))
}

// USDCToShares converts a USDC amount into shares at the given NAV,
// floor-rounded. Returns 0 when nav is non-positive.
func USDCToShares(amount USDC, nav NAV) Shares {
	if amount <= 0 || nav <= 0 {
		return 0
	}
	return Shares(mulDiv(int64(amount), int64(NavBase), int64(nav)))
}

// ApplyBps returns amount * bps / 10000, floor-rounded.
func ApplyBps(amount USDC, bps Bps) USDC {
	if amount <= 0 || bps <= 0 {
		return 0
	}
	return USDC(mulDiv(int64(amount), int64(bps), BpsDenom))
}

// SlippageFloor returns the minimum acceptable share output after applying a
// slippage tolerance: shares * (10000 - slippageBps) / 10000.
func SlippageFloor(s Shares, slippageBps Bps) Shares {
	if s <= 0 {
		return 0
	}
	if slippageBps <= 0 {
		return s
	}
	return Shares(mulDiv(int64(s), BpsDenom-int64(slippageBps), BpsDenom))
}

// DailyManagementFee computes one day of management fee on the given total
// deposits at an annual basis-point rate:
//
//	floor(totalDeposited * feeBps * precision / (10000 * 365) / precision)
//
// The intermediate precision multiplier keeps the division from truncating
// before the final floor. Returns 0 for non-positive inputs.
func DailyManagementFee(totalDeposited USDC, feeBps Bps) USDC {
	if totalDeposited <= 0 || feeBps <= 0 {
		return 0
	}
	n := new(big.Int).Mul(big.NewInt(int64(totalDeposited)), big.NewInt(int64(feeBps)))
	n.Mul(n, big.NewInt(precision))
	n.Quo(n, big.NewInt(BpsDenom*daysPerYear))
	n.Quo(n, big.NewInt(precision))
	return USDC(n.Int64())
}

// PerformanceGain values the NAV gain above a watermark for a share position:
// shares * (currentNav - watermark) / NavBase. Returns 0 when there is no
// gain.
func PerformanceGain(s Shares, currentNav, watermark NAV) USDC {
	if s <= 0 || currentNav <= watermark {
		return 0
	}
	return USDC(mulDiv(int64(s), int64(currentNav-watermark), int64(NavBase)))
}
