package fixedpoint

import (
	"fmt"
	"strings"
)

// formatScaled renders a scaled integer as a decimal string with the given
// number of fractional digits.
func formatScaled(v int64, decimals int) string {
	neg := v < 0
	if neg {
		v = -v
	}
	base := int64(1)
	for i := 0; i < decimals; i++ {
		base *= 10
	}
	whole := v / base
	frac := v % base
	s := fmt.Sprintf("%d.%0*d", whole, decimals, frac)
	if neg {
		s = "-" + s
	}
	return s
}

// String renders the NAV with 8 decimals, e.g. "1.05000000".
func (n NAV) String() string {
	return formatScaled(int64(n), 8)
}

// String renders the amount with 6 decimals, e.g. "105.000000".
func (u USDC) String() string {
	return formatScaled(int64(u), 6)
}

// String renders the share quantity with 6 decimals.
func (s Shares) String() string {
	return formatScaled(int64(s), 6)
}

// parseScaled parses a decimal string into a scaled integer with the given
// number of fractional digits. Extra digits are an error rather than silently
// truncated.
func parseScaled(s string, decimals int) (int64, error) {
	whole, frac, _ := strings.Cut(strings.TrimSpace(s), ".")
	neg := strings.HasPrefix(whole, "-")
	whole = strings.TrimPrefix(whole, "-")
	if whole == "" && frac == "" {
		return 0, fmt.Errorf("fixedpoint: empty amount")
	}
	if len(frac) > decimals {
		return 0, fmt.Errorf("fixedpoint: amount %q has more than %d decimal places", s, decimals)
	}
	frac += strings.Repeat("0", decimals-len(frac))

	var v int64
	for _, part := range []string{whole, frac} {
		for _, c := range part {
			if c < '0' || c > '9' {
				return 0, fmt.Errorf("fixedpoint: invalid amount %q", s)
			}
			v = v*10 + int64(c-'0')
		}
	}
	if neg {
		v = -v
	}
	return v, nil
}

// ParseUSDC parses a decimal string like "105.25" into scaled USDC. At most
// six fractional digits are honoured.
func ParseUSDC(s string) (USDC, error) {
	v, err := parseScaled(s, 6)
	return USDC(v), err
}

// ParseNAV parses a decimal string like "1.05" into a scaled NAV. At most
// eight fractional digits are honoured.
func ParseNAV(s string) (NAV, error) {
	v, err := parseScaled(s, 8)
	return NAV(v), err
}
