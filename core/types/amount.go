package types

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// Decimals is the number of fractional digits of the CAW token.
const Decimals = 18

var tokenUnit = new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(Decimals))

// Tokens converts a whole token count into base units.
func Tokens(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), tokenUnit)
}

// ParseTokens parses a decimal token amount such as "6562.5" into base units.
func ParseTokens(raw string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	whole, frac, _ := strings.Cut(trimmed, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > Decimals {
		return nil, fmt.Errorf("amount %q: more than %d fractional digits", raw, Decimals)
	}
	frac += strings.Repeat("0", Decimals-len(frac))
	value, err := uint256.FromDecimal(whole + frac)
	if err != nil {
		return nil, fmt.Errorf("amount %q: %w", raw, err)
	}
	return value, nil
}

// FormatTokens renders base units as a decimal token amount without trailing
// zeros.
func FormatTokens(amount *uint256.Int) string {
	if amount == nil {
		return "0"
	}
	whole, frac := new(uint256.Int).DivMod(amount, tokenUnit, new(uint256.Int))
	if frac.IsZero() {
		return whole.Dec()
	}
	digits := frac.Dec()
	digits = strings.Repeat("0", Decimals-len(digits)) + digits
	return whole.Dec() + "." + strings.TrimRight(digits, "0")
}

// ParseAmount parses a base-unit amount expressed in decimal or 0x-prefixed hex.
func ParseAmount(raw string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		return uint256.FromHex(trimmed)
	}
	return uint256.FromDecimal(trimmed)
}
