package gate

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/settleonbase/settle-gate/internal/x402"
)

// usdcDecimals is the asset's decimal count for the "exact" scheme.
const usdcDecimals = 6

// networkForChainID maps the configured chain ID onto the x402 network name.
func networkForChainID(chainID int64) string {
	switch chainID {
	case 8453:
		return "base"
	case 84532:
		return "base-sepolia"
	default:
		return "base"
	}
}

// parseUnits converts a decimal amount string into atomic units, like
// ethers.parseUnits. Excess fractional digits are an error, not a rounding.
func parseUnits(amount string, decimals int) (*big.Int, error) {
	whole, frac, _ := strings.Cut(amount, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > decimals {
		return nil, fmt.Errorf("amount %q has more than %d decimal places", amount, decimals)
	}
	frac += strings.Repeat("0", decimals-len(frac))

	out, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", amount)
	}
	return out, nil
}

// formatUnits renders an atomic amount as a decimal string, trimming
// trailing fractional zeros.
func formatUnits(amount *big.Int, decimals int) string {
	s := amount.String()
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	for len(s) <= decimals {
		s = "0" + s
	}
	whole, frac := s[:len(s)-decimals], s[len(s)-decimals:]
	frac = strings.TrimRight(frac, "0")
	out := whole
	if frac != "" {
		out += "." + frac
	}
	if neg {
		out = "-" + out
	}
	return out
}

// buildRequirements creates the single "exact" requirement advertised in 402
// responses for a resource priced in USDC.
func (g *Gate) buildRequirements(atomicAmount *big.Int, resource, description string) []x402.PaymentRequirements {
	return []x402.PaymentRequirements{{
		Scheme:            "exact",
		Network:           g.network,
		MaxAmountRequired: atomicAmount.String(),
		Resource:          resource,
		Description:       description,
		MimeType:          "application/json",
		PayTo:             g.payTo,
		MaxTimeoutSeconds: 10,
		Asset:             g.usdcContract,
		Extra: &x402.Extra{
			Name:    "USDC",
			Version: "2",
		},
	}}
}
