package utils

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// LamportsPerSOL is the number of lamports in one SOL.
const LamportsPerSOL = 1_000_000_000

var lamportsPerSOL = decimal.NewFromInt(LamportsPerSOL)

// ParseSOL parses a decimal SOL amount (e.g. "0.05") into lamports. Amounts
// with more than nine fractional digits or negative amounts are rejected.
func ParseSOL(s string) (uint64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid SOL amount %q: %w", s, err)
	}
	return SOLToLamports(d)
}

// SOLToLamports converts a SOL decimal into lamports.
func SOLToLamports(d decimal.Decimal) (uint64, error) {
	if d.IsNegative() {
		return 0, fmt.Errorf("negative SOL amount %s", d.String())
	}
	l := d.Mul(lamportsPerSOL)
	if !l.Equal(l.Truncate(0)) {
		return 0, fmt.Errorf("SOL amount %s has sub-lamport precision", d.String())
	}
	if l.GreaterThan(fromUint64(^uint64(0))) {
		return 0, fmt.Errorf("SOL amount %s overflows lamports", d.String())
	}
	return l.BigInt().Uint64(), nil
}

// LamportsToSOL converts lamports into a SOL decimal.
func LamportsToSOL(lamports uint64) decimal.Decimal {
	return fromUint64(lamports).Div(lamportsPerSOL)
}

// FormatSOL renders lamports as a human readable SOL string, e.g. "0.05 SOL".
func FormatSOL(lamports uint64) string {
	return LamportsToSOL(lamports).String() + " SOL"
}

func fromUint64(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}
