// Package risk enforces notional exposure limits on futures order submission.
package risk

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrSymbolLimitExceeded is returned when an order would push a single
	// symbol's open notional beyond the per-symbol maximum.
	ErrSymbolLimitExceeded = errors.New("risk: per-symbol exposure limit exceeded")

	// ErrTotalLimitExceeded is returned when an order would push the
	// aggregate open notional across all symbols beyond the account maximum.
	ErrTotalLimitExceeded = errors.New("risk: total exposure limit exceeded")
)

// Limiter caps open futures notional per symbol and per account. A paper
// account with 100x leverage available can otherwise balloon its notional to
// absurd sizes on a small balance, which makes the simulation meaningless.
type Limiter struct {
	// MaxPerSymbol is the maximum open notional in any single symbol.
	MaxPerSymbol decimal.Decimal

	// MaxTotal is the maximum aggregate open notional across all symbols.
	MaxTotal decimal.Decimal
}

// NewLimiter creates a limiter with the given per-symbol and total caps.
// Non-positive caps disable the corresponding check.
func NewLimiter(maxPerSymbol, maxTotal decimal.Decimal) *Limiter {
	return &Limiter{MaxPerSymbol: maxPerSymbol, MaxTotal: maxTotal}
}

// Check validates whether adding notionalDelta exposure on sym respects the
// limits, given the user's current open notional per symbol.
func (l *Limiter) Check(sym string, notionalDelta decimal.Decimal, existing map[string]decimal.Decimal) error {
	newInSymbol := existing[sym].Add(notionalDelta)

	if l.MaxPerSymbol.IsPositive() && newInSymbol.GreaterThan(l.MaxPerSymbol) {
		return ErrSymbolLimitExceeded
	}

	if !l.MaxTotal.IsPositive() {
		return nil
	}

	total := newInSymbol
	for s, n := range existing {
		if s == sym {
			continue // already counted via newInSymbol above
		}
		total = total.Add(n)
	}
	if total.GreaterThan(l.MaxTotal) {
		return ErrTotalLimitExceeded
	}
	return nil
}
