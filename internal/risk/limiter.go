// Package risk implements optional position limits for the paper ledger.
//
// Two limits are enforced, each disabled when zero:
//   - MaxSharesPerTicker caps the share count held in any single ticker
//   - MaxInvested caps the aggregate cost basis across all positions
//
// Sells always reduce exposure and are never limited.
package risk

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrTickerLimitExceeded is returned when a buy would push a single
	// ticker's share count beyond MaxSharesPerTicker.
	ErrTickerLimitExceeded = errors.New("risk: per-ticker position limit exceeded")

	// ErrInvestedLimitExceeded is returned when a buy would push the total
	// cost basis beyond MaxInvested.
	ErrInvestedLimitExceeded = errors.New("risk: invested amount limit exceeded")
)

// Limiter enforces position limits on buys.
type Limiter struct {
	MaxSharesPerTicker int64
	MaxInvested        decimal.Decimal
}

// NewLimiter creates a limiter. Zero or negative values disable a limit.
func NewLimiter(maxSharesPerTicker int64, maxInvested decimal.Decimal) *Limiter {
	if maxSharesPerTicker < 0 {
		maxSharesPerTicker = 0
	}
	if maxInvested.IsNegative() {
		maxInvested = decimal.Zero
	}
	return &Limiter{
		MaxSharesPerTicker: maxSharesPerTicker,
		MaxInvested:        maxInvested,
	}
}

// Enabled reports whether any limit is active.
func (l *Limiter) Enabled() bool {
	return l != nil && (l.MaxSharesPerTicker > 0 || l.MaxInvested.IsPositive())
}

// CheckBuy validates a buy of addQty shares costing addCost against the
// currently held share count for the ticker and the current total invested.
func (l *Limiter) CheckBuy(heldQty, addQty int64, invested, addCost decimal.Decimal) error {
	if !l.Enabled() {
		return nil
	}

	if l.MaxSharesPerTicker > 0 && heldQty+addQty > l.MaxSharesPerTicker {
		return fmt.Errorf("%w: %d held + %d > %d", ErrTickerLimitExceeded, heldQty, addQty, l.MaxSharesPerTicker)
	}

	if l.MaxInvested.IsPositive() {
		total := invested.Add(addCost)
		if total.GreaterThan(l.MaxInvested) {
			return fmt.Errorf("%w: %s > %s", ErrInvestedLimitExceeded, total, l.MaxInvested)
		}
	}

	return nil
}
