package risk

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestCheckBuy_Disabled(t *testing.T) {
	var nilLimiter *Limiter
	if err := nilLimiter.CheckBuy(1e9, 1e9, d(1e12), d(1e12)); err != nil {
		t.Errorf("nil limiter should allow everything, got %v", err)
	}

	limiter := NewLimiter(0, decimal.Zero)
	if limiter.Enabled() {
		t.Error("zero limits should be disabled")
	}
	if err := limiter.CheckBuy(500, 500, d(1e6), d(1e6)); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckBuy_WithinLimits(t *testing.T) {
	limiter := NewLimiter(100, d(10000))

	if err := limiter.CheckBuy(50, 50, d(4000), d(5000)); err != nil {
		t.Errorf("trade exactly at limits should pass, got %v", err)
	}
}

func TestCheckBuy_TickerExceeded(t *testing.T) {
	limiter := NewLimiter(100, decimal.Zero)

	err := limiter.CheckBuy(95, 10, decimal.Zero, d(100))
	if !errors.Is(err, ErrTickerLimitExceeded) {
		t.Errorf("expected ErrTickerLimitExceeded, got %v", err)
	}
}

func TestCheckBuy_InvestedExceeded(t *testing.T) {
	limiter := NewLimiter(0, d(10000))

	err := limiter.CheckBuy(0, 1, d(9999.5), d(1))
	if !errors.Is(err, ErrInvestedLimitExceeded) {
		t.Errorf("expected ErrInvestedLimitExceeded, got %v", err)
	}
}

func TestNewLimiter_ClampsNegative(t *testing.T) {
	limiter := NewLimiter(-5, d(-1))
	if limiter.MaxSharesPerTicker != 0 || !limiter.MaxInvested.IsZero() {
		t.Errorf("negative limits should clamp to zero, got %+v", limiter)
	}
}
