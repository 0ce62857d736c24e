// Package model defines the core domain types shared across the trading desk.
// All monetary values use shopspring/decimal; never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is buy or sell.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Position is one open holding per ticker. TotalValue, Change and
// ChangePercentage are derived from Quantity, AvgPrice and CurrentPrice.
type Position struct {
	Ticker           string          `json:"ticker"`
	Quantity         int64           `json:"quantity"`
	AvgPrice         decimal.Decimal `json:"avg_price"`     // volume-weighted entry price
	CurrentPrice     decimal.Decimal `json:"current_price"` // last fill or tick
	TotalValue       decimal.Decimal `json:"total_value"`   // quantity * currentPrice
	Change           decimal.Decimal `json:"change"`        // totalValue - costBasis
	ChangePercentage decimal.Decimal `json:"change_percentage"`
	OpenedAt         time.Time       `json:"opened_at"`
}

// CostBasis is quantity * avgPrice.
func (p Position) CostBasis() decimal.Decimal {
	return p.AvgPrice.Mul(decimal.NewFromInt(p.Quantity))
}

// ClosedPosition records a holding that was fully sold.
type ClosedPosition struct {
	Ticker      string          `json:"ticker"`
	Quantity    int64           `json:"quantity"`
	AvgPrice    decimal.Decimal `json:"avg_price"`
	ExitPrice   decimal.Decimal `json:"exit_price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	ClosedAt    time.Time       `json:"closed_at"`
}

// Portfolio is the aggregate view derived from all positions plus cash.
type Portfolio struct {
	InitialCapital         decimal.Decimal `json:"initial_capital"`
	CashBalance            decimal.Decimal `json:"cash_balance"`
	InvestedAmount         decimal.Decimal `json:"invested_amount"` // Σ quantity * avgPrice
	CurrentBalance         decimal.Decimal `json:"current_balance"` // cash + Σ totalValue
	TotalReturns           decimal.Decimal `json:"total_returns"`
	TotalReturnsPercentage decimal.Decimal `json:"total_returns_percentage"`
	RealizedPnL            decimal.Decimal `json:"realized_pnl"`
	PositionCount          int             `json:"position_count"`
}

// TradeOrder is an immutable record of an executed trade.
// Once created, these are never modified.
type TradeOrder struct {
	ID        string          `json:"id" db:"id"`
	Type      Side            `json:"type" db:"side"`
	Ticker    string          `json:"ticker" db:"ticker"`
	Quantity  int64           `json:"quantity" db:"quantity"`
	Price     decimal.Decimal `json:"price" db:"price"` // fill price
	Total     decimal.Decimal `json:"total" db:"total"` // quantity * price
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// PriceTick is a single real-time price update for one ticker.
type PriceTick struct {
	Ticker    string          `json:"ticker"`
	Price     decimal.Decimal `json:"price"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Timestamp string          `json:"timestamp"`
}

// Snapshot is the persisted state of a ledger: enough to rebuild it
// after a restart.
type Snapshot struct {
	InitialCapital  decimal.Decimal  `json:"initial_capital"`
	CashBalance     decimal.Decimal  `json:"cash_balance"`
	RealizedPnL     decimal.Decimal  `json:"realized_pnl"`
	Positions       []Position       `json:"positions"`
	ClosedPositions []ClosedPosition `json:"closed_positions"`
	TakenAt         time.Time        `json:"taken_at"`
}
