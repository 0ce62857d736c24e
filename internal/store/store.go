// Package store defines the persistence interface for the trading desk.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/atmx/tradedesk/internal/model"
)

// ErrNotFound is returned by LoadSnapshot when nothing has been saved yet.
var ErrNotFound = errors.New("store: not found")

// TradeFilter narrows ListTrades. A zero Limit returns every match.
type TradeFilter struct {
	Ticker string
	Limit  int
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Trade journal ---

	// InsertTrade appends an immutable executed order.
	InsertTrade(ctx context.Context, order *model.TradeOrder) error

	// ListTrades returns executed orders, most recent first.
	ListTrades(ctx context.Context, filter TradeFilter) ([]model.TradeOrder, error)

	// --- Ledger snapshot ---

	// SaveSnapshot replaces the stored ledger snapshot.
	SaveSnapshot(ctx context.Context, snap *model.Snapshot) error

	// LoadSnapshot returns the last saved snapshot or ErrNotFound.
	LoadSnapshot(ctx context.Context) (*model.Snapshot, error)
}
