// Package ledger holds the paper-trading book: cash, open positions, and
// the derived portfolio aggregates.
//
// The Ledger is the single source of truth for account state. It is only
// mutated through Commit (order fills, after validation by the caller),
// ApplyPriceTick (market data), and Reconcile, ReconcileFill and Restore
// (authoritative state from a backend or the persistence layer). Every mutation holds the ledger
// mutex for its whole duration and recomputes aggregates from scratch, so a
// tick and a fill can never interleave partially and
// currentBalance == cash + Σ totalValue holds after every operation.
package ledger

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/tradedesk/internal/model"
)

// DefaultHistoryLimit bounds the trade history and closed-position lists.
const DefaultHistoryLimit = 100

var (
	// ErrNoPosition is returned when a sell fill references a ticker with
	// no open position.
	ErrNoPosition = errors.New("ledger: no open position")

	// ErrInvalidFill is returned for fills with a non-positive quantity or
	// price, or an unknown side.
	ErrInvalidFill = errors.New("ledger: invalid fill")
)

var hundred = decimal.NewFromInt(100)

// Ledger is a mutex-guarded paper-trading book. Construct with New; the
// zero value is not usable.
type Ledger struct {
	mu sync.Mutex

	initialCapital decimal.Decimal
	cash           decimal.Decimal
	realized       decimal.Decimal

	positions []*model.Position          // trade order
	index     map[string]*model.Position // ticker → position, O(1) tick lookup

	history []model.TradeOrder     // most recent first
	closed  []model.ClosedPosition // most recent first
	limit   int

	portfolio model.Portfolio
	now       func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithHistoryLimit caps trade history and closed positions. Values below 1
// are ignored.
func WithHistoryLimit(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.limit = n
		}
	}
}

// WithClock overrides the time source used for closed-position stamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// New creates a ledger funded with initialCapital in cash.
func New(initialCapital decimal.Decimal, opts ...Option) *Ledger {
	l := &Ledger{
		initialCapital: initialCapital,
		cash:           initialCapital,
		index:          make(map[string]*model.Position),
		limit:          DefaultHistoryLimit,
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	l.recompute()
	return l
}

// View is the read-only state handed to a Commit validator. It is only valid
// for the duration of the validator call.
type View struct {
	l *Ledger
}

// Cash returns the available uninvested funds.
func (v View) Cash() decimal.Decimal { return v.l.cash }

// Invested returns the current cost basis of all positions.
func (v View) Invested() decimal.Decimal { return v.l.portfolio.InvestedAmount }

// Position returns a copy of the open position for ticker.
func (v View) Position(ticker string) (model.Position, bool) {
	p, ok := v.l.index[ticker]
	if !ok {
		return model.Position{}, false
	}
	return *p, true
}

// Commit runs validate against the current state and, if it returns a fill
// without error, applies that fill: cash moves by the order total, the
// position set follows the buy/sell transition rules, and the order is
// prepended to history. Validation and application happen under one lock,
// so the state validated is the state mutated. On any error nothing changes.
func (l *Ledger) Commit(validate func(View) (model.TradeOrder, error)) (model.TradeOrder, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	order, err := validate(View{l: l})
	if err != nil {
		return model.TradeOrder{}, err
	}
	if err := l.applyFill(order); err != nil {
		return model.TradeOrder{}, err
	}
	return order, nil
}

// Check runs fn against the current state under the ledger lock without
// mutating anything.
func (l *Ledger) Check(fn func(View) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn(View{l: l})
}

// applyFill mutates cash, positions and history for one validated order.
// Caller holds l.mu.
func (l *Ledger) applyFill(order model.TradeOrder) error {
	if order.Quantity <= 0 || !order.Price.IsPositive() || !order.Type.Valid() {
		return fmt.Errorf("%w: %s %d %s @ %s", ErrInvalidFill, order.Type, order.Quantity, order.Ticker, order.Price)
	}

	qty := decimal.NewFromInt(order.Quantity)
	total := qty.Mul(order.Price)
	pos, exists := l.index[order.Ticker]

	switch order.Type {
	case model.SideBuy:
		if exists && pos.Quantity > math.MaxInt64-order.Quantity {
			return fmt.Errorf("%w: %s position of %d cannot grow by %d", ErrInvalidFill, order.Ticker, pos.Quantity, order.Quantity)
		}
		if exists {
			oldQty := decimal.NewFromInt(pos.Quantity)
			newQty := pos.Quantity + order.Quantity
			pos.AvgPrice = oldQty.Mul(pos.AvgPrice).Add(total).Div(decimal.NewFromInt(newQty))
			pos.Quantity = newQty
			pos.CurrentPrice = order.Price
		} else {
			pos = &model.Position{
				Ticker:       order.Ticker,
				Quantity:     order.Quantity,
				AvgPrice:     order.Price,
				CurrentPrice: order.Price,
				OpenedAt:     order.Timestamp,
			}
			l.positions = append(l.positions, pos)
			l.index[order.Ticker] = pos
		}
		l.cash = l.cash.Sub(total)

	case model.SideSell:
		if !exists {
			return fmt.Errorf("%w: %s", ErrNoPosition, order.Ticker)
		}
		sold := order.Quantity
		if sold > pos.Quantity {
			sold = pos.Quantity
		}
		pnl := order.Price.Sub(pos.AvgPrice).Mul(decimal.NewFromInt(sold))
		l.realized = l.realized.Add(pnl)

		if order.Quantity >= pos.Quantity {
			l.closePosition(pos, order.Price, pnl)
		} else {
			// Cost basis of the remaining shares is unchanged.
			pos.Quantity -= order.Quantity
			pos.CurrentPrice = order.Price
		}
		l.cash = l.cash.Add(total)
	}

	l.history = prependCapped(l.history, order, l.limit)
	l.recompute()
	return nil
}

func (l *Ledger) closePosition(pos *model.Position, exit, pnl decimal.Decimal) {
	l.removePosition(pos.Ticker)
	l.closed = prependCapped(l.closed, model.ClosedPosition{
		Ticker:      pos.Ticker,
		Quantity:    pos.Quantity,
		AvgPrice:    pos.AvgPrice,
		ExitPrice:   exit,
		RealizedPnL: pnl,
		ClosedAt:    l.now(),
	}, l.limit)
}

func (l *Ledger) removePosition(ticker string) {
	delete(l.index, ticker)
	for i, p := range l.positions {
		if p.Ticker == ticker {
			l.positions = append(l.positions[:i], l.positions[i+1:]...)
			return
		}
	}
}

// ApplyPriceTick marks the position for ticker to price and recomputes the
// aggregates. It reports whether a position was updated; ticks for tickers
// with no open position, or with a non-positive price, are no-ops.
func (l *Ledger) ApplyPriceTick(ticker string, price decimal.Decimal) bool {
	if !price.IsPositive() {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.index[ticker]
	if !ok {
		return false
	}
	pos.CurrentPrice = price
	l.recompute()
	return true
}

// Reconcile replaces the position set with authoritative state from a
// backend. Cash and realized P&L are kept. Entries with a non-positive
// quantity are dropped; a later entry for the same ticker wins.
func (l *Ledger) Reconcile(positions []model.Position) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.resetPositions(positions)
	l.recompute()
}

// ReconcileFill books an order filled by the backend that the local book
// could not absorb: cash moves by the order total, the position set is
// replaced with the backend's, and the order is prepended to history, all
// under one lock. A sell against a locally held position also realizes
// P&L against the local cost basis.
func (l *Ledger) ReconcileFill(order model.TradeOrder, positions []model.Position) error {
	if order.Quantity <= 0 || !order.Price.IsPositive() || !order.Type.Valid() {
		return fmt.Errorf("%w: %s %d %s @ %s", ErrInvalidFill, order.Type, order.Quantity, order.Ticker, order.Price)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	total := order.Price.Mul(decimal.NewFromInt(order.Quantity))
	switch order.Type {
	case model.SideBuy:
		l.cash = l.cash.Sub(total)
	case model.SideSell:
		if pos, ok := l.index[order.Ticker]; ok {
			sold := min(order.Quantity, pos.Quantity)
			l.realized = l.realized.Add(order.Price.Sub(pos.AvgPrice).Mul(decimal.NewFromInt(sold)))
		}
		l.cash = l.cash.Add(total)
	}

	l.resetPositions(positions)
	l.history = prependCapped(l.history, order, l.limit)
	l.recompute()
	return nil
}

// Restore replaces the whole ledger state with a snapshot.
func (l *Ledger) Restore(s model.Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if s.InitialCapital.IsPositive() {
		l.initialCapital = s.InitialCapital
	}
	l.cash = s.CashBalance
	l.realized = s.RealizedPnL
	l.resetPositions(s.Positions)
	l.closed = append([]model.ClosedPosition(nil), s.ClosedPositions...)
	if len(l.closed) > l.limit {
		l.closed = l.closed[:l.limit]
	}
	l.recompute()
}

// SeedHistory loads persisted trade history (most recent first).
func (l *Ledger) SeedHistory(orders []model.TradeOrder) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := len(orders)
	if n > l.limit {
		n = l.limit
	}
	l.history = append([]model.TradeOrder(nil), orders[:n]...)
}

func (l *Ledger) resetPositions(positions []model.Position) {
	l.positions = l.positions[:0]
	l.index = make(map[string]*model.Position, len(positions))
	for _, in := range positions {
		if in.Quantity <= 0 {
			continue
		}
		p := in
		if !p.CurrentPrice.IsPositive() {
			p.CurrentPrice = p.AvgPrice
		}
		if existing, ok := l.index[p.Ticker]; ok {
			*existing = p
			continue
		}
		l.positions = append(l.positions, &p)
		l.index[p.Ticker] = &p
	}
}

// recompute derives every position's mark-to-market fields and the
// portfolio aggregates from the position set plus cash. Caller holds l.mu.
func (l *Ledger) recompute() {
	invested := decimal.Zero
	marketValue := decimal.Zero

	for _, p := range l.positions {
		cost := p.CostBasis()
		p.TotalValue = p.CurrentPrice.Mul(decimal.NewFromInt(p.Quantity))
		p.Change = p.TotalValue.Sub(cost)
		p.ChangePercentage = decimal.Zero
		if cost.IsPositive() {
			p.ChangePercentage = p.Change.Div(cost).Mul(hundred)
		}
		invested = invested.Add(cost)
		marketValue = marketValue.Add(p.TotalValue)
	}

	current := l.cash.Add(marketValue)
	returns := current.Sub(l.initialCapital)
	returnsPct := decimal.Zero
	if l.initialCapital.IsPositive() {
		returnsPct = returns.Div(l.initialCapital).Mul(hundred)
	}

	l.portfolio = model.Portfolio{
		InitialCapital:         l.initialCapital,
		CashBalance:            l.cash,
		InvestedAmount:         invested,
		CurrentBalance:         current,
		TotalReturns:           returns,
		TotalReturnsPercentage: returnsPct,
		RealizedPnL:            l.realized,
		PositionCount:          len(l.positions),
	}
}

// Portfolio returns the current aggregate snapshot.
func (l *Ledger) Portfolio() model.Portfolio {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.portfolio
}

// Positions returns copies of the open positions in trade order.
func (l *Ledger) Positions() []model.Position {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]model.Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, *p)
	}
	return out
}

// Position returns a copy of the open position for ticker.
func (l *Ledger) Position(ticker string) (model.Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.index[ticker]
	if !ok {
		return model.Position{}, false
	}
	return *p, true
}

// Tickers returns the held tickers in position order.
func (l *Ledger) Tickers() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]string, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, p.Ticker)
	}
	return out
}

// HistoryLimit is the number of trade orders the ledger retains.
func (l *Ledger) HistoryLimit() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limit
}

// History returns up to limit trade orders, most recent first. A limit
// below 1 returns the full retained history.
func (l *Ledger) History(limit int) []model.TradeOrder {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := len(l.history)
	if limit > 0 && limit < n {
		n = limit
	}
	return append([]model.TradeOrder(nil), l.history[:n]...)
}

// ClosedPositions returns fully sold positions, most recent first.
func (l *Ledger) ClosedPositions() []model.ClosedPosition {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]model.ClosedPosition(nil), l.closed...)
}

// Snapshot captures the state needed to Restore the ledger.
func (l *Ledger) Snapshot() model.Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	positions := make([]model.Position, 0, len(l.positions))
	for _, p := range l.positions {
		positions = append(positions, *p)
	}
	return model.Snapshot{
		InitialCapital:  l.initialCapital,
		CashBalance:     l.cash,
		RealizedPnL:     l.realized,
		Positions:       positions,
		ClosedPositions: append([]model.ClosedPosition(nil), l.closed...),
		TakenAt:         l.now(),
	}
}

func prependCapped[T any](list []T, item T, limit int) []T {
	out := make([]T, 0, min(len(list)+1, limit))
	out = append(out, item)
	for _, v := range list {
		if len(out) >= limit {
			break
		}
		out = append(out, v)
	}
	return out
}
