package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/tradedesk/internal/ledger"
	"github.com/atmx/tradedesk/internal/metrics"
	"github.com/atmx/tradedesk/internal/model"
	"github.com/atmx/tradedesk/internal/risk"
	"github.com/atmx/tradedesk/internal/symbol"
)

var (
	ErrInvalidSide        = errors.New("trade: side must be buy or sell")
	ErrInvalidPrice       = errors.New("trade: price must be positive")
	ErrInvalidQuantity    = errors.New("trade: quantity must be a positive integer")
	ErrInsufficientShares = errors.New("trade: insufficient shares")
	ErrInsufficientFunds  = errors.New("trade: insufficient funds")

	// ErrPositionLimitExceeded wraps the risk package's limit errors.
	ErrPositionLimitExceeded = errors.New("trade: position limit exceeded")
)

// InsufficientSharesError reports the shortfall of a rejected sell.
type InsufficientSharesError struct {
	Ticker    string
	Available int64
	Requested int64
}

func (e *InsufficientSharesError) Error() string {
	return fmt.Sprintf("trade: insufficient shares of %s: have %d, want %d", e.Ticker, e.Available, e.Requested)
}

func (e *InsufficientSharesError) Is(target error) bool { return target == ErrInsufficientShares }

// InsufficientFundsError reports the shortfall of a rejected buy.
type InsufficientFundsError struct {
	Available decimal.Decimal
	Required  decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("trade: insufficient funds: have $%s, need $%s", e.Available.StringFixed(2), e.Required.StringFixed(2))
}

func (e *InsufficientFundsError) Is(target error) bool { return target == ErrInsufficientFunds }

// OrderRequest is a proposed order. Price is the fill price: the quoted
// price in simulated mode, or the backend's filled price in live mode.
type OrderRequest struct {
	ID       string // optional; generated when empty
	Type     model.Side
	Ticker   string
	Quantity int64
	Price    decimal.Decimal
}

// Total is quantity * price.
func (r OrderRequest) Total() decimal.Decimal {
	return r.Price.Mul(decimal.NewFromInt(r.Quantity))
}

// Executor validates orders against the ledger and commits the fills.
// Each successful Execute performs exactly one ledger mutation and one
// history append; a rejected order changes nothing.
type Executor struct {
	ledger  *ledger.Ledger
	limiter *risk.Limiter
	now     func() time.Time
	newID   func() string
	log     *slog.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithLimiter enables position limits, checked after the cash/holdings rules.
func WithLimiter(l *risk.Limiter) ExecutorOption {
	return func(e *Executor) { e.limiter = l }
}

// WithExecutorClock overrides the order timestamp source.
func WithExecutorClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = now }
}

// WithIDGenerator overrides order ID generation.
func WithIDGenerator(fn func() string) ExecutorOption {
	return func(e *Executor) { e.newID = fn }
}

// WithLogger sets the executor's logger.
func WithLogger(log *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.log = log }
}

// NewExecutor creates an executor bound to one ledger.
func NewExecutor(l *ledger.Ledger, opts ...ExecutorOption) *Executor {
	e := &Executor{
		ledger: l,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  func() string { return uuid.New().String() },
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute validates req and, on success, commits it to the ledger and
// returns the recorded TradeOrder. The first failing rule wins:
//  1. quantity must be a positive integer
//  2. a sell needs an open position holding at least the requested quantity
//  3. a buy's total must not exceed available cash
//  4. configured position limits
func (e *Executor) Execute(ctx context.Context, req OrderRequest) (model.TradeOrder, error) {
	if err := ctx.Err(); err != nil {
		return model.TradeOrder{}, err
	}
	start := time.Now()

	order, err := e.ledger.Commit(func(v ledger.View) (model.TradeOrder, error) {
		if err := e.validate(v, req); err != nil {
			return model.TradeOrder{}, err
		}
		id := req.ID
		if id == "" {
			id = e.newID()
		}
		return model.TradeOrder{
			ID:        id,
			Type:      req.Type,
			Ticker:    req.Ticker,
			Quantity:  req.Quantity,
			Price:     req.Price,
			Total:     req.Total(),
			Timestamp: e.now(),
		}, nil
	})
	if err != nil {
		metrics.TradeRejections.WithLabelValues(RejectionCode(err)).Inc()
		e.log.Info("trade rejected",
			"side", string(req.Type),
			"ticker", req.Ticker,
			"qty", req.Quantity,
			"price", req.Price.String(),
			"err", err,
		)
		return model.TradeOrder{}, err
	}

	side := string(order.Type)
	metrics.TradesTotal.WithLabelValues(side).Inc()
	metrics.TradeLatency.WithLabelValues(side).Observe(time.Since(start).Seconds())
	metrics.TradeVolume.WithLabelValues(order.Ticker, side).Add(float64(order.Quantity))

	e.log.Info("trade executed",
		"trade_id", order.ID,
		"side", side,
		"ticker", order.Ticker,
		"qty", order.Quantity,
		"price", order.Price.String(),
		"total", order.Total.String(),
	)
	return order, nil
}

// Precheck runs the validation rules against the current ledger state
// without committing anything.
func (e *Executor) Precheck(req OrderRequest) error {
	err := e.ledger.Check(func(v ledger.View) error {
		return e.validate(v, req)
	})
	if err != nil {
		metrics.TradeRejections.WithLabelValues(RejectionCode(err)).Inc()
	}
	return err
}

func (e *Executor) validate(v ledger.View, req OrderRequest) error {
	// 1. Quantity.
	if req.Quantity <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidQuantity, req.Quantity)
	}
	if !req.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidSide, req.Type)
	}
	if !req.Price.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidPrice, req.Price)
	}

	pos, held := v.Position(req.Ticker)

	switch req.Type {
	case model.SideSell:
		// 2. Holdings.
		if !held || pos.Quantity < req.Quantity {
			return &InsufficientSharesError{
				Ticker:    req.Ticker,
				Available: pos.Quantity,
				Requested: req.Quantity,
			}
		}

	case model.SideBuy:
		if held && pos.Quantity > math.MaxInt64-req.Quantity {
			return fmt.Errorf("%w: %s position of %d cannot grow by %d", ErrInvalidQuantity, req.Ticker, pos.Quantity, req.Quantity)
		}

		// 3. Cash.
		total := req.Total()
		if total.GreaterThan(v.Cash()) {
			return &InsufficientFundsError{Available: v.Cash(), Required: total}
		}

		// 4. Limits.
		if err := e.limiter.CheckBuy(pos.Quantity, req.Quantity, v.Invested(), total); err != nil {
			return fmt.Errorf("%w: %w", ErrPositionLimitExceeded, err)
		}
	}

	return nil
}

// RejectionCode maps a validation error to the API error code.
func RejectionCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidQuantity):
		return "INVALID_QUANTITY"
	case errors.Is(err, ErrInsufficientShares):
		return "INSUFFICIENT_SHARES"
	case errors.Is(err, ErrInsufficientFunds):
		return "INSUFFICIENT_FUNDS"
	case errors.Is(err, ErrPositionLimitExceeded):
		return "POSITION_LIMIT_EXCEEDED"
	case errors.Is(err, ErrInvalidSide):
		return "INVALID_SIDE"
	case errors.Is(err, ErrInvalidPrice):
		return "INVALID_PRICE"
	case errors.Is(err, symbol.ErrInvalidTicker):
		return "INVALID_TICKER"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "CANCELLED"
	default:
		return "INTERNAL"
	}
}
