// Package trade provides order validation and execution against the ledger,
// the HTTP handlers of the local trading API, and the dashboard WebSocket
// hub.
//
// All monetary values use shopspring/decimal; never float64 for money.
package trade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/tradedesk/internal/backend"
	"github.com/atmx/tradedesk/internal/ledger"
	"github.com/atmx/tradedesk/internal/metrics"
	"github.com/atmx/tradedesk/internal/model"
	"github.com/atmx/tradedesk/internal/store"
	"github.com/atmx/tradedesk/internal/symbol"
)

const maxHistoryLimit = 1000

var maxQuantity = decimal.NewFromInt(math.MaxInt64)

// ErrNotFilled is returned when the backend accepted an order but did not
// report it filled.
var ErrNotFilled = errors.New("trade: order not filled")

// Broker executes orders against an external trading backend and reports
// its authoritative positions and trade history. *backend.Client satisfies
// it.
type Broker interface {
	ExecuteTrade(ctx context.Context, req backend.TradeRequest) (backend.TradeResponse, error)
	OpenPositions(ctx context.Context) ([]model.Position, error)
	History(ctx context.Context, q backend.HistoryQuery) ([]backend.HistoryItem, error)
}

// Subscriber receives the set of tickers the feed should stream.
// *feed.Consumer satisfies it.
type Subscriber interface {
	SetTickers(tickers []string)
}

// Service exposes the ledger over HTTP. Without a Broker it runs in paper
// mode and fills at the quoted price; with one, orders are pre-validated
// locally, sent to the backend, and applied at the backend's fill price.
type Service struct {
	ledger *ledger.Ledger
	exec   *Executor
	store  store.Store
	broker Broker
	feed   Subscriber
	watch  []string
	wsHub  *WSHub // optional WebSocket hub for real-time broadcasts
	log    *slog.Logger

	// mu serializes live orders so the pre-check still holds when the
	// backend fill is applied.
	mu sync.Mutex
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithBroker switches the service to live backend mode.
func WithBroker(b Broker) ServiceOption {
	return func(s *Service) { s.broker = b }
}

// WithFeed keeps sub subscribed to watch plus every held ticker.
func WithFeed(sub Subscriber, watch []string) ServiceOption {
	return func(s *Service) {
		s.feed = sub
		s.watch, _ = symbol.NormalizeAll(watch)
	}
}

// WithServiceLogger sets the service logger.
func WithServiceLogger(log *slog.Logger) ServiceOption {
	return func(s *Service) { s.log = log }
}

// NewService creates a new trade service. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(l *ledger.Ledger, exec *Executor, st store.Store, hub *WSHub, opts ...ServiceOption) *Service {
	s := &Service{
		ledger: l,
		exec:   exec,
		store:  st,
		wsHub:  hub,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if hub != nil && hub.Greeting == nil {
		hub.Greeting = s.portfolioMessage
	}
	return s
}

// --- Request/Response types ---

// TradeRequest is the JSON body for POST /trades/execute.
type TradeRequest struct {
	Symbol     string           `json:"symbol"`
	Side       model.Side       `json:"side"`
	Quantity   decimal.Decimal  `json:"quantity"`
	Price      *decimal.Decimal `json:"price,omitempty"`       // quoted price (paper mode)
	LimitPrice *decimal.Decimal `json:"limit_price,omitempty"` // forwarded to the backend
}

// TradeResponse is the JSON body returned from POST /trades/execute.
type TradeResponse struct {
	OrderID     string          `json:"order_id"`
	Symbol      string          `json:"symbol"`
	Side        model.Side      `json:"side"`
	Quantity    int64           `json:"quantity"`
	Status      string          `json:"status"`
	FilledPrice decimal.Decimal `json:"filled_price"`
	Total       decimal.Decimal `json:"total"`
	Timestamp   string          `json:"timestamp"`
	Reconciled  bool            `json:"reconciled,omitempty"`
	Portfolio   model.Portfolio `json:"portfolio"`
}

// PositionView is one entry of GET /positions.
type PositionView struct {
	backend.Position
	Status      string           `json:"status"`
	RealizedPnL *decimal.Decimal `json:"realized_pnl,omitempty"`
	OpenedAt    *time.Time       `json:"opened_at,omitempty"`
	ClosedAt    *time.Time       `json:"closed_at,omitempty"`
}

// PositionsResponse is the body of GET /positions.
type PositionsResponse struct {
	Positions          []PositionView  `json:"positions"`
	TotalMarketValue   decimal.Decimal `json:"total_market_value"`
	TotalUnrealizedPnL decimal.Decimal `json:"total_unrealized_pnl"`
}

// PortfolioResponse is the body of GET /portfolio.
type PortfolioResponse struct {
	model.Portfolio
	Positions []model.Position `json:"positions"`
}

// HistoryResponse is the body of GET /trades/history.
type HistoryResponse struct {
	Trades     []model.TradeOrder `json:"trades"`
	TotalCount int                `json:"total_count"`
}

// PriceRequest is the body of POST /prices.
type PriceRequest struct {
	Ticker string          `json:"ticker"`
	Price  decimal.Decimal `json:"price"`
}

// PriceResponse is the body returned from POST /prices.
type PriceResponse struct {
	Ticker    string          `json:"ticker"`
	Applied   bool            `json:"applied"`
	Portfolio model.Portfolio `json:"portfolio"`
}

// --- Startup ---

// Restore loads the last persisted snapshot and trade history into the
// ledger. A missing snapshot leaves the ledger as constructed.
func (s *Service) Restore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	snap, err := s.store.LoadSnapshot(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.log.Info("no saved ledger snapshot")
	case err != nil:
		return fmt.Errorf("load snapshot: %w", err)
	default:
		s.ledger.Restore(*snap)
		s.log.Info("ledger restored",
			"positions", len(snap.Positions),
			"cash", snap.CashBalance.String(),
			"taken_at", snap.TakenAt,
		)
	}

	history, err := s.store.ListTrades(ctx, store.TradeFilter{Limit: s.ledger.HistoryLimit()})
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	s.ledger.SeedHistory(history)
	s.SyncSubscriptions()
	return nil
}

// Reconcile replaces the ledger's positions with the backend's. It is a
// no-op in paper mode.
func (s *Service) Reconcile(ctx context.Context) error {
	if s.broker == nil {
		return nil
	}
	positions, err := s.broker.OpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	s.ledger.Reconcile(positions)
	s.log.Info("ledger reconciled with backend", "positions", len(positions))

	s.persistSnapshot(ctx)
	s.SyncSubscriptions()
	s.broadcastPortfolio()
	return nil
}

// SyncSubscriptions points the feed at the watch list plus every held
// ticker.
func (s *Service) SyncSubscriptions() {
	if s.feed == nil {
		return
	}
	tickers := slices.Clone(s.watch)
	for _, t := range s.ledger.Tickers() {
		if !slices.Contains(tickers, t) {
			tickers = append(tickers, t)
		}
	}
	s.feed.SetTickers(tickers)
}

// HandleTick publishes a feed tick to dashboard clients. It matches the
// feed consumer's OnTick callback.
func (s *Service) HandleTick(tick model.PriceTick, applied bool) {
	if !applied {
		return
	}
	p := s.ledger.Portfolio()
	metrics.PortfolioValue.Set(p.CurrentBalance.InexactFloat64())
	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{Type: MsgPriceUpdate, Tick: &tick, Portfolio: &p})
	}
}

// --- Order flow ---

// Execute runs one order through the executor, or through the backend
// first in live mode. reconciled reports that the backend's fill could not
// be applied locally: cash moved by the fill total and the positions were
// replaced from the backend.
func (s *Service) Execute(ctx context.Context, req OrderRequest, limit *decimal.Decimal) (order model.TradeOrder, reconciled bool, err error) {
	if s.broker == nil {
		order, err = s.exec.Execute(ctx, req)
	} else {
		order, reconciled, err = s.executeLive(ctx, req, limit)
	}
	if err != nil {
		return model.TradeOrder{}, false, err
	}

	s.persistTrade(ctx, order)
	s.persistSnapshot(ctx)
	s.SyncSubscriptions()

	p := s.ledger.Portfolio()
	metrics.PortfolioValue.Set(p.CurrentBalance.InexactFloat64())
	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{Type: MsgTradeExecuted, Trade: &order, Portfolio: &p})
		s.broadcastPortfolio()
	}
	return order, reconciled, nil
}

func (s *Service) executeLive(ctx context.Context, req OrderRequest, limit *decimal.Decimal) (model.TradeOrder, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.exec.Precheck(req); err != nil {
		return model.TradeOrder{}, false, err
	}

	resp, err := s.broker.ExecuteTrade(ctx, backend.TradeRequest{
		Symbol:     req.Ticker,
		Side:       req.Type,
		Quantity:   req.Quantity,
		LimitPrice: limit,
	})
	if err != nil {
		return model.TradeOrder{}, false, err
	}
	if !resp.Filled() {
		return model.TradeOrder{}, false, fmt.Errorf("%w: %s status %q", ErrNotFilled, resp.OrderID, resp.Status)
	}

	fill := req
	fill.ID = resp.OrderID
	fill.Price = resp.FilledPrice
	if resp.Quantity > 0 {
		fill.Quantity = resp.Quantity
	}

	order, err := s.exec.Execute(ctx, fill)
	if err == nil {
		return order, false, nil
	}

	// The backend filled an order the local book cannot absorb. Its
	// positions are authoritative.
	s.log.Warn("backend fill diverged from ledger, reconciling",
		"order_id", resp.OrderID,
		"ticker", fill.Ticker,
		"err", err,
	)
	positions, rerr := s.broker.OpenPositions(ctx)
	if rerr != nil {
		return model.TradeOrder{}, false, fmt.Errorf("reconcile after fill %s: %w", resp.OrderID, rerr)
	}

	order = model.TradeOrder{
		ID:        resp.OrderID,
		Type:      fill.Type,
		Ticker:    fill.Ticker,
		Quantity:  fill.Quantity,
		Price:     fill.Price,
		Total:     fill.Total(),
		Timestamp: time.Now().UTC(),
	}
	if err := s.ledger.ReconcileFill(order, positions); err != nil {
		return model.TradeOrder{}, false, fmt.Errorf("reconcile after fill %s: %w", resp.OrderID, err)
	}
	return order, true, nil
}

func (s *Service) persistTrade(ctx context.Context, order model.TradeOrder) {
	if s.store == nil {
		return
	}
	if err := s.store.InsertTrade(ctx, &order); err != nil {
		s.log.Error("failed to record trade", "trade_id", order.ID, "err", err)
	}
}

func (s *Service) persistSnapshot(ctx context.Context) {
	if s.store == nil {
		return
	}
	snap := s.ledger.Snapshot()
	if err := s.store.SaveSnapshot(ctx, &snap); err != nil {
		s.log.Error("failed to save ledger snapshot", "err", err)
	}
}

func (s *Service) portfolioMessage() WSMessage {
	p := s.ledger.Portfolio()
	return WSMessage{Type: MsgPortfolioUpdate, Portfolio: &p, Positions: s.ledger.Positions()}
}

func (s *Service) broadcastPortfolio() {
	if s.wsHub != nil {
		s.wsHub.Broadcast(s.portfolioMessage())
	}
}

// --- HTTP Handlers ---

// ExecuteTrade handles POST /api/v1/trades/execute
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "INVALID_REQUEST", "invalid request body", http.StatusBadRequest)
		return
	}

	if !req.Quantity.IsInteger() || !req.Quantity.IsPositive() || req.Quantity.GreaterThan(maxQuantity) {
		metrics.TradeRejections.WithLabelValues("INVALID_QUANTITY").Inc()
		writeError(w, "INVALID_QUANTITY", fmt.Sprintf("quantity must be a positive integer no greater than %d, got %s", int64(math.MaxInt64), req.Quantity), http.StatusBadRequest)
		return
	}
	ticker, err := symbol.Normalize(req.Symbol)
	if err != nil {
		metrics.TradeRejections.WithLabelValues("INVALID_TICKER").Inc()
		writeError(w, "INVALID_TICKER", err.Error(), http.StatusBadRequest)
		return
	}

	order := OrderRequest{
		Type:     req.Side,
		Ticker:   ticker,
		Quantity: req.Quantity.IntPart(),
		Price:    s.quotePrice(ticker, req),
	}

	ctx := r.Context()
	filled, reconciled, err := s.Execute(ctx, order, req.LimitPrice)
	if err != nil {
		s.writeTradeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, TradeResponse{
		OrderID:     filled.ID,
		Symbol:      filled.Ticker,
		Side:        filled.Type,
		Quantity:    filled.Quantity,
		Status:      "filled",
		FilledPrice: filled.Price,
		Total:       filled.Total,
		Timestamp:   filled.Timestamp.UTC().Format(time.RFC3339Nano),
		Reconciled:  reconciled,
		Portfolio:   s.ledger.Portfolio(),
	})
}

// quotePrice picks the fill price for paper mode: explicit price, then
// limit price, then the held position's last mark. In live mode it only
// feeds the local pre-check.
func (s *Service) quotePrice(ticker string, req TradeRequest) decimal.Decimal {
	switch {
	case req.Price != nil:
		return *req.Price
	case req.LimitPrice != nil:
		return *req.LimitPrice
	}
	if pos, ok := s.ledger.Position(ticker); ok {
		return pos.CurrentPrice
	}
	return decimal.Zero
}

func (s *Service) writeTradeError(w http.ResponseWriter, err error) {
	var apiErr *backend.APIError
	switch {
	case errors.As(err, &apiErr) && !errors.Is(err, backend.ErrUnavailable):
		code := apiErr.Code
		if code == "" {
			code = "BACKEND_REJECTED"
		}
		writeError(w, code, apiErr.Message, http.StatusUnprocessableEntity)
	case errors.Is(err, backend.ErrUnavailable):
		writeError(w, "BACKEND_UNAVAILABLE", err.Error(), http.StatusBadGateway)
	case errors.Is(err, ErrNotFilled):
		writeError(w, "NOT_FILLED", err.Error(), http.StatusAccepted)
	default:
		code := RejectionCode(err)
		status := http.StatusBadRequest
		switch code {
		case "INSUFFICIENT_SHARES", "INSUFFICIENT_FUNDS", "POSITION_LIMIT_EXCEEDED":
			status = http.StatusConflict
		case "CANCELLED":
			status = http.StatusRequestTimeout
		case "INTERNAL":
			s.log.Error("trade failed", "err", err)
			status = http.StatusInternalServerError
		}
		writeError(w, code, err.Error(), status)
	}
}

// GetPositions handles GET /api/v1/positions?status=open|closed|all
func (s *Service) GetPositions(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status == "" {
		status = "open"
	}
	if status != "open" && status != "closed" && status != "all" {
		writeError(w, "INVALID_STATUS", "status must be open, closed or all", http.StatusBadRequest)
		return
	}

	resp := PositionsResponse{Positions: []PositionView{}}
	if status != "closed" {
		for _, p := range s.ledger.Positions() {
			opened := p.OpenedAt
			view := PositionView{Position: backend.FromModel(p), Status: "open"}
			if !opened.IsZero() {
				view.OpenedAt = &opened
			}
			resp.Positions = append(resp.Positions, view)
			resp.TotalMarketValue = resp.TotalMarketValue.Add(p.TotalValue)
			resp.TotalUnrealizedPnL = resp.TotalUnrealizedPnL.Add(p.Change)
		}
	}
	if status != "open" {
		for _, c := range s.ledger.ClosedPositions() {
			pnl, closedAt := c.RealizedPnL, c.ClosedAt
			resp.Positions = append(resp.Positions, PositionView{
				Position: backend.Position{
					Symbol:        c.Ticker,
					Quantity:      decimal.NewFromInt(c.Quantity),
					AvgEntryPrice: c.AvgPrice,
					CurrentPrice:  c.ExitPrice,
				},
				Status:      "closed",
				RealizedPnL: &pnl,
				ClosedAt:    &closedAt,
			})
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetPortfolio handles GET /api/v1/portfolio
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, PortfolioResponse{
		Portfolio: s.ledger.Portfolio(),
		Positions: s.ledger.Positions(),
	})
}

// GetHistory handles GET /api/v1/trades/history?limit=&symbol=
// In live mode the backend's history is authoritative; when it cannot be
// reached, or in paper mode, the persisted journal serves, and the ledger's
// in-memory history when no store is configured.
func (s *Service) GetHistory(w http.ResponseWriter, r *http.Request) {
	limit := s.ledger.HistoryLimit()
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxHistoryLimit {
			writeError(w, "INVALID_LIMIT", fmt.Sprintf("limit must be between 1 and %d", maxHistoryLimit), http.StatusBadRequest)
			return
		}
		limit = n
	}

	var ticker string
	if raw := r.URL.Query().Get("symbol"); raw != "" {
		t, err := symbol.Normalize(raw)
		if err != nil {
			writeError(w, "INVALID_TICKER", err.Error(), http.StatusBadRequest)
			return
		}
		ticker = t
	}

	trades, live := s.backendHistory(r.Context(), ticker, limit)
	switch {
	case live:
	case s.store != nil:
		var err error
		trades, err = s.store.ListTrades(r.Context(), store.TradeFilter{Ticker: ticker, Limit: limit})
		if err != nil {
			s.log.Error("failed to list trades", "err", err)
			writeError(w, "INTERNAL", "failed to load trade history", http.StatusInternalServerError)
			return
		}
	default:
		for _, t := range s.ledger.History(0) {
			if ticker != "" && t.Ticker != ticker {
				continue
			}
			trades = append(trades, t)
			if len(trades) == limit {
				break
			}
		}
	}
	if trades == nil {
		trades = []model.TradeOrder{}
	}

	writeJSON(w, http.StatusOK, HistoryResponse{Trades: trades, TotalCount: len(trades)})
}

// backendHistory fetches trade history from the broker. ok is false in
// paper mode or when the backend call fails.
func (s *Service) backendHistory(ctx context.Context, ticker string, limit int) (trades []model.TradeOrder, ok bool) {
	if s.broker == nil {
		return nil, false
	}
	items, err := s.broker.History(ctx, backend.HistoryQuery{Limit: limit, Symbol: ticker})
	if err != nil {
		s.log.Warn("backend history unavailable, serving local journal", "err", err)
		return nil, false
	}
	trades = make([]model.TradeOrder, 0, len(items))
	for _, it := range items {
		trades = append(trades, it.Model())
	}
	return trades, true
}

// PostPrice handles POST /api/v1/prices, a manual price tick.
func (s *Service) PostPrice(w http.ResponseWriter, r *http.Request) {
	var req PriceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "INVALID_REQUEST", "invalid request body", http.StatusBadRequest)
		return
	}
	ticker, err := symbol.Normalize(req.Ticker)
	if err != nil {
		writeError(w, "INVALID_TICKER", err.Error(), http.StatusBadRequest)
		return
	}
	if !req.Price.IsPositive() {
		writeError(w, "INVALID_PRICE", "price must be positive", http.StatusBadRequest)
		return
	}

	applied := s.ledger.ApplyPriceTick(ticker, req.Price)
	metrics.PriceTicks.WithLabelValues(strconv.FormatBool(applied)).Inc()
	s.HandleTick(model.PriceTick{
		Ticker:    ticker,
		Price:     req.Price,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}, applied)

	writeJSON(w, http.StatusOK, PriceResponse{
		Ticker:    ticker,
		Applied:   applied,
		Portfolio: s.ledger.Portfolio(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, code, message string, status int) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}
