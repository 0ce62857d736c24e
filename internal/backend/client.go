// Package backend is the REST client for the external trading API that
// executes orders against a broker and reports authoritative positions.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/atmx/tradedesk/internal/metrics"
	"github.com/atmx/tradedesk/internal/model"
)

const (
	DefaultTimeout      = 30 * time.Second
	DefaultRetryCount   = 3
	DefaultRetryWait    = time.Second
	DefaultRetryMaxWait = 8 * time.Second
)

// ErrUnavailable marks transport failures and 5xx responses that survived
// every retry.
var ErrUnavailable = errors.New("backend: unavailable")

// APIError is a non-2xx response. Code and Message come from the
// {"error":{"code","message"}} body when the server sends one.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("backend: HTTP %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("backend: HTTP %d: %s", e.Status, e.Message)
}

// Is lets 5xx responses match ErrUnavailable.
func (e *APIError) Is(target error) bool {
	return target == ErrUnavailable && e.Status >= 500
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Detail string `json:"detail"`
}

// TradeRequest is the body of POST /trades/execute.
type TradeRequest struct {
	Symbol     string           `json:"symbol"`
	Side       model.Side       `json:"side"`
	Quantity   int64            `json:"quantity"`
	LimitPrice *decimal.Decimal `json:"limit_price,omitempty"`
}

// TradeResponse is the backend's fill report.
type TradeResponse struct {
	OrderID     string          `json:"order_id"`
	Symbol      string          `json:"symbol"`
	Side        model.Side      `json:"side"`
	Quantity    int64           `json:"quantity"`
	Status      string          `json:"status"`
	FilledPrice decimal.Decimal `json:"filled_price"`
	Timestamp   string          `json:"timestamp"`
}

// Filled reports whether the order executed.
func (r TradeResponse) Filled() bool {
	return r.Status == "" || strings.EqualFold(r.Status, "filled")
}

// Position is the backend's position shape.
type Position struct {
	Symbol               string          `json:"symbol"`
	Quantity             decimal.Decimal `json:"quantity"`
	AvgEntryPrice        decimal.Decimal `json:"avg_entry_price"`
	CurrentPrice         decimal.Decimal `json:"current_price"`
	UnrealizedPnL        decimal.Decimal `json:"unrealized_pnl"`
	UnrealizedPnLPercent decimal.Decimal `json:"unrealized_pnl_percent"`
	MarketValue          decimal.Decimal `json:"market_value"`
}

// Model converts to the ledger's position type. Fractional quantities are
// truncated to whole shares.
func (p Position) Model() model.Position {
	return model.Position{
		Ticker:       strings.ToUpper(p.Symbol),
		Quantity:     p.Quantity.IntPart(),
		AvgPrice:     p.AvgEntryPrice,
		CurrentPrice: p.CurrentPrice,
	}
}

// FromModel renders a ledger position in the backend shape.
func FromModel(p model.Position) Position {
	return Position{
		Symbol:               p.Ticker,
		Quantity:             decimal.NewFromInt(p.Quantity),
		AvgEntryPrice:        p.AvgPrice,
		CurrentPrice:         p.CurrentPrice,
		UnrealizedPnL:        p.Change,
		UnrealizedPnLPercent: p.ChangePercentage,
		MarketValue:          p.TotalValue,
	}
}

// HistoryItem is one entry of GET /trades/history.
type HistoryItem struct {
	ID        string          `json:"id"`
	Symbol    string          `json:"symbol"`
	Side      model.Side      `json:"side"`
	Quantity  int64           `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Total     decimal.Decimal `json:"total"`
	Status    string          `json:"status"`
	Timestamp string          `json:"timestamp"`
}

// Model converts to the ledger's trade record. A missing total is derived
// from quantity and price; an unparseable timestamp is left zero.
func (h HistoryItem) Model() model.TradeOrder {
	total := h.Total
	if total.IsZero() {
		total = h.Price.Mul(decimal.NewFromInt(h.Quantity))
	}
	ts, _ := time.Parse(time.RFC3339Nano, h.Timestamp)
	return model.TradeOrder{
		ID:        h.ID,
		Type:      h.Side,
		Ticker:    strings.ToUpper(h.Symbol),
		Quantity:  h.Quantity,
		Price:     h.Price,
		Total:     total,
		Timestamp: ts.UTC(),
	}
}

// HistoryQuery filters GET /trades/history.
type HistoryQuery struct {
	Limit  int
	Symbol string
	Status string
}

// Config configures a Client.
type Config struct {
	BaseURL      string
	APIKey       string
	Timeout      time.Duration
	RetryCount   int
	RetryWait    time.Duration
	RetryMaxWait time.Duration
}

// Client talks to the external trading API.
type Client struct {
	http *resty.Client
	log  *slog.Logger
}

// isRetryable retries transport errors, 5xx, 408 and 429. Other 4xx
// responses are final.
func isRetryable(r *resty.Response, err error) bool {
	if err != nil {
		return true
	}
	if r == nil {
		return false
	}
	code := r.StatusCode()
	return code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
}

// NewClient builds a client. Zero durations and counts take the defaults;
// a negative RetryCount disables retries.
func NewClient(cfg Config, log *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RetryCount == 0 {
		cfg.RetryCount = DefaultRetryCount
	}
	if cfg.RetryCount < 0 {
		cfg.RetryCount = 0
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = DefaultRetryWait
	}
	if cfg.RetryMaxWait <= 0 {
		cfg.RetryMaxWait = DefaultRetryMaxWait
	}
	if log == nil {
		log = slog.Default()
	}

	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(cfg.RetryWait).
		SetRetryMaxWaitTime(cfg.RetryMaxWait).
		AddRetryCondition(isRetryable).
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		httpClient.SetAuthToken(cfg.APIKey)
	}

	return &Client{http: httpClient, log: log.With("component", "backend")}
}

// ExecuteTrade submits an order and returns the backend's fill.
func (c *Client) ExecuteTrade(ctx context.Context, req TradeRequest) (TradeResponse, error) {
	var out TradeResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		Post("/trades/execute")
	if err := c.check("execute", resp, err); err != nil {
		return TradeResponse{}, err
	}
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return TradeResponse{}, fmt.Errorf("backend: decode trade response: %w", err)
	}
	return out, nil
}

// GetPositions lists positions with status open, closed or all. The body
// may be a bare array or wrapped as {"positions":[...]}.
func (c *Client) GetPositions(ctx context.Context, status string) ([]Position, error) {
	if status == "" {
		status = "open"
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("status", status).
		Get("/positions")
	if err := c.check("positions", resp, err); err != nil {
		return nil, err
	}

	var out []Position
	if err := decodeList(resp.Body(), "positions", &out); err != nil {
		return nil, fmt.Errorf("backend: decode positions: %w", err)
	}
	return out, nil
}

// OpenPositions returns the open positions converted for the ledger.
func (c *Client) OpenPositions(ctx context.Context) ([]model.Position, error) {
	raw, err := c.GetPositions(ctx, "open")
	if err != nil {
		return nil, err
	}
	out := make([]model.Position, 0, len(raw))
	for _, p := range raw {
		out = append(out, p.Model())
	}
	return out, nil
}

// History fetches trade history. The body may be a bare array or wrapped
// as {"trades":[...],"total_count":n}.
func (c *Client) History(ctx context.Context, q HistoryQuery) ([]HistoryItem, error) {
	req := c.http.R().SetContext(ctx)
	if q.Limit > 0 {
		req.SetQueryParam("limit", strconv.Itoa(q.Limit))
	}
	if q.Symbol != "" {
		req.SetQueryParam("symbol", q.Symbol)
	}
	if q.Status != "" {
		req.SetQueryParam("status", q.Status)
	}
	resp, err := req.Get("/trades/history")
	if err := c.check("history", resp, err); err != nil {
		return nil, err
	}

	var out []HistoryItem
	if err := decodeList(resp.Body(), "trades", &out); err != nil {
		return nil, fmt.Errorf("backend: decode history: %w", err)
	}
	return out, nil
}

func (c *Client) check(endpoint string, resp *resty.Response, err error) error {
	if err != nil {
		metrics.BackendRequests.WithLabelValues(endpoint, "error").Inc()
		c.log.Warn("backend request failed", "endpoint", endpoint, "err", err)
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, endpoint, err)
	}
	metrics.BackendRequests.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode())).Inc()
	if resp.IsSuccess() {
		return nil
	}

	apiErr := &APIError{Status: resp.StatusCode(), Message: strings.TrimSpace(string(resp.Body()))}
	var body errorBody
	if json.Unmarshal(resp.Body(), &body) == nil {
		switch {
		case body.Error.Code != "" || body.Error.Message != "":
			apiErr.Code = body.Error.Code
			apiErr.Message = body.Error.Message
		case body.Detail != "":
			apiErr.Message = body.Detail
		}
	}
	c.log.Warn("backend rejected request", "endpoint", endpoint, "status", apiErr.Status, "code", apiErr.Code)
	return apiErr
}

func decodeList(raw []byte, key string, out any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '[' {
		return json.Unmarshal(raw, out)
	}
	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return err
	}
	inner, ok := wrapped[key]
	if !ok {
		return fmt.Errorf("missing %q", key)
	}
	return json.Unmarshal(inner, out)
}
