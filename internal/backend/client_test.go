package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/tradedesk/internal/model"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Config{
		BaseURL:      srv.URL,
		APIKey:       "test-key",
		RetryWait:    time.Millisecond,
		RetryMaxWait: 5 * time.Millisecond,
	}, nil)
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		resp *resty.Response
		err  error
		want bool
	}{
		{name: "transport error", err: context.DeadlineExceeded, want: true},
		{name: "server error", resp: fakeResponse(502), want: true},
		{name: "too many requests", resp: fakeResponse(429), want: true},
		{name: "request timeout", resp: fakeResponse(408), want: true},
		{name: "bad request", resp: fakeResponse(400), want: false},
		{name: "unprocessable", resp: fakeResponse(422), want: false},
		{name: "ok", resp: fakeResponse(200), want: false},
		{name: "nil response", want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, isRetryable(tc.resp, tc.err))
		})
	}
}

func TestExecuteTrade(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/trades/execute", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "AAPL", body["symbol"])
		assert.Equal(t, "buy", body["side"])
		assert.EqualValues(t, 10, body["quantity"])
		assert.NotContains(t, body, "limit_price")

		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"order_id":"ord-1","symbol":"AAPL","side":"buy","quantity":10,"status":"filled","filled_price":150.25,"timestamp":"2024-01-02T15:04:05Z"}`))
	})

	resp, err := c.ExecuteTrade(context.Background(), TradeRequest{Symbol: "AAPL", Side: model.SideBuy, Quantity: 10})
	require.NoError(t, err)
	assert.Equal(t, "ord-1", resp.OrderID)
	assert.True(t, resp.Filled())
	assert.True(t, resp.FilledPrice.Equal(decimal.RequireFromString("150.25")))
}

func TestExecuteTradeRejectedIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"code":"INSUFFICIENT_FUNDS","message":"not enough buying power"}}`))
	})

	_, err := c.ExecuteTrade(context.Background(), TradeRequest{Symbol: "AAPL", Side: model.SideBuy, Quantity: 1})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "INSUFFICIENT_FUNDS", apiErr.Code)
	assert.Equal(t, "not enough buying power", apiErr.Message)
	assert.NotErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(1), calls.Load())
}

func TestServerErrorsAreRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`[]`))
	})

	positions, err := c.GetPositions(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, positions)
	assert.Equal(t, int32(3), calls.Load())
}

func TestServerErrorAfterRetries(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"detail":"broker down"}`))
	})

	_, err := c.History(context.Background(), HistoryQuery{})
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Contains(t, err.Error(), "broker down")
	assert.Equal(t, int32(DefaultRetryCount+1), calls.Load())
}

func TestGetPositions(t *testing.T) {
	const wrapped = `{"positions":[
		{"symbol":"aapl","quantity":10,"avg_entry_price":150,"current_price":155,"unrealized_pnl":50,"unrealized_pnl_percent":3.33,"market_value":1550},
		{"symbol":"MSFT","quantity":"2.5","avg_entry_price":"400","current_price":"410"}
	],"total_market_value":2575}`

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/positions", r.URL.Path)
		assert.Equal(t, "open", r.URL.Query().Get("status"))
		w.Write([]byte(wrapped))
	})

	positions, err := c.OpenPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 2)

	assert.Equal(t, "AAPL", positions[0].Ticker)
	assert.Equal(t, int64(10), positions[0].Quantity)
	assert.True(t, positions[0].AvgPrice.Equal(decimal.NewFromInt(150)))
	assert.True(t, positions[0].CurrentPrice.Equal(decimal.NewFromInt(155)))

	assert.Equal(t, "MSFT", positions[1].Ticker)
	assert.Equal(t, int64(2), positions[1].Quantity)
}

func TestHistory(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/trades/history", r.URL.Path)
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		assert.Equal(t, "TSLA", r.URL.Query().Get("symbol"))
		w.Write([]byte(`{"trades":[{"id":"t1","symbol":"TSLA","side":"sell","quantity":3,"price":250,"status":"filled"}],"total_count":1}`))
	})

	items, err := c.History(context.Background(), HistoryQuery{Limit: 5, Symbol: "TSLA"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, model.SideSell, items[0].Side)
	assert.Equal(t, int64(3), items[0].Quantity)
}

func TestHistoryItemModel(t *testing.T) {
	o := HistoryItem{
		ID: "t1", Symbol: "tsla", Side: model.SideSell, Quantity: 3,
		Price: decimal.NewFromInt(250), Timestamp: "2024-01-02T15:04:05Z",
	}.Model()
	assert.Equal(t, "TSLA", o.Ticker)
	assert.True(t, o.Total.Equal(decimal.NewFromInt(750)))
	assert.Equal(t, time.Date(2024, 1, 2, 15, 4, 5, 0, time.UTC), o.Timestamp)

	o = HistoryItem{Timestamp: "yesterday"}.Model()
	assert.True(t, o.Timestamp.IsZero())
}

func TestDecodeListMissingKey(t *testing.T) {
	var out []Position
	assert.Error(t, decodeList([]byte(`{"items":[]}`), "positions", &out))
}

func TestFromModel(t *testing.T) {
	p := FromModel(model.Position{
		Ticker:           "AAPL",
		Quantity:         10,
		AvgPrice:         decimal.NewFromInt(150),
		CurrentPrice:     decimal.NewFromInt(155),
		TotalValue:       decimal.NewFromInt(1550),
		Change:           decimal.NewFromInt(50),
		ChangePercentage: decimal.RequireFromString("3.3333"),
	})
	assert.Equal(t, "AAPL", p.Symbol)
	assert.True(t, p.Quantity.Equal(decimal.NewFromInt(10)))
	assert.True(t, p.MarketValue.Equal(decimal.NewFromInt(1550)))
	assert.True(t, p.UnrealizedPnL.Equal(decimal.NewFromInt(50)))
}

func fakeResponse(status int) *resty.Response {
	return &resty.Response{RawResponse: &http.Response{StatusCode: status}}
}
