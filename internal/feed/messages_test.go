package feed_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/tradedesk/internal/feed"
)

func TestParseServerMessage_PriceUpdate(t *testing.T) {
	tests := []struct {
		name      string
		frame     string
		ticker    string
		price     string
		bid       string
		timestamp string
	}{
		{
			name:      "nested data",
			frame:     `{"type":"price_update","ticker":"aapl","data":{"price":150.5,"bid":150.4,"ask":150.6,"timestamp":"2024-03-01T10:00:00"}}`,
			ticker:    "AAPL",
			price:     "150.5",
			bid:       "150.4",
			timestamp: "2024-03-01T10:00:00",
		},
		{
			name:      "flat payload with numeric timestamp",
			frame:     `{"type":"price_update","ticker":"MSFT","price":"410.10","timestamp":1709287200}`,
			ticker:    "MSFT",
			price:     "410.1",
			bid:       "0",
			timestamp: "1709287200",
		},
		{
			name:   "ticker inside data",
			frame:  `{"type":"price_update","data":{"ticker":"nvda","price":900}}`,
			ticker: "NVDA",
			price:  "900",
			bid:    "0",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := feed.ParseServerMessage([]byte(tt.frame))
			require.NoError(t, err)
			assert.Equal(t, feed.TypePriceUpdate, msg.Type)

			tick, err := msg.PriceTick()
			require.NoError(t, err)
			assert.Equal(t, tt.ticker, tick.Ticker)
			assert.True(t, tick.Price.Equal(decimal.RequireFromString(tt.price)), "price %s", tick.Price)
			assert.True(t, tick.Bid.Equal(decimal.RequireFromString(tt.bid)), "bid %s", tick.Bid)
			assert.Equal(t, tt.timestamp, tick.Timestamp)
		})
	}
}

func TestParseServerMessage_Malformed(t *testing.T) {
	for _, frame := range []string{
		``,
		`[]`,
		`{"message":"no type"}`,
		`{"type":"price_update","price":{}}`,
	} {
		_, err := feed.ParseServerMessage([]byte(frame))
		assert.ErrorIs(t, err, feed.ErrMalformedMessage, "frame %q", frame)
	}
}

func TestPriceTick_Rejects(t *testing.T) {
	for _, frame := range []string{
		`{"type":"price_update","ticker":"AAPL","data":{}}`,
		`{"type":"price_update","ticker":"AAPL","data":{"price":0}}`,
		`{"type":"price_update","data":{"price":10}}`,
		`{"type":"pong"}`,
	} {
		msg, err := feed.ParseServerMessage([]byte(frame))
		require.NoError(t, err, frame)
		_, err = msg.PriceTick()
		assert.ErrorIs(t, err, feed.ErrMalformedMessage, "frame %q", frame)
	}
}

func TestParseServerMessage_Control(t *testing.T) {
	msg, err := feed.ParseServerMessage([]byte(`{"type":"subscribed","tickers":["AAPL","MSFT"]}`))
	require.NoError(t, err)
	assert.Equal(t, feed.TypeSubscribed, msg.Type)
	assert.Equal(t, []string{"AAPL", "MSFT"}, msg.Tickers)

	msg, err = feed.ParseServerMessage([]byte(`{"type":"error","message":"Invalid JSON"}`))
	require.NoError(t, err)
	assert.Equal(t, "Invalid JSON", msg.Message)
}
