package feed

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/tradedesk/internal/model"
)

// Message types exchanged with the market data server.
const (
	TypeSubscribe   = "subscribe"
	TypeConnected   = "connected"
	TypeSubscribed  = "subscribed"
	TypePriceUpdate = "price_update"
	TypeError       = "error"
	TypePong        = "pong"
)

// SubscribeMessage is sent on connect and whenever the ticker set changes.
// The server treats it as the full desired set.
type SubscribeMessage struct {
	Type    string   `json:"type"`
	Tickers []string `json:"tickers"`
}

// ServerMessage is the envelope of everything the server sends. A
// price_update carries its payload either flat or nested under "data".
type ServerMessage struct {
	Type    string       `json:"type"`
	Message string       `json:"message,omitempty"`
	Tickers []string     `json:"tickers,omitempty"`
	Ticker  string       `json:"ticker,omitempty"`
	Data    *tickPayload `json:"data,omitempty"`
	tick    tickPayload
}

type tickPayload struct {
	Ticker    string           `json:"ticker"`
	Price     *decimal.Decimal `json:"price"`
	Bid       *decimal.Decimal `json:"bid"`
	Ask       *decimal.Decimal `json:"ask"`
	Timestamp json.RawMessage  `json:"timestamp"`
}

// ParseServerMessage decodes one frame. Frames that are not JSON objects
// with a type field are reported as ErrMalformedMessage.
func ParseServerMessage(data []byte) (ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ServerMessage{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if msg.Type == "" {
		return ServerMessage{}, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	if msg.Type == TypePriceUpdate && msg.Data == nil {
		if err := json.Unmarshal(data, &msg.tick); err != nil {
			return ServerMessage{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
	}
	return msg, nil
}

// PriceTick extracts the tick carried by a price_update message.
func (m ServerMessage) PriceTick() (model.PriceTick, error) {
	if m.Type != TypePriceUpdate {
		return model.PriceTick{}, fmt.Errorf("%w: %s is not a price update", ErrMalformedMessage, m.Type)
	}
	p := m.tick
	if m.Data != nil {
		p = *m.Data
	}

	ticker := strings.ToUpper(strings.TrimSpace(m.Ticker))
	if ticker == "" {
		ticker = strings.ToUpper(strings.TrimSpace(p.Ticker))
	}
	if ticker == "" {
		return model.PriceTick{}, fmt.Errorf("%w: price update without ticker", ErrMalformedMessage)
	}
	if p.Price == nil || !p.Price.IsPositive() {
		return model.PriceTick{}, fmt.Errorf("%w: price update for %s without positive price", ErrMalformedMessage, ticker)
	}

	tick := model.PriceTick{
		Ticker:    ticker,
		Price:     *p.Price,
		Timestamp: rawTimestamp(p.Timestamp),
	}
	if p.Bid != nil {
		tick.Bid = *p.Bid
	}
	if p.Ask != nil {
		tick.Ask = *p.Ask
	}
	return tick, nil
}

// rawTimestamp accepts either a JSON string or a bare number.
func rawTimestamp(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}
