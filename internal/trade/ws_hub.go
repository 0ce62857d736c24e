// WebSocket hub for real-time dashboard updates.

package trade

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/tradedesk/internal/metrics"
	"github.com/atmx/tradedesk/internal/model"
)

// Dashboard message types.
const (
	MsgTradeExecuted   = "trade_executed"
	MsgPortfolioUpdate = "portfolio_update"
	MsgPriceUpdate     = "price_update"
)

// WSMessage is a JSON message sent to dashboard clients.
type WSMessage struct {
	Type      string            `json:"type"`
	Trade     *model.TradeOrder `json:"trade,omitempty"`
	Tick      *model.PriceTick  `json:"tick,omitempty"`
	Portfolio *model.Portfolio  `json:"portfolio,omitempty"`
	Positions []model.Position  `json:"positions,omitempty"`
}

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
)

// wsClient serializes writes to one connection; gorilla allows a single
// concurrent writer.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(messageType, data)
}

// WSHub manages dashboard WebSocket connections and broadcasts trade and
// portfolio updates to every connected client.
type WSHub struct {
	clients    map[*wsClient]bool
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient
	stopped    chan struct{}
	mu         sync.RWMutex
	log        *slog.Logger

	// Greeting, when set, is sent to each client right after it connects.
	Greeting func() WSMessage
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(log *slog.Logger) *WSHub {
	if log == nil {
		log = slog.Default()
	}
	return &WSHub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		stopped:    make(chan struct{}),
		log:        log.With("component", "ws_hub"),
	}
}

// Run starts the hub's event loop and returns when ctx is cancelled,
// closing every client. Must be called in a goroutine.
func (h *WSHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.stopped)
			h.mu.Lock()
			for c := range h.clients {
				c.conn.Close()
				delete(h.clients, c)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			h.log.Info("ws client connected", "total", n)

		case c := <-h.unregister:
			h.remove(c)

		case msg := <-h.broadcast:
			h.mu.RLock()
			targets := make([]*wsClient, 0, len(h.clients))
			for c := range h.clients {
				targets = append(targets, c)
			}
			h.mu.RUnlock()

			for _, c := range targets {
				if err := c.write(websocket.TextMessage, msg); err != nil {
					h.remove(c)
				}
			}
		}
	}
}

func (h *WSHub) remove(c *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		c.conn.Close()
	}
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		metrics.WebSocketClients.Set(float64(n))
		h.log.Info("ws client disconnected", "total", n)
	}
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends a message to all connected clients.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		// Drop if buffer full to avoid blocking trade execution.
		h.log.Warn("ws broadcast dropped", "type", msg.Type)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Dashboard may be served from another origin.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("ws upgrade failed", "err", err)
		return
	}
	c := &wsClient{conn: conn}

	if h.Greeting != nil {
		if data, err := json.Marshal(h.Greeting()); err == nil {
			if err := c.write(websocket.TextMessage, data); err != nil {
				conn.Close()
				return
			}
		}
	}

	select {
	case h.register <- c:
	case <-h.stopped:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	done := make(chan struct{})
	go func() {
		defer func() {
			close(done)
			select {
			case h.unregister <- c:
			case <-h.stopped:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(wsPongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := c.write(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()
}
