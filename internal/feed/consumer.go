// Package feed consumes a real-time market data stream over WebSocket and
// forwards each price tick to the ledger.
//
// The consumer keeps one connection open, subscribes to exactly the tickers
// it is told about, and reconnects with exponential backoff when the
// transport closes. Caller-initiated shutdown (context cancellation or
// Close) sends a normal-closure frame and never reconnects.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/atmx/tradedesk/internal/metrics"
	"github.com/atmx/tradedesk/internal/model"
	"github.com/atmx/tradedesk/internal/symbol"
)

var (
	// ErrConnection marks transport failures: dial errors and unexpected
	// closures. It is reported through Err/OnError; the consumer keeps
	// retrying until the attempt budget is spent.
	ErrConnection = errors.New("feed: connection error")

	// ErrMaxReconnectAttempts is the terminal failure returned by Run.
	ErrMaxReconnectAttempts = errors.New("feed: max reconnect attempts reached")

	// ErrMalformedMessage marks frames that could not be parsed. They are
	// logged and dropped.
	ErrMalformedMessage = errors.New("feed: malformed message")

	// ErrServer wraps an explicit error message sent by the server.
	ErrServer = errors.New("feed: server error")

	ErrAlreadyRunning = errors.New("feed: consumer already running")
)

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// TickSink receives price ticks. *ledger.Ledger satisfies it.
type TickSink interface {
	ApplyPriceTick(ticker string, price decimal.Decimal) bool
}

// Dialer opens WebSocket connections. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Config controls the connection and reconnect schedule.
type Config struct {
	URL     string
	Tickers []string
	Header  http.Header

	BaseDelay   time.Duration // first reconnect delay
	MaxDelay    time.Duration // cap on the doubling delay
	MaxAttempts int           // reconnects before giving up

	PingInterval time.Duration
	ReadTimeout  time.Duration
}

// Defaults match the dashboard hook this service replaces: 1s doubling to
// 10s, five attempts.
const (
	DefaultBaseDelay    = time.Second
	DefaultMaxDelay     = 10 * time.Second
	DefaultMaxAttempts  = 5
	DefaultPingInterval = 30 * time.Second
	DefaultReadTimeout  = 60 * time.Second
)

func (c *Config) applyDefaults() {
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = max(DefaultMaxDelay, c.BaseDelay)
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
}

// Consumer is a reconnecting market data client.
type Consumer struct {
	cfg    Config
	sink   TickSink
	dialer Dialer
	log    *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error

	onError func(error)
	onState func(State)
	onTick  func(tick model.PriceTick, applied bool)

	mu      sync.Mutex
	tickers []string
	state   State
	lastErr error
	conn    *websocket.Conn
	cancel  context.CancelFunc
	running bool

	writeMu sync.Mutex
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithDialer replaces the default gorilla dialer.
func WithDialer(d Dialer) Option {
	return func(c *Consumer) { c.dialer = d }
}

// WithSleep replaces the reconnect wait. The function must return early
// with ctx.Err() when ctx is cancelled.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Consumer) { c.sleep = fn }
}

// WithLogger sets the consumer's logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Consumer) { c.log = log }
}

// OnError registers a callback for connection, server and terminal errors.
func OnError(fn func(error)) Option {
	return func(c *Consumer) { c.onError = fn }
}

// OnStateChange registers a callback for lifecycle transitions.
func OnStateChange(fn func(State)) Option {
	return func(c *Consumer) { c.onState = fn }
}

// OnTick registers a callback invoked after each tick is offered to the sink.
func OnTick(fn func(tick model.PriceTick, applied bool)) Option {
	return func(c *Consumer) { c.onTick = fn }
}

// NewConsumer creates a consumer that forwards ticks to sink.
func NewConsumer(cfg Config, sink TickSink, opts ...Option) *Consumer {
	cfg.applyDefaults()
	tickers, _ := symbol.NormalizeAll(cfg.Tickers)

	c := &Consumer{
		cfg:  cfg,
		sink: sink,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 15 * time.Second,
			Proxy:            http.ProxyFromEnvironment,
		},
		log:     slog.Default(),
		sleep:   sleepContext,
		tickers: tickers,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("component", "feed")
	return c
}

// State returns the current lifecycle state.
func (c *Consumer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether a connection is open.
func (c *Consumer) Connected() bool {
	return c.State() == StateConnected
}

// Err returns the most recent error, cleared on each successful connect.
func (c *Consumer) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Tickers returns the current subscription set.
func (c *Consumer) Tickers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.tickers)
}

// SetTickers replaces the subscription set. When connected and the set
// changed, a fresh subscribe with the full set is sent immediately, even
// when the new set is empty.
func (c *Consumer) SetTickers(tickers []string) {
	next, rejected := symbol.NormalizeAll(tickers)
	if len(rejected) > 0 {
		c.log.Warn("ignoring invalid tickers", "tickers", rejected)
	}

	c.mu.Lock()
	if sameSet(c.tickers, next) {
		c.mu.Unlock()
		return
	}
	c.tickers = next
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return
	}
	if next == nil {
		next = []string{}
	}
	if err := c.sendSubscribe(conn, next); err != nil {
		c.log.Warn("subscription update failed", "err", err)
		return
	}
	c.log.Info("updated subscriptions", "tickers", next)
}

// Close stops a running consumer with a normal closure.
func (c *Consumer) Close() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run connects and keeps the consumer connected until ctx is cancelled or
// Close is called (returns nil), or the reconnect budget is exhausted
// (returns ErrMaxReconnectAttempts). The attempt counter resets once a
// connection delivers its first message.
func (c *Consumer) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.running = true
	c.cancel = cancel
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.running = false
		c.cancel = nil
		c.mu.Unlock()
	}()

	schedule := c.newBackoff()

	for {
		c.setState(StateConnecting)
		conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
		if err != nil {
			if ctx.Err() != nil {
				c.setState(StateClosed)
				return nil
			}
			c.fail(fmt.Errorf("%w: dial %s: %v", ErrConnection, c.cfg.URL, err))
		} else {
			healthy, err := c.serve(ctx, conn)
			if ctx.Err() != nil {
				c.setState(StateClosed)
				c.log.Info("feed closed")
				return nil
			}
			if healthy {
				schedule.Reset()
			}
			c.fail(fmt.Errorf("%w: %v", ErrConnection, err))
		}

		c.setState(StateDisconnected)
		delay := schedule.NextBackOff()
		if delay == backoff.Stop {
			c.setState(StateFailed)
			c.log.Error("giving up on market data feed", "attempts", c.cfg.MaxAttempts)
			c.report(ErrMaxReconnectAttempts)
			return ErrMaxReconnectAttempts
		}

		c.setState(StateReconnecting)
		metrics.FeedReconnects.Inc()
		c.log.Info("reconnecting", "delay", delay.String())
		if err := c.sleep(ctx, delay); err != nil {
			c.setState(StateClosed)
			return nil
		}
	}
}

// serve runs one connection until it closes. It reports whether the
// server sent at least one message.
func (c *Consumer) serve(ctx context.Context, conn *websocket.Conn) (bool, error) {
	c.mu.Lock()
	c.conn = conn
	c.lastErr = nil
	tickers := slices.Clone(c.tickers)
	c.mu.Unlock()
	c.setState(StateConnected)
	c.log.Info("connected", "url", c.cfg.URL)

	done := make(chan struct{})
	defer func() {
		close(done)
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	go c.keepalive(ctx, conn, done)

	if len(tickers) > 0 {
		if err := c.sendSubscribe(conn, tickers); err != nil {
			return false, err
		}
		c.log.Info("subscribed", "tickers", tickers)
	}

	conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	})

	healthy := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return healthy, err
		}
		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		healthy = true
		c.handle(data)
	}
}

// keepalive pings the server and, on shutdown, sends the normal-closure
// frame and unblocks the reader.
func (c *Consumer) keepalive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing")
			if err := c.writeControl(conn, websocket.CloseMessage, msg); err != nil {
				c.log.Debug("close frame not sent", "err", err)
			}
			conn.Close()
			return
		case <-ticker.C:
			if err := c.writeControl(conn, websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Consumer) handle(data []byte) {
	msg, err := ParseServerMessage(data)
	if err != nil {
		metrics.FeedMalformedMessages.Inc()
		c.log.Warn("dropping message", "err", err)
		return
	}

	switch msg.Type {
	case TypeConnected:
		c.log.Info("server welcome", "message", msg.Message)

	case TypeSubscribed:
		c.log.Info("subscription confirmed", "tickers", msg.Tickers)

	case TypePong:

	case TypePriceUpdate:
		tick, err := msg.PriceTick()
		if err != nil {
			metrics.FeedMalformedMessages.Inc()
			c.log.Warn("dropping message", "err", err)
			return
		}
		if !c.subscribed(tick.Ticker) {
			c.log.Debug("tick for unsubscribed ticker", "ticker", tick.Ticker)
			return
		}
		applied := c.sink.ApplyPriceTick(tick.Ticker, tick.Price)
		metrics.PriceTicks.WithLabelValues(fmt.Sprint(applied)).Inc()
		if c.onTick != nil {
			c.onTick(tick, applied)
		}

	case TypeError:
		err := fmt.Errorf("%w: %s", ErrServer, msg.Message)
		c.log.Error("server error", "message", msg.Message)
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
		c.report(err)

	default:
		c.log.Debug("unknown message type", "type", msg.Type)
	}
}

func (c *Consumer) subscribed(ticker string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Contains(c.tickers, ticker)
}

func (c *Consumer) sendSubscribe(conn *websocket.Conn, tickers []string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(SubscribeMessage{Type: TypeSubscribe, Tickers: tickers})
}

func (c *Consumer) writeControl(conn *websocket.Conn, messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteControl(messageType, data, time.Now().Add(5*time.Second))
}

func (c *Consumer) newBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.BaseDelay
	b.MaxInterval = c.cfg.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(c.cfg.MaxAttempts))
}

// fail records a transport error.
func (c *Consumer) fail(err error) {
	c.log.Warn("connection lost", "err", err)
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	c.report(err)
}

func (c *Consumer) report(err error) {
	if err == ErrMaxReconnectAttempts {
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
	}
	if c.onError != nil {
		c.onError(err)
	}
}

func (c *Consumer) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()

	if !changed {
		return
	}
	metrics.FeedState.Set(float64(s))
	if c.onState != nil {
		c.onState(s)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := slices.Clone(a)
	bs := slices.Clone(b)
	slices.Sort(as)
	slices.Sort(bs)
	return slices.Equal(as, bs)
}
