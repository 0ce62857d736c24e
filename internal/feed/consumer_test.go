package feed_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/tradedesk/internal/feed"
	"github.com/atmx/tradedesk/internal/model"
)

const waitFor = 5 * time.Second

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// newFeedServer starts a market data server. The first reject requests fail
// the handshake with 503; later ones are upgraded and passed to serve.
func newFeedServer(t *testing.T, reject int32, serve func(conn *websocket.Conn)) string {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= reject {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		serve(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

type recordingSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *recordingSleep) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

type sink struct {
	mu    sync.Mutex
	held  map[string]bool
	ticks map[string]decimal.Decimal
}

func newSink(held ...string) *sink {
	s := &sink{held: map[string]bool{}, ticks: map[string]decimal.Decimal{}}
	for _, t := range held {
		s.held[t] = true
	}
	return s
}

func (s *sink) ApplyPriceTick(ticker string, price decimal.Decimal) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.held[ticker] {
		return false
	}
	s.ticks[ticker] = price
	return true
}

func (s *sink) price(ticker string) (decimal.Decimal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.ticks[ticker]
	return p, ok
}

func runConsumer(ctx context.Context, c *feed.Consumer) <-chan error {
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	return done
}

// readUntilClose drains client frames and reports the close code.
func readUntilClose(conn *websocket.Conn, codes chan<- int) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				codes <- ce.Code
			} else {
				codes <- -1
			}
			return
		}
	}
}

func assertDelays(t *testing.T, want, got []time.Duration) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		assert.InDelta(t, float64(want[i]), float64(got[i]), float64(time.Millisecond), "delay %d", i)
	}
}

func TestConsumer_ReconnectsWithDoublingDelay(t *testing.T) {
	url := newFeedServer(t, 3, func(conn *websocket.Conn) {
		var sub feed.SubscribeMessage
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"price_update","ticker":"AAPL","data":{"price":190.25,"bid":190.2,"ask":190.3,"timestamp":"2024-01-02T15:04:05Z"}}`))
		readUntilClose(conn, make(chan int, 1))
	})

	sleeper := &recordingSleep{}
	ticks := make(chan model.PriceTick, 1)
	s := newSink("AAPL")
	c := feed.NewConsumer(feed.Config{URL: url, Tickers: []string{"aapl"}}, s,
		feed.WithSleep(sleeper.sleep),
		feed.OnTick(func(tick model.PriceTick, applied bool) {
			if applied {
				ticks <- tick
			}
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runConsumer(ctx, c)

	select {
	case tick := <-ticks:
		assert.Equal(t, "AAPL", tick.Ticker)
		assert.True(t, tick.Price.Equal(decimal.RequireFromString("190.25")))
		assert.Equal(t, "2024-01-02T15:04:05Z", tick.Timestamp)
	case <-time.After(waitFor):
		t.Fatal("no tick received")
	}

	assertDelays(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, sleeper.recorded())
	p, ok := s.price("AAPL")
	require.True(t, ok)
	assert.Equal(t, "190.25", p.String())
	assert.True(t, c.Connected())
	assert.NoError(t, c.Err())

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, feed.StateClosed, c.State())
}

func TestConsumer_NormalCloseDoesNotReconnect(t *testing.T) {
	codes := make(chan int, 1)
	url := newFeedServer(t, 0, func(conn *websocket.Conn) {
		readUntilClose(conn, codes)
	})

	sleeper := &recordingSleep{}
	connected := make(chan struct{}, 1)
	c := feed.NewConsumer(feed.Config{URL: url, Tickers: []string{"AAPL"}}, newSink(),
		feed.WithSleep(sleeper.sleep),
		feed.OnStateChange(func(s feed.State) {
			if s == feed.StateConnected {
				connected <- struct{}{}
			}
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := runConsumer(ctx, c)

	select {
	case <-connected:
	case <-time.After(waitFor):
		t.Fatal("never connected")
	}
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Run did not return after cancel")
	}
	select {
	case code := <-codes:
		assert.Equal(t, websocket.CloseNormalClosure, code)
	case <-time.After(waitFor):
		t.Fatal("server saw no close frame")
	}
	assert.Empty(t, sleeper.recorded())
	assert.Equal(t, feed.StateClosed, c.State())
}

func TestConsumer_CloseStopsRun(t *testing.T) {
	codes := make(chan int, 1)
	url := newFeedServer(t, 0, func(conn *websocket.Conn) {
		readUntilClose(conn, codes)
	})

	connected := make(chan struct{}, 1)
	c := feed.NewConsumer(feed.Config{URL: url}, newSink(),
		feed.OnStateChange(func(s feed.State) {
			if s == feed.StateConnected {
				connected <- struct{}{}
			}
		}),
	)
	done := runConsumer(context.Background(), c)
	<-connected

	c.Close()
	require.NoError(t, <-done)
	assert.Equal(t, websocket.CloseNormalClosure, <-codes)
}

func TestConsumer_GivesUpAfterMaxAttempts(t *testing.T) {
	url := newFeedServer(t, 1000, nil)

	sleeper := &recordingSleep{}
	var (
		mu     sync.Mutex
		errs   []error
		states []feed.State
	)
	c := feed.NewConsumer(feed.Config{URL: url, MaxAttempts: 3}, newSink(),
		feed.WithSleep(sleeper.sleep),
		feed.OnError(func(err error) {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}),
		feed.OnStateChange(func(s feed.State) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		}),
	)

	err := c.Run(context.Background())
	require.ErrorIs(t, err, feed.ErrMaxReconnectAttempts)
	assert.Equal(t, feed.StateFailed, c.State())
	assert.ErrorIs(t, c.Err(), feed.ErrMaxReconnectAttempts)
	assertDelays(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, sleeper.recorded())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, errs, 5) // four dial failures plus the terminal error
	for _, e := range errs[:4] {
		assert.ErrorIs(t, e, feed.ErrConnection)
	}
	assert.ErrorIs(t, errs[4], feed.ErrMaxReconnectAttempts)
	assert.Contains(t, states, feed.StateReconnecting)
	assert.Equal(t, feed.StateFailed, states[len(states)-1])
}

func TestConsumer_DelayIsCapped(t *testing.T) {
	url := newFeedServer(t, 1000, nil)

	sleeper := &recordingSleep{}
	c := feed.NewConsumer(feed.Config{
		URL:         url,
		BaseDelay:   time.Second,
		MaxDelay:    10 * time.Second,
		MaxAttempts: 6,
	}, newSink(), feed.WithSleep(sleeper.sleep))

	require.ErrorIs(t, c.Run(context.Background()), feed.ErrMaxReconnectAttempts)
	assertDelays(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second,
		8 * time.Second, 10 * time.Second, 10 * time.Second,
	}, sleeper.recorded())
}

func TestConsumer_SetTickersResubscribes(t *testing.T) {
	subs := make(chan feed.SubscribeMessage, 4)
	url := newFeedServer(t, 0, func(conn *websocket.Conn) {
		for {
			var msg feed.SubscribeMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			subs <- msg
		}
	})

	c := feed.NewConsumer(feed.Config{URL: url, Tickers: []string{"AAPL"}}, newSink())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runConsumer(ctx, c)

	first := <-subs
	assert.Equal(t, feed.TypeSubscribe, first.Type)
	assert.Equal(t, []string{"AAPL"}, first.Tickers)

	c.SetTickers([]string{"aapl", "msft", "not a ticker"})
	select {
	case next := <-subs:
		assert.ElementsMatch(t, []string{"AAPL", "MSFT"}, next.Tickers)
	case <-time.After(waitFor):
		t.Fatal("no resubscribe")
	}
	assert.ElementsMatch(t, []string{"AAPL", "MSFT"}, c.Tickers())

	// Same set in another order sends nothing.
	c.SetTickers([]string{"MSFT", "AAPL"})
	select {
	case msg := <-subs:
		t.Fatalf("unexpected subscribe %v", msg.Tickers)
	case <-time.After(100 * time.Millisecond):
	}

	// Dropping every ticker still tells the server.
	c.SetTickers(nil)
	select {
	case next := <-subs:
		assert.NotNil(t, next.Tickers)
		assert.Empty(t, next.Tickers)
	case <-time.After(waitFor):
		t.Fatal("no subscribe for the empty set")
	}
	assert.Empty(t, c.Tickers())

	cancel()
	require.NoError(t, <-done)
}

func TestConsumer_DropsMalformedAndUnsubscribed(t *testing.T) {
	url := newFeedServer(t, 0, func(conn *websocket.Conn) {
		conn.ReadMessage() // subscribe
		for _, frame := range []string{
			`not json`,
			`{"ticker":"AAPL"}`,
			`{"type":"price_update","ticker":"AAPL","data":{"price":-1}}`,
			`{"type":"price_update","ticker":"TSLA","data":{"price":250}}`,
			`{"type":"price_update","ticker":"AAPL","price":"191.00"}`,
		} {
			conn.WriteMessage(websocket.TextMessage, []byte(frame))
		}
		readUntilClose(conn, make(chan int, 1))
	})

	ticks := make(chan model.PriceTick, 4)
	s := newSink("AAPL", "TSLA")
	c := feed.NewConsumer(feed.Config{URL: url, Tickers: []string{"AAPL"}}, s,
		feed.OnTick(func(tick model.PriceTick, _ bool) { ticks <- tick }),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runConsumer(ctx, c)

	select {
	case tick := <-ticks:
		assert.Equal(t, "AAPL", tick.Ticker)
		assert.True(t, tick.Price.Equal(decimal.NewFromInt(191)))
	case <-time.After(waitFor):
		t.Fatal("valid tick after malformed frames was not delivered")
	}
	assert.True(t, c.Connected())
	_, ok := s.price("TSLA")
	assert.False(t, ok, "tick for unsubscribed ticker must be ignored")

	cancel()
	require.NoError(t, <-done)
}

func TestConsumer_ServerErrorKeepsConnection(t *testing.T) {
	url := newFeedServer(t, 0, func(conn *websocket.Conn) {
		conn.ReadMessage()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"connected","message":"hello"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","message":"unknown ticker XYZ"}`))
		readUntilClose(conn, make(chan int, 1))
	})

	errs := make(chan error, 1)
	c := feed.NewConsumer(feed.Config{URL: url, Tickers: []string{"XYZ"}}, newSink(),
		feed.OnError(func(err error) { errs <- err }),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runConsumer(ctx, c)

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, feed.ErrServer)
		assert.Contains(t, err.Error(), "unknown ticker XYZ")
	case <-time.After(waitFor):
		t.Fatal("server error not reported")
	}
	assert.True(t, c.Connected())
	assert.ErrorIs(t, c.Err(), feed.ErrServer)

	cancel()
	require.NoError(t, <-done)
}

func TestConsumer_ServerCloseTriggersReconnect(t *testing.T) {
	// The first two connections each deliver one message and are then closed
	// by the server; every later handshake is rejected.
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) > 2 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.ReadMessage()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"connected"}`))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "restart"))
		conn.ReadMessage()
	}))
	defer srv.Close()

	sleeper := &recordingSleep{}
	c := feed.NewConsumer(feed.Config{
		URL:         "ws" + strings.TrimPrefix(srv.URL, "http"),
		Tickers:     []string{"AAPL"},
		MaxAttempts: 2,
	}, newSink(), feed.WithSleep(sleeper.sleep))

	err := c.Run(context.Background())
	require.ErrorIs(t, err, feed.ErrMaxReconnectAttempts)

	// A connection that delivered a message restarts the schedule.
	assertDelays(t, []time.Duration{time.Second, time.Second, 2 * time.Second}, sleeper.recorded())
	assert.Equal(t, int32(4), calls.Load())
}

func TestConsumer_RunTwice(t *testing.T) {
	url := newFeedServer(t, 0, func(conn *websocket.Conn) {
		readUntilClose(conn, make(chan int, 1))
	})
	connected := make(chan struct{}, 1)
	c := feed.NewConsumer(feed.Config{URL: url}, newSink(),
		feed.OnStateChange(func(s feed.State) {
			if s == feed.StateConnected {
				connected <- struct{}{}
			}
		}),
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := runConsumer(ctx, c)
	<-connected

	assert.ErrorIs(t, c.Run(ctx), feed.ErrAlreadyRunning)
	cancel()
	require.NoError(t, <-done)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "reconnecting", feed.StateReconnecting.String())
	assert.Equal(t, "failed", feed.StateFailed.String())
	assert.Equal(t, "state(42)", feed.State(42).String())
}
