package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/tradedesk/internal/backend"
	"github.com/atmx/tradedesk/internal/config"
	"github.com/atmx/tradedesk/internal/feed"
	"github.com/atmx/tradedesk/internal/ledger"
	"github.com/atmx/tradedesk/internal/metrics"
	"github.com/atmx/tradedesk/internal/model"
	"github.com/atmx/tradedesk/internal/risk"
	"github.com/atmx/tradedesk/internal/store"
	"github.com/atmx/tradedesk/internal/trade"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("schema migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Ledger and executor ---
	book := ledger.New(cfg.InitialCapital, ledger.WithHistoryLimit(cfg.HistoryLimit))

	execOpts := []trade.ExecutorOption{trade.WithLogger(logger)}
	if limiter := risk.NewLimiter(cfg.MaxSharesPerTicker, cfg.MaxInvested); limiter.Enabled() {
		execOpts = append(execOpts, trade.WithLimiter(limiter))
		slog.Info("position limits enabled",
			"max_shares_per_ticker", cfg.MaxSharesPerTicker,
			"max_invested", cfg.MaxInvested.String(),
		)
	}
	executor := trade.NewExecutor(book, execOpts...)

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub(logger)
	go wsHub.Run(ctx)

	// --- Trade service ---
	var tradeSvc *trade.Service
	svcOpts := []trade.ServiceOption{trade.WithServiceLogger(logger)}

	if cfg.BackendURL != "" {
		client := backend.NewClient(backend.Config{
			BaseURL: cfg.BackendURL,
			APIKey:  cfg.BackendAPIKey,
			Timeout: cfg.BackendTimeout,
		}, logger)
		svcOpts = append(svcOpts, trade.WithBroker(client))
		slog.Info("live backend mode", "url", cfg.BackendURL)
	} else {
		slog.Info("paper trading mode")
	}

	var consumer *feed.Consumer
	if cfg.FeedURL != "" {
		consumer = feed.NewConsumer(feed.Config{
			URL:         cfg.FeedURL,
			Tickers:     cfg.FeedTickers,
			BaseDelay:   cfg.FeedBaseDelay,
			MaxDelay:    cfg.FeedMaxDelay,
			MaxAttempts: cfg.FeedMaxAttempts,
		}, book,
			feed.WithLogger(logger),
			feed.OnTick(func(tick model.PriceTick, applied bool) {
				tradeSvc.HandleTick(tick, applied)
			}),
			feed.OnStateChange(func(s feed.State) {
				slog.Info("market feed state changed", "state", s.String())
			}),
		)
		svcOpts = append(svcOpts, trade.WithFeed(consumer, cfg.FeedTickers))
	}

	tradeSvc = trade.NewService(book, executor, st, wsHub, svcOpts...)

	if err := tradeSvc.Restore(ctx); err != nil {
		slog.Error("ledger restore failed", "err", err)
		os.Exit(1)
	}
	if err := tradeSvc.Reconcile(ctx); err != nil {
		// The backend may come up later; trading still pre-checks locally.
		slog.Warn("startup reconcile failed", "err", err)
	}

	if consumer != nil {
		go func() {
			if err := consumer.Run(ctx); err != nil {
				slog.Error("market feed stopped", "err", err)
			}
		}()
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for the dashboard.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		feedState := "disabled"
		if consumer != nil {
			feedState = consumer.State().String()
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":"tradedesk","feed":%q}`, feedState)
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Dashboard WebSocket: portfolio snapshot on connect, then trade,
		// portfolio and price updates.
		r.Get("/ws", wsHub.HandleWS)

		r.Post("/trades/execute", tradeSvc.ExecuteTrade)
		r.Get("/trades/history", tradeSvc.GetHistory)

		r.Get("/positions", tradeSvc.GetPositions)
		r.Get("/portfolio", tradeSvc.GetPortfolio)

		// Manual price marks.
		r.Post("/prices", tradeSvc.PostPrice)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("tradedesk listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down tradedesk...")
	stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("tradedesk stopped")
}
