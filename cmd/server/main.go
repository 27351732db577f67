package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/cryptolearn/trading-engine/internal/backoff"
	"github.com/cryptolearn/trading-engine/internal/feed"
	"github.com/cryptolearn/trading-engine/internal/ledger"
	"github.com/cryptolearn/trading-engine/internal/match"
	"github.com/cryptolearn/trading-engine/internal/metrics"
	"github.com/cryptolearn/trading-engine/internal/model"
	"github.com/cryptolearn/trading-engine/internal/queue"
	"github.com/cryptolearn/trading-engine/internal/risk"
	"github.com/cryptolearn/trading-engine/internal/store"
	"github.com/cryptolearn/trading-engine/internal/trading"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	symbols := strings.Split(os.Getenv("SYMBOLS"), ",")
	if len(symbols) == 1 && symbols[0] == "" {
		symbols = []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}

		st = store.NewRetryStore(st, backoff.Default)
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Accounting ---
	led := ledger.New(st, ledger.DefaultConfig())

	// --- Mutation queue ---
	q := queue.New(256)
	defer q.Close()

	// --- Exposure limits ---
	maxPerSymbol := decimal.NewFromInt(500000)
	maxTotal := decimal.NewFromInt(2000000)
	limiter := risk.NewLimiter(maxPerSymbol, maxTotal)

	// --- WebSocket hub ---
	wsHub := trading.NewWSHub()
	go wsHub.Run()

	// --- Price feed + matching ---
	router := feed.NewRouter()
	index := match.NewIndex()

	svc := trading.NewService(st, led, q, index, router, limiter, wsHub)
	matcher := match.NewMatcher(index, st, svc)
	router.AttachSink(matcher)

	feedCtx, feedCancel := context.WithCancel(context.Background())
	defer feedCancel()

	for _, src := range []*feed.WSSource{
		feed.NewWSSource("binance-spot", feed.SpotStreamURL, model.MarketSpot, symbols, router, backoff.Default),
		feed.NewWSSource("binance-futures", feed.FuturesStreamURL, model.MarketFutures, symbols, router, backoff.Default),
	} {
		router.RegisterSource(src)
		go src.Run(feedCtx)
	}

	// Relay every symbol's ticks to WebSocket clients.
	for _, sym := range symbols {
		for _, mt := range []model.MarketType{model.MarketSpot, model.MarketFutures} {
			router.Subscribe(sym, mt, func(tick model.PriceTick) {
				wsHub.Broadcast(trading.TickMessage(tick))
			})
		}
	}

	// Restore resting limit orders into the matching index on startup.
	restored := 0
	for _, sym := range symbols {
		pending, err := st.ListPendingOrdersBySymbol(context.Background(), sym)
		if err != nil {
			slog.Error("failed to restore pending orders", "symbol", sym, "err", err)
			continue
		}
		for _, o := range pending {
			index.Add(o)
			restored++
		}
	}
	if restored > 0 {
		slog.Info("restored pending orders", "count", restored)
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"trading-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time price updates.
		r.Get("/ws", wsHub.HandleWS)

		// Order lifecycle.
		r.Post("/orders", svc.HandleSubmitOrder)
		r.Get("/orders", svc.HandleListOrders)
		r.Delete("/orders/{orderID}", svc.HandleCancelOrder)

		// Position management.
		r.Post("/positions/{positionID}/close", svc.HandleClosePosition)
		r.Post("/positions/close-all", svc.HandleCloseAllPositions)

		// Portfolio and account queries.
		r.Get("/portfolio/{userID}", svc.HandleGetPortfolio)
		r.Get("/ledger/{userID}", svc.HandleGetLedger)

		// Market data.
		r.Get("/prices/{market}/{symbol}", svc.HandleGetPrice)
		r.Get("/status", svc.HandleConnectionStatus)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("trading-engine listening", "port", port, "symbols", symbols)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown: stop the HTTP surface, then the feed, then drain the
	// mutation queue (deferred Close).
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down trading-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("trading-engine stopped")
}
