package main

import (
	"context"
	"encoding/json"
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

	"github.com/sablefi/collateral-engine/internal/engine"
	"github.com/sablefi/collateral-engine/internal/metrics"
	"github.com/sablefi/collateral-engine/internal/oracle"
	"github.com/sablefi/collateral-engine/internal/store"
	"github.com/sablefi/collateral-engine/internal/token"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
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
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(context.Background()); err != nil {
			slog.Error("database migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
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
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Collateral tokens and price feeds ---
	// COLLATERAL_TOKENS is a comma-separated symbol list; STATIC_PRICES
	// pairs each symbol with its USD price (8-decimal feed semantics).
	tokens, feeds, banks, err := configureCollateral()
	if err != nil {
		slog.Error("collateral configuration failed", "err", err)
		os.Exit(1)
	}

	transferors := make(map[string]token.Transferor, len(tokens))
	for sym, bank := range banks {
		transferors[sym] = bank
	}
	stable := token.NewBank("sUSD")

	// --- WebSocket hub ---
	hub := engine.NewHub()
	go hub.Run()

	// --- Collateral engine ---
	eng, err := engine.New(engine.Config{
		CollateralTokens: tokens,
		PriceFeeds:       feeds,
		Transferors:      transferors,
		Stablecoin:       stable,
		Store:            st,
		Hub:              hub,
	})
	if err != nil {
		slog.Error("engine construction failed", "err", err)
		os.Exit(1)
	}
	slog.Info("engine configured", "tokens", strings.Join(tokens, ","))

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
		w.Write([]byte(`{"status":"ok","service":"collateral-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for operation events.
		r.Get("/ws", hub.HandleWS)

		// Engine operations.
		r.Post("/deposit", eng.HandleDeposit)
		r.Post("/mint", eng.HandleMint)
		r.Post("/redeem", eng.HandleRedeem)
		r.Post("/burn", eng.HandleBurn)
		r.Post("/deposit-and-mint", eng.HandleDepositAndMint)
		r.Post("/redeem-for-stable", eng.HandleRedeemForStable)
		r.Post("/liquidate", eng.HandleLiquidate)

		// Queries.
		r.Get("/accounts/{userID}", eng.HandleAccount)
		r.Get("/accounts/{userID}/health-factor", eng.HandleHealthFactor)
		r.Get("/accounts/{userID}/history", eng.HandleHistory)
		r.Get("/positions", eng.HandlePositions)
		r.Get("/prices/{token}", eng.HandlePrice)

		// Dev faucet for the in-memory token banks.
		r.Post("/faucet", faucetHandler(banks))
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
		slog.Info("collateral-engine listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down collateral-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("collateral-engine stopped")
}

// configureCollateral builds the ordered token list, a static price
// source per token, and an in-memory bank per token from environment
// configuration.
//
// Defaults: WETH at $2000 and WBTC at $60000, both with 8-decimal feed
// precision, matching common upstream feeds.
func configureCollateral() ([]string, []oracle.PriceSource, map[string]*token.Bank, error) {
	prices := map[string]decimal.Decimal{
		"WETH": decimal.NewFromInt(2000),
		"WBTC": decimal.NewFromInt(60000),
	}

	if raw := os.Getenv("STATIC_PRICES"); raw != "" {
		prices = make(map[string]decimal.Decimal)
		for _, pair := range strings.Split(raw, ",") {
			sym, val, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if !ok {
				return nil, nil, nil, fmt.Errorf("invalid STATIC_PRICES entry %q", pair)
			}
			price, err := decimal.NewFromString(val)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("invalid price for %s: %w", sym, err)
			}
			prices[sym] = price
		}
	}

	tokens := []string{"WETH", "WBTC"}
	if raw := os.Getenv("COLLATERAL_TOKENS"); raw != "" {
		tokens = nil
		for _, sym := range strings.Split(raw, ",") {
			tokens = append(tokens, strings.TrimSpace(sym))
		}
	}

	const feedDecimals = 8
	source := oracle.NewStaticSource()
	feeds := make([]oracle.PriceSource, 0, len(tokens))
	banks := make(map[string]*token.Bank, len(tokens))
	for _, sym := range tokens {
		price, ok := prices[sym]
		if !ok {
			return nil, nil, nil, fmt.Errorf("no price configured for token %s", sym)
		}
		source.SetPrice(sym, price.Mul(decimal.New(1, feedDecimals)), feedDecimals)
		feeds = append(feeds, source)
		banks[sym] = token.NewBank(sym)
	}
	return tokens, feeds, banks, nil
}

// faucetHandler mints collateral tokens to a user. Development-only
// convenience for the in-memory banks; a real deployment holds
// externally issued tokens.
func faucetHandler(banks map[string]*token.Bank) http.HandlerFunc {
	type faucetRequest struct {
		User   string          `json:"user"`
		Token  string          `json:"token"`
		Amount decimal.Decimal `json:"amount"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req faucetRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
			return
		}
		bank, ok := banks[req.Token]
		if !ok {
			http.Error(w, `{"error":"unknown token"}`, http.StatusBadRequest)
			return
		}
		if err := bank.Mint(r.Context(), req.User, req.Amount); err != nil {
			http.Error(w, fmt.Sprintf(`{"error":%q}`, err.Error()), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"user":    req.User,
			"token":   req.Token,
			"balance": bank.Balance(req.User).String(),
		})
	}
}
