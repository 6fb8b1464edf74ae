package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"

	cfg "github.com/sand/crypto-p2p-exchange/backend/config"
	"github.com/sand/crypto-p2p-exchange/backend/internal/handlers"
	"github.com/sand/crypto-p2p-exchange/backend/internal/metrics"
	"github.com/sand/crypto-p2p-exchange/backend/internal/usecases"
	"github.com/sand/crypto-p2p-exchange/backend/internal/usecases/repository"
	"github.com/sand/crypto-p2p-exchange/backend/internal/usecases/repository/memory"
	"github.com/sand/crypto-p2p-exchange/backend/internal/workers"
	"github.com/sand/crypto-p2p-exchange/backend/pkg/database"
)

// Server timeout constants.
const (
	readTimeoutSeconds     = 15
	writeTimeoutSeconds    = 15
	idleTimeoutSeconds     = 60
	shutdownTimeoutSeconds = 5
)

// storage is the set of repositories the usecases run on, backed either by
// PostgreSQL or by the in-memory store.
type storage struct {
	transactor    usecases.Transactor
	wallets       usecases.WalletsRepository
	entries       usecases.LedgerRepository
	orders        usecases.OrdersRepository
	escrows       usecases.EscrowsRepository
	bankTransfers usecases.BankTransfersRepository
	trades        usecases.TradesRepository
	positions     usecases.PositionsRepository
	close         func()
}

func main() {
	time.Local = time.UTC

	config, err := cfg.LoadConfig()
	if err != nil {
		log.Fatal(err)
	}

	opts := &slog.HandlerOptions{Level: config.Log.Level}
	if config.App.Debug {
		opts.Level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, opts))
	logger.Warn("Starting application with configuration",
		"app", config.App.Name,
		"environment", config.App.Environment,
		"debug", config.App.Debug,
		"in_memory", config.App.InMemory,
		"server_port", config.HTTP.Port,
		"redis_enabled", config.Redis.Addr != "")

	tradingOpts, err := parseTradingOptions(config.Trading)
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStorage(ctx, logger, config)
	if err != nil {
		logger.Error("Failed to open storage", "error", err)
		os.Exit(1)
	}
	defer store.close()

	// Usecases
	hub := handlers.NewOrderHub(logger)
	ledger := usecases.NewLedgerService(logger, store.transactor, store.wallets, store.entries)
	escrow := usecases.NewEscrowService(logger, store.transactor, store.escrows, ledger)
	banking := usecases.NewBankTransferService(logger, store.bankTransfers)
	p2p := usecases.NewP2PService(logger, store.transactor, store.orders, escrow, ledger, banking, hub)
	trading := usecases.NewTradingService(logger, store.transactor, ledger, store.trades, store.positions, tradingOpts)

	reconciler, err := initAndRunWorkers(ctx, logger, config, p2p, ledger)
	if err != nil {
		logger.Error("Failed to start workers", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := reconciler.Stop(); err != nil {
			logger.Error("Failed to stop reconciler", "error", err)
		}
	}()

	// Middlewares
	auth := handlers.NewAuthenticator(config.Auth.JWTSecret, config.Auth.Issuer)
	limiter := handlers.NewRateLimiter(config.HTTP.RateLimit, config.HTTP.RateBurst)
	apiMiddlewares := []mux.MiddlewareFunc{auth.Middleware, limiter.Middleware}

	if config.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     config.Redis.Addr,
			Password: config.Redis.Password,
			DB:       config.Redis.DB,
		})
		defer rdb.Close()

		if err = rdb.Ping(ctx).Err(); err != nil {
			logger.Error("Redis connection failed", "addr", config.Redis.Addr, "error", err)
			os.Exit(1)
		}
		apiMiddlewares = append(apiMiddlewares, handlers.NewIdempotency(logger, rdb).Middleware)
		logger.Info("Idempotency keys enabled", "addr", config.Redis.Addr)
	}

	// Create router
	router := mux.NewRouter()
	router.Use(metrics.Middleware)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	hub.RegisterRoutes(router, auth.Middleware)
	handlers.NewHTTPHandler(logger, ledger, p2p, banking, trading).RegisterRoutes(router, apiMiddlewares...)

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", handlers.IdempotencyKeyHeader},
		AllowCredentials: true,
	})

	server := &http.Server{
		Addr:         ":" + config.HTTP.Port,
		Handler:      c.Handler(router),
		ReadTimeout:  readTimeoutSeconds * time.Second,
		WriteTimeout: writeTimeoutSeconds * time.Second,
		IdleTimeout:  idleTimeoutSeconds * time.Second,
	}

	go func() {
		logger.Info("Starting server", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeoutSeconds*time.Second)
	defer cancel()

	if err = server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
		return
	}

	logger.Info("Server exited properly")
}

func parseTradingOptions(c cfg.Trading) (usecases.TradingOptions, error) {
	feeRate, err := decimal.NewFromString(c.FeeRate)
	if err != nil || feeRate.IsNegative() {
		return usecases.TradingOptions{}, fmt.Errorf("invalid trading fee rate %q", c.FeeRate)
	}
	maxLeverage, err := decimal.NewFromString(c.MaxLeverage)
	if err != nil || !maxLeverage.IsPositive() {
		return usecases.TradingOptions{}, fmt.Errorf("invalid max leverage %q", c.MaxLeverage)
	}
	return usecases.TradingOptions{FeeRate: feeRate, MaxLeverage: maxLeverage}, nil
}

func openStorage(ctx context.Context, logger *slog.Logger, config *cfg.Config) (*storage, error) {
	if config.App.InMemory {
		logger.Warn("Running on the in-memory store, state is lost on exit")
		s := memory.NewStore()
		return &storage{
			transactor:    s,
			wallets:       s,
			entries:       s,
			orders:        s,
			escrows:       s,
			bankTransfers: s,
			trades:        s,
			positions:     s,
			close:         func() {},
		}, nil
	}

	pg, err := database.New(ctx, config.DB.DatabaseURL,
		database.MaxPoolSize(config.DB.PoolMax),
		database.ConnTimeout(config.DB.ConnectTimeout),
		database.HealthCheckPeriod(config.DB.HealthCheckPeriod),
	)
	if err != nil {
		return nil, fmt.Errorf("postgres connection failed: %w", err)
	}

	logger.Info("Running database migrations", "path", config.DB.MigrationsPath)
	if err = database.RunMigrations(logger, config.DB.DatabaseURL, config.DB.MigrationsPath); err != nil {
		pg.Close()
		return nil, fmt.Errorf("failed to run database migrations: %w", err)
	}

	trading := repository.NewTradingRepository(logger, pg)
	return &storage{
		transactor:    pg.Transactor,
		wallets:       repository.NewWalletsRepository(logger, pg),
		entries:       repository.NewLedgerEntriesRepository(logger, pg),
		orders:        repository.NewOrdersRepository(logger, pg),
		escrows:       repository.NewEscrowsRepository(logger, pg),
		bankTransfers: repository.NewBankTransfersRepository(logger, pg),
		trades:        trading,
		positions:     trading,
		close:         pg.Close,
	}, nil
}

func initAndRunWorkers(
	ctx context.Context,
	logger *slog.Logger,
	config *cfg.Config,
	p2p *usecases.P2PService,
	ledger *usecases.LedgerService,
) (*workers.Reconciler, error) {
	orderCleaner := workers.NewOrderCleaner(
		logger,
		p2p,
		time.Duration(config.Workers.OrderExpiration)*time.Minute,
		time.Duration(config.Workers.OrderCleanupInterval)*time.Minute,
	)

	reconciler, err := workers.NewReconciler(logger, ledger, time.Duration(config.Workers.ReconciliationInterval)*time.Minute)
	if err != nil {
		return nil, err
	}
	if err = reconciler.Start(ctx); err != nil {
		return nil, err
	}

	go orderCleaner.Start(ctx)

	logger.Info("All workers initialized and started")
	return reconciler, nil
}
