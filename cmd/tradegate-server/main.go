package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"tradegate/internal/api"
	"tradegate/internal/broker"
	"tradegate/internal/config"
	"tradegate/internal/dispatch"
	"tradegate/internal/session"
	"tradegate/internal/store"
	"tradegate/internal/util"
)

func main() {
	// A .env file is optional; real environment variables win.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("loading .env: %v", err)
	}

	// Load config.
	cfgPath := config.Path()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config %s: %v", cfgPath, err)
	}

	// Setup logging.
	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, cfg, logger)
	stop()
	if err != nil {
		logger.Error("tradegate-server failed", "error", err)
		os.Exit(1)
	}
}

// run builds the gateway from cfg and serves until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	policy, err := dispatch.ParseReplacePolicy(cfg.Session.OnReplace)
	if err != nil {
		return fmt.Errorf("session.on_replace: %w", err)
	}

	metrics := api.NewMetrics()
	gate, err := api.NewAccessGate(cfg.Access.Allow, logger, metrics.AccessDenied)
	if err != nil {
		return fmt.Errorf("access.allow: %w", err)
	}

	var limiter *util.RateLimiter
	if rpm := cfg.Limits.RequestsPerMinute; rpm > 0 {
		limiter = util.NewBurstRateLimiter(rpm, max(1, rpm/6))
	}

	st := session.NewStore()
	st.OnChange(metrics.SetSessionActive)
	observers := []dispatch.Observer{metrics}

	var journal api.JournalReader
	if cfg.Storage.SQLitePath != "" {
		db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			return fmt.Errorf("opening journal: %w", err)
		}
		defer db.Close()
		j := store.NewJournal(db, logger)
		journal = j
		observers = append(observers, j)
		logger.Info("dispatch journal enabled", "path", cfg.Storage.SQLitePath)
	}

	registry := broker.NewRegistry(
		broker.NewSimulatorDriver(),
		broker.NewAlpacaDriver(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL),
	)
	dispatcher := dispatch.NewDispatcher(st, registry, policy, logger, observers...)

	handler := api.NewRouter(api.RouterDeps{
		Dispatcher: dispatcher,
		Store:      st,
		Gate:       gate,
		Metrics:    metrics,
		Journal:    journal,
		Limiter:    limiter,
		Log:        logger,
	})
	srv := api.NewServer(cfg.Server.Addr(), cfg.Server.GRPCAddr(), handler, api.NewHealthService(st), logger)

	logger.Info("tradegate-server starting",
		"addr", cfg.Server.Addr(),
		"grpc", cfg.Server.GRPCAddr(),
		"brokers", registry.Names(),
		"on_replace", policy,
	)
	serveErr := srv.ListenAndServe(ctx)

	// Log out of the broker before exiting.
	exitCtx, exitCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer exitCancel()
	if err := dispatcher.Close(exitCtx); err != nil {
		logger.Error("closing session", "error", err)
	}
	if serveErr != nil {
		return serveErr
	}
	logger.Info("tradegate-server stopped")
	return nil
}
