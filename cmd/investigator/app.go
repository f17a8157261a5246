package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jonathan/investigator/internal/config"
	"github.com/jonathan/investigator/internal/db"
	"github.com/jonathan/investigator/internal/events"
	"github.com/jonathan/investigator/internal/executor"
	"github.com/jonathan/investigator/internal/gateway"
	"github.com/jonathan/investigator/internal/llm"
	"github.com/jonathan/investigator/internal/logging"
	"github.com/jonathan/investigator/internal/orchestrator"
	"github.com/jonathan/investigator/internal/research"
	"github.com/jonathan/investigator/internal/store"
	"github.com/jonathan/investigator/internal/worker"
)

// shutdownGrace bounds how long running subtasks get to finish on exit
const shutdownGrace = 30 * time.Second

// app holds the wired components shared by the commands
type app struct {
	cfg         config.Config
	durations   config.Durations
	logger      *zap.Logger
	store       store.Store
	broadcaster *events.Broadcaster
	engine      *orchestrator.Engine

	closers []func()
}

type appOptions struct {
	// offline replaces the reasoning gateway with canned responses
	offline bool
}

// loadConfig reads the layered configuration and applies command-line overrides
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	if verbose {
		cfg.Verbose = true
	}
	return cfg, nil
}

// openStore connects to PostgreSQL when a database URL is configured and
// falls back to the in-memory store otherwise
func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (store.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, using in-memory store; nothing will be persisted")
		return store.NewMemory(), func() {}, nil
	}
	database, err := db.Connect(ctx, cfg.DatabaseURL, db.WithLogger(logger.Named("db")))
	if err != nil {
		return nil, nil, err
	}
	if err := database.Migrate(ctx); err != nil {
		database.Close()
		return nil, nil, err
	}
	return database, database.Close, nil
}

// newGateway builds the reasoning gateway: Gemini behind a circuit breaker
func newGateway(ctx context.Context, cfg config.Config, d config.Durations, logger *zap.Logger, offline bool) (gateway.Gateway, func(), error) {
	if offline {
		logger.Warn("offline mode: reasoning gateway returns canned responses")
		return &gateway.Fake{}, func() {}, nil
	}
	if cfg.APIKey == "" {
		return nil, nil, errors.New("GEMINI_API_KEY environment variable or api_key config is required (or use --offline)")
	}
	client, err := llm.NewClient(ctx, llm.DefaultConfig(), cfg.APIKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create LLM client: %w", err)
	}
	reasoner := gateway.NewReasoner(client, d.GatewayTimeout, logger.Named("gateway"))
	breaker := gateway.NewBreaker(reasoner, gateway.DefaultBreakerConfig(), logger.Named("breaker"))
	return breaker, func() { _ = client.Close() }, nil
}

// newApp wires configuration, storage, gateway, executor and engine
func newApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	d, err := cfg.Durations()
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Verbose)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	a := &app{cfg: cfg, durations: d, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.store = st
	a.closers = append(a.closers, closeStore)

	gw, closeGateway, err := newGateway(ctx, cfg, d, logger, opts.offline)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closeGateway)

	a.broadcaster = events.NewBroadcaster(cfg.EventBuffer, logger.Named("events"))
	a.closers = append(a.closers, a.broadcaster.Close)

	execOpts := []executor.Option{
		executor.WithLogger(logger.Named("executor")),
		executor.WithPageReader(research.NewPageReader(d.GatewayTimeout, 0, 0)),
	}
	if cfg.SearchCX != "" && !opts.offline {
		searcher, err := research.NewGoogleSearcher(ctx, cfg.SearchAPIKey, cfg.SearchCX)
		if err != nil {
			return nil, err
		}
		execOpts = append(execOpts, executor.WithSearcher(searcher))
	}
	exec := executor.New(st, gw, a.broadcaster, executor.Config{
		MaxAttempts: cfg.MaxAttempts,
		RetryBase:   d.RetryBase,
	}, execOpts...)

	pool := worker.New(cfg.Workers, logger.Named("worker"))
	a.engine = orchestrator.New(st, gw, a.broadcaster, pool, exec, orchestrator.Config{
		Concurrency:      cfg.Concurrency,
		StuckAfter:       d.StuckAfter,
		WatchdogInterval: d.WatchdogInterval,
		Depth:            gateway.Depth(cfg.Depth),
	}, orchestrator.WithLogger(logger.Named("engine")))

	ok = true
	return a, nil
}

// shutdown stops the engine, then releases everything else
func (a *app) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if a.engine != nil {
		if err := a.engine.Shutdown(ctx); err != nil {
			a.logger.Warn("engine shutdown incomplete", zap.Error(err))
		}
	}
	a.close()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	_ = a.logger.Sync()
}
