// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/starford/yieldkeeper/internal/api"
	"github.com/starford/yieldkeeper/internal/apperr"
	"github.com/starford/yieldkeeper/internal/journal"
	"github.com/starford/yieldkeeper/internal/keeper"
	"github.com/starford/yieldkeeper/internal/ledger"
	"github.com/starford/yieldkeeper/internal/mcpserver"
	"github.com/starford/yieldkeeper/internal/oracle"
	"github.com/starford/yieldkeeper/internal/sse"
)

// Run starts the application with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return fmt.Errorf("config is required")
	}

	cfg := app.config

	// Initialize structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("rpc_url", cfg.Chain.RPCURL),
		slog.String("vault_manager", cfg.Chain.VaultManager),
		slog.String("oracle", cfg.Chain.Oracle),
		slog.Duration("scan_interval", cfg.Keeper.ScanInterval),
		slog.String("journal_path", cfg.Journal.Path),
		slog.String("log_level", cfg.App.LogLevel.String()))

	// Connect to the chain.
	dialCtx, cancelDial := context.WithTimeout(ctx, cfg.Chain.CallTimeout)
	defer cancelDial()
	eth, err := ethclient.DialContext(dialCtx, cfg.Chain.RPCURL)
	if err != nil {
		return fmt.Errorf("dial rpc: %w", err)
	}
	defer eth.Close()

	chainID := big.NewInt(cfg.Chain.ChainID)
	if chainID.Sign() == 0 {
		if chainID, err = eth.ChainID(dialCtx); err != nil {
			return fmt.Errorf("read chain id: %w", err)
		}
	}

	signer, err := ledger.NewSigner(cfg.Chain.PrivateKey, chainID)
	if err != nil {
		return fmt.Errorf("init signer: %w", err)
	}
	vaults, err := ledger.NewClient(eth, cfg.Chain.VaultManagerAddress(),
		ledger.WithSigner(signer),
		ledger.WithTimeouts(cfg.Chain.CallTimeout, cfg.Chain.ReceiptTimeout))
	if err != nil {
		return fmt.Errorf("init ledger client: %w", err)
	}
	prices, err := oracle.NewClient(eth, cfg.Chain.OracleAddress(), cfg.Chain.CallTimeout)
	if err != nil {
		return fmt.Errorf("init oracle client: %w", err)
	}

	// An unauthorized signer would only burn gas on reverts.
	authorized, err := vaults.IsKeeper(ctx, signer.From)
	if err != nil {
		return fmt.Errorf("check keeper authorization: %w", err)
	}
	if !authorized {
		return fmt.Errorf("%s: %w", signer.From.Hex(), apperr.ErrNotKeeper)
	}
	logger.Info("Keeper authorized",
		slog.String("address", signer.From.Hex()),
		slog.String("chain_id", chainID.String()))
	if interval, err := vaults.AutoCheckInterval(ctx); err != nil {
		logger.Warn("read ledger auto-check interval failed", slog.String("error", err.Error()))
	} else if interval.IsInt64() && time.Duration(interval.Int64())*time.Second > cfg.Keeper.ScanInterval {
		logger.Info("Scan interval is shorter than the ledger's auto-check interval; vaults will often be not ready",
			slog.String("ledger_interval_seconds", interval.String()))
	}

	// Metrics on a private registry.
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := keeper.NewMetrics(registry)

	// SSE broker; new subscribers get the latest cycle summary.
	broker := sse.NewBroker(15*time.Second, keeper.EventCycleFinished)
	defer broker.Close()

	keeperOpts := []keeper.Option{
		keeper.WithLogger(logger),
		keeper.WithMetrics(metrics),
		keeper.WithPublisher(broker),
	}

	// Optional cycle journal.
	var history journal.Store
	if cfg.Journal.Enabled() {
		db, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			return fmt.Errorf("init journal: %w", err)
		}
		defer db.Close()
		history = db
		keeperOpts = append(keeperOpts, keeper.WithRecorder(db))
	}

	k := keeper.New(vaults, vaults, prices, cfg.Keeper.Cycle(), keeperOpts...)
	defer k.Close()
	scheduler := keeper.NewScheduler(k, keeper.NewCronTrigger(cfg.Keeper.ScanInterval, logger), logger)

	// Build chi router.
	h := api.NewHandler(k, history)
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.Health)
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	r.Handle("/mcp", mcpserver.New(k, history).HTTPHandler())

	// Mount API routes under /api.
	r.Mount("/api", api.NewRouter(h, broker))

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	// Streaming clients never go idle; release them so Shutdown can drain.
	httpServer.RegisterOnShutdown(broker.Close)

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gCtx := errgroup.WithContext(runCtx)

	// Start cycle scheduler.
	g.Go(func() error {
		return scheduler.Run(gCtx)
	})

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		// Stops the scheduler; an in-flight cycle finishes its current step.
		stop()

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Keeper stopped successfully")
	return nil
}
