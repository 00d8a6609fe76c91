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

	"github.com/coldbell/dex/bundler/internal/chain"
	"github.com/coldbell/dex/bundler/internal/config"
	"github.com/coldbell/dex/bundler/internal/keeper"
	"github.com/coldbell/dex/bundler/internal/logging"
	"github.com/coldbell/dex/bundler/internal/mango"
	"github.com/coldbell/dex/bundler/internal/store"
	"github.com/gagliardetto/solana-go"
	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	bootstrapLogger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.LoadKeeperConfig()
	if err != nil {
		bootstrapLogger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logger, closeLogger, err := logging.New("keeper", cfg.Log)
	if err != nil {
		bootstrapLogger.Error("failed to initialize logger", "err", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := closeLogger(); closeErr != nil {
			bootstrapLogger.Error("failed to close logger", "err", closeErr)
		}
	}()

	if source, sourceErr := config.CurrentConfigSource(); sourceErr == nil {
		logger.Info("configuration loaded", "phase", source.Phase, "path", source.Path, "loaded", source.Loaded)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("keeper exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.KeeperConfig, logger *slog.Logger) error {
	signer, err := solana.PrivateKeyFromSolanaKeygenFile(cfg.KeypairPath)
	if err != nil {
		return fmt.Errorf("load keeper keypair: %w", err)
	}

	client := chain.New(cfg.Chain, logging.Component(logger, "chain"))
	source := keeper.NewMangoSource(mango.NewClient(cfg.Programs.MangoProgramID, cfg.Programs.MangoGroup, client))

	var opts []keeper.Option
	if cfg.DBDSN != "" {
		journal, err := store.NewStore(cfg.DBDSN)
		if err != nil {
			return fmt.Errorf("init journal: %w", err)
		}
		defer func() {
			if err := journal.Close(); err != nil {
				logger.Error("failed to close journal", "err", err)
			}
		}()
		opts = append(opts, keeper.WithJournal(journal))
	}

	svc := keeper.New(keeper.Config{
		PollInterval:        cfg.PollInterval,
		BankRefreshInterval: cfg.BankRefreshInterval,
		BatchSize:           cfg.BatchSize,
		Concurrency:         cfg.Concurrency,
	}, source, client, signer, logging.Component(logger, "keeper"), opts...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Run(gctx)
	})
	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(gctx, cfg.MetricsAddr, svc.Metrics().Registry(), logger)
		})
	}
	return g.Wait()
}

func serveMetrics(ctx context.Context, addr string, gatherer prometheus.Gatherer, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()
	logger.Info("metrics server started", "listen_addr", addr)

	select {
	case <-ctx.Done():
		if err := server.Shutdown(context.Background()); err != nil {
			return fmt.Errorf("shutdown metrics server: %w", err)
		}
		return <-errCh
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("metrics listen and serve: %w", err)
		}
		return nil
	}
}
