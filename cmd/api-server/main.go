package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/coldbell/dex/bundler/internal/actions"
	"github.com/coldbell/dex/bundler/internal/apiserver"
	"github.com/coldbell/dex/bundler/internal/chain"
	"github.com/coldbell/dex/bundler/internal/config"
	"github.com/coldbell/dex/bundler/internal/keeper"
	"github.com/coldbell/dex/bundler/internal/logging"
	"github.com/coldbell/dex/bundler/internal/mango"
	"github.com/coldbell/dex/bundler/internal/store"
	"github.com/coldbell/dex/bundler/internal/wrapped"
	"github.com/gagliardetto/solana-go"
	_ "github.com/joho/godotenv/autoload"
)

func main() {
	bootstrapLogger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.LoadAPIServerConfig()
	if err != nil {
		bootstrapLogger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logger, closeLogger, err := logging.New("api-server", cfg.Log)
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
		logger.Error("api-server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.APIServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := chain.New(cfg.Chain, logging.Component(logger, "chain"))

	var (
		serverOpts []apiserver.Option
		keeperOpts []keeper.Option
		refresher  actions.Refresher
	)

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
		serverOpts = append(serverOpts, apiserver.WithBatchLister(journal))
		keeperOpts = append(keeperOpts, keeper.WithJournal(journal))
	}

	if cfg.KeeperKeypairPath != "" {
		signer, err := solana.PrivateKeyFromSolanaKeygenFile(cfg.KeeperKeypairPath)
		if err != nil {
			return fmt.Errorf("load keeper keypair: %w", err)
		}
		source := keeper.NewMangoSource(mango.NewClient(cfg.Programs.MangoProgramID, cfg.Programs.MangoGroup, client))
		k := keeper.New(keeper.Config{
			BankRefreshInterval: cfg.BankRefreshInterval,
			BatchSize:           cfg.KeeperBatchSize,
			Concurrency:         cfg.KeeperConcurrency,
		}, source, client, signer, logging.Component(logger, "keeper"), keeperOpts...)
		if err := k.Restore(ctx); err != nil {
			logger.Warn("restore bank refresh window failed", "err", err)
		}
		refresher = k
		serverOpts = append(serverOpts, apiserver.WithGatherer(k.Metrics().Registry()))
	}

	svc := actions.NewService(actions.Config{
		MangoProgramID: cfg.Programs.MangoProgramID,
		MangoGroup:     cfg.Programs.MangoGroup,
		DexProgramID:   cfg.Programs.DexProgramID,
	}, client, wrapped.NewManager(wrapped.WithRentBuffer(cfg.WrapRentBuffer)), refresher, logging.Component(logger, "actions"))

	return apiserver.New(cfg, svc, logger, serverOpts...).Run(ctx)
}
