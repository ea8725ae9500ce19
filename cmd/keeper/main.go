// Package main runs the allocation keeper: it submits signed allocation
// recommendations, watches vault deposits and triggers rebalances.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"allocation-keeper/internal/config"
	"allocation-keeper/internal/keeper"
	"allocation-keeper/internal/ledger"
	"allocation-keeper/internal/logger"
	"allocation-keeper/internal/observability"
	"allocation-keeper/internal/rebalance"
	"allocation-keeper/internal/safety"
	"allocation-keeper/internal/scanner"
	"allocation-keeper/internal/server"
	"allocation-keeper/internal/stats"
	"allocation-keeper/internal/storage"
	"allocation-keeper/internal/storage/memory"
	"allocation-keeper/internal/storage/migrations"
	"allocation-keeper/internal/storage/postgres"
	"allocation-keeper/internal/submission"
)

// stores holds the keeper's four collections and their lifecycle hooks.
type stores struct {
	recommendations storage.RecommendationStore
	cursors         storage.CursorStore
	deposits        storage.DepositStore
	rebalances      storage.RebalanceStore
	expirer         keeper.StaleExpirer
	ping            func(ctx context.Context) error
	close           func()
}

func main() {
	envFile := flag.String("env-file", ".env", "Path to an optional .env file")
	useMemory := flag.Bool("use-memory", false, "Use in-memory storage instead of PostgreSQL")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		bootLogger().Fatal().Err(err).Msg("failed to load configuration")
	}
	cfg.UseMemory = *useMemory

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	logger.SetGlobalLogger(log)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	os.Exit(run(cfg, log))
}

func run(cfg *config.Config, log zerolog.Logger) int {
	ctx := context.Background()

	st, err := openStores(ctx, cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("failed to open store")
		return 1
	}

	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	client, err := ledger.Dial(dialCtx, ledger.Config{
		RPCURL:            cfg.RPCURL,
		PrivateKey:        cfg.PrivateKey,
		AllocationAddress: cfg.AllocationAddress,
		VaultAddress:      cfg.VaultAddress,
	},
		ledger.WithReceiptPollInterval(cfg.ReceiptPollInterval),
		ledger.WithMaxGasPrice(cfg.MaxGasPriceWei()),
		ledger.WithLogger(log),
	)
	cancel()
	if err != nil {
		log.Error().Err(err).Msg("failed to connect to ledger")
		st.close()
		return 1
	}
	defer client.Close()
	log.Info().Str("keeper_address", client.Address()).Msg("ledger client ready")

	runStats := stats.New(time.Now())

	gate := safety.NewGate(client, st.recommendations, cfg.MaxGasPriceWei(), safety.WithLogger(log))
	trigger := rebalance.NewTrigger(client, gate, st.rebalances, runStats, rebalance.WithLogger(log))
	pipeline := submission.NewPipeline(st.recommendations, gate, client, trigger, runStats, submission.WithLogger(log))
	depositScanner := scanner.New(client, st.cursors, st.deposits, trigger, runStats, scanner.Config{
		Threshold:  cfg.DepositThresholdBaseUnits(),
		ChunkSize:  cfg.LogChunkSize,
		StrictGaps: cfg.StrictLogGaps,
	}, scanner.WithLogger(log))

	opts := keeper.Options{
		Submitter:         pipeline,
		Scanner:           depositScanner,
		Ledger:            client,
		Stats:             runStats,
		PingStore:         st.ping,
		CloseStore:        st.close,
		PollInterval:      cfg.PollInterval,
		StatsInterval:     cfg.StatsInterval,
		DepositMonitoring: cfg.DepositMonitoring,
		Settings:          cfg.Settings(),
		Logger:            log,
	}
	if cfg.ExpireStale {
		opts.Expirer = st.expirer
	}
	k := keeper.New(opts)

	var status *server.Server
	if cfg.MetricsAddr != "" {
		status = server.New(server.Config{
			Addr:    cfg.MetricsAddr,
			Status:  k,
			Metrics: observability.Handler(),
			Log:     log,
		})
		go func() {
			if err := status.Start(); err != nil {
				log.Error().Err(err).Msg("status server stopped")
			}
		}()
	}
	defer func() {
		if status == nil {
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = status.Shutdown(shutdownCtx)
	}()

	if err := k.Init(ctx); err != nil {
		log.Error().Err(err).Msg("keeper initialization failed")
		return 1
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("shutdown requested, finishing current tick")
		k.Stop()

		sig = <-sigCh
		log.Warn().Str("signal", sig.String()).Msg("second signal received, forcing exit")
		os.Exit(1)
	}()

	if err := k.Run(ctx); err != nil {
		log.Error().Err(err).Msg("keeper stopped with error")
		return 1
	}

	log.Info().Msg("shutdown complete")
	return 0
}

// openStores connects to Postgres and applies migrations, or builds the
// in-memory stores when cfg.UseMemory is set.
func openStores(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*stores, error) {
	if cfg.UseMemory {
		log.Warn().Msg("using in-memory storage; state is lost on exit")
		recs := memory.NewRecommendationStore()
		return &stores{
			recommendations: recs,
			cursors:         memory.NewCursorStore(),
			deposits:        memory.NewDepositStore(),
			rebalances:      memory.NewRebalanceStore(),
			expirer:         recs,
			close:           func() {},
		}, nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	pool, err := postgres.NewPool(connectCtx, cfg.DatabaseURL, cfg.DatabaseName)
	if err != nil {
		return nil, err
	}

	applied, err := migrations.RunPostgresMigrations(connectCtx, pool, log)
	if err != nil {
		pool.Close()
		return nil, err
	}
	log.Info().Strs("migrations", applied).Msg("postgres schema ready")

	recs := postgres.NewRecommendationStore(pool)
	return &stores{
		recommendations: recs,
		cursors:         postgres.NewCursorStore(pool),
		deposits:        postgres.NewDepositStore(pool),
		rebalances:      postgres.NewRebalanceStore(pool),
		expirer:         recs,
		ping:            func(ctx context.Context) error { return pool.Ping(ctx) },
		close:           pool.Close,
	}, nil
}

func bootLogger() *zerolog.Logger {
	l := logger.New(logger.Config{Level: "info"})
	return &l
}
