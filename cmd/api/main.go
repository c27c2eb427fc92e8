package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"visionbatch/internal/adapter/repo"
	"visionbatch/internal/batch"
	"visionbatch/internal/http/handlers"
	httpapi "visionbatch/internal/http/httpapi"
	"visionbatch/internal/infra"
	"visionbatch/internal/infra/credentials"
	"visionbatch/internal/providers/lightx2v"
	"visionbatch/internal/storage"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx := context.Background()
	if cfg.AutoMigrate {
		if err := infra.Migrate(ctx, cfg.DatabaseURL, "up", logger); err != nil {
			logger.Fatal().Err(err).Msg("failed to migrate database")
		}
	}

	dbpool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer dbpool.Close()
	sqlRunner := infra.NewSQLRunner(dbpool, logger)

	blobs, closeBlobs, err := storage.Open(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.StorageBackend).Msg("failed to open blob storage")
	}
	defer closeBlobs()

	batches := repo.NewBatchStore(blobs, infra.ComponentLogger(logger, "store"))
	loaded, err := batches.Load(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load batches")
	}
	logger.Info().Int("batches", loaded).Msg("batch store loaded")

	// A token rotated through the admin API wins over the environment.
	tokens := credentials.NewStore(sqlRunner)
	token := cfg.LightX2VAccessToken
	if stored, err := tokens.LightX2VToken(ctx); err != nil {
		logger.Warn().Err(err).Msg("failed to read stored lightx2v token")
	} else if stored != "" {
		token = stored
	}
	if token == "" {
		logger.Warn().Msg("lightx2v access token is not configured; submissions will fail until one is set")
	}

	remote := lightx2v.NewClient(lightx2v.Options{
		AccessToken:    token,
		BaseURL:        cfg.LightX2VBaseURL,
		Logger:         infra.ComponentLogger(logger, "lightx2v"),
		RequestTimeout: cfg.LightX2VTimeout,
	})
	users := repo.NewUserRepository(sqlRunner)

	processor := batch.NewProcessor(batches, users, blobs, remote, batch.Options{
		SubmitConcurrency: cfg.SubmitConcurrency,
		SubmitStagger:     cfg.SubmitStagger,
		SubmitAttempts:    cfg.SubmitAttempts,
		SubmitBackoff:     cfg.SubmitBackoff,
		PollConcurrency:   cfg.PollConcurrency,
		PollInterval:      cfg.PollInterval,
		PollTimeout:       cfg.PollTimeout,
		RetryConcurrency:  cfg.RetryConcurrency,
		EstimatedDuration: cfg.EstimatedDuration,
		MaxImages:         cfg.MaxImagesPerBatch,
		Logger:            infra.ComponentLogger(logger, "processor"),
	})

	// Background batch work outlives requests but stops on shutdown.
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()

	recovered, err := processor.Recover(baseCtx)
	if err != nil {
		logger.Error().Err(err).Msg("failed to recover batches")
	} else if recovered > 0 {
		logger.Info().Int("batches", recovered).Msg("recovered unfinished batches")
	}

	sweeper, err := batch.NewSweeper(baseCtx, processor, cfg.SettlementSchedule)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to schedule settlement sweeper")
	}
	sweeper.Start()

	app := &handlers.App{
		Config:    cfg,
		Logger:    logger,
		Batches:   batches,
		Users:     users,
		Runner:    processor,
		Remote:    remote,
		Tokens:    tokens,
		TokenSink: remote,
		BaseCtx:   baseCtx,
	}
	router := httpapi.NewRouter(app)
	server := infra.NewHTTPServer(cfg, router, baseCtx)

	go func() {
		logger.Info().Msgf("API listening on %s", server.Addr())
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	// Interrupted items are picked up by Recover on the next start.
	cancelBase()
	sweeper.Stop()
	processor.Wait()
	if n, err := batches.Flush(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("failed to flush batches on shutdown")
	} else if n > 0 {
		logger.Info().Int("batches", n).Msg("flushed batches on shutdown")
	}
	logger.Info().Msg("server stopped")
}
