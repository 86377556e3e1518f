package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"prime-checker/internal/config"
	"prime-checker/internal/notify"
	"prime-checker/internal/outbox"
	"prime-checker/internal/queue"
	"prime-checker/internal/store"
	"prime-checker/internal/telemetry"
	workerproc "prime-checker/internal/worker"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		log.Fatal().Err(err).Msg("load .env")
	}
	cfg := config.Load()
	telemetry.SetupLogger(cfg.LogLevel, cfg.LogPretty, "worker")
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if cfg.StoreDriver != config.StorePostgres {
		log.Fatal().Str("store", cfg.StoreDriver).Msg("standalone worker needs the postgres store; use EMBEDDED_WORKER with the memory store")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.OTEL, cfg.Version)
	if err != nil {
		log.Fatal().Err(err).Msg("setup tracing")
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrations")
	}

	q := queue.NewRedisQueue(cfg)
	defer q.Close()

	// Generate a unique worker ID from hostname or env var
	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	processor := workerproc.NewProcessorWithID(cfg, q, workerID)
	workerproc.RegisterCheckHandlers(processor, cfg, st, notify.NewMailer(cfg.SMTP))
	// Finalization writes email tasks to the outbox; this relay publishes them.
	relay := outbox.NewRelay(cfg, st, q)

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           telemetry.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn().Err(err).Msg("metrics server stopped")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return ignoreCanceled(relay.Run(gctx)) })
	g.Go(func() error { return ignoreCanceled(processor.Run(gctx)) })

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("worker stopped")
		os.Exit(1)
	}
	log.Info().Str("worker_id", workerID).Msg("worker stopped")
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
