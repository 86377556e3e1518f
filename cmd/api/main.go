package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"prime-checker/internal/api"
	"prime-checker/internal/checks"
	"prime-checker/internal/config"
	"prime-checker/internal/notify"
	"prime-checker/internal/outbox"
	"prime-checker/internal/queue"
	"prime-checker/internal/ratelimit"
	"prime-checker/internal/store"
	"prime-checker/internal/store/memory"
	"prime-checker/internal/telemetry"
	workerproc "prime-checker/internal/worker"
)

// checkStore is what the API binary needs from either store driver.
type checkStore interface {
	checks.Repository
	workerproc.CheckStore
	outbox.Source
	Ping(ctx context.Context) error
}

func main() {
	if err := config.LoadDotEnv(); err != nil {
		log.Fatal().Err(err).Msg("load .env")
	}
	cfg := config.Load()
	telemetry.SetupLogger(cfg.LogLevel, cfg.LogPretty, "api")
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.OTEL, cfg.Version)
	if err != nil {
		log.Fatal().Err(err).Msg("setup tracing")
	}
	defer func() { _ = shutdownTracing(context.Background()) }()
	telemetry.Register()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}
	defer closeStore()

	q := queue.NewRedisQueue(cfg)
	defer q.Close()
	redisLimiter := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisLimiter.Close()
	limiter := ratelimit.NewTokenBucket(redisLimiter, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	relay := outbox.NewRelay(cfg, st, q)
	svc := checks.NewService(st, checks.WithListLimit(cfg.ListLimit), checks.WithSubmitHook(relay.Kick))
	server := api.New(cfg, svc,
		api.WithLimiter(limiter),
		api.WithReadiness("store", st),
		api.WithReadiness("queue", q),
		api.WithDeadLetters(q),
	)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", httpServer.Addr).Str("store", cfg.StoreDriver).Msg("api listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return ignoreCanceled(relay.Run(gctx)) })

	if cfg.EmbeddedWorker {
		processor := workerproc.NewProcessorWithID(cfg, q, "embedded")
		workerproc.RegisterCheckHandlers(processor, cfg, st, notify.NewMailer(cfg.SMTP))
		g.Go(func() error { return ignoreCanceled(processor.Run(gctx)) })
	}

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("api stopped")
		os.Exit(1)
	}
	log.Info().Msg("api stopped")
}

func openStore(ctx context.Context, cfg config.Config) (checkStore, func(), error) {
	if cfg.StoreDriver == config.StoreMemory {
		log.Warn().Msg("using in-memory store, checks are lost on restart")
		return memory.New(), func() {}, nil
	}
	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, err
	}
	if err := st.RunMigrations(ctx); err != nil {
		st.Close()
		return nil, nil, err
	}
	return st, st.Close, nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
