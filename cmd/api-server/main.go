package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/hackgods/clinic-queue/internal/api"
	"github.com/hackgods/clinic-queue/internal/config"
	"github.com/hackgods/clinic-queue/internal/db"
	"github.com/hackgods/clinic-queue/internal/events"
	"github.com/hackgods/clinic-queue/internal/observability"
	"github.com/hackgods/clinic-queue/internal/queue"
	redisclient "github.com/hackgods/clinic-queue/internal/redis"
)

const serviceName = "clinicq-api"

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load error")
	}

	observability.InitLogger(serviceName, cfg.Env)
	log.Info().
		Str("env", cfg.Env).
		Str("http_port", cfg.HTTPPort).
		Str("storage", cfg.Storage).
		Str("coordination", cfg.Coordination).
		Msg("api-server starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing := observability.SetupTracing(rootCtx, serviceName, cfg.OTLPEndpoint, cfg.OTLPInsecure)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			log.Warn().Err(err).Msg("tracer shutdown")
		}
	}()

	shutdownMetrics := observability.SetupMetrics(rootCtx, serviceName, cfg.OTLPEndpoint, cfg.OTLPInsecure)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(ctx); err != nil {
			log.Warn().Err(err).Msg("meter shutdown")
		}
	}()

	checks := make(map[string]api.CheckFunc)
	hub := events.NewHub(cfg.SubscriberBuffer)

	// Storage
	var repo queue.Repository
	switch cfg.Storage {
	case config.StoragePostgres:
		pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
		pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
		if err == nil {
			err = db.Migrate(pgCtx, pgPool)
		}
		cancelPg()
		if err != nil {
			log.Fatal().Err(err).Msg("postgres setup error")
		}
		defer pgPool.Close()
		log.Info().Msg("connected to Postgres")

		repo = queue.NewPgRepository(pgPool)
		checks["postgres"] = pgPool.Ping
	default:
		log.Warn().Msg("using in-memory storage; state is lost on restart")
		repo = queue.NewMemoryRepository()
	}

	// Coordination
	var (
		locker    queue.Locker
		publisher events.Publisher
	)
	switch cfg.Coordination {
	case config.CoordinationRedis:
		rdb, err := redisclient.NewRedisClient(rootCtx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
		if err != nil {
			log.Fatal().Err(err).Msg("redis connection error")
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Error().Err(err).Msg("error closing redis")
			}
		}()
		log.Info().Msg("connected to Redis")

		locker = redisclient.NewClinicLocker(rdb, cfg.LockTTL, cfg.LockWait)

		bus := redisclient.NewEventBus(rdb, cfg.EventChannel)
		publisher = bus
		go func() {
			if err := bus.Run(rootCtx, hub); err != nil {
				log.Error().Err(err).Msg("event bus stopped")
				stop()
			}
		}()

		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	default:
		log.Warn().Msg("using in-process coordination; run a single instance only")
		locker = queue.NewLocalLocker().WithWait(cfg.LockWait)
		publisher = hub
	}

	svc := queue.NewService(repo, locker, publisher)

	router := api.NewRouter(api.RouterConfig{
		Service: svc,
		Hub:     hub,
		Checks:  checks,
		Env:     cfg.Env,
		Version: version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           otelhttp.NewHandler(router, serviceName),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server error")
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info().Msg("shutting down api-server")

	// Closing the hub ends every open event stream so Shutdown can drain.
	hub.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown")
	}
}
