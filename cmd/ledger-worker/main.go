package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hackgods/clinic-queue/internal/config"
	"github.com/hackgods/clinic-queue/internal/db"
	"github.com/hackgods/clinic-queue/internal/observability"
	"github.com/hackgods/clinic-queue/internal/queue"
	redisclient "github.com/hackgods/clinic-queue/internal/redis"
)

const serviceName = "clinicq-ledger-worker"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load error")
	}

	observability.InitLogger(serviceName, cfg.Env)

	if err := checkDeployment(cfg); err != nil {
		log.Fatal().Err(err).Str("storage", cfg.Storage).Str("coordination", cfg.Coordination).Msg("unsupported ledger worker deployment")
	}

	log.Info().Str("env", cfg.Env).Dur("interval", cfg.WorkerInterval).Msg("ledger-worker starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing := observability.SetupTracing(rootCtx, serviceName, cfg.OTLPEndpoint, cfg.OTLPInsecure)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(ctx)
	}()

	shutdownMetrics := observability.SetupMetrics(rootCtx, serviceName, cfg.OTLPEndpoint, cfg.OTLPInsecure)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownMetrics(ctx)
	}()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		log.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()
	log.Info().Msg("connected to Postgres")

	repo := queue.NewPgRepository(pgPool)

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

	locker := redisclient.NewClinicLocker(rdb, cfg.LockTTL, cfg.LockWait)
	// repairs reach every API instance's subscribers through the bus
	publisher := redisclient.NewEventBus(rdb, cfg.EventChannel)

	svc := queue.NewService(repo, locker, publisher)

	// Run once at startup
	runOnce(rootCtx, svc)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			log.Info().Msg("shutdown signal received, stopping ledger worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, svc)
		}
	}
}

// checkDeployment rejects setups where the worker cannot share clinic
// locks with the API servers. A process-local locker would let a repair
// interleave with a concurrent booking and write stale positions.
func checkDeployment(cfg config.Config) error {
	if cfg.Storage != config.StoragePostgres {
		return errors.New("ledger worker needs shared storage; set STORAGE=postgres")
	}
	if cfg.Coordination != config.CoordinationRedis {
		return errors.New("ledger worker needs shared clinic locks; set COORDINATION=redis")
	}
	return nil
}

func runOnce(ctx context.Context, svc *queue.Service) {
	runCtx, cancel := context.WithTimeout(ctx, 50*time.Second)
	defer cancel()

	start := time.Now()
	changed, err := svc.ReconcileAll(runCtx)
	if err != nil {
		log.Error().Err(err).Msg("ledger reconcile run error")
		return
	}
	log.Info().Int("changed", changed).Dur("took", time.Since(start)).Msg("ledger reconcile run complete")
}
