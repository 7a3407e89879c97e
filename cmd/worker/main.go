package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/amirsalarsafaei/sqlc-pgx-monitoring/dbtracer"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"

	"jobcore/config"
	"jobcore/internal/billing"
	"jobcore/internal/dispatch"
	"jobcore/internal/ledger"
	"jobcore/internal/queuebroker"
	"jobcore/internal/runner"
)

func main() {
	appConfig, err := config.LoadConfig()
	if err != nil {
		log.Fatal(err)
	}

	if appConfig.Telemetry.Enabled {
		cleanup := config.InitTracer(appConfig.Telemetry)
		defer cleanup()
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	dbpool := setupDBPool(appConfig)
	defer dbpool.Close()

	redisClient := setupRedisClient(appConfig)
	defer redisClient.Close()

	store := ledger.NewStore(dbpool)
	broker := queuebroker.New(redisClient, logger)
	billingCore := billing.NewCore(store, billing.OveragePolicy{AllowedOverageCents: appConfig.Billing.AllowedOverageCents}, logger)
	dispatchCore := dispatch.NewCore(store, broker, billingCore, appConfig.Runner.StalenessThreshold, logger)

	registry := runner.Registry{
		"noop.v1":     processNoop,
		"passthrough": processPassthrough,
	}

	loop := runner.NewLoop(runner.Config{
		ID:                uuid.New(),
		Name:              hostnameOrDefault(),
		CompatibleTypes:   nil, // empty = accept all
		MaxConcurrentJobs: appConfig.Runner.MaxConcurrentJobs,
		HeartbeatInterval: appConfig.Runner.HeartbeatInterval,
		ClaimTimeout:      appConfig.Runner.ClaimTimeout,
		DrainGracePeriod:  appConfig.Runner.DrainGracePeriod,
	}, dispatchCore, store, registry, logger)

	ctx, cancel := context.WithCancel(context.Background())

	if err := loop.Register(ctx); err != nil {
		logger.Error("worker: failed to register", "error", err)
		os.Exit(1)
	}

	go loop.RunHeartbeat(ctx)

	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("worker: shutdown signal received, draining")
	loop.Drain(context.Background())
	cancel()
	<-done
	logger.Info("worker: stopped")
}

// processNoop is a placeholder processor for job types whose real logic
// lives outside this repo's scope; it always succeeds with a final cost
// of zero and echoes its input as output, mirroring the teacher's
// pattern of a thin adapter over an external processor invocation.
func processNoop(ctx context.Context, input []byte) (*runner.Result, *runner.ProcessorError) {
	return &runner.Result{FinalCostCents: 0, Output: input}, nil
}

// processPassthrough echoes input back as output with a final cost of
// zero, so settle charges nothing and releases the whole reservation.
func processPassthrough(ctx context.Context, input []byte) (*runner.Result, *runner.ProcessorError) {
	return &runner.Result{FinalCostCents: 0, Output: input}, nil
}

func hostnameOrDefault() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "worker"
	}
	return h
}

func setupDBPool(appConfig *config.AppConfig) *pgxpool.Pool {
	dbConfig, err := pgxpool.ParseConfig(appConfig.Postgres.URL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to parse postgres url: %v\n", err)
		os.Exit(1)
	}

	if appConfig.Telemetry.Enabled {
		dbTracer, _ := dbtracer.NewDBTracer("jobcore")
		dbConfig.ConnConfig.Tracer = dbTracer
	}

	dbpool, err := pgxpool.NewWithConfig(context.Background(), dbConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to connect to database: %v\n", err)
		os.Exit(1)
	}
	return dbpool
}

func setupRedisClient(appConfig *config.AppConfig) *redis.Client {
	opt, err := redis.ParseURL(appConfig.Redis.URL)
	if err != nil {
		log.Fatalf("failed to parse redis url: %v", err)
	}

	client := redis.NewClient(opt)

	if appConfig.Telemetry.Enabled {
		if err := redisotel.InstrumentTracing(client); err != nil {
			panic(err)
		}
		if err := redisotel.InstrumentMetrics(client); err != nil {
			panic(err)
		}
	}

	return client
}
