package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"

	"github.com/amirsalarsafaei/sqlc-pgx-monitoring/dbtracer"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"jobcore/config"
	"jobcore/internal/billing"
	"jobcore/internal/dispatch"
	"jobcore/internal/httpapi"
	"jobcore/internal/ledger"
	"jobcore/internal/queuebroker"
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

	logger := setupLogger()

	dbpool := setupDBPool(appConfig)
	defer dbpool.Close()

	redisClient := setupRedisClient(appConfig)
	defer redisClient.Close()

	store := ledger.NewStore(dbpool)
	broker := queuebroker.New(redisClient, logger)
	billingCore := billing.NewCore(store, billing.OveragePolicy{AllowedOverageCents: appConfig.Billing.AllowedOverageCents}, logger)
	dispatchCore := dispatch.NewCore(store, broker, billingCore, appConfig.Runner.StalenessThreshold, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go broker.RunPromoter(ctx, appConfig.Retry.PromoterPollInterval)

	reconciler := dispatch.NewReconciler(dispatchCore)
	go reconciler.RunPeriodic(ctx, appConfig.Runner.StalenessThreshold/3)

	if appConfig.Metrics.Enabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(appConfig.Metrics.Addr, mux); err != nil {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
	}

	e := echo.New()
	if appConfig.Telemetry.Enabled {
		e.Use(otelecho.Middleware(appConfig.Telemetry.ServiceName))
	}
	e.Use(middleware.Recover())

	handlers := httpapi.NewHandlers(dispatchCore, store)
	handlers.Register(e)

	addr := fmt.Sprintf("%s:%d", appConfig.Server.Host, appConfig.Server.Port)
	logger.Info("api server starting", "addr", addr)
	if err := e.Start(addr); err != nil {
		logger.Error("api server stopped", "error", err)
	}
}

func setupLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
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
