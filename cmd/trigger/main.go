// Command trigger starts the ingestion trigger HTTP service.
//
// POST /api/v1/ingestions lists the documents under a source folder, writes
// the ingestion record and publishes one process-document event per document.
// GET /api/v1/ingestions/{id} reports a run's progress and GET
// /api/v1/ingestions lists recent runs from the ledger.
//
// Usage:
//
//	go run ./cmd/trigger [-config configs/development.yaml]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/internal/bootstrap"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/internal/indexing"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/internal/trigger"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/middleware"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/redis"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting trigger service", "port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	if cfg.Metrics.Enabled {
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port)
		defer shutdownMetrics(context.Background())
	}

	rdb, err := redis.NewClient(cfg.Redis)
	if err != nil {
		slog.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()

	blobs, err := bootstrap.OpenBlobs(ctx, cfg.Blob, bootstrap.Secrets())
	if err != nil {
		slog.Error("failed to open blob store", "error", err)
		os.Exit(1)
	}

	runs, pg, err := bootstrap.OpenLedger(ctx, cfg.Postgres)
	if err != nil {
		slog.Error("failed to open run ledger", "error", err)
		os.Exit(1)
	}
	if pg != nil {
		defer pg.Close()
	}

	bus := kafka.NewBus(cfg.Kafka)
	defer bus.Close()

	topics := bootstrap.Topics(cfg.Kafka.Topics)
	service := trigger.NewService(rdb, blobs, bus, topics, runs, indexing.NewStateReader(rdb))

	checker := health.NewChecker()
	checker.Require("redis", rdb.Ping)
	checker.Require("blob", blobs.Ping)
	if pg != nil {
		checker.Optional("postgres", pg.Ping)
	}

	mux := http.NewServeMux()
	trigger.NewHandler(service).Register(mux)
	checker.Mount(mux)

	mws := []func(http.Handler) http.Handler{
		middleware.Logging(slog.Default()),
		middleware.Timeout(cfg.Server.WriteTimeout),
		middleware.Metrics(m),
	}
	if cfg.Server.RateLimitPerMinute > 0 {
		limiter := middleware.NewLimiter(cfg.Server.RateLimitPerMinute, cfg.Server.RateLimitBurst, 10*time.Minute)
		mws = append(mws, middleware.RateLimit(limiter, http.MethodPost))
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      middleware.Chain(mux, mws...),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()
	slog.Info("trigger service listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("trigger service stopped")
}
