// Command processor consumes process-document events. For each one it reads
// the source blob, segments it into sections and dispatches section batches
// to the enrichment workers.
//
// Usage:
//
//	go run ./cmd/processor [-config configs/development.yaml]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/internal/bootstrap"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/internal/dispatcher"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/internal/segmentation"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/metrics"
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
	slog.Info("starting document processor", "batch_size", cfg.Pipeline.BatchSize)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	checker := health.NewChecker()
	if cfg.Metrics.Enabled {
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port, checker)
		defer shutdownMetrics(context.Background())
	}

	rdb, err := redis.NewClient(cfg.Redis)
	if err != nil {
		slog.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()
	checker.Require("redis", rdb.Ping)

	provider := bootstrap.Secrets()
	blobs, err := bootstrap.OpenBlobs(ctx, cfg.Blob, provider)
	if err != nil {
		slog.Error("failed to open blob store", "error", err)
		os.Exit(1)
	}
	checker.Require("blob", blobs.Ping)

	runs, pg, err := bootstrap.OpenLedger(ctx, cfg.Postgres)
	if err != nil {
		slog.Error("failed to open run ledger", "error", err)
		os.Exit(1)
	}
	if pg != nil {
		defer pg.Close()
		checker.Optional("postgres", pg.Ping)
	}

	var layout dispatcher.LayoutAnalyzer = dispatcher.PlainTextAnalyzer{}
	if cfg.Layout.Endpoint != "" {
		key, err := provider.Secret(ctx, cfg.Layout.APIKeySecret)
		if err != nil {
			slog.Error("failed to resolve layout service key", "error", err)
			os.Exit(1)
		}
		layout = dispatcher.NewRESTAnalyzer(cfg.Layout.Endpoint, key, cfg.Layout.Timeout, bootstrap.EnrichmentRetry(cfg.Enrichment))
		slog.Info("using layout service", "endpoint", cfg.Layout.Endpoint)
	}

	bus := kafka.NewBus(cfg.Kafka)
	defer bus.Close()

	topics := bootstrap.Topics(cfg.Kafka.Topics)
	d := dispatcher.New(rdb, bus, topics, cfg.Pipeline.BatchSize, m)
	processor := dispatcher.NewProcessor(blobs, layout, d, segmentation.Options{
		SectionLength:  cfg.Pipeline.SectionLength,
		SentenceSearch: cfg.Pipeline.SentenceSearch,
		Overlap:        cfg.Pipeline.SectionOverlap,
	}, runs, m)

	consumer := kafka.NewConsumer(cfg.Kafka, topics.ProcessDocument, processor.HandleMessage(), bus, m)
	slog.Info("document processor consuming", "topic", topics.ProcessDocument)
	if err := consumer.Start(ctx); err != nil {
		slog.Error("consumer error", "error", err)
		os.Exit(1)
	}
	slog.Info("document processor stopped")
}
