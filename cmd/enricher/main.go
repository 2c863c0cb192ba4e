// Command enricher runs one enrichment worker. The -kind flag selects
// embeddings, keyphrases or summaries; each kind consumes its own request
// topic and calls the configured OpenAI-compatible endpoint.
//
// Usage:
//
//	go run ./cmd/enricher -kind embeddings [-config configs/development.yaml]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/internal/bootstrap"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/internal/enrichment"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/internal/pipeline"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/resilience"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	kindFlag := flag.String("kind", "embeddings", "enrichment kind: embeddings, keyphrases or summaries")
	flag.Parse()
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)

	kind, err := pipeline.ParseKind(*kindFlag)
	if err != nil {
		slog.Error("invalid -kind", "error", err)
		os.Exit(1)
	}
	slog.Info("starting enrichment worker", "kind", kind, "base_url", cfg.Enrichment.BaseURL)

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

	// A missing key is allowed for local endpoints that do not authenticate.
	apiKey, err := bootstrap.Secrets().Secret(ctx, cfg.Enrichment.APIKeySecret)
	if err != nil {
		slog.Warn("enrichment api key not set", "secret", cfg.Enrichment.APIKeySecret)
	}
	client, err := enrichment.NewOpenAIClient(cfg.Enrichment, apiKey)
	if err != nil {
		slog.Error("failed to create enrichment client", "error", err)
		os.Exit(1)
	}

	bus := kafka.NewBus(cfg.Kafka)
	defer bus.Close()

	topics := bootstrap.Topics(cfg.Kafka.Topics)
	deps := enrichment.Deps{
		Store:  rdb,
		Bus:    bus,
		Topics: topics,
		Retry:  bootstrap.EnrichmentRetry(cfg.Enrichment),
		Breaker: resilience.CircuitBreakerConfig{
			FailureThreshold:    5,
			ResetTimeout:        30 * time.Second,
			HalfOpenMaxRequests: 1,
		},
		Metrics: m,
	}

	var worker *enrichment.Worker
	switch kind {
	case pipeline.KindEmbeddings:
		embedder, err := enrichment.NewLLMEmbedder(client)
		if err != nil {
			slog.Error("failed to create embedder", "error", err)
			os.Exit(1)
		}
		worker = enrichment.NewEmbeddingWorker(embedder, deps)
	case pipeline.KindKeyphrases:
		worker = enrichment.NewKeyphraseWorker(enrichment.NewLLMKeyphraseExtractor(client), deps)
	default:
		worker = enrichment.NewSummaryWorker(enrichment.NewLLMSummarizer(client), deps)
	}

	topic := topics.Request(kind)
	consumer := kafka.NewConsumer(cfg.Kafka, topic, worker.HandleMessage(), bus, m)
	slog.Info("enrichment worker consuming", "topic", topic)
	if err := consumer.Start(ctx); err != nil {
		slog.Error("consumer error", "error", err)
		os.Exit(1)
	}
	slog.Info("enrichment worker stopped", "kind", kind)
}
