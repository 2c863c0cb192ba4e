// Command joiner runs the join side of the pipeline: the enrichment join
// merges finished batches into staged artifacts, the document join drains the
// ingestion record, and the indexing workflow provisions, runs and polls the
// search indexer once an ingestion has no pending documents.
//
// Usage:
//
//	go run ./cmd/joiner [-config configs/development.yaml]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/internal/bootstrap"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/internal/indexing"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/internal/join"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/redis"
)

const pollQueue = "indexing-polls"

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting joiner", "completion_mode", cfg.Pipeline.CompletionMode)

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

	searchKey, err := provider.Secret(ctx, cfg.Search.APIKeySecret)
	if err != nil {
		slog.Error("failed to resolve search api key", "error", err)
		os.Exit(1)
	}
	connection, err := provider.Secret(ctx, cfg.Search.BlobConnectionSecret)
	if err != nil {
		slog.Error("failed to resolve blob connection string", "error", err)
		os.Exit(1)
	}

	bus := kafka.NewBus(cfg.Kafka)
	defer bus.Close()
	topics := bootstrap.Topics(cfg.Kafka.Topics)

	scheduler := indexing.NewQueueScheduler(rdb, pollQueue)
	workflow, err := indexing.NewWorkflow(
		indexing.NewSearchClient(cfg.Search.ServiceURL, cfg.Search.APIVersion, searchKey, cfg.Search.Timeout),
		rdb, blobs, scheduler, runs,
		indexing.Options{
			Container:        cfg.Blob.Bucket,
			ConnectionString: connection,
			VectorDimensions: cfg.Search.VectorDimensions,
			PollInterval:     cfg.Pipeline.PollInterval,
			MaxPollAttempts:  cfg.Pipeline.MaxPollAttempts,
			StatusTimeout:    cfg.Search.Timeout,
			CleanupWorkers:   cfg.Pipeline.CleanupWorkers,
		}, m)
	if err != nil {
		slog.Error("failed to create indexing workflow", "error", err)
		os.Exit(1)
	}
	defer workflow.Close()

	var tracker join.CompletionTracker = join.NewSetTracker(rdb)
	if cfg.Pipeline.CompletionMode == "listing" {
		tracker = join.NewListingTracker(blobs)
	}
	enrichmentJoin := join.NewEnrichmentJoin(rdb, blobs, bus, tracker, topics, cfg.Pipeline.MergeClaimTTL, m)
	documentJoin := join.NewDocumentJoin(rdb, workflow, runs, cfg.Pipeline.CASMaxAttempts, cfg.Pipeline.CASInitialDelay, m)

	enrichmentConsumer := kafka.NewConsumer(cfg.Kafka, topics.EnrichmentCompleted, enrichmentJoin.HandleMessage(), bus, m)
	documentConsumer := kafka.NewConsumer(cfg.Kafka, topics.DocumentCompleted, documentJoin.HandleMessage(), bus, m)
	poller := indexing.NewPoller(workflow, scheduler, cfg.Pipeline.PollInterval)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return enrichmentConsumer.Start(gctx) })
	g.Go(func() error { return documentConsumer.Start(gctx) })
	g.Go(func() error { return poller.Run(gctx) })

	slog.Info("joiner running",
		"enrichment_topic", topics.EnrichmentCompleted,
		"document_topic", topics.DocumentCompleted,
		"poll_queue", pollQueue,
	)
	if err := g.Wait(); err != nil {
		slog.Error("joiner error", "error", err)
		os.Exit(1)
	}
	slog.Info("joiner stopped")
}
