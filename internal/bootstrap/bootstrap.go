// Package bootstrap holds the wiring shared by the pipeline binaries.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/internal/ledger"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/internal/pipeline"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/blob"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/postgres"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/resilience"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/secrets"
)

// Topics maps the configured topic names onto pipeline topics.
func Topics(t config.KafkaTopics) pipeline.Topics {
	topics := pipeline.DefaultTopics()
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&topics.ProcessDocument, t.ProcessDocument)
	set(&topics.Embeddings, t.GenerateEmbeddings)
	set(&topics.Keyphrases, t.GenerateKeyphrases)
	set(&topics.Summaries, t.GenerateSummaries)
	set(&topics.EnrichmentCompleted, t.EnrichmentCompleted)
	set(&topics.DocumentCompleted, t.DocumentCompleted)
	return topics
}

// Secrets returns the process secret provider.
func Secrets() *secrets.Cached {
	return secrets.NewCached(secrets.Env{})
}

// OpenLedger connects the run ledger when postgres is enabled. With postgres
// disabled it returns a ledger that discards writes and a nil client.
func OpenLedger(ctx context.Context, cfg config.PostgresConfig) (*ledger.Ledger, *postgres.Client, error) {
	if !cfg.Enabled {
		slog.Info("run ledger disabled")
		return ledger.New(nil), nil, nil
	}
	pg, err := postgres.New(cfg)
	if err != nil {
		return nil, nil, err
	}
	l := ledger.New(pg)
	if err := l.EnsureSchema(ctx); err != nil {
		pg.Close()
		return nil, nil, err
	}
	slog.Info("connected to postgres", "host", cfg.Host, "database", cfg.Database)
	return l, pg, nil
}

// OpenBlobs connects the object store and makes sure the bucket exists.
func OpenBlobs(ctx context.Context, cfg config.BlobConfig, provider secrets.Provider) (*blob.Store, error) {
	store, err := blob.New(ctx, cfg, provider)
	if err != nil {
		return nil, err
	}
	if err := store.EnsureBucket(ctx); err != nil {
		return nil, fmt.Errorf("ensuring bucket %s: %w", cfg.Bucket, err)
	}
	return store, nil
}

// EnrichmentRetry is the backoff used for calls to the enrichment services.
func EnrichmentRetry(cfg config.EnrichmentConfig) resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    cfg.MaxAttempts,
		InitialDelay:   cfg.InitialDelay,
		MaxDelay:       cfg.MaxDelay,
		Multiplier:     2,
		JitterFraction: 0.2,
	}
}
