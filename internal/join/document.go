package join

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/internal/ledger"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/internal/pipeline"
	apperrors "github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/resilience"
)

// IndexingStarter starts indexing of an ingestion whose documents are all
// complete. Start must tolerate repeated calls.
type IndexingStarter interface {
	Start(ctx context.Context, ingestionID string, in pipeline.Ingestion) error
}

// DocumentJoin applies document completions to the ingestion record.
type DocumentJoin struct {
	store   pipeline.StateStore
	starter IndexingStarter
	ledger  *ledger.Ledger
	retry   resilience.RetryConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewDocumentJoin builds a DocumentJoin. maxAttempts bounds the
// compare-and-swap loop; initialDelay seeds its randomized backoff.
func NewDocumentJoin(
	store pipeline.StateStore,
	starter IndexingStarter,
	l *ledger.Ledger,
	maxAttempts int,
	initialDelay time.Duration,
	m *metrics.Metrics,
) *DocumentJoin {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if initialDelay <= 0 {
		initialDelay = 50 * time.Millisecond
	}
	return &DocumentJoin{
		store:   store,
		starter: starter,
		ledger:  l,
		retry: resilience.RetryConfig{
			MaxAttempts:    maxAttempts,
			InitialDelay:   initialDelay,
			MaxDelay:       initialDelay * 32,
			Multiplier:     2,
			JitterFraction: 0.5,
			Retryable: func(err error) bool {
				return errors.Is(err, apperrors.ErrConcurrencyConflict)
			},
		},
		metrics: metrics.OrNoop(m),
		logger:  slog.Default().With("component", "document-join"),
	}
}

// Handle removes the document from the pending set. The write is conditional
// on the version read, so a concurrent removal forces a re-read rather than
// being overwritten. Indexing starts when the set is empty after the update.
func (j *DocumentJoin) Handle(ctx context.Context, ev pipeline.DocumentCompleted) error {
	ctx = logger.WithDocument(logger.WithIngestion(ctx, ev.IngestionID), ev.DocumentID)
	log := logger.FromContext(ctx)
	key := pipeline.IngestionKey(ev.IngestionID)

	var (
		current pipeline.Ingestion
		found   bool
	)
	err := resilience.Retry(ctx, "document-join", j.retry, func() error {
		in, version, ok, err := pipeline.LoadJSON[pipeline.Ingestion](ctx, j.store, key)
		if err != nil {
			return err
		}
		current, found = in, ok
		if !ok || !in.RemovePending(ev.DocumentID) {
			return nil
		}
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding %s: %w", key, err)
		}
		if err := j.store.CompareAndSwap(ctx, key, data, version); err != nil {
			if errors.Is(err, apperrors.ErrConcurrencyConflict) {
				j.metrics.CASConflicts.Inc()
				log.Debug("ingestion record changed concurrently, re-reading")
			}
			return err
		}
		current = in
		return nil
	})
	if err != nil {
		return fmt.Errorf("removing %s from pending set: %w", ev.DocumentID, err)
	}
	if !found {
		log.Warn("ingestion record not found, ignoring document completion")
		return nil
	}
	j.ledger.SetDocumentStatus(ctx, ev.IngestionID, ev.DocumentID, ledger.StatusCompleted)

	if remaining := len(current.PendingDocumentIDs); remaining > 0 {
		log.Info("document removed from pending set", "remaining", remaining)
		return nil
	}
	log.Info("all documents completed, starting indexing")
	if err := j.starter.Start(ctx, ev.IngestionID, current); err != nil {
		return fmt.Errorf("starting indexing: %w", err)
	}
	return nil
}

// HandleMessage adapts Handle to a Kafka consumer.
func (j *DocumentJoin) HandleMessage() kafka.MessageHandler {
	return func(ctx context.Context, key []byte, value []byte) error {
		ev, err := kafka.DecodeJSON[pipeline.DocumentCompleted](value)
		if err != nil {
			j.logger.Error("failed to decode document completion", "key", string(key), "error", err)
			return err
		}
		return j.Handle(ctx, ev)
	}
}
