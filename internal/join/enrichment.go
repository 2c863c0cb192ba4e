// Package join holds the two fan-in stages of the pipeline. EnrichmentJoin
// merges the three enrichment results of a batch into one artifact and
// detects document completion; DocumentJoin removes completed documents from
// the ingestion record and starts indexing once nothing is pending.
package join

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/internal/pipeline"
	apperrors "github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/metrics"
)

const defaultClaimTTL = 5 * time.Minute

// Outcome describes what one EnrichmentCompleted event led to.
type Outcome string

const (
	OutcomeMerged            Outcome = "merged"
	OutcomeMissingDependency Outcome = "missing_dependency"
	OutcomeClaimedElsewhere  Outcome = "claimed_elsewhere"
	OutcomeIntegrityError    Outcome = "integrity_error"
)

// EnrichmentJoin merges a batch once all three of its results are stored.
type EnrichmentJoin struct {
	store    pipeline.StateStore
	blobs    pipeline.BlobStore
	bus      pipeline.MessageBus
	tracker  CompletionTracker
	topic    string
	claimTTL time.Duration
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func NewEnrichmentJoin(
	store pipeline.StateStore,
	blobs pipeline.BlobStore,
	bus pipeline.MessageBus,
	tracker CompletionTracker,
	topics pipeline.Topics,
	claimTTL time.Duration,
	m *metrics.Metrics,
) *EnrichmentJoin {
	if claimTTL <= 0 {
		claimTTL = defaultClaimTTL
	}
	return &EnrichmentJoin{
		store:    store,
		blobs:    blobs,
		bus:      bus,
		tracker:  tracker,
		topic:    topics.DocumentCompleted,
		claimTTL: claimTTL,
		metrics:  metrics.OrNoop(m),
		logger:   slog.Default().With("component", "enrichment-join"),
	}
}

type batchInputs struct {
	ingestion  pipeline.Ingestion
	sections   []pipeline.Section
	embeddings [][]float32
	keyphrases [][]string
	summaries  []string
}

// Handle processes one completion event. Whichever of the three sibling
// events finds every input stored performs the merge; the others are no-ops.
func (j *EnrichmentJoin) Handle(ctx context.Context, ev pipeline.EnrichmentCompleted) (Outcome, error) {
	ctx = logger.WithDocument(logger.WithIngestion(ctx, ev.IngestionID), ev.DocumentID)
	log := logger.FromContext(ctx).With("batch_nr", ev.BatchNumber, "service", ev.ServiceName)

	in, ok, err := j.load(ctx, ev)
	if err != nil {
		return "", err
	}
	if !ok {
		j.metrics.BatchJoins.WithLabelValues(string(OutcomeMissingDependency)).Inc()
		log.Debug("batch inputs incomplete, waiting for siblings")
		return OutcomeMissingDependency, nil
	}

	n := len(in.sections)
	if len(in.embeddings) != n || len(in.keyphrases) != n || len(in.summaries) != n {
		j.metrics.BatchJoins.WithLabelValues(string(OutcomeIntegrityError)).Inc()
		return OutcomeIntegrityError, fmt.Errorf("%w: batch %d of %s has %d sections, %d embeddings, %d keyphrase lists, %d summaries",
			apperrors.ErrDataIntegrity, ev.BatchNumber, ev.DocumentID, n, len(in.embeddings), len(in.keyphrases), len(in.summaries))
	}

	claimKey := pipeline.MergeClaimKey(ev.DocumentID, ev.BatchNumber)
	claimed, err := j.claimMerge(ctx, claimKey, ev.ServiceName)
	if err != nil {
		return "", fmt.Errorf("claiming merge of batch %d: %w", ev.BatchNumber, err)
	}
	if !claimed {
		j.metrics.BatchJoins.WithLabelValues(string(OutcomeClaimedElsewhere)).Inc()
		log.Debug("merge already claimed by a sibling")
		return OutcomeClaimedElsewhere, nil
	}

	if err := j.merge(ctx, ev, in); err != nil {
		if derr := j.store.Delete(ctx, claimKey); derr != nil {
			log.Warn("failed to release merge claim", "error", derr)
		}
		return "", err
	}
	j.metrics.BatchJoins.WithLabelValues(string(OutcomeMerged)).Inc()
	j.cleanupStaging(ctx, ev)
	return OutcomeMerged, nil
}

// claimMerge takes the batch's merge claim for owner. A claim already held
// by the same owner is taken over: it belongs to an earlier delivery of this
// very event whose handler died mid-merge, and the redelivery has to finish
// the merge because no sibling will. A claim held by another sibling is left
// alone; that sibling's own event is redelivered if it dies.
func (j *EnrichmentJoin) claimMerge(ctx context.Context, key, owner string) (bool, error) {
	for range 2 {
		claimed, err := j.store.SetNX(ctx, key, []byte(owner), j.claimTTL)
		if err != nil || claimed {
			return claimed, err
		}
		holder, err := j.store.Get(ctx, key)
		if err != nil {
			return false, err
		}
		if holder.Found {
			return string(holder.Value) == owner, nil
		}
		// The claim expired between the two calls.
	}
	return false, nil
}

func (j *EnrichmentJoin) load(ctx context.Context, ev pipeline.EnrichmentCompleted) (batchInputs, bool, error) {
	var in batchInputs
	var found bool
	var err error

	if in.ingestion, _, found, err = pipeline.LoadJSON[pipeline.Ingestion](ctx, j.store, pipeline.IngestionKey(ev.IngestionID)); err != nil || !found {
		return in, false, err
	}
	if in.embeddings, _, found, err = pipeline.LoadJSON[[][]float32](ctx, j.store, pipeline.ResultKey(pipeline.KindEmbeddings, ev.DocumentID, ev.BatchNumber)); err != nil || !found {
		return in, false, err
	}
	if in.keyphrases, _, found, err = pipeline.LoadJSON[[][]string](ctx, j.store, pipeline.ResultKey(pipeline.KindKeyphrases, ev.DocumentID, ev.BatchNumber)); err != nil || !found {
		return in, false, err
	}
	if in.summaries, _, found, err = pipeline.LoadJSON[[]string](ctx, j.store, pipeline.ResultKey(pipeline.KindSummaries, ev.DocumentID, ev.BatchNumber)); err != nil || !found {
		return in, false, err
	}
	if in.sections, _, found, err = pipeline.LoadJSON[[]pipeline.Section](ctx, j.store, pipeline.SectionKey(ev.DocumentID, ev.BatchNumber)); err != nil || !found {
		return in, false, err
	}
	return in, true, nil
}

func (j *EnrichmentJoin) merge(ctx context.Context, ev pipeline.EnrichmentCompleted, in batchInputs) error {
	log := logger.FromContext(ctx).With("batch_nr", ev.BatchNumber)

	merged := make([]pipeline.Section, len(in.sections))
	for i, s := range in.sections {
		s.Embedding = in.embeddings[i]
		s.Keyphrases = in.keyphrases[i]
		s.Summary = in.summaries[i]
		merged[i] = s
	}
	data, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("encoding artifact: %w", err)
	}
	dest := in.ingestion.DestinationPath
	artifact := pipeline.ArtifactKey(dest, ev.DocumentID, ev.BatchNumber)
	if err := j.blobs.Put(ctx, artifact, data); err != nil {
		return fmt.Errorf("storing artifact %s: %w", artifact, err)
	}

	done, err := j.tracker.MarkMerged(ctx, dest, ev.DocumentID, ev.BatchNumber)
	if err != nil {
		return err
	}
	if done != ev.TotalBatchSize {
		log.Info("batch merged", "artifact", artifact, "completed_batches", done, "total_batches", ev.TotalBatchSize)
		return nil
	}

	completed := pipeline.DocumentCompleted{IngestionID: ev.IngestionID, DocumentID: ev.DocumentID}
	if err := j.bus.Publish(ctx, j.topic, ev.DocumentID, completed); err != nil {
		return fmt.Errorf("publishing document completion: %w", err)
	}
	j.metrics.DocumentsCompleted.Inc()
	log.Info("document completed", "total_batches", ev.TotalBatchSize)
	return nil
}

// cleanupStaging removes the batch's intermediate keys. Failures only leave
// garbage behind, so they are logged and ignored.
func (j *EnrichmentJoin) cleanupStaging(ctx context.Context, ev pipeline.EnrichmentCompleted) {
	keys := []string{pipeline.SectionKey(ev.DocumentID, ev.BatchNumber)}
	for _, k := range pipeline.Kinds {
		keys = append(keys, pipeline.ResultKey(k, ev.DocumentID, ev.BatchNumber))
	}
	for _, key := range keys {
		if err := j.store.Delete(ctx, key); err != nil {
			logger.FromContext(ctx).Warn("failed to delete staging key", "key", key, "error", err)
		}
	}
}

// HandleMessage adapts Handle to a Kafka consumer.
func (j *EnrichmentJoin) HandleMessage() kafka.MessageHandler {
	return func(ctx context.Context, key []byte, value []byte) error {
		ev, err := kafka.DecodeJSON[pipeline.EnrichmentCompleted](value)
		if err != nil {
			j.logger.Error("failed to decode enrichment completion", "key", string(key), "error", err)
			return err
		}
		_, err = j.Handle(ctx, ev)
		return err
	}
}
