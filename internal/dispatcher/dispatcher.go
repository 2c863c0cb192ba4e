// Package dispatcher turns a segmented document into batches: each batch's
// section list is stored under its own key and announced to every
// enrichment kind. It also hosts the process-document stage that feeds it.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/internal/pipeline"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/metrics"
)

const (
	DefaultBatchSize = 8

	// maxInFlightBatches bounds concurrent batch writes for one document.
	maxInFlightBatches = 4
)

// TotalBatches returns ceil(count/size).
func TotalBatches(count, size int) int {
	if count <= 0 || size <= 0 {
		return 0
	}
	return (count + size - 1) / size
}

// Dispatcher stores section batches and fans out enrichment requests.
type Dispatcher struct {
	store     pipeline.StateStore
	bus       pipeline.MessageBus
	topics    pipeline.Topics
	batchSize int
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func New(store pipeline.StateStore, bus pipeline.MessageBus, topics pipeline.Topics, batchSize int, m *metrics.Metrics) *Dispatcher {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Dispatcher{
		store:     store,
		bus:       bus,
		topics:    topics,
		batchSize: batchSize,
		metrics:   metrics.OrNoop(m),
		logger:    slog.Default().With("component", "batch-dispatcher"),
	}
}

// Dispatch splits sections into batches numbered from 1 and, for each batch,
// stores its section list (replacing any earlier value) before publishing
// one EnrichmentRequest per kind. It returns the total batch count.
//
// A document without sections has nothing to enrich; it is reported
// complete straight away so its ingestion can still drain.
func (d *Dispatcher) Dispatch(ctx context.Context, ingestionID, docID string, sections []pipeline.Section) (int, error) {
	log := logger.FromContext(ctx)
	total := TotalBatches(len(sections), d.batchSize)
	if total == 0 {
		log.Warn("document produced no sections, reporting it complete")
		ev := pipeline.DocumentCompleted{IngestionID: ingestionID, DocumentID: docID}
		if err := d.bus.Publish(ctx, d.topics.DocumentCompleted, docID, ev); err != nil {
			return 0, fmt.Errorf("publishing completion of empty document %s: %w", docID, err)
		}
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxInFlightBatches)
	for n := 1; n <= total; n++ {
		lo := (n - 1) * d.batchSize
		hi := min(lo+d.batchSize, len(sections))
		batch := sections[lo:hi]
		g.Go(func() error {
			return d.dispatchBatch(gctx, ingestionID, docID, n, total, batch)
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	log.Info("document dispatched", "sections", len(sections), "total_batch_size", total)
	return total, nil
}

func (d *Dispatcher) dispatchBatch(ctx context.Context, ingestionID, docID string, n, total int, batch []pipeline.Section) error {
	key := pipeline.SectionKey(docID, n)
	if err := pipeline.SaveJSON(ctx, d.store, key, batch); err != nil {
		return fmt.Errorf("storing batch %d of %s: %w", n, docID, err)
	}

	req := pipeline.EnrichmentRequest{
		IngestionID:    ingestionID,
		DocumentID:     docID,
		BatchKey:       key,
		BatchNumber:    n,
		TotalBatchSize: total,
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, kind := range pipeline.Kinds {
		g.Go(func() error {
			if err := d.bus.Publish(gctx, d.topics.Request(kind), key, req); err != nil {
				return fmt.Errorf("requesting %s for batch %d of %s: %w", kind, n, docID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	d.metrics.BatchesDispatched.Inc()
	return nil
}
