// Package enrichment runs the three per-batch computations (embeddings,
// keyphrases, summaries). A Worker loads a stored batch, computes one result
// per section, stores the result list and reports completion on the bus.
package enrichment

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/internal/pipeline"
	apperrors "github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/resilience"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/tracing"
)

// Embedder returns one vector per input text.
type Embedder interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// KeyphraseExtractor returns one keyphrase list per input text.
type KeyphraseExtractor interface {
	ExtractKeyphrases(ctx context.Context, texts []string) ([][]string, error)
}

// Summarizer returns one summary per input text.
type Summarizer interface {
	Summarize(ctx context.Context, texts []string) ([]string, error)
}

// Deps are the collaborators shared by every worker.
type Deps struct {
	Store   pipeline.StateStore
	Bus     pipeline.MessageBus
	Topics  pipeline.Topics
	Retry   resilience.RetryConfig
	Breaker resilience.CircuitBreakerConfig
	Metrics *metrics.Metrics
}

type computeFunc func(ctx context.Context, texts []string) (result any, n int, err error)

// Worker handles the enrichment requests of one kind.
type Worker struct {
	kind    pipeline.Kind
	compute computeFunc
	deps    Deps
	breaker *resilience.CircuitBreaker
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewEmbeddingWorker(e Embedder, deps Deps) *Worker {
	return newWorker(pipeline.KindEmbeddings, deps, func(ctx context.Context, texts []string) (any, int, error) {
		out, err := e.EmbedTexts(ctx, texts)
		return out, len(out), err
	})
}

func NewKeyphraseWorker(k KeyphraseExtractor, deps Deps) *Worker {
	return newWorker(pipeline.KindKeyphrases, deps, func(ctx context.Context, texts []string) (any, int, error) {
		out, err := k.ExtractKeyphrases(ctx, texts)
		return out, len(out), err
	})
}

func NewSummaryWorker(s Summarizer, deps Deps) *Worker {
	return newWorker(pipeline.KindSummaries, deps, func(ctx context.Context, texts []string) (any, int, error) {
		out, err := s.Summarize(ctx, texts)
		return out, len(out), err
	})
}

func newWorker(kind pipeline.Kind, deps Deps, compute computeFunc) *Worker {
	m := metrics.OrNoop(deps.Metrics)
	if deps.Retry.Retryable == nil {
		deps.Retry.Retryable = apperrors.IsRetryable
	}
	retries := m.EnrichmentRetries.WithLabelValues(string(kind))
	deps.Retry.OnRetry = func(int, error, time.Duration) { retries.Inc() }
	cbCfg := deps.Breaker
	cbCfg.OnStateChange = func(name string, to resilience.State) {
		m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
	}
	return &Worker{
		kind:    kind,
		compute: compute,
		deps:    deps,
		breaker: resilience.NewCircuitBreaker(kind.ServiceName(), cbCfg),
		metrics: m,
		logger:  slog.Default().With("component", "enrichment-worker", "kind", string(kind)),
	}
}

// Kind reports which enrichment the worker computes.
func (w *Worker) Kind() pipeline.Kind {
	return w.kind
}

// Handle processes one request. A batch that is no longer stored has already
// been merged, so the request is acknowledged without work.
func (w *Worker) Handle(ctx context.Context, req pipeline.EnrichmentRequest) (err error) {
	ctx = logger.WithDocument(logger.WithIngestion(ctx, req.IngestionID), req.DocumentID)
	log := logger.FromContext(ctx).With("kind", string(w.kind), "batch_nr", req.BatchNumber)

	ctx, span := tracing.Start(ctx, "enrich-"+string(w.kind), fmt.Sprintf("%s/%s/%d", req.IngestionID, req.DocumentID, req.BatchNumber))
	defer func() {
		span.End(err)
		span.Log(log)
	}()

	var (
		sections []pipeline.Section
		found    bool
	)
	err = stage(ctx, "load", func(ctx context.Context) error {
		var err error
		sections, _, found, err = pipeline.LoadJSON[[]pipeline.Section](ctx, w.deps.Store, req.BatchKey)
		return err
	})
	if err != nil {
		return err
	}
	if !found {
		log.Warn("batch no longer stored, skipping", "batch_key", req.BatchKey)
		return nil
	}
	texts := pipeline.Contents(sections)
	span.SetAttr("sections", len(texts))

	start := time.Now()
	var result any
	err = stage(ctx, "compute", func(ctx context.Context) error {
		return resilience.Retry(ctx, w.kind.ServiceName(), w.deps.Retry, func() error {
			return w.breaker.Execute(func() error {
				out, n, err := w.compute(ctx, texts)
				if err != nil {
					return err
				}
				if n != len(texts) {
					return fmt.Errorf("%w: %s returned %d results for %d sections", apperrors.ErrTransientService, w.kind, n, len(texts))
				}
				result = out
				return nil
			})
		})
	})
	w.metrics.EnrichmentLatency.WithLabelValues(string(w.kind)).Observe(time.Since(start).Seconds())
	if err != nil {
		w.metrics.EnrichmentFailures.WithLabelValues(string(w.kind)).Inc()
		return fmt.Errorf("computing %s for batch %d of %s: %w", w.kind, req.BatchNumber, req.DocumentID, err)
	}

	resultKey := pipeline.ResultKey(w.kind, req.DocumentID, req.BatchNumber)
	if err := stage(ctx, "store", func(ctx context.Context) error {
		return pipeline.SaveJSON(ctx, w.deps.Store, resultKey, result)
	}); err != nil {
		return err
	}

	done := pipeline.EnrichmentCompleted{
		IngestionID:    req.IngestionID,
		DocumentID:     req.DocumentID,
		ServiceName:    w.kind.ServiceName(),
		ResultKey:      resultKey,
		BatchNumber:    req.BatchNumber,
		TotalBatchSize: req.TotalBatchSize,
	}
	if err := stage(ctx, "publish", func(ctx context.Context) error {
		return w.deps.Bus.Publish(ctx, w.deps.Topics.EnrichmentCompleted, req.DocumentID, done)
	}); err != nil {
		return fmt.Errorf("publishing %s completion: %w", w.kind, err)
	}
	log.Info("enrichment completed", "sections", len(texts), "duration", time.Since(start).Round(time.Millisecond))
	return nil
}

func stage(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := tracing.Child(ctx, name)
	err := fn(ctx)
	span.End(err)
	return err
}

// HandleMessage adapts Handle to a Kafka consumer.
func (w *Worker) HandleMessage() kafka.MessageHandler {
	return func(ctx context.Context, key []byte, value []byte) error {
		req, err := kafka.DecodeJSON[pipeline.EnrichmentRequest](value)
		if err != nil {
			w.logger.Error("failed to decode enrichment request", "key", string(key), "error", err)
			return err
		}
		return w.Handle(ctx, req)
	}
}
