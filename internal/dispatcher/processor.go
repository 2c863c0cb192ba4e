package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"path"

	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/internal/ledger"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/internal/pipeline"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/internal/segmentation"
	apperrors "github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/metrics"
)

// DocumentLedger records per-document progress in the run history.
type DocumentLedger interface {
	MarkDispatched(ctx context.Context, ingestionID, docID string, sections, batches int)
	SetDocumentStatus(ctx context.Context, ingestionID, docID, status string)
}

// Processor handles process-document events: it downloads the source blob,
// runs layout analysis, segments the result and dispatches the batches.
type Processor struct {
	blobs      pipeline.BlobStore
	layout     LayoutAnalyzer
	dispatcher *Dispatcher
	segment    segmentation.Options
	ledger     DocumentLedger
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

func NewProcessor(
	blobs pipeline.BlobStore,
	layout LayoutAnalyzer,
	dispatcher *Dispatcher,
	segment segmentation.Options,
	l DocumentLedger,
	m *metrics.Metrics,
) *Processor {
	if layout == nil {
		layout = PlainTextAnalyzer{}
	}
	if l == nil {
		l = ledger.New(nil)
	}
	return &Processor{
		blobs:      blobs,
		layout:     layout,
		dispatcher: dispatcher,
		segment:    segment,
		ledger:     l,
		metrics:    metrics.OrNoop(m),
		logger:     slog.Default().With("component", "document-processor"),
	}
}

// Process segments and dispatches one document. Reprocessing the same event
// rewrites the same batch keys with the same content, because segmentation
// is deterministic.
func (p *Processor) Process(ctx context.Context, ev pipeline.ProcessDocumentEvent) error {
	if ev.IngestionID == "" || ev.DocumentID == "" || ev.BlobName == "" {
		return fmt.Errorf("%w: process-document event needs ingestion_id, doc_id and blob_name", apperrors.ErrInvalidInput)
	}
	ctx = logger.WithDocument(logger.WithIngestion(ctx, ev.IngestionID), ev.DocumentID)
	log := logger.FromContext(ctx)

	data, err := p.blobs.Get(ctx, ev.BlobName)
	if err != nil {
		p.ledger.SetDocumentStatus(ctx, ev.IngestionID, ev.DocumentID, ledger.StatusFailed)
		return fmt.Errorf("downloading %s: %w", ev.BlobName, err)
	}

	filename := path.Base(ev.BlobName)
	layout, err := p.layout.Analyze(ctx, filename, data)
	if err != nil {
		p.ledger.SetDocumentStatus(ctx, ev.IngestionID, ev.DocumentID, ledger.StatusFailed)
		return err
	}

	opts := p.segment
	opts.IDPrefix = ev.DocumentID
	sections := segmentation.Segment(filename, segmentation.BuildPageMap(layout), opts)
	p.metrics.SectionsSegmented.Add(float64(len(sections)))

	total, err := p.dispatcher.Dispatch(ctx, ev.IngestionID, ev.DocumentID, sections)
	if err != nil {
		return err
	}
	p.ledger.MarkDispatched(ctx, ev.IngestionID, ev.DocumentID, len(sections), total)
	log.Debug("document processed", "blob_name", ev.BlobName, "pages", len(layout.Pages))
	return nil
}

// HandleMessage adapts Process to a Kafka consumer.
func (p *Processor) HandleMessage() kafka.MessageHandler {
	return func(ctx context.Context, key []byte, value []byte) error {
		ev, err := kafka.DecodeJSON[pipeline.ProcessDocumentEvent](value)
		if err != nil {
			p.logger.Error("failed to decode process-document event", "key", string(key), "error", err)
			return err
		}
		return p.Process(ctx, ev)
	}
}
