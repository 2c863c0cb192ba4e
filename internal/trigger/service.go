package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/internal/indexing"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/internal/ledger"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/internal/pipeline"
	apperrors "github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/logger"
)

const (
	idempotencyTTL = 24 * time.Hour
	publishLimit   = 16
)

// WorkflowReader exposes the indexing state of a run.
type WorkflowReader interface {
	State(ctx context.Context, ingestionID string) (indexing.WorkflowState, bool, error)
}

// Service creates ingestion runs.
type Service struct {
	store    pipeline.StateStore
	blobs    pipeline.BlobStore
	bus      pipeline.MessageBus
	topic    string
	ledger   *ledger.Ledger
	workflow WorkflowReader
	logger   *slog.Logger
	newID    func() string
}

func NewService(
	store pipeline.StateStore,
	blobs pipeline.BlobStore,
	bus pipeline.MessageBus,
	topics pipeline.Topics,
	l *ledger.Ledger,
	workflow WorkflowReader,
) *Service {
	return &Service{
		store:    store,
		blobs:    blobs,
		bus:      bus,
		topic:    topics.ProcessDocument,
		ledger:   l,
		workflow: workflow,
		logger:   slog.Default().With("component", "trigger"),
		newID:    uuid.NewString,
	}
}

func idempotencyKey(key string) string {
	return "ingestion-request-" + key
}

// Ingest starts a run over every document under the source folder. The
// ingestion record is written before any event is published so that no
// completion can arrive for a run the joins cannot see.
func (s *Service) Ingest(ctx context.Context, req *IngestRequest) (IngestResponse, error) {
	ingestionID := s.newID()

	if req.IdempotencyKey != "" {
		claimed, err := s.store.SetNX(ctx, idempotencyKey(req.IdempotencyKey), []byte(ingestionID), idempotencyTTL)
		if err != nil {
			return IngestResponse{}, fmt.Errorf("checking idempotency key: %w", err)
		}
		if !claimed {
			existing, err := s.store.Get(ctx, idempotencyKey(req.IdempotencyKey))
			if err != nil {
				return IngestResponse{}, fmt.Errorf("reading idempotency key: %w", err)
			}
			s.logger.Info("duplicate ingestion request", "idempotency_key", req.IdempotencyKey, "ingestion_id", string(existing.Value))
			return IngestResponse{IngestionID: string(existing.Value), Duplicate: true}, nil
		}
	}

	resp, err := s.start(logger.WithIngestion(ctx, ingestionID), ingestionID, req)
	if err != nil && req.IdempotencyKey != "" {
		if derr := s.store.Delete(ctx, idempotencyKey(req.IdempotencyKey)); derr != nil {
			s.logger.Warn("failed to release idempotency key", "error", derr)
		}
	}
	return resp, err
}

func (s *Service) start(ctx context.Context, ingestionID string, req *IngestRequest) (IngestResponse, error) {
	log := logger.FromContext(ctx)
	source := NormalizePrefix(req.SourceFolderPath)

	keys, err := s.blobs.List(ctx, source)
	if err != nil {
		return IngestResponse{}, fmt.Errorf("listing %s: %w", source, err)
	}
	blobs := make(map[string]string, len(keys))
	docIDs := make([]string, 0, len(keys))
	for _, key := range keys {
		if strings.HasSuffix(key, "/") {
			continue
		}
		docID := s.newID()
		blobs[docID] = key
		docIDs = append(docIDs, docID)
	}
	if len(docIDs) == 0 {
		return IngestResponse{}, &ValidationError{Fields: map[string]string{
			"source_folder_path": "no documents found under " + source,
		}}
	}

	in := pipeline.Ingestion{
		ID:                 ingestionID,
		PendingDocumentIDs: docIDs,
		SourcePath:         source,
		DestinationPath:    NormalizePrefix(req.SearchItemsFolderPath),
		IndexerName:        req.SearchIndexerName,
	}
	if err := pipeline.SaveJSON(ctx, s.store, pipeline.IngestionKey(ingestionID), in); err != nil {
		return IngestResponse{}, err
	}
	if err := s.ledger.RecordIngestion(ctx, in, blobs); err != nil {
		log.Warn("failed to record ingestion in ledger", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(publishLimit)
	for _, docID := range docIDs {
		ev := pipeline.ProcessDocumentEvent{IngestionID: ingestionID, DocumentID: docID, BlobName: blobs[docID]}
		g.Go(func() error {
			if err := s.bus.Publish(gctx, s.topic, ev.DocumentID, ev); err != nil {
				return fmt.Errorf("publishing %s: %w", ev.BlobName, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return IngestResponse{}, err
	}
	log.Info("ingestion started", "source", source, "documents", len(docIDs), "indexer", in.IndexerName)
	return IngestResponse{IngestionID: ingestionID, Documents: len(docIDs)}, nil
}

// Status reports a run's pending documents and indexing progress.
func (s *Service) Status(ctx context.Context, ingestionID string) (StatusResponse, error) {
	in, _, found, err := pipeline.LoadJSON[pipeline.Ingestion](ctx, s.store, pipeline.IngestionKey(ingestionID))
	if err != nil {
		return StatusResponse{}, err
	}
	if !found {
		return StatusResponse{}, fmt.Errorf("%w: ingestion %s", apperrors.ErrNotFound, ingestionID)
	}
	resp := StatusResponse{
		IngestionID:      ingestionID,
		PendingDocuments: len(in.PendingDocumentIDs),
		PendingIDs:       in.PendingDocumentIDs,
		DestinationPath:  in.DestinationPath,
		IndexerName:      in.IndexerName,
	}
	if s.workflow == nil {
		return resp, nil
	}
	st, found, err := s.workflow.State(ctx, ingestionID)
	if err != nil {
		return StatusResponse{}, err
	}
	if found {
		resp.IndexingState = string(st.State)
		resp.IndexingPolls = st.Polls
		resp.IndexedItems = st.ItemCount
		resp.IndexingError = st.Error
	}
	return resp, nil
}

// Recent lists the latest runs recorded in the ledger.
func (s *Service) Recent(ctx context.Context, limit int) ([]ledger.Run, error) {
	return s.ledger.Recent(ctx, limit)
}
