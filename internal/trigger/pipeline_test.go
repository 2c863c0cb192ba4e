package trigger_test

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/internal/dispatcher"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/internal/enrichment"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/internal/indexing"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/internal/join"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/internal/pipeline"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/internal/pipeline/pipelinetest"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/internal/segmentation"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/internal/trigger"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/resilience"
)

type stubEmbedder struct{}

func (stubEmbedder) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1}
	}
	return out, nil
}

type stubKeyphrases struct{}

func (stubKeyphrases) ExtractKeyphrases(_ context.Context, texts []string) ([][]string, error) {
	out := make([][]string, len(texts))
	for i := range texts {
		out[i] = []string{"sentence"}
	}
	return out, nil
}

type stubSummarizer struct{}

func (stubSummarizer) Summarize(_ context.Context, texts []string) ([]string, error) {
	out := make([]string, len(texts))
	for i, t := range texts {
		out[i] = fmt.Sprintf("%d characters", len(t))
	}
	return out, nil
}

// stubSearch succeeds on every call and records how many artifacts were
// staged when the indexer ran.
type stubSearch struct {
	blobs       *pipelinetest.Blobs
	destination string
	mu          sync.Mutex
	runs        int
	indexed     int
}

func (s *stubSearch) GetDataSource(context.Context, string) error {
	return indexing.ErrResourceNotFound
}

func (s *stubSearch) CreateDataSource(context.Context, indexing.DataSource) error { return nil }

func (s *stubSearch) GetIndex(context.Context, string) error {
	return indexing.ErrResourceNotFound
}

func (s *stubSearch) CreateIndex(context.Context, indexing.Index) error { return nil }

func (s *stubSearch) GetIndexer(context.Context, string) error {
	return indexing.ErrResourceNotFound
}

func (s *stubSearch) CreateIndexer(context.Context, indexing.Indexer) error { return nil }

func (s *stubSearch) RunIndexer(ctx context.Context, _ string) error {
	keys, err := s.blobs.List(ctx, s.destination)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs++
	s.indexed = len(keys)
	return nil
}

func (s *stubSearch) IndexerStatus(context.Context, string) (indexing.IndexerStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return indexing.IndexerStatus{Status: "success", ItemCount: s.indexed, Terminal: true, Succeeded: true}, nil
}

// listScheduler keeps one entry per distinct poll, as the redis queue does.
type listScheduler struct {
	mu    sync.Mutex
	polls []pipeline.IndexingPoll
}

func (l *listScheduler) Schedule(_ context.Context, poll pipeline.IndexingPoll, _ time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !slices.Contains(l.polls, poll) {
		l.polls = append(l.polls, poll)
	}
	return nil
}

func (l *listScheduler) Lease(_ context.Context, _, _ time.Time, limit int) ([]pipeline.IndexingPoll, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := min(limit, len(l.polls))
	due := slices.Clone(l.polls[:n])
	l.polls = l.polls[n:]
	return due, nil
}

func (l *listScheduler) Release(context.Context, pipeline.IndexingPoll, time.Time) error {
	return nil
}

func document(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "Sentence %03d of the enrichment test corpus ends here. ", i)
	}
	return b.String()
}

// TestPipelineEndToEnd drives an ingestion through every stage with each
// message delivered twice and in shuffled order.
func TestPipelineEndToEnd(t *testing.T) {
	ctx := context.Background()
	store := pipelinetest.NewStore()
	blobs := pipelinetest.NewBlobs()
	bus := pipelinetest.NewBus()
	topics := pipeline.DefaultTopics()
	const batchSize = 2

	sources := map[string]string{
		"source/run/a.txt":     document(60),
		"source/run/b.txt":     document(25),
		"source/run/c.txt":     "Short note.",
		"source/run/empty.txt": "",
	}
	wantArtifacts := 0
	for key, text := range sources {
		require.NoError(t, blobs.Put(ctx, key, []byte(text)))
		pages := segmentation.BuildPageMap(segmentation.PlainTextLayout(text))
		wantArtifacts += dispatcher.TotalBatches(len(segmentation.Segment("x", pages, segmentation.Options{})), batchSize)
	}
	require.Greater(t, wantArtifacts, len(sources))

	search := &stubSearch{blobs: blobs, destination: "items/run/"}
	scheduler := &listScheduler{}
	workflow, err := indexing.NewWorkflow(search, store, blobs, scheduler, nil, indexing.Options{PollInterval: time.Millisecond}, nil)
	require.NoError(t, err)
	t.Cleanup(workflow.Close)

	deps := enrichment.Deps{Store: store, Bus: bus, Topics: topics, Retry: resilience.RetryConfig{MaxAttempts: 1}}
	processor := dispatcher.NewProcessor(blobs, nil, dispatcher.New(store, bus, topics, batchSize, nil), segmentation.Options{}, nil, nil)
	enrichmentJoin := join.NewEnrichmentJoin(store, blobs, bus, join.NewSetTracker(store), topics, time.Minute, nil)
	documentJoin := join.NewDocumentJoin(store, workflow, nil, 5, time.Millisecond, nil)
	handlers := map[string]kafka.MessageHandler{
		topics.ProcessDocument:     processor.HandleMessage(),
		topics.Embeddings:          enrichment.NewEmbeddingWorker(stubEmbedder{}, deps).HandleMessage(),
		topics.Keyphrases:          enrichment.NewKeyphraseWorker(stubKeyphrases{}, deps).HandleMessage(),
		topics.Summaries:           enrichment.NewSummaryWorker(stubSummarizer{}, deps).HandleMessage(),
		topics.EnrichmentCompleted: enrichmentJoin.HandleMessage(),
		topics.DocumentCompleted:   documentJoin.HandleMessage(),
	}

	service := trigger.NewService(store, blobs, bus, topics, nil, workflow)
	resp, err := service.Ingest(ctx, &trigger.IngestRequest{
		SourceFolderPath:      "source/run",
		SearchItemsFolderPath: "items/run",
		SearchIndexerName:     "run-indexer",
	})
	require.NoError(t, err)
	assert.Equal(t, len(sources), resp.Documents)

	// Deliver until no stage publishes anything new.
	rng := rand.New(rand.NewPCG(7, 11))
	delivered := map[string]int{}
	for round := 0; round < 20; round++ {
		var batch []pipelinetest.Message
		for topic := range handlers {
			msgs := bus.Messages(topic)
			batch = append(batch, msgs[delivered[topic]:]...)
			delivered[topic] = len(msgs)
		}
		if len(batch) == 0 {
			break
		}
		batch = append(batch, batch...)
		rng.Shuffle(len(batch), func(i, j int) { batch[i], batch[j] = batch[j], batch[i] })
		for _, msg := range batch {
			require.NoError(t, handlers[msg.Topic](ctx, []byte(msg.Key), msg.Payload), "topic %s", msg.Topic)
		}
	}

	in, _, found, err := pipeline.LoadJSON[pipeline.Ingestion](ctx, store, pipeline.IngestionKey(resp.IngestionID))
	require.NoError(t, err)
	require.True(t, found)
	assert.Empty(t, in.PendingDocumentIDs)

	assert.Equal(t, 1, search.runs)
	assert.Equal(t, wantArtifacts, search.indexed)
	assert.Empty(t, store.Keys("section-output-"))

	poller := indexing.NewPoller(workflow, scheduler, time.Second)
	assert.Equal(t, 1, poller.RunDue(ctx))

	st, found, err := workflow.State(ctx, resp.IngestionID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, indexing.StateDone, st.State)
	assert.Equal(t, wantArtifacts, st.Deleted)

	remaining, err := blobs.List(ctx, "items/run/")
	require.NoError(t, err)
	assert.Empty(t, remaining)
	assert.Equal(t, len(sources), blobs.Len())

	status, err := service.Status(ctx, resp.IngestionID)
	require.NoError(t, err)
	assert.Equal(t, "done", status.IndexingState)
	assert.Equal(t, wantArtifacts, status.IndexedItems)
}
