package join

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/internal/pipeline"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/internal/pipeline/pipelinetest"
	apperrors "github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/metrics"
)

const (
	testIngestion = "ing-1"
	testDest      = "items/"
)

type fixture struct {
	store   *pipelinetest.Store
	blobs   *pipelinetest.Blobs
	bus     *pipelinetest.Bus
	topics  pipeline.Topics
	starter *countingStarter
}

func newFixture(t *testing.T, docs ...string) *fixture {
	t.Helper()
	f := &fixture{
		store:   pipelinetest.NewStore(),
		blobs:   pipelinetest.NewBlobs(),
		bus:     pipelinetest.NewBus(),
		topics:  pipeline.DefaultTopics(),
		starter: &countingStarter{},
	}
	in := pipeline.Ingestion{
		ID:                 testIngestion,
		PendingDocumentIDs: docs,
		DestinationPath:    testDest,
		IndexerName:        "idx",
	}
	require.NoError(t, pipeline.SaveJSON(context.Background(), f.store, pipeline.IngestionKey(testIngestion), in))
	return f
}

func (f *fixture) enrichmentJoin(tracker CompletionTracker) *EnrichmentJoin {
	if tracker == nil {
		tracker = NewSetTracker(f.store)
	}
	return NewEnrichmentJoin(f.store, f.blobs, f.bus, tracker, f.topics, time.Minute, metrics.NewWithRegistry(nil))
}

func (f *fixture) documentJoin(attempts int) *DocumentJoin {
	return NewDocumentJoin(f.store, f.starter, nil, attempts, time.Millisecond, metrics.NewWithRegistry(nil))
}

func (f *fixture) storeSections(t *testing.T, docID string, batch, n int) {
	t.Helper()
	sections := make([]pipeline.Section, n)
	for i := range sections {
		sections[i] = pipeline.Section{ID: fmt.Sprintf("%s-%d-%d", docID, batch, i), Content: "c", Category: "default"}
	}
	require.NoError(t, pipeline.SaveJSON(context.Background(), f.store, pipeline.SectionKey(docID, batch), sections))
}

func (f *fixture) storeResult(t *testing.T, kind pipeline.Kind, docID string, batch, n int) {
	t.Helper()
	var v any
	switch kind {
	case pipeline.KindEmbeddings:
		out := make([][]float32, n)
		for i := range out {
			out[i] = []float32{float32(i)}
		}
		v = out
	case pipeline.KindKeyphrases:
		out := make([][]string, n)
		for i := range out {
			out[i] = []string{fmt.Sprintf("kp%d", i)}
		}
		v = out
	default:
		out := make([]string, n)
		for i := range out {
			out[i] = fmt.Sprintf("sum%d", i)
		}
		v = out
	}
	require.NoError(t, pipeline.SaveJSON(context.Background(), f.store, pipeline.ResultKey(kind, docID, batch), v))
}

func completion(kind pipeline.Kind, docID string, batch, total int) pipeline.EnrichmentCompleted {
	return pipeline.EnrichmentCompleted{
		IngestionID:    testIngestion,
		DocumentID:     docID,
		ServiceName:    kind.ServiceName(),
		ResultKey:      pipeline.ResultKey(kind, docID, batch),
		BatchNumber:    batch,
		TotalBatchSize: total,
	}
}

type countingStarter struct {
	mu    sync.Mutex
	calls []string
}

func (s *countingStarter) Start(_ context.Context, ingestionID string, _ pipeline.Ingestion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, ingestionID)
	return nil
}

func (s *countingStarter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func permutations(kinds []pipeline.Kind) [][]pipeline.Kind {
	if len(kinds) <= 1 {
		return [][]pipeline.Kind{append([]pipeline.Kind(nil), kinds...)}
	}
	var out [][]pipeline.Kind
	for i, k := range kinds {
		rest := append(append([]pipeline.Kind(nil), kinds[:i]...), kinds[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]pipeline.Kind{k}, p...))
		}
	}
	return out
}

func TestEnrichmentJoinMergesOnceInAnyOrder(t *testing.T) {
	for _, order := range permutations(pipeline.Kinds) {
		t.Run(fmt.Sprint(order), func(t *testing.T) {
			f := newFixture(t, "d1")
			j := f.enrichmentJoin(nil)
			ctx := context.Background()
			f.storeSections(t, "d1", 1, 3)

			var outcomes []Outcome
			for _, kind := range order {
				f.storeResult(t, kind, "d1", 1, 3)
				out, err := j.Handle(ctx, completion(kind, "d1", 1, 1))
				require.NoError(t, err)
				outcomes = append(outcomes, out)
			}
			assert.Equal(t, []Outcome{OutcomeMissingDependency, OutcomeMissingDependency, OutcomeMerged}, outcomes)

			data, err := f.blobs.Get(ctx, pipeline.ArtifactKey(testDest, "d1", 1))
			require.NoError(t, err)
			var merged []pipeline.Section
			require.NoError(t, json.Unmarshal(data, &merged))
			require.Len(t, merged, 3)
			assert.Equal(t, []float32{2}, merged[2].Embedding)
			assert.Equal(t, []string{"kp2"}, merged[2].Keyphrases)
			assert.Equal(t, "sum2", merged[2].Summary)
			assert.Equal(t, "d1-1-2", merged[2].ID)

			assert.Empty(t, f.store.Keys("section-output-"))
			assert.Empty(t, f.store.Keys("embeddings-output-"))
			assert.Len(t, f.bus.Messages(f.topics.DocumentCompleted), 1)

			out, err := j.Handle(ctx, completion(order[0], "d1", 1, 1))
			require.NoError(t, err)
			assert.Equal(t, OutcomeMissingDependency, out, "redelivery after merge is a no-op")
			assert.Len(t, f.bus.Messages(f.topics.DocumentCompleted), 1)
		})
	}
}

func TestEnrichmentJoinConcurrentSiblingsMergeOnce(t *testing.T) {
	f := newFixture(t, "d1")
	j := f.enrichmentJoin(nil)
	f.storeSections(t, "d1", 1, 4)
	for _, kind := range pipeline.Kinds {
		f.storeResult(t, kind, "d1", 1, 4)
	}

	var wg sync.WaitGroup
	results := make(chan Outcome, 3)
	for _, kind := range pipeline.Kinds {
		wg.Add(1)
		go func(kind pipeline.Kind) {
			defer wg.Done()
			out, err := j.Handle(context.Background(), completion(kind, "d1", 1, 1))
			assert.NoError(t, err)
			results <- out
		}(kind)
	}
	wg.Wait()
	close(results)

	merged := 0
	for out := range results {
		if out == OutcomeMerged {
			merged++
		}
	}
	assert.Equal(t, 1, merged)
	assert.Len(t, f.bus.Messages(f.topics.DocumentCompleted), 1)
	assert.Equal(t, 1, f.blobs.Len())
}

func TestEnrichmentJoinLengthMismatch(t *testing.T) {
	f := newFixture(t, "d1")
	j := f.enrichmentJoin(nil)
	f.storeSections(t, "d1", 1, 3)
	f.storeResult(t, pipeline.KindEmbeddings, "d1", 1, 3)
	f.storeResult(t, pipeline.KindKeyphrases, "d1", 1, 2)
	f.storeResult(t, pipeline.KindSummaries, "d1", 1, 3)

	out, err := j.Handle(context.Background(), completion(pipeline.KindSummaries, "d1", 1, 1))
	assert.ErrorIs(t, err, apperrors.ErrDataIntegrity)
	assert.Equal(t, OutcomeIntegrityError, out)
	assert.Zero(t, f.blobs.Len())
	assert.True(t, f.store.Has(pipeline.SectionKey("d1", 1)), "staging keys are left for inspection")
	assert.Empty(t, f.bus.Messages(f.topics.DocumentCompleted))
}

func TestEnrichmentJoinMissingIngestionIsNoop(t *testing.T) {
	f := newFixture(t, "d1")
	require.NoError(t, f.store.Delete(context.Background(), pipeline.IngestionKey(testIngestion)))
	j := f.enrichmentJoin(nil)
	f.storeSections(t, "d1", 1, 1)
	for _, kind := range pipeline.Kinds {
		f.storeResult(t, kind, "d1", 1, 1)
	}

	out, err := j.Handle(context.Background(), completion(pipeline.KindEmbeddings, "d1", 1, 1))
	require.NoError(t, err)
	assert.Equal(t, OutcomeMissingDependency, out)
	assert.Zero(t, f.blobs.Len())
}

func TestEnrichmentJoinPartialDocumentDoesNotComplete(t *testing.T) {
	f := newFixture(t, "d1")
	j := f.enrichmentJoin(nil)
	f.storeSections(t, "d1", 1, 2)
	for _, kind := range pipeline.Kinds {
		f.storeResult(t, kind, "d1", 1, 2)
	}

	out, err := j.Handle(context.Background(), completion(pipeline.KindKeyphrases, "d1", 1, 2))
	require.NoError(t, err)
	assert.Equal(t, OutcomeMerged, out)
	assert.Empty(t, f.bus.Messages(f.topics.DocumentCompleted))
}

func TestEnrichmentJoinReleasesClaimOnFailure(t *testing.T) {
	f := newFixture(t, "d1")
	j := f.enrichmentJoin(nil)
	f.storeSections(t, "d1", 1, 1)
	for _, kind := range pipeline.Kinds {
		f.storeResult(t, kind, "d1", 1, 1)
	}
	f.bus.Fail = func(string) error { return errors.New("broker down") }

	_, err := j.Handle(context.Background(), completion(pipeline.KindEmbeddings, "d1", 1, 1))
	require.Error(t, err)
	assert.False(t, f.store.Has(pipeline.MergeClaimKey("d1", 1)))
	assert.True(t, f.store.Has(pipeline.SectionKey("d1", 1)))

	f.bus.Fail = nil
	out, err := j.Handle(context.Background(), completion(pipeline.KindEmbeddings, "d1", 1, 1))
	require.NoError(t, err)
	assert.Equal(t, OutcomeMerged, out)
	assert.Len(t, f.bus.Messages(f.topics.DocumentCompleted), 1)
}

func TestEnrichmentJoinRedeliveryFinishesClaimedMerge(t *testing.T) {
	f := newFixture(t, "d1")
	j := f.enrichmentJoin(nil)
	ctx := context.Background()
	f.storeSections(t, "d1", 1, 2)
	for _, kind := range pipeline.Kinds {
		f.storeResult(t, kind, "d1", 1, 2)
	}

	// The embeddings handler claimed the merge and died before finishing it.
	claimKey := pipeline.MergeClaimKey("d1", 1)
	_, err := f.store.SetNX(ctx, claimKey, []byte(pipeline.KindEmbeddings.ServiceName()), time.Minute)
	require.NoError(t, err)

	for _, kind := range []pipeline.Kind{pipeline.KindKeyphrases, pipeline.KindSummaries} {
		out, err := j.Handle(ctx, completion(kind, "d1", 1, 1))
		require.NoError(t, err)
		assert.Equal(t, OutcomeClaimedElsewhere, out, kind)
	}
	assert.Empty(t, f.bus.Messages(f.topics.DocumentCompleted))

	out, err := j.Handle(ctx, completion(pipeline.KindEmbeddings, "d1", 1, 1))
	require.NoError(t, err)
	assert.Equal(t, OutcomeMerged, out)

	data, err := f.blobs.Get(ctx, pipeline.ArtifactKey(testDest, "d1", 1))
	require.NoError(t, err)
	var merged []pipeline.Section
	require.NoError(t, json.Unmarshal(data, &merged))
	require.Len(t, merged, 2)
	assert.Equal(t, "sum1", merged[1].Summary)
	assert.Len(t, f.bus.Messages(f.topics.DocumentCompleted), 1)
	assert.False(t, f.store.Has(pipeline.SectionKey("d1", 1)))
}

// runIngestion drives every batch of every document through both joins the
// way the bus would, returning the DocumentCompleted events seen.
func runIngestion(t *testing.T, f *fixture, tracker CompletionTracker, docs []string, sectionsPerDoc, batchSize int) []pipeline.DocumentCompleted {
	t.Helper()
	ctx := context.Background()
	ej := f.enrichmentJoin(tracker)
	total := (sectionsPerDoc + batchSize - 1) / batchSize

	for _, doc := range docs {
		for b := 1; b <= total; b++ {
			n := batchSize
			if rem := sectionsPerDoc - (b-1)*batchSize; rem < n {
				n = rem
			}
			f.storeSections(t, doc, b, n)
			for _, kind := range pipeline.Kinds {
				f.storeResult(t, kind, doc, b, n)
				_, err := ej.Handle(ctx, completion(kind, doc, b, total))
				require.NoError(t, err)
			}
		}
	}

	dj := f.documentJoin(5)
	events := pipelinetest.Decode[pipeline.DocumentCompleted](f.bus, f.topics.DocumentCompleted)
	for _, ev := range events {
		require.NoError(t, dj.Handle(ctx, ev))
	}
	return events
}

func TestFullIngestionStartsIndexingOnce(t *testing.T) {
	docs := []string{"d1", "d2", "d3"}
	f := newFixture(t, docs...)

	events := runIngestion(t, f, nil, docs, 10, 5)

	assert.Len(t, events, 3)
	assert.Equal(t, 6, f.blobs.Len())
	assert.Equal(t, 1, f.starter.count())

	in, _, found, err := pipeline.LoadJSON[pipeline.Ingestion](context.Background(), f.store, pipeline.IngestionKey(testIngestion))
	require.NoError(t, err)
	require.True(t, found)
	assert.Empty(t, in.PendingDocumentIDs)
}

func TestFullIngestionWithListingTracker(t *testing.T) {
	docs := []string{"d1", "d2"}
	f := newFixture(t, docs...)

	events := runIngestion(t, f, NewListingTracker(f.blobs), docs, 7, 3)

	assert.Len(t, events, 2)
	assert.Equal(t, 6, f.blobs.Len())
	assert.Equal(t, 1, f.starter.count())
}

func TestDocumentJoinPreservesConcurrentRemoval(t *testing.T) {
	f := newFixture(t, "d1", "d2", "d3")
	ctx := context.Background()
	var once sync.Once
	f.store.BeforeCAS = func(key string) {
		once.Do(func() {
			// Another instance removes d2 between our read and our write.
			in, _, _, err := pipeline.LoadJSON[pipeline.Ingestion](ctx, f.store, key)
			require.NoError(t, err)
			in.RemovePending("d2")
			require.NoError(t, pipeline.SaveJSON(ctx, f.store, key, in))
		})
	}
	dj := f.documentJoin(5)

	require.NoError(t, dj.Handle(ctx, pipeline.DocumentCompleted{IngestionID: testIngestion, DocumentID: "d1"}))

	in, _, _, err := pipeline.LoadJSON[pipeline.Ingestion](ctx, f.store, pipeline.IngestionKey(testIngestion))
	require.NoError(t, err)
	assert.Equal(t, []string{"d3"}, in.PendingDocumentIDs)
	assert.Zero(t, f.starter.count())
}

func TestDocumentJoinGivesUpAfterRepeatedConflicts(t *testing.T) {
	f := newFixture(t, "d1", "d2")
	ctx := context.Background()
	f.store.BeforeCAS = func(key string) {
		v, err := f.store.Get(ctx, key)
		require.NoError(t, err)
		require.NoError(t, f.store.Set(ctx, key, v.Value))
	}
	dj := f.documentJoin(3)

	err := dj.Handle(ctx, pipeline.DocumentCompleted{IngestionID: testIngestion, DocumentID: "d1"})
	assert.ErrorIs(t, err, apperrors.ErrConcurrencyConflict)
}

func TestDocumentJoinAbsentIDSkipsWrite(t *testing.T) {
	f := newFixture(t, "d2")
	ctx := context.Background()
	before, err := f.store.Get(ctx, pipeline.IngestionKey(testIngestion))
	require.NoError(t, err)

	require.NoError(t, f.documentJoin(5).Handle(ctx, pipeline.DocumentCompleted{IngestionID: testIngestion, DocumentID: "d1"}))

	after, err := f.store.Get(ctx, pipeline.IngestionKey(testIngestion))
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
	assert.Zero(t, f.starter.count())
}

func TestDocumentJoinRedeliveryAfterEmptyReachesStarter(t *testing.T) {
	f := newFixture(t, "d1")
	ctx := context.Background()
	dj := f.documentJoin(5)
	ev := pipeline.DocumentCompleted{IngestionID: testIngestion, DocumentID: "d1"}

	require.NoError(t, dj.Handle(ctx, ev))
	require.NoError(t, dj.Handle(ctx, ev))
	assert.Equal(t, 2, f.starter.count(), "the starter itself deduplicates")
}

func TestDocumentJoinMissingRecordIsNoop(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Delete(context.Background(), pipeline.IngestionKey(testIngestion)))

	err := f.documentJoin(5).Handle(context.Background(), pipeline.DocumentCompleted{IngestionID: testIngestion, DocumentID: "d1"})
	require.NoError(t, err)
	assert.Zero(t, f.starter.count())
}

func TestHandleMessageMalformed(t *testing.T) {
	f := newFixture(t, "d1")
	err := f.enrichmentJoin(nil).HandleMessage()(context.Background(), nil, []byte("nope"))
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	err = f.documentJoin(5).HandleMessage()(context.Background(), nil, []byte("nope"))
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}
