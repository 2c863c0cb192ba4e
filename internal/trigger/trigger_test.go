package trigger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/internal/indexing"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/internal/pipeline"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/internal/pipeline/pipelinetest"
)

type env struct {
	store   *pipelinetest.Store
	blobs   *pipelinetest.Blobs
	bus     *pipelinetest.Bus
	topics  pipeline.Topics
	service *Service
	mux     *http.ServeMux
}

func newEnv(t *testing.T, sources ...string) *env {
	t.Helper()
	e := &env{
		store:  pipelinetest.NewStore(),
		blobs:  pipelinetest.NewBlobs(),
		bus:    pipelinetest.NewBus(),
		topics: pipeline.DefaultTopics(),
	}
	for _, s := range sources {
		require.NoError(t, e.blobs.Put(context.Background(), s, []byte("data")))
	}
	e.service = NewService(e.store, e.blobs, e.bus, e.topics, nil, indexing.NewStateReader(e.store))
	n := 0
	e.service.newID = func() string {
		n++
		return fmt.Sprintf("id%d", n)
	}
	e.mux = http.NewServeMux()
	NewHandler(e.service).Register(e.mux)
	return e
}

func (e *env) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, httptest.NewRequest(method, path, &buf))
	return rec
}

func validRequest() IngestRequest {
	return IngestRequest{
		SourceFolderPath:      "source/run1",
		SearchItemsFolderPath: "items/run1",
		SearchIndexerName:     "run1-indexer",
	}
}

func TestValidateIngestRequest(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*IngestRequest)
		field  string
	}{
		{"missing source", func(r *IngestRequest) { r.SourceFolderPath = " " }, "source_folder_path"},
		{"missing items", func(r *IngestRequest) { r.SearchItemsFolderPath = "" }, "searchitems_folder_path"},
		{"items inside source", func(r *IngestRequest) { r.SearchItemsFolderPath = "source/run1/out" }, "searchitems_folder_path"},
		{"source inside items", func(r *IngestRequest) { r.SearchItemsFolderPath = "source" }, "searchitems_folder_path"},
		{"uppercase indexer", func(r *IngestRequest) { r.SearchIndexerName = "Run1" }, "searchindexer_name"},
		{"missing indexer", func(r *IngestRequest) { r.SearchIndexerName = "" }, "searchindexer_name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(&req)
			err := ValidateIngestRequest(&req)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Contains(t, verr.Fields, tt.field)
		})
	}
	req := validRequest()
	assert.NoError(t, ValidateIngestRequest(&req))
}

func TestNormalizePrefix(t *testing.T) {
	assert.Equal(t, "a/b/", NormalizePrefix("/a/b"))
	assert.Equal(t, "a/b/", NormalizePrefix("a/b/"))
	assert.Equal(t, "", NormalizePrefix(""))
}

func TestIngestWritesRecordThenPublishes(t *testing.T) {
	e := newEnv(t, "source/run1/a.pdf", "source/run1/b.pdf", "source/run1/", "source/other/c.pdf")

	rec := e.do(http.MethodPost, "/api/v1/ingestions", validRequest())
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp IngestResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "id1", resp.IngestionID)
	assert.Equal(t, 2, resp.Documents)

	in, _, found, err := pipeline.LoadJSON[pipeline.Ingestion](context.Background(), e.store, pipeline.IngestionKey("id1"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "items/run1/", in.DestinationPath)
	assert.Equal(t, "run1-indexer", in.IndexerName)
	assert.Len(t, in.PendingDocumentIDs, 2)

	events := pipelinetest.Decode[pipeline.ProcessDocumentEvent](e.bus, e.topics.ProcessDocument)
	require.Len(t, events, 2)
	var blobs []string
	for _, ev := range events {
		assert.Equal(t, "id1", ev.IngestionID)
		assert.True(t, in.HasPending(ev.DocumentID))
		blobs = append(blobs, ev.BlobName)
	}
	sort.Strings(blobs)
	assert.Equal(t, []string{"source/run1/a.pdf", "source/run1/b.pdf"}, blobs)
}

func TestIngestEmptySourceIsRejected(t *testing.T) {
	e := newEnv(t, "source/other/c.pdf")

	rec := e.do(http.MethodPost, "/api/v1/ingestions", validRequest())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "no documents found")
	assert.Empty(t, e.store.Keys("ingestion-"))
}

func TestIngestInvalidBody(t *testing.T) {
	e := newEnv(t)
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/ingestions", bytes.NewBufferString("{")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(http.MethodPost, "/api/v1/ingestions", IngestRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "validation failed")
}

func TestIngestIdempotencyKey(t *testing.T) {
	e := newEnv(t, "source/run1/a.pdf")
	req := validRequest()
	req.IdempotencyKey = "nightly-2026-10-15"

	first := e.do(http.MethodPost, "/api/v1/ingestions", req)
	require.Equal(t, http.StatusAccepted, first.Code)
	second := e.do(http.MethodPost, "/api/v1/ingestions", req)
	require.Equal(t, http.StatusOK, second.Code)

	var resp IngestResponse
	require.NoError(t, json.NewDecoder(second.Body).Decode(&resp))
	assert.True(t, resp.Duplicate)
	assert.Equal(t, "id1", resp.IngestionID)
	assert.Len(t, e.bus.Messages(e.topics.ProcessDocument), 1)
}

func TestIngestPublishFailureReleasesIdempotencyKey(t *testing.T) {
	e := newEnv(t, "source/run1/a.pdf")
	e.bus.Fail = func(string) error { return errors.New("broker down") }
	req := validRequest()
	req.IdempotencyKey = "retry-me"

	rec := e.do(http.MethodPost, "/api/v1/ingestions", req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.False(t, e.store.Has(idempotencyKey("retry-me")))
}

func TestStatus(t *testing.T) {
	e := newEnv(t, "source/run1/a.pdf", "source/run1/b.pdf")
	require.Equal(t, http.StatusAccepted, e.do(http.MethodPost, "/api/v1/ingestions", validRequest()).Code)
	require.NoError(t, pipeline.SaveJSON(context.Background(), e.store, pipeline.WorkflowKey("id1"), indexing.WorkflowState{
		IngestionID: "id1",
		State:       indexing.StateRunning,
		Polls:       3,
	}))

	rec := e.do(http.MethodGet, "/api/v1/ingestions/id1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp StatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 2, resp.PendingDocuments)
	assert.Equal(t, "running", resp.IndexingState)
	assert.Equal(t, 3, resp.IndexingPolls)

	assert.Equal(t, http.StatusNotFound, e.do(http.MethodGet, "/api/v1/ingestions/missing", nil).Code)
}

func TestRecentWithoutLedger(t *testing.T) {
	e := newEnv(t)
	rec := e.do(http.MethodGet, "/api/v1/ingestions?limit=5", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"runs":[]}`, rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodGet, "/api/v1/ingestions?limit=0", nil).Code)
}
