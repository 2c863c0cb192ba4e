package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/internal/pipeline"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/internal/trigger"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/redis"
)

func setup(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, redis.NewFromRedis(rdb)
}

func run(t *testing.T, mr *miniredis.Miniredis, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &out
	err := app.Run(append([]string{"ingestctl", "--config", "", "--redis", mr.Addr()}, args...))
	return out.String(), err
}

func TestStatusCommand(t *testing.T) {
	mr, rdb := setup(t)
	require.NoError(t, pipeline.SaveJSON(context.Background(), rdb, pipeline.IngestionKey("run-1"), pipeline.Ingestion{
		ID:                 "run-1",
		PendingDocumentIDs: []string{"d1"},
		DestinationPath:    "items/",
		IndexerName:        "run-1-indexer",
	}))

	out, err := run(t, mr, "status", "--id", "run-1")
	require.NoError(t, err)

	var status trigger.StatusResponse
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.Equal(t, 1, status.PendingDocuments)
	assert.Equal(t, "run-1-indexer", status.IndexerName)
	assert.Empty(t, status.IndexingState)
}

func TestStatusCommandUnknownIngestion(t *testing.T) {
	mr, _ := setup(t)
	_, err := run(t, mr, "status", "--id", "nope")
	assert.Error(t, err)
}

func TestPurgeCommand(t *testing.T) {
	mr, rdb := setup(t)
	ctx := context.Background()
	for _, key := range []string{
		pipeline.SectionKey("d1", 1),
		pipeline.ResultKey(pipeline.KindEmbeddings, "d1", 1),
		pipeline.MergeClaimKey("d1", 1),
		pipeline.SectionKey("d2", 1),
		pipeline.IngestionKey("run-1"),
	} {
		require.NoError(t, rdb.Set(ctx, key, []byte("x")))
	}
	_, _, err := rdb.AddAndCount(ctx, pipeline.CompletedBatchesKey("d1"), 1)
	require.NoError(t, err)

	out, err := run(t, mr, "purge", "--doc", "d1")
	require.NoError(t, err)
	assert.Contains(t, out, "deleted 4 keys")

	assert.True(t, mr.Exists(pipeline.SectionKey("d2", 1)))
	assert.True(t, mr.Exists(pipeline.IngestionKey("run-1")))
	assert.False(t, mr.Exists(pipeline.MergeClaimKey("d1", 1)))
}

func TestPollsCommand(t *testing.T) {
	mr, _ := setup(t)
	out, err := run(t, mr, "polls")
	require.NoError(t, err)
	assert.Contains(t, out, "0 indexing polls scheduled")
}

func TestRunsCommandRequiresLedger(t *testing.T) {
	mr, _ := setup(t)
	_, err := run(t, mr, "runs")
	assert.Error(t, err)
}

func TestStatusRequiresID(t *testing.T) {
	mr, _ := setup(t)
	_, err := run(t, mr, "status")
	assert.Error(t, err)
}
