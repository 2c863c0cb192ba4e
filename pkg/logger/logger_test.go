package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("chatty"))
}

func TestContextIdentifiersReachRecords(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "info", "json")
	ctx := WithDocument(WithIngestion(context.Background(), "ing-1"), "doc.pdf")

	log.InfoContext(ctx, "batch stored", "batch_nr", 2)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "ing-1", rec["ingestion_id"])
	assert.Equal(t, "doc.pdf", rec["doc_id"])
	assert.EqualValues(t, 2, rec["batch_nr"])
}

func TestFromContextBindsIdentifiers(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(New(&buf, "debug", "text"))
	t.Cleanup(func() { slog.SetDefault(prev) })

	FromContext(WithIngestion(context.Background(), "ing-9")).Debug("polled")
	assert.Contains(t, buf.String(), "ingestion_id=ing-9")

	buf.Reset()
	FromContext(context.Background()).Info("plain")
	assert.NotContains(t, buf.String(), "ingestion_id")
}
