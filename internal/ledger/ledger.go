// Package ledger keeps a PostgreSQL history of ingestion runs and the status
// of every document in them. The ledger is an operator aid: pipeline
// correctness never depends on it, so a Ledger without a database accepts
// every write and records nothing.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/internal/pipeline"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/postgres"
)

// Document statuses.
const (
	StatusPending    = "PENDING"
	StatusDispatched = "DISPATCHED"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
)

// Ingestion statuses.
const (
	StatusRunning  = "RUNNING"
	StatusIndexing = "INDEXING"
	StatusIndexed  = "INDEXED"
)

const schema = `
CREATE TABLE IF NOT EXISTS ingestions (
	id               TEXT PRIMARY KEY,
	source_path      TEXT NOT NULL,
	destination_path TEXT NOT NULL,
	indexer_name     TEXT NOT NULL,
	document_count   INTEGER NOT NULL,
	status           TEXT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS ingestion_documents (
	ingestion_id TEXT NOT NULL REFERENCES ingestions(id) ON DELETE CASCADE,
	doc_id       TEXT NOT NULL,
	blob_name    TEXT NOT NULL,
	status       TEXT NOT NULL,
	sections     INTEGER NOT NULL DEFAULT 0,
	batches      INTEGER NOT NULL DEFAULT 0,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (ingestion_id, doc_id)
);`

// Run is one row of the ingestion history.
type Run struct {
	ID              string    `json:"id"`
	SourcePath      string    `json:"source_path"`
	DestinationPath string    `json:"destination_path"`
	IndexerName     string    `json:"indexer_name"`
	DocumentCount   int       `json:"document_count"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Ledger writes run history. The zero value and a Ledger built from a nil
// client are valid and discard all writes.
type Ledger struct {
	pg     *postgres.Client
	logger *slog.Logger
}

func New(pg *postgres.Client) *Ledger {
	return &Ledger{
		pg:     pg,
		logger: slog.Default().With("component", "ledger"),
	}
}

// Enabled reports whether writes reach a database.
func (l *Ledger) Enabled() bool {
	return l != nil && l.pg != nil
}

// EnsureSchema creates the ledger tables if they are missing.
func (l *Ledger) EnsureSchema(ctx context.Context) error {
	if !l.Enabled() {
		return nil
	}
	if _, err := l.pg.DB.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating ledger schema: %w", err)
	}
	return nil
}

// RecordIngestion stores a new run and one pending row per document, keyed
// by document id with its source blob name.
func (l *Ledger) RecordIngestion(ctx context.Context, in pipeline.Ingestion, blobs map[string]string) error {
	if !l.Enabled() {
		return nil
	}
	return l.pg.InTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO ingestions (id, source_path, destination_path, indexer_name, document_count, status)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (id) DO NOTHING`,
			in.ID, in.SourcePath, in.DestinationPath, in.IndexerName, len(in.PendingDocumentIDs), StatusRunning,
		)
		if err != nil {
			return fmt.Errorf("inserting ingestion %s: %w", in.ID, err)
		}
		for _, docID := range in.PendingDocumentIDs {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO ingestion_documents (ingestion_id, doc_id, blob_name, status)
				 VALUES ($1, $2, $3, $4)
				 ON CONFLICT (ingestion_id, doc_id) DO NOTHING`,
				in.ID, docID, blobs[docID], StatusPending,
			)
			if err != nil {
				return fmt.Errorf("inserting document %s: %w", docID, err)
			}
		}
		return nil
	})
}

// MarkDispatched records how a document was split once its batches are out.
func (l *Ledger) MarkDispatched(ctx context.Context, ingestionID, docID string, sections, batches int) {
	l.exec(ctx, "mark dispatched",
		`UPDATE ingestion_documents SET status = $1, sections = $2, batches = $3, updated_at = NOW()
		 WHERE ingestion_id = $4 AND doc_id = $5`,
		StatusDispatched, sections, batches, ingestionID, docID,
	)
}

// SetDocumentStatus updates one document's status.
func (l *Ledger) SetDocumentStatus(ctx context.Context, ingestionID, docID, status string) {
	l.exec(ctx, "set document status",
		`UPDATE ingestion_documents SET status = $1, updated_at = NOW()
		 WHERE ingestion_id = $2 AND doc_id = $3`,
		status, ingestionID, docID,
	)
}

// SetIngestionStatus updates a run's status.
func (l *Ledger) SetIngestionStatus(ctx context.Context, ingestionID, status string) {
	l.exec(ctx, "set ingestion status",
		`UPDATE ingestions SET status = $1, updated_at = NOW() WHERE id = $2`,
		status, ingestionID,
	)
}

// Recent returns the latest runs, newest first.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]Run, error) {
	if !l.Enabled() {
		return nil, nil
	}
	rows, err := l.pg.DB.QueryContext(ctx,
		`SELECT id, source_path, destination_path, indexer_name, document_count, status, created_at, updated_at
		 FROM ingestions ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying ingestions: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.SourcePath, &r.DestinationPath, &r.IndexerName,
			&r.DocumentCount, &r.Status, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning ingestion row: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// exec runs a best-effort status write. Failures are logged, never returned:
// a lagging ledger must not cause a message redelivery.
func (l *Ledger) exec(ctx context.Context, op, query string, args ...any) {
	if !l.Enabled() {
		return
	}
	if _, err := l.pg.DB.ExecContext(ctx, query, args...); err != nil {
		l.logger.Warn("ledger write failed", "op", op, "error", err)
	}
}
