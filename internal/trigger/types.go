// Package trigger starts ingestion runs. It enumerates the source documents
// of a run, persists the ingestion record, and fans out one process-document
// event per document.
package trigger

// IngestRequest is the JSON body accepted by POST /api/v1/ingestions.
type IngestRequest struct {
	SourceFolderPath      string `json:"source_folder_path"`
	SearchItemsFolderPath string `json:"searchitems_folder_path"`
	SearchIndexerName     string `json:"searchindexer_name"`
	IdempotencyKey        string `json:"idempotency_key,omitempty"`
}

// IngestResponse is returned once every document event is published.
type IngestResponse struct {
	IngestionID string `json:"ingestion_id"`
	Documents   int    `json:"documents"`
	Duplicate   bool   `json:"duplicate,omitempty"`
}

// StatusResponse describes a run's progress.
type StatusResponse struct {
	IngestionID      string   `json:"ingestion_id"`
	PendingDocuments int      `json:"pending_documents"`
	PendingIDs       []string `json:"pending_ids,omitempty"`
	DestinationPath  string   `json:"destination_path"`
	IndexerName      string   `json:"indexer_name"`
	IndexingState    string   `json:"indexing_state,omitempty"`
	IndexingPolls    int      `json:"indexing_polls,omitempty"`
	IndexedItems     int      `json:"indexed_items,omitempty"`
	IndexingError    string   `json:"indexing_error,omitempty"`
}
