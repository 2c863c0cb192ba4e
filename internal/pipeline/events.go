package pipeline

// ProcessDocumentEvent asks the processor to segment and dispatch one source
// document.
type ProcessDocumentEvent struct {
	IngestionID string `json:"ingestion_id"`
	DocumentID  string `json:"doc_id"`
	BlobName    string `json:"blob_name"`
}

// EnrichmentRequest asks one enrichment worker to process a stored batch.
type EnrichmentRequest struct {
	IngestionID    string `json:"ingestion_id"`
	DocumentID     string `json:"doc_id"`
	BatchKey       string `json:"batch_key"`
	BatchNumber    int    `json:"batch_nr"`
	TotalBatchSize int    `json:"total_batch_size"`
}

// EnrichmentCompleted reports that one enrichment kind stored its result for
// a batch.
type EnrichmentCompleted struct {
	IngestionID    string `json:"ingestion_id"`
	DocumentID     string `json:"doc_id"`
	ServiceName    string `json:"service_name"`
	ResultKey      string `json:"result_key"`
	BatchNumber    int    `json:"batch_nr"`
	TotalBatchSize int    `json:"total_batch_size"`
}

// DocumentCompleted reports that every batch artifact of a document is stored.
type DocumentCompleted struct {
	IngestionID string `json:"ingestion_id"`
	DocumentID  string `json:"doc_id"`
}

// IndexingPoll is a scheduled status check of a running indexer. Attempt 0
// is a start check instead: it resumes an indexing start whose claim holder
// may have died, and carries what the start needs.
type IndexingPoll struct {
	IngestionID     string `json:"ingestion_id"`
	Attempt         int    `json:"attempt"`
	IndexerName     string `json:"indexer_name,omitempty"`
	DestinationPath string `json:"destination_path,omitempty"`
}

// IsStartCheck reports whether p resumes a start rather than polling a run.
func (p IndexingPoll) IsStartCheck() bool {
	return p.Attempt == 0
}

// Topics names the bus topic of every stage.
type Topics struct {
	ProcessDocument     string
	Embeddings          string
	Keyphrases          string
	Summaries           string
	EnrichmentCompleted string
	DocumentCompleted   string
}

// DefaultTopics returns the topic names used when none are configured.
func DefaultTopics() Topics {
	return Topics{
		ProcessDocument:     "process-document",
		Embeddings:          "generate-embeddings",
		Keyphrases:          "generate-keyphrases",
		Summaries:           "generate-summaries",
		EnrichmentCompleted: "enrichment-completed",
		DocumentCompleted:   "document-completed",
	}
}

// Request returns the topic carrying enrichment requests of kind.
func (t Topics) Request(kind Kind) string {
	switch kind {
	case KindEmbeddings:
		return t.Embeddings
	case KindKeyphrases:
		return t.Keyphrases
	default:
		return t.Summaries
	}
}
