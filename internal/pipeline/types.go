// Package pipeline defines the data model shared by every stage of the
// enrichment pipeline: ingestion records, sections, the JSON event payloads
// carried on the bus, and the key shapes used in the state and blob stores.
package pipeline

import (
	"fmt"
	"slices"
)

// Kind identifies one of the enrichment computations a batch fans out to.
type Kind string

const (
	KindEmbeddings Kind = "embeddings"
	KindKeyphrases Kind = "keyphrases"
	KindSummaries  Kind = "summaries"
)

// Kinds lists every enrichment kind in a fixed order.
var Kinds = []Kind{KindEmbeddings, KindKeyphrases, KindSummaries}

// ParseKind maps a kind name, or the service name used in completion events
// ("generate-embeddings"), to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "embeddings", "embedding", "generate-embeddings":
		return KindEmbeddings, nil
	case "keyphrases", "generate-keyphrases":
		return KindKeyphrases, nil
	case "summaries", "generate-summaries":
		return KindSummaries, nil
	}
	return "", fmt.Errorf("unknown enrichment kind %q", s)
}

// ServiceName is the name a worker reports in its completion event.
func (k Kind) ServiceName() string {
	return "generate-" + string(k)
}

// Ingestion is the persisted record of one ingestion run. Its version token
// travels beside it in the state store, not inside the JSON value.
type Ingestion struct {
	ID                 string   `json:"id,omitempty"`
	PendingDocumentIDs []string `json:"pending_document_ids"`
	SourcePath         string   `json:"source_path,omitempty"`
	DestinationPath    string   `json:"destination_path"`
	IndexerName        string   `json:"indexer_name"`
}

// HasPending reports whether docID is still awaiting completion.
func (in *Ingestion) HasPending(docID string) bool {
	return slices.Contains(in.PendingDocumentIDs, docID)
}

// RemovePending drops docID from the pending set and reports whether it was
// present. Removal is monotonic; nothing ever re-adds an id.
func (in *Ingestion) RemovePending(docID string) bool {
	idx := slices.Index(in.PendingDocumentIDs, docID)
	if idx < 0 {
		return false
	}
	in.PendingDocumentIDs = slices.Delete(in.PendingDocumentIDs, idx, idx+1)
	return true
}

// Section is one unit of content produced by segmentation. The enrichment
// fields are empty until the batch join attaches them positionally.
type Section struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	SourcePage int       `json:"sourcepage"`
	SourceFile string    `json:"sourcefile"`
	Category   string    `json:"category"`
	Embedding  []float32 `json:"embeddings,omitempty"`
	Keyphrases []string  `json:"keyphrases,omitempty"`
	Summary    string    `json:"summaries,omitempty"`
}

// Contents returns the text of each section in order, the input every
// enrichment computation works on.
func Contents(sections []Section) []string {
	texts := make([]string, len(sections))
	for i, s := range sections {
		texts[i] = s.Content
	}
	return texts
}
