package pipeline

import "fmt"

// IngestionKey is the state-store key of an ingestion record.
func IngestionKey(ingestionID string) string {
	return "ingestion-" + ingestionID
}

// SectionKey is the state-store key of a batch's raw section list.
func SectionKey(docID string, batch int) string {
	return fmt.Sprintf("section-output-%s-batch-%d", docID, batch)
}

// ResultKey is the state-store key of one enrichment kind's result list.
func ResultKey(kind Kind, docID string, batch int) string {
	return fmt.Sprintf("%s-output-%s-batch-%d", kind, docID, batch)
}

// ArtifactPrefix is the blob prefix shared by every merged artifact of a
// document.
func ArtifactPrefix(destination, docID string) string {
	return fmt.Sprintf("%s%s-batch-", destination, docID)
}

// ArtifactKey is the blob key of one merged batch artifact.
func ArtifactKey(destination, docID string, batch int) string {
	return fmt.Sprintf("%s%d.json", ArtifactPrefix(destination, docID), batch)
}

// CompletedBatchesKey holds the set of batch numbers merged for a document.
func CompletedBatchesKey(docID string) string {
	return "completed-batches-" + docID
}

// MergeClaimKey guards a single merge of (document, batch).
func MergeClaimKey(docID string, batch int) string {
	return fmt.Sprintf("merge-claim-%s-batch-%d", docID, batch)
}

// WorkflowKey is the state-store key of an ingestion's indexing workflow state.
func WorkflowKey(ingestionID string) string {
	return "indexing-" + ingestionID
}

// WorkflowClaimKey guards provisioning of an ingestion's indexing resources.
func WorkflowClaimKey(ingestionID string) string {
	return "indexing-claim-" + ingestionID
}
