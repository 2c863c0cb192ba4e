package join

import (
	"context"
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/internal/pipeline"
)

// CompletionTracker records that a batch artifact is stored and reports how
// many batches of the document are done.
type CompletionTracker interface {
	MarkMerged(ctx context.Context, destination, docID string, batch int) (int, error)
}

// BatchSet is an atomic add-then-count set of batch numbers.
type BatchSet interface {
	AddAndCount(ctx context.Context, key string, member int) (bool, int, error)
}

// SetTracker keeps an explicit set of merged batch numbers per document.
// Concurrent merges of different batches each observe a distinct count, so
// only one of them sees the total.
type SetTracker struct {
	set BatchSet
}

func NewSetTracker(set BatchSet) *SetTracker {
	return &SetTracker{set: set}
}

func (t *SetTracker) MarkMerged(ctx context.Context, _ string, docID string, batch int) (int, error) {
	_, n, err := t.set.AddAndCount(ctx, pipeline.CompletedBatchesKey(docID), batch)
	if err != nil {
		return 0, fmt.Errorf("recording merged batch %d of %s: %w", batch, docID, err)
	}
	return n, nil
}

// ListingTracker counts the stored artifacts of a document. Two merges
// finishing together may both see the total; DocumentJoin tolerates the
// duplicate completion.
type ListingTracker struct {
	blobs pipeline.BlobStore
}

func NewListingTracker(blobs pipeline.BlobStore) *ListingTracker {
	return &ListingTracker{blobs: blobs}
}

func (t *ListingTracker) MarkMerged(ctx context.Context, destination, docID string, _ int) (int, error) {
	keys, err := t.blobs.List(ctx, pipeline.ArtifactPrefix(destination, docID))
	if err != nil {
		return 0, fmt.Errorf("listing artifacts of %s: %w", docID, err)
	}
	return len(keys), nil
}
