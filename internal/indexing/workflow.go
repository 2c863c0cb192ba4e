// Package indexing provisions the search resources of a finished ingestion,
// runs the indexer, tracks it through scheduled status polls, and removes the
// staged artifacts once indexing succeeds.
package indexing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/internal/ledger"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/internal/pipeline"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/resilience"
)

// State is the position of an ingestion in the indexing workflow.
type State string

const (
	StateDataSourceCreated State = "datasource_created"
	StateIndexCreated      State = "index_created"
	StateIndexerCreated    State = "indexer_created"
	StateRunning           State = "running"
	StateSucceeded         State = "succeeded"
	StateFailed            State = "failed"
	StateDone              State = "done"
)

// provisioning reports whether the workflow stopped before its indexer run.
func (s State) provisioning() bool {
	return s == StateDataSourceCreated || s == StateIndexCreated || s == StateIndexerCreated
}

// WorkflowState is persisted under pipeline.WorkflowKey.
type WorkflowState struct {
	IngestionID     string    `json:"ingestion_id"`
	IndexerName     string    `json:"indexer_name"`
	DestinationPath string    `json:"destination_path"`
	State           State     `json:"state"`
	RunAt           time.Time `json:"run_at,omitempty"`
	Polls           int       `json:"polls"`
	ItemCount       int       `json:"item_count"`
	Deleted         int       `json:"deleted"`
	Error           string    `json:"error,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Options tune a Workflow. Zero values select the defaults.
type Options struct {
	Container        string
	ConnectionString string
	VectorDimensions int
	PollInterval     time.Duration
	MaxPollAttempts  int
	StatusTimeout    time.Duration
	ClaimTTL         time.Duration
	CleanupWorkers   int
}

func (o *Options) withDefaults() {
	if o.VectorDimensions <= 0 {
		o.VectorDimensions = 1536
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.MaxPollAttempts <= 0 {
		o.MaxPollAttempts = 360
	}
	if o.StatusTimeout <= 0 {
		o.StatusTimeout = 30 * time.Second
	}
	if o.ClaimTTL <= 0 {
		o.ClaimTTL = 10 * time.Minute
	}
	if o.CleanupWorkers <= 0 {
		o.CleanupWorkers = 8
	}
}

// Workflow drives indexing for completed ingestions.
type Workflow struct {
	search    IndexService
	store     pipeline.StateStore
	blobs     pipeline.BlobStore
	scheduler PollScheduler
	ledger    *ledger.Ledger
	opts      Options
	pool      *ants.Pool
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

func NewWorkflow(
	search IndexService,
	store pipeline.StateStore,
	blobs pipeline.BlobStore,
	scheduler PollScheduler,
	l *ledger.Ledger,
	opts Options,
	m *metrics.Metrics,
) (*Workflow, error) {
	opts.withDefaults()
	pool, err := ants.NewPool(opts.CleanupWorkers)
	if err != nil {
		return nil, fmt.Errorf("creating cleanup pool: %w", err)
	}
	return &Workflow{
		search:    search,
		store:     store,
		blobs:     blobs,
		scheduler: scheduler,
		ledger:    l,
		opts:      opts,
		pool:      pool,
		metrics:   metrics.OrNoop(m),
		logger:    slog.Default().With("component", "indexing-workflow"),
		now:       time.Now,
	}, nil
}

// Close releases the cleanup pool.
func (w *Workflow) Close() {
	w.pool.Release()
}

// State returns the persisted workflow state of an ingestion.
func (w *Workflow) State(ctx context.Context, ingestionID string) (WorkflowState, bool, error) {
	return NewStateReader(w.store).State(ctx, ingestionID)
}

// StateReader reads workflow state without driving the workflow.
type StateReader struct {
	store pipeline.StateStore
}

func NewStateReader(store pipeline.StateStore) *StateReader {
	return &StateReader{store: store}
}

func (r *StateReader) State(ctx context.Context, ingestionID string) (WorkflowState, bool, error) {
	st, _, found, err := pipeline.LoadJSON[WorkflowState](ctx, r.store, pipeline.WorkflowKey(ingestionID))
	return st, found, err
}

// Start provisions the datasource, index and indexer, runs the indexer and
// schedules the first status poll. It is safe to call again for the same
// ingestion: a running workflow only gets its next poll scheduled again, and
// a start claimed by another caller is checked later through a start check
// in the poll queue, so a claim holder that dies does not stall indexing.
func (w *Workflow) Start(ctx context.Context, ingestionID string, in pipeline.Ingestion) error {
	ctx = logger.WithIngestion(ctx, ingestionID)
	log := logger.FromContext(ctx).With("indexer", in.IndexerName)

	st, found, err := w.State(ctx, ingestionID)
	if err != nil {
		return err
	}
	if found && !st.State.provisioning() {
		switch st.State {
		case StateRunning, StateSucceeded:
			log.Info("indexing already started, ensuring a poll is scheduled", "state", st.State, "polls", st.Polls)
			return w.schedulePoll(ctx, st.IngestionID, st.Polls+1)
		default:
			log.Info("indexing already settled", "state", st.State)
			return nil
		}
	}

	claimed, err := w.store.SetNX(ctx, pipeline.WorkflowClaimKey(ingestionID), []byte(in.IndexerName), w.opts.ClaimTTL)
	if err != nil {
		return fmt.Errorf("claiming indexing of %s: %w", ingestionID, err)
	}
	if !claimed {
		check := pipeline.IndexingPoll{IngestionID: ingestionID, IndexerName: in.IndexerName, DestinationPath: in.DestinationPath}
		if err := w.scheduler.Schedule(ctx, check, w.now().Add(w.opts.ClaimTTL)); err != nil {
			return fmt.Errorf("scheduling start check: %w", err)
		}
		log.Info("indexing claimed elsewhere, start check scheduled", "check_in", w.opts.ClaimTTL)
		return nil
	}

	st = WorkflowState{
		IngestionID:     ingestionID,
		IndexerName:     in.IndexerName,
		DestinationPath: in.DestinationPath,
	}
	err = w.provisionAndRun(ctx, &st)
	if err == nil {
		err = w.save(ctx, &st, StateRunning)
	}
	if err != nil {
		if derr := w.store.Delete(ctx, pipeline.WorkflowClaimKey(ingestionID)); derr != nil {
			log.Warn("failed to release indexing claim", "error", derr)
		}
		return err
	}
	w.ledger.SetIngestionStatus(ctx, ingestionID, ledger.StatusIndexing)

	if err := w.schedulePoll(ctx, ingestionID, 1); err != nil {
		return err
	}
	log.Info("indexer started", "first_poll_in", w.opts.PollInterval)
	return nil
}

func (w *Workflow) schedulePoll(ctx context.Context, ingestionID string, attempt int) error {
	poll := pipeline.IndexingPoll{IngestionID: ingestionID, Attempt: attempt}
	if err := w.scheduler.Schedule(ctx, poll, w.now().Add(w.opts.PollInterval)); err != nil {
		return fmt.Errorf("scheduling poll %d: %w", attempt, err)
	}
	return nil
}

func (w *Workflow) provisionAndRun(ctx context.Context, st *WorkflowState) error {
	if err := w.provision(ctx, st); err != nil {
		return err
	}
	if err := w.search.RunIndexer(ctx, st.IndexerName); err != nil {
		return fmt.Errorf("running indexer %s: %w", st.IndexerName, err)
	}
	st.RunAt = w.now()
	return nil
}

func (w *Workflow) provision(ctx context.Context, st *WorkflowState) error {
	name := st.IndexerName
	dsName, indexName := name+"-ds", name+"-index"

	steps := []struct {
		kind   string
		state  State
		get    func() error
		create func() error
	}{
		{
			kind:  "datasource",
			state: StateDataSourceCreated,
			get:   func() error { return w.search.GetDataSource(ctx, dsName) },
			create: func() error {
				return w.search.CreateDataSource(ctx, DataSource{
					Name:             dsName,
					ConnectionString: w.opts.ConnectionString,
					Container:        w.opts.Container,
					Prefix:           st.DestinationPath,
				})
			},
		},
		{
			kind:   "index",
			state:  StateIndexCreated,
			get:    func() error { return w.search.GetIndex(ctx, indexName) },
			create: func() error { return w.search.CreateIndex(ctx, Index{Name: indexName, VectorDimensions: w.opts.VectorDimensions}) },
		},
		{
			kind:   "indexer",
			state:  StateIndexerCreated,
			get:    func() error { return w.search.GetIndexer(ctx, name) },
			create: func() error { return w.search.CreateIndexer(ctx, Indexer{Name: name, DataSourceName: dsName, IndexName: indexName}) },
		},
	}
	for _, step := range steps {
		err := step.get()
		switch {
		case err == nil:
			logger.FromContext(ctx).Info("search resource exists", "kind", step.kind)
		case errors.Is(err, ErrResourceNotFound):
			if err := step.create(); err != nil {
				return fmt.Errorf("creating %s for %s: %w", step.kind, name, err)
			}
			logger.FromContext(ctx).Info("search resource created", "kind", step.kind)
		default:
			return fmt.Errorf("checking %s for %s: %w", step.kind, name, err)
		}
		if err := w.save(ctx, st, step.state); err != nil {
			return err
		}
	}
	return nil
}

// Poll performs one status check. A running indexer is polled again after
// the interval until the attempt budget is spent; success triggers cleanup.
// A start check runs Start again, which picks up a start abandoned by a
// claim holder once its claim has expired.
func (w *Workflow) Poll(ctx context.Context, p pipeline.IndexingPoll) error {
	if p.IsStartCheck() {
		return w.Start(ctx, p.IngestionID, pipeline.Ingestion{
			ID:              p.IngestionID,
			IndexerName:     p.IndexerName,
			DestinationPath: p.DestinationPath,
		})
	}
	ctx = logger.WithIngestion(ctx, p.IngestionID)
	log := logger.FromContext(ctx).With("attempt", p.Attempt)

	st, found, err := w.State(ctx, p.IngestionID)
	if err != nil {
		return err
	}
	if !found {
		log.Warn("no workflow state for poll, dropping it")
		return nil
	}
	switch st.State {
	case StateRunning:
	case StateSucceeded:
		return w.finish(ctx, &st)
	default:
		log.Debug("poll for settled workflow ignored", "state", st.State)
		return nil
	}

	var status IndexerStatus
	err = resilience.WithTimeout(ctx, w.opts.StatusTimeout, "indexer-status", func(ctx context.Context) error {
		var err error
		status, err = w.search.IndexerStatus(ctx, st.IndexerName)
		return err
	})
	st.Polls = p.Attempt
	if err != nil {
		w.metrics.IndexingPolls.WithLabelValues("error").Inc()
		log.Warn("indexer status check failed", "error", err)
		return w.pollAgain(ctx, &st, p)
	}
	w.metrics.IndexingPolls.WithLabelValues(status.Status).Inc()

	// A result that started before our run belongs to an earlier execution.
	if !status.Terminal || (!status.StartTime.IsZero() && status.StartTime.Before(st.RunAt.Add(-time.Second))) {
		log.Info("indexer still running", "status", status.Status, "items", status.ItemCount)
		return w.pollAgain(ctx, &st, p)
	}

	st.ItemCount = status.ItemCount
	if !status.Succeeded {
		st.Error = status.Error
		w.ledger.SetIngestionStatus(ctx, st.IngestionID, ledger.StatusFailed)
		log.Error("indexer failed", "status", status.Status, "error", status.Error)
		return w.save(ctx, &st, StateFailed)
	}
	if err := w.save(ctx, &st, StateSucceeded); err != nil {
		return err
	}
	log.Info("indexer succeeded", "items", status.ItemCount)
	return w.finish(ctx, &st)
}

func (w *Workflow) pollAgain(ctx context.Context, st *WorkflowState, p pipeline.IndexingPoll) error {
	if p.Attempt >= w.opts.MaxPollAttempts {
		st.Error = fmt.Sprintf("indexer did not finish within %d polls", w.opts.MaxPollAttempts)
		w.ledger.SetIngestionStatus(ctx, st.IngestionID, ledger.StatusFailed)
		logger.FromContext(ctx).Error("giving up on indexer", "polls", p.Attempt)
		return w.save(ctx, st, StateFailed)
	}
	if err := w.save(ctx, st, StateRunning); err != nil {
		return err
	}
	return w.schedulePoll(ctx, p.IngestionID, p.Attempt+1)
}

// finish deletes every staged artifact under the destination prefix and
// marks the workflow done. A failed deletion leaves the workflow in the
// succeeded state so the next poll retries the cleanup.
func (w *Workflow) finish(ctx context.Context, st *WorkflowState) error {
	deleted, err := w.cleanup(ctx, st.DestinationPath)
	st.Deleted += deleted
	if err != nil {
		if serr := w.save(ctx, st, StateSucceeded); serr != nil {
			logger.FromContext(ctx).Warn("failed to persist cleanup progress", "error", serr)
		}
		return err
	}
	if err := w.save(ctx, st, StateDone); err != nil {
		return err
	}
	w.ledger.SetIngestionStatus(ctx, st.IngestionID, ledger.StatusIndexed)
	w.metrics.IngestionsCompleted.Inc()
	logger.FromContext(ctx).Info("ingestion indexed and cleaned up", "items", st.ItemCount, "deleted_blobs", st.Deleted)
	return nil
}

func (w *Workflow) cleanup(ctx context.Context, prefix string) (int, error) {
	keys, err := w.blobs.List(ctx, prefix)
	if err != nil {
		return 0, fmt.Errorf("listing %s for cleanup: %w", prefix, err)
	}

	var (
		wg       sync.WaitGroup
		deleted  atomic.Int64
		mu       sync.Mutex
		firstErr error
	)
	for _, key := range keys {
		wg.Add(1)
		submitErr := w.pool.Submit(func() {
			defer wg.Done()
			if err := w.blobs.Delete(ctx, key); err != nil {
				w.metrics.CleanupDeletions.WithLabelValues("error").Inc()
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("deleting %s: %w", key, err)
				}
				mu.Unlock()
				return
			}
			w.metrics.CleanupDeletions.WithLabelValues("ok").Inc()
			deleted.Add(1)
		})
		if submitErr != nil {
			wg.Done()
			mu.Lock()
			if firstErr == nil {
				firstErr = fmt.Errorf("submitting deletion of %s: %w", key, submitErr)
			}
			mu.Unlock()
		}
	}
	wg.Wait()
	return int(deleted.Load()), firstErr
}

func (w *Workflow) save(ctx context.Context, st *WorkflowState, state State) error {
	st.State = state
	st.UpdatedAt = w.now()
	if err := pipeline.SaveJSON(ctx, w.store, pipeline.WorkflowKey(st.IngestionID), st); err != nil {
		return fmt.Errorf("persisting workflow state %s: %w", state, err)
	}
	return nil
}
