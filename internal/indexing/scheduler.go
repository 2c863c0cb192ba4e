package indexing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/internal/pipeline"
)

// PollScheduler stores indexing polls until they are due. Due polls are
// leased rather than removed: a poll whose runner dies before releasing it
// becomes due again once the lease runs out.
type PollScheduler interface {
	Schedule(ctx context.Context, poll pipeline.IndexingPoll, due time.Time) error
	Lease(ctx context.Context, now, until time.Time, limit int) ([]pipeline.IndexingPoll, error)
	Release(ctx context.Context, poll pipeline.IndexingPoll, leasedUntil time.Time) error
}

// DelayQueue is a due-time ordered queue of string members.
type DelayQueue interface {
	Schedule(ctx context.Context, queue, member string, due time.Time) error
	Lease(ctx context.Context, queue string, now, until time.Time, limit int) ([]string, error)
	Release(ctx context.Context, queue, member string, leasedUntil time.Time) (bool, error)
}

// QueueScheduler keeps polls as JSON members of a DelayQueue. Encoding is
// deterministic, so scheduling an equal poll twice keeps one member.
type QueueScheduler struct {
	queue DelayQueue
	name  string
}

func NewQueueScheduler(queue DelayQueue, name string) *QueueScheduler {
	return &QueueScheduler{queue: queue, name: name}
}

func (s *QueueScheduler) Schedule(ctx context.Context, poll pipeline.IndexingPoll, due time.Time) error {
	member, err := json.Marshal(poll)
	if err != nil {
		return fmt.Errorf("encoding poll: %w", err)
	}
	return s.queue.Schedule(ctx, s.name, string(member), due)
}

func (s *QueueScheduler) Lease(ctx context.Context, now, until time.Time, limit int) ([]pipeline.IndexingPoll, error) {
	members, err := s.queue.Lease(ctx, s.name, now, until, limit)
	polls := make([]pipeline.IndexingPoll, 0, len(members))
	for _, m := range members {
		var p pipeline.IndexingPoll
		if jerr := json.Unmarshal([]byte(m), &p); jerr != nil {
			slog.Warn("dropping undecodable poll", "member", m, "error", jerr)
			if _, rerr := s.queue.Release(ctx, s.name, m, until); rerr != nil {
				slog.Warn("failed to drop undecodable poll", "member", m, "error", rerr)
			}
			continue
		}
		polls = append(polls, p)
	}
	return polls, err
}

func (s *QueueScheduler) Release(ctx context.Context, poll pipeline.IndexingPoll, leasedUntil time.Time) error {
	member, err := json.Marshal(poll)
	if err != nil {
		return fmt.Errorf("encoding poll: %w", err)
	}
	_, err = s.queue.Release(ctx, s.name, string(member), leasedUntil)
	return err
}

// Poller runs due polls against a Workflow.
type Poller struct {
	workflow  *Workflow
	scheduler PollScheduler
	interval  time.Duration
	lease     time.Duration
	batch     int
	logger    *slog.Logger
	now       func() time.Time
}

// NewPoller checks for due polls every interval. A claimed poll is leased
// for long enough to cover a status check and the cleanup that may follow.
func NewPoller(workflow *Workflow, scheduler PollScheduler, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = time.Second
	}
	return &Poller{
		workflow:  workflow,
		scheduler: scheduler,
		interval:  interval,
		lease:     max(2*time.Minute, 4*workflow.opts.StatusTimeout),
		batch:     16,
		logger:    slog.Default().With("component", "indexing-poller"),
		now:       time.Now,
	}
}

// Run claims and executes due polls every interval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	p.logger.Info("poller started", "interval", p.interval, "lease", p.lease)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poller stopping")
			return nil
		case <-ticker.C:
			p.RunDue(ctx)
		}
	}
}

// RunDue executes the polls due now and returns how many it leased. A poll
// that completes is released; a failed one is made due again after the
// interval.
func (p *Poller) RunDue(ctx context.Context) int {
	now := p.now()
	until := now.Add(p.lease)
	polls, err := p.scheduler.Lease(ctx, now, until, p.batch)
	if err != nil {
		p.logger.Error("failed to lease due polls", "error", err)
	}
	for _, poll := range polls {
		if err := p.workflow.Poll(ctx, poll); err != nil {
			p.logger.Error("poll failed, rescheduling",
				"ingestion_id", poll.IngestionID,
				"attempt", poll.Attempt,
				"error", err,
			)
			if serr := p.scheduler.Schedule(ctx, poll, p.now().Add(p.interval)); serr != nil {
				p.logger.Error("failed to reschedule poll, it returns when the lease ends", "ingestion_id", poll.IngestionID, "error", serr)
			}
			continue
		}
		if rerr := p.scheduler.Release(ctx, poll, until); rerr != nil {
			p.logger.Warn("failed to release poll", "ingestion_id", poll.IngestionID, "error", rerr)
		}
	}
	return len(polls)
}
