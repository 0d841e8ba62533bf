// Package worker claims eligible records in batches and runs each one
// through the pipeline under a database lease.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/provider-ingest/internal/lease"
	"github.com/sells-group/provider-ingest/internal/model"
	"github.com/sells-group/provider-ingest/internal/pipeline"
)

// Processor runs one record from its last checkpoint.
type Processor interface {
	Process(ctx context.Context, recordID string) (*pipeline.Outcome, error)
}

// Lister finds records that are due for processing.
type Lister interface {
	ListEligible(ctx context.Context, now time.Time, limit int) ([]model.ScrapedRecord, error)
}

// Config holds the coordinator's tunables.
type Config struct {
	BatchSize    int
	Concurrency  int
	LeaseTTL     time.Duration
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 1
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 2 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	return c
}

// Summary tallies one batch cycle.
type Summary struct {
	Claimed   int `json:"claimed"`
	Busy      int `json:"busy"`
	Skipped   int `json:"skipped"`
	Completed int `json:"completed"`
	Paused    int `json:"paused"`
	Failed    int `json:"failed"`
	Retrying  int `json:"retrying"`
	Cancelled int `json:"cancelled"`
	Errors    int `json:"errors"`
}

// Coordinator schedules records onto the pipeline.
type Coordinator struct {
	records Lister
	proc    Processor
	leases  lease.Service
	cfg     Config
	now     func() time.Time
}

// New creates a Coordinator.
func New(records Lister, proc Processor, leases lease.Service, cfg Config) *Coordinator {
	return &Coordinator{
		records: records,
		proc:    proc,
		leases:  leases,
		cfg:     cfg.withDefaults(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// RunOnce claims up to BatchSize eligible records and processes them with
// at most Concurrency in flight. A record whose lease is held elsewhere is
// skipped. Per-record failures are counted, not returned.
func (c *Coordinator) RunOnce(ctx context.Context) (Summary, error) {
	recs, err := c.records.ListEligible(ctx, c.now(), c.cfg.BatchSize)
	if err != nil {
		return Summary{}, eris.Wrap(err, "worker: list eligible")
	}

	var (
		mu  sync.Mutex
		sum = Summary{Claimed: len(recs)}
	)
	if len(recs) == 0 {
		return sum, nil
	}

	zap.L().Info("worker: processing batch",
		zap.Int("records", len(recs)),
		zap.Int("concurrency", c.cfg.Concurrency),
	)

	var g errgroup.Group
	g.SetLimit(c.cfg.Concurrency)
	for _, rec := range recs {
		if ctx.Err() != nil {
			break
		}
		id := rec.ID
		g.Go(func() error {
			out, err := c.ProcessRecord(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			sum.tally(id, out, err)
			return nil
		})
	}
	_ = g.Wait()

	zap.L().Info("worker: batch complete",
		zap.Int("claimed", sum.Claimed),
		zap.Int("completed", sum.Completed),
		zap.Int("paused", sum.Paused),
		zap.Int("failed", sum.Failed),
		zap.Int("retrying", sum.Retrying),
		zap.Int("busy", sum.Busy),
		zap.Int("errors", sum.Errors),
	)
	return sum, nil
}

func (s *Summary) tally(id string, out *pipeline.Outcome, err error) {
	switch {
	case errors.Is(err, lease.ErrBusy):
		s.Busy++
		zap.L().Debug("worker: record busy, skipping", zap.String("record_id", id))
		return
	case err != nil:
		s.Errors++
		zap.L().Error("worker: record failed", zap.String("record_id", id), zap.Error(err))
		return
	}

	switch {
	case out.Skipped:
		s.Skipped++
	case out.Cancelled:
		s.Cancelled++
	case out.Status == model.StatusCompleted:
		s.Completed++
	case out.Status == model.StatusPausedIntervention:
		s.Paused++
	case out.Status == model.StatusFailed:
		s.Failed++
	case out.Status == model.StatusPending:
		s.Retrying++
	}
}

// ProcessRecord runs one record while holding its lease. It returns
// lease.ErrBusy (wrapped) when another worker holds the record.
func (c *Coordinator) ProcessRecord(ctx context.Context, id string) (*pipeline.Outcome, error) {
	l, err := c.leases.Acquire(ctx, id, c.cfg.LeaseTTL)
	if err != nil {
		return nil, eris.Wrapf(err, "worker: lease %s", id)
	}

	keeper, runCtx := lease.Keep(ctx, c.leases, l)
	out, err := c.proc.Process(runCtx, id)
	keeper.Stop()

	if keeper.Lost() {
		zap.L().Warn("worker: lease lost during run", zap.String("record_id", id))
	}
	if relErr := c.leases.Release(context.WithoutCancel(ctx), l); relErr != nil {
		zap.L().Warn("worker: release lease", zap.String("record_id", id), zap.Error(relErr))
	}

	if err != nil {
		return nil, eris.Wrapf(err, "worker: process %s", id)
	}
	return out, nil
}

// Run polls for eligible records every PollInterval until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	zap.L().Info("worker: started",
		zap.Int("batch_size", c.cfg.BatchSize),
		zap.Duration("poll_interval", c.cfg.PollInterval),
	)
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := c.RunOnce(ctx); err != nil && ctx.Err() == nil {
			zap.L().Error("worker: batch cycle failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			zap.L().Info("worker: stopped")
			return nil
		case <-ticker.C:
		}
	}
}
