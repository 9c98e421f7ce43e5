package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/billingcore/pkg/async"
	"github.com/platinummonkey/billingcore/pkg/billing"
	"github.com/platinummonkey/billingcore/pkg/observability"
	"github.com/platinummonkey/billingcore/pkg/storage"
)

// SweepConfig configures the pending sweep
type SweepConfig struct {
	// PendingTTL expires events still unconfirmed this long after first delivery
	PendingTTL time.Duration
	// PollAfter polls providers about events with no delivery for this long
	PollAfter time.Duration
	BatchSize int
	Workers   int
	// Retry paces re-crediting events the provider confirmed but the ledger
	// did not accept yet
	Retry async.RetryConfig
}

// DefaultSweepConfig returns the stock sweep settings
func DefaultSweepConfig() SweepConfig {
	return SweepConfig{
		PendingTTL: 24 * time.Hour,
		PollAfter:  10 * time.Minute,
		BatchSize:  500,
		Workers:    4,
		Retry: async.RetryConfig{
			InitialDelay:      30 * time.Second,
			MaxDelay:          30 * time.Minute,
			BackoffMultiplier: 2,
		},
	}
}

// SweepStats summarizes one sweep
type SweepStats struct {
	Scanned  int
	Credited int
	Expired  int
	Failed   int
	Polled   int
}

// Sweeper re-drives PENDING events: it retries credits the provider already
// confirmed, polls providers that support it, and expires stale events.
// Eligibility is recomputed from stored events on every pass.
type Sweeper struct {
	reconciler *Reconciler
	events     EventStore
	registry   *Registry
	policy     *async.RetryPolicy
	cfg        SweepConfig
	logger     *observability.Logger
	metrics    *observability.Metrics
	now        func() time.Time
}

// NewSweeper creates a sweeper
func NewSweeper(reconciler *Reconciler, cfg SweepConfig) *Sweeper {
	def := DefaultSweepConfig()
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = def.PendingTTL
	}
	if cfg.PollAfter <= 0 {
		cfg.PollAfter = def.PollAfter
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	return &Sweeper{
		reconciler: reconciler,
		events:     reconciler.events,
		registry:   reconciler.registry,
		policy:     async.NewRetryPolicy(cfg.Retry),
		cfg:        cfg,
		logger:     reconciler.logger.WithField("component", "pending-sweep"),
		metrics:    reconciler.metrics,
		now:        reconciler.now,
	}
}

type sweepAction int

const (
	actionWait sweepAction = iota
	actionCredit
	actionExpire
	actionPoll
)

// plan decides what the sweep does with one pending event
func (s *Sweeper) plan(ev *billing.PaymentEvent, now time.Time) sweepAction {
	if ev.Observed == billing.PaymentConfirmed {
		// money was received; never expire, keep retrying with backoff
		if !now.Before(s.policy.NextRetryTime(ev.LastSeenAt, ev.Attempts)) {
			return actionCredit
		}
		return actionWait
	}
	if now.Sub(ev.FirstSeenAt) >= s.cfg.PendingTTL {
		return actionExpire
	}
	if now.Sub(ev.LastSeenAt) >= s.cfg.PollAfter {
		if a, err := s.registry.Lookup(ev.Provider); err == nil {
			if _, ok := a.(Poller); ok {
				return actionPoll
			}
		}
	}
	return actionWait
}

// Sweep runs one pass over every PENDING event, a page of BatchSize at a
// time. It stops early when ctx is cancelled; the next pass resumes from
// stored state.
func (s *Sweeper) Sweep(ctx context.Context) (stats SweepStats, err error) {
	start := s.now()
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		s.metrics.RecordSweep("payments", result, time.Since(start))
	}()

	q := storage.PendingQuery{Limit: s.cfg.BatchSize}
	for {
		page, err := s.events.ListPendingEvents(ctx, q)
		if err != nil {
			return stats, fmt.Errorf("list pending events: %w", err)
		}
		s.sweepPage(ctx, page, start, &stats)
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		if len(page) < q.Limit {
			return stats, nil
		}
		q.After = storage.EventCursorAfter(page[len(page)-1])
	}
}

func (s *Sweeper) sweepPage(ctx context.Context, pending []*billing.PaymentEvent, now time.Time, stats *SweepStats) {
	stats.Scanned += len(pending)

	type outcome struct {
		action sweepAction
		res    *Result
	}
	results := make(chan outcome, len(pending))

	errs := async.Batch(ctx, s.logger, pending, s.cfg.Workers, "pending sweep", time.Minute,
		func(ctx context.Context, ev *billing.PaymentEvent) error {
			action := s.plan(ev, now)
			res, err := s.apply(ctx, ev, action)
			if err != nil {
				return fmt.Errorf("%s/%s: %w", ev.Provider, ev.EventID, err)
			}
			results <- outcome{action, res}
			return nil
		})
	close(results)

	for o := range results {
		switch {
		case o.res == nil:
		case o.res.Credited:
			stats.Credited++
		case o.res.Event.Status == billing.PaymentExpired && !o.res.Duplicate:
			stats.Expired++
		}
		if o.action == actionPoll {
			stats.Polled++
		}
	}
	stats.Failed += len(errs)
	for _, e := range errs {
		s.logger.WithError(e).Warn("Pending event not resolved")
	}
}

func (s *Sweeper) apply(ctx context.Context, ev *billing.PaymentEvent, action sweepAction) (*Result, error) {
	switch action {
	case actionCredit:
		return s.reconciler.Resolve(ctx, ev.Provider, ev.EventID, billing.PaymentConfirmed)
	case actionExpire:
		return s.reconciler.Resolve(ctx, ev.Provider, ev.EventID, billing.PaymentExpired)
	case actionPoll:
		adapter, err := s.registry.Lookup(ev.Provider)
		if err != nil {
			return nil, err
		}
		status, err := adapter.(Poller).Poll(ctx, ev)
		if errors.Is(err, billing.ErrProviderTimeout) {
			// no state change; try again next pass
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return s.reconciler.Resolve(ctx, ev.Provider, ev.EventID, status)
	}
	return nil, nil
}
