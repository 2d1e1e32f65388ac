// Package poll implements the database poller: a single-threaded loop that claims
// pending orders and hands them to the worker pool, backing off to the pool's
// free-slot count so it never over-claims.
package poll

import (
	"context"
	"time"

	"go.uber.org/zap"

	"ingestd/internal/observability"
	"ingestd/internal/store"
)

// Submitter is the subset of *pool.Pool the Poller needs, kept narrow so tests can
// inject a fake without importing the pool package.
type Submitter interface {
	FreeSlots() int
	Submit(ctx context.Context, order store.Order)
}

// Poller repeatedly claims pending orders from Tracker and submits them to Pool.
type Poller struct {
	Tracker  store.Tracker
	Pool     Submitter
	Interval time.Duration
	Log      *zap.SugaredLogger
}

// Run blocks until ctx is cancelled, claiming and submitting orders on each tick
// whenever the pool reports a free slot.
func (p *Poller) Run(ctx context.Context) {
	interval := p.Interval
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.pollOnce(ctx)
		}
	}
}

// pollOnce claims as many orders as the pool currently has room for, stopping the
// moment a claim returns nothing rather than spinning until the next tick.
func (p *Poller) pollOnce(ctx context.Context) {
	for p.Pool.FreeSlots() > 0 {
		observability.Default.SetGauge("pool_free_slots", nil, float64(p.Pool.FreeSlots()))

		spanCtx, span := observability.StartSpan(ctx, "tracker.claim_next")
		order, err := p.Tracker.ClaimNext(spanCtx)
		span.End()
		if err != nil {
			p.Log.Errorw("claim failed", "error", err)
			observability.Default.IncCounter("orders_claim_errors_total", nil, 1)
			return
		}
		if order == nil {
			return
		}
		p.Log.Infow("claimed order", "uuid", order.UUID)
		observability.Default.IncCounter("orders_claimed_total", nil, 1)
		p.Pool.Submit(ctx, *order)
	}
}
