package anchor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"herbtrace/metrics"
	"herbtrace/models"
)

// BackfillFunc attaches a freshly confirmed reference to the records that
// produced the anchor.
type BackfillFunc func(ctx context.Context, a models.Anchor) error

// Retrier periodically re-submits pending anchors (the outbox).
type Retrier struct {
	adapter  *Adapter
	backfill BackfillFunc
	interval time.Duration
	batch    int
	log      *slog.Logger
	metrics  *metrics.Metrics
}

func NewRetrier(a *Adapter, backfill BackfillFunc, interval time.Duration) *Retrier {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Retrier{
		adapter:  a,
		backfill: backfill,
		interval: interval,
		batch:    100,
		log:      a.log,
		metrics:  a.metrics,
	}
}

// Run sweeps every interval until ctx is cancelled.
func (r *Retrier) Run(ctx context.Context) {
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := r.RetryPending(ctx); err != nil && ctx.Err() == nil {
				r.log.Error("anchor retry sweep", "err", err)
			}
		}
	}
}

// RetryPending makes one pass over the outbox and returns how many anchors
// were confirmed and attached. Unconfirmed anchors still in backoff are
// skipped; a failed back-fill is retried on the next pass.
func (r *Retrier) RetryPending(ctx context.Context) (int, error) {
	pending, err := r.adapter.store.ListPendingAnchors(ctx, r.batch)
	if err != nil {
		return 0, err
	}
	now := r.adapter.now()
	done := 0
	for _, p := range pending {
		if p.Status == models.AnchorStatusPending && now.Before(p.UpdatedAt.Add(r.backoff(p.Attempts))) {
			continue
		}
		ref, err := r.adapter.Anchor(ctx, p.BatchCode, p.EventType, p.Fingerprint)
		if errors.Is(err, models.ErrAnchorPending) {
			continue
		}
		if err != nil {
			r.log.Error("anchor retry", "anchor", p.ID, "err", err)
			continue
		}
		p.Status = models.AnchorStatusAnchored
		p.Reference = ref
		if r.backfill != nil {
			if err := r.backfill(ctx, p); err != nil {
				r.log.Error("anchor backfill", "anchor", p.ID, "err", err)
				if err := r.adapter.setAttached(ctx, p.ID, err); err != nil {
					r.log.Error("note backfill failure", "anchor", p.ID, "err", err)
				}
				continue
			}
		}
		if err := r.adapter.setAttached(ctx, p.ID, nil); err != nil {
			r.log.Error("mark anchor attached", "anchor", p.ID, "err", err)
			continue
		}
		done++
	}
	r.metrics.SetAnchorsPending(len(pending) - done)
	return done, nil
}

// backoff doubles the wait per failed attempt, capped at 32 intervals. The
// first retry waits nothing beyond the sweep interval itself.
func (r *Retrier) backoff(attempts int) time.Duration {
	if attempts <= 1 {
		return 0
	}
	shift := attempts - 1
	if shift > 5 {
		shift = 5
	}
	return r.interval * time.Duration(1<<shift)
}
