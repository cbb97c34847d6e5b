// Package anchor records compliance-event fingerprints on an external
// tamper-evident ledger. Anchoring is idempotent per (batch code, event type)
// and never blocks a local state transition: failures leave a pending record
// that the Retrier completes later.
package anchor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"herbtrace/metrics"
	"herbtrace/models"
	"herbtrace/store"

	"golang.org/x/sync/singleflight"
)

// Event is the minimal fingerprint sent to the ledger.
type Event struct {
	BatchCode   string `json:"batchCode"`
	EventType   string `json:"eventType"`
	Fingerprint string `json:"fingerprint"`
}

// Ledger submits an event and returns the ledger's reference token.
// Implementations must themselves be idempotent for a repeated event.
type Ledger interface {
	Record(ctx context.Context, ev Event) (string, error)
}

type Adapter struct {
	store   store.AnchorStore
	ledger  Ledger
	timeout time.Duration
	now     func() time.Time
	log     *slog.Logger
	metrics *metrics.Metrics
	group   singleflight.Group
}

type Option func(*Adapter)

// WithTimeout bounds each ledger call.
func WithTimeout(d time.Duration) Option { return func(a *Adapter) { a.timeout = d } }

func WithClock(now func() time.Time) Option { return func(a *Adapter) { a.now = now } }

func WithLogger(l *slog.Logger) Option { return func(a *Adapter) { a.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(a *Adapter) { a.metrics = m } }

func NewAdapter(st store.AnchorStore, ledger Ledger, opts ...Option) *Adapter {
	a := &Adapter{
		store:   st,
		ledger:  ledger,
		timeout: 10 * time.Second,
		now:     time.Now,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Anchor returns the ledger reference for (batchCode, eventType). A second
// call for an anchored pair returns the stored reference without touching the
// ledger. If the ledger is unreachable the intent is kept as a pending anchor
// and the returned error wraps models.ErrAnchorPending.
func (a *Adapter) Anchor(ctx context.Context, batchCode, eventType, fingerprint string) (string, error) {
	if batchCode == "" || eventType == "" || fingerprint == "" {
		return "", &models.ValidationError{Msg: "anchor requires batch code, event type and fingerprint"}
	}
	id := models.AnchorID(batchCode, eventType)
	v, err, _ := a.group.Do(id, func() (any, error) {
		return a.anchor(ctx, id, Event{BatchCode: batchCode, EventType: eventType, Fingerprint: fingerprint})
	})
	rec, _ := v.(*models.Anchor)
	if rec != nil && rec.Fingerprint != fingerprint {
		return "", &models.IntegrityError{
			Op:     "anchor " + id,
			Reason: "already anchored with a different fingerprint",
		}
	}
	if err != nil {
		return "", err
	}
	return rec.Reference, nil
}

// Get returns the local anchor record for a pair.
func (a *Adapter) Get(ctx context.Context, batchCode, eventType string) (*models.Anchor, error) {
	return a.store.GetAnchor(ctx, models.AnchorID(batchCode, eventType))
}

// Attach marks a confirmed anchor as attached to the record that produced
// it. Until then the anchor stays in the outbox and the Retrier keeps
// back-filling it.
func (a *Adapter) Attach(ctx context.Context, batchCode, eventType string) error {
	return a.setAttached(ctx, models.AnchorID(batchCode, eventType), nil)
}

// setAttached records the outcome of a back-fill. A failed back-fill keeps
// the anchor outstanding and notes the error.
func (a *Adapter) setAttached(ctx context.Context, id string, failure error) error {
	rec, err := a.store.GetAnchor(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status != models.AnchorStatusAnchored {
		return &models.IntegrityError{Op: "attach anchor " + id, Reason: "ledger has not confirmed it yet"}
	}
	rec.UpdatedAt = a.now().UTC()
	if failure != nil {
		rec.LastError = "backfill: " + failure.Error()
	} else {
		rec.Attached = true
		rec.LastError = ""
	}
	return a.store.SaveAnchor(ctx, rec)
}

func (a *Adapter) anchor(ctx context.Context, id string, ev Event) (*models.Anchor, error) {
	rec, err := a.store.GetAnchor(ctx, id)
	var nf *models.NotFoundError
	switch {
	case err == nil:
	case errors.As(err, &nf):
		now := a.now().UTC()
		rec, err = a.store.InsertAnchor(ctx, &models.Anchor{
			ID:          id,
			BatchCode:   ev.BatchCode,
			EventType:   ev.EventType,
			Fingerprint: ev.Fingerprint,
			Status:      models.AnchorStatusPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
		if err != nil {
			return nil, fmt.Errorf("store anchor intent: %w", err)
		}
	default:
		return nil, fmt.Errorf("load anchor: %w", err)
	}

	if rec.Status == models.AnchorStatusAnchored || rec.Fingerprint != ev.Fingerprint {
		return rec, nil
	}

	cctx, cancel := context.WithTimeout(ctx, a.timeout)
	ref, lerr := a.ledger.Record(cctx, Event{BatchCode: rec.BatchCode, EventType: rec.EventType, Fingerprint: rec.Fingerprint})
	cancel()

	rec.Attempts++
	rec.UpdatedAt = a.now().UTC()
	if lerr != nil {
		rec.LastError = lerr.Error()
		if err := a.store.SaveAnchor(ctx, rec); err != nil {
			a.log.Error("persist pending anchor", "anchor", id, "err", err)
		}
		a.metrics.AnchorAttempt(rec.EventType, "pending")
		a.log.Warn("ledger anchor deferred", "anchor", id, "attempts", rec.Attempts, "err", lerr)
		return rec, fmt.Errorf("%w: %s: %v", models.ErrAnchorPending, id, lerr)
	}
	rec.Status = models.AnchorStatusAnchored
	rec.Reference = ref
	rec.LastError = ""
	if err := a.store.SaveAnchor(ctx, rec); err != nil {
		return rec, fmt.Errorf("save anchor reference: %w", err)
	}
	a.metrics.AnchorAttempt(rec.EventType, "anchored")
	a.log.Info("ledger anchor recorded", "anchor", id, "ref", ref)
	return rec, nil
}
