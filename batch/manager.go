// Package batch owns the harvest batch lifecycle: admission, agency
// assignment, lab evaluation, processing and administrative overrides.
// Every status change goes through a guarded operation here.
package batch

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"herbtrace/anchor"
	"herbtrace/certificate"
	"herbtrace/geofence"
	"herbtrace/labeval"
	"herbtrace/metrics"
	"herbtrace/models"
	"herbtrace/quota"
	"herbtrace/store"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// maxUpdateRetries bounds optimistic-concurrency retries on a batch document.
const maxUpdateRetries = 5

// Deps are the collaborators a Manager drives.
type Deps struct {
	Store        store.Store
	Geofence     *geofence.Validator
	Quota        *quota.Tracker
	Lab          *labeval.Engine
	Anchors      *anchor.Adapter
	Certificates *certificate.Assembler
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
	Clock        func() time.Time
	// Fallback is used for useAutoGPS submissions; nil disables them.
	Fallback *models.GeoTag
}

type Manager struct {
	store    store.Store
	fence    *geofence.Validator
	quota    *quota.Tracker
	lab      *labeval.Engine
	anchors  *anchor.Adapter
	certs    *certificate.Assembler
	metrics  *metrics.Metrics
	log      *slog.Logger
	now      func() time.Time
	fallback *models.GeoTag
}

func NewManager(d Deps) *Manager {
	m := &Manager{
		store:    d.Store,
		fence:    d.Geofence,
		quota:    d.Quota,
		lab:      d.Lab,
		anchors:  d.Anchors,
		certs:    d.Certificates,
		metrics:  d.Metrics,
		log:      d.Logger,
		now:      d.Clock,
		fallback: d.Fallback,
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Resolve finds a batch by ObjectID hex or by its public code.
func (m *Manager) Resolve(ctx context.Context, ref string) (*models.Batch, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, &models.ValidationError{Field: "batchId", Msg: "required"}
	}
	if id, err := primitive.ObjectIDFromHex(ref); err == nil {
		b, err := m.store.GetBatch(ctx, id)
		var nf *models.NotFoundError
		if err == nil || !errors.As(err, &nf) {
			return b, err
		}
	}
	return m.store.GetBatchByCode(ctx, ref)
}

// clock is the request time at the precision the document store keeps.
func (m *Manager) clock() time.Time {
	return m.now().UTC().Truncate(time.Millisecond)
}

// update runs fn on a fresh copy of the batch and persists it, retrying when
// another request won the version race. fn returning (false, nil) means
// nothing to write.
func (m *Manager) update(ctx context.Context, id primitive.ObjectID, fn func(b *models.Batch) (bool, error)) (*models.Batch, error) {
	for attempt := 0; ; attempt++ {
		b, err := m.store.GetBatch(ctx, id)
		if err != nil {
			return nil, err
		}
		changed, err := fn(b)
		if err != nil {
			return nil, err
		}
		if !changed {
			return b, nil
		}
		err = m.store.UpdateBatch(ctx, b)
		if err == nil {
			return b, nil
		}
		if !errors.Is(err, models.ErrVersionConflict) || attempt+1 >= maxUpdateRetries {
			return nil, err
		}
		m.log.Debug("batch version conflict, retrying", "batch", id.Hex(), "attempt", attempt+1)
	}
}
