package batch

import (
	"context"
	"errors"
	"strings"

	"herbtrace/models"
	"herbtrace/quota"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// CreateInput is a harvest submission from a producer.
type CreateInput struct {
	ProducerID   primitive.ObjectID
	Species      string
	Quantity     float64 // kg
	Lat          *float64
	Lon          *float64
	UseAutoGPS   bool
	Photos       []string
	QualityScore *float64
}

// Created is the admitted batch plus what is left of the seasonal quota.
type Created struct {
	Batch     *models.Batch
	Remaining float64
}

// Create admits a new batch in Collected state. Location, quota and the
// producer's running total are checked and updated before the batch exists;
// a failed insert releases the reservation again.
func (m *Manager) Create(ctx context.Context, in CreateInput) (*Created, error) {
	species := strings.TrimSpace(in.Species)
	if species == "" {
		return nil, &models.ValidationError{Field: "species", Msg: "required"}
	}
	if in.Quantity <= 0 {
		return nil, &models.ValidationError{Field: "quantity", Msg: "must be positive"}
	}
	canonical, ok := m.quota.Canonical(species)
	if !ok {
		return nil, &models.ValidationError{Field: "species", Msg: "unknown species " + species}
	}
	geo, err := m.location(in)
	if err != nil {
		return nil, err
	}

	if _, err := m.store.GetProducer(ctx, in.ProducerID); err != nil {
		return nil, err
	}

	if ok, zones := m.fence.ContainsFor(canonical, geo.Lat, geo.Lon); !ok {
		m.metrics.AdmissionRejected("out_of_zone")
		m.log.Info("batch rejected: outside cultivation zone",
			"producer", in.ProducerID.Hex(), "species", canonical, "lat", geo.Lat, "lon", geo.Lon)
		return nil, &models.OutOfZoneError{Species: canonical, Lat: geo.Lat, Lon: geo.Lon, Zones: zones}
	}

	now := m.clock()
	season := quota.SeasonOf(now)
	res, err := m.quota.CheckAndReserve(ctx, in.ProducerID, canonical, season, in.Quantity)
	if err != nil {
		var qe *models.QuotaExceededError
		if errors.As(err, &qe) {
			m.metrics.AdmissionRejected("quota")
			m.log.Info("batch rejected: seasonal quota", "producer", in.ProducerID.Hex(),
				"species", canonical, "season", season, "harvested", qe.Harvested, "requested", qe.Requested)
		}
		return nil, err
	}

	if err := m.store.AddHarvested(ctx, in.ProducerID, in.Quantity); err != nil {
		m.release(ctx, res, false)
		return nil, err
	}

	b := &models.Batch{
		ProducerID:   in.ProducerID,
		Species:      canonical,
		Season:       season,
		Quantity:     in.Quantity,
		GeoTag:       geo,
		Photos:       in.Photos,
		QualityScore: in.QualityScore,
		CreatedAt:    now,
	}
	b.Transition(models.BatchStatusCollected, "producer:"+in.ProducerID.Hex(), "", now)

	for attempt := 0; ; attempt++ {
		b.Code = newCode()
		err = m.store.CreateBatch(ctx, b)
		var ce *models.ConflictError
		if err == nil || !errors.As(err, &ce) || attempt >= 2 {
			break
		}
	}
	if err != nil {
		m.release(ctx, res, true)
		return nil, err
	}

	m.metrics.BatchAdmitted()
	m.log.Info("batch admitted", "batch", b.Code, "producer", in.ProducerID.Hex(),
		"species", canonical, "season", season, "quantity", in.Quantity, "remaining", res.Remaining)
	return &Created{Batch: b, Remaining: res.Remaining}, nil
}

func (m *Manager) location(in CreateInput) (models.GeoTag, error) {
	switch {
	case in.Lat != nil && in.Lon != nil:
		g := models.GeoTag{Lat: *in.Lat, Lon: *in.Lon}
		if g.Lat < -90 || g.Lat > 90 {
			return g, &models.ValidationError{Field: "lat", Msg: "out of range"}
		}
		if g.Lon < -180 || g.Lon > 180 {
			return g, &models.ValidationError{Field: "lon", Msg: "out of range"}
		}
		return g, nil
	case in.UseAutoGPS && m.fallback != nil:
		return *m.fallback, nil
	case in.UseAutoGPS:
		return models.GeoTag{}, &models.ValidationError{Field: "useAutoGPS", Msg: "no fallback location configured, send lat and lon"}
	}
	return models.GeoTag{}, &models.ValidationError{Field: "lat", Msg: "lat and lon are required"}
}

// release undoes the quota reservation and, if it was applied, the
// producer total. Failures are logged; the original error is what matters.
func (m *Manager) release(ctx context.Context, res *quota.Reservation, total bool) {
	if err := m.quota.Release(ctx, res); err != nil {
		m.log.Error("release quota reservation", "key", res.Key.String(), "err", err)
	}
	if !total {
		return
	}
	if err := m.store.AddHarvested(ctx, res.Key.ProducerID, -res.Quantity); err != nil {
		m.log.Error("revert producer total", "producer", res.Key.ProducerID.Hex(), "err", err)
	}
}

// newCode returns a public batch code like BATCH-1A2B3C4D.
func newCode() string {
	return "BATCH-" + strings.ToUpper(strings.SplitN(uuid.NewString(), "-", 2)[0])
}
