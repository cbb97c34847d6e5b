// Package quota enforces per producer/species/season harvest ceilings.
package quota

import (
	"context"
	"fmt"
	"strings"

	"herbtrace/models"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Ledger is the storage the tracker needs. The reserve must be one atomic
// check-and-increment.
type Ledger interface {
	ReserveQuota(ctx context.Context, key models.QuotaKey, qty, ceiling float64) (float64, error)
	ReleaseQuota(ctx context.Context, key models.QuotaKey, qty float64) error
	HarvestedFor(ctx context.Context, key models.QuotaKey) (float64, error)
}

// Reservation is a successful CheckAndReserve.
type Reservation struct {
	Key       models.QuotaKey
	Quantity  float64
	Total     float64
	Ceiling   float64
	Remaining float64
}

type speciesCeiling struct {
	name    string
	ceiling float64 // kg per season
}

type Tracker struct {
	ledger   Ledger
	ceilings map[string]speciesCeiling // keyed by lower-cased species
}

func NewTracker(ledger Ledger, ceilings map[string]float64) *Tracker {
	norm := make(map[string]speciesCeiling, len(ceilings))
	for k, v := range ceilings {
		norm[strings.ToLower(k)] = speciesCeiling{name: k, ceiling: v}
	}
	return &Tracker{ledger: ledger, ceilings: norm}
}

// Ceiling returns the configured seasonal ceiling for species.
func (t *Tracker) Ceiling(species string) (float64, bool) {
	c, ok := t.ceilings[strings.ToLower(species)]
	return c.ceiling, ok
}

// Canonical maps a species name to its configured spelling.
func (t *Tracker) Canonical(species string) (string, bool) {
	c, ok := t.ceilings[strings.ToLower(species)]
	return c.name, ok
}

// CheckAndReserve adds quantity to the (producer, species, season) bucket if
// the ceiling allows it. On *models.QuotaExceededError nothing was written.
func (t *Tracker) CheckAndReserve(ctx context.Context, producerID primitive.ObjectID, species, season string, quantity float64) (*Reservation, error) {
	if quantity <= 0 {
		return nil, &models.ValidationError{Field: "quantity", Msg: "must be positive"}
	}
	c, ok := t.ceilings[strings.ToLower(species)]
	if !ok {
		return nil, &models.ValidationError{Field: "species", Msg: fmt.Sprintf("no harvest ceiling configured for %q", species)}
	}
	ceiling := c.ceiling
	key := models.QuotaKey{ProducerID: producerID, Species: c.name, Season: season}
	total, err := t.ledger.ReserveQuota(ctx, key, quantity, ceiling)
	if err != nil {
		return nil, err
	}
	return &Reservation{
		Key:       key,
		Quantity:  quantity,
		Total:     total,
		Ceiling:   ceiling,
		Remaining: max(ceiling-total, 0),
	}, nil
}

// Release returns a reservation whose batch was never persisted.
func (t *Tracker) Release(ctx context.Context, r *Reservation) error {
	return t.ledger.ReleaseQuota(ctx, r.Key, r.Quantity)
}

// Remaining reports how much more can be harvested for the bucket.
func (t *Tracker) Remaining(ctx context.Context, producerID primitive.ObjectID, species, season string) (float64, error) {
	c, ok := t.ceilings[strings.ToLower(species)]
	if !ok {
		return 0, &models.ValidationError{Field: "species", Msg: fmt.Sprintf("no harvest ceiling configured for %q", species)}
	}
	have, err := t.ledger.HarvestedFor(ctx, models.QuotaKey{ProducerID: producerID, Species: c.name, Season: season})
	if err != nil {
		return 0, err
	}
	return max(c.ceiling-have, 0), nil
}
