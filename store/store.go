// Package store defines the repository the pipeline persists through.
// Implementations live in store/mongostore and store/memstore.
package store

import (
	"context"

	"herbtrace/models"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Store is the document repository for every entity collection. Lookups for
// missing records return *models.NotFoundError; uniqueness clashes return
// *models.ConflictError.
type Store interface {
	CreateProducer(ctx context.Context, p *models.Producer) error
	GetProducer(ctx context.Context, id primitive.ObjectID) (*models.Producer, error)
	FindProducerByEmail(ctx context.Context, email string) (*models.Producer, error)
	// AddHarvested adjusts the producer's lifetime total by delta (may be negative).
	AddHarvested(ctx context.Context, id primitive.ObjectID, delta float64) error
	SetProducerLocation(ctx context.Context, id primitive.ObjectID, loc models.Location) (*models.Producer, error)

	// ReserveQuota atomically adds qty to the ledger bucket for key if the
	// result stays within ceiling, and returns the new cumulative quantity.
	// On overflow nothing changes and *models.QuotaExceededError is returned.
	ReserveQuota(ctx context.Context, key models.QuotaKey, qty, ceiling float64) (float64, error)
	// ReleaseQuota undoes a reservation whose batch could not be persisted.
	ReleaseQuota(ctx context.Context, key models.QuotaKey, qty float64) error
	HarvestedFor(ctx context.Context, key models.QuotaKey) (float64, error)

	CreateBatch(ctx context.Context, b *models.Batch) error
	GetBatch(ctx context.Context, id primitive.ObjectID) (*models.Batch, error)
	GetBatchByCode(ctx context.Context, code string) (*models.Batch, error)
	ListBatches(ctx context.Context, ids []primitive.ObjectID) ([]models.Batch, error)
	// UpdateBatch replaces b if its Version still matches the stored one and
	// bumps Version; otherwise it returns models.ErrVersionConflict.
	UpdateBatch(ctx context.Context, b *models.Batch) error

	CreateAgency(ctx context.Context, a *models.Agency) error
	GetAgency(ctx context.Context, id primitive.ObjectID) (*models.Agency, error)
	FindAgencyByEmail(ctx context.Context, email string) (*models.Agency, error)
	// AddAgencyBatch inserts batchID into the agency's batch set (no-op if present).
	AddAgencyBatch(ctx context.Context, agencyID, batchID primitive.ObjectID) (*models.Agency, error)

	CreateLabTest(ctx context.Context, t *models.LabTest) error
	GetLabTest(ctx context.Context, id primitive.ObjectID) (*models.LabTest, error)
	ListLabTestsByBatch(ctx context.Context, batchID primitive.ObjectID) ([]models.LabTest, error)
	// UpdateLabTest applies mutate to the stored test. The mutation is refused
	// with *models.IntegrityError if the test is anchored and mutate alters it.
	UpdateLabTest(ctx context.Context, id primitive.ObjectID, mutate func(*models.LabTest) error) (*models.LabTest, error)

	CreateProcessorRecord(ctx context.Context, r *models.ProcessorRecord) error
	GetProcessorRecord(ctx context.Context, id primitive.ObjectID) (*models.ProcessorRecord, error)
	ListProcessorRecordsByBatch(ctx context.Context, batchID primitive.ObjectID) ([]models.ProcessorRecord, error)
	UpdateProcessorRecord(ctx context.Context, id primitive.ObjectID, mutate func(*models.ProcessorRecord) error) (*models.ProcessorRecord, error)

	AnchorStore
}

// AnchorStore persists ledger anchors and doubles as the retry outbox.
type AnchorStore interface {
	GetAnchor(ctx context.Context, id string) (*models.Anchor, error)
	// InsertAnchor stores a if no anchor with the same ID exists and returns
	// the stored record either way.
	InsertAnchor(ctx context.Context, a *models.Anchor) (*models.Anchor, error)
	SaveAnchor(ctx context.Context, a *models.Anchor) error
	// ListPendingAnchors returns the outbox, oldest first: anchors not yet
	// confirmed by the ledger and confirmed anchors whose reference has not
	// been attached yet.
	ListPendingAnchors(ctx context.Context, limit int) ([]models.Anchor, error)
}

// MutateLabTest runs mutate on a copy of cur and enforces the anchored-test
// immutability rule. Shared by the store implementations.
func MutateLabTest(cur *models.LabTest, mutate func(*models.LabTest) error) (*models.LabTest, error) {
	next := cur.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	if err := cur.CheckMutation(next); err != nil {
		return nil, err
	}
	return next, nil
}
