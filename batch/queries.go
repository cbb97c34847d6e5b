package batch

import (
	"context"
	"errors"

	"herbtrace/certificate"
	"herbtrace/models"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ListAgencyBatches returns the batches currently held by an agency, newest
// first. Batches since reassigned elsewhere are left out.
func (m *Manager) ListAgencyBatches(ctx context.Context, agencyID primitive.ObjectID) ([]models.Batch, error) {
	ag, err := m.store.GetAgency(ctx, agencyID)
	if err != nil {
		return nil, err
	}
	all, err := m.store.ListBatches(ctx, ag.BatchIDs)
	if err != nil {
		return nil, err
	}
	out := make([]models.Batch, 0, len(all))
	for _, b := range all {
		if b.AgencyID != nil && *b.AgencyID == agencyID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *Manager) ListLabTests(ctx context.Context, batchRef string) ([]models.LabTest, error) {
	b, err := m.Resolve(ctx, batchRef)
	if err != nil {
		return nil, err
	}
	return m.store.ListLabTestsByBatch(ctx, b.ID)
}

// LabTestCode returns the stored scannable code of a test, rendering it
// first if an earlier attempt failed.
func (m *Manager) LabTestCode(ctx context.Context, id primitive.ObjectID) (string, error) {
	lt, err := m.store.GetLabTest(ctx, id)
	if err != nil {
		return "", err
	}
	if lt.Code != "" {
		return lt.Code, nil
	}
	return m.renderLabCode(ctx, lt)
}

func (m *Manager) ListProcessorRecords(ctx context.Context, batchRef string) ([]models.ProcessorRecord, error) {
	b, err := m.Resolve(ctx, batchRef)
	if err != nil {
		return nil, err
	}
	return m.store.ListProcessorRecordsByBatch(ctx, b.ID)
}

// Certificate assembles the provenance certificate for a batch. A rendering
// failure still returns the payload, with the error wrapping
// certificate.ErrCodePending.
func (m *Manager) Certificate(ctx context.Context, batchRef string) (*certificate.Certificate, error) {
	b, err := m.Resolve(ctx, batchRef)
	if err != nil {
		return nil, err
	}
	return m.certs.Assemble(ctx, b.ID)
}

// Backfill attaches a reference confirmed by the anchor retrier to the
// record that produced it. Evaluated content is never touched.
func (m *Manager) Backfill(ctx context.Context, a models.Anchor) error {
	b, err := m.store.GetBatchByCode(ctx, a.BatchCode)
	if err != nil {
		return err
	}
	switch a.EventType {
	case models.EventLabEvaluated:
		if b.LabTestID == nil {
			return &models.IntegrityError{Op: "backfill " + a.ID, Reason: "batch has no lab test"}
		}
		_, err = m.store.UpdateLabTest(ctx, *b.LabTestID, func(t *models.LabTest) error {
			if t.Fingerprint != a.Fingerprint {
				return &models.IntegrityError{Op: "backfill " + a.ID, Reason: "fingerprint does not match lab test"}
			}
			t.AnchorRef = a.Reference
			t.AnchorStatus = models.AnchorStatusAnchored
			return nil
		})
	case models.EventProcessed:
		if b.ProcessorID == nil {
			return &models.IntegrityError{Op: "backfill " + a.ID, Reason: "batch has no processor record"}
		}
		_, err = m.store.UpdateProcessorRecord(ctx, *b.ProcessorID, func(r *models.ProcessorRecord) error {
			if r.Fingerprint != a.Fingerprint {
				return &models.IntegrityError{Op: "backfill " + a.ID, Reason: "fingerprint does not match processor record"}
			}
			r.AnchorRef = a.Reference
			r.AnchorStatus = models.AnchorStatusAnchored
			return nil
		})
	default:
		err = errors.New("unknown anchor event " + a.EventType)
	}
	if err == nil {
		m.log.Info("anchor reference back-filled", "batch", a.BatchCode, "event", a.EventType, "ref", a.Reference)
	}
	return err
}
