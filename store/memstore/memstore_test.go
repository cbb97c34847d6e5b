package memstore

import (
	"context"
	"errors"
	"testing"

	"herbtrace/models"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

func f(v float64) *float64 { return &v }

func anchoredLabTest(t *testing.T, s *Store) *models.LabTest {
	t.Helper()
	ctx := context.Background()
	lt := &models.LabTest{
		BatchID:     primitive.NewObjectID(),
		BatchCode:   "BATCH-1",
		LabName:     "Lab A",
		Parameters:  models.LabParameters{Moisture: f(14)},
		Result:      models.LabResultFail,
		FailReasons: []string{"MoistureHigh"},
	}
	lt.Fingerprint = lt.ComputeFingerprint()
	if err := s.CreateLabTest(ctx, lt); err != nil {
		t.Fatal(err)
	}
	// Attaching the first reference is allowed.
	got, err := s.UpdateLabTest(ctx, lt.ID, func(t *models.LabTest) error {
		t.AnchorRef = "ref-1"
		t.AnchorStatus = models.AnchorStatusAnchored
		return nil
	})
	if err != nil {
		t.Fatalf("attach reference: %v", err)
	}
	return got
}

func TestAnchoredLabTestIsImmutable(t *testing.T) {
	ctx := context.Background()
	s := New()
	lt := anchoredLabTest(t, s)

	tests := []struct {
		name   string
		mutate func(*models.LabTest)
	}{
		{"result", func(t *models.LabTest) { t.Result = models.LabResultPass }},
		{"parameters", func(t *models.LabTest) { t.Parameters.Moisture = f(9) }},
		{"fail reasons", func(t *models.LabTest) { t.FailReasons = append(t.FailReasons, "DNABarcodeMismatch") }},
		{"anchor reference", func(t *models.LabTest) { t.AnchorRef = "ref-2" }},
		{"fingerprint", func(t *models.LabTest) { t.Fingerprint = "forged" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.UpdateLabTest(ctx, lt.ID, func(lt *models.LabTest) error {
				tc.mutate(lt)
				return nil
			})
			var ie *models.IntegrityError
			if !errors.As(err, &ie) {
				t.Fatalf("expected IntegrityError, got %v", err)
			}
		})
	}

	stored, _ := s.GetLabTest(ctx, lt.ID)
	if stored.Result != models.LabResultFail || *stored.Parameters.Moisture != 14 ||
		len(stored.FailReasons) != 1 || stored.AnchorRef != "ref-1" || stored.Fingerprint != lt.Fingerprint {
		t.Fatalf("refused mutation leaked into the store: %+v", stored)
	}

	// Fields outside the evaluated content may still change.
	if _, err := s.UpdateLabTest(ctx, lt.ID, func(t *models.LabTest) error {
		t.Code = "data:image/png;base64,AAAA"
		return nil
	}); err != nil {
		t.Fatalf("setting the rendered code: %v", err)
	}
}

func TestReserveQuotaFractionalCeiling(t *testing.T) {
	ctx := context.Background()
	s := New()
	key := models.QuotaKey{ProducerID: primitive.NewObjectID(), Species: "Tulsi", Season: "Kharif-2025"}

	if _, err := s.ReserveQuota(ctx, key, 0.1, 0.3); err != nil {
		t.Fatal(err)
	}
	total, err := s.ReserveQuota(ctx, key, 0.2, 0.3)
	if err != nil {
		t.Fatalf("reservation that exactly fills the ceiling: %v", err)
	}
	if total < 0.3-1e-9 || total > 0.3+1e-9 {
		t.Fatalf("total = %v", total)
	}

	var qe *models.QuotaExceededError
	if _, err := s.ReserveQuota(ctx, key, 0.001, 0.3); !errors.As(err, &qe) {
		t.Fatalf("expected QuotaExceededError past the ceiling, got %v", err)
	}
}
