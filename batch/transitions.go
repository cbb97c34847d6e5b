package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"herbtrace/certificate"
	"herbtrace/models"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// AssignToAgency moves a Collected batch into an agency's custody. Repeating
// the same assignment is a no-op; reassignment is allowed until a lab result
// has been recorded.
func (m *Manager) AssignToAgency(ctx context.Context, agencyID primitive.ObjectID, batchRef string) (*models.Batch, error) {
	if _, err := m.store.GetAgency(ctx, agencyID); err != nil {
		return nil, err
	}
	cur, err := m.Resolve(ctx, batchRef)
	if err != nil {
		return nil, err
	}

	b, err := m.update(ctx, cur.ID, func(b *models.Batch) (bool, error) {
		if b.Status == models.BatchStatusAssignedToAgency && b.AgencyID != nil && *b.AgencyID == agencyID {
			return false, nil
		}
		if !b.Status.PreLab() {
			return false, &models.IntegrityError{
				Op:     "assign " + b.Code,
				Reason: fmt.Sprintf("batch is %s, only Collected or AssignedToAgency batches can be assigned", b.Status),
			}
		}
		id := agencyID
		b.AgencyID = &id
		b.Transition(models.BatchStatusAssignedToAgency, "agency:"+agencyID.Hex(), "", m.clock())
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if _, err := m.store.AddAgencyBatch(ctx, agencyID, b.ID); err != nil {
		return nil, err
	}
	m.log.Info("batch assigned", "batch", b.Code, "agency", agencyID.Hex())
	return b, nil
}

// LabInput is a laboratory submission for one batch.
type LabInput struct {
	BatchRef       string
	LabName        string
	AnalystID      string
	Parameters     models.LabParameters
	CertificateURL string
}

// LabOutcome is the recorded test, the updated batch and its scannable code.
// Warnings list non-fatal follow-up failures (anchoring, rendering).
type LabOutcome struct {
	Test     *models.LabTest
	Batch    *models.Batch
	Code     string
	Warnings []string
}

// RecordLabResult evaluates the parameters, stores the test and moves the
// batch to Approved or Rejected. Anchoring and code rendering happen after
// the local commit and never undo it.
func (m *Manager) RecordLabResult(ctx context.Context, in LabInput) (*LabOutcome, error) {
	if strings.TrimSpace(in.LabName) == "" {
		return nil, &models.ValidationError{Field: "labName", Msg: "required"}
	}
	cur, err := m.Resolve(ctx, in.BatchRef)
	if err != nil {
		return nil, err
	}
	if !cur.Status.PreLab() {
		return nil, labClosed(cur)
	}

	ev := m.lab.Evaluate(in.Parameters)
	now := m.clock()
	lt := &models.LabTest{
		ID:             primitive.NewObjectID(),
		BatchID:        cur.ID,
		BatchCode:      cur.Code,
		LabName:        strings.TrimSpace(in.LabName),
		AnalystID:      in.AnalystID,
		Parameters:     in.Parameters.Clone(),
		Result:         ev.Result,
		FailReasons:    ev.Reasons,
		CertificateURL: in.CertificateURL,
		AnchorStatus:   models.AnchorStatusPending,
		TestedAt:       now,
	}
	lt.Fingerprint = lt.ComputeFingerprint()
	if err := m.store.CreateLabTest(ctx, lt); err != nil {
		return nil, err
	}

	next := models.BatchStatusApproved
	if ev.Result == models.LabResultFail {
		next = models.BatchStatusRejected
	}
	b, err := m.update(ctx, cur.ID, func(b *models.Batch) (bool, error) {
		if !b.Status.PreLab() {
			return false, labClosed(b)
		}
		id := lt.ID
		b.LabTestID = &id
		b.Transition(next, "lab:"+lt.LabName, string(ev.Result), now)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	m.metrics.LabResult(string(ev.Result))
	m.log.Info("lab result recorded", "batch", b.Code, "labTest", lt.ID.Hex(),
		"result", ev.Result, "reasons", ev.Reasons)

	out := &LabOutcome{Test: lt, Batch: b}
	if t, warn := m.anchorLabTest(ctx, lt); warn != "" {
		out.Warnings = append(out.Warnings, warn)
	} else {
		out.Test = t
	}

	code, err := m.renderLabCode(ctx, out.Test)
	if err != nil {
		m.log.Warn("lab code rendering failed", "labTest", lt.ID.Hex(), "err", err)
		out.Warnings = append(out.Warnings, "code rendering pending: "+err.Error())
	} else {
		out.Code = code
		out.Test.Code = code
	}
	return out, nil
}

func labClosed(b *models.Batch) error {
	return &models.IntegrityError{
		Op:     "record lab result for " + b.Code,
		Reason: fmt.Sprintf("batch is %s, a lab result can only be recorded once before approval", b.Status),
	}
}

func (m *Manager) anchorLabTest(ctx context.Context, lt *models.LabTest) (*models.LabTest, string) {
	ref, err := m.anchors.Anchor(ctx, lt.BatchCode, models.EventLabEvaluated, lt.Fingerprint)
	if err != nil {
		return nil, m.anchorWarning(lt.BatchCode, models.EventLabEvaluated, err)
	}
	t, err := m.store.UpdateLabTest(ctx, lt.ID, func(t *models.LabTest) error {
		t.AnchorRef = ref
		t.AnchorStatus = models.AnchorStatusAnchored
		return nil
	})
	if err != nil {
		m.log.Error("attach anchor to lab test", "labTest", lt.ID.Hex(), "err", err)
		return nil, "anchor recorded, attaching the reference will be retried"
	}
	m.markAttached(ctx, lt.BatchCode, models.EventLabEvaluated)
	return t, ""
}

// markAttached takes a confirmed anchor out of the outbox. If that fails the
// retrier back-fills the same reference again, which is harmless.
func (m *Manager) markAttached(ctx context.Context, code, event string) {
	if err := m.anchors.Attach(ctx, code, event); err != nil {
		m.log.Warn("mark anchor attached", "batch", code, "event", event, "err", err)
	}
}

func (m *Manager) anchorWarning(code, event string, err error) string {
	if errors.Is(err, models.ErrAnchorPending) {
		m.log.Warn("ledger anchor pending", "batch", code, "event", event, "err", err)
		return "ledger anchor pending, will retry"
	}
	m.log.Error("ledger anchor failed", "batch", code, "event", event, "err", err)
	return "ledger anchor failed: " + err.Error()
}

// labCode is what a lab test's scannable code encodes.
type labCode struct {
	LabTestID   string           `json:"labTestId"`
	BatchCode   string           `json:"batchCode"`
	LabName     string           `json:"labName"`
	Result      models.LabResult `json:"result"`
	FailReasons []string         `json:"failReasons"`
	TestedAt    time.Time        `json:"testedAt"`
	Fingerprint string           `json:"fingerprint"`
	AnchorRef   string           `json:"anchorRef,omitempty"`
}

func (m *Manager) renderLabCode(ctx context.Context, lt *models.LabTest) (string, error) {
	raw, err := json.Marshal(labCode{
		LabTestID: lt.ID.Hex(), BatchCode: lt.BatchCode, LabName: lt.LabName, Result: lt.Result,
		FailReasons: lt.FailReasons, TestedAt: lt.TestedAt, Fingerprint: lt.Fingerprint, AnchorRef: lt.AnchorRef,
	})
	if err != nil {
		return "", err
	}
	code, err := m.certs.Render(ctx, string(raw))
	if err != nil {
		return "", err
	}
	if _, err := m.store.UpdateLabTest(ctx, lt.ID, func(t *models.LabTest) error {
		t.Code = code
		return nil
	}); err != nil {
		return "", err
	}
	return code, nil
}

// ProcessInput links approved batches to a final product.
type ProcessInput struct {
	BatchRef            string
	ExtraBatchRefs      []string
	FinalProductBatchID string
	HerbName            string
	PartUsed            string
	QuantityProcessed   *float64
	DryingMethod        string
	ExtractionMethod    string
	ProductName         string
	FormulationType     string
	ExpiryDate          *time.Time
	FinalLabCheck       string
}

// ProcessOutcome is the stored record and the certificate of its primary batch.
type ProcessOutcome struct {
	Record      *models.ProcessorRecord
	Certificate *certificate.Certificate
	Warnings    []string
}

// LinkProcessor records a processing step. Every source batch must be
// Approved; each one moves to Processed and points at the record.
func (m *Manager) LinkProcessor(ctx context.Context, in ProcessInput) (*ProcessOutcome, error) {
	if strings.TrimSpace(in.ProductName) == "" {
		return nil, &models.ValidationError{Field: "productName", Msg: "required"}
	}
	if in.QuantityProcessed != nil && *in.QuantityProcessed <= 0 {
		return nil, &models.ValidationError{Field: "quantityProcessed", Msg: "must be positive"}
	}

	primary, err := m.Resolve(ctx, in.BatchRef)
	if err != nil {
		return nil, err
	}
	sources := []*models.Batch{primary}
	seen := map[primitive.ObjectID]bool{primary.ID: true}
	for _, ref := range in.ExtraBatchRefs {
		b, err := m.Resolve(ctx, ref)
		if err != nil {
			return nil, err
		}
		if !seen[b.ID] {
			seen[b.ID] = true
			sources = append(sources, b)
		}
	}
	for _, b := range sources {
		if err := processable(b); err != nil {
			return nil, err
		}
	}

	recID := primitive.NewObjectID()
	if err := m.claimSources(ctx, sources, recID); err != nil {
		return nil, err
	}

	now := m.clock()
	rec := &models.ProcessorRecord{
		ID:                  recID,
		PrimaryBatchID:      primary.ID,
		FinalProductBatchID: in.FinalProductBatchID,
		HerbName:            in.HerbName,
		PartUsed:            in.PartUsed,
		QuantityProcessed:   in.QuantityProcessed,
		DryingMethod:        in.DryingMethod,
		ExtractionMethod:    in.ExtractionMethod,
		ProductName:         strings.TrimSpace(in.ProductName),
		FormulationType:     in.FormulationType,
		ExpiryDate:          in.ExpiryDate,
		FinalLabCheck:       in.FinalLabCheck,
		AnchorStatus:        models.AnchorStatusPending,
		CreatedAt:           now,
	}
	if rec.HerbName == "" {
		rec.HerbName = primary.Species
	}
	for _, b := range sources {
		rec.BatchIDs = append(rec.BatchIDs, b.ID)
	}
	rec.Fingerprint = rec.ComputeFingerprint()
	if err := m.store.CreateProcessorRecord(ctx, rec); err != nil {
		m.releaseSources(ctx, sources, recID)
		return nil, err
	}

	for _, src := range sources {
		if _, err := m.update(ctx, src.ID, func(b *models.Batch) (bool, error) {
			if b.Status != models.BatchStatusApproved || b.ProcessorID == nil || *b.ProcessorID != recID {
				return false, &models.IntegrityError{Op: "process " + b.Code, Reason: "processing claim was lost"}
			}
			b.Transition(models.BatchStatusProcessed, "processor", rec.ProductName, now)
			return true, nil
		}); err != nil {
			return nil, err
		}
	}
	m.log.Info("batches processed", "record", rec.ID.Hex(), "primary", primary.Code,
		"sources", len(sources), "product", rec.ProductName)

	out := &ProcessOutcome{Record: rec}
	if ref, err := m.anchors.Anchor(ctx, primary.Code, models.EventProcessed, rec.Fingerprint); err != nil {
		out.Warnings = append(out.Warnings, m.anchorWarning(primary.Code, models.EventProcessed, err))
	} else if r, err := m.store.UpdateProcessorRecord(ctx, rec.ID, func(r *models.ProcessorRecord) error {
		r.AnchorRef = ref
		r.AnchorStatus = models.AnchorStatusAnchored
		return nil
	}); err == nil {
		out.Record = r
		m.markAttached(ctx, primary.Code, models.EventProcessed)
	} else {
		m.log.Error("attach anchor to processor record", "record", rec.ID.Hex(), "err", err)
	}

	cert, err := m.certs.Assemble(ctx, primary.ID)
	switch {
	case err == nil:
	case errors.Is(err, certificate.ErrCodePending):
		m.log.Warn("certificate code rendering failed", "batch", primary.Code, "err", err)
		out.Warnings = append(out.Warnings, err.Error())
	default:
		return nil, err
	}
	out.Certificate = cert
	if r, err := m.store.UpdateProcessorRecord(ctx, rec.ID, func(r *models.ProcessorRecord) error {
		r.CertificateURL = cert.URL
		r.CertificateCode = cert.Code
		return nil
	}); err == nil {
		out.Record = r
	} else {
		m.log.Error("store certificate on processor record", "record", rec.ID.Hex(), "err", err)
	}
	return out, nil
}

// processable reports why a batch cannot enter a processing step, if it
// cannot.
func processable(b *models.Batch) error {
	if b.Status != models.BatchStatusApproved {
		return &models.IntegrityError{
			Op:     "process " + b.Code,
			Reason: fmt.Sprintf("batch is %s, only Approved batches can be processed", b.Status),
		}
	}
	if b.ProcessorID != nil {
		return &models.IntegrityError{
			Op:     "process " + b.Code,
			Reason: "batch is already claimed by processor record " + b.ProcessorID.Hex(),
		}
	}
	return nil
}

// claimSources points every source at the record about to be created while
// leaving them Approved. A claimed batch cannot be taken by another
// processing step. If any claim fails the earlier ones are released, so a
// rejected request leaves no batch half processed.
func (m *Manager) claimSources(ctx context.Context, sources []*models.Batch, recID primitive.ObjectID) error {
	for i, src := range sources {
		_, err := m.update(ctx, src.ID, func(b *models.Batch) (bool, error) {
			if err := processable(b); err != nil {
				return false, err
			}
			id := recID
			b.ProcessorID = &id
			return true, nil
		})
		if err != nil {
			m.releaseSources(ctx, sources[:i], recID)
			return err
		}
	}
	return nil
}

func (m *Manager) releaseSources(ctx context.Context, sources []*models.Batch, recID primitive.ObjectID) {
	for _, src := range sources {
		_, err := m.update(ctx, src.ID, func(b *models.Batch) (bool, error) {
			if b.Status != models.BatchStatusApproved || b.ProcessorID == nil || *b.ProcessorID != recID {
				return false, nil
			}
			b.ProcessorID = nil
			return true, nil
		})
		if err != nil {
			m.log.Error("release processing claim", "batch", src.Code, "record", recID.Hex(), "err", err)
		}
	}
}

// OverrideStatus attaches a free-text administrative status to a batch. It
// is recorded in history as an override and leaves the guarded lifecycle
// status untouched.
func (m *Manager) OverrideStatus(ctx context.Context, batchRef, label, note, actor string) (*models.Batch, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return nil, &models.ValidationError{Field: "status", Msg: "required"}
	}
	cur, err := m.Resolve(ctx, batchRef)
	if err != nil {
		return nil, err
	}
	b, err := m.update(ctx, cur.ID, func(b *models.Batch) (bool, error) {
		b.Append(models.HistoryEntry{
			Kind:   models.HistoryOverride,
			Status: b.Status,
			Label:  label,
			Actor:  actor,
			Note:   note,
			At:     m.clock(),
		})
		b.OverrideLabel = label
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	m.metrics.Override()
	m.log.Warn("batch status override", "batch", b.Code, "status", b.Status,
		"label", label, "actor", actor, "note", note)
	return b, nil
}
