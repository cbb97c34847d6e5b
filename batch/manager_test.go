package batch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"herbtrace/anchor"
	"herbtrace/certificate"
	"herbtrace/geofence"
	"herbtrace/labeval"
	"herbtrace/models"
	"herbtrace/quota"
	"herbtrace/store"
	"herbtrace/store/memstore"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type fixture struct {
	m        *Manager
	st       *memstore.Store
	ledger   *anchor.MemoryLedger
	adapter  *anchor.Adapter
	producer *models.Producer
	agency   *models.Agency
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st := memstore.New()
	ledger := anchor.NewMemoryLedger()
	ad := anchor.NewAdapter(st, ledger)
	now := time.Date(2025, 7, 10, 9, 0, 0, 0, time.UTC)

	m := NewManager(Deps{
		Store:        st,
		Geofence:     geofence.New(geofence.DefaultZones()...),
		Quota:        quota.NewTracker(st, map[string]float64{"Ashwagandha": 100}),
		Lab:          labeval.NewDefaultEngine(labeval.DefaultPolicy()),
		Anchors:      ad,
		Certificates: certificate.NewAssembler(st, certificate.NewQRRenderer(), certificate.ModeURL, "https://trace.example.org"),
		Clock:        func() time.Time { return now },
	})

	p := &models.Producer{Name: "Ravi", Email: "ravi@example.org", Contact: "+91 900000"}
	if err := st.CreateProducer(ctx, p); err != nil {
		t.Fatal(err)
	}
	ag := &models.Agency{Name: "Green Agency", Email: "ag@example.org"}
	if err := st.CreateAgency(ctx, ag); err != nil {
		t.Fatal(err)
	}
	return &fixture{m: m, st: st, ledger: ledger, adapter: ad, producer: p, agency: ag}
}

func ptr(v float64) *float64 { return &v }

// withStore returns a copy of the manager persisting through st.
func (f *fixture) withStore(st store.Store) *Manager {
	m := *f.m
	m.store = st
	return &m
}

// interleavedStore runs hook once, right before the first batch update, to
// stand in for a concurrent request.
type interleavedStore struct {
	*memstore.Store
	once sync.Once
	hook func()
}

func (s *interleavedStore) UpdateBatch(ctx context.Context, b *models.Batch) error {
	s.once.Do(s.hook)
	return s.Store.UpdateBatch(ctx, b)
}

func (f *fixture) create(t *testing.T, qty float64) *models.Batch {
	t.Helper()
	c, err := f.m.Create(context.Background(), CreateInput{
		ProducerID: f.producer.ID, Species: "ashwagandha", Quantity: qty, Lat: ptr(15.3), Lon: ptr(75.7),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return c.Batch
}

func (f *fixture) approve(t *testing.T, b *models.Batch) *LabOutcome {
	t.Helper()
	out, err := f.m.RecordLabResult(context.Background(), LabInput{
		BatchRef: b.ID.Hex(), LabName: "Lab A", Parameters: models.LabParameters{Moisture: ptr(8)},
	})
	if err != nil {
		t.Fatalf("lab result: %v", err)
	}
	return out
}

func checkHistory(t *testing.T, b *models.Batch) {
	t.Helper()
	if len(b.History) == 0 {
		t.Fatal("empty history")
	}
	for i := 1; i < len(b.History); i++ {
		if b.History[i].At.Before(b.History[i-1].At) {
			t.Fatalf("history not time ordered at %d", i)
		}
	}
	if last := b.History[len(b.History)-1]; last.Status != b.Status {
		t.Fatalf("status %s does not match last history entry %s", b.Status, last.Status)
	}
}

func TestCreateAdmitsBatch(t *testing.T) {
	f := newFixture(t)
	c, err := f.m.Create(context.Background(), CreateInput{
		ProducerID: f.producer.ID, Species: "ashwagandha", Quantity: 30, Lat: ptr(15.3), Lon: ptr(75.7),
	})
	if err != nil {
		t.Fatal(err)
	}
	b := c.Batch
	if !strings.HasPrefix(b.Code, "BATCH-") || len(b.Code) != len("BATCH-")+8 {
		t.Fatalf("code = %q", b.Code)
	}
	if b.Status != models.BatchStatusCollected || b.Species != "Ashwagandha" || b.Season != "Kharif-2025" {
		t.Fatalf("unexpected batch %+v", b)
	}
	if c.Remaining != 70 {
		t.Fatalf("remaining = %v", c.Remaining)
	}
	checkHistory(t, b)
	p, _ := f.st.GetProducer(context.Background(), f.producer.ID)
	if p.TotalHarvested != 30 {
		t.Fatalf("producer total = %v", p.TotalHarvested)
	}
}

func TestCreateRejectsOverQuota(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, 90)

	_, err := f.m.Create(ctx, CreateInput{
		ProducerID: f.producer.ID, Species: "Ashwagandha", Quantity: 20, Lat: ptr(15.3), Lon: ptr(75.7),
	})
	var qe *models.QuotaExceededError
	if !errors.As(err, &qe) {
		t.Fatalf("expected QuotaExceededError, got %v", err)
	}
	if qe.Ceiling != 100 || qe.Harvested != 90 {
		t.Fatalf("error detail %+v", qe)
	}
	key := models.QuotaKey{ProducerID: f.producer.ID, Species: "Ashwagandha", Season: "Kharif-2025"}
	if have, _ := f.st.HarvestedFor(ctx, key); have != 90 {
		t.Fatalf("ledger = %v, want 90", have)
	}
	if p, _ := f.st.GetProducer(ctx, f.producer.ID); p.TotalHarvested != 90 {
		t.Fatalf("producer total = %v", p.TotalHarvested)
	}
}

func TestCreateRejectsOutOfZone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.m.Create(ctx, CreateInput{
		ProducerID: f.producer.ID, Species: "Ashwagandha", Quantity: 10, Lat: ptr(0), Lon: ptr(0),
	})
	var oz *models.OutOfZoneError
	if !errors.As(err, &oz) {
		t.Fatalf("expected OutOfZoneError, got %v", err)
	}
	if len(oz.Zones) != 1 || oz.Zones[0] != "karnataka-ashwagandha" {
		t.Fatalf("zones checked = %v", oz.Zones)
	}
	key := models.QuotaKey{ProducerID: f.producer.ID, Species: "Ashwagandha", Season: "Kharif-2025"}
	if have, _ := f.st.HarvestedFor(ctx, key); have != 0 {
		t.Fatalf("ledger touched: %v", have)
	}
}

func TestCreateAutoLocation(t *testing.T) {
	f := newFixture(t)
	in := CreateInput{ProducerID: f.producer.ID, Species: "Ashwagandha", Quantity: 5, UseAutoGPS: true}

	_, err := f.m.Create(context.Background(), in)
	var ve *models.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError without fallback, got %v", err)
	}

	f.m.fallback = &models.GeoTag{Lat: 12.97, Lon: 77.59}
	c, err := f.m.Create(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if c.Batch.GeoTag != *f.m.fallback {
		t.Fatalf("geotag = %+v", c.Batch.GeoTag)
	}
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	cases := map[string]CreateInput{
		"unknown species":  {ProducerID: f.producer.ID, Species: "Tulsi", Quantity: 5, Lat: ptr(15.3), Lon: ptr(75.7)},
		"zero quantity":    {ProducerID: f.producer.ID, Species: "Ashwagandha", Lat: ptr(15.3), Lon: ptr(75.7)},
		"missing location": {ProducerID: f.producer.ID, Species: "Ashwagandha", Quantity: 5},
		"latitude range":   {ProducerID: f.producer.ID, Species: "Ashwagandha", Quantity: 5, Lat: ptr(95), Lon: ptr(75.7)},
	}
	for name, in := range cases {
		_, err := f.m.Create(context.Background(), in)
		var ve *models.ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("%s: expected ValidationError, got %v", name, err)
		}
	}

	_, err := f.m.Create(context.Background(), CreateInput{
		ProducerID: primitive.NewObjectID(), Species: "Ashwagandha", Quantity: 5, Lat: ptr(15.3), Lon: ptr(75.7),
	})
	var nf *models.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError for unknown producer, got %v", err)
	}
}

func TestConcurrentCreateRespectsQuota(t *testing.T) {
	f := newFixture(t)
	var ok int32
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.m.Create(context.Background(), CreateInput{
				ProducerID: f.producer.ID, Species: "Ashwagandha", Quantity: 10, Lat: ptr(15.3), Lon: ptr(75.7),
			})
			if err == nil {
				atomic.AddInt32(&ok, 1)
			}
		}()
	}
	wg.Wait()
	if ok != 10 {
		t.Fatalf("accepted %d batches, want 10", ok)
	}
	if p, _ := f.st.GetProducer(context.Background(), f.producer.ID); p.TotalHarvested != 100 {
		t.Fatalf("producer total = %v", p.TotalHarvested)
	}
}

func TestAssignToAgency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.create(t, 10)

	got, err := f.m.AssignToAgency(ctx, f.agency.ID, b.Code)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.BatchStatusAssignedToAgency || *got.AgencyID != f.agency.ID {
		t.Fatalf("unexpected batch %+v", got)
	}
	again, err := f.m.AssignToAgency(ctx, f.agency.ID, b.ID.Hex())
	if err != nil {
		t.Fatal(err)
	}
	if len(again.History) != 2 {
		t.Fatalf("repeat assignment appended history: %d entries", len(again.History))
	}
	list, _ := f.m.ListAgencyBatches(ctx, f.agency.ID)
	if len(list) != 1 {
		t.Fatalf("agency holds %d batches", len(list))
	}

	other := &models.Agency{Name: "Other", Email: "other@example.org"}
	if err := f.st.CreateAgency(ctx, other); err != nil {
		t.Fatal(err)
	}
	if _, err := f.m.AssignToAgency(ctx, other.ID, b.Code); err != nil {
		t.Fatalf("reassign: %v", err)
	}
	if list, _ := f.m.ListAgencyBatches(ctx, f.agency.ID); len(list) != 0 {
		t.Fatalf("previous agency still lists %d batches", len(list))
	}

	if _, err := f.m.AssignToAgency(ctx, primitive.NewObjectID(), b.Code); err == nil {
		t.Fatal("expected error for unknown agency")
	}
}

func TestRecordLabResultRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.create(t, 10)

	out, err := f.m.RecordLabResult(ctx, LabInput{
		BatchRef: b.Code,
		LabName:  "Lab A",
		Parameters: models.LabParameters{
			Moisture:     ptr(14),
			PesticidePPM: map[string]float64{"chlorpyrifos": 0.02},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Test.Result != models.LabResultFail {
		t.Fatalf("result = %s", out.Test.Result)
	}
	if want := []string{"MoistureHigh", "chlorpyrifosAboveThreshold"}; strings.Join(out.Test.FailReasons, ",") != strings.Join(want, ",") {
		t.Fatalf("reasons = %v", out.Test.FailReasons)
	}
	if out.Batch.Status != models.BatchStatusRejected || *out.Batch.LabTestID != out.Test.ID {
		t.Fatalf("batch = %+v", out.Batch)
	}
	if out.Test.AnchorStatus != models.AnchorStatusAnchored || out.Test.AnchorRef == "" {
		t.Fatalf("lab test not anchored: %+v", out.Test)
	}
	if !strings.HasPrefix(out.Code, "data:image/png;base64,") || len(out.Warnings) != 0 {
		t.Fatalf("code %.30q warnings %v", out.Code, out.Warnings)
	}
	checkHistory(t, out.Batch)
	if last := out.Batch.History[len(out.Batch.History)-1]; last.Actor != "lab:Lab A" || last.Note != "Fail" {
		t.Fatalf("history entry = %+v", last)
	}

	if _, err := f.m.RecordLabResult(ctx, LabInput{BatchRef: b.Code, LabName: "Lab B"}); !isIntegrity(err) {
		t.Fatalf("second lab result: expected IntegrityError, got %v", err)
	}
}

func TestLabAnchorPendingThenBackfilled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.create(t, 10)

	f.ledger.FailWith(errors.New("gateway unavailable"))
	out := f.approve(t, b)
	if len(out.Warnings) == 0 {
		t.Fatal("expected an anchor warning")
	}
	if out.Batch.Status != models.BatchStatusApproved {
		t.Fatalf("status = %s", out.Batch.Status)
	}
	stored, _ := f.st.GetLabTest(ctx, out.Test.ID)
	if stored.AnchorStatus != models.AnchorStatusPending || stored.AnchorRef != "" {
		t.Fatalf("expected pending lab test, got %+v", stored)
	}

	f.ledger.FailWith(nil)
	n, err := anchor.NewRetrier(f.adapter, f.m.Backfill, time.Minute).RetryPending(ctx)
	if err != nil || n != 1 {
		t.Fatalf("retry = %d, %v", n, err)
	}
	after, _ := f.st.GetLabTest(ctx, out.Test.ID)
	if after.AnchorRef == "" || after.AnchorStatus != models.AnchorStatusAnchored {
		t.Fatalf("reference not back-filled: %+v", after)
	}
	if after.Result != stored.Result || after.Fingerprint != stored.Fingerprint {
		t.Fatal("back-fill altered the evaluated result")
	}
	if got, _ := f.st.GetBatch(ctx, b.ID); got.Status != models.BatchStatusApproved {
		t.Fatalf("batch status changed to %s", got.Status)
	}
}

func TestLinkProcessorBuildsCertificate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.create(t, 10)
	if _, err := f.m.AssignToAgency(ctx, f.agency.ID, b.Code); err != nil {
		t.Fatal(err)
	}
	f.approve(t, b)

	out, err := f.m.LinkProcessor(ctx, ProcessInput{
		BatchRef: b.Code, ProductName: "Ashwagandha Churna", QuantityProcessed: ptr(8),
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Record.AnchorRef == "" || out.Record.HerbName != "Ashwagandha" {
		t.Fatalf("record = %+v", out.Record)
	}
	p := out.Certificate.Payload
	if p.Producer == nil || p.LabTest == nil || p.Agency == nil || p.Processor == nil {
		t.Fatalf("certificate sections missing: %+v", p)
	}
	if p.Batch.Code != b.Code || !strings.HasPrefix(out.Certificate.Code, "data:image/png") {
		t.Fatalf("certificate = %+v", out.Certificate)
	}
	if out.Record.CertificateURL != "https://trace.example.org/api/batch/"+b.Code+"/certificate" {
		t.Fatalf("certificate url = %q", out.Record.CertificateURL)
	}

	got, _ := f.st.GetBatch(ctx, b.ID)
	if got.Status != models.BatchStatusProcessed || *got.ProcessorID != out.Record.ID {
		t.Fatalf("batch = %+v", got)
	}
	checkHistory(t, got)

	if _, err := f.m.LinkProcessor(ctx, ProcessInput{BatchRef: b.Code, ProductName: "Again"}); !isIntegrity(err) {
		t.Fatalf("relinking processed batch: expected IntegrityError, got %v", err)
	}
	if _, err := f.m.RecordLabResult(ctx, LabInput{BatchRef: b.Code, LabName: "Late"}); !isIntegrity(err) {
		t.Fatalf("lab after processing: expected IntegrityError, got %v", err)
	}
	recs, _ := f.m.ListProcessorRecords(ctx, b.Code)
	if len(recs) != 1 {
		t.Fatalf("processor records = %d", len(recs))
	}
}

func TestLinkProcessorRequiresApprovedSources(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	approved := f.create(t, 10)
	f.approve(t, approved)
	collected := f.create(t, 10)

	_, err := f.m.LinkProcessor(ctx, ProcessInput{
		BatchRef: approved.Code, ExtraBatchRefs: []string{collected.Code}, ProductName: "Blend",
	})
	if !isIntegrity(err) {
		t.Fatalf("expected IntegrityError, got %v", err)
	}
	if got, _ := f.st.GetBatch(ctx, approved.ID); got.Status != models.BatchStatusApproved {
		t.Fatalf("approved batch moved to %s", got.Status)
	}
}

func TestOverrideKeepsGuardedStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.create(t, 10)

	got, err := f.m.OverrideStatus(ctx, b.Code, "On hold", "moisture complaint", "agency:"+f.agency.ID.Hex())
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.BatchStatusCollected || got.OverrideLabel != "On hold" {
		t.Fatalf("batch = %+v", got)
	}
	last := got.History[len(got.History)-1]
	if last.Kind != models.HistoryOverride || last.Label != "On hold" || last.Status != models.BatchStatusCollected {
		t.Fatalf("override entry = %+v", last)
	}
	checkHistory(t, got)

	// The guarded path still works after an override.
	if _, err := f.m.AssignToAgency(ctx, f.agency.ID, b.Code); err != nil {
		t.Fatal(err)
	}
	if _, err := f.m.OverrideStatus(ctx, b.Code, "  ", "", "x"); err == nil {
		t.Fatal("expected validation error for empty label")
	}
}

func TestLabTestCodeRendersWhenMissing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.create(t, 10)
	out := f.approve(t, b)

	if _, err := f.st.UpdateLabTest(ctx, out.Test.ID, func(t *models.LabTest) error {
		t.Code = ""
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	code, err := f.m.LabTestCode(ctx, out.Test.ID)
	if err != nil || !strings.HasPrefix(code, "data:image/png") {
		t.Fatalf("code = %.30q, %v", code, err)
	}
	tests, _ := f.m.ListLabTests(ctx, b.Code)
	if len(tests) != 1 || tests[0].Code != code {
		t.Fatalf("lab tests = %+v", tests)
	}
}

func isIntegrity(err error) bool {
	var ie *models.IntegrityError
	return errors.As(err, &ie)
}

func TestFailedBackfillStaysInOutbox(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.create(t, 10)

	f.ledger.FailWith(errors.New("gateway unavailable"))
	out := f.approve(t, b)
	f.ledger.FailWith(nil)

	calls := 0
	backfill := func(ctx context.Context, a models.Anchor) error {
		calls++
		if calls == 1 {
			return errors.New("store briefly unavailable")
		}
		return f.m.Backfill(ctx, a)
	}
	r := anchor.NewRetrier(f.adapter, backfill, time.Minute)

	if n, err := r.RetryPending(ctx); err != nil || n != 0 {
		t.Fatalf("first sweep = %d, %v", n, err)
	}
	outbox, _ := f.st.ListPendingAnchors(ctx, 0)
	if len(outbox) != 1 || outbox[0].Status != models.AnchorStatusAnchored || outbox[0].Attached {
		t.Fatalf("confirmed but unattached anchor should stay in the outbox: %+v", outbox)
	}

	if n, err := r.RetryPending(ctx); err != nil || n != 1 {
		t.Fatalf("second sweep = %d, %v", n, err)
	}
	if calls != 2 {
		t.Fatalf("backfill calls = %d", calls)
	}
	lt, _ := f.st.GetLabTest(ctx, out.Test.ID)
	if lt.AnchorStatus != models.AnchorStatusAnchored || lt.AnchorRef != outbox[0].Reference {
		t.Fatalf("lab test not back-filled: %+v", lt)
	}
	if outbox, _ = f.st.ListPendingAnchors(ctx, 0); len(outbox) != 0 {
		t.Fatalf("outbox not drained: %+v", outbox)
	}
}

func TestAnchoredLabResultLeavesOutboxEmpty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	out := f.approve(t, f.create(t, 10))
	if out.Test.AnchorRef == "" {
		t.Fatalf("lab test not anchored: %+v", out.Test)
	}
	if outbox, _ := f.st.ListPendingAnchors(ctx, 0); len(outbox) != 0 {
		t.Fatalf("outbox = %+v", outbox)
	}
}

func TestLinkProcessorReleasesClaimsWhenASourceIsTaken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.create(t, 10)
	f.approve(t, first)
	second := f.create(t, 10)
	f.approve(t, second)
	before, _ := f.st.GetBatch(ctx, first.ID)

	rival := primitive.NewObjectID()
	st := &interleavedStore{Store: f.st, hook: func() {
		// Another processing step takes the second batch in the meantime.
		b, err := f.st.GetBatch(ctx, second.ID)
		if err != nil {
			t.Error(err)
			return
		}
		b.ProcessorID = &rival
		b.Transition(models.BatchStatusProcessed, "processor", "rival", b.UpdatedAt)
		if err := f.st.UpdateBatch(ctx, b); err != nil {
			t.Error(err)
		}
	}}
	m := f.withStore(st)

	_, err := m.LinkProcessor(ctx, ProcessInput{
		BatchRef: first.Code, ExtraBatchRefs: []string{second.Code}, ProductName: "Blend",
	})
	if !isIntegrity(err) {
		t.Fatalf("expected IntegrityError, got %v", err)
	}

	got, _ := f.st.GetBatch(ctx, first.ID)
	if got.Status != models.BatchStatusApproved || got.ProcessorID != nil || len(got.History) != len(before.History) {
		t.Fatalf("first source not restored: %+v", got)
	}
	if recs, _ := f.st.ListProcessorRecordsByBatch(ctx, first.ID); len(recs) != 0 {
		t.Fatalf("orphan processor records: %+v", recs)
	}

	out, err := m.LinkProcessor(ctx, ProcessInput{BatchRef: first.Code, ProductName: "Churna"})
	if err != nil {
		t.Fatalf("first source should still be processable: %v", err)
	}
	if got, _ := f.st.GetBatch(ctx, first.ID); got.Status != models.BatchStatusProcessed || *got.ProcessorID != out.Record.ID {
		t.Fatalf("batch = %+v", got)
	}
}
