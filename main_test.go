package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"herbtrace/certificate"
	"herbtrace/store/memstore"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

func testApp(t *testing.T) (*App, http.Handler) {
	t.Helper()
	return testAppAt(t, nil)
}

// testAppAt builds an app whose clock is pinned by now; nil means time.Now.
func testAppAt(t *testing.T, now func() time.Time) (*App, http.Handler) {
	t.Helper()
	cfg := Config{
		StoreDriver:   "memory",
		JWTSecret:     "test-secret",
		Policy:        defaultPolicy(),
		CertCodeMode:  certificate.ModeURL,
		PublicBaseURL: "http://trace.test",
		AnchorTimeout: time.Second,
		RetryInterval: time.Minute,
	}
	app, err := buildApp(cfg, memstore.New(), slog.New(slog.NewTextHandler(io.Discard, nil)), now)
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	return app, app.routes()
}

func do(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
	return v
}

// signup registers an account and logs in, returning its id and token.
func signup(t *testing.T, h http.Handler, role, email string) (string, string) {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/api/"+role, "", registerReq{
		Name: "Test " + role, Email: email, Password: "secret1", Contact: "+91 900000",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register %s: %d %s", role, rec.Code, rec.Body)
	}
	rec = do(t, h, http.MethodPost, "/api/auth/"+role+"/login", "", loginReq{Email: email, Password: "secret1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("login %s: %d %s", role, rec.Code, rec.Body)
	}
	tok := decodeBody[tokenResp](t, rec)
	if tok.Role != role {
		t.Fatalf("role = %q", tok.Role)
	}
	return tok.ID, tok.Token
}

func f64(v float64) *float64 { return &v }

func submit(t *testing.T, h http.Handler, pid, token string, qty, lat, lon float64) *httptest.ResponseRecorder {
	t.Helper()
	return do(t, h, http.MethodPost, "/api/batch", token, createBatchReq{
		ProducerID: pid, Species: "Ashwagandha", Quantity: qty, Lat: f64(lat), Lon: f64(lon),
	})
}

func TestProducerQuotaUsesAppClock(t *testing.T) {
	at := time.Date(2025, time.December, 1, 9, 0, 0, 0, time.UTC)
	_, h := testAppAt(t, func() time.Time { return at })
	pid, tok := signup(t, h, "producer", "ravi@example.org")

	if rec := submit(t, h, pid, tok, 30, 15.3, 75.7); rec.Code != http.StatusCreated {
		t.Fatalf("submit: %d %s", rec.Code, rec.Body)
	}
	rec := do(t, h, http.MethodGet, "/api/producer/"+pid+"/quota?species=ashwagandha", tok, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("quota: %d %s", rec.Code, rec.Body)
	}
	q := decodeBody[quotaResp](t, rec)
	if q.Season != "Rabi-2025" || q.Remaining != 470 {
		t.Fatalf("quota = %+v", q)
	}
}

func TestRegisterAndLogin(t *testing.T) {
	_, h := testApp(t)
	signup(t, h, "producer", "ravi@example.org")

	rec := do(t, h, http.MethodPost, "/api/producer", "", registerReq{
		Name: "Dup", Email: "RAVI@example.org", Password: "secret1", Contact: "x",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate email: %d", rec.Code)
	}
	rec = do(t, h, http.MethodPost, "/api/auth/producer/login", "", loginReq{Email: "ravi@example.org", Password: "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad password: %d", rec.Code)
	}
	rec = do(t, h, http.MethodPost, "/api/producer", "", registerReq{Name: "x", Email: "nope", Password: "secret1", Contact: "x"})
	if rec.Code != http.StatusBadRequest || decodeBody[errorResp](t, rec).Field != "email" {
		t.Fatalf("invalid email: %d %s", rec.Code, rec.Body)
	}
}

func TestSubmitBatch(t *testing.T) {
	_, h := testApp(t)
	pid, tok := signup(t, h, "producer", "ravi@example.org")

	rec := submit(t, h, pid, tok, 30, 15.3, 75.7)
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit: %d %s", rec.Code, rec.Body)
	}
	res := decodeBody[createBatchResp](t, rec)
	if res.RemainingQuota != 470 || !strings.HasPrefix(res.Batch.Code, "BATCH-") {
		t.Fatalf("unexpected response %+v", res)
	}

	if rec := submit(t, h, pid, tok, 480, 15.3, 75.7); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("over quota: %d %s", rec.Code, rec.Body)
	}
	if rec := submit(t, h, pid, tok, 10, 0, 0); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("out of zone: %d %s", rec.Code, rec.Body)
	}
	if rec := submit(t, h, pid, "", 10, 15.3, 75.7); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: %d", rec.Code)
	}
	if rec := submit(t, h, primitive.NewObjectID().Hex(), tok, 10, 15.3, 75.7); rec.Code != http.StatusForbidden {
		t.Fatalf("foreign producer: %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/api/producer/"+pid+"/quota?species=ashwagandha", tok, nil)
	if rec.Code != http.StatusOK || decodeBody[quotaResp](t, rec).Remaining != 470 {
		t.Fatalf("quota: %d %s", rec.Code, rec.Body)
	}

	rec = do(t, h, http.MethodGet, "/api/batch/"+res.Batch.Code, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get by code: %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/batch/BATCH-MISSING", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing batch: %d", rec.Code)
	}
}

func TestSetProducerLocation(t *testing.T) {
	_, h := testApp(t)
	pid, tok := signup(t, h, "producer", "ravi@example.org")
	rec := do(t, h, http.MethodPut, "/api/producer/"+pid+"/location", tok, locationReq{Lat: f64(15.1), Lon: f64(76.2), Address: "Hubli"})
	if rec.Code != http.StatusOK {
		t.Fatalf("set location: %d %s", rec.Code, rec.Body)
	}
	if rec := do(t, h, http.MethodPut, "/api/producer/"+pid+"/location", tok, locationReq{}); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty location: %d", rec.Code)
	}
}

func TestPipelineEndToEnd(t *testing.T) {
	_, h := testApp(t)
	pid, ptok := signup(t, h, "producer", "ravi@example.org")
	aid, atok := signup(t, h, "agency", "agency@example.org")

	b := decodeBody[createBatchResp](t, submit(t, h, pid, ptok, 40, 15.3, 75.7)).Batch

	if rec := do(t, h, http.MethodPost, "/api/agency/assign", ptok, assignReq{AgencyID: aid, BatchID: b.Code}); rec.Code != http.StatusForbidden {
		t.Fatalf("producer token on agency route: %d", rec.Code)
	}
	rec := do(t, h, http.MethodPost, "/api/agency/assign", atok, assignReq{AgencyID: aid, BatchID: b.Code})
	if rec.Code != http.StatusOK {
		t.Fatalf("assign: %d %s", rec.Code, rec.Body)
	}
	rec = do(t, h, http.MethodGet, "/api/agency/"+aid+"/batches", atok, nil)
	if got := decodeBody[agencyBatchesResp](t, rec); len(got.Batches) != 1 {
		t.Fatalf("agency batches: %s", rec.Body)
	}

	rec = do(t, h, http.MethodPost, "/api/agency/status", atok, statusReq{BatchID: b.Code, Status: "Quality check", Note: "visual"})
	if rec.Code != http.StatusOK {
		t.Fatalf("override: %d %s", rec.Code, rec.Body)
	}

	rec = do(t, h, http.MethodPost, "/api/lab/test", "", map[string]any{
		"batchId": b.Code, "labName": "Lab A",
		"parameters": map[string]any{"moisture": 9, "pesticide_ppm": map[string]float64{"malathion": 0.005}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("lab test: %d %s", rec.Code, rec.Body)
	}
	lab := decodeBody[labTestResp](t, rec)
	if lab.LabTest.Result != "Pass" || lab.Batch.Status != "Approved" || lab.LabTest.AnchorRef == "" {
		t.Fatalf("lab response %+v", lab)
	}
	if rec := do(t, h, http.MethodPost, "/api/lab/test", "", labTestReq{BatchID: b.Code, LabName: "Lab B"}); rec.Code != http.StatusConflict {
		t.Fatalf("second lab test: %d", rec.Code)
	}
	rec = do(t, h, http.MethodGet, "/api/lab/test/"+lab.LabTest.ID.Hex()+"/code", "", nil)
	if rec.Code != http.StatusOK || !strings.HasPrefix(decodeBody[labCodeResp](t, rec).Code, "data:image/png") {
		t.Fatalf("lab code: %d", rec.Code)
	}
	rec = do(t, h, http.MethodGet, "/api/lab/batch/"+b.Code+"/tests", "", nil)
	if tests := decodeBody[[]map[string]any](t, rec); len(tests) != 1 {
		t.Fatalf("lab tests: %s", rec.Body)
	}

	rec = do(t, h, http.MethodPost, "/api/processor", "", processorReq{BatchID: b.Code, ProductName: "Ashwagandha Churna"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("processor: %d %s", rec.Code, rec.Body)
	}
	proc := decodeBody[processorResp](t, rec)
	if proc.Certificate == nil || proc.Certificate.Payload.LabTest == nil || proc.Certificate.Payload.Producer == nil {
		t.Fatalf("certificate %+v", proc.Certificate)
	}

	rec = do(t, h, http.MethodGet, "/api/batch/"+b.Code+"/certificate", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("certificate: %d", rec.Code)
	}
	cert := decodeBody[certificateResp](t, rec)
	if cert.Payload.Batch.Status != "Processed" || cert.URL != "http://trace.test/api/batch/"+b.Code+"/certificate" {
		t.Fatalf("certificate %+v", cert.Certificate)
	}

	rec = do(t, h, http.MethodGet, "/api/processor/"+b.Code, "", nil)
	if recs := decodeBody[[]map[string]any](t, rec); len(recs) != 1 {
		t.Fatalf("processor records: %s", rec.Body)
	}
}

func TestOpsEndpoints(t *testing.T) {
	_, h := testApp(t)
	if rec := do(t, h, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
	// one request so the HTTP collectors have a sample
	do(t, h, http.MethodGet, "/api/batch/BATCH-NONE", "", nil)
	rec := do(t, h, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "herbtrace_http_requests_total") {
		t.Fatalf("metrics: %d", rec.Code)
	}
	rec = do(t, h, http.MethodGet, "/api/openapi.yaml", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "openapi: 3") {
		t.Fatalf("openapi: %d", rec.Code)
	}
}

func TestLoadPolicy(t *testing.T) {
	p, err := loadPolicy(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil || p.Ceilings["Ashwagandha"] != 500 || p.Lab.MoistureMaxPct != 12 {
		t.Fatalf("defaults: %+v, %v", p, err)
	}

	path := filepath.Join(t.TempDir(), "policy.yaml")
	data := "ceilings:\n  Ashwagandha: 100\nlab:\n  moistureMaxPct: 10\n  pesticidePpm:\n    chlorpyrifos: 0.02\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err = loadPolicy(path)
	if err != nil {
		t.Fatal(err)
	}
	if p.Ceilings["Ashwagandha"] != 100 || len(p.Ceilings) != 1 {
		t.Fatalf("ceilings = %v", p.Ceilings)
	}
	if p.Lab.MoistureMaxPct != 10 || p.Lab.DefaultPesticidePPM != 0.01 || p.Lab.PesticidePPM["chlorpyrifos"] != 0.02 {
		t.Fatalf("lab = %+v", p.Lab)
	}

	if err := os.WriteFile(path, []byte("ceilings:\n  Tulsi: -1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := loadPolicy(path); err == nil {
		t.Fatal("expected error for negative ceiling")
	}

	if err := os.WriteFile(path, []byte("lab:\n  moistureMaxPct: 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err = loadPolicy(path)
	if err != nil {
		t.Fatal(err)
	}
	if p.Lab.MoistureMaxPct != 0 || p.Lab.DefaultPesticidePPM != 0.01 || p.Ceilings["Tulsi"] != 300 {
		t.Fatalf("explicit zero: %+v", p)
	}

	if err := os.WriteFile(path, []byte("lab:\n  defaultPesticidePpm: -0.5\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := loadPolicy(path); err == nil {
		t.Fatal("expected error for negative lab threshold")
	}
}

func TestJWTRoundTrip(t *testing.T) {
	id := primitive.NewObjectID()
	tok, err := signJWT("s3cret", id, roleAgency)
	if err != nil {
		t.Fatal(err)
	}
	p, err := parseJWT("s3cret", tok)
	if err != nil || p.ID != id || p.Role != roleAgency {
		t.Fatalf("parse = %+v, %v", p, err)
	}
	if _, err := parseJWT("other", tok); err == nil {
		t.Fatal("expected failure with wrong secret")
	}
}
