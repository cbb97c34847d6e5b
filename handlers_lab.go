package main

import (
	"context"
	"net/http"
	"time"

	"herbtrace/batch"

	"github.com/go-chi/chi/v5"
)

// handleLabTest evaluates a lab submission and records the verdict.
// Anchoring problems come back as warnings on a 201.
func (a *App) handleLabTest(w http.ResponseWriter, r *http.Request) {
	var req labTestReq
	if err := decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 20*time.Second)
	defer cancel()
	out, err := a.batches.RecordLabResult(ctx, batch.LabInput{
		BatchRef:       req.BatchID,
		LabName:        req.LabName,
		AnalystID:      req.AnalystID,
		Parameters:     req.Parameters,
		CertificateURL: req.CertificateURL,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, labTestResp{LabTest: out.Test, Batch: out.Batch, Code: out.Code, Warnings: out.Warnings})
}

func (a *App) handleLabTestCode(w http.ResponseWriter, r *http.Request) {
	id, err := parseID("id", chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	code, err := a.batches.LabTestCode(ctx, id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, labCodeResp{LabTestID: id.Hex(), Code: code})
}

func (a *App) handleBatchLabTests(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	tests, err := a.batches.ListLabTests(ctx, chi.URLParam(r, "batchId"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tests)
}
