package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"herbtrace/batch"
	"herbtrace/certificate"

	"github.com/go-chi/chi/v5"
)

// handleCreateBatch admits a harvest batch for the authenticated producer.
func (a *App) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var req createBatchReq
	if err := decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	pid, err := parseID("producerId", req.ProducerID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if mustPrincipal(r).ID != pid {
		writeJSONError(w, http.StatusForbidden, "token does not belong to this producer")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	res, err := a.batches.Create(ctx, batch.CreateInput{
		ProducerID:   pid,
		Species:      req.Species,
		Quantity:     req.Quantity,
		Lat:          req.Lat,
		Lon:          req.Lon,
		UseAutoGPS:   req.UseAutoGPS,
		Photos:       req.Photos,
		QualityScore: req.QualityScore,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, createBatchResp{Batch: res.Batch, RemainingQuota: res.Remaining})
}

// handleGetBatch looks a batch up by id or public code.
func (a *App) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	b, err := a.batches.Resolve(ctx, chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// handleCertificate serves the provenance certificate. This is what URL-mode
// codes resolve to.
func (a *App) handleCertificate(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	cert, err := a.batches.Certificate(ctx, chi.URLParam(r, "id"))
	var warnings []string
	switch {
	case err == nil:
	case errors.Is(err, certificate.ErrCodePending) && cert != nil:
		warnings = append(warnings, err.Error())
	default:
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, certificateResp{Certificate: cert, Warnings: warnings})
}
