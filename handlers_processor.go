package main

import (
	"context"
	"net/http"
	"time"

	"herbtrace/batch"

	"github.com/go-chi/chi/v5"
)

// handleCreateProcessorRecord links approved batches to a product and
// returns the record together with the certificate.
func (a *App) handleCreateProcessorRecord(w http.ResponseWriter, r *http.Request) {
	var req processorReq
	if err := decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	out, err := a.batches.LinkProcessor(ctx, batch.ProcessInput{
		BatchRef:            req.BatchID,
		ExtraBatchRefs:      req.BatchIDs,
		FinalProductBatchID: req.FinalProductBatchID,
		HerbName:            req.HerbName,
		PartUsed:            req.PartUsed,
		QuantityProcessed:   req.QuantityProcessed,
		DryingMethod:        req.DryingMethod,
		ExtractionMethod:    req.ExtractionMethod,
		ProductName:         req.ProductName,
		FormulationType:     req.FormulationType,
		ExpiryDate:          req.ExpiryDate,
		FinalLabCheck:       req.FinalLabCheck,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, processorResp{Record: out.Record, Certificate: out.Certificate, Warnings: out.Warnings})
}

func (a *App) handleProcessorRecords(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	recs, err := a.batches.ListProcessorRecords(ctx, chi.URLParam(r, "batchId"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}
