package main

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// handleAssign places a batch in the authenticated agency's custody.
func (a *App) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req assignReq
	if err := decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	agencyID, err := parseID("agencyId", req.AgencyID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if mustPrincipal(r).ID != agencyID {
		writeJSONError(w, http.StatusForbidden, "token does not belong to this agency")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	b, err := a.batches.AssignToAgency(ctx, agencyID, req.BatchID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (a *App) handleAgencyBatches(w http.ResponseWriter, r *http.Request) {
	id, err := parseID("id", chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if mustPrincipal(r).ID != id {
		writeJSONError(w, http.StatusForbidden, "token does not belong to this agency")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	ag, err := a.store.GetAgency(ctx, id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	list, err := a.batches.ListAgencyBatches(ctx, id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agencyBatchesResp{Agency: ag.Name, Batches: list})
}

// handleOverrideStatus records an administrative status label. The guarded
// lifecycle status is not changed.
func (a *App) handleOverrideStatus(w http.ResponseWriter, r *http.Request) {
	var req statusReq
	if err := decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	actor := "agency:" + mustPrincipal(r).ID.Hex()
	b, err := a.batches.OverrideStatus(ctx, req.BatchID, req.Status, req.Note, actor)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}
