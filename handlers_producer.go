package main

import (
	"context"
	"net/http"
	"time"

	"herbtrace/models"
	"herbtrace/quota"

	"github.com/go-chi/chi/v5"
)

type quotaResp struct {
	Species   string  `json:"species"`
	Season    string  `json:"season"`
	Ceiling   float64 `json:"ceiling"`
	Remaining float64 `json:"remaining"`
}

// ownProducer resolves the {id} path parameter and checks it against the
// token subject.
func (a *App) ownProducer(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if mustPrincipal(r).ID.Hex() != id {
		writeJSONError(w, http.StatusForbidden, "token does not belong to this producer")
		return id, false
	}
	return id, true
}

// handleSetProducerLocation updates a producer's registered farm location.
func (a *App) handleSetProducerLocation(w http.ResponseWriter, r *http.Request) {
	raw, ok := a.ownProducer(w, r)
	if !ok {
		return
	}
	id, err := parseID("id", raw)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var req locationReq
	if err := decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if req.Lat == nil || req.Lon == nil {
		a.writeError(w, r, &models.ValidationError{Field: "lat", Msg: "lat and lon are required"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	p, err := a.store.SetProducerLocation(ctx, id, models.Location{Lat: *req.Lat, Lon: *req.Lon, Address: req.Address})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p.Location)
}

// handleProducerQuota reports the remaining seasonal allowance for a species.
func (a *App) handleProducerQuota(w http.ResponseWriter, r *http.Request) {
	raw, ok := a.ownProducer(w, r)
	if !ok {
		return
	}
	id, err := parseID("id", raw)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	species, known := a.quota.Canonical(r.URL.Query().Get("species"))
	if !known {
		a.writeError(w, r, &models.ValidationError{Field: "species", Msg: "unknown species"})
		return
	}
	season := quota.SeasonOf(a.clock())
	if s := r.URL.Query().Get("season"); s != "" {
		season = s
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	remaining, err := a.quota.Remaining(ctx, id, species, season)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	ceiling, _ := a.quota.Ceiling(species)
	writeJSON(w, http.StatusOK, quotaResp{Species: species, Season: season, Ceiling: ceiling, Remaining: remaining})
}
