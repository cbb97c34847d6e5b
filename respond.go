package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"herbtrace/models"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResp{Error: msg})
}

// writeError maps the domain error taxonomy onto HTTP status codes.
func (a *App) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve *models.ValidationError
		nf *models.NotFoundError
		ce *models.ConflictError
		qe *models.QuotaExceededError
		oz *models.OutOfZoneError
		ie *models.IntegrityError
	)
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, errorResp{Error: err.Error(), Field: ve.Field})
	case errors.As(err, &nf):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &ce), errors.As(err, &ie), errors.Is(err, models.ErrVersionConflict):
		writeJSONError(w, http.StatusConflict, err.Error())
	case errors.As(err, &qe), errors.As(err, &oz):
		writeJSONError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeJSONError(w, http.StatusServiceUnavailable, "request timed out")
	default:
		a.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

// decode reads a JSON body into v.
func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &models.ValidationError{Msg: "bad json: " + err.Error()}
	}
	return nil
}

func parseID(field, s string) (primitive.ObjectID, error) {
	id, err := primitive.ObjectIDFromHex(s)
	if err != nil {
		return id, &models.ValidationError{Field: field, Msg: "not a valid id"}
	}
	return id, nil
}
