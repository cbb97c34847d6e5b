package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"herbtrace/models"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"golang.org/x/crypto/bcrypt"
)

func (req *registerReq) validate() error {
	switch {
	case strings.TrimSpace(req.Name) == "":
		return &models.ValidationError{Field: "name", Msg: "required"}
	case !strings.Contains(req.Email, "@"):
		return &models.ValidationError{Field: "email", Msg: "must be an email address"}
	case len(req.Password) < 6:
		return &models.ValidationError{Field: "password", Msg: "must be at least 6 characters"}
	case strings.TrimSpace(req.Contact) == "":
		return &models.ValidationError{Field: "contact", Msg: "required"}
	}
	return nil
}

// handleRegisterProducer creates a producer with a bcrypt-hashed password.
func (a *App) handleRegisterProducer(w http.ResponseWriter, r *http.Request) {
	var req registerReq
	if err := decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		a.writeError(w, r, err)
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	p := models.Producer{
		Name:         strings.TrimSpace(req.Name),
		Email:        strings.ToLower(strings.TrimSpace(req.Email)),
		Contact:      req.Contact,
		Location:     req.Location,
		PasswordHash: string(hash),
		CreatedAt:    a.clock().UTC(),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := a.store.CreateProducer(ctx, &p); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.log.Info("producer registered", "producer", p.ID.Hex())
	writeJSON(w, http.StatusCreated, p)
}

// handleRegisterAgency creates an agency account.
func (a *App) handleRegisterAgency(w http.ResponseWriter, r *http.Request) {
	var req registerReq
	if err := decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		a.writeError(w, r, err)
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	ag := models.Agency{
		Name:         strings.TrimSpace(req.Name),
		Email:        strings.ToLower(strings.TrimSpace(req.Email)),
		Contact:      req.Contact,
		Location:     req.Location,
		PasswordHash: string(hash),
		BatchIDs:     []primitive.ObjectID{},
		CreatedAt:    a.clock().UTC(),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := a.store.CreateAgency(ctx, &ag); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.log.Info("agency registered", "agency", ag.ID.Hex())
	writeJSON(w, http.StatusCreated, ag)
}

// handleLogin returns a handler that verifies credentials for one account
// kind and returns a JWT carrying that role.
func (a *App) handleLogin(role string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req loginReq
		if err := decode(r, &req); err != nil {
			a.writeError(w, r, err)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		email := strings.ToLower(strings.TrimSpace(req.Email))
		var (
			id   primitive.ObjectID
			hash string
		)
		switch role {
		case roleProducer:
			p, err := a.store.FindProducerByEmail(ctx, email)
			if err != nil {
				writeJSONError(w, http.StatusUnauthorized, "invalid credentials")
				return
			}
			id, hash = p.ID, p.PasswordHash
		case roleAgency:
			ag, err := a.store.FindAgencyByEmail(ctx, email)
			if err != nil {
				writeJSONError(w, http.StatusUnauthorized, "invalid credentials")
				return
			}
			id, hash = ag.ID, ag.PasswordHash
		}
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(req.Password)) != nil {
			writeJSONError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}

		tok, err := signJWT(a.cfg.JWTSecret, id, role)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, tokenResp{Token: tok, ID: id.Hex(), Role: role})
	}
}
