package main

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Account roles carried in the token.
const (
	roleProducer = "producer"
	roleAgency   = "agency"
)

type principal struct {
	ID   primitive.ObjectID
	Role string
}

// signJWT creates an HS256 token with 24h expiration.
func signJWT(secret string, id primitive.ObjectID, role string) (string, error) {
	claims := jwt.MapClaims{
		"sub":  id.Hex(),
		"role": role,
		"exp":  time.Now().Add(24 * time.Hour).Unix(),
		"iat":  time.Now().Unix(),
		"iss":  "herbtrace",
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString([]byte(secret))
}

// parseJWT validates token and returns the subject and role.
func parseJWT(secret, tokenStr string) (principal, error) {
	tok, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil || !tok.Valid {
		return principal{}, errors.New("invalid token")
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return principal{}, errors.New("no claims")
	}
	sub, _ := claims["sub"].(string)
	role, _ := claims["role"].(string)
	id, err := primitive.ObjectIDFromHex(sub)
	if err != nil {
		return principal{}, errors.New("no subject")
	}
	return principal{ID: id, Role: role}, nil
}
