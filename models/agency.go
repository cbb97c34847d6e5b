package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Agency is a collection/aggregation agency that batches get assigned to.
type Agency struct {
	ID           primitive.ObjectID   `bson:"_id,omitempty" json:"id"`
	Name         string               `bson:"name"          json:"name"`
	Email        string               `bson:"email"         json:"email"`
	Contact      string               `bson:"contact"       json:"contact"`
	Location     Location             `bson:"location"      json:"location"`
	PasswordHash string               `bson:"passwordHash"  json:"-"`
	BatchIDs     []primitive.ObjectID `bson:"batchIds"      json:"batchIds"` // set semantics
	CreatedAt    time.Time            `bson:"createdAt"     json:"createdAt"`
}

// HasBatch reports whether id is already in the agency's batch set.
func (a *Agency) HasBatch(id primitive.ObjectID) bool {
	for _, b := range a.BatchIDs {
		if b == id {
			return true
		}
	}
	return false
}
