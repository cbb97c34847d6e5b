package models

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type Location struct {
	Lat     float64 `bson:"lat"               json:"lat"`
	Lon     float64 `bson:"lon"               json:"lon"`
	Address string  `bson:"address,omitempty" json:"address,omitempty"`
}

// Producer is a registered farmer/collector.
type Producer struct {
	ID             primitive.ObjectID `bson:"_id,omitempty"   json:"id"`
	Name           string             `bson:"name"            json:"name"`
	Email          string             `bson:"email"           json:"email"`
	Contact        string             `bson:"contact"         json:"contact"`
	Location       Location           `bson:"location"        json:"location"`
	PasswordHash   string             `bson:"passwordHash"    json:"-"`
	TotalHarvested float64            `bson:"totalHarvested"  json:"totalHarvested"`
	CreatedAt      time.Time          `bson:"createdAt"       json:"createdAt"`
}

// QuotaTolerance absorbs float rounding when a reservation exactly fills a
// ceiling (0.1 + 0.2 kg against 0.3 kg).
const QuotaTolerance = 1e-9

// QuotaKey addresses one bucket of the seasonal harvest ledger.
type QuotaKey struct {
	ProducerID primitive.ObjectID
	Species    string
	Season     string
}

// String is the flat composite key used as the ledger document id.
func (k QuotaKey) String() string {
	return fmt.Sprintf("%s|%s|%s", k.ProducerID.Hex(), k.Species, k.Season)
}

// HarvestLedgerEntry is the persisted cumulative quantity for a QuotaKey.
type HarvestLedgerEntry struct {
	ID         string             `bson:"_id"        json:"id"`
	ProducerID primitive.ObjectID `bson:"producerId" json:"producerId"`
	Species    string             `bson:"species"    json:"species"`
	Season     string             `bson:"season"     json:"season"`
	Quantity   float64            `bson:"quantity"   json:"quantity"`
	UpdatedAt  time.Time          `bson:"updatedAt"  json:"updatedAt"`
}
