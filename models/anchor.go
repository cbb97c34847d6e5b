package models

import "time"

// Anchor event types.
const (
	EventLabEvaluated = "lab-evaluated"
	EventProcessed    = "processed"
)

// Anchor is the local record of a ledger anchoring request, keyed by
// (batch code, event type). It stays in the retry outbox until the ledger
// confirmed it and the reference is attached to the record that produced it.
type Anchor struct {
	ID          string       `bson:"_id"                 json:"id"`
	BatchCode   string       `bson:"batchCode"           json:"batchCode"`
	EventType   string       `bson:"eventType"           json:"eventType"`
	Fingerprint string       `bson:"fingerprint"         json:"fingerprint"`
	Status      AnchorStatus `bson:"status"              json:"status"`
	Reference   string       `bson:"reference,omitempty" json:"reference,omitempty"`
	Attached    bool         `bson:"attached"            json:"attached"`
	Attempts    int          `bson:"attempts"            json:"attempts"`
	LastError   string       `bson:"lastError,omitempty" json:"lastError,omitempty"`
	CreatedAt   time.Time    `bson:"createdAt"           json:"createdAt"`
	UpdatedAt   time.Time    `bson:"updatedAt"           json:"updatedAt"`
}

// Outstanding reports whether the anchor still belongs in the outbox.
func (a Anchor) Outstanding() bool {
	return a.Status == AnchorStatusPending || (a.Status == AnchorStatusAnchored && !a.Attached)
}

// AnchorID builds the idempotency key for a (batch code, event type) pair.
func AnchorID(batchCode, eventType string) string {
	return batchCode + "/" + eventType
}
