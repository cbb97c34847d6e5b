package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// BatchStatus is the guarded lifecycle state of a batch.
type BatchStatus string

const (
	BatchStatusCollected        BatchStatus = "Collected"
	BatchStatusAssignedToAgency BatchStatus = "AssignedToAgency"
	BatchStatusApproved         BatchStatus = "Approved"
	BatchStatusRejected         BatchStatus = "Rejected"
	BatchStatusProcessed        BatchStatus = "Processed"
)

// Valid reports whether s is one of the known lifecycle states.
func (s BatchStatus) Valid() bool {
	switch s {
	case BatchStatusCollected, BatchStatusAssignedToAgency, BatchStatusApproved,
		BatchStatusRejected, BatchStatusProcessed:
		return true
	}
	return false
}

// PreLab reports whether a lab result may still be recorded.
func (s BatchStatus) PreLab() bool {
	return s == BatchStatusCollected || s == BatchStatusAssignedToAgency
}

// HistoryKind separates guarded transitions from administrative overrides.
type HistoryKind string

const (
	HistoryTransition HistoryKind = "transition"
	HistoryOverride   HistoryKind = "override"
)

// HistoryEntry is one append-only line in a batch's audit trail.
type HistoryEntry struct {
	Kind   HistoryKind `bson:"kind"            json:"kind"`
	Status BatchStatus `bson:"status"          json:"status"`
	Label  string      `bson:"label,omitempty" json:"label,omitempty"` // override free-text status
	Actor  string      `bson:"actor,omitempty" json:"actor,omitempty"`
	Note   string      `bson:"note,omitempty"  json:"note,omitempty"`
	At     time.Time   `bson:"at"              json:"at"`
}

type GeoTag struct {
	Lat float64 `bson:"lat" json:"lat"`
	Lon float64 `bson:"lon" json:"lon"`
}

// Batch is one harvested lot. Status always mirrors the last history entry.
type Batch struct {
	ID           primitive.ObjectID `bson:"_id,omitempty"          json:"id"`
	Code         string             `bson:"code"                   json:"code"`
	ProducerID   primitive.ObjectID `bson:"producerId"             json:"producerId"`
	Species      string             `bson:"species"                json:"species"`
	Season       string             `bson:"season"                 json:"season"`
	Quantity     float64            `bson:"quantity"               json:"quantity"` // kg
	GeoTag       GeoTag             `bson:"geoTag"                 json:"geoTag"`
	Photos       []string           `bson:"photos,omitempty"       json:"photos,omitempty"`
	QualityScore *float64           `bson:"qualityScore,omitempty" json:"qualityScore,omitempty"`

	Status        BatchStatus    `bson:"status"                  json:"status"`
	History       []HistoryEntry `bson:"history"                 json:"history"`
	OverrideLabel string         `bson:"overrideLabel,omitempty" json:"overrideLabel,omitempty"`

	AgencyID    *primitive.ObjectID `bson:"agencyId,omitempty"    json:"agencyId,omitempty"`
	LabTestID   *primitive.ObjectID `bson:"labTestId,omitempty"   json:"labTestId,omitempty"`
	ProcessorID *primitive.ObjectID `bson:"processorId,omitempty" json:"processorId,omitempty"`

	// Version guards read-modify-write updates.
	Version   int64     `bson:"version"   json:"-"`
	CreatedAt time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt" json:"updatedAt"`
}

// Append adds a history entry and syncs Status with it. Timestamps never go
// backwards even if the wall clock does.
func (b *Batch) Append(e HistoryEntry) {
	if n := len(b.History); n > 0 && e.At.Before(b.History[n-1].At) {
		e.At = b.History[n-1].At
	}
	b.History = append(b.History, e)
	b.Status = e.Status
	b.UpdatedAt = e.At
}

// Transition appends a guarded state change.
func (b *Batch) Transition(to BatchStatus, actor, note string, at time.Time) {
	b.Append(HistoryEntry{Kind: HistoryTransition, Status: to, Actor: actor, Note: note, At: at})
}

// Clone returns a deep copy so callers can mutate without aliasing.
func (b *Batch) Clone() *Batch {
	out := *b
	out.Photos = append([]string(nil), b.Photos...)
	out.History = append([]HistoryEntry(nil), b.History...)
	if b.QualityScore != nil {
		v := *b.QualityScore
		out.QualityScore = &v
	}
	out.AgencyID = cloneID(b.AgencyID)
	out.LabTestID = cloneID(b.LabTestID)
	out.ProcessorID = cloneID(b.ProcessorID)
	return &out
}

func cloneID(id *primitive.ObjectID) *primitive.ObjectID {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}
