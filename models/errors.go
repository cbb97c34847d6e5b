package models

import (
	"errors"
	"fmt"
	"strings"
)

// EntityType names a persisted collection in error messages.
type EntityType string

const (
	EntityProducer  EntityType = "producer"
	EntityBatch     EntityType = "batch"
	EntityAgency    EntityType = "agency"
	EntityLabTest   EntityType = "lab test"
	EntityProcessor EntityType = "processor record"
	EntityAnchor    EntityType = "anchor"
)

// ValidationError is a missing or malformed request field.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return e.Field + ": " + e.Msg
}

// NotFoundError is returned when a referenced record does not exist.
type NotFoundError struct {
	Entity EntityType
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// ConflictError is a uniqueness violation (duplicate email, code, ...).
type ConflictError struct {
	Entity EntityType
	Msg    string
}

func (e *ConflictError) Error() string { return fmt.Sprintf("%s: %s", e.Entity, e.Msg) }

// QuotaExceededError rejects an admission that would overflow a seasonal ceiling.
type QuotaExceededError struct {
	Species   string
	Season    string
	Ceiling   float64
	Harvested float64
	Requested float64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("seasonal harvest limit exceeded for %s in %s (%g max, %g already harvested, %g requested)",
		e.Species, e.Season, e.Ceiling, e.Harvested, e.Requested)
}

// OutOfZoneError rejects a coordinate outside every approved zone.
type OutOfZoneError struct {
	Species string
	Lat     float64
	Lon     float64
	Zones   []string
}

func (e *OutOfZoneError) Error() string {
	return fmt.Sprintf("coordinate (%g, %g) is outside the approved cultivation zones for %s [%s]",
		e.Lat, e.Lon, e.Species, strings.Join(e.Zones, ", "))
}

// IntegrityError guards chain-of-custody invariants.
type IntegrityError struct {
	Op     string
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity violation on %s: %s", e.Op, e.Reason)
}

// ErrAnchorPending marks a transition that committed locally while ledger
// anchoring is still outstanding. It is a warning, not a failure.
var ErrAnchorPending = errors.New("ledger anchor pending")

// ErrVersionConflict signals a lost optimistic-concurrency race.
var ErrVersionConflict = errors.New("concurrent update, retry")
