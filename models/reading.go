package models

import (
	"math"
	"time"
)

// RawReadingMessage represents the raw message delivered by an ingestion
// source before validation. Data holds the unparsed reading payload.
type RawReadingMessage struct {
	Source      string
	StreamID    string
	Data        []byte
	ReceivedAt  time.Time
	MessageType string
}

// Location is where a reading was observed. X and Y are planar coordinates
// in meters within the site reference frame.
type Location struct {
	Name string  `json:"name"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
}

// DistanceTo returns the planar distance in meters between two locations.
func (l Location) DistanceTo(other Location) float64 {
	return math.Hypot(l.X-other.X, l.Y-other.Y)
}

// Reading is a parsed telemetry record. Immutable once created.
type Reading struct {
	StreamID  string             `json:"stream_id"`
	TagID     string             `json:"tag_id,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
	Values    map[string]float64 `json:"values"`
	Location  Location           `json:"location"`
}

// ValidationStatus is the outcome class of a validated reading.
type ValidationStatus string

const (
	StatusAccepted ValidationStatus = "accepted"
	StatusRejected ValidationStatus = "rejected"
)

// RejectReason classifies why a reading was rejected.
type RejectReason string

const (
	ReasonNone             RejectReason = ""
	ReasonSchemaViolation  RejectReason = "schema_violation"
	ReasonRangeViolation   RejectReason = "range_violation"
	ReasonDuplicate        RejectReason = "duplicate"
	ReasonStaleTimestamp   RejectReason = "stale_timestamp"
	ReasonLocationConflict RejectReason = "location_conflict"
)

// ValidationResult classifies a single reading. Never mutated after creation.
type ValidationResult struct {
	Reading   Reading          `json:"reading"`
	Status    ValidationStatus `json:"status"`
	Reason    RejectReason     `json:"reason,omitempty"`
	Detail    string           `json:"detail,omitempty"`
	CheckedAt time.Time        `json:"checked_at"`
}

// Accepted reports whether the reading passed validation.
func (r ValidationResult) Accepted() bool {
	return r.Status == StatusAccepted
}
