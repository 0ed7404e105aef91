package models

import "time"

// EventType discriminates the dispatcher envelope payload.
type EventType string

const (
	EventQualityScore EventType = "quality_score"
	EventDrift        EventType = "drift"
	EventCrossGroup   EventType = "cross_group"
	EventRejection    EventType = "rejection"
)

// Event is the envelope handed to the alert dispatcher. Exactly one payload
// pointer is set, matching Type. Attempts is dispatcher bookkeeping for
// at-least-once redelivery and is not part of the emitted payload.
type Event struct {
	EventID   string    `json:"event_id"`
	Type      EventType `json:"type"`
	StreamID  string    `json:"stream_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	Quality    *QualityScore     `json:"quality,omitempty"`
	Drift      *DriftEvent       `json:"drift,omitempty"`
	CrossGroup *CrossGroupEvent  `json:"cross_group,omitempty"`
	Rejection  *ValidationResult `json:"rejection,omitempty"`

	Attempts int `json:"-"`
}
