package models

import "time"

// QualityScore aggregates one scoring cycle for a stream. All score
// components are in [0,1].
type QualityScore struct {
	StreamID      string    `json:"stream_id"`
	Timestamp     time.Time `json:"timestamp"`
	Completeness  float64   `json:"completeness"`
	Validity      float64   `json:"validity"`
	Accuracy      float64   `json:"accuracy"`
	Consistency   float64   `json:"consistency"`
	Composite     float64   `json:"composite"`
	AcceptedCount int64     `json:"accepted_count"`
	RejectedCount int64     `json:"rejected_count"`
	ExpectedCount int64     `json:"expected_count"`
}
