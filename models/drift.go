package models

import "time"

// Names of the statistical tests recorded in DriftEvent.TestResults.
const (
	TestMeanShift   = "mean_shift"
	TestKS          = "ks"
	TestWasserstein = "wasserstein"
)

// DriftDecision is the combined outcome of the drift tests.
type DriftDecision string

const (
	DecisionNoDrift DriftDecision = "no_drift"
	DecisionDrift   DriftDecision = "drift"
)

// DriftSeverity tiers a drift decision by how strongly the tests agree.
type DriftSeverity string

const (
	SeverityNone   DriftSeverity = "none"
	SeverityLow    DriftSeverity = "low"
	SeverityMedium DriftSeverity = "medium"
	SeverityHigh   DriftSeverity = "high"
)

// TestResult holds the outcome of one statistical test. PValue is only
// meaningful for tests that produce one (KS); Distance is only meaningful
// for transport-distance style tests.
type TestResult struct {
	Statistic float64 `json:"statistic"`
	PValue    float64 `json:"p_value"`
	Distance  float64 `json:"distance"`
	Flagged   bool    `json:"flagged"`
}

// DriftEvent is the immutable outcome of one drift comparison between a
// stream field's baseline and current windows. Score is a normalized drift
// magnitude in [0,1] used by the scorer's consistency component.
type DriftEvent struct {
	EventID          string                `json:"event_id"`
	StreamID         string                `json:"stream_id"`
	Field            string                `json:"field"`
	TestResults      map[string]TestResult `json:"test_results"`
	Decision         DriftDecision         `json:"decision"`
	InsufficientData bool                  `json:"insufficient_data"`
	Severity         DriftSeverity         `json:"severity"`
	Score            float64               `json:"score"`
	BaselineCount    int                   `json:"baseline_count"`
	CurrentCount     int                   `json:"current_count"`
	DetectedAt       time.Time             `json:"detected_at"`
}

// Drifted reports whether the combined decision crossed the drift threshold.
func (e DriftEvent) Drifted() bool {
	return e.Decision == DecisionDrift
}

// CrossGroupEvent reports the one-way analysis-of-variance comparison of the
// same nominal field across three or more streams. It is a distinct event
// type and never feeds the per-stream drift decision.
type CrossGroupEvent struct {
	EventID      string    `json:"event_id"`
	Field        string    `json:"field"`
	Groups       []string  `json:"groups"`
	FStatistic   float64   `json:"f_statistic"`
	PValue       float64   `json:"p_value"`
	Inconsistent bool      `json:"inconsistent"`
	DetectedAt   time.Time `json:"detected_at"`
}
