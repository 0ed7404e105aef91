package scorer

import (
	"context"
	"math"
	"testing"
	"time"

	appconfig "sensorflow/config"
	"sensorflow/internal/channel"
	"sensorflow/models"
)

func testConfig() *appconfig.Config {
	return &appconfig.Config{
		Scorer: appconfig.ScorerConfig{
			CyclePeriod:    100 * time.Second,
			NominalRate:    10, // 1000 expected per cycle
			AlertThreshold: 0.8,
			Weights: appconfig.WeightsConfig{
				Completeness: 0.25,
				Validity:     0.25,
				Accuracy:     0.25,
				Consistency:  0.25,
			},
		},
	}
}

func record(s *Scorer, streamID string, accepted, rejected int) {
	for i := 0; i < accepted; i++ {
		s.Record(models.ValidationResult{
			Reading: models.Reading{StreamID: streamID},
			Status:  models.StatusAccepted,
		})
	}
	for i := 0; i < rejected; i++ {
		s.Record(models.ValidationResult{
			Reading: models.Reading{StreamID: streamID},
			Status:  models.StatusRejected,
			Reason:  models.ReasonRangeViolation,
		})
	}
}

func TestScoreComponents(t *testing.T) {
	s := NewScorer(testConfig(), nil)
	record(s, "sensor-1", 950, 30)

	s.cycleMu.Lock()
	cycle := s.cycles["sensor-1"]
	s.cycleMu.Unlock()

	score := s.score("sensor-1", cycle, time.Now())

	if math.Abs(score.Completeness-0.95) > 1e-9 {
		t.Errorf("completeness = %v, want 0.95", score.Completeness)
	}
	wantValidity := 950.0 / 980.0
	if math.Abs(score.Validity-wantValidity) > 1e-9 {
		t.Errorf("validity = %v, want %v", score.Validity, wantValidity)
	}
	if score.Accuracy != 1 {
		t.Errorf("accuracy = %v, want 1 without a gold standard", score.Accuracy)
	}
	if score.Consistency != 1 {
		t.Errorf("consistency = %v, want 1 without drift history", score.Consistency)
	}
	wantComposite := 0.25*0.95 + 0.25*wantValidity + 0.25 + 0.25
	if math.Abs(score.Composite-wantComposite) > 1e-9 {
		t.Errorf("composite = %v, want %v", score.Composite, wantComposite)
	}
	if score.ExpectedCount != 1000 || score.AcceptedCount != 950 || score.RejectedCount != 30 {
		t.Errorf("counts = %d/%d/%d, want 1000/950/30", score.ExpectedCount, score.AcceptedCount, score.RejectedCount)
	}
}

func TestScoreZeroReadingCycle(t *testing.T) {
	s := NewScorer(testConfig(), nil)

	score := s.score("sensor-1", &streamCycle{values: map[string][]float64{}}, time.Now())

	if score.Completeness != 0 {
		t.Errorf("completeness = %v, want 0", score.Completeness)
	}
	if score.Validity != 0 {
		t.Errorf("validity = %v, want 0", score.Validity)
	}
}

func TestScoreCompletenessCappedAtOne(t *testing.T) {
	s := NewScorer(testConfig(), nil)
	record(s, "sensor-1", 1500, 0)

	s.cycleMu.Lock()
	cycle := s.cycles["sensor-1"]
	s.cycleMu.Unlock()

	score := s.score("sensor-1", cycle, time.Now())
	if score.Completeness != 1 {
		t.Errorf("completeness = %v, want capped 1", score.Completeness)
	}
}

func TestConsistencyTracksDriftScore(t *testing.T) {
	s := NewScorer(testConfig(), nil)

	if got := s.consistency("sensor-1"); got != 1 {
		t.Fatalf("initial consistency = %v, want 1", got)
	}

	s.ObserveDrift("sensor-1", 0.75)
	if got := s.consistency("sensor-1"); math.Abs(got-0.25) > 1e-9 {
		t.Errorf("consistency = %v, want 0.25", got)
	}

	s.ObserveDrift("sensor-1", 0)
	if got := s.consistency("sensor-1"); got != 1 {
		t.Errorf("consistency after recovery = %v, want 1", got)
	}
}

func TestAccuracyAgainstGoldStandard(t *testing.T) {
	cfg := testConfig()
	cfg.Scorer.GoldStandard = map[string][]float64{
		"temperature": {20, 21, 22, 23, 24},
	}
	s := NewScorer(cfg, nil)

	matching := &streamCycle{values: map[string][]float64{
		"temperature": {20, 21, 22, 23, 24},
	}}
	if got := s.accuracy(matching); math.Abs(got-1) > 1e-9 {
		t.Errorf("accuracy for matching distribution = %v, want 1", got)
	}

	skewed := &streamCycle{values: map[string][]float64{
		"temperature": {80, 81, 82, 83, 84},
	}}
	if got := s.accuracy(skewed); got > 0.1 {
		t.Errorf("accuracy for disjoint distribution = %v, want near 0", got)
	}

	// A cycle with no observations of any gold field scores neutral.
	empty := &streamCycle{values: map[string][]float64{}}
	if got := s.accuracy(empty); got != 1 {
		t.Errorf("accuracy with no observations = %v, want 1", got)
	}
}

func TestStopPublishesFinalPartialCycle(t *testing.T) {
	cfg := testConfig()
	cfg.Scorer.CyclePeriod = time.Hour // ticker must not fire mid-test
	channels := channel.NewChannels(1, 4, 4)
	s := NewScorer(cfg, channels)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	record(s, "sensor-1", 10, 0)
	s.Stop()

	select {
	case ev := <-channels.Events:
		if ev.Type != models.EventQualityScore {
			t.Errorf("unexpected event type %q", ev.Type)
		}
		if ev.StreamID != "sensor-1" {
			t.Errorf("unexpected stream %q", ev.StreamID)
		}
	default:
		t.Fatal("partial cycle score was not published on shutdown")
	}
}
