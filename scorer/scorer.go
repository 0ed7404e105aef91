package scorer

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	appconfig "sensorflow/config"
	"sensorflow/drift"
	"sensorflow/internal/channel"
	"sensorflow/logger"
	"sensorflow/models"
)

// streamCycle accumulates one scoring window for a single stream.
type streamCycle struct {
	accepted int64
	rejected int64
	values   map[string][]float64
}

// Scorer consumes validation results and emits a composite quality score per
// stream per cycle. The four components are completeness against the nominal
// arrival rate, validity of what did arrive, accuracy against the configured
// gold-standard distributions, and consistency fed by the drift detector.
type Scorer struct {
	config   *appconfig.Config
	channels *channel.Channels

	cycleMu sync.Mutex
	cycles  map[string]*streamCycle

	consistencyMu sync.RWMutex
	driftScores   map[string]float64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
}

// NewScorer builds a scorer over the shared channel bundle.
func NewScorer(cfg *appconfig.Config, channels *channel.Channels) *Scorer {
	return &Scorer{
		config:      cfg,
		channels:    channels,
		cycles:      make(map[string]*streamCycle),
		driftScores: make(map[string]float64),
		wg:          &sync.WaitGroup{},
		log:         logger.GetLogger(),
	}
}

// ObserveDrift records the latest drift score of a stream. The consistency
// component is one minus the score, so a stream with no drift history scores
// a full 1.0.
func (s *Scorer) ObserveDrift(streamID string, score float64) {
	s.consistencyMu.Lock()
	s.driftScores[streamID] = clamp01(score)
	s.consistencyMu.Unlock()
}

var _ drift.Observer = (*Scorer)(nil)

// Start launches the result consumer and the cycle ticker.
func (s *Scorer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scorer is already running")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true

	s.wg.Add(2)
	go s.consume()
	go s.cycleLoop()

	s.log.WithComponent("scorer").WithFields(logger.Fields{
		"cycle_period":    s.config.Scorer.CyclePeriod.String(),
		"nominal_rate":    s.config.Scorer.NominalRate,
		"alert_threshold": s.config.Scorer.AlertThreshold,
	}).Info("Quality scorer started")
	return nil
}

// Stop flushes the in-progress cycle and waits for the loops to exit.
func (s *Scorer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	// Flush the partial cycle with a fresh context so the final scores are
	// not dropped on the cancelled one.
	s.closeCycle(context.Background())
	s.log.WithComponent("scorer").Info("Quality scorer stopped")
}

func (s *Scorer) consume() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case result, ok := <-s.channels.Results:
			if !ok {
				return
			}
			s.Record(result)
		}
	}
}

func (s *Scorer) cycleLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.Scorer.CyclePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.closeCycle(s.ctx)
		}
	}
}

// Record folds one validation result into the current cycle of its stream.
func (s *Scorer) Record(result models.ValidationResult) {
	streamID := result.Reading.StreamID
	if streamID == "" {
		streamID = "unknown"
	}

	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	cycle, ok := s.cycles[streamID]
	if !ok {
		cycle = &streamCycle{values: make(map[string][]float64)}
		s.cycles[streamID] = cycle
	}

	if result.Accepted() {
		cycle.accepted++
		for field := range s.config.Scorer.GoldStandard {
			if v, present := result.Reading.Values[field]; present {
				cycle.values[field] = append(cycle.values[field], v)
			}
		}
	} else {
		cycle.rejected++
	}
}

// closeCycle scores every stream seen during the window and resets the
// accumulators.
func (s *Scorer) closeCycle(ctx context.Context) {
	s.cycleMu.Lock()
	cycles := s.cycles
	s.cycles = make(map[string]*streamCycle)
	s.cycleMu.Unlock()

	logger.IncrementScoreCycle()
	now := time.Now().UTC()

	for streamID, cycle := range cycles {
		score := s.score(streamID, cycle, now)
		s.publish(ctx, score)
	}
}

// score computes the four components and their weighted composite for one
// stream cycle.
func (s *Scorer) score(streamID string, cycle *streamCycle, now time.Time) models.QualityScore {
	cfg := s.config.Scorer
	expected := int64(cfg.NominalRate * cfg.CyclePeriod.Seconds())
	total := cycle.accepted + cycle.rejected

	completeness := 0.0
	if expected > 0 {
		completeness = math.Min(1, float64(cycle.accepted)/float64(expected))
	} else if cycle.accepted > 0 {
		completeness = 1
	}

	validity := 0.0
	if total > 0 {
		validity = float64(cycle.accepted) / float64(total)
	}

	accuracy := s.accuracy(cycle)
	consistency := s.consistency(streamID)

	w := cfg.Weights
	composite := w.Completeness*completeness +
		w.Validity*validity +
		w.Accuracy*accuracy +
		w.Consistency*consistency

	return models.QualityScore{
		StreamID:      streamID,
		Timestamp:     now,
		Completeness:  completeness,
		Validity:      validity,
		Accuracy:      accuracy,
		Consistency:   consistency,
		Composite:     clamp01(composite),
		AcceptedCount: cycle.accepted,
		RejectedCount: cycle.rejected,
		ExpectedCount: expected,
	}
}

// accuracy compares this cycle's accepted values against the gold-standard
// distribution of each configured field and averages the per-field results.
// With no gold standard configured accuracy is a neutral 1.0.
func (s *Scorer) accuracy(cycle *streamCycle) float64 {
	gold := s.config.Scorer.GoldStandard
	if len(gold) == 0 {
		return 1
	}

	sum := 0.0
	counted := 0
	for field, reference := range gold {
		observed := cycle.values[field]
		if len(observed) == 0 || len(reference) == 0 {
			continue
		}
		sum += 1 - math.Min(1, drift.Wasserstein(observed, reference))
		counted++
	}
	if counted == 0 {
		return 1
	}
	return sum / float64(counted)
}

func (s *Scorer) consistency(streamID string) float64 {
	s.consistencyMu.RLock()
	defer s.consistencyMu.RUnlock()
	score, ok := s.driftScores[streamID]
	if !ok {
		return 1
	}
	return 1 - score
}

func (s *Scorer) publish(ctx context.Context, score models.QualityScore) {
	log := s.log.WithComponent("scorer").WithFields(logger.Fields{
		"stream_id": score.StreamID,
		"composite": score.Composite,
	})

	if score.Composite < s.config.Scorer.AlertThreshold {
		log.WithFields(logger.Fields{
			"completeness": score.Completeness,
			"validity":     score.Validity,
			"accuracy":     score.Accuracy,
			"consistency":  score.Consistency,
			"threshold":    s.config.Scorer.AlertThreshold,
		}).Warn("Stream quality below alert threshold")
	}

	ev := models.Event{
		EventID:   uuid.New().String(),
		Type:      models.EventQualityScore,
		StreamID:  score.StreamID,
		Timestamp: score.Timestamp,
		Quality:   &score,
	}
	if !s.channels.SendEvent(ctx, ev) {
		log.Warn("Event channel full, quality score dropped")
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
