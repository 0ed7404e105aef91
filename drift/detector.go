package drift

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"sensorflow/baseline"
	appconfig "sensorflow/config"
	"sensorflow/internal/channel"
	"sensorflow/logger"
	"sensorflow/models"
)

// Observer receives the drift score of every evaluated stream. The quality
// scorer implements it to derive its consistency component.
type Observer interface {
	ObserveDrift(streamID string, score float64)
}

// Detector periodically compares the current window of every (stream, field)
// pair against its baseline using three tests: a mean-shift check, a
// two-sample Kolmogorov-Smirnov test, and a normalized Wasserstein distance.
// Any single flagged test counts as drift. Detected drift freezes baseline
// promotion for the pair until the tests come back clean.
type Detector struct {
	config   *appconfig.Config
	store    *baseline.Store
	channels *channel.Channels
	observer Observer

	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
}

// NewDetector wires a detector over the shared baseline store. The observer
// may be nil.
func NewDetector(cfg *appconfig.Config, store *baseline.Store, channels *channel.Channels, observer Observer) *Detector {
	return &Detector{
		config:   cfg,
		store:    store,
		channels: channels,
		observer: observer,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
}

// Start launches the periodic detection loop.
func (d *Detector) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return fmt.Errorf("drift detector is already running")
	}
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.running = true

	d.wg.Add(1)
	go d.run()

	d.log.WithComponent("drift").WithFields(logger.Fields{
		"cycle_period":       d.config.Drift.CyclePeriod.String(),
		"min_samples":        d.config.Drift.MinSamples,
		"alpha":              d.config.Drift.Alpha,
		"distance_threshold": d.config.Drift.DistanceThreshold,
	}).Info("Drift detector started")
	return nil
}

// Stop halts the detection loop and waits for the current cycle to finish.
func (d *Detector) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.cancel()
	d.mu.Unlock()

	d.wg.Wait()
	d.log.WithComponent("drift").Info("Drift detector stopped")
}

func (d *Detector) run() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.config.Drift.CyclePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.runCycle()
		}
	}
}

// runCycle evaluates every known pair and, when enabled, the cross-group
// consistency of each field.
func (d *Detector) runCycle() {
	log := d.log.WithComponent("drift")
	pairs := d.store.Pairs()
	detected := 0

	// A stream is only as consistent as its worst field, so the observer
	// gets the maximum score across the stream's evaluated pairs.
	streamScores := make(map[string]float64)

	for _, key := range pairs {
		event := d.evaluatePair(key)
		logger.IncrementDriftCheck()

		if event.Drifted() {
			detected++
			logger.IncrementDriftDetection()
			d.store.MarkDrift(key)
			d.publishDrift(event)
		} else if !event.InsufficientData {
			d.store.ClearDrift(key)
		}

		if !event.InsufficientData {
			if prev, seen := streamScores[key.StreamID]; !seen || event.Score > prev {
				streamScores[key.StreamID] = event.Score
			}
		}
	}

	if d.observer != nil {
		for streamID, score := range streamScores {
			d.observer.ObserveDrift(streamID, score)
		}
	}

	if d.config.Drift.CrossGroup {
		d.runCrossGroup()
	}

	if detected > 0 {
		log.WithFields(logger.Fields{
			"pairs":    len(pairs),
			"detected": detected,
		}).Info("Drift cycle detected drifting pairs")
	}
}

// evaluatePair runs the full test battery for one (stream, field) pair and
// combines the outcomes. The result is deterministic for a given pair of
// windows.
func (d *Detector) evaluatePair(key baseline.PairKey) models.DriftEvent {
	current := d.store.CurrentValues(key)
	base := d.store.BaselineValues(key)

	event := models.DriftEvent{
		EventID:       uuid.New().String(),
		StreamID:      key.StreamID,
		Field:         key.Field,
		TestResults:   make(map[string]models.TestResult, 3),
		Decision:      models.DecisionNoDrift,
		Severity:      models.SeverityNone,
		BaselineCount: len(base),
		CurrentCount:  len(current),
		DetectedAt:    time.Now().UTC(),
	}

	minSamples := d.config.Drift.MinSamples
	if len(current) < minSamples || len(base) < minSamples {
		event.InsufficientData = true
		return event
	}

	msDist, msFlag := MeanShift(current, base, d.config.Drift.MeanShiftK)
	event.TestResults[models.TestMeanShift] = models.TestResult{
		Statistic: msDist,
		Flagged:   msFlag,
	}

	ksStat, ksP := KolmogorovSmirnov(current, base)
	event.TestResults[models.TestKS] = models.TestResult{
		Statistic: ksStat,
		PValue:    ksP,
		Flagged:   ksP < d.config.Drift.Alpha,
	}

	wsDist := Wasserstein(current, base)
	event.TestResults[models.TestWasserstein] = models.TestResult{
		Statistic: wsDist,
		Distance:  wsDist,
		Flagged:   wsDist > d.config.Drift.DistanceThreshold,
	}

	flags := 0
	for _, r := range event.TestResults {
		if r.Flagged {
			flags++
		}
	}

	threshold := d.config.Drift.DistanceThreshold
	event.Score = 0.5*float64(flags)/3.0 + 0.5*math.Min(1, wsDist/(3*threshold))

	if flags == 0 {
		return event
	}

	event.Decision = models.DecisionDrift
	switch {
	case flags == 3 || wsDist > 3*threshold:
		event.Severity = models.SeverityHigh
	case flags == 2 || wsDist > 1.5*threshold:
		event.Severity = models.SeverityMedium
	default:
		event.Severity = models.SeverityLow
	}
	return event
}

func (d *Detector) publishDrift(event models.DriftEvent) {
	ev := models.Event{
		EventID:   event.EventID,
		Type:      models.EventDrift,
		StreamID:  event.StreamID,
		Timestamp: event.DetectedAt,
		Drift:     &event,
	}
	if !d.channels.SendEvent(d.ctx, ev) {
		d.log.WithComponent("drift").WithFields(logger.Fields{
			"stream_id": event.StreamID,
			"field":     event.Field,
		}).Warn("Event channel full, drift event dropped")
	}
}

// runCrossGroup compares the same nominal field across streams. Fields
// carried by at least MinGroups streams with enough samples each are tested
// with a one-way analysis of variance.
func (d *Detector) runCrossGroup() {
	minSamples := d.config.Drift.MinSamples
	byField := make(map[string][]baseline.PairKey)
	for _, key := range d.store.Pairs() {
		byField[key.Field] = append(byField[key.Field], key)
	}

	for field, keys := range byField {
		if len(keys) < d.config.Drift.MinGroups {
			continue
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i].StreamID < keys[j].StreamID })

		groups := make([][]float64, 0, len(keys))
		streams := make([]string, 0, len(keys))
		for _, key := range keys {
			values := d.store.CurrentValues(key)
			if len(values) < minSamples {
				continue
			}
			groups = append(groups, values)
			streams = append(streams, key.StreamID)
		}
		if len(groups) < d.config.Drift.MinGroups {
			continue
		}

		fStat, pValue, ok := OneWayANOVA(groups)
		if !ok {
			continue
		}

		event := models.CrossGroupEvent{
			EventID:      uuid.New().String(),
			Field:        field,
			Groups:       streams,
			FStatistic:   fStat,
			PValue:       pValue,
			Inconsistent: pValue < d.config.Drift.Alpha,
			DetectedAt:   time.Now().UTC(),
		}
		if !event.Inconsistent {
			continue
		}

		ev := models.Event{
			EventID:    event.EventID,
			Type:       models.EventCrossGroup,
			Timestamp:  event.DetectedAt,
			CrossGroup: &event,
		}
		if !d.channels.SendEvent(d.ctx, ev) {
			d.log.WithComponent("drift").WithFields(logger.Fields{
				"field": field,
			}).Warn("Event channel full, cross-group event dropped")
		}
	}
}
