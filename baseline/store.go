package baseline

import (
	"context"
	"fmt"
	"sync"
	"time"

	appconfig "sensorflow/config"
	"sensorflow/logger"
)

// PairKey identifies one monitored (stream, field) series.
type PairKey struct {
	StreamID string
	Field    string
}

// pair holds the two windows of one series. current collects fresh
// observations; baseline is the frozen reference the drift tests compare
// against.
type pair struct {
	mu          sync.Mutex
	current     *Window
	baseline    *Window
	driftActive bool
	lastRefresh time.Time
}

// PairSnapshot is the serializable state of one series.
type PairSnapshot struct {
	StreamID    string    `json:"stream_id"`
	Field       string    `json:"field"`
	Current     []point   `json:"current"`
	Baseline    []point   `json:"baseline"`
	DriftActive bool      `json:"drift_active"`
	LastRefresh time.Time `json:"last_refresh"`
}

// StoreSnapshot captures every series for persistence across restarts.
type StoreSnapshot struct {
	TakenAt time.Time      `json:"taken_at"`
	Pairs   []PairSnapshot `json:"pairs"`
}

// Store keeps a current and a baseline window per (stream, field) pair and
// periodically promotes current data into the baseline. Promotion is skipped
// while a pair is drifting so a drifted distribution never becomes its own
// reference.
type Store struct {
	config *appconfig.Config

	mu    sync.RWMutex
	pairs map[PairKey]*pair

	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	runMu   sync.Mutex
	running bool
	log     *logger.Log
}

// NewStore builds an empty store from configuration.
func NewStore(cfg *appconfig.Config) *Store {
	return &Store{
		config: cfg,
		pairs:  make(map[PairKey]*pair),
		wg:     &sync.WaitGroup{},
		log:    logger.GetLogger(),
	}
}

// Start launches the periodic baseline refresh loop.
func (s *Store) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.running {
		return fmt.Errorf("baseline store is already running")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true

	s.wg.Add(1)
	go s.refreshLoop()

	s.log.WithComponent("baseline").WithFields(logger.Fields{
		"refresh_period": s.config.Baseline.RefreshPeriod.String(),
		"baseline_span":  s.config.Baseline.BaselineSpan.String(),
		"current_span":   s.config.Baseline.CurrentSpan.String(),
	}).Info("Baseline store started")
	return nil
}

// Stop halts the refresh loop.
func (s *Store) Stop() {
	s.runMu.Lock()
	if !s.running {
		s.runMu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.runMu.Unlock()

	s.wg.Wait()
	s.log.WithComponent("baseline").Info("Baseline store stopped")
}

func (s *Store) refreshLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.Baseline.RefreshPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.RefreshAll()
		}
	}
}

func (s *Store) getOrCreate(key PairKey) *pair {
	s.mu.RLock()
	p, ok := s.pairs[key]
	s.mu.RUnlock()
	if ok {
		return p
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok = s.pairs[key]; ok {
		return p
	}
	p = &pair{
		current:  newWindow(s.config.Baseline.CurrentSpan, s.config.Baseline.CurrentMaxSize),
		baseline: newWindow(s.config.Baseline.BaselineSpan, s.config.Baseline.BaselineMaxSize),
	}
	s.pairs[key] = p
	return p
}

// Append records an accepted observation into the current window of its
// series.
func (s *Store) Append(streamID, field string, ts time.Time, value float64) {
	p := s.getOrCreate(PairKey{StreamID: streamID, Field: field})
	p.mu.Lock()
	p.current.Append(ts, value)
	p.mu.Unlock()
}

// CurrentValues copies the current window of a series.
func (s *Store) CurrentValues(key PairKey) []float64 {
	s.mu.RLock()
	p, ok := s.pairs[key]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current.Values()
}

// BaselineValues copies the baseline window of a series.
func (s *Store) BaselineValues(key PairKey) []float64 {
	s.mu.RLock()
	p, ok := s.pairs[key]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.baseline.Values()
}

// Pairs lists every series the store has seen.
func (s *Store) Pairs() []PairKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]PairKey, 0, len(s.pairs))
	for k := range s.pairs {
		keys = append(keys, k)
	}
	return keys
}

// MarkDrift freezes baseline promotion for a series.
func (s *Store) MarkDrift(key PairKey) {
	s.mu.RLock()
	p, ok := s.pairs[key]
	s.mu.RUnlock()
	if !ok {
		return
	}
	p.mu.Lock()
	p.driftActive = true
	p.mu.Unlock()
}

// ClearDrift re-enables baseline promotion for a series.
func (s *Store) ClearDrift(key PairKey) {
	s.mu.RLock()
	p, ok := s.pairs[key]
	s.mu.RUnlock()
	if !ok {
		return
	}
	p.mu.Lock()
	p.driftActive = false
	p.mu.Unlock()
}

// RefreshAll promotes the current window into the baseline for every series
// not currently drifting. An empty current window leaves the existing
// baseline untouched rather than erasing it.
func (s *Store) RefreshAll() {
	now := time.Now()
	refreshed := 0
	skipped := 0

	for _, key := range s.Pairs() {
		s.mu.RLock()
		p, ok := s.pairs[key]
		s.mu.RUnlock()
		if !ok {
			continue
		}

		p.mu.Lock()
		switch {
		case p.driftActive:
			skipped++
		case p.current.Count() == 0:
		default:
			p.baseline.reset()
			for _, pt := range p.current.points {
				p.baseline.Append(pt.T, pt.V)
			}
			p.lastRefresh = now
			refreshed++
		}
		p.mu.Unlock()
	}

	if refreshed > 0 || skipped > 0 {
		s.log.WithComponent("baseline").WithFields(logger.Fields{
			"refreshed": refreshed,
			"skipped":   skipped,
		}).Debug("Baseline refresh cycle complete")
	}
}

// Snapshot copies the full store state for persistence.
func (s *Store) Snapshot() StoreSnapshot {
	snap := StoreSnapshot{TakenAt: time.Now().UTC()}
	for _, key := range s.Pairs() {
		s.mu.RLock()
		p, ok := s.pairs[key]
		s.mu.RUnlock()
		if !ok {
			continue
		}

		p.mu.Lock()
		snap.Pairs = append(snap.Pairs, PairSnapshot{
			StreamID:    key.StreamID,
			Field:       key.Field,
			Current:     append([]point(nil), p.current.points...),
			Baseline:    append([]point(nil), p.baseline.points...),
			DriftActive: p.driftActive,
			LastRefresh: p.lastRefresh,
		})
		p.mu.Unlock()
	}
	return snap
}

// Restore loads a snapshot. Window bounds from the live configuration apply,
// so oversized or expired snapshot data is trimmed on the way in.
func (s *Store) Restore(snap StoreSnapshot) {
	for _, ps := range snap.Pairs {
		p := s.getOrCreate(PairKey{StreamID: ps.StreamID, Field: ps.Field})
		p.mu.Lock()
		p.current.reset()
		for _, pt := range ps.Current {
			p.current.Append(pt.T, pt.V)
		}
		p.baseline.reset()
		for _, pt := range ps.Baseline {
			p.baseline.Append(pt.T, pt.V)
		}
		p.driftActive = ps.DriftActive
		p.lastRefresh = ps.LastRefresh
		p.mu.Unlock()
	}
}
