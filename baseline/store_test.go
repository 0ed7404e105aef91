package baseline

import (
	"testing"
	"time"

	appconfig "sensorflow/config"
)

func testConfig() *appconfig.Config {
	return &appconfig.Config{
		Baseline: appconfig.BaselineConfig{
			CurrentSpan:     10 * time.Minute,
			CurrentMaxSize:  100,
			BaselineSpan:    time.Hour,
			BaselineMaxSize: 500,
			RefreshPeriod:   time.Minute,
		},
	}
}

func TestWindowTimeEviction(t *testing.T) {
	w := newWindow(10*time.Second, 0)
	base := time.Now()

	w.Append(base, 1)
	w.Append(base.Add(5*time.Second), 2)
	w.Append(base.Add(15*time.Second), 3)

	values := w.Values()
	if len(values) != 2 {
		t.Fatalf("got %d values, want 2: %v", len(values), values)
	}
	if values[0] != 2 || values[1] != 3 {
		t.Errorf("values = %v, want [2 3]", values)
	}
}

func TestWindowSizeEviction(t *testing.T) {
	w := newWindow(0, 3)
	base := time.Now()

	for i := 0; i < 5; i++ {
		w.Append(base.Add(time.Duration(i)*time.Second), float64(i))
	}

	values := w.Values()
	if len(values) != 3 {
		t.Fatalf("got %d values, want 3", len(values))
	}
	if values[0] != 2 {
		t.Errorf("oldest surviving value = %v, want 2", values[0])
	}
}

func TestStoreAppendAndRefresh(t *testing.T) {
	s := NewStore(testConfig())
	key := PairKey{StreamID: "sensor-1", Field: "temperature"}
	base := time.Now()

	for i := 0; i < 5; i++ {
		s.Append(key.StreamID, key.Field, base.Add(time.Duration(i)*time.Second), 20+float64(i))
	}

	if got := len(s.CurrentValues(key)); got != 5 {
		t.Fatalf("current has %d values, want 5", got)
	}
	if got := len(s.BaselineValues(key)); got != 0 {
		t.Fatalf("baseline has %d values before refresh, want 0", got)
	}

	s.RefreshAll()

	if got := len(s.BaselineValues(key)); got != 5 {
		t.Errorf("baseline has %d values after refresh, want 5", got)
	}
}

func TestStoreRefreshSkipsDriftingPairs(t *testing.T) {
	s := NewStore(testConfig())
	key := PairKey{StreamID: "sensor-1", Field: "temperature"}
	base := time.Now()

	s.Append(key.StreamID, key.Field, base, 20)
	s.RefreshAll()
	if got := len(s.BaselineValues(key)); got != 1 {
		t.Fatalf("baseline has %d values, want 1", got)
	}

	s.MarkDrift(key)
	s.Append(key.StreamID, key.Field, base.Add(time.Second), 95)
	s.RefreshAll()

	// The drifted distribution must not enter the baseline.
	if got := s.BaselineValues(key); len(got) != 1 || got[0] != 20 {
		t.Errorf("baseline = %v, want [20]", got)
	}

	s.ClearDrift(key)
	s.RefreshAll()
	if got := len(s.BaselineValues(key)); got != 2 {
		t.Errorf("baseline has %d values after drift cleared, want 2", got)
	}
}

func TestStoreRefreshKeepsBaselineWhenCurrentEmpty(t *testing.T) {
	cfg := testConfig()
	cfg.Baseline.CurrentSpan = time.Millisecond
	s := NewStore(cfg)
	key := PairKey{StreamID: "sensor-1", Field: "temperature"}

	s.Append(key.StreamID, key.Field, time.Now(), 20)
	s.RefreshAll()
	if got := len(s.BaselineValues(key)); got != 1 {
		t.Fatalf("baseline has %d values, want 1", got)
	}

	// Age the current window out, then refresh again.
	s.Append(key.StreamID, key.Field, time.Now().Add(time.Hour), 21)
	p := s.getOrCreate(key)
	p.mu.Lock()
	p.current.reset()
	p.mu.Unlock()

	s.RefreshAll()
	if got := len(s.BaselineValues(key)); got == 0 {
		t.Error("empty current window erased the baseline")
	}
}

func TestStoreSnapshotRestore(t *testing.T) {
	s := NewStore(testConfig())
	key := PairKey{StreamID: "sensor-1", Field: "temperature"}
	base := time.Now()

	s.Append(key.StreamID, key.Field, base, 20)
	s.Append(key.StreamID, key.Field, base.Add(time.Second), 21)
	s.RefreshAll()
	s.MarkDrift(key)

	snap := s.Snapshot()
	if len(snap.Pairs) != 1 {
		t.Fatalf("snapshot has %d pairs, want 1", len(snap.Pairs))
	}

	restored := NewStore(testConfig())
	restored.Restore(snap)

	if got := restored.CurrentValues(key); len(got) != 2 {
		t.Errorf("restored current = %v, want 2 values", got)
	}
	if got := restored.BaselineValues(key); len(got) != 2 {
		t.Errorf("restored baseline = %v, want 2 values", got)
	}

	// Drift state survives the round trip: refresh must still be frozen.
	restored.Append(key.StreamID, key.Field, base.Add(2*time.Second), 95)
	restored.RefreshAll()
	if got := len(restored.BaselineValues(key)); got != 2 {
		t.Errorf("baseline grew to %d values despite active drift", got)
	}
}
