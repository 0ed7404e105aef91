package drift

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensorflow/baseline"
	appconfig "sensorflow/config"
	"sensorflow/internal/channel"
	"sensorflow/models"
)

func testConfig() *appconfig.Config {
	return &appconfig.Config{
		Baseline: appconfig.BaselineConfig{
			CurrentSpan:     time.Hour,
			CurrentMaxSize:  1000,
			BaselineSpan:    time.Hour,
			BaselineMaxSize: 1000,
			RefreshPeriod:   time.Minute,
		},
		Drift: appconfig.DriftConfig{
			CyclePeriod:       time.Minute,
			MinSamples:        30,
			MeanShiftK:        2.0,
			Alpha:             0.05,
			DistanceThreshold: 0.1,
			CrossGroup:        true,
			MinGroups:         3,
		},
	}
}

// fillPair loads n normally distributed samples into the current window and
// promotes them to the baseline, then loads the current samples.
func fillPair(t *testing.T, store *baseline.Store, key baseline.PairKey, baseMean, curMean, stddev float64, n int) {
	t.Helper()
	rng := rand.New(rand.NewSource(42))
	base := time.Now()

	for i := 0; i < n; i++ {
		store.Append(key.StreamID, key.Field, base.Add(time.Duration(i)*time.Second), baseMean+rng.NormFloat64()*stddev)
	}
	store.RefreshAll()

	// Replace the current window content with the post-refresh samples.
	snap := store.Snapshot()
	for i := range snap.Pairs {
		if snap.Pairs[i].StreamID == key.StreamID && snap.Pairs[i].Field == key.Field {
			snap.Pairs[i].Current = nil
		}
	}
	store.Restore(snap)

	for i := 0; i < n; i++ {
		store.Append(key.StreamID, key.Field, base.Add(time.Duration(n+i)*time.Second), curMean+rng.NormFloat64()*stddev)
	}
}

func TestEvaluatePairDetectsMeanShift(t *testing.T) {
	cfg := testConfig()
	store := baseline.NewStore(cfg)
	key := baseline.PairKey{StreamID: "sensor-1", Field: "temperature"}
	fillPair(t, store, key, 23.5, 26.2, 1.0, 100)

	d := NewDetector(cfg, store, nil, nil)
	event := d.evaluatePair(key)

	require.False(t, event.InsufficientData)
	assert.Equal(t, models.DecisionDrift, event.Decision)
	assert.True(t, event.TestResults[models.TestMeanShift].Flagged, "mean shift of 2.7 stddev should flag")
	assert.True(t, event.TestResults[models.TestKS].Flagged, "KS should flag disjoint distributions")
	assert.Equal(t, models.SeverityHigh, event.Severity)
	assert.Greater(t, event.Score, 0.5)
	assert.Equal(t, 100, event.BaselineCount)
	assert.Equal(t, 100, event.CurrentCount)
}

func TestEvaluatePairNoDriftOnStableDistribution(t *testing.T) {
	cfg := testConfig()
	store := baseline.NewStore(cfg)
	key := baseline.PairKey{StreamID: "sensor-1", Field: "temperature"}
	fillPair(t, store, key, 23.5, 23.5, 1.0, 200)

	d := NewDetector(cfg, store, nil, nil)
	event := d.evaluatePair(key)

	require.False(t, event.InsufficientData)
	assert.Equal(t, models.DecisionNoDrift, event.Decision)
	assert.Equal(t, models.SeverityNone, event.Severity)
}

func TestEvaluatePairInsufficientData(t *testing.T) {
	cfg := testConfig()
	store := baseline.NewStore(cfg)
	key := baseline.PairKey{StreamID: "sensor-1", Field: "temperature"}
	fillPair(t, store, key, 23.5, 26.2, 1.0, 20)

	d := NewDetector(cfg, store, nil, nil)
	event := d.evaluatePair(key)

	assert.True(t, event.InsufficientData)
	assert.Equal(t, models.DecisionNoDrift, event.Decision)
	assert.Empty(t, event.TestResults)
}

func TestEvaluatePairDeterministic(t *testing.T) {
	cfg := testConfig()
	store := baseline.NewStore(cfg)
	key := baseline.PairKey{StreamID: "sensor-1", Field: "temperature"}
	fillPair(t, store, key, 23.5, 24.0, 1.0, 100)

	d := NewDetector(cfg, store, nil, nil)
	first := d.evaluatePair(key)
	second := d.evaluatePair(key)

	assert.Equal(t, first.Decision, second.Decision)
	assert.Equal(t, first.Score, second.Score)
	assert.Equal(t, first.TestResults, second.TestResults)
}

type recordingObserver struct {
	scores []float64
}

func (o *recordingObserver) ObserveDrift(streamID string, score float64) {
	o.scores = append(o.scores, score)
}

func TestRunCycleObserverSeesWorstFieldPerStream(t *testing.T) {
	cfg := testConfig()
	store := baseline.NewStore(cfg)
	rng := rand.New(rand.NewSource(42))
	base := time.Now()

	// One stream with a shifted field and a stable one.
	for i := 0; i < 100; i++ {
		ts := base.Add(time.Duration(i) * time.Second)
		store.Append("sensor-1", "temperature", ts, 23.5+rng.NormFloat64())
		store.Append("sensor-1", "battery", ts, 50.0+rng.NormFloat64())
	}
	store.RefreshAll()
	snap := store.Snapshot()
	for i := range snap.Pairs {
		snap.Pairs[i].Current = nil
	}
	store.Restore(snap)
	for i := 0; i < 100; i++ {
		ts := base.Add(time.Duration(100+i) * time.Second)
		store.Append("sensor-1", "temperature", ts, 30.0+rng.NormFloat64())
		store.Append("sensor-1", "battery", ts, 50.0+rng.NormFloat64())
	}

	obs := &recordingObserver{}
	d := NewDetector(cfg, store, channel.NewChannels(1, 1, 256), obs)
	d.ctx = context.Background()

	for i := 0; i < 50; i++ {
		d.runCycle()
	}

	// One score per stream per cycle, always the worst field's, regardless
	// of pair iteration order.
	require.Len(t, obs.scores, 50)
	assert.Greater(t, obs.scores[0], 0.5)
	for _, score := range obs.scores {
		assert.Equal(t, obs.scores[0], score)
	}
}

func TestMeanShiftDegenerateBaseline(t *testing.T) {
	dist, flagged := MeanShift([]float64{5, 5, 5}, []float64{3, 3, 3}, 2.0)
	assert.True(t, flagged, "zero-spread baseline with a different mean must flag")
	assert.Equal(t, 2.0, dist)

	_, flagged = MeanShift([]float64{3, 3, 3}, []float64{3, 3, 3}, 2.0)
	assert.False(t, flagged)
}

func TestKolmogorovSmirnovSeparatesDistributions(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	a := make([]float64, 100)
	b := make([]float64, 100)
	c := make([]float64, 100)
	for i := range a {
		a[i] = rng.NormFloat64()
		b[i] = rng.NormFloat64()
		c[i] = 5 + rng.NormFloat64()
	}

	_, pSame := KolmogorovSmirnov(a, b)
	assert.Greater(t, pSame, 0.05, "same distribution should not reject")

	stat, pDiff := KolmogorovSmirnov(a, c)
	assert.Less(t, pDiff, 0.001, "shifted distribution should reject")
	assert.Greater(t, stat, 0.9)
}

func TestWasserstein(t *testing.T) {
	same := Wasserstein([]float64{1, 2, 3, 4}, []float64{1, 2, 3, 4})
	assert.InDelta(t, 0, same, 1e-12)

	// Point masses at 0 and 1: distance 1 over range 1.
	apart := Wasserstein([]float64{0, 0, 0}, []float64{1, 1, 1})
	assert.InDelta(t, 1, apart, 1e-12)

	assert.Equal(t, 0.0, Wasserstein(nil, []float64{1}))
	assert.Equal(t, 0.0, Wasserstein([]float64{2, 2}, []float64{2, 2}))
}

func TestOneWayANOVA(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	same := make([][]float64, 3)
	diff := make([][]float64, 3)
	for g := 0; g < 3; g++ {
		same[g] = make([]float64, 50)
		diff[g] = make([]float64, 50)
		for i := 0; i < 50; i++ {
			same[g][i] = 10 + rng.NormFloat64()
			diff[g][i] = 10 + float64(g)*3 + rng.NormFloat64()
		}
	}

	_, pSame, ok := OneWayANOVA(same)
	require.True(t, ok)
	assert.Greater(t, pSame, 0.01)

	fDiff, pDiff, ok := OneWayANOVA(diff)
	require.True(t, ok)
	assert.Less(t, pDiff, 0.001)
	assert.Greater(t, fDiff, 10.0)

	_, _, ok = OneWayANOVA([][]float64{{1, 2}})
	assert.False(t, ok)
}
