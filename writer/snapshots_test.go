package writer

import (
	"context"
	"testing"
	"time"

	"sensorflow/baseline"
	appconfig "sensorflow/config"
	"sensorflow/models"
	"sensorflow/validator"
)

func testConfig(t *testing.T) *appconfig.Config {
	return &appconfig.Config{
		Baseline: appconfig.BaselineConfig{
			CurrentSpan:     time.Hour,
			CurrentMaxSize:  100,
			BaselineSpan:    time.Hour,
			BaselineMaxSize: 100,
			RefreshPeriod:   time.Minute,
		},
		Storage: appconfig.StorageConfig{
			Snapshot: appconfig.SnapshotConfig{
				Enabled:  true,
				Dir:      t.TempDir(),
				Interval: time.Minute,
			},
		},
	}
}

func TestFileSnapshotStoreRoundTrip(t *testing.T) {
	store, err := NewFileSnapshotStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileSnapshotStore failed: %v", err)
	}
	ctx := context.Background()

	if data, err := store.Load(ctx, "missing.json"); err != nil || data != nil {
		t.Fatalf("Load of missing snapshot = (%v, %v), want (nil, nil)", data, err)
	}

	if err := store.Save(ctx, "state.json", []byte(`{"ok": true}`)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	data, err := store.Load(ctx, "state.json")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if string(data) != `{"ok": true}` {
		t.Errorf("loaded %q", data)
	}

	// Overwrite goes through the same atomic path.
	if err := store.Save(ctx, "state.json", []byte(`{"ok": false}`)); err != nil {
		t.Fatalf("second Save failed: %v", err)
	}
	data, _ = store.Load(ctx, "state.json")
	if string(data) != `{"ok": false}` {
		t.Errorf("after overwrite loaded %q", data)
	}
}

func TestSnapshotterSaveRestore(t *testing.T) {
	cfg := testConfig(t)
	fileStore, err := NewFileSnapshotStore(cfg.Storage.Snapshot.Dir)
	if err != nil {
		t.Fatalf("NewFileSnapshotStore failed: %v", err)
	}
	ctx := context.Background()

	base := baseline.NewStore(cfg)
	key := baseline.PairKey{StreamID: "sensor-1", Field: "temperature"}
	now := time.Now()
	base.Append(key.StreamID, key.Field, now, 20)
	base.Append(key.StreamID, key.Field, now.Add(time.Second), 21)
	base.RefreshAll()

	cache := validator.NewRecentReadCache(4, 100, time.Hour)
	cache.Update("rfid-1", "tag-1", now, models.Location{Name: "dock-a"}, true)

	s := NewSnapshotter(cfg, fileStore, base, cache)
	if err := s.SaveAll(ctx); err != nil {
		t.Fatalf("SaveAll failed: %v", err)
	}

	freshBase := baseline.NewStore(cfg)
	freshCache := validator.NewRecentReadCache(4, 100, time.Hour)
	restored := NewSnapshotter(cfg, fileStore, freshBase, freshCache)
	if err := restored.Restore(ctx); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	if got := freshBase.BaselineValues(key); len(got) != 2 {
		t.Errorf("restored baseline = %v, want 2 values", got)
	}
	if got := freshBase.CurrentValues(key); len(got) != 2 {
		t.Errorf("restored current = %v, want 2 values", got)
	}
	if _, ok := freshCache.Lookup("rfid-1", "tag-1", now); !ok {
		t.Error("restored cache missing entry")
	}
}

func TestSnapshotterRestoreFromEmptyStore(t *testing.T) {
	cfg := testConfig(t)
	fileStore, err := NewFileSnapshotStore(cfg.Storage.Snapshot.Dir)
	if err != nil {
		t.Fatalf("NewFileSnapshotStore failed: %v", err)
	}

	s := NewSnapshotter(cfg, fileStore, baseline.NewStore(cfg), validator.NewRecentReadCache(4, 100, time.Hour))
	if err := s.Restore(context.Background()); err != nil {
		t.Fatalf("Restore of empty store failed: %v", err)
	}
}

func TestArchiveObjectKeyPartitioning(t *testing.T) {
	cfg := &appconfig.Config{
		Archive: appconfig.ArchiveConfig{
			Partitioning: appconfig.PartitioningConfig{TimeFormat: "year={year}/month={month}/day={day}/hour={hour}"},
		},
	}
	a := &ArchiveSink{config: cfg}

	ts := time.Date(2026, 3, 7, 9, 30, 0, 0, time.UTC)
	key := a.objectKey(ts)

	const wantPrefix = "events/year=2026/month=03/day=07/hour=09/events_20260307093000_"
	if len(key) < len(wantPrefix) || key[:len(wantPrefix)] != wantPrefix {
		t.Errorf("key = %s, want prefix %s", key, wantPrefix)
	}
}

func TestBuildParquet(t *testing.T) {
	events := []models.Event{
		{EventID: "ev-1", Type: models.EventDrift, StreamID: "sensor-1", Timestamp: time.Now()},
		{EventID: "ev-2", Type: models.EventQualityScore, StreamID: "sensor-2", Timestamp: time.Now()},
	}
	data, err := buildParquet(events)
	if err != nil {
		t.Fatalf("buildParquet failed: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("empty parquet output")
	}
	// Parquet files start and end with the magic bytes PAR1.
	if string(data[:4]) != "PAR1" || string(data[len(data)-4:]) != "PAR1" {
		t.Error("output missing parquet magic bytes")
	}
}
