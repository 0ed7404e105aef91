package validator

import (
	"fmt"
	"testing"
	"time"

	"sensorflow/models"
)

func TestCacheTTLEviction(t *testing.T) {
	c := NewRecentReadCache(4, 100, 5*time.Second)
	base := time.Now()

	c.Update("rfid-1", "tag-1", base, models.Location{}, false)

	if _, ok := c.Lookup("rfid-1", "tag-1", base.Add(4*time.Second)); !ok {
		t.Error("entry evicted before TTL")
	}
	if _, ok := c.Lookup("rfid-1", "tag-1", base.Add(6*time.Second)); ok {
		t.Error("entry survived past TTL")
	}
	if c.Len() != 0 {
		t.Errorf("Len = %d after TTL eviction, want 0", c.Len())
	}
}

func TestCacheCapacityEvictsStalest(t *testing.T) {
	c := NewRecentReadCache(1, 3, 0)
	base := time.Now()

	for i := 0; i < 4; i++ {
		c.Update("rfid-1", fmt.Sprintf("tag-%d", i), base.Add(time.Duration(i)*time.Second), models.Location{}, false)
	}

	if c.Len() != 3 {
		t.Fatalf("Len = %d, want 3", c.Len())
	}
	if _, ok := c.Lookup("rfid-1", "tag-0", base.Add(4*time.Second)); ok {
		t.Error("stalest entry survived capacity eviction")
	}
	if _, ok := c.Lookup("rfid-1", "tag-3", base.Add(4*time.Second)); !ok {
		t.Error("freshest entry was evicted")
	}
}

func TestCacheOutOfOrderUpdateKeepsFreshest(t *testing.T) {
	c := NewRecentReadCache(4, 100, time.Minute)
	base := time.Now()

	c.Update("rfid-1", "tag-1", base, models.Location{Name: "dock-a"}, true)
	c.Update("rfid-1", "tag-1", base.Add(-10*time.Second), models.Location{Name: "gate-9"}, true)

	st, ok := c.Lookup("rfid-1", "tag-1", base)
	if !ok {
		t.Fatal("entry missing")
	}
	if st.Location.Name != "dock-a" {
		t.Errorf("location = %s, want dock-a", st.Location.Name)
	}
}

func TestCacheSnapshotRestore(t *testing.T) {
	c := NewRecentReadCache(4, 100, time.Minute)
	now := time.Now()

	c.Update("rfid-1", "tag-1", now, models.Location{Name: "dock-a", X: 1, Y: 2}, true)
	c.Update("rfid-2", "tag-2", now, models.Location{}, false)

	snap := c.Snapshot()
	if len(snap.Entries) != 2 {
		t.Fatalf("snapshot has %d entries, want 2", len(snap.Entries))
	}

	restored := NewRecentReadCache(8, 100, time.Minute)
	restored.Restore(snap)

	st, ok := restored.Lookup("rfid-1", "tag-1", now)
	if !ok {
		t.Fatal("restored entry missing")
	}
	if !st.HasLocation || st.Location.Name != "dock-a" {
		t.Errorf("restored state = %+v", st)
	}
	if restored.Len() != 2 {
		t.Errorf("restored Len = %d, want 2", restored.Len())
	}
}
