package keystate

import (
	"fmt"
	"testing"
	"time"
)

func newTestTable(t *testing.T, affinityCap, processingCap int, ttl time.Duration) *Table {
	t.Helper()
	tbl, err := NewTable(affinityCap, processingCap, ttl)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	return tbl
}

func TestKeyAffinity_RecordLookup(t *testing.T) {
	tbl := newTestTable(t, 8, 8, time.Minute)

	tbl.Complete("f904ccef", 2, "0AXDF180010085")
	info, ok := tbl.LookupKey("f904ccef")
	if !ok || info.ServerIdx != 2 || info.SN != "0AXDF180010085" {
		t.Fatalf("LookupKey = (%+v, %v), want server 2 with SN", info, ok)
	}
	if _, ok := tbl.LookupKey("deadbeef"); ok {
		t.Error("unexpected hit for unknown drone")
	}
}

func TestKeyAffinity_LRUEviction(t *testing.T) {
	tbl := newTestTable(t, 2, 8, time.Minute)

	tbl.Complete("aa", 0, "")
	tbl.Complete("bb", 1, "")
	// Touch aa so bb becomes the eviction candidate.
	tbl.LookupKey("aa")
	tbl.Complete("cc", 2, "")

	if _, ok := tbl.LookupKey("aa"); !ok {
		t.Error("recently used entry was evicted")
	}
	if _, ok := tbl.LookupKey("bb"); ok {
		t.Error("least recently used entry survived")
	}
	if _, ok := tbl.LookupKey("cc"); !ok {
		t.Error("newest entry missing")
	}
}

func TestProcessing_SingleClaim(t *testing.T) {
	tbl := newTestTable(t, 8, 8, time.Minute)

	if !tbl.TryAddProcessing("f904ccef") {
		t.Fatal("first claim refused")
	}
	if tbl.TryAddProcessing("f904ccef") {
		t.Fatal("duplicate claim granted")
	}
	if !tbl.InProcessing("f904ccef") {
		t.Error("InProcessing = false for claimed drone")
	}

	tbl.RemoveProcessing("f904ccef")
	if tbl.InProcessing("f904ccef") {
		t.Error("claim survived RemoveProcessing")
	}
	if !tbl.TryAddProcessing("f904ccef") {
		t.Error("reclaim refused after release")
	}
}

func TestProcessing_TTLExpiry(t *testing.T) {
	tbl := newTestTable(t, 8, 8, 36*time.Second)

	base := time.Now()
	tbl.now = func() time.Time { return base }
	if !tbl.TryAddProcessing("f904ccef") {
		t.Fatal("claim refused")
	}

	tbl.now = func() time.Time { return base.Add(37 * time.Second) }
	if tbl.InProcessing("f904ccef") {
		t.Error("claim survived past TTL")
	}
	if !tbl.TryAddProcessing("f904ccef") {
		t.Error("reclaim refused after TTL expiry")
	}
}

func TestProcessing_CapacityEvictsOldest(t *testing.T) {
	tbl := newTestTable(t, 8, 2, time.Minute)

	tbl.TryAddProcessing("aa")
	tbl.TryAddProcessing("bb")
	if !tbl.TryAddProcessing("cc") {
		t.Fatal("claim refused at capacity; oldest should be evicted instead")
	}

	if tbl.InProcessing("aa") {
		t.Error("oldest claim survived capacity eviction")
	}
	if !tbl.InProcessing("bb") || !tbl.InProcessing("cc") {
		t.Error("newer claims missing")
	}
}

func TestComplete_AtomicHandoff(t *testing.T) {
	tbl := newTestTable(t, 8, 8, time.Minute)

	tbl.TryAddProcessing("f904ccef")
	tbl.Complete("f904ccef", 3, "0AXDF180010085")

	if tbl.InProcessing("f904ccef") {
		t.Error("drone still in processing after Complete")
	}
	info, ok := tbl.LookupKey("f904ccef")
	if !ok || info.ServerIdx != 3 || info.SN != "0AXDF180010085" {
		t.Errorf("LookupKey = (%+v, %v), want server 3 with SN", info, ok)
	}
}

func TestStats(t *testing.T) {
	tbl := newTestTable(t, 8, 8, time.Minute)

	for i := 0; i < 3; i++ {
		tbl.Complete(fmt.Sprintf("drone%d", i), i, "")
	}
	tbl.TryAddProcessing("pending")

	aff, proc := tbl.Stats()
	if aff != 3 || proc != 1 {
		t.Errorf("Stats = (%d, %d), want (3, 1)", aff, proc)
	}
}
