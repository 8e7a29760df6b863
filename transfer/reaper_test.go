package transfer

import (
	"context"
	"testing"
	"time"
)

func TestReaperSweepRemovesStaleTerminalTrackers(t *testing.T) {
	m := NewManager(context.Background(), ManagerConfig{LocalNode: "n"})
	r := NewReaper(m, 10*time.Millisecond)

	stale := NewTracker("stale", TransferMetadata{ID: "stale"}, "a", "n")
	stale.Finish(StateCompleted, nil)
	fresh := NewTracker("fresh", TransferMetadata{ID: "fresh"}, "a", "n")
	fresh.Finish(StateFailed, nil)
	live := NewTracker("live", TransferMetadata{ID: "live"}, "a", "n")

	m.mu.Lock()
	m.trackers["stale"] = stale
	m.trackers["fresh"] = fresh
	m.trackers["live"] = live
	m.mu.Unlock()

	// Backdate stale's last-update past the reap threshold (2x interval);
	// leave fresh just inside it.
	stale.mu.Lock()
	stale.lastUpdate = time.Now().Add(-time.Hour)
	stale.mu.Unlock()

	r.sweep()

	if _, ok := m.tracker("stale"); ok {
		t.Error("stale terminal tracker survived a sweep past the threshold")
	}
	if _, ok := m.tracker("fresh"); !ok {
		t.Error("fresh terminal tracker was reaped before its threshold elapsed")
	}
	if _, ok := m.tracker("live"); !ok {
		t.Error("non-terminal tracker was reaped")
	}
}

// A transfer id discarded and reused by a fresh transfer must not be
// reaped on the strength of the old tracker's index entry.
func TestReaperSkipsReusedTransferId(t *testing.T) {
	m := NewManager(context.Background(), ManagerConfig{LocalNode: "n"})
	r := NewReaper(m, 10*time.Millisecond)

	old := NewTracker("reuse", TransferMetadata{ID: "reuse"}, "a", "n")
	old.Finish(StateCancelled, nil)
	m.mu.Lock()
	m.trackers["reuse"] = old
	m.mu.Unlock()

	// First sweep indexes the terminal tracker; it is too fresh to reap.
	r.sweep()
	if _, ok := m.tracker("reuse"); !ok {
		t.Fatal("terminal tracker reaped before its threshold elapsed")
	}

	// The id is discarded and reused by a live transfer before the old
	// index entry expires.
	fresh := NewTracker("reuse", TransferMetadata{ID: "reuse"}, "a", "n")
	m.mu.Lock()
	m.trackers["reuse"] = fresh
	m.mu.Unlock()

	time.Sleep(25 * time.Millisecond)
	r.sweep()
	if _, ok := m.tracker("reuse"); !ok {
		t.Fatal("live tracker reaped via a stale index entry for a reused id")
	}

	// Once the reused transfer itself terminates and ages out, it is
	// re-discovered and reaped normally.
	fresh.Finish(StateFailed, nil)
	fresh.mu.Lock()
	fresh.lastUpdate = time.Now().Add(-time.Hour)
	fresh.mu.Unlock()
	r.sweep()
	if _, ok := m.tracker("reuse"); ok {
		t.Fatal("re-discovered terminal tracker survived a sweep past the threshold")
	}
}

func TestNewReaperDefaultsInterval(t *testing.T) {
	m := NewManager(context.Background(), ManagerConfig{LocalNode: "n"})
	r := NewReaper(m, 0)
	if r.interval != 60*time.Second {
		t.Fatalf("interval = %v, want 60s default", r.interval)
	}
}
