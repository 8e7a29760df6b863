package transfer

import (
	"context"
	"time"

	"github.com/google/btree"

	"github.com/nexusshell/corectl/logging"
)

// reaperItem orders terminal trackers by the last-update time they had
// when they were indexed. Terminal trackers never update again, so the
// order stays valid across ticks.
type reaperItem struct {
	lastUpdate time.Time
	id         TransferId
}

func (a reaperItem) Less(other btree.Item) bool {
	b := other.(reaperItem)
	if a.lastUpdate.Equal(b.lastUpdate) {
		return a.id < b.id
	}
	return a.lastUpdate.Before(b.lastUpdate)
}

// Reaper is a periodic background sweep that removes trackers left in a
// terminal state past 2x its tick interval, bounding the damage of a
// missed terminal-signal consumer.
//
// Terminal trackers are indexed once, oldest-first, in a btree kept
// across ticks; each sweep walks the index from the oldest entry and
// stops at the first one still inside the reap threshold, so the
// expiry scan does not visit entries that cannot be reaped yet.
type Reaper struct {
	manager  *Manager
	interval time.Duration
	index    *btree.BTree
	indexed  map[TransferId]bool
}

// NewReaper creates a Reaper with the given tick interval; zero or
// negative falls back to 60s.
func NewReaper(manager *Manager, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Reaper{
		manager:  manager,
		interval: interval,
		index:    btree.New(32),
		indexed:  make(map[TransferId]bool),
	}
}

// Run ticks until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// sweep implements one reaper tick. All three terminal states are treated
// uniformly: a tracker stuck in any of them past the threshold represents
// the same abandoned-consumer failure mode.
func (r *Reaper) sweep() {
	log := logging.Transfer.WithField("component", "reaper")
	cutoff := time.Now().Add(-2 * r.interval)

	// Index terminal trackers not seen before. Trackers removed by their
	// normal completion path leave a dead index entry behind; it is
	// discarded when its timestamp expires below.
	for id, t := range r.manager.Trackers() {
		if r.indexed[id] {
			continue
		}
		snap := t.Snapshot()
		if !snap.State.Terminal() {
			continue
		}
		r.index.ReplaceOrInsert(reaperItem{lastUpdate: snap.LastUpdate, id: id})
		r.indexed[id] = true
	}

	// Walk oldest-first and bail at the first entry inside the threshold;
	// everything after it is newer still.
	var expired []reaperItem
	r.index.Ascend(func(item btree.Item) bool {
		it := item.(reaperItem)
		if it.lastUpdate.After(cutoff) {
			return false
		}
		expired = append(expired, it)
		return true
	})

	reaped := 0
	for _, it := range expired {
		r.index.Delete(it)
		delete(r.indexed, it.id)
		t, ok := r.manager.tracker(it.id)
		if !ok {
			continue
		}
		snap := t.Snapshot()
		if !snap.State.Terminal() || !snap.LastUpdate.Equal(it.lastUpdate) {
			// The id was reused by a fresh transfer after the indexed
			// tracker was discarded; leave it for re-discovery.
			continue
		}
		r.manager.removeTrackerAndSink(it.id)
		reaped++
	}
	if reaped > 0 {
		log.WithField("count", reaped).Info("reaped abandoned terminal trackers")
	}
}
