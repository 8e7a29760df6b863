package transfer

import (
	"errors"
	"testing"
	"time"
)

func newTestTracker() *Tracker {
	return NewTracker("t1", TransferMetadata{ID: "t1", ChunkCount: 3}, "src", "dst")
}

func TestTrackerStartsPreparing(t *testing.T) {
	tr := newTestTracker()
	if tr.State() != StatePreparing {
		t.Fatalf("new tracker state = %v, want Preparing", tr.State())
	}
}

func TestTrackerTransitionToTransferring(t *testing.T) {
	tr := newTestTracker()
	tr.Transition(StateTransferring)
	if tr.State() != StateTransferring {
		t.Fatalf("state = %v, want Transferring", tr.State())
	}
}

func TestTrackerTransitionIgnoredAfterTerminal(t *testing.T) {
	tr := newTestTracker()
	tr.Finish(StateCompleted, nil)
	tr.Transition(StateTransferring)
	if tr.State() != StateCompleted {
		t.Fatalf("state = %v, want Completed to stick", tr.State())
	}
}

// The one-shot completion signal is delivered exactly once, even under
// repeated Finish calls.
func TestTrackerFinishFiresSignalExactlyOnce(t *testing.T) {
	tr := newTestTracker()
	tr.Finish(StateCompleted, nil)
	tr.Finish(StateFailed, errors.New("should be ignored"))

	select {
	case outcome := <-tr.Done():
		if outcome.State != StateCompleted {
			t.Fatalf("outcome.State = %v, want Completed (first Finish wins)", outcome.State)
		}
		if outcome.Err != nil {
			t.Fatalf("outcome.Err = %v, want nil", outcome.Err)
		}
	default:
		t.Fatal("Done() channel did not have a buffered outcome")
	}

	select {
	case outcome, ok := <-tr.Done():
		t.Fatalf("Done() delivered a second time: %+v (ok=%v)", outcome, ok)
	default:
	}

	if tr.State() != StateCompleted {
		t.Fatalf("final state = %v, want Completed", tr.State())
	}
}

func TestTrackerFinishIsIdempotentAfterTerminal(t *testing.T) {
	tr := newTestTracker()
	tr.Finish(StateCancelled, errors.New("cancelled"))
	tr.Finish(StateFailed, errors.New("ignored"))
	if tr.State() != StateCancelled {
		t.Fatalf("state = %v, want Cancelled unchanged", tr.State())
	}
}

func TestTrackerRecordProgressUpdatesSnapshot(t *testing.T) {
	tr := newTestTracker()
	tr.RecordProgress(2, 2048)
	snap := tr.Snapshot()
	if snap.ChunksTransferred != 2 || snap.BytesTransferred != 2048 {
		t.Fatalf("snapshot = %+v, want chunks=2 bytes=2048", snap)
	}
	if time.Since(snap.LastUpdate) > time.Second {
		t.Fatalf("LastUpdate not refreshed: %v", snap.LastUpdate)
	}
}

func TestStateTerminal(t *testing.T) {
	terminal := []State{StateCompleted, StateFailed, StateCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("State(%v).Terminal() = false, want true", s)
		}
	}
	nonTerminal := []State{StatePreparing, StateTransferring, StatePaused}
	for _, s := range nonTerminal {
		if s.Terminal() {
			t.Errorf("State(%v).Terminal() = true, want false", s)
		}
	}
}
