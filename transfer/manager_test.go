package transfer

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// pairedManagers wires two Managers over a freshly-named LoopbackTransport
// pair, returning both and a cleanup func. name must be unique per test to
// avoid colliding with the shared default broker.
func pairedManagers(t *testing.T, name string, perMessageTimeout time.Duration) (sender, receiver *Manager, senderNode, receiverNode string) {
	t.Helper()
	senderNode = name + "-sender"
	receiverNode = name + "-receiver"

	senderTransport, err := NewLoopbackTransport(senderNode)
	if err != nil {
		t.Fatalf("NewLoopbackTransport(%s): %v", senderNode, err)
	}
	receiverTransport, err := NewLoopbackTransport(receiverNode)
	if err != nil {
		t.Fatalf("NewLoopbackTransport(%s): %v", receiverNode, err)
	}
	t.Cleanup(func() {
		senderTransport.Close()
		receiverTransport.Close()
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	sender = NewManager(ctx, ManagerConfig{LocalNode: senderNode, Transport: senderTransport, PerMessageTimeout: perMessageTimeout})
	receiver = NewManager(ctx, ManagerConfig{LocalNode: receiverNode, Transport: receiverTransport, PerMessageTimeout: perMessageTimeout})
	return sender, receiver, senderNode, receiverNode
}

// A payload smaller than one chunk completes in a single round trip.
func TestSendReceiveSingleChunk(t *testing.T) {
	sender, receiver, _, receiverNode := pairedManagers(t, "single-chunk", 5*time.Second)

	payload := []byte("hello, sandboxed world")
	sink := NewMemorySink()

	errCh := make(chan error, 1)
	go func() {
		errCh <- receiver.ReceiveTransfer(context.Background(), awaitIncomingID(t, receiver), sink)
	}()

	id, err := sender.SendMemory(context.Background(), receiverNode, payload, "text/plain")
	if err != nil {
		t.Fatalf("SendMemory: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("ReceiveTransfer: %v", err)
	}
	if !bytesEqual(sink.Bytes(), payload) {
		t.Fatalf("received %q, want %q", sink.Bytes(), payload)
	}
	if id == "" {
		t.Fatal("SendMemory returned empty TransferId")
	}
}

// A payload spanning several chunks is reassembled in order.
func TestSendReceiveMultiChunk(t *testing.T) {
	sender, receiver, _, receiverNode := pairedManagers(t, "multi-chunk", 5*time.Second)

	payload := make([]byte, 3*(1<<20)+17) // spans 4 chunks at the manager's 1 MiB chunk size
	for i := range payload {
		payload[i] = byte(i)
	}
	sink := NewMemorySink()

	errCh := make(chan error, 1)
	go func() {
		errCh <- receiver.ReceiveTransfer(context.Background(), awaitIncomingID(t, receiver), sink)
	}()

	if _, err := sender.SendMemory(context.Background(), receiverNode, payload, "application/octet-stream"); err != nil {
		t.Fatalf("SendMemory: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("ReceiveTransfer: %v", err)
	}
	if !bytesEqual(sink.Bytes(), payload) {
		t.Fatalf("received %d bytes, want %d matching bytes", len(sink.Bytes()), len(payload))
	}
}

// A zero-byte transfer completes with no DataChunk messages exchanged.
func TestSendReceiveZeroByte(t *testing.T) {
	sender, receiver, _, receiverNode := pairedManagers(t, "zero-byte", 5*time.Second)

	sink := NewMemorySink()
	errCh := make(chan error, 1)
	go func() {
		errCh <- receiver.ReceiveTransfer(context.Background(), awaitIncomingID(t, receiver), sink)
	}()

	if _, err := sender.SendMemory(context.Background(), receiverNode, nil, "text/plain"); err != nil {
		t.Fatalf("SendMemory: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("ReceiveTransfer: %v", err)
	}
	if len(sink.Bytes()) != 0 {
		t.Fatalf("received %d bytes, want 0", len(sink.Bytes()))
	}
}

// Cancel mid-stream moves the tracker to Cancelled; a second Cancel is a
// no-op success.
func TestCancelMidTransferIsIdempotent(t *testing.T) {
	sender, _, _, receiverNode := pairedManagers(t, "cancel", 5*time.Second)

	source := NewMemorySource(make([]byte, 5*(1<<20)))
	done := make(chan struct{})
	var sendErr error
	go func() {
		_, sendErr = sender.SendData(context.Background(), receiverNode, source, "application/octet-stream", CompressionNone)
		close(done)
	}()

	var id TransferId
	for deadline := time.Now().Add(2 * time.Second); time.Now().Before(deadline); {
		trackers := sender.Trackers()
		for k := range trackers {
			id = k
		}
		if id != "" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if id == "" {
		t.Fatal("no tracker registered for in-flight send")
	}

	if err := sender.Cancel(id); err != nil {
		t.Fatalf("first Cancel: %v", err)
	}
	if err := sender.Cancel(id); err != nil {
		t.Fatalf("second Cancel: %v, want idempotent nil", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("SendData did not return after Cancel")
	}
	if sendErr == nil {
		t.Fatal("SendData returned nil error after cancellation, want an error")
	}
}

// Cancelling a receiver-side tracker must notify the remote *sender*, not
// the local destination node the tracker's metadata names.
func TestCancelReceiverSideNotifiesSourcePeer(t *testing.T) {
	senderTransport, err := NewLoopbackTransport("rc-cancel-sender")
	if err != nil {
		t.Fatalf("NewLoopbackTransport(sender): %v", err)
	}
	defer senderTransport.Close()
	receiverTransport, err := NewLoopbackTransport("rc-cancel-receiver")
	if err != nil {
		t.Fatalf("NewLoopbackTransport(receiver): %v", err)
	}
	defer receiverTransport.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	receiver := NewManager(ctx, ManagerConfig{LocalNode: "rc-cancel-receiver", Transport: receiverTransport})

	meta := TransferMetadata{
		ID:         NewTransferId(),
		SourceNode: "rc-cancel-sender",
		DestNode:   "rc-cancel-receiver",
		TotalBytes: 4096,
		ChunkBytes: 1024,
		ChunkCount: 4,
	}
	if resp := receiver.HandleTransferRequest(TransferRequest{Metadata: meta}); !resp.Accepted {
		t.Fatalf("request rejected: %+v", resp)
	}

	if err := receiver.Cancel(meta.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	recvCtx, recvCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer recvCancel()
	env, err := senderTransport.Receive(recvCtx)
	if err != nil {
		t.Fatalf("sender peer received no cancellation notice: %v", err)
	}
	if env.Kind != KindTransferCompletion || env.Completion == nil {
		t.Fatalf("sender peer received %+v, want a TransferCompletion", env)
	}
	if env.Completion.TransferID != meta.ID || env.Completion.Success {
		t.Fatalf("completion = %+v, want failed completion for %s", env.Completion, meta.ID)
	}
}

func TestHandleTransferRequestRejectsInvalidPriority(t *testing.T) {
	m := NewManager(context.Background(), ManagerConfig{LocalNode: "n"})
	resp := m.HandleTransferRequest(TransferRequest{
		Metadata: TransferMetadata{ID: NewTransferId()},
		Priority: 101,
	})
	if resp.Accepted {
		t.Fatal("request with out-of-range priority was accepted")
	}
}

func TestHandleTransferRequestRejectsDuplicateInFlight(t *testing.T) {
	m := NewManager(context.Background(), ManagerConfig{LocalNode: "n"})
	req := TransferRequest{Metadata: TransferMetadata{ID: NewTransferId()}}
	first := m.HandleTransferRequest(req)
	if !first.Accepted {
		t.Fatalf("first request rejected: %+v", first)
	}
	second := m.HandleTransferRequest(req)
	if second.Accepted {
		t.Fatal("duplicate in-flight request was accepted, want rejected")
	}
}

// HandleTransferRequest's tracker must carry the request's metadata through
// untouched, since the receiver's completion report and resume offsets are
// both derived from it.
func TestHandleTransferRequestPreservesMetadata(t *testing.T) {
	m := NewManager(context.Background(), ManagerConfig{LocalNode: "n"})
	meta := TransferMetadata{
		ID:          NewTransferId(),
		SourceNode:  "peer-a",
		DestNode:    "n",
		TotalBytes:  4096,
		ChunkBytes:  1024,
		ChunkCount:  4,
		ContentType: "application/octet-stream",
	}
	resp := m.HandleTransferRequest(TransferRequest{Metadata: meta})
	if !resp.Accepted {
		t.Fatalf("request rejected: %+v", resp)
	}

	tracker, ok := m.tracker(meta.ID)
	if !ok {
		t.Fatal("no tracker registered after an accepted request")
	}
	got := tracker.Metadata()
	if diff := cmp.Diff(meta, got); diff != "" {
		t.Fatalf("tracker metadata mismatch (-want +got):\n%s", diff)
	}
}

// awaitIncomingID polls the receiver manager until a tracker appears
// (created by HandleTransferRequest via the dispatch loop) and returns its
// id, failing the test if none shows up in time.
func awaitIncomingID(t *testing.T, m *Manager) TransferId {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for id := range m.Trackers() {
			return id
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no inbound transfer request observed")
	return ""
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
