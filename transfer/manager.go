// Package transfer's Manager is the authoritative per-peer registry of
// active transfers and the router for the four wire message kinds.
package transfer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nexusshell/corectl/errs"
	"github.com/nexusshell/corectl/logging"
)

// pendingSink is one entry of the pending-sink map: the bounded channel
// feeding a live receiver loop. The channel is closed exactly once, under
// the map's lock, so chunk forwarding can never race the close.
type pendingSink struct {
	ch   chan DataChunk
	once sync.Once
}

// Manager owns the active-transfer table, the pending-sink map, and the
// handlers for every wire message kind.
type Manager struct {
	localNode string
	transport Transport

	chunkSize         int64
	perMessageTimeout time.Duration
	maxRetries        int
	limiter           *rate.Limiter

	mu       sync.RWMutex
	trackers map[TransferId]*Tracker

	sinksMu sync.Mutex
	sinks   map[TransferId]*pendingSink

	respMu  sync.Mutex
	pending map[TransferId]chan TransferResponse
}

// ManagerConfig configures a Manager; zero values fall back to the defaults
// in the config package.
type ManagerConfig struct {
	LocalNode         string
	Transport         Transport
	ChunkSize         int64
	PerMessageTimeout time.Duration
	MaxRetries        int

	// SendRateBytesPerSec throttles outbound chunk payloads across all of
	// this Manager's senders; zero means unthrottled.
	SendRateBytesPerSec int64
}

// NewManager creates a Manager and, when cfg.Transport is set, starts its
// inbound-message dispatch loop in the background, bound to ctx's lifetime.
// Without a Transport the handlers can still be called directly.
func NewManager(ctx context.Context, cfg ManagerConfig) *Manager {
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 1 << 20
	}
	timeout := cfg.PerMessageTimeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	retries := cfg.MaxRetries
	if retries == 0 {
		retries = 3
	}
	var limiter *rate.Limiter
	if cfg.SendRateBytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.SendRateBytesPerSec), int(chunkSize))
	}
	m := &Manager{
		localNode:         cfg.LocalNode,
		transport:         cfg.Transport,
		chunkSize:         chunkSize,
		perMessageTimeout: timeout,
		maxRetries:        retries,
		limiter:           limiter,
		trackers:          make(map[TransferId]*Tracker),
		sinks:             make(map[TransferId]*pendingSink),
		pending:           make(map[TransferId]chan TransferResponse),
	}
	if m.transport != nil {
		go m.dispatchLoop(ctx)
	}
	return m
}

// dispatchLoop routes every inbound Envelope to the matching handler. It
// is the Manager's only reader of the transport's Receive method.
func (m *Manager) dispatchLoop(ctx context.Context) {
	log := logging.Transfer.WithField("node", m.localNode)
	for {
		env, err := m.transport.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("transport receive failed")
			// A broken transport keeps failing instantly; don't spin.
			select {
			case <-time.After(100 * time.Millisecond):
			case <-ctx.Done():
				return
			}
			continue
		}
		switch env.Kind {
		case KindDataChunk:
			if env.Chunk != nil {
				if err := m.handleDataChunk(*env.Chunk); err != nil {
					log.WithError(err).Warn("handle data chunk")
				}
			}
		case KindTransferCompletion:
			if env.Completion != nil {
				m.handleTransferCompletion(*env.Completion)
			}
		case KindTransferRequest:
			if env.Request != nil {
				req := *env.Request
				resp := m.HandleTransferRequest(req)
				go func() {
					sendCtx, cancel := context.WithTimeout(ctx, m.perMessageTimeout)
					defer cancel()
					if err := m.transport.Send(sendCtx, req.Metadata.SourceNode,
						Envelope{Kind: KindTransferResponse, Response: &resp}); err != nil {
						log.WithError(err).Warn("reply to transfer request")
					}
				}()
			}
		case KindTransferResponse:
			if env.Response != nil {
				m.deliverResponse(*env.Response)
			}
		}
	}
}

func (m *Manager) tracker(id TransferId) (*Tracker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trackers[id]
	return t, ok
}

func (m *Manager) removeTracker(id TransferId) {
	m.mu.Lock()
	delete(m.trackers, id)
	m.mu.Unlock()
}

// removeTrackerAndSink removes both a tracker and any residual
// pending-sink entry, for the idle reaper.
func (m *Manager) removeTrackerAndSink(id TransferId) {
	m.removeTracker(id)
	m.RemovePendingSink(id)
}

// Trackers returns a snapshot of every tracker currently registered, for
// the idle reaper and diagnostics.
func (m *Manager) Trackers() map[TransferId]*Tracker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[TransferId]*Tracker, len(m.trackers))
	for k, v := range m.trackers {
		out[k] = v
	}
	return out
}

// awaitResponse registers a one-shot channel for id's TransferResponse and
// returns it along with a cleanup function the caller must always invoke.
func (m *Manager) awaitResponse(id TransferId) (<-chan TransferResponse, func()) {
	ch := make(chan TransferResponse, 1)
	m.respMu.Lock()
	m.pending[id] = ch
	m.respMu.Unlock()
	return ch, func() {
		m.respMu.Lock()
		delete(m.pending, id)
		m.respMu.Unlock()
	}
}

func (m *Manager) deliverResponse(resp TransferResponse) {
	m.respMu.Lock()
	ch, ok := m.pending[resp.TransferID]
	m.respMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- resp:
	default:
	}
}

// RemovePendingSink removes the pending-sink entry for id, if any, and
// closes its channel, waking the receiver loop that reads from it. Safe to
// call repeatedly; the reaper and Cancel both route through here.
func (m *Manager) RemovePendingSink(id TransferId) {
	m.sinksMu.Lock()
	defer m.sinksMu.Unlock()
	s, ok := m.sinks[id]
	if !ok {
		return
	}
	delete(m.sinks, id)
	s.once.Do(func() { close(s.ch) })
}

// SendData initiates an outbound transfer of source's bytes to dest. It
// blocks through the request/response handshake, spawns the chunked sender
// on acceptance, and then waits for the tracker's one-shot completion
// signal under an overall deadline of perMessageTimeout x chunk count. On
// every outcome the tracker is removed from the active table before
// returning.
func (m *Manager) SendData(ctx context.Context, dest string, source DataSource, contentType string, compression CompressionKind) (TransferId, error) {
	if compression != CompressionNone {
		return "", fmt.Errorf("%w: compression kind %s not implemented by this transport", errs.ErrConfig, compression)
	}

	total, err := source.Size()
	if err != nil {
		return "", fmt.Errorf("%w: %v", errs.ErrSourceSink, err)
	}
	chunkSize := m.chunkSize
	chunkCount := (total + chunkSize - 1) / chunkSize
	if total == 0 {
		chunkCount = 0
	}

	id := NewTransferId()
	metadata := TransferMetadata{
		ID:           id,
		SourceNode:   m.localNode,
		DestNode:     dest,
		TotalBytes:   total,
		ChunkBytes:   chunkSize,
		ChunkCount:   chunkCount,
		Compression:  compression,
		ContentType:  contentType,
		CreationTime: time.Now(),
	}

	tracker := NewTracker(id, metadata, m.localNode, dest)
	m.mu.Lock()
	m.trackers[id] = tracker
	m.mu.Unlock()

	respCh, cancelAwait := m.awaitResponse(id)
	defer cancelAwait()

	reqCtx, cancel := context.WithTimeout(ctx, m.perMessageTimeout)
	req := TransferRequest{Metadata: metadata, Resumable: false, Priority: 0}
	sendErr := m.transport.Send(reqCtx, dest, Envelope{Kind: KindTransferRequest, Request: &req})
	if sendErr != nil {
		cancel()
		tracker.Finish(StateFailed, sendErr)
		m.removeTracker(id)
		return id, fmt.Errorf("%w: send transfer request: %v", errs.ErrTransport, sendErr)
	}

	var resp TransferResponse
	select {
	case resp = <-respCh:
	case <-reqCtx.Done():
		cancel()
		err := fmt.Errorf("%w: no transfer response within timeout", errs.ErrTimeout)
		tracker.Finish(StateFailed, err)
		m.removeTracker(id)
		return id, err
	}
	cancel()

	if !resp.Accepted {
		err := fmt.Errorf("%w: transfer rejected: %s", errs.ErrProtocol, resp.ErrorMessage)
		tracker.Finish(StateFailed, err)
		m.removeTracker(id)
		return id, err
	}

	tracker.Transition(StateTransferring)

	var resumeFrom int64
	if resp.ResumeFrom != nil {
		resumeFrom = *resp.ResumeFrom
	}

	go runChunkedSender(ctx, senderParams{
		source:      source,
		transport:   m.transport,
		dest:        dest,
		tracker:     tracker,
		chunkSize:   chunkSize,
		totalChunks: chunkCount,
		maxRetries:  m.maxRetries,
		resumeFrom:  resumeFrom,
		limiter:     m.limiter,
	})

	deadline := time.Duration(int64(m.perMessageTimeout) * maxInt64(chunkCount, 1))
	waitCtx, waitCancel := context.WithTimeout(ctx, deadline)
	defer waitCancel()

	select {
	case outcome, ok := <-tracker.Done():
		m.removeTracker(id)
		if !ok || outcome.Err != nil {
			err := outcome.Err
			if err == nil {
				err = fmt.Errorf("%w: sender task aborted", errs.ErrTransport)
			}
			return id, err
		}
		return id, nil
	case <-waitCtx.Done():
		tracker.Finish(StateFailed, fmt.Errorf("%w: overall completion deadline elapsed", errs.ErrTimeout))
		m.removeTracker(id)
		go bestEffortCompletion(m.transport, dest, tracker, false, errs.ErrTimeout)
		return id, fmt.Errorf("%w: overall completion deadline elapsed", errs.ErrTimeout)
	}
}

// SendMemory sends an in-memory buffer via SendData.
func (m *Manager) SendMemory(ctx context.Context, dest string, data []byte, contentType string) (TransferId, error) {
	return m.SendData(ctx, dest, NewMemorySource(data), contentType, CompressionNone)
}

// SendFile sends a file's contents via SendData.
func (m *Manager) SendFile(ctx context.Context, dest, path, contentType string) (TransferId, error) {
	return m.SendData(ctx, dest, NewFileSource(path), contentType, CompressionNone)
}

// HandleTransferRequest decides whether to accept an inbound transfer. A
// fresh id gets a new Preparing tracker. An id whose tracker is terminal is
// discarded and treated as fresh. A non-terminal duplicate is accepted with
// a resume offset when the request is resumable, rejected otherwise.
func (m *Manager) HandleTransferRequest(req TransferRequest) TransferResponse {
	if !ValidatePriority(req.Priority) {
		return TransferResponse{TransferID: req.Metadata.ID, Accepted: false, ErrorMessage: "priority out of range"}
	}

	id := req.Metadata.ID
	existing, ok := m.tracker(id)
	if !ok {
		tracker := NewTracker(id, req.Metadata, req.Metadata.SourceNode, m.localNode)
		m.mu.Lock()
		m.trackers[id] = tracker
		m.mu.Unlock()
		return TransferResponse{TransferID: id, Accepted: true}
	}

	state := existing.State()
	if state.Terminal() {
		m.removeTracker(id)
		tracker := NewTracker(id, req.Metadata, req.Metadata.SourceNode, m.localNode)
		m.mu.Lock()
		m.trackers[id] = tracker
		m.mu.Unlock()
		return TransferResponse{TransferID: id, Accepted: true}
	}

	if req.Resumable && (state == StateTransferring || state == StatePaused || state == StateFailed) {
		from := existing.Snapshot().ChunksTransferred
		return TransferResponse{TransferID: id, Accepted: true, ResumeFrom: &from}
	}

	return TransferResponse{TransferID: id, Accepted: false, ErrorMessage: "transfer already in progress"}
}

// handleDataChunk validates an inbound chunk's checksum and forwards it to
// the transfer's pending-sink channel. A checksum mismatch drops the chunk
// without touching tracker state; an unknown tracker or missing sink drops
// it silently; a full channel drops it and returns an error, which the
// dispatch loop logs. Nothing resends a dropped chunk. Progress counters
// are the receiver loop's job, not this handler's.
func (m *Manager) handleDataChunk(chunk DataChunk) error {
	if !VerifyChecksum(chunk.Payload, chunk.Checksum) {
		return fmt.Errorf("%w: checksum mismatch on chunk %d", errs.ErrProtocol, chunk.Index)
	}

	tracker, ok := m.tracker(chunk.TransferID)
	if !ok {
		return nil
	}
	state := tracker.State()
	if state != StatePreparing && state != StateTransferring {
		return nil
	}

	// The send attempt happens under sinksMu: an entry still present in the
	// map has not been closed, and RemovePendingSink closes only under this
	// same lock.
	m.sinksMu.Lock()
	defer m.sinksMu.Unlock()
	s, ok := m.sinks[chunk.TransferID]
	if !ok {
		return nil
	}
	select {
	case s.ch <- chunk:
		return nil
	default:
		return fmt.Errorf("%w: pending-sink channel full for %s", errs.ErrProtocol, chunk.TransferID)
	}
}

// handleTransferCompletion is observed on the sending peer only: it drives
// the local tracker to the terminal state the receiver reported, unless the
// tracker already reached one on its own.
func (m *Manager) handleTransferCompletion(completion TransferCompletion) {
	tracker, ok := m.tracker(completion.TransferID)
	if !ok {
		return
	}
	state := tracker.State()
	if state.Terminal() {
		logging.Transfer.WithField("transfer_id", string(completion.TransferID)).
			Debug("completion for already-terminal tracker, ignored")
		return
	}
	var err error
	next := StateCompleted
	if !completion.Success {
		next = StateFailed
		err = fmt.Errorf("%w: %s", errs.ErrTransport, completion.Error)
	}
	tracker.Finish(next, err)
}

// ReceiveTransfer drives the receiver loop for expectedID into sink. A
// tracker for expectedID must already exist (created by
// HandleTransferRequest when the request arrived). It returns nil only if
// the transfer completed; otherwise it returns the error the tracker
// finished with.
func (m *Manager) ReceiveTransfer(ctx context.Context, expectedID TransferId, sink DataSink) error {
	tracker, ok := m.tracker(expectedID)
	if !ok {
		return fmt.Errorf("%w: no tracker for transfer %s", errs.ErrProtocol, expectedID)
	}

	chunkSize := tracker.Metadata().ChunkBytes
	chunks, doneFn := m.registerSink(expectedID, chunkSize)

	runReceiver(ctx, receiverParams{
		tracker:       tracker,
		sink:          sink,
		perMsgTimeout: m.perMessageTimeout,
		sourceNode:    tracker.Metadata().SourceNode,
		transport:     m.transport,
		chunks:        chunks,
		onDone:        doneFn,
	})

	if tracker.State().Terminal() {
		m.removeTracker(expectedID)
	}

	// Nothing else consumes a receiver-side tracker's completion signal, so
	// the outcome of the loop is still buffered there.
	select {
	case outcome := <-tracker.Done():
		if outcome.State != StateCompleted {
			if outcome.Err != nil {
				return outcome.Err
			}
			return fmt.Errorf("%w: transfer %s ended %s", errs.ErrTransport, expectedID, outcome.State)
		}
	default:
	}
	return nil
}

// Cancel transitions a non-terminal tracker to Cancelled, fires its
// completion signal with a cancellation error, closes any pending-sink
// entry (waking the receiver loop), and notifies the remote peer on a
// best-effort background task. Cancelling a terminal or unknown transfer
// is a no-op success.
func (m *Manager) Cancel(id TransferId) error {
	tracker, ok := m.tracker(id)
	if !ok {
		return nil
	}
	if tracker.State().Terminal() {
		return nil
	}
	tracker.Finish(StateCancelled, fmt.Errorf("%w: cancelled by operator", errs.ErrCancellation))
	m.RemovePendingSink(id)
	// The peer to notify depends on which side of the transfer this node
	// is: a sender-side tracker's remote is the destination, a
	// receiver-side tracker's remote is the source.
	remote := tracker.DestNode()
	if m.localNode != tracker.SourceNode() {
		remote = tracker.SourceNode()
	}
	go bestEffortCompletion(m.transport, remote, tracker, false, fmt.Errorf("cancelled"))
	return nil
}

// registerSink creates and registers a pending-sink entry with a buffer of
// ~chunkSize/1024 (minimum 1) so the transport cannot run ahead of the
// sink's write rate. The returned doneFn removes and closes the entry;
// the receiver loop must call it on every exit path.
func (m *Manager) registerSink(id TransferId, chunkSize int64) (<-chan DataChunk, func()) {
	size := int(chunkSize / 1024)
	if size < 1 {
		size = 1
	}
	ch := make(chan DataChunk, size)
	m.sinksMu.Lock()
	m.sinks[id] = &pendingSink{ch: ch}
	m.sinksMu.Unlock()

	return ch, func() { m.RemovePendingSink(id) }
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
