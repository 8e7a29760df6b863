package transfer

import (
	"context"
	"fmt"
	"time"

	"github.com/nexusshell/corectl/errs"
	"github.com/nexusshell/corectl/logging"
)

// receiverParams parameterizes one receiver loop.
type receiverParams struct {
	tracker       *Tracker
	sink          DataSink
	perMsgTimeout time.Duration
	sourceNode    string
	transport     Transport
	chunks        <-chan DataChunk
	onDone        func()
}

// runReceiver drives one receiver loop: transitions the tracker to
// Transferring, consumes chunks from its pending-sink channel, writes them
// to sink, and on exit always removes the pending-sink entry (via onDone)
// and notifies the source peer.
func runReceiver(ctx context.Context, p receiverParams) {
	log := logging.Transfer.WithField("transfer_id", string(p.tracker.ID()))
	p.tracker.Transition(StateTransferring)

	metadata := p.tracker.Metadata()
	var chunksReceived int64
	var bytesReceived int64
	var failure error

	// A zero-byte source has a chunk count of 0 and completes with no
	// DataChunk messages exchanged at all.
	if metadata.ChunkCount == 0 {
		p.onDone()
		if err := p.sink.Complete(); err != nil {
			p.tracker.Finish(StateFailed, err)
			go bestEffortCompletion(p.transport, p.sourceNode, p.tracker, false, err)
			return
		}
		p.tracker.Finish(StateCompleted, nil)
		go bestEffortCompletion(p.transport, p.sourceNode, p.tracker, true, nil)
		return
	}

loop:
	for {
		state := p.tracker.State()
		if state == StateCancelled || state == StateFailed {
			failure = fmt.Errorf("%w: tracker left non-terminal state during receive", errs.ErrCancellation)
			break loop
		}

		select {
		case chunk, ok := <-p.chunks:
			if !ok {
				failure = fmt.Errorf("%w: pending-sink channel closed", errs.ErrCancellation)
				break loop
			}
			if chunk.TransferID != p.tracker.ID() {
				// Protocol violation: drop the chunk, leave tracker state
				// alone.
				log.WithField("got", chunk.TransferID).Warn("chunk id mismatch, dropped")
				continue loop
			}
			if err := p.sink.WriteChunk(chunk); err != nil {
				failure = fmt.Errorf("%w: write chunk %d: %v", errs.ErrSourceSink, chunk.Index, err)
				break loop
			}
			chunksReceived++
			bytesReceived += int64(len(chunk.Payload))
			p.tracker.RecordProgress(chunksReceived, bytesReceived)

			if chunksReceived >= metadata.ChunkCount {
				break loop
			}
		case <-time.After(p.perMsgTimeout):
			failure = fmt.Errorf("%w: chunk receive timed out", errs.ErrTimeout)
			break loop
		case <-ctx.Done():
			failure = fmt.Errorf("%w: %v", errs.ErrCancellation, ctx.Err())
			break loop
		}
	}

	p.onDone()

	if failure != nil {
		_ = p.sink.Abort()
		if p.tracker.State() != StateCancelled {
			p.tracker.Finish(StateFailed, failure)
		}
		log.WithError(failure).Warn("receiver loop failed")
	} else {
		if err := p.sink.Complete(); err != nil {
			p.tracker.Finish(StateFailed, err)
			log.WithError(err).Warn("sink completion failed")
			failure = err
		} else {
			p.tracker.Finish(StateCompleted, nil)
		}
	}

	go bestEffortCompletion(p.transport, p.sourceNode, p.tracker, failure == nil, failure)
}
