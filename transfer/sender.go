package transfer

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/nexusshell/corectl/errs"
	"github.com/nexusshell/corectl/logging"
)

// senderParams parameterizes one chunked-sender task.
type senderParams struct {
	source      DataSource
	transport   Transport
	dest        string
	tracker     *Tracker
	chunkSize   int64
	totalChunks int64
	maxRetries  int
	resumeFrom  int64
	limiter     *rate.Limiter
}

// runChunkedSender reads chunks from source in order starting at
// resumeFrom, sends each as a DataChunk message with retry+exponential
// backoff, and drives the tracker to Failed on an unrecoverable error. It
// always closes source on exit.
func runChunkedSender(ctx context.Context, p senderParams) {
	log := logging.Transfer.WithField("transfer_id", string(p.tracker.ID()))
	defer p.source.Close()

	var failure error

	for i := p.resumeFrom; ; i++ {
		state := p.tracker.State()
		if state == StateCancelled || state == StateFailed {
			return
		}
		for state == StatePaused {
			select {
			case <-ctx.Done():
				return
			case <-time.After(200 * time.Millisecond):
			}
			state = p.tracker.State()
			if state == StateCancelled || state == StateFailed {
				return
			}
		}

		if p.limiter != nil {
			if err := p.limiter.WaitN(ctx, int(p.chunkSize)); err != nil {
				failure = fmt.Errorf("%w: rate limiter: %v", errs.ErrCancellation, err)
				break
			}
		}

		payload, err := p.source.ReadChunk(i, p.chunkSize)
		if err != nil {
			failure = fmt.Errorf("%w: read chunk %d: %v", errs.ErrSourceSink, i, err)
			break
		}
		if len(payload) == 0 {
			if i < p.totalChunks {
				failure = fmt.Errorf("%w: source ended early at chunk %d of %d", errs.ErrSourceSink, i, p.totalChunks)
			}
			// A clean empty read exactly at total_chunks is normal
			// termination: success, no failure set.
			break
		}

		chunk := DataChunk{
			TransferID:  p.tracker.ID(),
			Index:       i,
			TotalChunks: p.totalChunks,
			Payload:     payload,
			Checksum:    Checksum(payload),
		}

		if err := sendChunkWithRetry(ctx, p, chunk); err != nil {
			failure = err
			break
		}

		p.tracker.RecordProgress(i+1, p.tracker.Snapshot().BytesTransferred+int64(len(payload)))
	}

	if failure != nil {
		state := p.tracker.State()
		if state == StateTransferring || state == StatePreparing {
			log.WithError(failure).Warn("chunked sender failed")
			p.tracker.Finish(StateFailed, failure)
			go bestEffortCompletion(p.transport, p.dest, p.tracker, false, failure)
		}
	}
}

// sendChunkWithRetry sends chunk, retrying up to maxRetries times with
// 2^retries second backoff on failure.
func sendChunkWithRetry(ctx context.Context, p senderParams, chunk DataChunk) error {
	retries := 0
	for {
		env := Envelope{Kind: KindDataChunk, Chunk: &chunk}
		err := p.transport.Send(ctx, p.dest, env)
		if err == nil {
			return nil
		}
		retries++
		if retries > p.maxRetries {
			return fmt.Errorf("%w: send exceeded max retries at chunk %d: %v", errs.ErrTransport, chunk.Index, err)
		}
		// The chunk-level backoff is deterministic (1s, 2s, 4s, ...), not
		// jittered: peers and tests both depend on the schedule being
		// predictable. The dial-level retry in TCPTransport is where the
		// jittered policy lives.
		delay := time.Duration(1<<uint(retries-1)) * time.Second
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", errs.ErrCancellation, ctx.Err())
		}
	}
}

func bestEffortCompletion(t Transport, dest string, tracker *Tracker, success bool, err error) {
	snap := tracker.Snapshot()
	comp := TransferCompletion{
		TransferID:        tracker.ID(),
		Success:           success,
		ChunksTransferred: snap.ChunksTransferred,
	}
	if err != nil {
		comp.Error = err.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = t.Send(ctx, dest, Envelope{Kind: KindTransferCompletion, Completion: &comp})
}
