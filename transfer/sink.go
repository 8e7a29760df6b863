package transfer

import (
	"fmt"
	"os"
	"sync"

	"github.com/gofrs/flock"

	"github.com/nexusshell/corectl/errs"
)

// DataSink is the write side of a transfer: the receiver loop's only view
// of where payload bytes land. Every operation must be idempotent under
// repeated invocation from the manager's failure paths.
type DataSink interface {
	WriteChunk(chunk DataChunk) error
	Complete() error
	Abort() error
}

// MemorySink buffers chunks in an index-keyed map, learns total_chunks
// from the first chunk, and concatenates in index order on Complete.
type MemorySink struct {
	mu          sync.Mutex
	chunks      map[int64][]byte
	totalChunks int64
	result      []byte
	completed   bool
	aborted     bool
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{chunks: make(map[int64][]byte)}
}

func (s *MemorySink) WriteChunk(chunk DataChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completed || s.aborted {
		return nil
	}
	if s.totalChunks == 0 {
		s.totalChunks = chunk.TotalChunks
	}
	s.chunks[chunk.Index] = chunk.Payload
	return nil
}

func (s *MemorySink) Complete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completed {
		return nil
	}
	if s.aborted {
		return nil
	}
	var buf []byte
	for i := int64(0); i < s.totalChunks; i++ {
		chunk, ok := s.chunks[i]
		if !ok {
			return fmt.Errorf("%w: missing chunk %d of %d", errs.ErrSourceSink, i, s.totalChunks)
		}
		buf = append(buf, chunk...)
	}
	s.result = buf
	s.completed = true
	return nil
}

func (s *MemorySink) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted = true
	s.chunks = nil
	return nil
}

// Bytes returns the reassembled buffer; valid only after a successful
// Complete.
func (s *MemorySink) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// FileSink opens lazily, seeks before each write, tracks received indices,
// and requires all indices present before Complete. An advisory
// cross-process flock guards the destination path for the sink's
// lifetime, since two corectl processes racing to materialize the same
// path is a real same-host failure mode a single-task in-process lock
// cannot prevent.
type FileSink struct {
	mu        sync.Mutex
	path      string
	file      *os.File
	lock      *flock.Flock
	received  map[int64]bool
	chunkSize int64
	total     int64
	completed bool
	aborted   bool
}

// NewFileSink creates a FileSink targeting path; total is the expected
// chunk count from the transfer's metadata (0 if unknown up front).
func NewFileSink(path string, total int64) *FileSink {
	return &FileSink{path: path, total: total, received: make(map[int64]bool)}
}

func (s *FileSink) ensureOpenLocked() error {
	if s.file != nil {
		return nil
	}
	lock := flock.New(s.path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("%w: lock sink %q: %v", errs.ErrSourceSink, s.path, err)
	}
	if !locked {
		return fmt.Errorf("%w: sink %q is locked by another process", errs.ErrSourceSink, s.path)
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		_ = lock.Unlock()
		return fmt.Errorf("%w: open sink %q: %v", errs.ErrSourceSink, s.path, err)
	}
	s.file = f
	s.lock = lock
	return nil
}

func (s *FileSink) WriteChunk(chunk DataChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completed || s.aborted {
		return nil
	}
	if err := s.ensureOpenLocked(); err != nil {
		return err
	}
	if s.chunkSize == 0 {
		s.chunkSize = int64(len(chunk.Payload))
	}
	if s.total == 0 {
		s.total = chunk.TotalChunks
	}
	if s.received[chunk.Index] {
		return nil
	}
	if _, err := s.file.WriteAt(chunk.Payload, chunk.Index*s.chunkSize); err != nil {
		return fmt.Errorf("%w: write sink %q at chunk %d: %v", errs.ErrSourceSink, s.path, chunk.Index, err)
	}
	s.received[chunk.Index] = true
	return nil
}

func (s *FileSink) Complete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completed {
		return nil
	}
	if s.aborted {
		return nil
	}
	for i := int64(0); i < s.total; i++ {
		if !s.received[i] {
			return fmt.Errorf("%w: missing chunk %d of %d", errs.ErrSourceSink, i, s.total)
		}
	}
	if s.file != nil {
		if err := s.file.Sync(); err != nil {
			return fmt.Errorf("%w: sync sink %q: %v", errs.ErrSourceSink, s.path, err)
		}
		s.closeLocked()
	}
	s.completed = true
	return nil
}

func (s *FileSink) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completed || s.aborted {
		return nil
	}
	s.aborted = true
	s.closeLocked()
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: remove aborted sink %q: %v", errs.ErrSourceSink, s.path, err)
	}
	return nil
}

func (s *FileSink) closeLocked() {
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
	if s.lock != nil {
		s.lock.Unlock()
		s.lock = nil
	}
}
