package transfer

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/nexusshell/corectl/errs"
)

// DataSource is the read side of a transfer: the chunked sender's only
// view of where payload bytes come from.
type DataSource interface {
	// Size reports the source's total byte length.
	Size() (int64, error)
	// ReadChunk returns the payload for chunk index. A read beyond the
	// declared size returns an empty, non-error payload — a clean EOF.
	ReadChunk(index, size int64) ([]byte, error)
	Close() error
}

// MemorySource is an in-memory DataSource backed by a fixed buffer and a
// monotonic cursor; it ignores the requested index and reads sequentially.
type MemorySource struct {
	mu     sync.Mutex
	buf    []byte
	cursor int64
}

// NewMemorySource wraps buf for sequential chunked reads. buf is not
// copied; callers must not mutate it while a transfer is in flight.
func NewMemorySource(buf []byte) *MemorySource {
	return &MemorySource{buf: buf}
}

func (s *MemorySource) Size() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.buf)), nil
}

func (s *MemorySource) ReadChunk(_ int64, size int64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cursor >= int64(len(s.buf)) {
		return nil, nil
	}
	end := s.cursor + size
	if end > int64(len(s.buf)) {
		end = int64(len(s.buf))
	}
	chunk := s.buf[s.cursor:end]
	s.cursor = end
	return chunk, nil
}

func (s *MemorySource) Close() error { return nil }

// FileSource opens lazily on its first Size or ReadChunk call, reads at
// offset index*size, and may return a short final chunk.
type FileSource struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// NewFileSource creates a FileSource for path; the file is not opened
// until the first Size or ReadChunk call.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (s *FileSource) ensureOpenLocked() error {
	if s.file != nil {
		return nil
	}
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("%w: open source %q: %v", errs.ErrSourceSink, s.path, err)
	}
	s.file = f
	return nil
}

func (s *FileSource) Size() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return 0, err
	}
	info, err := s.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: stat source %q: %v", errs.ErrSourceSink, s.path, err)
	}
	return info.Size(), nil
}

func (s *FileSource) ReadChunk(index, size int64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	n, err := s.file.ReadAt(buf, index*size)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("%w: read source %q at chunk %d: %v", errs.ErrSourceSink, s.path, index, err)
	}
	return buf[:n], nil
}

func (s *FileSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	if err != nil {
		return fmt.Errorf("%w: close source %q: %v", errs.ErrSourceSink, s.path, err)
	}
	return nil
}
