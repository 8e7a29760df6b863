package transfer

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestMemorySourceSequentialReads(t *testing.T) {
	data := []byte("0123456789")
	src := NewMemorySource(data)

	size, err := src.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != int64(len(data)) {
		t.Fatalf("Size = %d, want %d", size, len(data))
	}

	first, err := src.ReadChunk(0, 4)
	if err != nil {
		t.Fatalf("ReadChunk: %v", err)
	}
	if !bytes.Equal(first, []byte("0123")) {
		t.Fatalf("first chunk = %q, want %q", first, "0123")
	}

	second, err := src.ReadChunk(0, 4)
	if err != nil {
		t.Fatalf("ReadChunk: %v", err)
	}
	if !bytes.Equal(second, []byte("4567")) {
		t.Fatalf("second chunk = %q, want %q (cursor is sequential, index ignored)", second, "4567")
	}

	third, err := src.ReadChunk(0, 4)
	if err != nil {
		t.Fatalf("ReadChunk: %v", err)
	}
	if !bytes.Equal(third, []byte("89")) {
		t.Fatalf("third chunk = %q, want short final chunk %q", third, "89")
	}

	fourth, err := src.ReadChunk(0, 4)
	if err != nil {
		t.Fatalf("ReadChunk: %v", err)
	}
	if len(fourth) != 0 {
		t.Fatalf("read past end = %q, want empty", fourth)
	}
}

func TestMemorySourceClose(t *testing.T) {
	src := NewMemorySource([]byte("x"))
	if err := src.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestFileSourceReadsAndShortFinalChunk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "payload.bin")
	content := []byte("abcdefghij")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	src := NewFileSource(path)
	defer src.Close()

	size, err := src.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != int64(len(content)) {
		t.Fatalf("Size = %d, want %d", size, len(content))
	}

	chunk0, err := src.ReadChunk(0, 4)
	if err != nil {
		t.Fatalf("ReadChunk(0): %v", err)
	}
	if !bytes.Equal(chunk0, []byte("abcd")) {
		t.Fatalf("chunk0 = %q, want %q", chunk0, "abcd")
	}

	chunk2, err := src.ReadChunk(2, 4)
	if err != nil {
		t.Fatalf("ReadChunk(2): %v", err)
	}
	if !bytes.Equal(chunk2, []byte("ij")) {
		t.Fatalf("chunk2 = %q, want short final chunk %q", chunk2, "ij")
	}

	chunk3, err := src.ReadChunk(3, 4)
	if err != nil {
		t.Fatalf("ReadChunk(3): %v", err)
	}
	if len(chunk3) != 0 {
		t.Fatalf("read past end = %q, want empty", chunk3)
	}
}

func TestFileSourceMissingFile(t *testing.T) {
	src := NewFileSource(filepath.Join(t.TempDir(), "nope.bin"))
	if _, err := src.Size(); err == nil {
		t.Fatal("Size on a missing file returned nil error, want one")
	}
}
