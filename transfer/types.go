// Package transfer implements the peer-to-peer chunked transfer engine:
// transfer manager, chunked sender and receiver, pluggable data
// sources/sinks and transports, and an idle reaper.
package transfer

import (
	"time"

	"github.com/google/uuid"
)

// TransferId is an opaque unique identifier minted by the sender and
// echoed by the receiver in every message of a transfer.
type TransferId string

// NewTransferId mints a fresh TransferId.
func NewTransferId() TransferId {
	return TransferId(uuid.NewString())
}

// CompressionKind is the compression algorithm a transfer's payload claims
// to use. Only None is actually applied to bytes by this core; the others
// round-trip through metadata for wire compatibility with a richer peer.
type CompressionKind int

const (
	CompressionNone CompressionKind = iota
	CompressionGzip
	CompressionZstd
	CompressionLz4
)

func (c CompressionKind) String() string {
	switch c {
	case CompressionGzip:
		return "gzip"
	case CompressionZstd:
		return "zstd"
	case CompressionLz4:
		return "lz4"
	default:
		return "none"
	}
}

// TransferMetadata is created once at send initiation and is immutable
// thereafter.
type TransferMetadata struct {
	ID           TransferId
	SourceNode   string
	DestNode     string
	TotalBytes   int64
	ChunkBytes   int64
	ChunkCount   int64
	Compression  CompressionKind
	ContentType  string
	CreationTime time.Time
	Attributes   map[string]string
}

// DataChunk is one wire message: a bounded-size slice of a transfer's
// payload plus its index, total count, and checksum. The checksum covers
// Payload only.
type DataChunk struct {
	TransferID  TransferId
	Index       int64
	TotalChunks int64
	Payload     []byte
	Checksum    uint64
}

// TransferRequest is the handshake message a sender issues before
// streaming chunks.
type TransferRequest struct {
	Metadata  TransferMetadata
	Resumable bool
	// Priority is carried on the wire and validated to [0, 100]; no
	// scheduler consumes it yet.
	Priority int
}

// TransferResponse answers a TransferRequest.
type TransferResponse struct {
	TransferID   TransferId
	Accepted     bool
	ResumeFrom   *int64
	ErrorMessage string
}

// TransferCompletion reports a transfer's terminal outcome to the peer
// that did not itself observe it.
type TransferCompletion struct {
	TransferID        TransferId
	Success           bool
	ChunksTransferred int64
	Error             string
	Result            string
}

// ValidatePriority reports whether p is in the wire-valid range.
func ValidatePriority(p int) bool {
	return p >= 0 && p <= 100
}
