package transfer

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/containerd/fifo"

	"github.com/nexusshell/corectl/errs"
)

// Envelope is the closed set of four message kinds that cross the wire.
// Exactly one field is populated per Kind; gob encodes the unused nil
// pointers cheaply.
type Envelope struct {
	Kind       MessageKind
	Request    *TransferRequest
	Response   *TransferResponse
	Chunk      *DataChunk
	Completion *TransferCompletion
}

// MessageKind tags an Envelope's populated field.
type MessageKind int

const (
	KindTransferRequest MessageKind = iota
	KindTransferResponse
	KindDataChunk
	KindTransferCompletion
)

// Transport is the peer-to-peer channel abstraction under the transfer
// engine. Send delivers env to dest; Receive blocks for the next inbound
// envelope from any peer. A given transfer's chunks arrive in send order
// because each implementation here is single-producer per destination.
type Transport interface {
	Send(ctx context.Context, dest string, env Envelope) error
	Receive(ctx context.Context) (Envelope, error)
	Close() error
}

// --- Loopback transport -----------------------------------------------
//
// An in-process Transport for same-host transfers and tests: dest names a
// registered endpoint in a shared broker, and Send delivers directly into
// that endpoint's inbound channel.

type loopbackBroker struct {
	mu        sync.Mutex
	endpoints map[string]*LoopbackTransport
}

var defaultLoopbackBroker = &loopbackBroker{endpoints: make(map[string]*LoopbackTransport)}

// LoopbackTransport is an in-process Transport registered under a name in
// a shared broker; Send to another registered name delivers synchronously
// into that peer's inbound channel.
type LoopbackTransport struct {
	name   string
	broker *loopbackBroker
	inbox  chan Envelope
	once   sync.Once
	closed chan struct{}
}

// NewLoopbackTransport registers a LoopbackTransport under name on the
// default in-process broker. name must be unique among live loopback
// transports.
func NewLoopbackTransport(name string) (*LoopbackTransport, error) {
	return defaultLoopbackBroker.register(name)
}

func (b *loopbackBroker) register(name string) (*LoopbackTransport, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.endpoints[name]; exists {
		return nil, fmt.Errorf("%w: loopback endpoint %q already registered", errs.ErrConfig, name)
	}
	t := &LoopbackTransport{
		name:   name,
		broker: b,
		inbox:  make(chan Envelope, 64),
		closed: make(chan struct{}),
	}
	b.endpoints[name] = t
	return t, nil
}

func (t *LoopbackTransport) Send(ctx context.Context, dest string, env Envelope) error {
	t.broker.mu.Lock()
	peer, ok := t.broker.endpoints[dest]
	t.broker.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: loopback destination %q not registered", errs.ErrTransport, dest)
	}
	select {
	case peer.inbox <- env:
		return nil
	case <-peer.closed:
		return fmt.Errorf("%w: loopback destination %q closed", errs.ErrTransport, dest)
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", errs.ErrTimeout, ctx.Err())
	}
}

func (t *LoopbackTransport) Receive(ctx context.Context) (Envelope, error) {
	select {
	case env := <-t.inbox:
		return env, nil
	case <-t.closed:
		return Envelope{}, fmt.Errorf("%w: loopback transport closed", errs.ErrTransport)
	case <-ctx.Done():
		return Envelope{}, fmt.Errorf("%w: %v", errs.ErrTimeout, ctx.Err())
	}
}

func (t *LoopbackTransport) Close() error {
	t.once.Do(func() {
		t.broker.mu.Lock()
		delete(t.broker.endpoints, t.name)
		t.broker.mu.Unlock()
		close(t.closed)
	})
	return nil
}

// --- gob/TCP transport ---------------------------------------------------
//
// A real peer-to-peer transport: each Envelope is gob-encoded and written
// length-prefixed to a TCP connection. Outbound connections are dialed
// lazily and cached per destination; a background listener accepts inbound
// connections and decodes their Envelope streams into a shared channel.

// TCPTransport is an encoding/gob Transport over real sockets: one cached
// outbound connection per destination, one decode goroutine per accepted
// inbound connection, all draining into a shared inbox.
type TCPTransport struct {
	listener net.Listener
	inbox    chan Envelope
	errs     chan error

	mu    sync.Mutex
	conns map[string]*gobConn
}

type gobConn struct {
	mu  sync.Mutex
	enc *gob.Encoder
	bw  *bufio.Writer
	nc  net.Conn
}

// NewTCPTransport starts listening on addr (e.g. "127.0.0.1:0") and returns
// a Transport whose Receive drains every inbound connection's Envelope
// stream.
func NewTCPTransport(addr string) (*TCPTransport, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: listen %q: %v", errs.ErrTransport, addr, err)
	}
	t := &TCPTransport{
		listener: ln,
		inbox:    make(chan Envelope, 64),
		errs:     make(chan error, 1),
		conns:    make(map[string]*gobConn),
	}
	go t.acceptLoop()
	return t, nil
}

// Addr returns the transport's bound local address.
func (t *TCPTransport) Addr() string { return t.listener.Addr().String() }

func (t *TCPTransport) acceptLoop() {
	for {
		nc, err := t.listener.Accept()
		if err != nil {
			return
		}
		go t.decodeLoop(nc)
	}
}

func (t *TCPTransport) decodeLoop(nc net.Conn) {
	defer nc.Close()
	dec := gob.NewDecoder(bufio.NewReader(nc))
	for {
		var env Envelope
		if err := dec.Decode(&env); err != nil {
			return
		}
		t.inbox <- env
	}
}

// connFor dials dest if not already connected, retrying the dial itself
// (not the per-chunk send — that has its own deterministic retry policy in
// the sender) with an exponential-with-jitter policy, since a peer that is
// mid-restart is the common reason a fresh dial fails.
func (t *TCPTransport) connFor(dest string) (*gobConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.conns[dest]; ok {
		return c, nil
	}

	var nc net.Conn
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 5 * time.Second
	op := func() error {
		conn, err := net.Dial("tcp", dest)
		if err != nil {
			return err
		}
		nc = conn
		return nil
	}
	if err := backoff.Retry(op, policy); err != nil {
		return nil, fmt.Errorf("%w: dial %q: %v", errs.ErrTransport, dest, err)
	}

	bw := bufio.NewWriter(nc)
	c := &gobConn{nc: nc, enc: gob.NewEncoder(bw), bw: bw}
	t.conns[dest] = c
	return c, nil
}

func (t *TCPTransport) Send(ctx context.Context, dest string, env Envelope) error {
	c, err := t.connFor(dest)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enc.Encode(env); err != nil {
		return fmt.Errorf("%w: encode to %q: %v", errs.ErrTransport, dest, err)
	}
	if err := c.bw.Flush(); err != nil {
		return fmt.Errorf("%w: flush to %q: %v", errs.ErrTransport, dest, err)
	}
	return nil
}

func (t *TCPTransport) Receive(ctx context.Context) (Envelope, error) {
	select {
	case env := <-t.inbox:
		return env, nil
	case <-ctx.Done():
		return Envelope{}, fmt.Errorf("%w: %v", errs.ErrTimeout, ctx.Err())
	}
}

func (t *TCPTransport) Close() error {
	t.mu.Lock()
	for _, c := range t.conns {
		c.nc.Close()
	}
	t.mu.Unlock()
	return t.listener.Close()
}

// --- FIFO transport -------------------------------------------------------
//
// A same-host Transport built on named pipes via containerd/fifo — no
// network stack required, for a sandboxed child and the transfer engine
// colocated on one node.

// FifoTransport gob-encodes Envelopes across a pair of named FIFOs: one
// this side writes to, one it reads from.
type FifoTransport struct {
	readPath, writePath string
	r, w                io.ReadWriteCloser
	dec                 *gob.Decoder
	enc                 *gob.Encoder
	bw                  *bufio.Writer
	encMu               sync.Mutex
}

// NewFifoTransport opens (creating if needed) the read and write FIFO
// paths. The two peers of a FifoTransport pair must swap readPath and
// writePath relative to each other.
func NewFifoTransport(ctx context.Context, readPath, writePath string) (*FifoTransport, error) {
	r, err := fifo.OpenFifo(ctx, readPath, syscall.O_RDONLY|syscall.O_CREAT|syscall.O_NONBLOCK, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: open read fifo %q: %v", errs.ErrTransport, readPath, err)
	}
	w, err := fifo.OpenFifo(ctx, writePath, syscall.O_WRONLY|syscall.O_CREAT|syscall.O_NONBLOCK, 0o600)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("%w: open write fifo %q: %v", errs.ErrTransport, writePath, err)
	}
	bw := bufio.NewWriter(w)
	return &FifoTransport{
		readPath:  readPath,
		writePath: writePath,
		r:         r,
		w:         w,
		dec:       gob.NewDecoder(bufio.NewReader(r)),
		enc:       gob.NewEncoder(bw),
		bw:        bw,
	}, nil
}

// Send ignores dest: a FifoTransport is a point-to-point pipe pair, not an
// addressable multi-peer transport.
func (t *FifoTransport) Send(ctx context.Context, dest string, env Envelope) error {
	t.encMu.Lock()
	defer t.encMu.Unlock()
	if err := t.enc.Encode(env); err != nil {
		return fmt.Errorf("%w: encode to fifo %q: %v", errs.ErrTransport, t.writePath, err)
	}
	if err := t.bw.Flush(); err != nil {
		return fmt.Errorf("%w: flush fifo %q: %v", errs.ErrTransport, t.writePath, err)
	}
	return nil
}

func (t *FifoTransport) Receive(ctx context.Context) (Envelope, error) {
	type result struct {
		env Envelope
		err error
	}
	done := make(chan result, 1)
	go func() {
		var env Envelope
		err := t.dec.Decode(&env)
		done <- result{env, err}
	}()
	select {
	case r := <-done:
		if r.err != nil {
			return Envelope{}, fmt.Errorf("%w: decode fifo %q: %v", errs.ErrTransport, t.readPath, r.err)
		}
		return r.env, nil
	case <-ctx.Done():
		return Envelope{}, fmt.Errorf("%w: %v", errs.ErrTimeout, ctx.Err())
	}
}

func (t *FifoTransport) Close() error {
	werr := t.w.Close()
	rerr := t.r.Close()
	if werr != nil {
		return werr
	}
	return rerr
}
