// Package endpoint implements the TCP connection half of conman: a
// handshaking, framed, command-aware peer connection. Endpoint is the
// unjournaled connection used by workers; JournaledEndpoint layers the
// send-buffer accounting and replay journal a coordinator needs on top of
// it.
package endpoint

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/time/rate"

	"github.com/AJMHPC/conman/codec"
	"github.com/AJMHPC/conman/framer"
	"github.com/AJMHPC/conman/protocol"
)

// DefaultReceiveBufferSize is the socket receive buffer this build asks the
// kernel for on every new connection, and the value it reports during the
// handshake. The reference implementation maxes out SO_RCVBUF to the
// largest value the kernel will allow; Go's net package doesn't expose a
// portable way to read that back after the kernel clamps it, so this build
// asks for, and trusts, a single generous fixed value instead.
const DefaultReceiveBufferSize = 1 << 20

// ErrNotConnected is returned by operations attempted on a closed Endpoint.
var ErrNotConnected = errors.New("endpoint: not connected")

// Endpoint wraps a single TCP connection with conman's framed, compressed,
// version-negotiated messaging.
type Endpoint struct {
	conn             net.Conn
	buf              *bufio.Reader
	fr               *framer.Framer
	descriptor       protocol.Descriptor
	remoteBuf        int
	isServer         bool
	compress         bool
	handshakeEnabled bool
	closed           bool
}

// Option configures an Endpoint at construction time.
type Option func(*config)

type config struct {
	handshakeEnabled bool
}

func defaultConfig() config {
	return config{handshakeEnabled: true}
}

// WithHandshake controls whether a new Endpoint performs dynamic version
// negotiation. Disabling it is only safe when the operator already knows
// every peer in the farm shares identical protocol and serializer
// versions; in exchange, no descriptor is exchanged and the endpoint
// assumes this build's own current versions unconditionally, which is what
// lets a coordinator pre-encode a job once and broadcast the same wire
// bytes to every worker instead of re-encoding it per peer.
func WithHandshake(enabled bool) Option {
	return func(c *config) { c.handshakeEnabled = enabled }
}

// Dial connects to address, sets the local receive buffer, and performs the
// version handshake as the client side of the connection.
func Dial(ctx context.Context, address string, opts ...Option) (*Endpoint, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("endpoint: dial: %w", err)
	}
	return NewClient(conn, opts...)
}

// Connect dials address the same way Dial does, but retries on failure for
// up to timeout before giving up (a non-positive timeout makes a single
// attempt, equivalent to Dial). Retries are paced at one attempt per
// second, mirroring a coordinator that has not started listening yet
// without hammering it.
func Connect(ctx context.Context, address string, timeout time.Duration, opts ...Option) (*Endpoint, error) {
	if timeout <= 0 {
		return Dial(ctx, address, opts...)
	}

	deadline := time.Now().Add(timeout)
	limiter := rate.NewLimiter(rate.Every(time.Second), 1)
	var lastErr error
	for {
		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}
		e, err := Dial(ctx, address, opts...)
		if err == nil {
			return e, nil
		}
		lastErr = err
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("endpoint: connect: timed out after %s: %w", timeout, lastErr)
		}
	}
}

// NewClient wraps an already-established connection as the client side of
// the handshake. Dial is the usual entry point; NewClient exists for
// callers (and tests) that already hold a net.Conn, such as one half of a
// net.Pipe pair.
func NewClient(conn net.Conn, opts ...Option) (*Endpoint, error) {
	return newEndpoint(conn, false, opts...)
}

// Accept wraps an already-accepted connection (from net.Listener.Accept) as
// the server side of the connection and performs the version handshake.
func Accept(conn net.Conn, opts ...Option) (*Endpoint, error) {
	return newEndpoint(conn, true, opts...)
}

func newEndpoint(conn net.Conn, isServer bool, opts ...Option) (*Endpoint, error) {
	cfg := defaultConfig()
	for _, apply := range opts {
		apply(&cfg)
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetReadBuffer(DefaultReceiveBufferSize)
		_ = tc.SetNoDelay(true)
	}
	buf := bufio.NewReaderSize(conn, 4096)
	e := &Endpoint{
		conn:             conn,
		buf:              buf,
		fr:               framer.NewReadWriter(buf, conn),
		isServer:         isServer,
		compress:         true,
		handshakeEnabled: cfg.handshakeEnabled,
	}
	if cfg.handshakeEnabled {
		if err := e.handshake(); err != nil {
			conn.Close()
			return nil, err
		}
	} else {
		e.descriptor = protocol.Local(DefaultReceiveBufferSize)
		e.remoteBuf = DefaultReceiveBufferSize
	}
	return e, nil
}

// handshake exchanges protocol descriptors and resolves them to the
// element-wise minimum, recording the peer's receive buffer size as this
// endpoint's send ceiling. The send is done concurrently with the read:
// both peers send their descriptor before either has read the other's, so
// a connection backed by a synchronous transport (no kernel send buffer,
// e.g. net.Pipe) would deadlock if this blocked on the write first.
func (e *Endpoint) handshake() error {
	local := protocol.Local(DefaultReceiveBufferSize)

	sendErr := make(chan error, 1)
	go func() { sendErr <- e.writeValue(local, false) }()

	peer, readErr := e.readDescriptor()
	if err := <-sendErr; err != nil {
		return fmt.Errorf("endpoint: send handshake: %w", err)
	}
	if readErr != nil {
		return fmt.Errorf("endpoint: receive handshake: %w", readErr)
	}

	resolved, remoteBuf := protocol.Negotiate(local, peer)
	e.descriptor = resolved
	e.remoteBuf = remoteBuf
	return nil
}

func (e *Endpoint) readDescriptor() (protocol.Descriptor, error) {
	h, payload, err := e.fr.ReadFrame()
	if err != nil {
		return protocol.Descriptor{}, err
	}
	v, err := codec.Decode(h, payload)
	if err != nil {
		return protocol.Descriptor{}, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return protocol.Descriptor{}, fmt.Errorf("endpoint: handshake payload is %T, not a map", v)
	}
	return descriptorFromMap(m)
}

func descriptorFromMap(m map[string]any) (protocol.Descriptor, error) {
	var d protocol.Descriptor
	sv, err := intField(m, "serializer_version")
	if err != nil {
		return d, err
	}
	pv, err := intField(m, "protocol_version")
	if err != nil {
		return d, err
	}
	bs, err := intField(m, "receive_buffer_size")
	if err != nil {
		return d, err
	}
	d.SerializerVersion, d.ProtocolVersion, d.ReceiveBufferSize = sv, pv, bs
	return d, nil
}

func intField(m map[string]any, key string) (int, error) {
	v, ok := m[key]
	if !ok {
		return 0, fmt.Errorf("endpoint: handshake missing field %q", key)
	}
	switch n := v.(type) {
	case int8:
		return int(n), nil
	case int16:
		return int(n), nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case uint8:
		return int(n), nil
	case uint16:
		return int(n), nil
	case uint32:
		return int(n), nil
	case uint64:
		return int(n), nil
	case int:
		return n, nil
	default:
		return 0, fmt.Errorf("endpoint: handshake field %q has unexpected type %T", key, v)
	}
}

// writeValue encodes v and writes it as a frame, marking it a command frame
// when command is true.
func (e *Endpoint) writeValue(v any, command bool) error {
	payload, h, err := codec.Encode(v, codec.EncodeOptions{Compress: e.compress && !command, Command: command})
	if err != nil {
		return err
	}
	return e.fr.WriteFrame(h, payload)
}

// Send packs and sends v to the peer.
func (e *Endpoint) Send(v any) error {
	if e.closed {
		return ErrNotConnected
	}
	return e.writeValue(v, false)
}

// AwaitMessage blocks until a complete user message is received, applying
// timeout (zero means block indefinitely) as the connection's read
// deadline for the duration of the call. Command frames are executed
// transparently: a kill command makes AwaitMessage return
// protocol.ErrKillSignal, any other command is a protocol error.
func (e *Endpoint) AwaitMessage(timeout time.Duration) (any, error) {
	if e.closed {
		return nil, ErrNotConnected
	}
	if timeout > 0 {
		e.conn.SetReadDeadline(time.Now().Add(timeout))
		defer e.conn.SetReadDeadline(time.Time{})
	}
	return e.readMessage()
}

func (e *Endpoint) readMessage() (any, error) {
	h, payload, err := e.fr.ReadFrame()
	if err != nil {
		return nil, err
	}
	if h.Command {
		v, err := codec.Decode(h, payload)
		if err != nil {
			return nil, err
		}
		cmd, _ := v.(string)
		if cmd == protocol.KillCommand {
			return nil, protocol.ErrKillSignal
		}
		return nil, fmt.Errorf("%w: %q", protocol.ErrUnknownCommand, cmd)
	}
	return codec.Decode(h, payload)
}

// Poll reports whether there is readable data (or EOF) waiting, without
// blocking for longer than timeout. A timeout of zero performs a single
// non-blocking check; Go's net package exposes no epoll-style readiness
// query, so Poll approximates one by arming a short read deadline and
// attempting a buffered look-ahead byte, which net.Conn.Read would
// otherwise consume — bufio.Reader.Peek leaves it in place for the next
// real read (by the framer or a later Poll/IsAlive call) to see.
func (e *Endpoint) Poll(timeout time.Duration) bool {
	if e.closed {
		return true
	}
	deadline := time.Now().Add(timeout)
	if timeout <= 0 {
		deadline = time.Now().Add(time.Millisecond)
	}
	e.conn.SetReadDeadline(deadline)
	defer e.conn.SetReadDeadline(time.Time{})

	_, err := e.buf.Peek(1)
	if err == nil {
		return true
	}
	var ne net.Error
	// A timeout means nothing arrived in time; anything else (EOF,
	// connection reset) is itself readable data — the evidence of a dead
	// peer that IsAlive distinguishes from a live message.
	return !(errors.As(err, &ne) && ne.Timeout())
}

// IsAlive reports whether the connection still appears to be open: either
// there is no readable data right now (a live, idle connection), or there
// is readable data that is a genuine byte rather than evidence of an
// orderly peer shutdown (EOF).
func (e *Endpoint) IsAlive() bool {
	if e.closed {
		return false
	}
	e.conn.SetReadDeadline(time.Now().Add(time.Millisecond))
	defer e.conn.SetReadDeadline(time.Time{})

	_, err := e.buf.Peek(1)
	if err == nil {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}

// Descriptor returns the negotiated protocol descriptor.
func (e *Endpoint) Descriptor() protocol.Descriptor { return e.descriptor }

// RemoteReceiveBufferSize returns the peer's reported receive buffer size,
// the figure send-buffer accounting is based on.
func (e *Endpoint) RemoteReceiveBufferSize() int { return e.remoteBuf }

// HandshakeEnabled reports whether this endpoint negotiated its descriptor
// with the peer, or assumed it unconditionally with the handshake skipped.
func (e *Endpoint) HandshakeEnabled() bool { return e.handshakeEnabled }

// Kill sends the kill command, shuts down the connection for further
// writes, and closes it. The kill command gets at most one second to be
// accepted, so a peer that is not reading (over a synchronous transport
// such as net.Pipe, one not reading at that moment) cannot block Kill; the
// connection is closed whether or not the command was delivered.
func (e *Endpoint) Kill() error {
	if e.closed {
		return nil
	}
	_ = e.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = e.writeValue(protocol.KillCommand, true)
	return e.close()
}

func (e *Endpoint) close() error {
	e.closed = true
	if tc, ok := e.conn.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}
	return e.conn.Close()
}
