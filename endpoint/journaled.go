package endpoint

import (
	"context"
	"fmt"
	"math"
	"net"
	"time"

	"github.com/AJMHPC/conman/codec"
	"github.com/AJMHPC/conman/framer"
	"github.com/AJMHPC/conman/paging"
)

// sendSafetyMargin matches the reference implementation's 5% safety
// margin subtracted from the peer's reported receive buffer before any of
// it is counted as free space — deliberate underestimation, since
// overestimating free space risks a send blocking forever.
const sendSafetyMargin = 0.95

// JournaledEndpoint is the coordinator side of a connection: it tracks how
// much of the peer's receive buffer is still believed free, and journals
// every sent-but-unanswered message to a paging.Store so the job can be
// recovered and reassigned if the peer is lost before it replies.
type JournaledEndpoint struct {
	*Endpoint
	sendLog []int
	journal *paging.Store
	idle    bool
}

// NewJournaled wraps an already-connected Endpoint with send-buffer
// accounting and a replay journal backed by a temporary spill file under
// dir. The coordinator only ever wraps the server side of an accepted
// connection; DialJournaled wraps a client side.
func NewJournaled(e *Endpoint, dir string) (*JournaledEndpoint, error) {
	store, err := paging.New(dir)
	if err != nil {
		return nil, err
	}
	return &JournaledEndpoint{Endpoint: e, journal: store, idle: true}, nil
}

// AcceptJournaled accepts a connection and wraps it as a journaled
// coordinator-side endpoint in one step.
func AcceptJournaled(conn net.Conn, dir string, opts ...Option) (*JournaledEndpoint, error) {
	e, err := Accept(conn, opts...)
	if err != nil {
		return nil, err
	}
	return NewJournaled(e, dir)
}

// Idle reports whether every message this endpoint has sent has already
// been answered.
func (j *JournaledEndpoint) Idle() bool { return j.idle }

// FreeSpace reports how much of the peer's receive buffer is believed
// free: 95% of the peer's reported buffer size, minus the CMSG_SPACE
// accounting of every message still outstanding. On the server side the
// first outstanding message is excluded from that sum, since a reactive
// worker always begins draining its buffer the instant it is connected,
// before this endpoint can possibly observe otherwise.
func (j *JournaledEndpoint) FreeSpace() int {
	skip := 0
	if j.isServer {
		skip = 1
	}
	outstanding := 0
	if skip < len(j.sendLog) {
		for _, n := range j.sendLog[skip:] {
			outstanding += n
		}
	}
	ceiling := int(math.Floor(float64(j.remoteBuf) * sendSafetyMargin))
	free := ceiling - outstanding
	if free < 0 {
		return 0
	}
	return free
}

// Send packs and sends v, recording it in the send log and journal so it
// can be replayed if this endpoint is lost before the peer answers. If v
// is a codec.EncodedPayload — a job already packed once by the
// handshake-disabled fast path — it is written through unchanged instead
// of being re-marshalled.
func (j *JournaledEndpoint) Send(v any) error {
	if j.closed {
		return ErrNotConnected
	}
	payload, h, err := codec.Encode(v, codec.EncodeOptions{Compress: j.compress})
	if err != nil {
		return err
	}
	if err := j.fr.WriteFrame(h, payload); err != nil {
		return err
	}

	j.idle = false
	j.sendLog = append(j.sendLog, cmsgSpace(len(payload)+framer.FrameOverhead))
	if _, err := j.journal.Append(encodeJournalEntry(h, payload)); err != nil {
		return fmt.Errorf("endpoint: journal append: %w", err)
	}
	return nil
}

// AwaitMessage blocks for a reply, applying timeout (zero means block
// indefinitely) as the connection's read deadline, then retires the oldest
// outstanding journal entry — the one this reply corresponds to, since the
// peer can only be working on the oldest job it has not yet answered. A
// worker that writes a partial frame and then stalls without closing its
// socket has its deadline fire mid-frame, which readMessage surfaces as
// framer.ErrIncompleteMessage — the caller purges the peer exactly as it
// would for a clean crash.
func (j *JournaledEndpoint) AwaitMessage(timeout time.Duration) (any, error) {
	if j.closed {
		return nil, ErrNotConnected
	}
	if timeout > 0 {
		j.conn.SetReadDeadline(time.Now().Add(timeout))
		defer j.conn.SetReadDeadline(time.Time{})
	}
	v, err := j.readMessage()
	if err != nil {
		return nil, err
	}
	if err := j.retireOldest(); err != nil {
		return nil, err
	}
	return v, nil
}

// retireOldest drops the oldest entry from the send log and rewrites the
// journal without it, mirroring save_to_page(load_from_page(...)[1:], ...)
// from the reference implementation: the page file is rewritten in full
// rather than allowed to grow unboundedly as jobs complete.
func (j *JournaledEndpoint) retireOldest() error {
	if len(j.sendLog) == 0 {
		return nil
	}
	j.sendLog = j.sendLog[1:]

	entries, err := j.journal.LoadAll()
	if err != nil {
		return fmt.Errorf("endpoint: journal drain: %w", err)
	}
	if len(entries) > 0 {
		entries = entries[1:]
	}
	for _, e := range entries {
		if _, err := j.journal.Append(e); err != nil {
			return fmt.Errorf("endpoint: journal rewrite: %w", err)
		}
	}
	if len(j.sendLog) == 0 {
		j.idle = true
	}
	return nil
}

// JournaledMessages returns every message currently held in the journal,
// in send order — the jobs this endpoint's peer was given but never
// answered. Used during reassignment when the peer is found dead. With
// the handshake enabled, each entry is decoded back into the value that
// was sent. With the handshake disabled, decoding is skipped entirely:
// the entry is returned as a codec.EncodedPayload, the same pre-encoded
// wire bytes that were broadcast to every worker, so reassigning the job
// to a new worker costs neither a decode nor a re-encode.
func (j *JournaledEndpoint) JournaledMessages() ([]any, error) {
	entries, err := j.journal.LoadAll()
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(entries))
	for _, raw := range entries {
		h, payload, err := decodeJournalEntry(raw)
		if err != nil {
			return nil, err
		}
		if !j.handshakeEnabled {
			out = append(out, codec.EncodedPayload{Header: h, Payload: payload})
			continue
		}
		v, err := codec.Decode(h, payload)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Kill closes the journal before shutting down the connection.
func (j *JournaledEndpoint) Kill() error {
	j.journal.Close()
	return j.Endpoint.Kill()
}

// DialJournaled is provided for symmetry and tests; production coordinator
// code only ever wraps accepted (server-side) connections.
func DialJournaled(ctx context.Context, address, dir string, opts ...Option) (*JournaledEndpoint, error) {
	e, err := Dial(ctx, address, opts...)
	if err != nil {
		return nil, err
	}
	return NewJournaled(e, dir)
}

// encodeJournalEntry and decodeJournalEntry persist a frame's header flags
// alongside its payload bytes, as a single leading flag byte, so a
// journaled entry can be decoded again after a round trip through the
// paging store.
func encodeJournalEntry(h framer.Header, payload []byte) []byte {
	var flags byte
	if h.Command {
		flags |= 1
	}
	if h.Compressed {
		flags |= 2
	}
	if h.Object {
		flags |= 4
	}
	if h.Text {
		flags |= 8
	}
	buf := make([]byte, 1+len(payload))
	buf[0] = flags
	copy(buf[1:], payload)
	return buf
}

func decodeJournalEntry(buf []byte) (framer.Header, []byte, error) {
	if len(buf) < 1 {
		return framer.Header{}, nil, fmt.Errorf("endpoint: malformed journal entry")
	}
	flags := buf[0]
	h := framer.Header{
		Command:    flags&1 != 0,
		Compressed: flags&2 != 0,
		Object:     flags&4 != 0,
		Text:       flags&8 != 0,
	}
	return h, buf[1:], nil
}
