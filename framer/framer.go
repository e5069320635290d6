package framer

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
)

// readChunk caps a single underlying Read call, mirroring the reference
// implementation's 4096-byte recv chunking. Larger chunks are permitted by
// the spec; this value only bounds how much of the caller's buffer a single
// Read call is asked to fill.
const readChunk = 4096

// ReadLimit, when non-zero, caps the payload size ReadFrame will accept.
// Frames whose declared size exceeds the limit fail with ErrTooLong before
// any payload bytes are read.
type Framer struct {
	r         io.Reader
	w         io.Writer
	ReadLimit int64
}

// New wraps rw for framed reads and writes.
func New(rw io.ReadWriter) *Framer {
	return &Framer{r: rw, w: rw}
}

// NewReader wraps r for framed reads only.
func NewReader(r io.Reader) *Framer {
	return &Framer{r: r}
}

// NewWriter wraps w for framed writes only.
func NewWriter(w io.Writer) *Framer {
	return &Framer{w: w}
}

// NewReadWriter wraps a distinct reader and writer pair, for callers (like
// endpoint) that need to interpose their own buffering or peeking on the
// read side while writing straight through to the connection.
func NewReadWriter(r io.Reader, w io.Writer) *Framer {
	return &Framer{r: r, w: w}
}

// WriteFrame writes size=4+len(payload) as a u64 little-endian prefix,
// followed by the 4-byte header, followed by payload. It blocks until the
// full frame has been accepted by the writer.
func (f *Framer) WriteFrame(h Header, payload []byte) error {
	if err := h.validate(); err != nil {
		return err
	}
	size := uint64(headerLen + len(payload))

	buf := make([]byte, 8+headerLen)
	binary.LittleEndian.PutUint64(buf[0:8], size)
	h.encode(buf[8 : 8+headerLen])

	if _, err := writeFull(f.w, buf); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := writeFull(f.w, payload)
	return err
}

// ReadFrame reads one complete frame: 8 bytes of size, then size bytes of
// header+payload. It returns ErrIncompleteMessage if the stream ends (or a
// zero-length read occurs) before the frame is fully read.
func (f *Framer) ReadFrame() (Header, []byte, error) {
	var sizeBuf [8]byte
	if _, err := readFull(f.r, sizeBuf[:]); err != nil {
		return Header{}, nil, err
	}
	size := binary.LittleEndian.Uint64(sizeBuf[:])
	if size < headerLen {
		return Header{}, nil, ErrIncompleteMessage
	}
	if f.ReadLimit > 0 && int64(size)-headerLen > f.ReadLimit {
		return Header{}, nil, ErrTooLong
	}

	body := make([]byte, size)
	if _, err := readFull(f.r, body); err != nil {
		return Header{}, nil, err
	}
	h := decodeHeader(body[:headerLen])
	return h, body[headerLen:], nil
}

// writeFull writes all of p, looping until done or an error occurs.
func writeFull(w io.Writer, p []byte) (int, error) {
	total := 0
	for total < len(p) {
		n, err := w.Write(p[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, ErrIncompleteMessage
		}
	}
	return total, nil
}

// readFull reads exactly len(p) bytes, in chunks of at most readChunk, and
// fails with ErrIncompleteMessage on a zero-length read, EOF, or a read
// deadline expiring before completion — matching the reference
// implementation's recv-loop contract. A deadline firing mid-frame is
// indistinguishable, from the caller's point of view, from a peer that
// stopped sending partway through: both are a truncated frame, and both
// are reported the same way so a stalled socket converts to the same
// purge a dead one does.
func readFull(r io.Reader, p []byte) (int, error) {
	total := 0
	for total < len(p) {
		end := total + readChunk
		if end > len(p) {
			end = len(p)
		}
		n, err := r.Read(p[total:end])
		total += n
		if err != nil {
			if err == io.EOF {
				if total == len(p) {
					break
				}
				return total, ErrIncompleteMessage
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return total, ErrIncompleteMessage
			}
			return total, err
		}
		if n == 0 {
			return total, ErrIncompleteMessage
		}
	}
	return total, nil
}
