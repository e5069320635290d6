// Package framer implements the length-prefixed frame codec used to carry
// conman messages over a byte stream.
//
// Wire format: an 8-byte little-endian size, a 4-byte header (one boolean
// per byte: command, compressed, object, text), then size-4 bytes of
// payload. size is the byte count of header+payload.
package framer

import "errors"

var (
	// ErrTooLong reports that a frame's declared size exceeds ReadLimit.
	ErrTooLong = errors.New("framer: message too long")

	// ErrIncompleteMessage reports that the stream ended (or a zero-length
	// read was observed) before a full frame could be read.
	ErrIncompleteMessage = errors.New("framer: incomplete message")

	// ErrInvalidHeader reports a header with both object and text set.
	ErrInvalidHeader = errors.New("framer: invalid header: object and text both set")
)
