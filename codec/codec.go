// Package codec implements conman's payload serialisation: the only place
// user values are materialised from, or into, wire bytes. Everywhere else
// (journal, paging stores, reassignment) treats frame payloads as opaque
// bytes, which is what makes the handshake-disabled replay mode possible.
package codec

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/AJMHPC/conman/framer"
)

// ErrDecode reports a payload that could not be decoded for its declared
// header kind — a malformed compressed block, invalid msgpack, or invalid
// UTF-8. Fatal on the deserialising side; callers purge the peer.
var ErrDecode = errors.New("codec: malformed payload for declared kind")

// EncodeOptions controls how a single value is turned into wire bytes.
type EncodeOptions struct {
	// Compress applies block compression to the encoded bytes and sets the
	// Compressed header bit. Ignored when v is an EncodedPayload.
	Compress bool
	// Command marks the payload as a control message (the Command header
	// bit). The value must be a string.
	Command bool
}

// EncodedPayload carries the output of a previous Encode call — header and
// payload bytes both already finished. Passing one back into Encode returns
// it unchanged instead of re-marshalling or re-compressing. This is the
// handshake-disabled fast path: when every worker is known to share the
// same codec configuration, a job can be packed once and the identical
// wire bytes broadcast to each of them, and a journal or page store can
// hold the frame as-is and skip decoding it again on reassignment.
type EncodedPayload struct {
	Header  framer.Header
	Payload []byte
}

// Encode serialises v into wire payload bytes and the frame header that
// describes it. Exactly one of Header.Object/Header.Text is set unless v is
// raw bytes, in which case neither is set.
func Encode(v any, opts EncodeOptions) ([]byte, framer.Header, error) {
	if ep, ok := v.(EncodedPayload); ok {
		return ep.Payload, ep.Header, nil
	}

	var h framer.Header
	h.Command = opts.Command

	var raw []byte
	switch val := v.(type) {
	case []byte:
		raw = val
	case nil:
		raw = nil
	case string:
		h.Text = true
		raw = []byte(val)
	default:
		h.Object = true
		encoded, err := msgpack.Marshal(v)
		if err != nil {
			return nil, framer.Header{}, fmt.Errorf("codec: encode object: %w", err)
		}
		raw = encoded
	}

	if opts.Compress {
		raw = compress(raw)
		h.Compressed = true
	}
	return raw, h, nil
}

// Decode reverses Encode: it applies decompression first if Header.Compressed
// is set, then interprets the remaining bytes per Header.Object/Header.Text.
func Decode(h framer.Header, payload []byte) (any, error) {
	raw := payload
	if h.Compressed {
		decoded, err := decompress(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		raw = decoded
	}

	switch {
	case h.Object:
		var v any
		if err := msgpack.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		return v, nil
	case h.Text:
		return string(raw), nil
	default:
		return raw, nil
	}
}

var (
	encOnce sync.Once
	enc     *zstd.Encoder
	decOnce sync.Once
	dec     *zstd.Decoder
)

// compress and decompress use package-level, lazily-initialised zstd
// encoder/decoder instances — the klauspost/compress idiom for reusing the
// (non-trivial to construct) codec state across many small messages, in
// place of the reference implementation's per-call bz2.compress/decompress.
func compress(p []byte) []byte {
	encOnce.Do(func() {
		enc, _ = zstd.NewWriter(nil)
	})
	return enc.EncodeAll(p, make([]byte, 0, len(p)))
}

func decompress(p []byte) ([]byte, error) {
	decOnce.Do(func() {
		dec, _ = zstd.NewReader(nil)
	})
	return dec.DecodeAll(p, nil)
}
