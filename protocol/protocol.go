// Package protocol defines the handshake descriptor and control-command
// vocabulary shared between endpoint (which performs the handshake and
// executes received commands) and worker (which never needs to know about
// endpoint's internals to recognise a kill signal).
package protocol

import "errors"

// CurrentSerializerVersion and CurrentVersion are this build's maxima,
// offered during the handshake and negotiated down to whatever the peer
// supports. CurrentSerializerVersion tracks the wire format msgpack encodes
// object payloads with; bumping it is a breaking change for old peers, so
// legacy peers (serializer version 3) are still accommodated by negotiating
// to the minimum of both ends' declared values.
const (
	CurrentSerializerVersion = 5
	CurrentVersion           = 1
)

// KillCommand is the control command an Endpoint sends to tell its peer to
// stop: "the connection is to be terminated".
const KillCommand = "CONMAN_KILL"

var (
	// ErrKillSignal is returned by AwaitMessage when a kill command was
	// received and executed.
	ErrKillSignal = errors.New("protocol: kill signal received")

	// ErrUnknownCommand is returned when a command frame carries a command
	// string this build does not understand.
	ErrUnknownCommand = errors.New("protocol: unknown command")
)

// Descriptor is exchanged once per connection, immediately after the TCP
// connection is established, as the first framed (object) message.
type Descriptor struct {
	SerializerVersion int `msgpack:"serializer_version"`
	ProtocolVersion   int `msgpack:"protocol_version"`
	ReceiveBufferSize int `msgpack:"receive_buffer_size"`
}

// Local builds the descriptor this process offers during a handshake,
// given the (possibly kernel-clamped) local receive buffer size.
func Local(receiveBufferSize int) Descriptor {
	return Descriptor{
		SerializerVersion: CurrentSerializerVersion,
		ProtocolVersion:   CurrentVersion,
		ReceiveBufferSize: receiveBufferSize,
	}
}

// Negotiate resolves local and peer descriptors to the element-wise minimum
// of their version fields. The peer's ReceiveBufferSize is returned
// separately since it becomes the caller's send-ceiling, not a negotiated
// value.
func Negotiate(local, peer Descriptor) (resolved Descriptor, peerReceiveBufferSize int) {
	resolved.SerializerVersion = min(local.SerializerVersion, peer.SerializerVersion)
	resolved.ProtocolVersion = min(local.ProtocolVersion, peer.ProtocolVersion)
	resolved.ReceiveBufferSize = local.ReceiveBufferSize
	return resolved, peer.ReceiveBufferSize
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
