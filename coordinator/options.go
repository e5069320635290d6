package coordinator

import "time"

// Options configures a Coordinator's worker-loss tolerance and pacing.
type Options struct {
	// MaxWorkerLoss is the number of crashed/disconnected workers tolerated
	// before Call starts returning ErrMaxWorkerLoss.
	MaxWorkerLoss int
	// NoWorkerKill, when true, makes Call return ErrNoWorkersFound the
	// moment every mounted worker has been lost, instead of waiting for
	// MaxWorkerLoss to be crossed.
	NoWorkerKill bool
	// Compress controls whether the payloads the coordinator encodes itself
	// are block-compressed: jobs and results written to the page stores,
	// jobs pre-packed with the handshake disabled, and the job size the
	// budget pass checks against a worker's free space. It does not reach
	// the endpoints: with the handshake enabled, every job sent to a worker
	// (and every result a worker sends back) is compressed regardless.
	Compress bool
	// AwaitInterval is how long AwaitResults sleeps between submit/retrieve
	// passes while waiting for outstanding work to settle.
	AwaitInterval time.Duration
	// PageDir is the directory new paging stores are created under (the
	// default temp directory if empty).
	PageDir string
	// HandshakeEnabled controls whether newly mounted workers negotiate a
	// protocol descriptor. Disabling it is only safe when every worker in
	// the farm is known to share this build's protocol and serializer
	// versions; in exchange, each job is packed once and the same wire
	// bytes are broadcast to every worker instead of being re-encoded per
	// peer, and reassigned jobs skip decoding entirely.
	HandshakeEnabled bool
}

var defaultOptions = Options{
	MaxWorkerLoss:    2,
	NoWorkerKill:     true,
	Compress:         false,
	AwaitInterval:    250 * time.Millisecond,
	HandshakeEnabled: true,
}

// Option mutates Options during New.
type Option func(*Options)

// WithMaxWorkerLoss sets the tolerated worker-loss count.
func WithMaxWorkerLoss(n int) Option {
	return func(o *Options) { o.MaxWorkerLoss = n }
}

// WithNoWorkerKill toggles whether losing every worker is immediately fatal.
func WithNoWorkerKill(b bool) Option {
	return func(o *Options) { o.NoWorkerKill = b }
}

// WithCompress sets Options.Compress (see there for which payloads it
// covers).
func WithCompress(b bool) Option {
	return func(o *Options) { o.Compress = b }
}

// WithAwaitInterval sets AwaitResults's submit/retrieve pacing.
func WithAwaitInterval(d time.Duration) Option {
	return func(o *Options) { o.AwaitInterval = d }
}

// WithPageDir sets the directory backing the coordinator's paging stores.
func WithPageDir(dir string) Option {
	return func(o *Options) { o.PageDir = dir }
}

// WithHandshakeEnabled toggles per-worker protocol negotiation. Pass false
// only when every worker in the farm is known to share this build's
// protocol and serializer versions.
func WithHandshakeEnabled(b bool) Option {
	return func(o *Options) { o.HandshakeEnabled = b }
}
