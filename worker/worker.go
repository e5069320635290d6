// Package worker implements the reactive half of conman: a process that
// connects to a coordinator, and then alternates between receiving a job
// and sending back the result of the last one.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/AJMHPC/conman/endpoint"
)

// ErrFirstCallMustBeNil is returned by Driver.Call if the caller passes a
// non-nil result on the very first call — there is no prior job's result
// to report yet.
var ErrFirstCallMustBeNil = errors.New("worker: first call to Call must pass a nil result")

// Driver manages a single connection to a coordinator across the worker
// process's lifetime: one job in flight at a time, with the job always
// paired to the reply that preceded it.
type Driver struct {
	conn      *endpoint.Endpoint
	address   string
	timeout   time.Duration
	opts      []endpoint.Option
	firstCall bool
}

// Dial connects to the coordinator at address, retrying for up to timeout
// before giving up (a zero timeout makes a single attempt). opts is passed
// through to endpoint.Connect on every (re)connection attempt; a caller
// that knows the coordinator runs with its handshake disabled should pass
// endpoint.WithHandshake(false) so it doesn't wait forever for a
// descriptor the coordinator never sends.
func Dial(ctx context.Context, address string, timeout time.Duration, opts ...endpoint.Option) (*Driver, error) {
	d := &Driver{address: address, timeout: timeout, opts: opts, firstCall: true}
	if err := d.connect(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Driver) connect(ctx context.Context) error {
	conn, err := endpoint.Connect(ctx, d.address, d.timeout, d.opts...)
	if err != nil {
		return err
	}
	d.conn = conn
	return nil
}

// Enter is the Driver's context-manager-style entry point, provided for
// symmetry with Dial; most callers should just use Dial directly.
func (d *Driver) Enter(ctx context.Context) (*Driver, error) {
	if d.conn == nil {
		if err := d.connect(ctx); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Exit disconnects gracefully. It is safe to call more than once.
func (d *Driver) Exit() error {
	if d.conn == nil {
		return nil
	}
	return d.conn.Kill()
}

// Call sends the result of the last job back to the coordinator and
// returns the next job. The very first call in a Driver's lifetime must
// pass a nil result (there is no prior job yet); Driver enforces this the
// same way the reference implementation's one-time "free pass" does.
func (d *Driver) Call(result any) (any, error) {
	if d.firstCall {
		d.firstCall = false
		if result != nil {
			return nil, ErrFirstCallMustBeNil
		}
		return d.conn.AwaitMessage(0)
	}

	if err := d.conn.Send(result); err != nil {
		return nil, err
	}
	return d.conn.AwaitMessage(0)
}
