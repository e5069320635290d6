package coordinator_test

import (
	"context"
	"testing"
	"time"

	"github.com/AJMHPC/conman/coordinator"
	"github.com/AJMHPC/conman/endpoint"
)

func newTestCoordinator(t *testing.T) *coordinator.Coordinator {
	t.Helper()
	c, err := coordinator.New("127.0.0.1:0", nil, coordinator.WithPageDir(t.TempDir()), coordinator.WithAwaitInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Disconnect() })
	return c
}

func newHandshakeDisabledCoordinator(t *testing.T) *coordinator.Coordinator {
	t.Helper()
	c, err := coordinator.New("127.0.0.1:0", nil,
		coordinator.WithPageDir(t.TempDir()),
		coordinator.WithAwaitInterval(10*time.Millisecond),
		coordinator.WithHandshakeEnabled(false),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Disconnect() })
	return c
}

// dialSilently connects to the coordinator without reporting errors
// through *testing.T, since it typically runs inside a spawned goroutine
// where calling t.Fatalf is unsafe.
func dialSilently(addr string) (*endpoint.Endpoint, error) {
	return endpoint.Dial(context.Background(), addr)
}

// echoWorker behaves like a reactive worker process: it waits for one job,
// sends back a derived result, and exits.
func echoWorker(addr string) {
	e, err := dialSilently(addr)
	if err != nil {
		return
	}
	defer e.Kill()
	job, err := e.AwaitMessage(5 * time.Second)
	if err != nil {
		return
	}
	e.Send("echo-" + job.(string))
}

// echoWorkerNoHandshake is echoWorker for a coordinator mounted with
// WithHandshakeEnabled(false): the worker must skip negotiation too, or it
// would wait forever for a descriptor the coordinator never sends.
func echoWorkerNoHandshake(addr string) {
	e, err := endpoint.Dial(context.Background(), addr, endpoint.WithHandshake(false))
	if err != nil {
		return
	}
	defer e.Kill()
	job, err := e.AwaitMessage(5 * time.Second)
	if err != nil {
		return
	}
	e.Send("echo-" + job.(string))
}

func TestMountAcceptsPendingConnections(t *testing.T) {
	c := newTestCoordinator(t)

	connected := make(chan struct{})
	go func() {
		defer close(connected)
		e1, err := dialSilently(c.Addr().String())
		if err != nil {
			return
		}
		defer e1.Kill()
		e2, err := dialSilently(c.Addr().String())
		if err != nil {
			return
		}
		defer e2.Kill()
	}()

	if err := c.Mount(context.Background(), 2, 5*time.Second); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	<-connected
	if c.WorkerCount() != 2 {
		t.Fatalf("expected 2 workers, got %d", c.WorkerCount())
	}
}

func TestSubmitAndRetrieveRoundTrip(t *testing.T) {
	c := newTestCoordinator(t)

	go echoWorker(c.Addr().String())
	if err := c.Mount(context.Background(), 1, 5*time.Second); err != nil {
		t.Fatalf("Mount: %v", err)
	}

	if err := c.Submit([]any{"job-1"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		results, err := c.Retrieve(false)
		if err != nil {
			t.Fatalf("Retrieve: %v", err)
		}
		if len(results) == 1 {
			if results[0].(string) != "echo-job-1" {
				t.Fatalf("unexpected result: %v", results[0])
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for result")
}

// TestSubmitAndRetrieveRoundTripWithHandshakeDisabled exercises the
// handshake-disabled fast path end to end: the coordinator packs the job
// once into a codec.EncodedPayload and sends it straight through, and the
// worker — itself dialled with negotiation skipped — still decodes and
// answers it exactly as it would over a negotiated connection.
func TestSubmitAndRetrieveRoundTripWithHandshakeDisabled(t *testing.T) {
	c := newHandshakeDisabledCoordinator(t)

	go echoWorkerNoHandshake(c.Addr().String())
	if err := c.Mount(context.Background(), 1, 5*time.Second); err != nil {
		t.Fatalf("Mount: %v", err)
	}

	if err := c.Submit([]any{"job-1"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		results, err := c.Retrieve(false)
		if err != nil {
			t.Fatalf("Retrieve: %v", err)
		}
		if len(results) == 1 {
			if results[0].(string) != "echo-job-1" {
				t.Fatalf("unexpected result: %v", results[0])
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for result")
}

func TestAwaitResultsDrainsAllSubmittedJobs(t *testing.T) {
	c := newTestCoordinator(t)

	const n = 3
	for i := 0; i < n; i++ {
		go echoWorker(c.Addr().String())
	}
	if err := c.Mount(context.Background(), n, 5*time.Second); err != nil {
		t.Fatalf("Mount: %v", err)
	}

	jobs := []any{"a", "b", "c"}
	if err := c.Submit(jobs); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	results, err := c.AwaitResults(ctx)
	if err != nil {
		t.Fatalf("AwaitResults: %v", err)
	}
	if len(results) != len(jobs) {
		t.Fatalf("expected %d results, got %d: %v", len(jobs), len(results), results)
	}
}

func TestPurgeLostWorkerReassignsJob(t *testing.T) {
	c := newTestCoordinator(t)

	vanished := make(chan struct{})
	go func() {
		defer close(vanished)
		e, err := dialSilently(c.Addr().String())
		if err != nil {
			return
		}
		// Receive the job, then vanish without answering: the coordinator
		// should detect the dropped connection on its next pass and
		// reassign the job to whichever worker is mounted next.
		e.AwaitMessage(5 * time.Second)
		e.Kill()
	}()
	if err := c.Mount(context.Background(), 1, 5*time.Second); err != nil {
		t.Fatalf("Mount: %v", err)
	}

	if err := c.Submit([]any{"flaky-job"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-vanished

	go echoWorker(c.Addr().String())
	if err := c.Mount(context.Background(), 1, 5*time.Second); err != nil {
		t.Fatalf("Mount replacement: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if err := c.Submit(nil); err != nil {
			t.Fatalf("Submit: %v", err)
		}
		results, err := c.Retrieve(false)
		if err != nil {
			t.Fatalf("Retrieve: %v", err)
		}
		if len(results) == 1 {
			if results[0].(string) != "echo-flaky-job" {
				t.Fatalf("unexpected result: %v", results[0])
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for reassigned job to complete")
}
