// Package coordinator implements the dispatching half of conman: it
// accepts worker connections, farms jobs out to idle or under-loaded
// workers, retrieves their results, and reassigns the jobs of any worker
// that crashes.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AJMHPC/conman/codec"
	"github.com/AJMHPC/conman/endpoint"
	"github.com/AJMHPC/conman/framer"
	"github.com/AJMHPC/conman/metrics"
	"github.com/AJMHPC/conman/paging"
)

// Coordinator accepts worker connections on a single listening address and
// dispatches jobs to them.
type Coordinator struct {
	opts     Options
	log      *slog.Logger
	listener *net.TCPListener

	mu              sync.Mutex
	workers         []*endpoint.JournaledEndpoint
	pendingJobs     *paging.Store
	pendingResults  *paging.Store
	lostWorkerCount int
}

// New starts listening on address and returns a Coordinator ready to Mount
// worker connections.
func New(address string, log *slog.Logger, opts ...Option) (*Coordinator, error) {
	o := defaultOptions
	for _, apply := range opts {
		apply(&o)
	}
	if log == nil {
		log = slog.Default()
	}

	tcpAddr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("coordinator: resolve address: %w", err)
	}
	ln, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return nil, fmt.Errorf("coordinator: listen: %w", err)
	}

	jobs, err := paging.New(o.PageDir)
	if err != nil {
		ln.Close()
		return nil, err
	}
	results, err := paging.New(o.PageDir)
	if err != nil {
		ln.Close()
		jobs.Close()
		return nil, err
	}

	return &Coordinator{
		opts:           o,
		log:            log,
		listener:       ln,
		pendingJobs:    jobs,
		pendingResults: results,
	}, nil
}

// Metrics returns a prometheus.Collector reporting this coordinator's
// worker count, lost-worker count, and paged job/result backlog. Callers
// register it with their own prometheus.Registry; it is not registered
// automatically.
func (c *Coordinator) Metrics() prometheus.Collector {
	return metrics.NewCollector(c)
}

// Addr returns the coordinator's listening address.
func (c *Coordinator) Addr() net.Addr { return c.listener.Addr() }

// WorkerCount reports how many workers are currently mounted.
func (c *Coordinator) WorkerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.workers)
}

// LostWorkerCount reports how many workers have been purged as dead over
// this coordinator's lifetime.
func (c *Coordinator) LostWorkerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lostWorkerCount
}

// PagedJobCount reports how many jobs are currently spilled to the
// pending-jobs page store awaiting a free worker.
func (c *Coordinator) PagedJobCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingJobs.Len()
}

// PagedResultCount reports how many results are currently spilled to the
// pending-results page store awaiting retrieval.
func (c *Coordinator) PagedResultCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingResults.Len()
}

// Active reports whether there is still work in flight: a busy worker, a
// paged job awaiting a free worker, or a paged result awaiting retrieval.
func (c *Coordinator) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, w := range c.workers {
		if !w.Idle() {
			return true
		}
	}
	return c.pendingJobs.Len() != 0 || c.pendingResults.Len() != 0
}

// idleWorkersLocked returns the idle workers, in mount order. c.mu must be
// held.
func (c *Coordinator) idleWorkersLocked() []*endpoint.JournaledEndpoint {
	idle := make([]*endpoint.JournaledEndpoint, 0, len(c.workers))
	for _, w := range c.workers {
		if w.Idle() {
			idle = append(idle, w)
		}
	}
	return idle
}

// Mount accepts pending worker connections without blocking, unless awaitN
// is positive, in which case it blocks — up to timeout, if non-zero —
// until at least awaitN workers are mounted. The count includes workers
// mounted by earlier calls, and the call returns as soon as a newly
// accepted worker brings it to awaitN or more (or, if it is already there,
// once no connection is pending); connections still queued at that point
// are left for a later Mount.
func (c *Coordinator) Mount(ctx context.Context, awaitN int, timeout time.Duration) error {
	if awaitN < 0 {
		return ErrInvalidAwaitN
	}

	var deadline time.Time
	if awaitN > 0 && timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		pollTimeout := time.Millisecond
		if awaitN > 0 {
			pollTimeout = 50 * time.Millisecond
		}
		if !deadline.IsZero() {
			c.listener.SetDeadline(deadline)
		} else {
			c.listener.SetDeadline(time.Now().Add(pollTimeout))
		}

		conn, err := c.listener.AcceptTCP()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if awaitN > 0 && c.WorkerCount() < awaitN && (deadline.IsZero() || time.Now().Before(deadline)) {
					continue
				}
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return fmt.Errorf("coordinator: accept: %w", err)
			}
		}

		je, err := endpoint.AcceptJournaled(conn, c.opts.PageDir, endpoint.WithHandshake(c.opts.HandshakeEnabled))
		if err != nil {
			c.log.Warn("worker handshake failed", "error", err)
			conn.Close()
			continue
		}

		c.mu.Lock()
		c.workers = append(c.workers, je)
		n := len(c.workers)
		c.mu.Unlock()
		c.log.Info("worker mounted", "worker_count", n)

		if awaitN == 0 {
			continue
		}
		if n >= awaitN {
			return nil
		}
	}
}

// Submit farms jobs out to idle or under-loaded workers, paging anything
// that does not fit. A nil jobs slice submits only previously paged jobs.
func (c *Coordinator) Submit(jobs []any) error {
	if jobs == nil {
		jobs = []any{}
	} else {
		jobs = append([]any(nil), jobs...)
	}

	// With the handshake disabled every worker is known to share the same
	// codec configuration, so a job is packed once here and the identical
	// wire bytes are broadcast to whichever worker ends up taking it,
	// rather than each worker re-encoding it independently.
	if !c.opts.HandshakeEnabled {
		packed, err := prepackJobs(jobs, c.opts.Compress)
		if err != nil {
			return err
		}
		jobs = packed
	}

	if _, err := c.Retrieve(true); err != nil {
		return err
	}

	c.mu.Lock()
	pagedCount := c.pendingJobs.Len()
	c.mu.Unlock()
	if pagedCount > 0 {
		paged, err := c.loadPagedJobs()
		if err != nil {
			return err
		}
		jobs = append(jobs, paged...)
	}

	// Idle pass: drain the front of the queue against whichever workers are
	// currently idle, re-checking for newly-idle workers after every pass.
	for len(jobs) > 0 {
		c.mu.Lock()
		idle := c.idleWorkersLocked()
		c.mu.Unlock()
		if len(idle) == 0 {
			break
		}
		n := len(idle)
		if n > len(jobs) {
			n = len(jobs)
		}
		for i := 0; i < n; i++ {
			if err := idle[i].Send(jobs[i]); err != nil {
				return fmt.Errorf("coordinator: send job: %w", err)
			}
		}
		jobs = jobs[n:]
		if _, err := c.Retrieve(true); err != nil {
			return err
		}
	}

	if len(jobs) > 0 {
		if err := c.budgetPass(&jobs); err != nil {
			return err
		}
	}

	if len(jobs) > 0 {
		if err := c.pageJobs(jobs); err != nil {
			return err
		}
	}
	return nil
}

// budgetPass sorts workers by descending free space and packs remaining
// jobs into whichever worker currently has room, round-robining a worker
// to the back of the list once it accepts a job so no single worker is
// monopolised.
func (c *Coordinator) budgetPass(jobs *[]any) error {
	c.mu.Lock()
	workers := append([]*endpoint.JournaledEndpoint(nil), c.workers...)
	c.mu.Unlock()
	if len(workers) == 0 {
		return nil
	}
	sortByFreeSpaceDesc(workers)

	remaining := (*jobs)[:0:0]
	for _, job := range *jobs {
		placed := false
		for i, w := range workers {
			size, err := encodedSize(job, c.opts.Compress)
			if err != nil {
				return err
			}
			if size < w.FreeSpace() {
				if err := w.Send(job); err != nil {
					return fmt.Errorf("coordinator: send job: %w", err)
				}
				// Move this worker to the back of the queue so a single
				// roomy worker doesn't take every remaining job.
				workers = append(workers[:i:i], workers[i+1:]...)
				workers = append(workers, w)
				placed = true
				break
			}
		}
		if !placed {
			remaining = append(remaining, job)
		}
	}
	*jobs = remaining
	return nil
}

// prepackJobs encodes each job into a codec.EncodedPayload exactly once.
// Jobs already encoded (paged jobs loaded back with the handshake
// disabled) pass through unchanged.
func prepackJobs(jobs []any, compress bool) ([]any, error) {
	out := make([]any, len(jobs))
	for i, job := range jobs {
		if ep, ok := job.(codec.EncodedPayload); ok {
			out[i] = ep
			continue
		}
		payload, h, err := codec.Encode(job, codec.EncodeOptions{Compress: compress})
		if err != nil {
			return nil, fmt.Errorf("coordinator: prepack job: %w", err)
		}
		out[i] = codec.EncodedPayload{Header: h, Payload: payload}
	}
	return out, nil
}

func sortByFreeSpaceDesc(workers []*endpoint.JournaledEndpoint) {
	sort.Slice(workers, func(i, j int) bool {
		return workers[i].FreeSpace() > workers[j].FreeSpace()
	})
}

func encodedSize(v any, compress bool) (int, error) {
	payload, _, err := codec.Encode(v, codec.EncodeOptions{Compress: compress})
	if err != nil {
		return 0, err
	}
	return endpoint.CmsgSpace(len(payload) + framer.FrameOverhead), nil
}

// retrieveMessageTimeout bounds a single AwaitMessage call in Retrieve's
// inner loop: a worker that writes a partial frame and then stalls
// (network partition, hung process) without closing its socket has this
// deadline fire mid-frame, which surfaces as an incomplete-message error
// and triggers a purge instead of blocking the control loop forever. A
// clean crash is detected earlier by IsAlive and never reaches this call.
const retrieveMessageTimeout = 10 * time.Second

// Retrieve checks every worker for readable data, reads back any complete
// results, and purges any worker found dead or mid-crash. If toPage is
// true the results are appended to the pending-results page store and nil
// is returned; otherwise any previously paged results are included and
// returned directly.
func (c *Coordinator) Retrieve(toPage bool) ([]any, error) {
	var results []any
	if !toPage {
		c.mu.Lock()
		n := c.pendingResults.Len()
		c.mu.Unlock()
		if n > 0 {
			paged, err := c.loadPagedResults()
			if err != nil {
				return nil, err
			}
			results = append(results, paged...)
		}
	}

	c.mu.Lock()
	workers := append([]*endpoint.JournaledEndpoint(nil), c.workers...)
	c.mu.Unlock()

	for _, w := range workers {
		for w.Poll(0) {
			if !w.IsAlive() {
				c.purgeLostWorker(w)
				break
			}
			v, err := w.AwaitMessage(retrieveMessageTimeout)
			if err != nil {
				c.log.Warn("worker send incomplete, purging", "error", err)
				c.purgeLostWorker(w)
				break
			}
			results = append(results, v)
		}
	}

	if toPage {
		if err := c.pageResults(results); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return results, nil
}

// AwaitResults blocks, alternating submit and retrieve passes, until no
// jobs remain paged and every worker has gone idle, then returns every
// result accumulated in the pending-results page store. This flattens the
// reference implementation's mutually-recursive submit/fetch loop into a
// single convergence loop with the same externally observable behaviour.
func (c *Coordinator) AwaitResults(ctx context.Context) ([]any, error) {
	for {
		for {
			c.mu.Lock()
			paged := c.pendingJobs.Len()
			c.mu.Unlock()
			if paged == 0 {
				break
			}
			if err := c.Submit(nil); err != nil {
				return nil, err
			}
			if err := sleepCtx(ctx, c.opts.AwaitInterval); err != nil {
				return nil, err
			}
		}

		for c.anyWorkerBusy() {
			if _, err := c.Retrieve(true); err != nil {
				return nil, err
			}
			if err := sleepCtx(ctx, c.opts.AwaitInterval); err != nil {
				return nil, err
			}
		}

		c.mu.Lock()
		stillPaged := c.pendingJobs.Len()
		c.mu.Unlock()
		if stillPaged == 0 {
			break
		}
	}

	results, err := c.loadPagedResults()
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (c *Coordinator) anyWorkerBusy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, w := range c.workers {
		if !w.Idle() {
			return true
		}
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// purgeLostWorker removes a dead worker from the roster, reassigns its
// outstanding (journaled, never-answered) jobs back to the pending-jobs
// page store, and closes its connection. Callers must not hold c.mu.
func (c *Coordinator) purgeLostWorker(w *endpoint.JournaledEndpoint) {
	c.mu.Lock()
	for i, cand := range c.workers {
		if cand == w {
			c.workers = append(c.workers[:i], c.workers[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	jobs, err := w.JournaledMessages()
	if err != nil {
		c.log.Error("failed to recover journaled jobs from lost worker", "error", err)
	} else if len(jobs) > 0 {
		if err := c.pageJobs(jobs); err != nil {
			c.log.Error("failed to re-page recovered jobs", "error", err)
		}
	}
	w.Kill()

	c.mu.Lock()
	c.lostWorkerCount++
	n := c.lostWorkerCount
	c.mu.Unlock()
	c.log.Warn("worker lost", "lost_worker_count", n)
}

// Disconnect sends every worker the kill command, closes their connections,
// and closes the coordinator's page stores and listener.
func (c *Coordinator) Disconnect() error {
	c.mu.Lock()
	workers := c.workers
	c.workers = nil
	c.mu.Unlock()

	for _, w := range workers {
		w.Kill()
	}
	c.pendingJobs.Close()
	c.pendingResults.Close()
	return c.listener.Close()
}

// Call is the all-in-one entry point: it submits jobs (or, if jobs is nil
// but work is already paged, submits nothing new but still drains paged
// jobs), enforces the worker-loss thresholds, and — unless fetch is false
// — returns whatever results are available without blocking for more.
func (c *Coordinator) Call(jobs []any, fetch bool) ([]any, error) {
	c.mu.Lock()
	paged := c.pendingJobs.Len()
	c.mu.Unlock()

	if jobs != nil || paged > 0 {
		if err := c.Submit(jobs); err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	lost := c.lostWorkerCount
	remaining := len(c.workers)
	c.mu.Unlock()

	if lost > c.opts.MaxWorkerLoss {
		return nil, fmt.Errorf("%w (%d)", ErrMaxWorkerLoss, lost)
	}
	if lost != 0 && remaining == 0 && c.opts.NoWorkerKill {
		return nil, ErrNoWorkersFound
	}

	if !fetch {
		return nil, nil
	}
	return c.Retrieve(false)
}

// pageJobs/pageResults/loadPagedJobs/loadPagedResults marshal values
// through codec before paging them: paging.Store only knows about bytes.

func (c *Coordinator) pageJobs(jobs []any) error {
	return pageAll(c.pendingJobs, jobs, c.opts.Compress)
}

func (c *Coordinator) pageResults(results []any) error {
	return pageAll(c.pendingResults, results, c.opts.Compress)
}

func (c *Coordinator) loadPagedJobs() ([]any, error) {
	// Jobs are the only page store whose entries might have been written
	// pre-encoded (see prepackJobs); results are always decoded, since
	// each worker's result is distinct and was never broadcast.
	return loadAll(c.pendingJobs, !c.opts.HandshakeEnabled)
}

func (c *Coordinator) loadPagedResults() ([]any, error) {
	return loadAll(c.pendingResults, false)
}

func pageAll(store *paging.Store, values []any, compress bool) error {
	for _, v := range values {
		payload, h, err := codec.Encode(v, codec.EncodeOptions{Compress: compress})
		if err != nil {
			return err
		}
		if _, err := store.Append(encodePageEntry(h, payload)); err != nil {
			return err
		}
	}
	return nil
}

func loadAll(store *paging.Store, skipDecode bool) ([]any, error) {
	raw, err := store.LoadAll()
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(raw))
	for _, entry := range raw {
		h, payload, err := decodePageEntry(entry)
		if err != nil {
			return nil, err
		}
		if skipDecode {
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

// encodePageEntry/decodePageEntry persist a frame header's four flag bits
// alongside its payload as a single leading byte, the same scheme
// endpoint's journal uses, so a paged job or result can be decoded again
// after a round trip through the spill file.
func encodePageEntry(h framer.Header, payload []byte) []byte {
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

func decodePageEntry(buf []byte) (framer.Header, []byte, error) {
	if len(buf) < 1 {
		return framer.Header{}, nil, fmt.Errorf("coordinator: malformed page entry")
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
