package schedule

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/battlewatch/tracker/internal/batch"
	"github.com/battlewatch/tracker/internal/metrics"
	"github.com/battlewatch/tracker/internal/tracker"
)

// Coordinator operation errors.
var (
	ErrStopped         = errors.New("coordinator is stopped")
	ErrDone            = errors.New("all work is complete")
	ErrDuplicateClient = errors.New("client is already connected")
	ErrUnknownClient   = errors.New("client has no session")
)

// Config controls Coordinator behavior.
type Config struct {
	// LeaseTimeout is how long a batch may stay assigned before it is
	// reclaimed as stale.
	LeaseTimeout time.Duration
}

// Progress is the checkpointable scheduling state: how far the generator has
// advanced, how many batches completed, and the stale queue contents.
// Assigned-batch state is deliberately absent; a restarted process has no
// live connections, so in-flight batches are recovered by re-enumeration or
// not at all.
type Progress struct {
	GeneratorCursor int             `json:"generator_cursor"`
	CompletedCount  int             `json:"completed_count"`
	Stale           []tracker.Batch `json:"stale_queue"`
}

// Stats is a point-in-time view for the debug surface.
type Stats struct {
	Registered     []string
	Connected      []string
	AssignedCount  int
	StaleCount     int
	CompletedCount int
	TotalBatches   int
	Done           bool
}

type lease struct {
	batch    tracker.Batch
	clientID string
	deadline time.Time
	timer    *time.Timer
}

// Coordinator is the scheduling state machine. All state is owned by a single
// goroutine (Run); operations post closures into that loop, so mutual
// exclusion is structural rather than lock-based. Lease timers fire on their
// own goroutines but only post commands back into the loop; whichever of a
// timer expiry and an arriving result the loop observes first wins, and the
// loser is a silent no-op.
type Coordinator struct {
	gen     *batch.Generator
	results tracker.ResultQueue
	policy  *ClientPolicy
	cfg     Config
	logger  *zap.Logger

	cmds    chan func()
	done    chan struct{}
	stopped chan struct{}
	runCtx  context.Context

	registered map[string]struct{}
	sessions   map[string]*Session
	leases     map[uint64]*lease
	stale      []tracker.Batch
	completed  int
	exhausted  bool
	doneFlag   bool
}

// New constructs a Coordinator. The generator, results queue and policy are
// required; a nil logger falls back to a no-op logger.
func New(
	gen *batch.Generator,
	results tracker.ResultQueue,
	policy *ClientPolicy,
	cfg Config,
	logger *zap.Logger,
) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Coordinator{
		gen:        gen,
		results:    results,
		policy:     policy,
		cfg:        cfg,
		logger:     logger,
		cmds:       make(chan func()),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
		registered: make(map[string]struct{}),
		sessions:   make(map[string]*Session),
		leases:     make(map[uint64]*lease),
	}
}

// Restore seeds the coordinator from a recovered Progress. It must be called
// before Run: the generator is fast-forwarded past already-emitted batches
// and the stale queue and completion counter are reinstated.
func (c *Coordinator) Restore(p Progress) {
	c.gen.FastForward(p.GeneratorCursor)
	c.completed = p.CompletedCount
	c.stale = append(c.stale[:0], p.Stale...)
	c.logger.Info("progress restored",
		zap.Int("generator_cursor", p.GeneratorCursor),
		zap.Int("completed", p.CompletedCount),
		zap.Int("stale", len(p.Stale)),
	)
}

// Run executes the event loop until ctx is canceled. All scheduling state is
// mutated exclusively inside this loop.
func (c *Coordinator) Run(ctx context.Context) {
	c.runCtx = ctx
	defer func() {
		for _, l := range c.leases {
			l.timer.Stop()
		}
		for _, s := range c.sessions {
			s.close()
		}
		close(c.stopped)
	}()
	for {
		select {
		case fn := <-c.cmds:
			fn()
		case <-ctx.Done():
			return
		}
	}
}

// Done is closed once the generator is exhausted, the stale queue is empty
// and no batch remains assigned.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// exec runs fn on the loop and waits for it to finish.
func (c *Coordinator) exec(fn func()) error {
	ran := make(chan struct{})
	select {
	case c.cmds <- func() { fn(); close(ran) }:
	case <-c.stopped:
		return ErrStopped
	}
	select {
	case <-ran:
		return nil
	case <-c.stopped:
		select {
		case <-ran:
			return nil
		default:
		}
		return ErrStopped
	}
}

// post queues fn on the loop without waiting. Used by timer callbacks.
func (c *Coordinator) post(fn func()) {
	select {
	case c.cmds <- fn:
	case <-c.stopped:
	}
}

// Preregister records addr as a known client after evaluating the allow and
// deny lists. Connections from addresses that never preregistered are
// rejected at session setup.
func (c *Coordinator) Preregister(addr string) error {
	var admitErr error
	err := c.exec(func() {
		if admitErr = c.policy.Admit(addr); admitErr != nil {
			return
		}
		c.registered[addr] = struct{}{}
	})
	if err != nil {
		return err
	}
	if admitErr != nil {
		c.logger.Info("registration rejected", zap.String("client", addr), zap.Error(admitErr))
	}
	return admitErr
}

// Register creates a session for addr with capacity from the policy table.
func (c *Coordinator) Register(addr string) (*Session, error) {
	var (
		s      *Session
		regErr error
	)
	err := c.exec(func() {
		if c.doneFlag {
			regErr = ErrDone
			return
		}
		if _, ok := c.registered[addr]; !ok {
			regErr = ErrNotRegistered
			return
		}
		if _, ok := c.sessions[addr]; ok {
			regErr = ErrDuplicateClient
			return
		}
		s = &Session{
			id:       addr,
			capacity: c.policy.Capacity(addr),
			assigned: make(map[uint64]struct{}),
			closed:   make(chan struct{}),
		}
		c.sessions[addr] = s
		metrics.SetConnectedClients(len(c.sessions))
	})
	if err != nil {
		return nil, err
	}
	if regErr != nil {
		return nil, regErr
	}
	c.logger.Info("worker joined",
		zap.String("client", addr),
		zap.Int("capacity", s.capacity),
	)
	return s, nil
}

// Disconnect removes the session for addr. Batches still assigned to it are
// intentionally left in place and reclaimed by their normal lease expiry, so
// a quickly reconnecting client does not race its own reassignments.
func (c *Coordinator) Disconnect(addr string) {
	_ = c.exec(func() {
		s, ok := c.sessions[addr]
		if !ok {
			return
		}
		s.close()
		delete(c.sessions, addr)
		metrics.SetConnectedClients(len(c.sessions))
		c.logger.Info("worker disconnected",
			zap.String("client", addr),
			zap.Int("in_flight", len(s.assigned)),
		)
	})
}

// AcquireWork fills addr's assignment up to its capacity, preferring stale
// batches over newly generated ones, and arms a lease timer per batch. An
// empty slice with no error means both sources are exhausted; that condition
// is also the sole trigger for global completion detection.
func (c *Coordinator) AcquireWork(addr string) ([]tracker.Batch, error) {
	var (
		out    []tracker.Batch
		acqErr error
	)
	err := c.exec(func() {
		if c.doneFlag {
			acqErr = ErrDone
			return
		}
		s, ok := c.sessions[addr]
		if !ok {
			acqErr = ErrUnknownClient
			return
		}
		out = c.fill(s)
	})
	if err != nil {
		return nil, err
	}
	return out, acqErr
}

// fill hands batches to s until it is at capacity or work runs out.
// Loop context only.
func (c *Coordinator) fill(s *Session) []tracker.Batch {
	var out []tracker.Batch
	for len(s.assigned) < s.capacity {
		b, ok := c.nextBatch()
		if !ok {
			if c.exhausted && len(c.stale) == 0 && len(c.leases) == 0 {
				c.finish()
			}
			break
		}
		c.startLease(s, b)
		out = append(out, b)
	}
	return out
}

// nextBatch pops the most recently expired stale batch, falling back to the
// generator until it runs dry. Loop context only.
func (c *Coordinator) nextBatch() (tracker.Batch, bool) {
	if n := len(c.stale); n > 0 {
		// Stack discipline: most recently expired goes out first.
		b := c.stale[n-1]
		c.stale = c.stale[:n-1]
		metrics.SetStaleDepth(len(c.stale))
		return b, true
	}
	if c.exhausted {
		return tracker.Batch{}, false
	}
	b, ok := c.gen.Next()
	if !ok {
		c.exhausted = true
	}
	return b, ok
}

// startLease marks b assigned to s and arms its expiry timer. Loop context
// only.
func (c *Coordinator) startLease(s *Session, b tracker.Batch) {
	l := &lease{
		batch:    b,
		clientID: s.id,
		deadline: time.Now().Add(c.cfg.LeaseTimeout),
	}
	id := b.ID
	l.timer = time.AfterFunc(c.cfg.LeaseTimeout, func() {
		c.post(func() { c.expire(id) })
	})
	c.leases[id] = l
	s.assigned[id] = struct{}{}
	metrics.ObserveAssigned(string(b.Realm))
	metrics.SetAssignedCount(len(c.leases))
}

// expire moves a still-assigned batch to the stale queue. If the batch is no
// longer assigned the result beat the timer and this is a no-op. Loop context
// only.
func (c *Coordinator) expire(batchID uint64) {
	l, ok := c.leases[batchID]
	if !ok {
		return
	}
	delete(c.leases, batchID)
	if s, ok := c.sessions[l.clientID]; ok {
		delete(s.assigned, batchID)
	}
	c.stale = append(c.stale, l.batch)
	metrics.ObserveLeaseExpired()
	metrics.SetAssignedCount(len(c.leases))
	metrics.SetStaleDepth(len(c.stale))
	c.logger.Warn("lease expired",
		zap.Uint64("batch_id", batchID),
		zap.String("client", l.clientID),
	)
}

// Report validates that res.BatchID is currently assigned to addr. On success
// the lease timer is canceled, the batch completes and the payload is queued
// for ingestion. Results for unknown, stale or foreign batches are dropped
// and reported as not accepted; duplicates are expected under at-least-once
// delivery.
func (c *Coordinator) Report(addr string, res tracker.Result) (bool, error) {
	accepted := false
	err := c.exec(func() {
		l, ok := c.leases[res.BatchID]
		if !ok || l.clientID != addr {
			metrics.ObserveResultRejected()
			c.logger.Debug("result dropped",
				zap.Uint64("batch_id", res.BatchID),
				zap.String("client", addr),
			)
			return
		}
		l.timer.Stop()
		delete(c.leases, res.BatchID)
		if s, ok := c.sessions[addr]; ok {
			delete(s.assigned, res.BatchID)
		}
		c.completed++
		accepted = true
		metrics.ObserveCompleted(string(res.Realm))
		metrics.SetAssignedCount(len(c.leases))

		// The enqueue happens off-loop so a full results queue applies
		// backpressure to ingestion, never to scheduling.
		runCtx := c.runCtx
		go func(r tracker.Result) {
			if err := c.results.Enqueue(runCtx, r); err != nil {
				c.logger.Error("results enqueue failed",
					zap.Uint64("batch_id", r.BatchID),
					zap.Error(err),
				)
			}
		}(res)
	})
	if err != nil {
		return false, err
	}
	return accepted, nil
}

// finish flags global completion and tells every session to shut down.
// Loop context only.
func (c *Coordinator) finish() {
	if c.doneFlag {
		return
	}
	c.doneFlag = true
	close(c.done)
	for _, s := range c.sessions {
		s.close()
	}
	c.logger.Info("work done", zap.Int("completed", c.completed))
}

// Progress exports the checkpointable state.
func (c *Coordinator) Progress() (Progress, error) {
	var p Progress
	err := c.exec(func() {
		p = Progress{
			GeneratorCursor: c.gen.Emitted(),
			CompletedCount:  c.completed,
			Stale:           append([]tracker.Batch(nil), c.stale...),
		}
	})
	return p, err
}

// Stats exports a debug view.
func (c *Coordinator) Stats() (Stats, error) {
	var st Stats
	err := c.exec(func() {
		st = Stats{
			AssignedCount:  len(c.leases),
			StaleCount:     len(c.stale),
			CompletedCount: c.completed,
			TotalBatches:   c.gen.TotalCount(),
			Done:           c.doneFlag,
		}
		for addr := range c.registered {
			st.Registered = append(st.Registered, addr)
		}
		for addr := range c.sessions {
			st.Connected = append(st.Connected, addr)
		}
	})
	sort.Strings(st.Registered)
	sort.Strings(st.Connected)
	return st, err
}
