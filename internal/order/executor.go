package order

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"omes/internal/bus"
	"omes/internal/clock"
	"omes/internal/obs"
	"omes/internal/throttle"
)

var (
	ErrExecutorInactive     = errors.New("order: executor is not active")
	ErrExecutorReset        = errors.New("order: executor was reset")
	ErrInvalidThrottleIndex = errors.New("order: invalid throttle index")
)

// Sender forwards admitted requests to the venue.
type Sender interface {
	Send(ctx context.Context, req Request) error
}

// CompletionHandler receives exactly one outcome per request.
type CompletionHandler interface {
	Timeout(req Request)
	TimeoutAfterThrottled(req Request)
	Throttled(req Request)
	SentToExchange(req Request, at time.Time)
	Fail(req Request, err error)
}

// ExecutorConfig sizes an Executor.
type ExecutorConfig struct {
	MaxBatchOrders int
}

type action struct {
	outcome obs.ExecutorOutcome
	req     Request
	err     error
}

// Executor drains the request queue, applies throttle admission and batching
// and forwards admitted requests to the venue. One goroutine runs it.
type Executor struct {
	queue      *bus.Queue[Request]
	trackers   []*throttle.Tracker
	capacities []int
	sender     Sender
	handler    CompletionHandler
	clock      clock.Clock
	metrics    *obs.Metrics
	maxBatch   int

	active  atomic.Bool
	running atomic.Bool
	resets  chan chan struct{}

	inbox   []Request
	held    []Request
	blocked []bool
	batch   []action

	currentBatchOrderSize  int
	currentBatchActionSize int
}

// NewExecutor creates an inactive executor over the given trackers.
func NewExecutor(cfg ExecutorConfig, queue *bus.Queue[Request], trackers []*throttle.Tracker, sender Sender, handler CompletionHandler, clk clock.Clock, metrics *obs.Metrics) (*Executor, error) {
	if queue == nil || sender == nil || handler == nil {
		return nil, errors.New("order: executor needs a queue, a sender and a completion handler")
	}
	if len(trackers) == 0 {
		return nil, errors.New("order: executor needs at least one throttle tracker")
	}
	if cfg.MaxBatchOrders <= 0 {
		cfg.MaxBatchOrders = 1
	}
	if clk == nil {
		clk = clock.System{}
	}
	capacities := make([]int, len(trackers))
	for i, tr := range trackers {
		if tr == nil {
			return nil, errors.Wrapf(ErrInvalidThrottleIndex, "tracker %d is nil", i)
		}
		capacities[i] = tr.Capacity()
	}
	return &Executor{
		queue:      queue,
		trackers:   trackers,
		capacities: capacities,
		sender:     sender,
		handler:    handler,
		clock:      clk,
		metrics:    metrics,
		maxBatch:   cfg.MaxBatchOrders,
		resets:     make(chan chan struct{}),
		blocked:    make([]bool, len(trackers)),
		batch:      make([]action, 0, cfg.MaxBatchOrders),
	}, nil
}

// Activate lets requests through to the venue.
func (e *Executor) Activate() {
	e.active.Store(true)
}

// Deactivate makes every request fail with ErrExecutorInactive.
func (e *Executor) Deactivate() {
	e.active.Store(false)
}

// Active reports whether requests are forwarded.
func (e *Executor) Active() bool {
	return e.active.Load()
}

// Tracker returns a throttle tracker by index.
func (e *Executor) Tracker(idx int) *throttle.Tracker {
	if idx < 0 || idx >= len(e.trackers) {
		return nil
	}
	return e.trackers[idx]
}

// NumTrackers returns the number of throttle trackers.
func (e *Executor) NumTrackers() int {
	return len(e.trackers)
}

// Held returns the number of requests waiting for a throttle.
func (e *Executor) Held() int {
	return len(e.held)
}

// CurrentBatchOrderSize is the number of requests sent in the open batch.
func (e *Executor) CurrentBatchOrderSize() int {
	return e.currentBatchOrderSize
}

// CurrentBatchActionSize is the number of outcomes waiting in the open batch.
func (e *Executor) CurrentBatchActionSize() int {
	return e.currentBatchActionSize
}

// ConsumeAll runs one cycle: requests held from earlier cycles first, in
// arrival order, then every queued request. Each request ends in one outcome
// or is held again.
func (e *Executor) ConsumeAll(ctx context.Context) {
	now := e.clock.Now()
	clear(e.blocked)

	held := e.held
	e.held = nil
	for _, req := range held {
		e.process(ctx, req, now)
	}
	inbox := e.inbox
	e.inbox = e.inbox[:0]
	for _, req := range inbox {
		e.process(ctx, req, now)
	}
	e.queue.Drain(func(req Request) {
		e.process(ctx, req, now)
	})
	e.flush(ctx)
}

func (e *Executor) process(ctx context.Context, req Request, now time.Time) {
	if !e.active.Load() {
		e.add(ctx, action{outcome: obs.ExecutorFailed, req: req, err: ErrExecutorInactive})
		return
	}
	if req.Expired(now) {
		if req.throttled {
			e.add(ctx, action{outcome: obs.ExecutorTimeoutAfterThrottled, req: req})
		} else {
			e.add(ctx, action{outcome: obs.ExecutorTimeout, req: req})
		}
		return
	}
	if req.NoThrottleCheck {
		e.add(ctx, action{outcome: obs.ExecutorSent, req: req})
		return
	}

	idx := req.ThrottleIndex
	if idx < 0 || idx >= len(e.trackers) {
		logs.Errorf("invalid throttle index, ord sid: %d, index: %d", req.OrdSid, idx)
		e.add(ctx, action{outcome: obs.ExecutorFailed, req: req, err: ErrInvalidThrottleIndex})
		return
	}
	if e.blocked[idx] {
		e.hold(req, idx)
		return
	}

	tr := e.trackers[idx]
	n := req.Throttles()
	if tr.AcquireN(n) {
		e.add(ctx, action{outcome: obs.ExecutorSent, req: req})
		return
	}

	next, ok := tr.NextAvailable(n)
	switch {
	case !req.Retry || !ok:
		e.add(ctx, action{outcome: obs.ExecutorThrottled, req: req})
	case !req.TimeoutAt.IsZero() && req.TimeoutAt.Before(next):
		e.add(ctx, action{outcome: obs.ExecutorTimeoutAfterThrottled, req: req})
	default:
		e.hold(req, idx)
	}
}

func (e *Executor) hold(req Request, idx int) {
	req.throttled = true
	e.blocked[idx] = true
	e.held = append(e.held, req)
	e.metrics.IncExecutor(obs.ExecutorHeld)
}

func (e *Executor) add(ctx context.Context, a action) {
	e.batch = append(e.batch, a)
	e.currentBatchActionSize++
	if a.outcome == obs.ExecutorSent {
		e.currentBatchOrderSize++
		if e.currentBatchOrderSize >= e.maxBatch {
			e.flush(ctx)
		}
	}
}

// flush sends the batched requests, then reports every outcome in order.
// A send error turns that request's outcome into a failure.
func (e *Executor) flush(ctx context.Context) {
	if len(e.batch) == 0 {
		return
	}
	for i := range e.batch {
		a := &e.batch[i]
		if a.outcome != obs.ExecutorSent {
			continue
		}
		if err := e.sender.Send(ctx, a.req); err != nil {
			logs.Errorf("failed to send order request, ord sid: %d, kind: %s, err: %+v", a.req.OrdSid, a.req.Kind, err)
			a.outcome = obs.ExecutorFailed
			a.err = err
		}
	}

	at := e.clock.Now()
	for _, a := range e.batch {
		e.metrics.IncExecutor(a.outcome)
		switch a.outcome {
		case obs.ExecutorSent:
			e.handler.SentToExchange(a.req, at)
		case obs.ExecutorTimeout:
			e.handler.Timeout(a.req)
		case obs.ExecutorTimeoutAfterThrottled:
			e.handler.TimeoutAfterThrottled(a.req)
		case obs.ExecutorThrottled:
			e.handler.Throttled(a.req)
		default:
			e.handler.Fail(a.req, a.err)
		}
	}
	clear(e.batch)
	e.batch = e.batch[:0]
	e.currentBatchOrderSize = 0
	e.currentBatchActionSize = 0
}

// nextWake returns when a held request can make progress: the earliest of the
// next throttle availability and the held deadlines.
func (e *Executor) nextWake() (time.Time, bool) {
	var (
		wake  time.Time
		found bool
		seen  = make([]bool, len(e.trackers))
	)
	earlier := func(t time.Time) {
		if !found || t.Before(wake) {
			wake = t
			found = true
		}
	}
	for _, req := range e.held {
		if !req.TimeoutAt.IsZero() {
			earlier(req.TimeoutAt)
		}
		if seen[req.ThrottleIndex] {
			continue
		}
		seen[req.ThrottleIndex] = true
		if next, ok := e.trackers[req.ThrottleIndex].NextAvailable(req.Throttles()); ok {
			earlier(next)
		}
	}
	return wake, found
}

// Run drives the executor until ctx is done or the queue is closed. Between
// cycles it sleeps on the clock until a held request can make progress.
func (e *Executor) Run(ctx context.Context) {
	if e.running.Swap(true) {
		return
	}
	defer e.running.Store(false)

	for {
		e.ConsumeAll(ctx)

		var wake <-chan time.Time
		if at, ok := e.nextWake(); ok {
			wake = e.clock.After(at.Sub(e.clock.Now()))
		}

		select {
		case <-ctx.Done():
			return
		case req, ok := <-e.queue.C():
			if !ok {
				return
			}
			e.inbox = append(e.inbox, req)
		case <-wake:
		case done := <-e.resets:
			e.reset()
			close(done)
		}
	}
}

// Reset restores every tracker to its configured capacity and fails held
// requests with ErrExecutorReset. When Run is active the reset happens on its
// goroutine and Reset waits for it.
func (e *Executor) Reset(ctx context.Context) {
	if !e.running.Load() {
		e.reset()
		return
	}
	done := make(chan struct{})
	select {
	case e.resets <- done:
	case <-ctx.Done():
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (e *Executor) reset() {
	pending := append(e.held, e.inbox...)
	e.held = nil
	e.inbox = e.inbox[:0]
	for _, req := range pending {
		e.metrics.IncExecutor(obs.ExecutorFailed)
		e.handler.Fail(req, ErrExecutorReset)
	}
	for i, tr := range e.trackers {
		if err := tr.Resize(e.capacities[i]); err != nil {
			logs.Errorf("reset throttle tracker %d, err: %+v", i, err)
		}
	}
	e.currentBatchOrderSize = 0
	e.currentBatchActionSize = 0
	logs.Infof("order executor reset, failed %d pending requests", len(pending))
}

// IsClear reports whether nothing is held and every tracker has its configured capacity.
func (e *Executor) IsClear() bool {
	if len(e.held) != 0 || len(e.inbox) != 0 {
		return false
	}
	for i, tr := range e.trackers {
		if tr.Capacity() != e.capacities[i] {
			return false
		}
	}
	return true
}
