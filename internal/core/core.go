/*
Core implements the order management and execution service.

# Module
  - request pipeline: validates new, cancel and amend requests against the risk books and purchasing power
  - order executor: throttles, batches and forwards admitted requests to the line handler
  - context manager: turns venue reports into order state, completions and updates
  - reconciliation: applies updates back into exposure and position

# Source
 1. service requests from Submit
 2. venue reports from the line handler
 3. executor outcomes

# Produce
  - completions to request owners
  - order and trade updates to subscribers

# Threading
  - Run is the only goroutine touching the management context, the books and the exposure
  - the executor runs on its own goroutine and talks back through a queue
*/
package core

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"omes/internal/bus"
	"omes/internal/clock"
	"omes/internal/obs"
	"omes/internal/og"
	"omes/internal/order"
	"omes/internal/risk"
	"omes/internal/schema"
	"omes/internal/throttle"
)

// LineHandler is the venue adapter.
type LineHandler interface {
	order.Sender
	Transition(target schema.LifecycleState) <-chan og.TransitionResult
	State() schema.LifecycleState
	IsClear() bool
}

// Config sizes a Service.
type Config struct {
	Context  order.ContextConfig
	Executor order.ExecutorConfig

	// NumThrottles is the number of order throttle trackers, each with
	// ThrottlesPerWindow slots over ThrottleWindow.
	NumThrottles       int
	ThrottlesPerWindow int
	ThrottleWindow     time.Duration

	InitialPurchasingPower schema.Notional
	// RequestTimeout is the default deadline to reach the venue. Zero means none.
	RequestTimeout time.Duration
	// AvoidMultiCancel answers a second cancel of the same order with
	// ALREADY_IN_PENDING_CANCEL.
	AvoidMultiCancel bool
	QueueSize        int

	ExistingPositions map[schema.SecSid]schema.Quantity
	// LatestOrdSid and LatestTradeSid carry the watermarks of a previous
	// session. New sids start above them.
	LatestOrdSid   schema.OrdSid
	LatestTradeSid schema.TradeSid

	Warmup WarmupConfig
}

// Service is the order management and execution service.
type Service struct {
	cfg      Config
	registry *schema.Registry
	line     LineHandler
	clock    clock.Clock
	metrics  *obs.Metrics

	mc         *order.ManagementContext
	exposure   *risk.Exposure
	executor   *order.Executor
	manager    *og.ContextManager
	ordSids    *obs.SidGenerator
	tradeSids  *obs.SidGenerator
	composites map[schema.OrdSid]*composite

	requests *bus.Queue[Request]
	reports  *bus.Queue[og.Report]
	results  *bus.Queue[execResult]
	controls *bus.Queue[control]
	outbound *bus.Queue[order.Request]

	state   atomic.Uint32
	running atomic.Bool
	view    atomic.Pointer[View]
}

// View is a summary of the service refreshed after every handled item. It is
// safe to read from any goroutine.
type View struct {
	PurchasingPower     schema.Notional
	OutstandingRequests int
	LatestOrdSid        schema.OrdSid
	LatestTradeSid      schema.TradeSid
}

// New wires a service in the INIT state.
func New(cfg Config, registry *schema.Registry, line LineHandler, clk clock.Clock, metrics *obs.Metrics) (*Service, error) {
	if line == nil {
		return nil, errors.New("core: line handler is required")
	}
	if clk == nil {
		clk = clock.System{}
	}
	if registry == nil {
		registry = schema.NewRegistry()
	}
	if metrics == nil {
		metrics = obs.NewMetrics()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 4096
	}
	if cfg.NumThrottles <= 0 {
		cfg.NumThrottles = 1
	}

	mc, err := order.NewManagementContext(cfg.Context, registry, clk)
	if err != nil {
		return nil, errors.Wrap(err, "create management context")
	}
	trackers := make([]*throttle.Tracker, cfg.NumThrottles)
	for i := range trackers {
		tr, err := throttle.NewTracker(cfg.ThrottlesPerWindow, cfg.ThrottleWindow, clk)
		if err != nil {
			return nil, errors.Wrapf(err, "create throttle tracker %d", i)
		}
		trackers[i] = tr
	}

	s := &Service{
		cfg:        cfg,
		registry:   registry,
		line:       line,
		clock:      clk,
		metrics:    metrics,
		mc:         mc,
		exposure:   risk.NewExposure(cfg.InitialPurchasingPower),
		ordSids:    obs.NewSidGenerator(int32(cfg.LatestOrdSid)),
		tradeSids:  obs.NewSidGenerator(int32(cfg.LatestTradeSid)),
		composites: make(map[schema.OrdSid]*composite),
		requests:   bus.NewQueue[Request](cfg.QueueSize),
		reports:    bus.NewQueue[og.Report](cfg.QueueSize),
		results:    bus.NewQueue[execResult](cfg.QueueSize),
		controls:   bus.NewQueue[control](cfg.QueueSize),
		outbound:   bus.NewQueue[order.Request](cfg.QueueSize),
	}
	s.executor, err = order.NewExecutor(cfg.Executor, s.outbound, trackers, line, executorSink{s}, clk, metrics)
	if err != nil {
		return nil, errors.Wrap(err, "create order executor")
	}
	s.manager = og.NewContextManager(mc, s, s, s.tradeSids, clk, metrics)
	mc.UpdateLatestOrdSid(cfg.LatestOrdSid)
	s.seedPositions()
	s.state.Store(uint32(schema.LifecycleInit))
	s.refreshView()
	return s, nil
}

// State returns the lifecycle state.
func (s *Service) State() schema.LifecycleState {
	return schema.LifecycleState(s.state.Load())
}

func (s *Service) setState(st schema.LifecycleState) {
	prev := s.State()
	s.state.Store(uint32(st))
	if prev != st {
		logs.Infof("omes state changed, from: %s, to: %s", prev, st)
	}
}

// Metrics returns the service metrics.
func (s *Service) Metrics() *obs.Metrics {
	return s.metrics
}

// Submit enqueues a request without blocking.
func (s *Service) Submit(req Request) error {
	return s.publish(s.requests.TryPublish(req), "request")
}

// OnReport enqueues a venue report without blocking.
func (s *Service) OnReport(r og.Report) error {
	return s.publish(s.reports.TryPublish(r), "report")
}

// Command enqueues an operator command.
func (s *Service) Command(cmd Command) error {
	return s.publish(s.controls.TryPublish(control{kind: controlCommand, command: cmd}), "command")
}

// Transition asks the service to move to target. The result arrives once the
// line handler has answered.
func (s *Service) Transition(target schema.LifecycleState) <-chan og.TransitionResult {
	reply := make(chan og.TransitionResult, 1)
	if err := s.publish(s.controls.TryPublish(control{kind: controlTransition, target: target, reply: reply}), "transition"); err != nil {
		reply <- og.TransitionResult{State: s.State(), Err: err}
	}
	return reply
}

func (s *Service) publish(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, bus.ErrQueueClosed):
		s.metrics.IncQueueClosed()
	default:
		s.metrics.IncQueueDrop()
	}
	logs.Errorf("enqueue %s, err: %+v", what, err)
	return err
}

// Run starts the executor goroutine and processes queued work until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	if s.running.Swap(true) {
		return errors.New("core: service is already running")
	}
	defer s.running.Store(false)

	go s.executor.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case r, ok := <-s.reports.C():
			if !ok {
				return nil
			}
			s.handleReport(r)
		case res, ok := <-s.results.C():
			if !ok {
				return nil
			}
			s.handleResult(res)
		case req, ok := <-s.requests.C():
			if !ok {
				return nil
			}
			s.handleRequest(req)
		case c, ok := <-s.controls.C():
			if !ok {
				return nil
			}
			s.reports.Drain(s.handleReport)
			s.handleControl(ctx, c)
		}
		s.refreshView()
	}
}

// Poll processes queued work on the calling goroutine until every queue is
// empty, running an executor cycle whenever nothing else is left. Reports are
// always drained before controls and requests. It returns the number of items
// handled and must not be used while Run is active.
func (s *Service) Poll(ctx context.Context) int {
	total := 0
	for {
		n := s.reports.Drain(s.handleReport)
		n += s.results.Drain(s.handleResult)
		if n == 0 {
			n = s.controls.Drain(func(c control) { s.handleControl(ctx, c) })
		}
		if n == 0 {
			n = s.requests.Drain(s.handleRequest)
		}
		if n == 0 {
			s.executor.ConsumeAll(ctx)
			if s.idle() {
				s.refreshView()
				return total
			}
			continue
		}
		total += n
	}
}

func (s *Service) idle() bool {
	return s.reports.Len() == 0 && s.results.Len() == 0 && s.controls.Len() == 0 && s.requests.Len() == 0
}

func (s *Service) handleReport(r og.Report) {
	if !s.State().Processing() {
		logs.Errorf("drop report in state %s, ord sid: %d", s.State(), og.ReportOrdSid(r))
		return
	}
	s.manager.Handle(r)
}

func (s *Service) handleRequest(req Request) {
	switch req.Type {
	case RequestNewOrder:
		s.handleNewOrder(req)
	case RequestCancelOrder:
		s.handleCancel(req)
	case RequestAmendOrder:
		s.handleAmend(req)
	case RequestSubscribe:
		s.handleSubscribe(req)
	case RequestUnsubscribe:
		s.handleUnsubscribe(req)
	case RequestGet:
		s.handleGet(req)
	case RequestUpdate:
		s.handleUpdate(req)
	default:
		s.reply(req.Owner, order.Completion{
			ClientKey:  req.ClientKey,
			Type:       schema.CompletionRejected,
			RejectType: schema.RejectTypeInvalidRequest,
			Reason:     "unknown request type",
		})
	}
}

func (s *Service) handleControl(ctx context.Context, c control) {
	switch c.kind {
	case controlCommand:
		if c.command == CommandEvaluateState {
			s.evaluateState(ctx)
		}
	case controlTransition:
		s.transition(ctx, c.target, c.reply)
	case controlLineResult:
		s.finishTransition(c.result, c.reply)
	}
}

// reply sends a completion to its owner and counts it.
func (s *Service) reply(owner order.Owner, c order.Completion) {
	s.metrics.IncCompletion(c.Type)
	if c.RejectType != schema.RejectTypeNone {
		s.metrics.IncReject(c.RejectType)
	}
	if owner == nil {
		return
	}
	owner.OnCompletion(c)
}

func (s *Service) seedPositions() {
	for sid, qty := range s.cfg.ExistingPositions {
		s.mc.SecurityLevelInfo(sid).Book.AddExistingPosition(qty)
	}
}

// View returns the latest published summary.
func (s *Service) View() View {
	return *s.view.Load()
}

func (s *Service) refreshView() {
	s.view.Store(&View{
		PurchasingPower:     s.exposure.PurchasingPower(),
		OutstandingRequests: s.mc.RequestCount(),
		LatestOrdSid:        s.mc.LatestOrdSid(),
		LatestTradeSid:      schema.TradeSid(s.tradeSids.Peek()),
	})
}

// PurchasingPower returns the current purchasing power. Only safe when Run is not active.
func (s *Service) PurchasingPower() schema.Notional {
	return s.exposure.PurchasingPower()
}

// Book returns the validation book of a security. Only safe when Run is not active.
func (s *Service) Book(secSid schema.SecSid) *risk.ValidationOrderBook {
	return s.mc.SecurityLevelInfo(secSid).Book
}

// OutstandingRequests returns the number of outstanding requests. Only safe when Run is not active.
func (s *Service) OutstandingRequests() int {
	return s.mc.RequestCount()
}

// IsClear reports whether no order, reservation or held request is left.
func (s *Service) IsClear() bool {
	return s.mc.IsClear() && s.exposure.IsClear() && s.manager.IsClear() &&
		s.executor.IsClear() && len(s.composites) == 0
}

// executorSink hands executor outcomes to the orchestration goroutine.
type executorSink struct {
	s *Service
}

func (e executorSink) push(o obs.ExecutorOutcome, req order.Request, at time.Time, err error) {
	if perr := e.s.results.TryPublish(execResult{outcome: o, req: req, at: at, err: err}); perr != nil {
		e.s.metrics.IncQueueDrop()
		logs.Errorf("lost executor outcome %s, ord sid: %d, err: %+v", o, req.OrdSid, perr)
	}
}

func (e executorSink) Timeout(req order.Request) {
	e.push(obs.ExecutorTimeout, req, time.Time{}, nil)
}

func (e executorSink) TimeoutAfterThrottled(req order.Request) {
	e.push(obs.ExecutorTimeoutAfterThrottled, req, time.Time{}, nil)
}

func (e executorSink) Throttled(req order.Request) {
	e.push(obs.ExecutorThrottled, req, time.Time{}, nil)
}

func (e executorSink) SentToExchange(req order.Request, at time.Time) {
	e.push(obs.ExecutorSent, req, at, nil)
}

func (e executorSink) Fail(req order.Request, err error) {
	e.push(obs.ExecutorFailed, req, time.Time{}, err)
}
