package core

import (
	"context"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"omes/internal/obs"
	"omes/internal/og"
	"omes/internal/order"
	"omes/internal/schema"
)

var ErrInvalidTransition = errors.New("core: invalid lifecycle transition")

// allowed lists the states each state may move to.
var allowed = map[schema.LifecycleState][]schema.LifecycleState{
	schema.LifecycleInit:     {schema.LifecycleWarmup, schema.LifecycleRecovery, schema.LifecycleActive, schema.LifecycleStopped},
	schema.LifecycleWarmup:   {schema.LifecycleReset, schema.LifecycleStopped},
	schema.LifecycleRecovery: {schema.LifecycleActive, schema.LifecycleReset, schema.LifecycleStopped},
	schema.LifecycleActive:   {schema.LifecycleReset, schema.LifecycleStopped},
	schema.LifecycleReset:    {schema.LifecycleWarmup, schema.LifecycleRecovery, schema.LifecycleActive, schema.LifecycleStopped},
}

func canTransition(from, to schema.LifecycleState) bool {
	for _, st := range allowed[from] {
		if st == to {
			return true
		}
	}
	return false
}

// transition applies the service side of a lifecycle change, then asks the
// line handler to follow.
func (s *Service) transition(ctx context.Context, target schema.LifecycleState, reply chan og.TransitionResult) {
	from := s.State()
	if from == target {
		s.finishTransition(og.TransitionResult{State: target}, reply)
		return
	}
	if !canTransition(from, target) {
		s.finishTransition(og.TransitionResult{State: from, Err: errors.Wrapf(ErrInvalidTransition, "from %s to %s", from, target)}, reply)
		return
	}

	switch target {
	case schema.LifecycleWarmup:
		s.executor.Activate()
	case schema.LifecycleRecovery:
		s.manager.SetRecovery(og.NewRecoveryHandler(s.mc, s, s.clock))
		s.executor.Activate()
	case schema.LifecycleActive:
		s.manager.SetRecovery(nil)
		s.ordSids.AdvanceTo(int32(s.mc.LatestOrdSid()))
		s.executor.Activate()
	case schema.LifecycleReset:
		s.reset(ctx)
	case schema.LifecycleStopped:
		s.executor.Deactivate()
	}
	s.setState(target)
	s.lineTransition(target, reply)
}

// lineTransition forwards the line handler result into the control queue
// unless it is already available.
func (s *Service) lineTransition(target schema.LifecycleState, reply chan og.TransitionResult) {
	ch := s.line.Transition(target)
	select {
	case res := <-ch:
		s.finishTransition(res, reply)
	default:
		go func() {
			res := <-ch
			if err := s.controls.TryPublish(control{kind: controlLineResult, result: res, reply: reply}); err != nil {
				logs.Errorf("forward line handler transition result, err: %+v", err)
				if reply != nil {
					reply <- og.TransitionResult{State: res.State, Err: err}
				}
			}
		}()
	}
}

func (s *Service) finishTransition(res og.TransitionResult, reply chan og.TransitionResult) {
	if res.Err != nil {
		logs.Errorf("lifecycle transition failed, state: %s, line handler: %s, err: %+v", s.State(), res.State, res.Err)
	}
	if reply == nil {
		return
	}
	reply <- og.TransitionResult{State: s.State(), Err: res.Err}
}

// evaluateState activates the service once the line handler is active.
func (s *Service) evaluateState(ctx context.Context) {
	st := s.State()
	if st == schema.LifecycleActive || st == schema.LifecycleStopped {
		return
	}
	if s.line.State() != schema.LifecycleActive {
		logs.Infof("line handler is %s, service stays %s", s.line.State(), st)
		return
	}
	s.transition(ctx, schema.LifecycleActive, nil)
}

// reset drops every order, reservation and held request and seeds the
// existing positions again. Requests that never reached the venue are
// answered REJECTED_INTERNALLY before their state is dropped.
func (s *Service) reset(ctx context.Context) {
	unsent := s.outbound.Drain(s.dropOnReset)
	s.executor.Reset(ctx)
	dropped := s.results.Drain(func(res execResult) {
		if res.outcome != obs.ExecutorSent {
			s.dropOnReset(res.req)
		}
	})
	s.exposure.Clear()
	s.mc.Reset()
	s.manager.Reset()
	clear(s.composites)
	s.seedPositions()
	logs.Infof("omes reset, unsent requests: %d, dropped executor outcomes: %d", unsent, dropped)
}

func (s *Service) dropOnReset(req order.Request) {
	c := order.Completion{
		ClientKey:  req.ClientKey,
		OrdSid:     req.OrdSid,
		Type:       schema.CompletionRejectedInternally,
		RejectType: schema.RejectTypeOther,
		Reason:     "service reset",
	}
	if req.Composite {
		if cp, ok := s.composites[req.OrdSid]; ok {
			s.finishComposite(cp, c)
		}
		return
	}
	s.reply(req.Owner, c)
}

// transitionSync requests a transition and processes queued work until the
// result is in. It must not be used while Run is active.
func (s *Service) transitionSync(ctx context.Context, target schema.LifecycleState) error {
	reply := s.Transition(target)
	for {
		s.Poll(ctx)
		select {
		case res := <-reply:
			s.Poll(ctx)
			return res.Err
		default:
		}
		select {
		case res := <-reply:
			s.Poll(ctx)
			return res.Err
		case c := <-s.controls.C():
			s.handleControl(ctx, c)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Start runs the boot sequence on the calling goroutine before Run: an
// optional warmup, then recovery from the line handler, then ACTIVE.
func (s *Service) Start(ctx context.Context) error {
	if s.running.Load() {
		return errors.New("core: start must run before the service loop")
	}
	if s.cfg.Warmup.RoundTrips > 0 {
		if err := s.Warmup(ctx); err != nil {
			return errors.Wrap(err, "warmup")
		}
	}
	if err := s.transitionSync(ctx, schema.LifecycleRecovery); err != nil {
		return errors.Wrap(err, "recovery")
	}
	if err := s.transitionSync(ctx, schema.LifecycleActive); err != nil {
		return errors.Wrap(err, "activate")
	}
	logs.Infof("omes started, latest ord sid: %d, outstanding requests: %d", s.mc.LatestOrdSid(), s.mc.RequestCount())
	return nil
}
