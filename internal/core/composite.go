package core

import (
	"github.com/yanun0323/logs"

	"omes/internal/order"
	"omes/internal/schema"
)

// composite tracks a limit-then-cancel order: a limit primary followed by a
// cancel of itself once the venue has answered the primary.
type composite struct {
	primary schema.OrdSid
	cancel  schema.OrdSid
	owner   order.Owner
	result  order.Completion
}

func (s *Service) onCompositeCompletion(req *order.Request, c order.Completion) {
	cp, ok := s.composites[c.OrdSid]
	if !ok {
		// The owner was answered already, later completions of the primary are dropped.
		return
	}

	if c.OrdSid != cp.primary {
		s.finishComposite(cp, cp.result)
		return
	}
	if cp.cancel != 0 {
		return
	}
	if c.Type != schema.CompletionOK {
		s.finishComposite(cp, c)
		return
	}

	cp.result = c
	cancel := &order.Request{
		Kind:            order.KindCancel,
		ClientKey:       req.ClientKey,
		OrdSid:          schema.OrdSid(s.ordSids.Next()),
		SecSid:          req.SecSid,
		Side:            req.Side,
		Cancel:          order.CancelOrder{OrigOrdSid: cp.primary},
		ThrottleIndex:   req.ThrottleIndex,
		NoThrottleCheck: true,
		Composite:       true,
		CreatedAt:       s.clock.Now(),
	}
	cp.cancel = cancel.OrdSid
	s.composites[cancel.OrdSid] = cp
	s.mc.PutRequest(cancel)
	s.mc.PutCancel(cp.primary, cancel.OrdSid)
	s.mc.UpdateLatestOrdSid(cancel.OrdSid)
	s.dispatch(cancel)
}

func (s *Service) finishComposite(cp *composite, c order.Completion) {
	delete(s.composites, cp.primary)
	if cp.cancel != 0 {
		delete(s.composites, cp.cancel)
	}
	logs.Infof("composite order done, ord sid: %d, completion: %s", cp.primary, c.Type)
	s.reply(cp.owner, c)
}
