package core

import (
	"math"

	"github.com/shopspring/decimal"

	"omes/internal/obs"
	"omes/internal/order"
	"omes/internal/schema"
)

// purchasingPowerShift converts dollars to stored purchasing power units.
const purchasingPowerShift = 3

var maxNotional = decimal.NewFromInt(math.MaxInt64)

func (s *Service) reject(req Request, ct schema.CompletionType, rt schema.RejectType, reason string) {
	s.reply(req.Owner, order.Completion{ClientKey: req.ClientKey, Type: ct, RejectType: rt, Reason: reason})
}

// validateNewOrder returns the structural reject type of a new order.
func (s *Service) validateNewOrder(n *order.NewOrder) schema.RejectType {
	if n.Quantity <= 0 || n.LimitPrice <= 0 {
		return schema.RejectTypeInvalidRequest
	}
	if n.Side != schema.OrderSideBuy && n.Side != schema.OrderSideSell {
		return schema.RejectTypeInvalidRequest
	}
	switch n.Type {
	case schema.OrderTypeLimit, schema.OrderTypeMarket, schema.OrderTypeEnhancedLimit, schema.OrderTypeLimitThenCancel:
	default:
		return schema.RejectTypeInvalidRequest
	}
	if n.TimeInForce == schema.TimeInForceUnknown {
		n.TimeInForce = schema.TimeInForceDay
	}
	if s.registry.Count() > 0 {
		if _, ok := s.registry.Security(n.SecSid); !ok {
			return schema.RejectTypeInvalidRequest
		}
	}
	return schema.RejectTypeNone
}

func (s *Service) handleNewOrder(r Request) {
	start := s.clock.Now()
	n := r.NewOrder
	if rt := s.validateNewOrder(&n); rt != schema.RejectTypeNone {
		s.reject(r, schema.CompletionRejected, rt, "invalid new order")
		return
	}
	if !s.State().Processing() {
		s.reject(r, schema.CompletionRejectedInternally, schema.RejectTypeOther, "service is "+s.State().String())
		return
	}

	info := s.mc.SecurityLevelInfo(n.SecSid)
	book := info.Book
	switch n.Side {
	case schema.OrderSideBuy:
		if info.UnderlyingThrottle != nil && !info.UnderlyingThrottle.Acquire() {
			s.reject(r, schema.CompletionRejectedInternally, schema.RejectTypeExceedUnderlyingThrottle, "")
			return
		}
		notional, overflow := schema.MulNotional(n.LimitPrice, n.Quantity)
		if overflow || !s.exposure.OkToBuy(notional) {
			s.reject(r, schema.CompletionRejected, schema.RejectTypeExceedPurchasingPower, "")
			return
		}
		if rt := book.IsNewBuyOrderOk(n.LimitPrice, n.Quantity); rt != schema.RejectTypeNone {
			s.reject(r, schema.CompletionRejected, rt, "")
			return
		}
		s.exposure.DecPurchasingPower(notional)
		book.NewBuyOrder(n.LimitPrice)
	case schema.OrderSideSell:
		if rt := book.IsNewSellOrderOk(n.LimitPrice, n.Quantity); rt != schema.RejectTypeNone {
			s.reject(r, schema.CompletionRejected, rt, "")
			return
		}
		book.NewSellOrder(n.LimitPrice, n.Quantity)
	}
	s.metrics.ObserveValidation(s.clock.Now().Sub(start))

	req := s.newRequest(r, order.KindNew, n.SecSid, n.Side)
	req.New = n
	req.ThrottleIndex = s.throttleIndex(n.SecSid)
	if n.Type == schema.OrderTypeLimitThenCancel {
		req.New.Type = schema.OrderTypeLimit
		req.ThrottlesRequired = 2
		req.Composite = true
		s.composites[req.OrdSid] = &composite{primary: req.OrdSid, owner: r.Owner}
	}
	s.admit(req)
}

func (s *Service) handleCancel(r Request) {
	if !s.State().Processing() {
		s.reject(r, schema.CompletionRejectedInternally, schema.RejectTypeOther, "service is "+s.State().String())
		return
	}
	orig := r.Cancel.OrigOrdSid
	if s.cfg.AvoidMultiCancel {
		if _, ok := s.mc.CancelOrdSid(orig); ok {
			s.reject(r, schema.CompletionAlreadyInPendingCancel, schema.RejectTypeOther, "")
			return
		}
	}
	target, ok := s.mc.Request(orig)
	if !ok || target.Kind != order.KindNew {
		if s.cfg.AvoidMultiCancel {
			s.reject(r, schema.CompletionRejected, schema.RejectTypeUnknownOrder, "")
		} else {
			s.reject(r, schema.CompletionRejectedInternally, schema.RejectTypeUnknownOrder, "")
		}
		return
	}

	req := s.newRequest(r, order.KindCancel, target.SecSid, target.Side)
	req.Cancel = order.CancelOrder{OrigOrdSid: orig}
	req.ThrottleIndex = target.ThrottleIndex
	req.NoThrottleCheck = true
	s.mc.PutCancel(orig, req.OrdSid)
	s.admit(req)
}

func (s *Service) handleAmend(r Request) {
	if !s.State().Processing() {
		s.reject(r, schema.CompletionRejectedInternally, schema.RejectTypeOther, "service is "+s.State().String())
		return
	}
	orig := r.Amend.OrigOrdSid
	if _, ok := s.mc.AmendOrdSid(orig); ok {
		s.reject(r, schema.CompletionAlreadyInPendingAmend, schema.RejectTypeOther, "")
		return
	}
	target, ok := s.mc.Request(orig)
	if !ok || target.Kind != order.KindNew {
		s.reject(r, schema.CompletionRejected, schema.RejectTypeUnknownOrder, "")
		return
	}

	qty := r.Amend.Quantity
	valid := !target.Composite &&
		(r.Amend.LimitPrice == 0 || r.Amend.LimitPrice == target.New.LimitPrice) &&
		qty > 0 && qty < target.New.Quantity
	if c, ok := s.manager.Context(orig); ok && qty <= c.Order().CumQty {
		valid = false
	}
	if !valid {
		s.reject(r, schema.CompletionRejectedInternally, schema.RejectTypeInvalidAmend, "")
		return
	}

	req := s.newRequest(r, order.KindAmend, target.SecSid, target.Side)
	req.Amend = order.AmendOrder{OrigOrdSid: orig, Quantity: qty, LimitPrice: target.New.LimitPrice}
	req.ThrottleIndex = target.ThrottleIndex
	s.mc.PutAmend(orig, req.OrdSid)
	s.admit(req)
}

func (s *Service) newRequest(r Request, kind order.Kind, secSid schema.SecSid, side schema.OrderSide) *order.Request {
	now := s.clock.Now()
	timeoutAt := r.TimeoutAt
	if timeoutAt.IsZero() && s.cfg.RequestTimeout > 0 {
		timeoutAt = now.Add(s.cfg.RequestTimeout)
	}
	return &order.Request{
		Kind:      kind,
		ClientKey: r.ClientKey,
		OrdSid:    schema.OrdSid(s.ordSids.Next()),
		SecSid:    secSid,
		Side:      side,
		Owner:     r.Owner,
		TimeoutAt: timeoutAt,
		Retry:     !r.NoRetry,
		CreatedAt: now,
	}
}

// admit stores the request, acknowledges it and hands it to the executor.
func (s *Service) admit(req *order.Request) {
	s.mc.PutRequest(req)
	s.mc.UpdateLatestOrdSid(req.OrdSid)
	s.reply(req.Owner, order.Completion{ClientKey: req.ClientKey, OrdSid: req.OrdSid, Type: schema.CompletionAccepted})
	s.dispatch(req)
}

func (s *Service) dispatch(req *order.Request) {
	if err := s.outbound.TryPublish(*req); err != nil {
		s.publish(err, "order request")
		s.handleResult(execResult{outcome: obs.ExecutorFailed, req: *req, err: err})
	}
}

func (s *Service) throttleIndex(secSid schema.SecSid) int {
	id := int(s.mc.SecurityLevelInfo(secSid).Channel.ID())
	return id % s.executor.NumTrackers()
}

func (s *Service) handleSubscribe(r Request) {
	if r.Subscriber == nil || r.SubscriberKey == "" {
		s.reject(r, schema.CompletionRejected, schema.RejectTypeInvalidRequest, "subscriber is required")
		return
	}
	if !s.mc.AddSubscriber(r.SubscriberKey, r.Subscriber) {
		s.reject(r, schema.CompletionRejectedInternally, schema.RejectTypeOther, "subscriber already registered")
		return
	}
	s.reply(r.Owner, order.Completion{ClientKey: r.ClientKey, Type: schema.CompletionOK})
}

func (s *Service) handleUnsubscribe(r Request) {
	if !s.mc.RemoveSubscriber(r.SubscriberKey) {
		s.reject(r, schema.CompletionRejectedInternally, schema.RejectTypeOther, "subscriber not registered")
		return
	}
	s.reply(r.Owner, order.Completion{ClientKey: r.ClientKey, Type: schema.CompletionOK})
}

// handleGet replays every known order and trade to the caller. Orders the
// venue has not acknowledged yet are replayed from their request.
func (s *Service) handleGet(r Request) {
	if r.Subscriber == nil {
		s.reject(r, schema.CompletionRejected, schema.RejectTypeInvalidRequest, "subscriber is required")
		return
	}
	for _, o := range s.manager.Orders() {
		r.Subscriber.OnOrderUpdate(order.Update{Kind: order.UpdateOrderSnapshot, Order: o})
	}
	for _, req := range s.mc.Requests() {
		if req.Kind != order.KindNew {
			continue
		}
		if _, ok := s.manager.Context(req.OrdSid); ok {
			continue
		}
		r.Subscriber.OnOrderUpdate(order.Update{Kind: order.UpdateOrderSnapshot, Order: pendingOrder(req)})
	}
	for _, t := range s.manager.Trades() {
		r.Subscriber.OnOrderUpdate(order.Update{Kind: order.UpdateTradeSnapshot, Trade: t})
	}
	s.reply(r.Owner, order.Completion{ClientKey: r.ClientKey, Type: schema.CompletionOK})
}

func pendingOrder(req *order.Request) order.Order {
	return order.Order{
		OrdSid:      req.OrdSid,
		ClientKey:   req.ClientKey,
		SecSid:      req.New.SecSid,
		Side:        req.New.Side,
		Type:        req.New.Type,
		TimeInForce: req.New.TimeInForce,
		LimitPrice:  req.New.LimitPrice,
		StopPrice:   req.New.StopPrice,
		Quantity:    req.New.Quantity,
		LeavesQty:   req.New.Quantity,
		Status:      schema.OrderStatusNew,
		CreateTime:  req.CreatedAt,
		UpdateTime:  req.CreatedAt,
	}
}

// handleUpdate sets the initial purchasing power from dollars.
func (s *Service) handleUpdate(r Request) {
	pp := r.PurchasingPower.Shift(purchasingPowerShift).Truncate(0)
	if pp.IsNegative() || pp.GreaterThan(maxNotional) {
		s.reject(r, schema.CompletionRejected, schema.RejectTypeInvalidRequest, "purchasing power out of range")
		return
	}
	s.exposure.SetInitialPurchasingPower(schema.Notional(pp.IntPart()))
	s.reply(r.Owner, order.Completion{ClientKey: r.ClientKey, Type: schema.CompletionOK})
}
