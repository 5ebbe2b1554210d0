package core

import (
	"github.com/yanun0323/logs"

	"omes/internal/obs"
	"omes/internal/order"
	"omes/internal/risk"
	"omes/internal/schema"
)

func (s *Service) handleResult(res execResult) {
	switch res.outcome {
	case obs.ExecutorSent:
	case obs.ExecutorTimeout:
		s.complete(res.req.OrdSid, schema.CompletionRejectedInternally, schema.RejectTypeTimeoutBeforeThrottle, "")
	case obs.ExecutorTimeoutAfterThrottled:
		s.complete(res.req.OrdSid, schema.CompletionRejectedInternally, schema.RejectTypeTimeoutAfterThrottled, "")
	case obs.ExecutorThrottled:
		s.complete(res.req.OrdSid, schema.CompletionRejectedInternally, schema.RejectTypeThrottled, "")
	default:
		reason := ""
		if res.err != nil {
			reason = res.err.Error()
		}
		s.complete(res.req.OrdSid, schema.CompletionFailed, schema.RejectTypeOther, reason)
	}
}

// CompleteOK completes a request the venue accepted.
func (s *Service) CompleteOK(ordSid schema.OrdSid) {
	s.complete(ordSid, schema.CompletionOK, schema.RejectTypeNone, "")
}

// CompleteRejected completes a request the venue rejected.
func (s *Service) CompleteRejected(ordSid schema.OrdSid, rt schema.RejectType, reason string) {
	s.complete(ordSid, schema.CompletionRejected, rt, reason)
}

// complete closes a request. Outcomes other than OK and REJECTED mean the
// request never reached the venue, so its reservation is reversed here. A new
// order answered by the venue keeps its request until a terminal update.
func (s *Service) complete(ordSid schema.OrdSid, ct schema.CompletionType, rt schema.RejectType, reason string) {
	req, ok := s.mc.Request(ordSid)
	if !ok {
		logs.Errorf("completion for unknown request, ord sid: %d, completion: %s", ordSid, ct)
		return
	}

	venueAnswered := ct == schema.CompletionOK || ct == schema.CompletionRejected
	switch {
	case !venueAnswered:
		s.mc.RemoveRequest(ordSid)
		s.release(req)
	case req.Kind != order.KindNew:
		s.mc.RemoveRequest(ordSid)
		s.clearPending(req)
	}
	if ct == schema.CompletionOK && req.Kind == order.KindNew {
		s.metrics.ObserveRoundTrip(s.clock.Now().Sub(req.CreatedAt))
	}

	c := order.Completion{ClientKey: req.ClientKey, OrdSid: ordSid, Type: ct, RejectType: rt, Reason: reason}
	if req.Composite {
		s.onCompositeCompletion(req, c)
		return
	}
	s.reply(req.Owner, c)
}

// release reverses the reservation of a request that never reached the venue.
func (s *Service) release(req *order.Request) {
	switch req.Kind {
	case order.KindNew:
		book := s.mc.SecurityLevelInfo(req.New.SecSid).Book
		price := req.New.LimitPrice
		if req.New.Side == schema.OrderSideBuy {
			s.refund(price, req.New.Quantity)
			book.BuyOrderRejected(price)
		} else {
			book.SellOrderRejected(price, req.New.Quantity)
		}
	default:
		s.clearPending(req)
	}
}

func (s *Service) clearPending(req *order.Request) {
	switch req.Kind {
	case order.KindCancel:
		if sid, ok := s.mc.CancelOrdSid(req.Cancel.OrigOrdSid); ok && sid == req.OrdSid {
			s.mc.RemoveCancel(req.Cancel.OrigOrdSid)
		}
	case order.KindAmend:
		if sid, ok := s.mc.AmendOrdSid(req.Amend.OrigOrdSid); ok && sid == req.OrdSid {
			s.mc.RemoveAmend(req.Amend.OrigOrdSid)
		}
	}
}

func (s *Service) refund(price schema.Price, qty schema.Quantity) {
	if n, overflow := schema.MulNotional(price, qty); !overflow {
		s.exposure.IncPurchasingPower(n)
	}
}

// OnUpdate reconciles an order or trade update into exposure and position,
// then publishes it to subscribers. Warmup round trips are not published.
func (s *Service) OnUpdate(u order.Update) {
	ordSid := u.Order.OrdSid
	req, ok := s.mc.Request(ordSid)
	if ok && req.Kind != order.KindNew {
		ok = false
	}
	book := s.mc.SecurityLevelInfo(u.Order.SecSid).Book

	switch u.Kind {
	case order.UpdateOrderCancelled, order.UpdateOrderExpired, order.UpdateOrderRejected:
		if !ok {
			logs.Errorf("terminal update without request, ord sid: %d, kind: %s", ordSid, u.Kind)
			break
		}
		s.orderDone(u.Kind, book, req, req.New.Quantity-u.Order.CumQty)
		s.mc.RemoveRequest(ordSid)
	case order.UpdateTradeCreated:
		if u.Released > 0 {
			s.reclaim(book, u.Order, u.Released)
		}
		s.applyTrade(book, u.Trade)
		if ok && u.Order.Status == schema.OrderStatusFilled {
			if req.New.Side == schema.OrderSideBuy {
				book.BuyOrderFilled(req.New.LimitPrice)
			} else {
				book.SellOrderFilled(req.New.LimitPrice)
			}
			s.mc.RemoveRequest(ordSid)
		}
	case order.UpdateTradeCancelled:
		s.applyTradeCancel(book, u.Trade, ok)
	case order.UpdateOrderAmended:
		if !ok {
			logs.Errorf("amend update without request, ord sid: %d", ordSid)
			break
		}
		if delta := u.PrevQuantity - u.Order.Quantity; delta > 0 {
			if req.New.Side == schema.OrderSideBuy {
				s.refund(req.New.LimitPrice, delta)
			} else {
				book.SellOrderReduced(delta)
			}
		}
		req.New.Quantity = u.Order.Quantity
	}
	if s.State() == schema.LifecycleWarmup {
		return
	}
	s.mc.Publish(u)
}

func (s *Service) orderDone(kind order.UpdateKind, book *risk.ValidationOrderBook, req *order.Request, reset schema.Quantity) {
	price := req.New.LimitPrice
	if reset < 0 {
		reset = 0
	}
	if req.New.Side == schema.OrderSideBuy {
		s.refund(price, reset)
		switch kind {
		case order.UpdateOrderCancelled:
			book.BuyOrderCancelled(price)
		case order.UpdateOrderExpired:
			book.BuyOrderExpired(price)
		default:
			book.BuyOrderRejected(price)
		}
		return
	}
	switch kind {
	case order.UpdateOrderCancelled:
		book.SellOrderCancelled(price, reset)
	case order.UpdateOrderExpired:
		book.SellOrderExpired(price, reset)
	default:
		book.SellOrderRejected(price, reset)
	}
}

// reclaim takes back what a closed order released for quantity the venue
// executed after the close.
func (s *Service) reclaim(book *risk.ValidationOrderBook, o order.Order, qty schema.Quantity) {
	if o.Side == schema.OrderSideBuy {
		if n, overflow := schema.MulNotional(o.LimitPrice, qty); !overflow {
			s.exposure.DecPurchasingPower(n)
		}
		return
	}
	book.SellOrderReclaimed(qty)
}

func (s *Service) applyTrade(book *risk.ValidationOrderBook, t order.Trade) {
	if t.Side == schema.OrderSideBuy {
		book.BuyTrade(t.ExecPrice, t.ExecQty)
		return
	}
	s.refund(t.ExecPrice, t.ExecQty)
	book.SellTrade(t.ExecPrice, t.ExecQty)
}

// applyTradeCancel reverses an execution. When the order is still open the
// quantity goes back to it and stays reserved by it.
func (s *Service) applyTradeCancel(book *risk.ValidationOrderBook, t order.Trade, open bool) {
	n, overflow := t.Notional()
	if overflow {
		logs.Errorf("trade notional overflow, trade sid: %d", t.TradeSid)
		n = 0
	}
	if t.Side == schema.OrderSideBuy {
		book.BuyTradeCancelled(t.ExecPrice, t.ExecQty)
		if !open {
			s.exposure.IncPurchasingPower(n)
		}
		return
	}
	s.exposure.DecPurchasingPower(n)
	if open {
		book.SellTradeReopened(t.ExecPrice, t.ExecQty)
		return
	}
	book.SellTradeCancelled(t.ExecPrice, t.ExecQty)
}

// ReserveRecovered books an order rebuilt during recovery as if it had been admitted.
func (s *Service) ReserveRecovered(req *order.Request) {
	book := s.mc.SecurityLevelInfo(req.New.SecSid).Book
	if req.New.Side == schema.OrderSideBuy {
		if n, overflow := schema.MulNotional(req.New.LimitPrice, req.New.Quantity); !overflow {
			s.exposure.DecPurchasingPower(n)
		}
		book.NewBuyOrder(req.New.LimitPrice)
		return
	}
	book.NewSellOrder(req.New.LimitPrice, req.New.Quantity)
}
