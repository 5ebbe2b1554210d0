package og

import (
	"github.com/yanun0323/logs"

	"omes/internal/clock"
	"omes/internal/order"
	"omes/internal/schema"
)

// ExposureUpdater reserves book levels, position and purchasing power for an
// order rebuilt during recovery, exactly as admission would have.
type ExposureUpdater interface {
	ReserveRecovered(req *order.Request)
}

// RecoveryHandler rebuilds the requests of orders that the venue replays but
// the engine has no record of. It runs before the manager applies a report.
type RecoveryHandler struct {
	mc      *order.ManagementContext
	updater ExposureUpdater
	clock   clock.Clock
	seen    map[schema.OrdSid]struct{}
}

// NewRecoveryHandler creates a handler.
func NewRecoveryHandler(mc *order.ManagementContext, updater ExposureUpdater, clk clock.Clock) *RecoveryHandler {
	if clk == nil {
		clk = clock.System{}
	}
	return &RecoveryHandler{
		mc:      mc,
		updater: updater,
		clock:   clk,
		seen:    make(map[schema.OrdSid]struct{}),
	}
}

// Recovered returns the number of rebuilt orders.
func (h *RecoveryHandler) Recovered() int {
	return len(h.seen)
}

// OnReport inspects one replayed report.
func (h *RecoveryHandler) OnReport(r Report) {
	switch v := r.(type) {
	case OrderAccepted:
		h.recover(v.OrdSid, v.OrderFields)
	case OrderRejected:
		h.recover(v.OrdSid, v.OrderFields)
	case OrderExpired:
		h.recover(v.OrdSid, v.OrderFields)
	case OrderCancelled:
		h.recover(v.OrigOrdSid, v.OrderFields)
		h.mc.UpdateLatestOrdSid(v.OrdSid)
	default:
		h.mc.UpdateLatestOrdSid(ReportOrdSid(r))
	}
}

func (h *RecoveryHandler) recover(ordSid schema.OrdSid, f OrderFields) {
	h.mc.UpdateLatestOrdSid(ordSid)
	if _, ok := h.seen[ordSid]; ok {
		return
	}
	if _, ok := h.mc.Request(ordSid); ok {
		return
	}

	qty := f.CumQty + f.LeavesQty
	if qty == 0 {
		qty = f.Quantity
	}
	req := &order.Request{
		Kind:   order.KindNew,
		OrdSid: ordSid,
		SecSid: f.SecSid,
		Side:   f.Side,
		New: order.NewOrder{
			SecSid:      f.SecSid,
			Side:        f.Side,
			Type:        schema.OrderTypeLimit,
			TimeInForce: schema.TimeInForceDay,
			LimitPrice:  f.LimitPrice,
			Quantity:    qty,
		},
		CreatedAt: h.clock.Now(),
	}
	h.seen[ordSid] = struct{}{}
	h.mc.PutRequest(req)
	h.updater.ReserveRecovered(req)
	logs.Infof("recovered order, ord sid: %d, sec sid: %d, side: %s, price: %d, qty: %d", ordSid, f.SecSid, f.Side, f.LimitPrice, qty)
}
