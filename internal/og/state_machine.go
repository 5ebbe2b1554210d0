package og

import (
	"errors"
	"time"

	"omes/internal/order"
	"omes/internal/schema"
)

var (
	ErrUnknownOrder      = errors.New("order not found")
	ErrUnknownTrade      = errors.New("trade not found")
	ErrDuplicateTrade    = errors.New("trade already exists")
	ErrInvalidTransition = errors.New("invalid order state transition")
	ErrInvalidFill       = errors.New("invalid fill quantity")
)

// OrderContext holds the exchange-reported state of one order and its trades.
type OrderContext struct {
	order  order.Order
	trades []*order.Trade
	byExec map[string]*order.Trade
}

// newOrderContext creates the order from its pending new order request on the first venue update.
func newOrderContext(req *order.Request, at time.Time) *OrderContext {
	return &OrderContext{
		order: order.Order{
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
			CreateTime:  at,
			UpdateTime:  at,
		},
		byExec: make(map[string]*order.Trade),
	}
}

// Order returns a snapshot of the order.
func (c *OrderContext) Order() order.Order {
	return c.order
}

// Trades returns snapshots of the trades in arrival order.
func (c *OrderContext) Trades() []order.Trade {
	out := make([]order.Trade, len(c.trades))
	for i, t := range c.trades {
		out[i] = *t
	}
	return out
}

// Terminal reports whether the order accepts no further order transition.
func (c *OrderContext) Terminal() bool {
	return c.order.Status.Terminal()
}

func (c *OrderContext) touch(f OrderFields, at time.Time) {
	if f.ExchangeOrderID != "" {
		c.order.ExchangeOrderID = f.ExchangeOrderID
	}
	if f.Quantity > 0 {
		c.order.Quantity = f.Quantity
	}
	c.order.CumQty = f.CumQty
	c.order.LeavesQty = f.LeavesQty
	c.order.UpdateTime = at
}

func (c *OrderContext) accept(r OrderAccepted) error {
	if c.Terminal() {
		return ErrInvalidTransition
	}
	c.touch(r.OrderFields, r.At)
	if c.order.Status == schema.OrderStatusNew {
		c.order.Status = schema.OrderStatusAccepted
	}
	return nil
}

func (c *OrderContext) reject(r OrderRejected) error {
	switch c.order.Status {
	case schema.OrderStatusNew, schema.OrderStatusAccepted:
	default:
		return ErrInvalidTransition
	}
	c.touch(r.OrderFields, r.At)
	c.order.LeavesQty = 0
	c.order.Status = schema.OrderStatusRejected
	c.order.RejectType = r.RejectType
	c.order.Reason = r.Reason
	return nil
}

func (c *OrderContext) cancel(r OrderCancelled) error {
	if c.Terminal() {
		return ErrInvalidTransition
	}
	c.touch(r.OrderFields, r.At)
	c.order.LeavesQty = 0
	c.order.Status = schema.OrderStatusCancelled
	return nil
}

func (c *OrderContext) expire(r OrderExpired) error {
	if c.Terminal() {
		return ErrInvalidTransition
	}
	c.touch(r.OrderFields, r.At)
	c.order.LeavesQty = 0
	c.order.Status = schema.OrderStatusExpired
	return nil
}

// amend applies a new quantity and returns the previous one.
func (c *OrderContext) amend(r OrderAmended) (schema.Quantity, error) {
	if c.Terminal() {
		return 0, ErrInvalidTransition
	}
	prev := c.order.Quantity
	c.touch(r.OrderFields, r.At)
	if r.LimitPrice > 0 {
		c.order.LimitPrice = r.LimitPrice
	}
	return prev, nil
}

func (c *OrderContext) trade(r TradeCreated, sid schema.TradeSid) (order.Trade, error) {
	if c.Terminal() {
		return order.Trade{}, ErrInvalidTransition
	}
	if err := c.checkExecution(r); err != nil {
		return order.Trade{}, err
	}
	status := r.Status
	if status == schema.OrderStatusUnknown {
		status = schema.OrderStatusPartiallyFilled
		if r.LeavesQty == 0 {
			status = schema.OrderStatusFilled
		}
	}
	t := c.record(r, sid, status, r.LeavesQty)

	c.order.CumQty = r.CumQty
	c.order.LeavesQty = r.LeavesQty
	c.order.Status = status
	c.order.UpdateTime = r.At
	return *t, nil
}

// lateTrade books an execution the venue reports after it cancelled or
// expired the order. The order keeps its terminal status. released is the
// part of the execution beyond the cumulative quantity the close reported.
func (c *OrderContext) lateTrade(r TradeCreated, sid schema.TradeSid) (order.Trade, schema.Quantity, error) {
	switch c.order.Status {
	case schema.OrderStatusCancelled, schema.OrderStatusExpired:
	default:
		return order.Trade{}, 0, ErrInvalidTransition
	}
	if err := c.checkExecution(r); err != nil {
		return order.Trade{}, 0, err
	}
	released := min(r.ExecQty, max(r.CumQty-c.order.CumQty, 0))
	t := c.record(r, sid, c.order.Status, 0)

	c.order.CumQty = max(c.order.CumQty, r.CumQty)
	c.order.UpdateTime = r.At
	return *t, released, nil
}

func (c *OrderContext) checkExecution(r TradeCreated) error {
	if r.ExecQty <= 0 {
		return ErrInvalidFill
	}
	if _, ok := c.byExec[r.ExecutionID]; ok {
		return ErrDuplicateTrade
	}
	return nil
}

func (c *OrderContext) record(r TradeCreated, sid schema.TradeSid, status schema.OrderStatus, leaves schema.Quantity) *order.Trade {
	t := &order.Trade{
		TradeSid:    sid,
		OrdSid:      c.order.OrdSid,
		SecSid:      c.order.SecSid,
		Side:        c.order.Side,
		ExecutionID: r.ExecutionID,
		ExecPrice:   r.ExecPrice,
		ExecQty:     r.ExecQty,
		CumQty:      r.CumQty,
		LeavesQty:   leaves,
		OrderStatus: status,
		Status:      schema.TradeStatusNew,
		CreateTime:  r.At,
		UpdateTime:  r.At,
	}
	c.trades = append(c.trades, t)
	c.byExec[r.ExecutionID] = t
	return t
}

// cancelTrade busts an execution. It is allowed on filled orders.
func (c *OrderContext) cancelTrade(r TradeCancelled) (order.Trade, error) {
	t, ok := c.byExec[r.ExecutionID]
	if !ok {
		return order.Trade{}, ErrUnknownTrade
	}
	if t.Status == schema.TradeStatusCancelled {
		return order.Trade{}, ErrInvalidTransition
	}
	t.Status = schema.TradeStatusCancelled
	t.UpdateTime = r.At

	c.order.CumQty = r.CumQty
	c.order.LeavesQty = r.LeavesQty
	if r.Status != schema.OrderStatusUnknown {
		c.order.Status = r.Status
	}
	c.order.UpdateTime = r.At
	return *t, nil
}
