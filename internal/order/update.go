package order

import (
	"time"

	"omes/internal/schema"
)

// Order is the exchange-reported view of one order.
type Order struct {
	OrdSid          schema.OrdSid
	ExchangeOrderID string
	ClientKey       schema.ClientKey
	SecSid          schema.SecSid
	Side            schema.OrderSide
	Type            schema.OrderType
	TimeInForce     schema.TimeInForce
	LimitPrice      schema.Price
	StopPrice       schema.Price
	Quantity        schema.Quantity
	CumQty          schema.Quantity
	LeavesQty       schema.Quantity
	Status          schema.OrderStatus
	ParentOrdSid    schema.OrdSid
	RejectType      schema.RejectType
	Reason          string
	CreateTime      time.Time
	UpdateTime      time.Time
}

// Trade is a single execution of an order.
type Trade struct {
	TradeSid    schema.TradeSid
	OrdSid      schema.OrdSid
	SecSid      schema.SecSid
	Side        schema.OrderSide
	ExecutionID string
	ExecPrice   schema.Price
	ExecQty     schema.Quantity
	CumQty      schema.Quantity
	LeavesQty   schema.Quantity
	OrderStatus schema.OrderStatus
	Status      schema.TradeStatus
	CreateTime  time.Time
	UpdateTime  time.Time
}

// Notional returns the executed notional of the trade.
func (t Trade) Notional() (schema.Notional, bool) {
	return schema.MulNotional(t.ExecPrice, t.ExecQty)
}

// UpdateKind tells what happened to an order or trade.
type UpdateKind uint8

const (
	UpdateUnknown UpdateKind = iota
	UpdateOrderAccepted
	UpdateOrderRejected
	UpdateOrderCancelled
	UpdateOrderAmended
	UpdateOrderExpired
	UpdateTradeCreated
	UpdateTradeCancelled
	// UpdateOrderSnapshot and UpdateTradeSnapshot replay current state on GET.
	UpdateOrderSnapshot
	UpdateTradeSnapshot
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateOrderAccepted:
		return "ORDER_ACCEPTED"
	case UpdateOrderRejected:
		return "ORDER_REJECTED"
	case UpdateOrderCancelled:
		return "ORDER_CANCELLED"
	case UpdateOrderAmended:
		return "ORDER_AMENDED"
	case UpdateOrderExpired:
		return "ORDER_EXPIRED"
	case UpdateTradeCreated:
		return "TRADE_CREATED"
	case UpdateTradeCancelled:
		return "TRADE_CANCELLED"
	case UpdateOrderSnapshot:
		return "ORDER_SNAPSHOT"
	case UpdateTradeSnapshot:
		return "TRADE_SNAPSHOT"
	default:
		return "UNKNOWN"
	}
}

// IsTrade reports whether Trade is set.
func (k UpdateKind) IsTrade() bool {
	return k == UpdateTradeCreated || k == UpdateTradeCancelled || k == UpdateTradeSnapshot
}

// Update is an order or trade change, stamped with the channel sequence of its security.
type Update struct {
	Kind    UpdateKind
	Channel int32
	Seq     int64
	Order   Order
	Trade   Trade
	// PrevQuantity is the order quantity before an amend.
	PrevQuantity schema.Quantity
	// Released is the part of a trade executed after its order closed that
	// the close had already handed back to exposure or position.
	Released schema.Quantity
}

// Subscriber receives order and trade updates.
type Subscriber interface {
	OnOrderUpdate(Update)
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(Update)

func (f SubscriberFunc) OnOrderUpdate(u Update) { f(u) }
