package og

import (
	"time"

	"omes/internal/schema"
)

// Report is an execution report from the venue, decoded once at the line
// handler boundary. The concrete types below are the only implementations.
type Report interface {
	Header() ReportHeader
	report()
}

// ReportHeader carries the venue sequencing of a report.
type ReportHeader struct {
	Channel int32
	Seq     int64
	At      time.Time
}

// OrderFields is the order state echoed by the venue.
type OrderFields struct {
	ExchangeOrderID string
	SecSid          schema.SecSid
	Side            schema.OrderSide
	Type            schema.OrderType
	TimeInForce     schema.TimeInForce
	LimitPrice      schema.Price
	Quantity        schema.Quantity
	CumQty          schema.Quantity
	LeavesQty       schema.Quantity
	Status          schema.OrderStatus
}

// OrderAccepted acknowledges a new order.
type OrderAccepted struct {
	ReportHeader
	OrdSid schema.OrdSid
	OrderFields
}

// OrderRejected reports a new order refused by the venue.
type OrderRejected struct {
	ReportHeader
	OrdSid schema.OrdSid
	OrderFields
	RejectType schema.RejectType
	Reason     string
}

// OrderCancelled reports a cancelled order. OrdSid is the cancel request,
// zero for an unsolicited cancel.
type OrderCancelled struct {
	ReportHeader
	OrdSid     schema.OrdSid
	OrigOrdSid schema.OrdSid
	OrderFields
}

// OrderCancelRejected refuses the cancel request OrdSid on OrigOrdSid.
type OrderCancelRejected struct {
	ReportHeader
	OrdSid     schema.OrdSid
	OrigOrdSid schema.OrdSid
	RejectType schema.RejectType
	Reason     string
}

// OrderAmended reports a new quantity on OrigOrdSid. OrdSid is the amend request.
type OrderAmended struct {
	ReportHeader
	OrdSid     schema.OrdSid
	OrigOrdSid schema.OrdSid
	OrderFields
}

// OrderAmendRejected refuses the amend request OrdSid on OrigOrdSid.
type OrderAmendRejected struct {
	ReportHeader
	OrdSid     schema.OrdSid
	OrigOrdSid schema.OrdSid
	RejectType schema.RejectType
	Reason     string
}

// OrderExpired reports an order closed by its time in force.
type OrderExpired struct {
	ReportHeader
	OrdSid schema.OrdSid
	OrderFields
}

// TradeCreated reports one execution. CumQty, LeavesQty and Status describe
// the order after the execution.
type TradeCreated struct {
	ReportHeader
	OrdSid      schema.OrdSid
	SecSid      schema.SecSid
	Side        schema.OrderSide
	ExecutionID string
	ExecPrice   schema.Price
	ExecQty     schema.Quantity
	CumQty      schema.Quantity
	LeavesQty   schema.Quantity
	Status      schema.OrderStatus
}

// TradeCancelled busts an earlier execution identified by ExecutionID.
type TradeCancelled struct {
	ReportHeader
	OrdSid      schema.OrdSid
	SecSid      schema.SecSid
	Side        schema.OrderSide
	ExecutionID string
	ExecPrice   schema.Price
	ExecQty     schema.Quantity
	CumQty      schema.Quantity
	LeavesQty   schema.Quantity
	Status      schema.OrderStatus
}

func (r ReportHeader) Header() ReportHeader { return r }

func (OrderAccepted) report()       {}
func (OrderRejected) report()       {}
func (OrderCancelled) report()      {}
func (OrderCancelRejected) report() {}
func (OrderAmended) report()        {}
func (OrderAmendRejected) report()  {}
func (OrderExpired) report()        {}
func (TradeCreated) report()        {}
func (TradeCancelled) report()      {}

// ReportOrdSid returns the order a report is about.
func ReportOrdSid(r Report) schema.OrdSid {
	switch v := r.(type) {
	case OrderAccepted:
		return v.OrdSid
	case OrderRejected:
		return v.OrdSid
	case OrderCancelled:
		return v.OrigOrdSid
	case OrderCancelRejected:
		return v.OrigOrdSid
	case OrderAmended:
		return v.OrigOrdSid
	case OrderAmendRejected:
		return v.OrigOrdSid
	case OrderExpired:
		return v.OrdSid
	case TradeCreated:
		return v.OrdSid
	case TradeCancelled:
		return v.OrdSid
	default:
		return 0
	}
}
