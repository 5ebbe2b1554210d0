package order

import (
	"time"

	"omes/internal/schema"
)

// Kind tells which payload of a Request is set.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindNew
	KindCancel
	KindAmend
)

func (k Kind) String() string {
	switch k {
	case KindNew:
		return "NEW"
	case KindCancel:
		return "CANCEL"
	case KindAmend:
		return "AMEND"
	default:
		return "UNKNOWN"
	}
}

// NewOrder is the payload of a new order request.
type NewOrder struct {
	SecSid      schema.SecSid
	Side        schema.OrderSide
	Type        schema.OrderType
	TimeInForce schema.TimeInForce
	LimitPrice  schema.Price
	StopPrice   schema.Price
	Quantity    schema.Quantity
}

// CancelOrder is the payload of a cancel request.
type CancelOrder struct {
	OrigOrdSid schema.OrdSid
}

// AmendOrder is the payload of an amend request. Quantity is the new total quantity.
type AmendOrder struct {
	OrigOrdSid schema.OrdSid
	Quantity   schema.Quantity
	LimitPrice schema.Price
}

// Request is an order request moving through validation, the executor and the
// venue. The envelope is shared by every kind and only the payload of Kind is valid.
type Request struct {
	Kind      Kind
	ClientKey schema.ClientKey
	OrdSid    schema.OrdSid
	SecSid    schema.SecSid
	Side      schema.OrderSide
	Owner     Owner

	New    NewOrder
	Cancel CancelOrder
	Amend  AmendOrder

	// TimeoutAt is the deadline to reach the venue. Zero means none.
	TimeoutAt time.Time
	// Retry holds a throttled request for a later cycle instead of rejecting it.
	Retry         bool
	ThrottleIndex int
	// ThrottlesRequired is the number of slots claimed atomically. Zero means one.
	ThrottlesRequired int
	// NoThrottleCheck sends the request regardless of throttle state.
	NoThrottleCheck bool
	// Composite marks a leg of a multi-leg order.
	Composite bool
	CreatedAt time.Time

	throttled bool
}

// Throttles returns the number of slots the request needs.
func (r *Request) Throttles() int {
	if r.ThrottlesRequired <= 0 {
		return 1
	}
	return r.ThrottlesRequired
}

// Price returns the limit price of a new or amend request.
func (r *Request) Price() schema.Price {
	switch r.Kind {
	case KindNew:
		return r.New.LimitPrice
	case KindAmend:
		return r.Amend.LimitPrice
	default:
		return 0
	}
}

// TargetOrdSid returns the order a request acts on.
func (r *Request) TargetOrdSid() schema.OrdSid {
	switch r.Kind {
	case KindCancel:
		return r.Cancel.OrigOrdSid
	case KindAmend:
		return r.Amend.OrigOrdSid
	default:
		return r.OrdSid
	}
}

// Expired reports whether the deadline passed at now.
func (r *Request) Expired(now time.Time) bool {
	return !r.TimeoutAt.IsZero() && !now.Before(r.TimeoutAt)
}

// Completion is the result sent back to the owner of a request.
type Completion struct {
	ClientKey  schema.ClientKey
	OrdSid     schema.OrdSid
	Type       schema.CompletionType
	RejectType schema.RejectType
	Reason     string
}

// Owner receives request completions.
type Owner interface {
	OnCompletion(Completion)
}

// OwnerFunc adapts a function to Owner.
type OwnerFunc func(Completion)

func (f OwnerFunc) OnCompletion(c Completion) { f(c) }
