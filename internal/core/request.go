package core

import (
	"time"

	"github.com/shopspring/decimal"

	"omes/internal/obs"
	"omes/internal/og"
	"omes/internal/order"
	"omes/internal/schema"
)

// RequestType tells which field of a Request is set.
type RequestType uint8

const (
	RequestUnknown RequestType = iota
	RequestNewOrder
	RequestCancelOrder
	RequestAmendOrder
	RequestSubscribe
	RequestUnsubscribe
	RequestGet
	RequestUpdate
)

func (t RequestType) String() string {
	switch t {
	case RequestNewOrder:
		return "NEW_ORDER"
	case RequestCancelOrder:
		return "CANCEL_ORDER"
	case RequestAmendOrder:
		return "AMEND_ORDER"
	case RequestSubscribe:
		return "SUBSCRIBE"
	case RequestUnsubscribe:
		return "UNSUBSCRIBE"
	case RequestGet:
		return "GET"
	case RequestUpdate:
		return "UPDATE"
	default:
		return "UNKNOWN"
	}
}

// Request is a service request. Every request ends in exactly one terminal
// completion to Owner. Order requests get an ACCEPTED completion with the
// assigned ordSid first.
type Request struct {
	Type      RequestType
	ClientKey schema.ClientKey
	Owner     order.Owner

	NewOrder order.NewOrder
	Cancel   order.CancelOrder
	Amend    order.AmendOrder

	// SubscriberKey and Subscriber are used by SUBSCRIBE, UNSUBSCRIBE and GET.
	SubscriberKey string
	Subscriber    order.Subscriber

	// PurchasingPower is the new initial purchasing power in dollars for UPDATE.
	PurchasingPower decimal.Decimal

	// TimeoutAt overrides the default deadline to reach the venue.
	TimeoutAt time.Time
	// NoRetry rejects a throttled request instead of holding it.
	NoRetry bool
}

// Command is an operator command.
type Command uint8

const (
	CommandUnknown Command = iota
	CommandEvaluateState
)

type controlKind uint8

const (
	controlCommand controlKind = iota
	controlTransition
	controlLineResult
)

type control struct {
	kind    controlKind
	command Command
	target  schema.LifecycleState
	result  og.TransitionResult
	reply   chan og.TransitionResult
}

// execResult is an executor outcome handed to the orchestration goroutine.
type execResult struct {
	outcome obs.ExecutorOutcome
	req     order.Request
	at      time.Time
	err     error
}
