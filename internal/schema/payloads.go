package schema

// Price is a scaled integer. The scale is defined by the security registry.
type Price int64

// Quantity is a scaled integer. The scale is defined by the security registry.
type Quantity int64

// Notional is a scaled integer in purchasing-power units.
type Notional int64

const maxInt64 = int64(^uint64(0) >> 1)

// MulNotional multiplies price by quantity and reports whether the result overflowed.
func MulNotional(price Price, qty Quantity) (Notional, bool) {
	p := int64(price)
	q := int64(qty)
	if p == 0 || q == 0 {
		return 0, false
	}
	if p < 0 {
		p = -p
	}
	if q < 0 {
		q = -q
	}
	if p > maxInt64/q {
		return 0, true
	}
	return Notional(int64(price) * int64(qty)), false
}

// OrderSide describes order direction.
type OrderSide uint16

const (
	OrderSideUnknown OrderSide = iota
	OrderSideBuy
	OrderSideSell
)

func (s OrderSide) String() string {
	switch s {
	case OrderSideBuy:
		return "BUY"
	case OrderSideSell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// OrderType describes order type.
type OrderType uint16

const (
	OrderTypeUnknown OrderType = iota
	OrderTypeLimit
	OrderTypeMarket
	OrderTypeEnhancedLimit
	// OrderTypeLimitThenCancel is a composite: a limit order followed by its own cancel.
	OrderTypeLimitThenCancel
)

func (t OrderType) String() string {
	switch t {
	case OrderTypeLimit:
		return "LIMIT"
	case OrderTypeMarket:
		return "MARKET"
	case OrderTypeEnhancedLimit:
		return "ENHANCED_LIMIT"
	case OrderTypeLimitThenCancel:
		return "LIMIT_THEN_CANCEL"
	default:
		return "UNKNOWN"
	}
}

// TimeInForce describes order time-in-force.
type TimeInForce uint16

const (
	TimeInForceUnknown TimeInForce = iota
	TimeInForceDay
	TimeInForceGTC
	TimeInForceIOC
	TimeInForceFOK
)

func (t TimeInForce) String() string {
	switch t {
	case TimeInForceDay:
		return "DAY"
	case TimeInForceGTC:
		return "GTC"
	case TimeInForceIOC:
		return "IOC"
	case TimeInForceFOK:
		return "FOK"
	default:
		return "UNKNOWN"
	}
}

// OrderStatus is the venue-reported state of an order.
type OrderStatus uint16

const (
	OrderStatusUnknown OrderStatus = iota
	OrderStatusNew
	OrderStatusAccepted
	OrderStatusPartiallyFilled
	OrderStatusFilled
	OrderStatusCancelled
	OrderStatusRejected
	OrderStatusExpired
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusNew:
		return "NEW"
	case OrderStatusAccepted:
		return "ACCEPTED"
	case OrderStatusPartiallyFilled:
		return "PARTIALLY_FILLED"
	case OrderStatusFilled:
		return "FILLED"
	case OrderStatusCancelled:
		return "CANCELLED"
	case OrderStatusRejected:
		return "REJECTED"
	case OrderStatusExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transition is allowed.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	default:
		return false
	}
}

// TradeStatus is the state of a single execution.
type TradeStatus uint16

const (
	TradeStatusUnknown TradeStatus = iota
	TradeStatusNew
	TradeStatusCancelled
)

func (s TradeStatus) String() string {
	switch s {
	case TradeStatusNew:
		return "NEW"
	case TradeStatusCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// RejectType is the reason attached to a rejected or internally rejected request.
type RejectType uint16

const (
	RejectTypeNone RejectType = iota
	RejectTypeTimeoutBeforeThrottle
	RejectTypeTimeoutAfterThrottled
	RejectTypeThrottled
	RejectTypeExceedPurchasingPower
	RejectTypeInsufficientLongPosition
	RejectTypeCrossed
	RejectTypeUnknownOrder
	RejectTypeExceedUnderlyingThrottle
	RejectTypeInvalidAmend
	RejectTypeInvalidRequest
	RejectTypeOther
)

var rejectTypeNames = [...]string{
	RejectTypeNone:                     "VALID_AND_NOT_REJECT",
	RejectTypeTimeoutBeforeThrottle:    "TIMEOUT_BEFORE_THROTTLE",
	RejectTypeTimeoutAfterThrottled:    "TIMEOUT_AFTER_THROTTLED",
	RejectTypeThrottled:                "THROTTLED",
	RejectTypeExceedPurchasingPower:    "ORDER_EXCEED_PURCHASING_POWER",
	RejectTypeInsufficientLongPosition: "INSUFFICIENT_LONG_POSITION",
	RejectTypeCrossed:                  "CROSSED",
	RejectTypeUnknownOrder:             "UNKNOWN_ORDER",
	RejectTypeExceedUnderlyingThrottle: "EXCEED_UNDERLYING_THROTTLE",
	RejectTypeInvalidAmend:             "INVALID_AMEND",
	RejectTypeInvalidRequest:           "INVALID_REQUEST",
	RejectTypeOther:                    "OTHER",
}

// RejectTypeCount is the number of defined reject types.
const RejectTypeCount = len(rejectTypeNames)

func (r RejectType) String() string {
	if int(r) < len(rejectTypeNames) {
		return rejectTypeNames[r]
	}
	return "UNKNOWN"
}

// CompletionType is the result carried by a request completion.
type CompletionType uint16

const (
	CompletionUnknown CompletionType = iota
	// CompletionAccepted acknowledges admission and carries the assigned ordSid.
	CompletionAccepted
	CompletionOK
	CompletionRejected
	CompletionRejectedInternally
	CompletionFailed
	CompletionAlreadyInPendingCancel
	CompletionAlreadyInPendingAmend
)

// CompletionTypeCount is the number of defined completion types.
const CompletionTypeCount = int(CompletionAlreadyInPendingAmend) + 1

func (c CompletionType) String() string {
	switch c {
	case CompletionAccepted:
		return "ACCEPTED"
	case CompletionOK:
		return "OK"
	case CompletionRejected:
		return "REJECTED"
	case CompletionRejectedInternally:
		return "REJECTED_INTERNALLY"
	case CompletionFailed:
		return "FAILED"
	case CompletionAlreadyInPendingCancel:
		return "ALREADY_IN_PENDING_CANCEL"
	case CompletionAlreadyInPendingAmend:
		return "ALREADY_IN_PENDING_AMEND"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the completion closes the request.
func (c CompletionType) Terminal() bool {
	return c != CompletionUnknown && c != CompletionAccepted
}
