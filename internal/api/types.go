package api

import (
	"time"

	"omes/internal/obs"
)

// OrderRequest is the body of POST /orders. Prices are decimal strings in the
// security's quote units. Either SecSid or Code identifies the security.
type OrderRequest struct {
	SecSid      int64  `json:"secSid"`
	Code        string `json:"code"`
	Side        string `json:"side"`
	Type        string `json:"type"`
	TimeInForce string `json:"timeInForce"`
	Price       string `json:"price"`
	StopPrice   string `json:"stopPrice"`
	Quantity    int64  `json:"quantity"`
	NoRetry     bool   `json:"noRetry"`
}

// AmendRequest is the body of PATCH /orders/{ordSid}. Quantity is the new
// total quantity. A price needs the security to be scaled.
type AmendRequest struct {
	SecSid   int64  `json:"secSid"`
	Price    string `json:"price"`
	Quantity int64  `json:"quantity"`
}

// PurchasingPowerRequest is the body of PUT /purchasing-power, in dollars.
type PurchasingPowerRequest struct {
	PurchasingPower string `json:"purchasingPower"`
}

// CompletionResponse is the terminal completion of a request.
type CompletionResponse struct {
	ClientKey  int32  `json:"clientKey"`
	OrdSid     int32  `json:"ordSid,omitempty"`
	Completion string `json:"completion"`
	RejectType string `json:"rejectType,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// OrderView is an order as returned by GET /orders.
type OrderView struct {
	OrdSid          int32     `json:"ordSid"`
	ExchangeOrderID string    `json:"exchangeOrderId,omitempty"`
	ClientKey       int32     `json:"clientKey"`
	SecSid          int64     `json:"secSid"`
	Side            string    `json:"side"`
	Type            string    `json:"type"`
	TimeInForce     string    `json:"timeInForce"`
	Price           string    `json:"price"`
	Quantity        int64     `json:"quantity"`
	CumQty          int64     `json:"cumQty"`
	LeavesQty       int64     `json:"leavesQty"`
	Status          string    `json:"status"`
	UpdateTime      time.Time `json:"updateTime"`
}

// TradeView is a trade as returned by GET /orders.
type TradeView struct {
	TradeSid    int32     `json:"tradeSid"`
	OrdSid      int32     `json:"ordSid"`
	SecSid      int64     `json:"secSid"`
	Side        string    `json:"side"`
	ExecutionID string    `json:"executionId"`
	Price       string    `json:"price"`
	Quantity    int64     `json:"quantity"`
	Status      string    `json:"status"`
	UpdateTime  time.Time `json:"updateTime"`
}

// OrdersResponse is the body of GET /orders.
type OrdersResponse struct {
	Orders []OrderView `json:"orders"`
	Trades []TradeView `json:"trades"`
}

// StateResponse reports the service lifecycle state.
type StateResponse struct {
	State string `json:"state"`
}

// MetricsResponse is the body of GET /metrics.
type MetricsResponse struct {
	State               string       `json:"state"`
	PurchasingPower     string       `json:"purchasingPower"`
	OutstandingRequests int          `json:"outstandingRequests"`
	LatestOrdSid        int32        `json:"latestOrdSid"`
	LatestTradeSid      int32        `json:"latestTradeSid"`
	Metrics             obs.Snapshot `json:"metrics"`
}

// ErrorResponse is returned for requests that never reached a completion.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
