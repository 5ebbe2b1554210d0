package og

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/yanun0323/logs"

	"omes/internal/clock"
	"omes/internal/order"
	"omes/internal/schema"
)

var (
	ErrGatewayDisconnected = errors.New("order gateway disconnected")
	ErrGatewayNotReady     = errors.New("order gateway is not ready")
	ErrGatewayStopped      = errors.New("order gateway is stopped")
)

// ReportSink receives execution reports from the gateway.
type ReportSink interface {
	OnReport(r Report) error
}

// GatewayConfig controls the simulated venue.
type GatewayConfig struct {
	Session string
	// NumChannels is the number of venue report channels. Defaults to 1.
	NumChannels int
	// AutoFill fills every accepted order in full at its limit price.
	AutoFill bool
	// MaxQuantity rejects new orders above it at the venue. Zero disables the check.
	MaxQuantity schema.Quantity
}

// TransitionResult is the outcome of a lifecycle transition.
type TransitionResult struct {
	State schema.LifecycleState
	Err   error
}

type simOrder struct {
	ordSid schema.OrdSid
	fields OrderFields
}

type simTrade struct {
	ordSid schema.OrdSid
	price  schema.Price
	qty    schema.Quantity
	busted bool
}

// Gateway is a simulated line handler. It answers requests like a venue would
// and keeps the report history so recovery can replay it.
type Gateway struct {
	mu        sync.Mutex
	cfg       GatewayConfig
	sink      ReportSink
	clock     clock.Clock
	state     schema.LifecycleState
	connected bool

	orders  map[schema.OrdSid]*simOrder
	trades  map[string]*simTrade
	history []Report
	seqs    []int64
}

// NewGateway creates a connected gateway in the INIT state.
func NewGateway(cfg GatewayConfig, sink ReportSink, clk clock.Clock) *Gateway {
	if cfg.Session == "" {
		cfg.Session = "default"
	}
	if cfg.NumChannels <= 0 {
		cfg.NumChannels = 1
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Gateway{
		cfg:       cfg,
		sink:      sink,
		clock:     clk,
		state:     schema.LifecycleInit,
		connected: true,
		orders:    make(map[schema.OrdSid]*simOrder),
		trades:    make(map[string]*simTrade),
		seqs:      make([]int64, cfg.NumChannels),
	}
}

// SetSink installs the report receiver.
func (g *Gateway) SetSink(sink ReportSink) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sink = sink
}

// Session returns the session name.
func (g *Gateway) Session() string {
	return g.cfg.Session
}

// State returns the lifecycle state.
func (g *Gateway) State() schema.LifecycleState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Send answers a request with the reports a venue would produce.
func (g *Gateway) Send(_ context.Context, req order.Request) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.connected {
		return ErrGatewayDisconnected
	}
	if !g.state.Processing() {
		return ErrGatewayNotReady
	}

	switch req.Kind {
	case order.KindNew:
		g.onNew(req)
	case order.KindCancel:
		g.onCancel(req)
	case order.KindAmend:
		g.onAmend(req)
	default:
		return errors.New("unknown request kind " + req.Kind.String())
	}
	return nil
}

func (g *Gateway) onNew(req order.Request) {
	f := OrderFields{
		ExchangeOrderID: uuid.NewString(),
		SecSid:          req.New.SecSid,
		Side:            req.New.Side,
		Type:            req.New.Type,
		TimeInForce:     req.New.TimeInForce,
		LimitPrice:      req.New.LimitPrice,
		Quantity:        req.New.Quantity,
		LeavesQty:       req.New.Quantity,
		Status:          schema.OrderStatusAccepted,
	}
	if g.cfg.MaxQuantity > 0 && req.New.Quantity > g.cfg.MaxQuantity {
		f.LeavesQty = 0
		f.Status = schema.OrderStatusRejected
		g.emit(OrderRejected{
			ReportHeader: g.header(f.SecSid),
			OrdSid:       req.OrdSid,
			OrderFields:  f,
			RejectType:   schema.RejectTypeOther,
			Reason:       "quantity above venue limit",
		})
		return
	}

	o := &simOrder{ordSid: req.OrdSid, fields: f}
	g.orders[req.OrdSid] = o
	g.emit(OrderAccepted{ReportHeader: g.header(f.SecSid), OrdSid: req.OrdSid, OrderFields: f})
	if g.cfg.AutoFill {
		g.fill(o, f.LimitPrice, f.Quantity)
	}
}

func (g *Gateway) onCancel(req order.Request) {
	orig := req.Cancel.OrigOrdSid
	o, ok := g.orders[orig]
	if !ok || o.fields.Status.Terminal() {
		g.emit(OrderCancelRejected{
			ReportHeader: g.header(req.SecSid),
			OrdSid:       req.OrdSid,
			OrigOrdSid:   orig,
			RejectType:   schema.RejectTypeUnknownOrder,
			Reason:       "order not open",
		})
		return
	}
	o.fields.LeavesQty = 0
	o.fields.Status = schema.OrderStatusCancelled
	g.emit(OrderCancelled{
		ReportHeader: g.header(o.fields.SecSid),
		OrdSid:       req.OrdSid,
		OrigOrdSid:   orig,
		OrderFields:  o.fields,
	})
}

func (g *Gateway) onAmend(req order.Request) {
	orig := req.Amend.OrigOrdSid
	o, ok := g.orders[orig]
	valid := ok && !o.fields.Status.Terminal() &&
		req.Amend.Quantity > o.fields.CumQty &&
		req.Amend.Quantity < o.fields.Quantity &&
		(req.Amend.LimitPrice == 0 || req.Amend.LimitPrice == o.fields.LimitPrice)
	if !valid {
		g.emit(OrderAmendRejected{
			ReportHeader: g.header(req.SecSid),
			OrdSid:       req.OrdSid,
			OrigOrdSid:   orig,
			RejectType:   schema.RejectTypeInvalidAmend,
			Reason:       "amend not allowed",
		})
		return
	}
	o.fields.Quantity = req.Amend.Quantity
	o.fields.LeavesQty = req.Amend.Quantity - o.fields.CumQty
	g.emit(OrderAmended{
		ReportHeader: g.header(o.fields.SecSid),
		OrdSid:       req.OrdSid,
		OrigOrdSid:   orig,
		OrderFields:  o.fields,
	})
}

// Fill executes qty of an open order at price and returns the execution id.
func (g *Gateway) Fill(ordSid schema.OrdSid, price schema.Price, qty schema.Quantity) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	o, ok := g.orders[ordSid]
	if !ok || o.fields.Status.Terminal() {
		return "", ErrUnknownOrder
	}
	if qty <= 0 || qty > o.fields.LeavesQty {
		return "", ErrInvalidFill
	}
	return g.fill(o, price, qty), nil
}

func (g *Gateway) fill(o *simOrder, price schema.Price, qty schema.Quantity) string {
	o.fields.CumQty += qty
	o.fields.LeavesQty -= qty
	o.fields.Status = schema.OrderStatusPartiallyFilled
	if o.fields.LeavesQty == 0 {
		o.fields.Status = schema.OrderStatusFilled
	}
	execID := uuid.NewString()
	g.trades[execID] = &simTrade{ordSid: o.ordSid, price: price, qty: qty}
	g.emit(TradeCreated{
		ReportHeader: g.header(o.fields.SecSid),
		OrdSid:       o.ordSid,
		SecSid:       o.fields.SecSid,
		Side:         o.fields.Side,
		ExecutionID:  execID,
		ExecPrice:    price,
		ExecQty:      qty,
		CumQty:       o.fields.CumQty,
		LeavesQty:    o.fields.LeavesQty,
		Status:       o.fields.Status,
	})
	return execID
}

// CancelTrade busts an execution. An open order gets the quantity back.
func (g *Gateway) CancelTrade(execID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.trades[execID]
	if !ok || t.busted {
		return ErrUnknownTrade
	}
	o := g.orders[t.ordSid]
	t.busted = true
	o.fields.CumQty -= t.qty
	if !o.fields.Status.Terminal() {
		o.fields.LeavesQty += t.qty
		o.fields.Status = schema.OrderStatusAccepted
		if o.fields.CumQty > 0 {
			o.fields.Status = schema.OrderStatusPartiallyFilled
		}
	}
	g.emit(TradeCancelled{
		ReportHeader: g.header(o.fields.SecSid),
		OrdSid:       t.ordSid,
		SecSid:       o.fields.SecSid,
		Side:         o.fields.Side,
		ExecutionID:  execID,
		ExecPrice:    t.price,
		ExecQty:      t.qty,
		CumQty:       o.fields.CumQty,
		LeavesQty:    o.fields.LeavesQty,
		Status:       o.fields.Status,
	})
	return nil
}

// Expire ends an open order at the venue, such as at the close.
func (g *Gateway) Expire(ordSid schema.OrdSid) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	o, ok := g.orders[ordSid]
	if !ok || o.fields.Status.Terminal() {
		return ErrUnknownOrder
	}
	o.fields.LeavesQty = 0
	o.fields.Status = schema.OrderStatusExpired
	g.emit(OrderExpired{ReportHeader: g.header(o.fields.SecSid), OrdSid: ordSid, OrderFields: o.fields})
	return nil
}

// CancelUnsolicited cancels an open order without a cancel request.
func (g *Gateway) CancelUnsolicited(ordSid schema.OrdSid) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	o, ok := g.orders[ordSid]
	if !ok || o.fields.Status.Terminal() {
		return ErrUnknownOrder
	}
	o.fields.LeavesQty = 0
	o.fields.Status = schema.OrderStatusCancelled
	g.emit(OrderCancelled{ReportHeader: g.header(o.fields.SecSid), OrigOrdSid: ordSid, OrderFields: o.fields})
	return nil
}

// Transition moves the gateway to target. Entering RECOVERY replays the report
// history to the sink. Entering RESET forgets every order.
func (g *Gateway) Transition(target schema.LifecycleState) <-chan TransitionResult {
	out := make(chan TransitionResult, 1)

	g.mu.Lock()
	defer g.mu.Unlock()

	if err := checkTransition(g.state, target); err != nil {
		out <- TransitionResult{State: g.state, Err: err}
		return out
	}
	switch target {
	case schema.LifecycleRecovery:
		g.state = target
		for _, r := range g.history {
			g.deliver(r)
		}
		logs.Infof("gateway %s replayed %d reports", g.cfg.Session, len(g.history))
	case schema.LifecycleReset:
		g.state = target
		clear(g.orders)
		clear(g.trades)
		g.history = nil
	default:
		g.state = target
	}
	out <- TransitionResult{State: g.state}
	return out
}

func checkTransition(from, to schema.LifecycleState) error {
	if from == to {
		return nil
	}
	if from == schema.LifecycleStopped {
		return ErrGatewayStopped
	}
	if to == schema.LifecycleInit {
		return ErrGatewayNotReady
	}
	return nil
}

// Disconnect makes every Send fail until Reconnect.
func (g *Gateway) Disconnect() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.connected = false
}

// Reconnect restores the session.
func (g *Gateway) Reconnect() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.connected = true
}

// OpenOrders returns the number of orders open at the venue.
func (g *Gateway) OpenOrders() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, o := range g.orders {
		if !o.fields.Status.Terminal() {
			n++
		}
	}
	return n
}

// History returns a copy of every report produced since the last reset.
func (g *Gateway) History() []Report {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Report, len(g.history))
	copy(out, g.history)
	return out
}

// IsClear reports whether the venue holds no order.
func (g *Gateway) IsClear() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.orders) == 0 && len(g.history) == 0
}

func (g *Gateway) header(secSid schema.SecSid) ReportHeader {
	ch := int(secSid) & (g.cfg.NumChannels - 1)
	if g.cfg.NumChannels&(g.cfg.NumChannels-1) != 0 {
		ch = int(secSid) % g.cfg.NumChannels
	}
	if ch < 0 {
		ch = -ch
	}
	seq := g.seqs[ch]
	g.seqs[ch]++
	return ReportHeader{Channel: int32(ch), Seq: seq, At: g.clock.Now()}
}

func (g *Gateway) emit(r Report) {
	g.history = append(g.history, r)
	g.deliver(r)
}

func (g *Gateway) deliver(r Report) {
	if g.sink == nil {
		return
	}
	if err := g.sink.OnReport(r); err != nil {
		logs.Errorf("deliver report, ord sid: %d, err: %+v", ReportOrdSid(r), err)
	}
}
