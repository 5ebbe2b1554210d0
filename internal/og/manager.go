package og

import (
	"slices"
	"time"

	"github.com/yanun0323/logs"

	"omes/internal/clock"
	"omes/internal/obs"
	"omes/internal/order"
	"omes/internal/schema"
)

// Completer completes outstanding requests when the venue answers them.
type Completer interface {
	CompleteOK(ordSid schema.OrdSid)
	CompleteRejected(ordSid schema.OrdSid, rt schema.RejectType, reason string)
}

// UpdateHandler receives order and trade updates after they are sequenced.
type UpdateHandler interface {
	OnUpdate(u order.Update)
}

// ContextManager turns venue reports into order state, request completions
// and sequenced updates. It runs on the orchestration goroutine.
type ContextManager struct {
	mc        *order.ManagementContext
	completer Completer
	handler   UpdateHandler
	tradeSids *obs.SidGenerator
	clock     clock.Clock
	metrics   *obs.Metrics
	recovery  *RecoveryHandler

	live    map[schema.OrdSid]*OrderContext
	archive map[schema.OrdSid]*OrderContext
}

// NewContextManager creates a manager with no orders.
func NewContextManager(mc *order.ManagementContext, completer Completer, handler UpdateHandler, tradeSids *obs.SidGenerator, clk clock.Clock, metrics *obs.Metrics) *ContextManager {
	if clk == nil {
		clk = clock.System{}
	}
	if tradeSids == nil {
		tradeSids = obs.NewSidGenerator(0)
	}
	return &ContextManager{
		mc:        mc,
		completer: completer,
		handler:   handler,
		tradeSids: tradeSids,
		clock:     clk,
		metrics:   metrics,
		live:      make(map[schema.OrdSid]*OrderContext),
		archive:   make(map[schema.OrdSid]*OrderContext),
	}
}

// SetRecovery installs the handler that rebuilds unknown orders. Nil removes it.
func (m *ContextManager) SetRecovery(h *RecoveryHandler) {
	m.recovery = h
}

// Recovering reports whether a recovery handler is installed.
func (m *ContextManager) Recovering() bool {
	return m.recovery != nil
}

// Handle applies one venue report.
func (m *ContextManager) Handle(r Report) {
	m.metrics.IncReport()
	if m.recovery != nil {
		m.recovery.OnReport(r)
	}

	switch v := r.(type) {
	case OrderAccepted:
		m.onAccepted(v)
	case OrderRejected:
		m.onRejected(v)
	case OrderCancelled:
		m.onCancelled(v)
	case OrderCancelRejected:
		m.onCancelRejected(v)
	case OrderAmended:
		m.onAmended(v)
	case OrderAmendRejected:
		m.onAmendRejected(v)
	case OrderExpired:
		m.onExpired(v)
	case TradeCreated:
		m.onTradeCreated(v)
	case TradeCancelled:
		m.onTradeCancelled(v)
	default:
		logs.Errorf("unknown report type %T", r)
	}
}

// Context returns the order context of ordSid, live or archived.
func (m *ContextManager) Context(ordSid schema.OrdSid) (*OrderContext, bool) {
	if c, ok := m.live[ordSid]; ok {
		return c, true
	}
	c, ok := m.archive[ordSid]
	return c, ok
}

// Orders returns every known order ordered by ordSid.
func (m *ContextManager) Orders() []order.Order {
	out := make([]order.Order, 0, len(m.live)+len(m.archive))
	for _, c := range m.live {
		out = append(out, c.Order())
	}
	for _, c := range m.archive {
		out = append(out, c.Order())
	}
	slices.SortFunc(out, func(a, b order.Order) int { return int(a.OrdSid) - int(b.OrdSid) })
	return out
}

// Trades returns every known trade ordered by trade sid.
func (m *ContextManager) Trades() []order.Trade {
	var out []order.Trade
	for _, c := range m.live {
		out = append(out, c.Trades()...)
	}
	for _, c := range m.archive {
		out = append(out, c.Trades()...)
	}
	slices.SortFunc(out, func(a, b order.Trade) int { return int(a.TradeSid) - int(b.TradeSid) })
	return out
}

// LiveCount returns the number of non-terminal orders.
func (m *ContextManager) LiveCount() int {
	return len(m.live)
}

// Reset forgets every order.
func (m *ContextManager) Reset() {
	clear(m.live)
	clear(m.archive)
	m.recovery = nil
}

// IsClear reports whether no order is known.
func (m *ContextManager) IsClear() bool {
	return len(m.live) == 0 && len(m.archive) == 0
}

// lookup returns the live context of ordSid, creating it from the pending new
// order request on the first update. created reports the creation.
func (m *ContextManager) lookup(event string, ordSid schema.OrdSid, at time.Time) (c *OrderContext, created bool, ok bool) {
	if c, ok := m.live[ordSid]; ok {
		return c, false, true
	}
	if _, done := m.archive[ordSid]; done {
		m.buggy(event, ordSid, ErrInvalidTransition)
		return nil, false, false
	}
	req, ok := m.mc.Request(ordSid)
	if !ok || req.Kind != order.KindNew {
		m.buggy(event, ordSid, ErrUnknownOrder)
		return nil, false, false
	}
	if at.IsZero() {
		at = m.clock.Now()
	}
	c = newOrderContext(req, at)
	m.live[ordSid] = c
	return c, true, true
}

func (m *ContextManager) onAccepted(r OrderAccepted) {
	c, created, ok := m.lookup("accepted", r.OrdSid, r.At)
	if !ok {
		return
	}
	if err := c.accept(r); err != nil {
		m.buggy("accepted", r.OrdSid, err)
		return
	}
	if created {
		m.completer.CompleteOK(r.OrdSid)
	}
	m.publish(order.UpdateOrderAccepted, c, order.Trade{}, 0)
}

func (m *ContextManager) onRejected(r OrderRejected) {
	c, created, ok := m.lookup("rejected", r.OrdSid, r.At)
	if !ok {
		return
	}
	if err := c.reject(r); err != nil {
		m.buggy("rejected", r.OrdSid, err)
		return
	}
	if created {
		rt := r.RejectType
		if rt == schema.RejectTypeNone {
			rt = schema.RejectTypeOther
		}
		m.completer.CompleteRejected(r.OrdSid, rt, r.Reason)
	}
	m.publish(order.UpdateOrderRejected, c, order.Trade{}, 0)
	m.retire(c)
}

func (m *ContextManager) onCancelled(r OrderCancelled) {
	c, created, ok := m.lookup("cancelled", r.OrigOrdSid, r.At)
	if !ok {
		return
	}
	if err := c.cancel(r); err != nil {
		m.buggy("cancelled", r.OrigOrdSid, err)
		return
	}
	cancelSid := r.OrdSid
	if cancelSid == 0 {
		cancelSid, _ = m.mc.CancelOrdSid(r.OrigOrdSid)
	}
	if created {
		m.completer.CompleteOK(r.OrigOrdSid)
	}
	m.publish(order.UpdateOrderCancelled, c, order.Trade{}, 0)
	m.retire(c)
	if cancelSid != 0 {
		m.completer.CompleteOK(cancelSid)
	}
}

func (m *ContextManager) onCancelRejected(r OrderCancelRejected) {
	cancelSid := r.OrdSid
	if cancelSid == 0 {
		cancelSid, _ = m.mc.CancelOrdSid(r.OrigOrdSid)
	}
	if cancelSid == 0 {
		m.buggy("cancel rejected", r.OrigOrdSid, ErrUnknownOrder)
		return
	}
	m.completer.CompleteRejected(cancelSid, nonZeroReject(r.RejectType), r.Reason)
}

func (m *ContextManager) onAmended(r OrderAmended) {
	c, ok := m.live[r.OrigOrdSid]
	if !ok {
		m.buggy("amended", r.OrigOrdSid, ErrUnknownOrder)
		return
	}
	prev, err := c.amend(r)
	if err != nil {
		m.buggy("amended", r.OrigOrdSid, err)
		return
	}
	amendSid := r.OrdSid
	if amendSid == 0 {
		amendSid, _ = m.mc.AmendOrdSid(r.OrigOrdSid)
	}
	m.publish(order.UpdateOrderAmended, c, order.Trade{}, prev)
	if amendSid != 0 {
		m.completer.CompleteOK(amendSid)
	}
}

func (m *ContextManager) onAmendRejected(r OrderAmendRejected) {
	amendSid := r.OrdSid
	if amendSid == 0 {
		amendSid, _ = m.mc.AmendOrdSid(r.OrigOrdSid)
	}
	if amendSid == 0 {
		m.buggy("amend rejected", r.OrigOrdSid, ErrUnknownOrder)
		return
	}
	m.completer.CompleteRejected(amendSid, nonZeroReject(r.RejectType), r.Reason)
}

func (m *ContextManager) onExpired(r OrderExpired) {
	c, created, ok := m.lookup("expired", r.OrdSid, r.At)
	if !ok {
		return
	}
	if err := c.expire(r); err != nil {
		m.buggy("expired", r.OrdSid, err)
		return
	}
	if created {
		m.completer.CompleteOK(r.OrdSid)
	}
	m.publish(order.UpdateOrderExpired, c, order.Trade{}, 0)
	m.retire(c)
}

func (m *ContextManager) onTradeCreated(r TradeCreated) {
	if c, closed := m.archive[r.OrdSid]; closed {
		m.onLateTrade(c, r)
		return
	}
	c, created, ok := m.lookup("trade created", r.OrdSid, r.At)
	if !ok {
		return
	}
	t, err := c.trade(r, schema.TradeSid(m.tradeSids.Next()))
	if err != nil {
		m.buggy("trade created", r.OrdSid, err)
		return
	}
	if created {
		m.completer.CompleteOK(r.OrdSid)
	}
	m.publish(order.UpdateTradeCreated, c, t, 0)
	m.retire(c)
}

// onLateTrade applies an execution that arrived after the order's cancel or
// expiry report.
func (m *ContextManager) onLateTrade(c *OrderContext, r TradeCreated) {
	t, released, err := c.lateTrade(r, schema.TradeSid(m.tradeSids.Next()))
	if err != nil {
		m.buggy("trade created", r.OrdSid, err)
		return
	}
	logs.Infof("trade after order closed, ord sid: %d, exec qty: %d, released: %d", r.OrdSid, r.ExecQty, released)
	m.emit(c, order.Update{Kind: order.UpdateTradeCreated, Trade: t, Released: released})
}

func (m *ContextManager) onTradeCancelled(r TradeCancelled) {
	c, ok := m.Context(r.OrdSid)
	if !ok {
		m.buggy("trade cancelled", r.OrdSid, ErrUnknownOrder)
		return
	}
	t, err := c.cancelTrade(r)
	if err != nil {
		m.buggy("trade cancelled", r.OrdSid, err)
		return
	}
	if !c.Terminal() {
		delete(m.archive, r.OrdSid)
		m.live[r.OrdSid] = c
	}
	m.publish(order.UpdateTradeCancelled, c, t, 0)
}

// retire moves a terminal order out of the live set.
func (m *ContextManager) retire(c *OrderContext) {
	if !c.Terminal() {
		return
	}
	sid := c.order.OrdSid
	delete(m.live, sid)
	m.archive[sid] = c
}

func (m *ContextManager) publish(kind order.UpdateKind, c *OrderContext, t order.Trade, prev schema.Quantity) {
	m.emit(c, order.Update{Kind: kind, Trade: t, PrevQuantity: prev})
}

// emit stamps u with the order and the channel sequence of its security.
func (m *ContextManager) emit(c *OrderContext, u order.Update) {
	ch := m.mc.SecurityLevelInfo(c.order.SecSid).Channel
	u.Channel = ch.ID()
	u.Seq = ch.GetAndIncrementSeq()
	u.Order = c.Order()
	m.handler.OnUpdate(u)
}

func (m *ContextManager) buggy(event string, ordSid schema.OrdSid, err error) {
	m.metrics.IncBuggyUpdate()
	logs.Errorf("buggy order update, event: %s, ord sid: %d, err: %+v", event, ordSid, err)
}

func nonZeroReject(rt schema.RejectType) schema.RejectType {
	if rt == schema.RejectTypeNone {
		return schema.RejectTypeOther
	}
	return rt
}
