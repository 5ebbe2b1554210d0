package og

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omes/internal/order"
	"omes/internal/schema"
)

type reportLog struct {
	reports []Report
}

func (l *reportLog) OnReport(r Report) error {
	l.reports = append(l.reports, r)
	return nil
}

func newOrderRequest(ordSid schema.OrdSid, qty schema.Quantity) order.Request {
	return order.Request{
		Kind:   order.KindNew,
		OrdSid: ordSid,
		SecSid: 3,
		New: order.NewOrder{
			SecSid:     3,
			Side:       schema.OrderSideBuy,
			Type:       schema.OrderTypeLimit,
			LimitPrice: 50,
			Quantity:   qty,
		},
	}
}

func TestGatewayNotReadyBeforeProcessing(t *testing.T) {
	log := &reportLog{}
	g := NewGateway(GatewayConfig{}, log, nil)
	assert.Equal(t, "default", g.Session())
	assert.Equal(t, schema.LifecycleInit, g.State())
	assert.ErrorIs(t, g.Send(t.Context(), newOrderRequest(1, 1)), ErrGatewayNotReady)

	res := <-g.Transition(schema.LifecycleWarmup)
	require.NoError(t, res.Err)
	assert.Equal(t, schema.LifecycleWarmup, res.State)
	assert.NoError(t, g.Send(t.Context(), newOrderRequest(1, 1)))
	assert.Len(t, log.reports, 1)
}

func TestGatewayDisconnect(t *testing.T) {
	g := NewGateway(GatewayConfig{}, &reportLog{}, nil)
	require.NoError(t, (<-g.Transition(schema.LifecycleActive)).Err)

	g.Disconnect()
	assert.ErrorIs(t, g.Send(t.Context(), newOrderRequest(1, 1)), ErrGatewayDisconnected)
	g.Reconnect()
	assert.NoError(t, g.Send(t.Context(), newOrderRequest(1, 1)))
}

func TestGatewayAutoFill(t *testing.T) {
	log := &reportLog{}
	g := NewGateway(GatewayConfig{AutoFill: true}, log, nil)
	require.NoError(t, (<-g.Transition(schema.LifecycleActive)).Err)
	require.NoError(t, g.Send(t.Context(), newOrderRequest(1, 5)))

	require.Len(t, log.reports, 2)
	_, ok := log.reports[0].(OrderAccepted)
	assert.True(t, ok)
	trade, ok := log.reports[1].(TradeCreated)
	require.True(t, ok)
	assert.Equal(t, schema.Quantity(5), trade.ExecQty)
	assert.Equal(t, schema.OrderStatusFilled, trade.Status)
	assert.Equal(t, int64(1), trade.Seq)
	assert.Equal(t, 0, g.OpenOrders())
}

func TestGatewayChannels(t *testing.T) {
	log := &reportLog{}
	g := NewGateway(GatewayConfig{NumChannels: 4}, log, nil)
	require.NoError(t, (<-g.Transition(schema.LifecycleActive)).Err)

	req := newOrderRequest(1, 5)
	req.New.SecSid = 6
	require.NoError(t, g.Send(t.Context(), req))
	assert.Equal(t, int32(2), log.reports[0].Header().Channel)
	assert.Equal(t, schema.OrdSid(1), ReportOrdSid(log.reports[0]))
}

func TestGatewayRecoveryReplaysHistory(t *testing.T) {
	log := &reportLog{}
	g := NewGateway(GatewayConfig{}, log, nil)
	require.NoError(t, (<-g.Transition(schema.LifecycleActive)).Err)
	require.NoError(t, g.Send(t.Context(), newOrderRequest(1, 5)))
	_, err := g.Fill(1, 50, 2)
	require.NoError(t, err)
	require.Len(t, g.History(), 2)

	replay := &reportLog{}
	g.SetSink(replay)
	res := <-g.Transition(schema.LifecycleRecovery)
	require.NoError(t, res.Err)
	assert.Equal(t, log.reports, replay.reports)
}

func TestGatewayResetAndStop(t *testing.T) {
	g := NewGateway(GatewayConfig{}, &reportLog{}, nil)
	require.NoError(t, (<-g.Transition(schema.LifecycleActive)).Err)
	require.NoError(t, g.Send(t.Context(), newOrderRequest(1, 5)))
	assert.False(t, g.IsClear())

	require.NoError(t, (<-g.Transition(schema.LifecycleReset)).Err)
	assert.True(t, g.IsClear())
	assert.ErrorIs(t, g.Expire(1), ErrUnknownOrder)

	require.NoError(t, (<-g.Transition(schema.LifecycleStopped)).Err)
	res := <-g.Transition(schema.LifecycleActive)
	assert.ErrorIs(t, res.Err, ErrGatewayStopped)
	assert.Equal(t, schema.LifecycleStopped, res.State)
}

func TestGatewayRejectsBadFill(t *testing.T) {
	g := NewGateway(GatewayConfig{}, &reportLog{}, nil)
	require.NoError(t, (<-g.Transition(schema.LifecycleActive)).Err)
	require.NoError(t, g.Send(t.Context(), newOrderRequest(1, 5)))

	_, err := g.Fill(1, 50, 6)
	assert.ErrorIs(t, err, ErrInvalidFill)
	_, err = g.Fill(1, 50, 0)
	assert.ErrorIs(t, err, ErrInvalidFill)
	assert.ErrorIs(t, g.CancelTrade("missing"), ErrUnknownTrade)
	assert.ErrorIs(t, g.CancelUnsolicited(2), ErrUnknownOrder)
}
