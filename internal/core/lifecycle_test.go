package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omes/internal/og"
	"omes/internal/order"
	"omes/internal/schema"
)

func TestRecoveryRebuildsFromLineHandler(t *testing.T) {
	first := startedHarness(t, defaultConfig(), og.GatewayConfig{})
	buy := first.submit(newOrder(schema.OrderSideBuy, 100, 10))
	_, err := first.gw.Fill(first.ordSid(buy), 100, 4)
	require.NoError(t, err)
	first.svc.Poll(t.Context())
	first.submit(newOrder(schema.OrderSideSell, 120, 20))
	require.Equal(t, initialPP-1000, first.svc.PurchasingPower())
	require.Equal(t, schema.Quantity(84), first.svc.Book(1).Position().LongPosition())

	svc, err := New(defaultConfig(), nil, first.gw, first.clock, nil)
	require.NoError(t, err)
	first.gw.SetSink(svc)
	require.NoError(t, svc.Start(t.Context()))
	second := &harness{svc: svc, gw: first.gw, clock: first.clock, inbox: &inbox{}, ctx: t.Context()}

	assert.Equal(t, schema.LifecycleActive, svc.State())
	assert.Equal(t, first.svc.PurchasingPower(), svc.PurchasingPower())
	assert.Equal(t, schema.Quantity(84), svc.Book(1).Position().LongPosition())
	bid, _ := svc.Book(1).BestBid()
	ask, _ := svc.Book(1).BestAsk()
	assert.Equal(t, schema.Price(100), bid)
	assert.Equal(t, schema.Price(120), ask)
	assert.Equal(t, 2, svc.OutstandingRequests())

	cancel := second.submit(cancelOf(first.ordSid(buy)))
	assert.Equal(t, acceptedOK, second.inbox.types(cancel))
	assert.Equal(t, schema.OrdSid(3), second.ordSid(cancel))
	assert.Equal(t, initialPP-400, svc.PurchasingPower())
	assert.Equal(t, 1, svc.OutstandingRequests())
}

func TestResetClearsEverything(t *testing.T) {
	cfg := defaultConfig()
	cfg.ThrottlesPerWindow = 1
	h := startedHarness(t, cfg, og.GatewayConfig{})

	h.enqueue(newOrder(schema.OrderSideBuy, 100, 10))
	held := h.enqueue(newOrder(schema.OrderSideSell, 120, 10))
	h.svc.Poll(t.Context())
	require.Equal(t, 1, h.svc.executor.Held())
	require.False(t, h.svc.IsClear())

	require.NoError(t, h.svc.transitionSync(t.Context(), schema.LifecycleReset))
	assert.Equal(t, schema.LifecycleReset, h.svc.State())
	assert.True(t, h.svc.IsClear())
	assert.True(t, h.gw.IsClear())
	assert.Equal(t, initialPP, h.svc.PurchasingPower())
	assert.Equal(t, schema.Quantity(100), h.svc.Book(1).Position().LongPosition())
	assert.Equal(t, []schema.CompletionType{schema.CompletionAccepted, schema.CompletionRejectedInternally}, h.inbox.types(held))
	assert.Equal(t, schema.RejectTypeOther, h.inbox.last(held).RejectType)

	rejected := h.submit(newOrder(schema.OrderSideBuy, 100, 1))
	assert.Equal(t, schema.CompletionRejectedInternally, h.inbox.last(rejected).Type)

	require.NoError(t, h.svc.transitionSync(t.Context(), schema.LifecycleActive))
	h.clock.Advance(time.Second)
	again := h.submit(newOrder(schema.OrderSideBuy, 100, 1))
	assert.Equal(t, acceptedOK, h.inbox.types(again))
	assert.Equal(t, schema.OrdSid(3), h.ordSid(again))
}

func TestInvalidTransitions(t *testing.T) {
	h := startedHarness(t, defaultConfig(), og.GatewayConfig{})

	assert.Error(t, h.svc.transitionSync(t.Context(), schema.LifecycleWarmup))
	assert.Equal(t, schema.LifecycleActive, h.svc.State())
	assert.NoError(t, h.svc.transitionSync(t.Context(), schema.LifecycleActive))

	require.NoError(t, h.svc.transitionSync(t.Context(), schema.LifecycleStopped))
	assert.Equal(t, schema.LifecycleStopped, h.gw.State())
	key := h.submit(newOrder(schema.OrderSideBuy, 100, 1))
	assert.Equal(t, schema.CompletionRejectedInternally, h.inbox.last(key).Type)
	assert.Error(t, h.svc.transitionSync(t.Context(), schema.LifecycleActive))
	assert.Equal(t, schema.LifecycleStopped, h.svc.State())
}

func TestEvaluateStateFollowsLineHandler(t *testing.T) {
	h := newHarness(t, t.Context(), defaultConfig(), og.GatewayConfig{}, nil)
	require.NoError(t, h.svc.transitionSync(t.Context(), schema.LifecycleRecovery))

	require.NoError(t, h.svc.Command(CommandEvaluateState))
	h.svc.Poll(t.Context())
	assert.Equal(t, schema.LifecycleRecovery, h.svc.State())

	res := <-h.gw.Transition(schema.LifecycleActive)
	require.NoError(t, res.Err)
	require.NoError(t, h.svc.Command(CommandEvaluateState))
	h.svc.Poll(t.Context())
	assert.Equal(t, schema.LifecycleActive, h.svc.State())

	key := h.submit(newOrder(schema.OrderSideBuy, 100, 1))
	assert.Equal(t, acceptedOK, h.inbox.types(key))
}

func TestWarmupLeavesNoTrace(t *testing.T) {
	cfg := defaultConfig()
	cfg.InitialPurchasingPower = 0
	cfg.Warmup = WarmupConfig{RoundTrips: 2, SecSid: 1, Price: 10}
	h := newHarness(t, t.Context(), cfg, og.GatewayConfig{}, nil)
	var published []order.Update
	h.enqueue(Request{
		Type:          RequestSubscribe,
		SubscriberKey: "recorder",
		Subscriber:    order.SubscriberFunc(func(u order.Update) { published = append(published, u) }),
	})

	require.NoError(t, h.svc.Start(t.Context()))
	assert.Equal(t, schema.LifecycleActive, h.svc.State())
	assert.Empty(t, published)
	assert.True(t, h.svc.IsClear())
	assert.True(t, h.gw.IsClear())
	assert.Zero(t, h.svc.PurchasingPower())
	assert.Equal(t, schema.Quantity(100), h.svc.Book(1).Position().LongPosition())

	snap := h.svc.Metrics().Snapshot()
	assert.Equal(t, uint64(4), snap.CompletionCounts["OK"])
	assert.Equal(t, uint64(4), snap.CompletionCounts["ACCEPTED"])

	key := h.submit(newOrder(schema.OrderSideSell, 10, 1))
	assert.Equal(t, acceptedOK, h.inbox.types(key))
	assert.Equal(t, schema.OrdSid(5), h.ordSid(key))
	require.Len(t, published, 1)
	assert.Equal(t, order.UpdateOrderAccepted, published[0].Kind)
	assert.Equal(t, schema.OrdSid(5), published[0].Order.OrdSid)
}

func TestWarmupFailsWhenCancelIsRejected(t *testing.T) {
	cfg := defaultConfig()
	cfg.Warmup = WarmupConfig{RoundTrips: 1, SecSid: 1, Price: 10}
	h := newHarness(t, t.Context(), cfg, og.GatewayConfig{AutoFill: true}, nil)

	assert.Error(t, h.svc.Start(t.Context()))
	assert.Equal(t, schema.LifecycleReset, h.svc.State())
	assert.Equal(t, initialPP, h.svc.PurchasingPower())
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		require.FailNow(t, "timed out")
	}
	var zero T
	return zero
}

func TestRunLoop(t *testing.T) {
	h := startedHarness(t, defaultConfig(), og.GatewayConfig{AutoFill: true})

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- h.svc.Run(ctx) }()

	got := make(chan order.Completion, 8)
	req := newOrder(schema.OrderSideBuy, 100, 10)
	req.ClientKey = 7
	req.Owner = order.OwnerFunc(func(c order.Completion) { got <- c })
	require.NoError(t, h.svc.Submit(req))

	accepted := receive[order.Completion](t, got)
	assert.Equal(t, schema.CompletionAccepted, accepted.Type)
	assert.Equal(t, schema.ClientKey(7), accepted.ClientKey)
	assert.Equal(t, schema.CompletionOK, receive[order.Completion](t, got).Type)

	res := receive(t, h.svc.Transition(schema.LifecycleReset))
	require.NoError(t, res.Err)
	assert.Equal(t, schema.LifecycleReset, res.State)

	cancel()
	require.NoError(t, receive[error](t, done))
	assert.Equal(t, schema.LifecycleReset, h.svc.State())
}
