package og

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omes/internal/order"
	"omes/internal/schema"
)

type reservations struct {
	reqs []*order.Request
}

func (r *reservations) ReserveRecovered(req *order.Request) {
	r.reqs = append(r.reqs, req)
}

func TestRecoveryRebuildsUnknownOrders(t *testing.T) {
	f := newFixture(t, GatewayConfig{})
	f.newOrder(t, 1, schema.OrderSideBuy, 100, 10)
	_, err := f.gateway.Fill(1, 100, 3)
	require.NoError(t, err)
	f.newOrder(t, 2, schema.OrderSideSell, 120, 4)
	f.cancel(t, 3, 2)

	// A fresh engine knows nothing about the venue orders.
	fresh := newFixture(t, GatewayConfig{})
	res := &reservations{}
	fresh.manager.SetRecovery(NewRecoveryHandler(fresh.mc, res, fresh.clock))
	assert.True(t, fresh.manager.Recovering())
	for _, r := range f.gateway.History() {
		fresh.manager.Handle(r)
	}

	require.Len(t, res.reqs, 2)
	buy := res.reqs[0]
	assert.Equal(t, schema.OrdSid(1), buy.OrdSid)
	assert.Equal(t, schema.Quantity(10), buy.New.Quantity)
	assert.Equal(t, schema.OrderTypeLimit, buy.New.Type)
	assert.Equal(t, schema.TimeInForceDay, buy.New.TimeInForce)
	assert.Nil(t, buy.Owner)
	assert.Equal(t, schema.OrderSideSell, res.reqs[1].Side)
	assert.Equal(t, schema.OrdSid(3), fresh.mc.LatestOrdSid())

	assert.Equal(t, uint64(0), fresh.metrics.Snapshot().BuggyUpdates)
	orders := fresh.manager.Orders()
	require.Len(t, orders, 2)
	assert.Equal(t, schema.Quantity(3), orders[0].CumQty)
	assert.Equal(t, schema.OrderStatusCancelled, orders[1].Status)
}

func TestRecoveryIgnoresKnownOrders(t *testing.T) {
	f := newFixture(t, GatewayConfig{})
	res := &reservations{}
	h := NewRecoveryHandler(f.mc, res, nil)
	f.manager.SetRecovery(h)

	f.newOrder(t, 1, schema.OrderSideBuy, 100, 10)
	assert.Empty(t, res.reqs)
	assert.Equal(t, 0, h.Recovered())

	f.manager.Handle(OrderAccepted{OrdSid: 4, OrderFields: OrderFields{SecSid: 12345, Side: schema.OrderSideBuy, LimitPrice: 1, Quantity: 2, LeavesQty: 2}})
	f.manager.Handle(OrderAccepted{OrdSid: 4, OrderFields: OrderFields{SecSid: 12345, Side: schema.OrderSideBuy, LimitPrice: 1, Quantity: 2, LeavesQty: 2}})
	assert.Len(t, res.reqs, 1)
	assert.Equal(t, 1, h.Recovered())

	f.manager.SetRecovery(nil)
	assert.False(t, f.manager.Recovering())
}
