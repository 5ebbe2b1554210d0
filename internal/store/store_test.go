package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omes/internal/ops"
	"omes/internal/order"
	"omes/internal/schema"
	"omes/pkg/exception"
)

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://localhost:5432?sslmode=disable", DSN(ops.PostgresConfig{}))
	assert.Equal(t, "postgres://omes:p%40ss@db:6543/omes?application_name=omes&sslmode=require", DSN(ops.PostgresConfig{
		Host:     "db",
		Port:     6543,
		User:     "omes",
		Password: "p@ss",
		Database: "omes",
		SSLMode:  "require",
		Params:   map[string]string{"application_name": "omes", "": "ignored"},
	}))
	assert.Equal(t, "host=x", DSN(ops.PostgresConfig{DSN: "host=x", Host: "db"}))
}

func TestOpenDisabled(t *testing.T) {
	_, err := Open(ops.PostgresConfig{}, "s", nil)
	assert.ErrorIs(t, err, exception.ErrDatabaseDisabled)

	_, err = NewClient(nil, "s")
	assert.ErrorIs(t, err, exception.ErrNilInstance)

	closed := &Client{session: "s"}
	require.NoError(t, closed.Close())
	assert.ErrorIs(t, closed.SaveOrder(t.Context(), OrderRecord{}), exception.ErrConnectionClose)
	assert.ErrorIs(t, closed.SaveTrade(t.Context(), TradeRecord{}), exception.ErrConnectionClose)
	assert.ErrorIs(t, closed.SavePositions(t.Context(), map[schema.SecSid]schema.Quantity{1: 1}), exception.ErrConnectionClose)
	_, err = closed.LoadPositions(t.Context())
	assert.ErrorIs(t, err, exception.ErrConnectionClose)
	_, _, err = closed.LatestSids(t.Context())
	assert.ErrorIs(t, err, exception.ErrConnectionClose)
}

func TestRecordMapping(t *testing.T) {
	at := time.Date(2024, 3, 4, 9, 30, 0, 0, time.UTC)
	rec := orderRecord(order.Order{
		OrdSid:     7,
		SecSid:     700,
		Side:       schema.OrderSideSell,
		Type:       schema.OrderTypeLimit,
		LimitPrice: 1234,
		Quantity:   10,
		CumQty:     4,
		LeavesQty:  6,
		Status:     schema.OrderStatusPartiallyFilled,
		UpdateTime: at,
	})
	assert.Equal(t, int32(7), rec.OrdSid)
	assert.Equal(t, "SELL", rec.Side)
	assert.Equal(t, "PARTIALLY_FILLED", rec.Status)
	assert.Empty(t, rec.RejectType)
	assert.Equal(t, at, rec.UpdatedAt)

	rejected := orderRecord(order.Order{Status: schema.OrderStatusRejected, RejectType: schema.RejectTypeOther})
	assert.Equal(t, "OTHER", rejected.RejectType)

	tr := tradeRecord(order.Trade{TradeSid: 3, OrdSid: 7, ExecutionID: "x", ExecPrice: 1234, ExecQty: 4, Status: schema.TradeStatusCancelled})
	assert.Equal(t, int32(3), tr.TradeSid)
	assert.Equal(t, "CANCELLED", tr.Status)

	rows := positionRecords(map[schema.SecSid]schema.Quantity{9: 1, 2: 5}, at)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(2), rows[0].SecSid)
	assert.Equal(t, map[schema.SecSid]schema.Quantity{9: 1, 2: 5}, positionMap(rows))
}

type memWriter struct {
	mu     sync.Mutex
	orders []OrderRecord
	trades []TradeRecord
	fail   bool
}

func (m *memWriter) SaveOrder(_ context.Context, rec OrderRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("down")
	}
	m.orders = append(m.orders, rec)
	return nil
}

func (m *memWriter) SaveTrade(_ context.Context, rec TradeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("down")
	}
	m.trades = append(m.trades, rec)
	return nil
}

func TestRecorderWritesInOrder(t *testing.T) {
	w := &memWriter{}
	r, err := NewRecorder(w, 8)
	require.NoError(t, err)

	r.OnOrderUpdate(order.Update{Kind: order.UpdateOrderAccepted, Order: order.Order{OrdSid: 1, Status: schema.OrderStatusAccepted}})
	r.OnOrderUpdate(order.Update{Kind: order.UpdateTradeCreated, Order: order.Order{OrdSid: 1, Status: schema.OrderStatusFilled}, Trade: order.Trade{TradeSid: 1, OrdSid: 1}})
	r.OnOrderUpdate(order.Update{Kind: order.UpdateTradeSnapshot, Trade: order.Trade{TradeSid: 1, OrdSid: 1}})
	r.Close()
	r.OnOrderUpdate(order.Update{Kind: order.UpdateOrderExpired})

	r.Run(t.Context())
	require.Len(t, w.orders, 2)
	assert.Equal(t, "ACCEPTED", w.orders[0].Status)
	assert.Equal(t, "FILLED", w.orders[1].Status)
	assert.Len(t, w.trades, 2)
	assert.Equal(t, uint64(1), r.Dropped())
	assert.Zero(t, r.Failed())

	_, err = NewRecorder(nil, 1)
	assert.Error(t, err)
}

func TestRecorderCountsFailures(t *testing.T) {
	w := &memWriter{fail: true}
	r, err := NewRecorder(w, 1)
	require.NoError(t, err)

	r.OnOrderUpdate(order.Update{Kind: order.UpdateOrderCancelled})
	r.OnOrderUpdate(order.Update{Kind: order.UpdateOrderCancelled})
	r.Close()
	r.Run(t.Context())
	assert.Equal(t, uint64(1), r.Failed())
	assert.Equal(t, uint64(1), r.Dropped())
}
