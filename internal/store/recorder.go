package store

import (
	"context"
	"sync/atomic"

	"github.com/yanun0323/logs"

	"omes/internal/bus"
	"omes/internal/order"
	"omes/pkg/exception"
)

// Writer persists order and trade rows. Client is the PostgreSQL writer.
type Writer interface {
	SaveOrder(ctx context.Context, rec OrderRecord) error
	SaveTrade(ctx context.Context, rec TradeRecord) error
}

// Recorder is an order update subscriber that writes every update on its own
// goroutine, so the service loop never waits on the database.
type Recorder struct {
	writer Writer
	queue  *bus.Queue[order.Update]

	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewRecorder creates a recorder holding up to size pending updates.
func NewRecorder(w Writer, size int) (*Recorder, error) {
	if w == nil {
		return nil, exception.ErrNilInstance
	}
	return &Recorder{writer: w, queue: bus.NewQueue[order.Update](size)}, nil
}

// OnOrderUpdate queues an update without blocking.
func (r *Recorder) OnOrderUpdate(u order.Update) {
	if err := r.queue.TryPublish(u); err != nil {
		r.dropped.Add(1)
		logs.Errorf("recorder dropped update, kind: %s, ord sid: %d, err: %+v", u.Kind, u.Order.OrdSid, err)
	}
}

// Run writes queued updates until ctx is done or Close was called and the
// queue is drained.
func (r *Recorder) Run(ctx context.Context) {
	r.queue.Run(ctx, func(u order.Update) {
		r.write(ctx, u)
	})
}

// Close stops accepting updates.
func (r *Recorder) Close() {
	r.queue.Close()
}

// Dropped returns the number of updates lost to a full or closed queue.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Failed returns the number of rows the writer refused.
func (r *Recorder) Failed() uint64 {
	return r.failed.Load()
}

func (r *Recorder) write(ctx context.Context, u order.Update) {
	if u.Kind.IsTrade() {
		if err := r.writer.SaveTrade(ctx, tradeRecord(u.Trade)); err != nil {
			r.failed.Add(1)
			logs.Errorf("save trade, trade sid: %d, err: %+v", u.Trade.TradeSid, err)
		}
		if u.Kind == order.UpdateTradeSnapshot {
			return
		}
	}
	if err := r.writer.SaveOrder(ctx, orderRecord(u.Order)); err != nil {
		r.failed.Add(1)
		logs.Errorf("save order, ord sid: %d, err: %+v", u.Order.OrdSid, err)
	}
}
