package order

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yanun0323/errors"
	"pgregory.net/rapid"

	"omes/internal/bus"
	"omes/internal/clock"
	"omes/internal/obs"
	"omes/internal/schema"
	"omes/internal/throttle"
)

var epoch = time.Unix(1_700_000_000, 0)

type outcome struct {
	kind   obs.ExecutorOutcome
	ordSid schema.OrdSid
	err    error
}

type recorder struct {
	mu       sync.Mutex
	outcomes []outcome
}

func (r *recorder) add(o outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
}

func (r *recorder) Timeout(req Request) {
	r.add(outcome{kind: obs.ExecutorTimeout, ordSid: req.OrdSid})
}
func (r *recorder) TimeoutAfterThrottled(req Request) {
	r.add(outcome{kind: obs.ExecutorTimeoutAfterThrottled, ordSid: req.OrdSid})
}
func (r *recorder) Throttled(req Request) {
	r.add(outcome{kind: obs.ExecutorThrottled, ordSid: req.OrdSid})
}
func (r *recorder) SentToExchange(req Request, _ time.Time) {
	r.add(outcome{kind: obs.ExecutorSent, ordSid: req.OrdSid})
}
func (r *recorder) Fail(req Request, err error) {
	r.add(outcome{kind: obs.ExecutorFailed, ordSid: req.OrdSid, err: err})
}

func (r *recorder) snapshot() []outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]outcome(nil), r.outcomes...)
}

func (r *recorder) kinds() map[schema.OrdSid]obs.ExecutorOutcome {
	out := make(map[schema.OrdSid]obs.ExecutorOutcome)
	for _, o := range r.snapshot() {
		out[o.ordSid] = o.kind
	}
	return out
}

type fakeSender struct {
	mu     sync.Mutex
	sent   []schema.OrdSid
	failOn map[schema.OrdSid]error
}

func (s *fakeSender) Send(_ context.Context, req Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failOn[req.OrdSid]; err != nil {
		return err
	}
	s.sent = append(s.sent, req.OrdSid)
	return nil
}

func (s *fakeSender) snapshot() []schema.OrdSid {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]schema.OrdSid(nil), s.sent...)
}

type fixture struct {
	clk      *clock.Manual
	queue    *bus.Queue[Request]
	sender   *fakeSender
	recorder *recorder
	executor *Executor
}

func newFixture(t *testing.T, maxBatch int, capacities ...int) *fixture {
	t.Helper()
	f := &fixture{
		clk:      clock.NewManual(epoch),
		queue:    bus.NewQueue[Request](1024),
		sender:   &fakeSender{failOn: map[schema.OrdSid]error{}},
		recorder: &recorder{},
	}
	trackers := make([]*throttle.Tracker, len(capacities))
	for i, c := range capacities {
		tr, err := throttle.NewTracker(c, time.Second, f.clk)
		require.NoError(t, err)
		trackers[i] = tr
	}
	ex, err := NewExecutor(ExecutorConfig{MaxBatchOrders: maxBatch}, f.queue, trackers, f.sender, f.recorder, f.clk, obs.NewMetrics())
	require.NoError(t, err)
	ex.Activate()
	f.executor = ex
	return f
}

func (f *fixture) publish(t *testing.T, reqs ...Request) {
	t.Helper()
	for _, r := range reqs {
		require.NoError(t, f.queue.TryPublish(r))
	}
}

func newReq(ordSid schema.OrdSid) Request {
	return Request{Kind: KindNew, OrdSid: ordSid, SecSid: 1, Side: schema.OrderSideBuy, Retry: true}
}

func TestExecutorThrottlesFifthRequest(t *testing.T) {
	f := newFixture(t, 10, 4)
	for i := 1; i <= 5; i++ {
		f.publish(t, newReq(schema.OrdSid(i)))
	}

	f.executor.ConsumeAll(t.Context())
	assert.Equal(t, []schema.OrdSid{1, 2, 3, 4}, f.sender.snapshot())
	assert.Equal(t, 1, f.executor.Held())

	f.executor.ConsumeAll(t.Context())
	assert.Len(t, f.sender.snapshot(), 4)

	f.clk.Advance(time.Second)
	f.executor.ConsumeAll(t.Context())
	assert.Equal(t, []schema.OrdSid{1, 2, 3, 4, 5}, f.sender.snapshot())
	assert.Zero(t, f.executor.Held())
	assert.Equal(t, obs.ExecutorSent, f.recorder.kinds()[5])
}

func TestExecutorRejectsThrottledWithoutRetry(t *testing.T) {
	f := newFixture(t, 10, 1)
	second := newReq(2)
	second.Retry = false
	f.publish(t, newReq(1), second)

	f.executor.ConsumeAll(t.Context())
	kinds := f.recorder.kinds()
	assert.Equal(t, obs.ExecutorSent, kinds[1])
	assert.Equal(t, obs.ExecutorThrottled, kinds[2])
}

func TestExecutorTimeouts(t *testing.T) {
	f := newFixture(t, 10, 1)
	expired := newReq(1)
	expired.TimeoutAt = epoch
	first := newReq(2)
	held := newReq(3)
	held.TimeoutAt = epoch.Add(1500 * time.Millisecond)
	f.publish(t, expired, first, held)

	f.executor.ConsumeAll(t.Context())
	kinds := f.recorder.kinds()
	assert.Equal(t, obs.ExecutorTimeout, kinds[1])
	assert.Equal(t, obs.ExecutorSent, kinds[2])
	assert.Equal(t, 1, f.executor.Held())

	f.clk.Advance(2 * time.Second)
	f.executor.ConsumeAll(t.Context())
	assert.Equal(t, obs.ExecutorTimeoutAfterThrottled, f.recorder.kinds()[3])
	assert.Equal(t, []schema.OrdSid{2}, f.sender.snapshot())
}

func TestExecutorDeadlineBeforeNextAvailable(t *testing.T) {
	f := newFixture(t, 10, 1)
	late := newReq(2)
	late.TimeoutAt = epoch.Add(500 * time.Millisecond)
	f.publish(t, newReq(1), late)

	f.executor.ConsumeAll(t.Context())
	assert.Equal(t, obs.ExecutorTimeoutAfterThrottled, f.recorder.kinds()[2])
	assert.Zero(t, f.executor.Held())
}

func TestExecutorNoThrottleCheck(t *testing.T) {
	f := newFixture(t, 10, 1)
	cancel := Request{Kind: KindCancel, OrdSid: 2, Cancel: CancelOrder{OrigOrdSid: 1}, NoThrottleCheck: true}
	f.publish(t, newReq(1), cancel)

	f.executor.ConsumeAll(t.Context())
	assert.Equal(t, []schema.OrdSid{1, 2}, f.sender.snapshot())
}

func TestExecutorCompositeClaimsAtomically(t *testing.T) {
	f := newFixture(t, 10, 3)
	composite := newReq(3)
	composite.ThrottlesRequired = 2
	composite.Composite = true
	f.publish(t, newReq(1), newReq(2), composite, newReq(4))

	f.executor.ConsumeAll(t.Context())
	assert.Equal(t, []schema.OrdSid{1, 2}, f.sender.snapshot())
	assert.Equal(t, 2, f.executor.Held())
	assert.True(t, f.executor.Tracker(0).Available(1), "no slot may be consumed by a partial claim")

	f.clk.Advance(time.Second)
	f.executor.ConsumeAll(t.Context())
	assert.Equal(t, []schema.OrdSid{1, 2, 3, 4}, f.sender.snapshot())
	assert.False(t, f.executor.Tracker(0).Available(1))
}

func TestExecutorCompositeLargerThanCapacity(t *testing.T) {
	f := newFixture(t, 10, 1)
	composite := newReq(1)
	composite.ThrottlesRequired = 2
	f.publish(t, composite)

	f.executor.ConsumeAll(t.Context())
	assert.Equal(t, obs.ExecutorThrottled, f.recorder.kinds()[1])
}

func TestExecutorSendFailureDoesNotStopDrain(t *testing.T) {
	f := newFixture(t, 10, 10)
	cause := errors.New("line down")
	f.sender.failOn[2] = cause
	f.publish(t, newReq(1), newReq(2), newReq(3))

	f.executor.ConsumeAll(t.Context())
	assert.Equal(t, []schema.OrdSid{1, 3}, f.sender.snapshot())
	outcomes := f.recorder.snapshot()
	require.Len(t, outcomes, 3)
	assert.Equal(t, obs.ExecutorFailed, outcomes[1].kind)
	assert.ErrorIs(t, outcomes[1].err, cause)
}

func TestExecutorBatching(t *testing.T) {
	f := newFixture(t, 2, 10)
	for i := 1; i <= 5; i++ {
		f.publish(t, newReq(schema.OrdSid(i)))
	}

	f.executor.ConsumeAll(t.Context())
	assert.Len(t, f.sender.snapshot(), 5)
	assert.Len(t, f.recorder.snapshot(), 5)
	assert.Zero(t, f.executor.CurrentBatchOrderSize())
	assert.Zero(t, f.executor.CurrentBatchActionSize())
}

func TestExecutorInactiveFails(t *testing.T) {
	f := newFixture(t, 10, 1)
	f.executor.Deactivate()
	f.publish(t, newReq(1))

	f.executor.ConsumeAll(t.Context())
	outcomes := f.recorder.snapshot()
	require.Len(t, outcomes, 1)
	assert.ErrorIs(t, outcomes[0].err, ErrExecutorInactive)
}

func TestExecutorInvalidThrottleIndex(t *testing.T) {
	f := newFixture(t, 10, 1)
	req := newReq(1)
	req.ThrottleIndex = 3
	f.publish(t, req)

	f.executor.ConsumeAll(t.Context())
	outcomes := f.recorder.snapshot()
	require.Len(t, outcomes, 1)
	assert.ErrorIs(t, outcomes[0].err, ErrInvalidThrottleIndex)
}

func TestExecutorReset(t *testing.T) {
	f := newFixture(t, 10, 1)
	f.publish(t, newReq(1), newReq(2))
	f.executor.ConsumeAll(t.Context())
	require.Equal(t, 1, f.executor.Held())
	require.False(t, f.executor.IsClear())

	f.executor.Reset(t.Context())
	assert.True(t, f.executor.IsClear())
	assert.ErrorIs(t, f.recorder.snapshot()[1].err, ErrExecutorReset)
	assert.True(t, f.executor.Tracker(0).Available(1))
}

func TestNewExecutorValidation(t *testing.T) {
	q := bus.NewQueue[Request](1)
	_, err := NewExecutor(ExecutorConfig{}, q, nil, &fakeSender{}, &recorder{}, nil, nil)
	assert.Error(t, err)
	_, err = NewExecutor(ExecutorConfig{}, q, []*throttle.Tracker{nil}, &fakeSender{}, &recorder{}, nil, nil)
	assert.Error(t, err)
}

func TestExecutorRunWakesOnClock(t *testing.T) {
	f := newFixture(t, 10, 1)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go f.executor.Run(ctx)

	f.publish(t, newReq(1), newReq(2))
	require.Eventually(t, func() bool { return len(f.sender.snapshot()) == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return f.clk.Waiters() > 0 }, time.Second, time.Millisecond)

	f.clk.Advance(time.Second)
	require.Eventually(t, func() bool { return len(f.sender.snapshot()) == 2 }, time.Second, time.Millisecond)

	f.executor.Reset(ctx)
	assert.True(t, f.executor.Tracker(0).Available(1))
}

func TestExecutorEveryRequestEndsOnce(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		clk := clock.NewManual(epoch)
		queue := bus.NewQueue[Request](4096)
		sender := &fakeSender{failOn: map[schema.OrdSid]error{}}
		rec := &recorder{}
		capacity := rapid.IntRange(1, 5).Draw(t, "capacity")
		tr, err := throttle.NewTracker(capacity, time.Second, clk)
		if err != nil {
			t.Fatalf("tracker: %v", err)
		}
		ex, err := NewExecutor(ExecutorConfig{MaxBatchOrders: rapid.IntRange(1, 4).Draw(t, "batch")}, queue, []*throttle.Tracker{tr}, sender, rec, clk, nil)
		if err != nil {
			t.Fatalf("executor: %v", err)
		}
		ex.Activate()

		n := rapid.IntRange(1, 40).Draw(t, "requests")
		sentAt := make(map[schema.OrdSid]time.Time)
		for i := 1; i <= n; i++ {
			req := Request{Kind: KindNew, OrdSid: schema.OrdSid(i), Retry: rapid.Bool().Draw(t, "retry")}
			if rapid.Bool().Draw(t, "deadline") {
				req.TimeoutAt = clk.Now().Add(time.Duration(rapid.IntRange(0, 3000).Draw(t, "timeoutMs")) * time.Millisecond)
			}
			if err := queue.TryPublish(req); err != nil {
				t.Fatalf("publish: %v", err)
			}
			if rapid.Bool().Draw(t, "cycle") {
				before := len(sender.snapshot())
				ex.ConsumeAll(context.Background())
				for _, sid := range sender.snapshot()[before:] {
					sentAt[sid] = clk.Now()
				}
				clk.Advance(time.Duration(rapid.IntRange(0, 700).Draw(t, "advanceMs")) * time.Millisecond)
			}
		}
		for i := 0; i < n+2 && (queue.Len() > 0 || ex.Held() > 0); i++ {
			before := len(sender.snapshot())
			ex.ConsumeAll(context.Background())
			for _, sid := range sender.snapshot()[before:] {
				sentAt[sid] = clk.Now()
			}
			clk.Advance(time.Second)
		}

		if ex.Held() != 0 || queue.Len() != 0 {
			t.Fatalf("requests left: held %d queued %d", ex.Held(), queue.Len())
		}
		seen := make(map[schema.OrdSid]int)
		for _, o := range rec.snapshot() {
			seen[o.ordSid]++
		}
		for i := 1; i <= n; i++ {
			if seen[schema.OrdSid(i)] != 1 {
				t.Fatalf("request %d ended %d times", i, seen[schema.OrdSid(i)])
			}
		}
		for _, a := range sentAt {
			inWindow := 0
			for _, b := range sentAt {
				if !b.Before(a) && b.Sub(a) < time.Second {
					inWindow++
				}
			}
			if inWindow > capacity {
				t.Fatalf("%d sends within one window, capacity %d", inWindow, capacity)
			}
		}
	})
}
