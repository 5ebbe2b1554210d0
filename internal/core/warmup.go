package core

import (
	"context"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"omes/internal/order"
	"omes/internal/schema"
)

// WarmupConfig drives synthetic buy and cancel round trips before trading.
type WarmupConfig struct {
	RoundTrips int
	SecSid     schema.SecSid
	Price      schema.Price
}

// Warmup moves the service and the line handler to WARMUP, runs the round
// trips through the regular pipeline and resets everything it touched. It
// runs on the calling goroutine before Run.
func (s *Service) Warmup(ctx context.Context) error {
	cfg := s.cfg.Warmup
	if cfg.Price <= 0 {
		cfg.Price = 1
	}
	if s.running.Load() {
		return errors.New("core: warmup must run before the service loop")
	}
	if err := s.transitionSync(ctx, schema.LifecycleWarmup); err != nil {
		return err
	}

	initial := s.exposure.InitialPurchasingPower()
	need, _ := schema.MulNotional(cfg.Price, 1)
	if initial < need {
		s.exposure.SetInitialPurchasingPower(need)
	}

	var (
		got  []order.Completion
		fail error
	)
	owner := order.OwnerFunc(func(c order.Completion) { got = append(got, c) })
	for i := range cfg.RoundTrips {
		got = got[:0]
		key := schema.ClientKey(i + 1)
		s.submitSync(ctx, Request{
			Type:      RequestNewOrder,
			ClientKey: key,
			Owner:     owner,
			NewOrder: order.NewOrder{
				SecSid:      cfg.SecSid,
				Side:        schema.OrderSideBuy,
				Type:        schema.OrderTypeLimit,
				TimeInForce: schema.TimeInForceDay,
				LimitPrice:  cfg.Price,
				Quantity:    1,
			},
		})
		ordSid, ok := warmupAccepted(got)
		if !ok {
			fail = errors.Errorf("round trip %d: new order got %v", i, got)
			break
		}

		got = got[:0]
		s.submitSync(ctx, Request{Type: RequestCancelOrder, ClientKey: key, Owner: owner, Cancel: order.CancelOrder{OrigOrdSid: ordSid}})
		if _, ok := warmupAccepted(got); !ok {
			fail = errors.Errorf("round trip %d: cancel got %v", i, got)
			break
		}
	}

	if err := s.transitionSync(ctx, schema.LifecycleReset); err != nil && fail == nil {
		fail = err
	}
	s.exposure.SetInitialPurchasingPower(initial)
	s.exposure.Clear()
	if fail != nil {
		return fail
	}
	logs.Infof("warmup done, round trips: %d", cfg.RoundTrips)
	return nil
}

func (s *Service) submitSync(ctx context.Context, req Request) {
	if err := s.Submit(req); err != nil {
		return
	}
	s.Poll(ctx)
}

// warmupAccepted returns the ordSid of a request that was accepted and then completed OK.
func warmupAccepted(got []order.Completion) (schema.OrdSid, bool) {
	if len(got) != 2 || got[0].Type != schema.CompletionAccepted || got[1].Type != schema.CompletionOK {
		return 0, false
	}
	return got[0].OrdSid, true
}
