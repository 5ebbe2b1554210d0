package order

import (
	"slices"
	"time"

	"github.com/yanun0323/errors"

	"omes/internal/clock"
	"omes/internal/risk"
	"omes/internal/schema"
	"omes/internal/throttle"
)

var ErrInvalidNumChannels = errors.New("order: number of channels must be a positive power of two")

// Channel is a sequencing lane. Updates of every security on the lane carry a
// strictly increasing sequence number.
type Channel struct {
	id  int32
	seq int64
}

// ID returns the channel id.
func (c *Channel) ID() int32 { return c.id }

// Seq returns the next sequence number without consuming it.
func (c *Channel) Seq() int64 { return c.seq }

// GetAndIncrementSeq consumes a sequence number.
func (c *Channel) GetAndIncrementSeq() int64 {
	seq := c.seq
	c.seq++
	return seq
}

// SecurityLevelInfo groups the per-security state.
type SecurityLevelInfo struct {
	SecSid  schema.SecSid
	Channel *Channel
	Book    *risk.ValidationOrderBook
	// UnderlyingThrottle bounds buy orders per underlying. Nil when disabled.
	UnderlyingThrottle *throttle.Tracker
}

// ContextConfig sizes a ManagementContext.
type ContextConfig struct {
	NumChannels               int
	ExpectedOutstandingOrders int
	UnderlyingThrottles       int
	UnderlyingWindow          time.Duration
}

// ManagementContext owns the per-security books, the outstanding requests and
// the update subscribers. It is only touched by the orchestration goroutine.
type ManagementContext struct {
	cfg      ContextConfig
	registry *schema.Registry
	clock    clock.Clock

	channels     []*Channel
	securities   map[schema.SecSid]*SecurityLevelInfo
	underlyings  map[schema.SecSid]*throttle.Tracker
	requests     map[schema.OrdSid]*Request
	cancelByOrig map[schema.OrdSid]schema.OrdSid
	amendByOrig  map[schema.OrdSid]schema.OrdSid

	subscriberKeys []string
	subscribers    map[string]Subscriber

	latestOrdSid schema.OrdSid
}

// NewManagementContext validates the configuration and allocates the channels.
func NewManagementContext(cfg ContextConfig, registry *schema.Registry, clk clock.Clock) (*ManagementContext, error) {
	n := cfg.NumChannels
	if n <= 0 || n&(n-1) != 0 {
		return nil, errors.Wrapf(ErrInvalidNumChannels, "got %d", n)
	}
	if cfg.UnderlyingThrottles > 0 && cfg.UnderlyingWindow <= 0 {
		return nil, errors.New("order: underlying throttle window must be positive")
	}
	if clk == nil {
		clk = clock.System{}
	}
	if registry == nil {
		registry = schema.NewRegistry()
	}
	channels := make([]*Channel, n)
	for i := range channels {
		channels[i] = &Channel{id: int32(i)}
	}
	return &ManagementContext{
		cfg:          cfg,
		registry:     registry,
		clock:        clk,
		channels:     channels,
		securities:   make(map[schema.SecSid]*SecurityLevelInfo),
		underlyings:  make(map[schema.SecSid]*throttle.Tracker),
		requests:     make(map[schema.OrdSid]*Request),
		cancelByOrig: make(map[schema.OrdSid]schema.OrdSid),
		amendByOrig:  make(map[schema.OrdSid]schema.OrdSid),
		subscribers:  make(map[string]Subscriber),
	}, nil
}

// NumChannels returns the number of channels.
func (c *ManagementContext) NumChannels() int {
	return len(c.channels)
}

// SecurityLevelInfo returns the state of a security, creating it on first use.
func (c *ManagementContext) SecurityLevelInfo(secSid schema.SecSid) *SecurityLevelInfo {
	if info, ok := c.securities[secSid]; ok {
		return info
	}
	info := &SecurityLevelInfo{
		SecSid:             secSid,
		Channel:            c.channels[int(secSid)&(len(c.channels)-1)],
		Book:               risk.NewValidationOrderBook(secSid, c.cfg.ExpectedOutstandingOrders),
		UnderlyingThrottle: c.underlyingThrottle(secSid),
	}
	c.securities[secSid] = info
	return info
}

func (c *ManagementContext) underlyingThrottle(secSid schema.SecSid) *throttle.Tracker {
	if c.cfg.UnderlyingThrottles <= 0 {
		return nil
	}
	sec, ok := c.registry.Security(secSid)
	if !ok || !sec.HasUnderlying() {
		return nil
	}
	if tr, ok := c.underlyings[sec.Underlying]; ok {
		return tr
	}
	tr, err := throttle.NewTracker(c.cfg.UnderlyingThrottles, c.cfg.UnderlyingWindow, c.clock)
	if err != nil {
		return nil
	}
	c.underlyings[sec.Underlying] = tr
	return tr
}

// Securities returns the sids of every security referenced so far, ascending.
func (c *ManagementContext) Securities() []schema.SecSid {
	sids := make([]schema.SecSid, 0, len(c.securities))
	for sid := range c.securities {
		sids = append(sids, sid)
	}
	slices.Sort(sids)
	return sids
}

// PutRequest stores an outstanding request by ordSid.
func (c *ManagementContext) PutRequest(r *Request) {
	c.requests[r.OrdSid] = r
}

// Request returns an outstanding request.
func (c *ManagementContext) Request(ordSid schema.OrdSid) (*Request, bool) {
	r, ok := c.requests[ordSid]
	return r, ok
}

// RemoveRequest drops an outstanding request.
func (c *ManagementContext) RemoveRequest(ordSid schema.OrdSid) (*Request, bool) {
	r, ok := c.requests[ordSid]
	if ok {
		delete(c.requests, ordSid)
	}
	return r, ok
}

// Requests returns the outstanding requests ordered by ordSid.
func (c *ManagementContext) Requests() []*Request {
	out := make([]*Request, 0, len(c.requests))
	for _, r := range c.requests {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b *Request) int { return int(a.OrdSid) - int(b.OrdSid) })
	return out
}

// RequestCount returns the number of outstanding requests.
func (c *ManagementContext) RequestCount() int {
	return len(c.requests)
}

// PutCancel records the pending cancel request of an order.
func (c *ManagementContext) PutCancel(orig, cancel schema.OrdSid) {
	c.cancelByOrig[orig] = cancel
}

// CancelOrdSid returns the pending cancel request of an order.
func (c *ManagementContext) CancelOrdSid(orig schema.OrdSid) (schema.OrdSid, bool) {
	sid, ok := c.cancelByOrig[orig]
	return sid, ok
}

// RemoveCancel drops the pending cancel of an order.
func (c *ManagementContext) RemoveCancel(orig schema.OrdSid) {
	delete(c.cancelByOrig, orig)
}

// PutAmend records the pending amend request of an order.
func (c *ManagementContext) PutAmend(orig, amend schema.OrdSid) {
	c.amendByOrig[orig] = amend
}

// AmendOrdSid returns the pending amend request of an order.
func (c *ManagementContext) AmendOrdSid(orig schema.OrdSid) (schema.OrdSid, bool) {
	sid, ok := c.amendByOrig[orig]
	return sid, ok
}

// RemoveAmend drops the pending amend of an order.
func (c *ManagementContext) RemoveAmend(orig schema.OrdSid) {
	delete(c.amendByOrig, orig)
}

// AddSubscriber registers a subscriber under key. It returns false when the key is taken.
func (c *ManagementContext) AddSubscriber(key string, sub Subscriber) bool {
	if _, ok := c.subscribers[key]; ok {
		return false
	}
	c.subscribers[key] = sub
	c.subscriberKeys = append(c.subscriberKeys, key)
	return true
}

// RemoveSubscriber unregisters a subscriber.
func (c *ManagementContext) RemoveSubscriber(key string) bool {
	if _, ok := c.subscribers[key]; !ok {
		return false
	}
	delete(c.subscribers, key)
	if idx := slices.Index(c.subscriberKeys, key); idx >= 0 {
		c.subscriberKeys = slices.Delete(c.subscriberKeys, idx, idx+1)
	}
	return true
}

// Publish delivers an update to every subscriber in registration order.
func (c *ManagementContext) Publish(u Update) {
	for _, key := range c.subscriberKeys {
		c.subscribers[key].OnOrderUpdate(u)
	}
}

// SubscriberCount returns the number of subscribers.
func (c *ManagementContext) SubscriberCount() int {
	return len(c.subscriberKeys)
}

// UpdateLatestOrdSid keeps the highest ordSid seen.
func (c *ManagementContext) UpdateLatestOrdSid(ordSid schema.OrdSid) {
	if ordSid > c.latestOrdSid {
		c.latestOrdSid = ordSid
	}
}

// LatestOrdSid returns the highest ordSid seen.
func (c *ManagementContext) LatestOrdSid() schema.OrdSid {
	return c.latestOrdSid
}

// Reset drops every request and pending action and clears every book.
// Channels keep their sequence and subscribers stay registered.
func (c *ManagementContext) Reset() {
	clear(c.requests)
	clear(c.cancelByOrig)
	clear(c.amendByOrig)
	for _, info := range c.securities {
		info.Book.Clear()
	}
	for _, tr := range c.underlyings {
		_ = tr.Resize(tr.Capacity())
	}
}

// IsClear reports whether nothing is outstanding.
func (c *ManagementContext) IsClear() bool {
	return len(c.requests) == 0 && len(c.cancelByOrig) == 0 && len(c.amendByOrig) == 0
}
