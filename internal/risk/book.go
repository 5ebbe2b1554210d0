package risk

import (
	"slices"

	"github.com/yanun0323/logs"

	"omes/internal/schema"
)

// Level is one price level of the validation book. Orders resting at the same
// price share a level regardless of which order created it.
type Level struct {
	Price     schema.Price
	Side      schema.OrderSide
	NumOrders int
}

// side is one half of the book: levels by price plus the prices in ascending order.
type side struct {
	kind   schema.OrderSide
	levels map[schema.Price]*Level
	prices []schema.Price
}

func newSide(kind schema.OrderSide, capacity int) side {
	return side{
		kind:   kind,
		levels: make(map[schema.Price]*Level, capacity),
		prices: make([]schema.Price, 0, capacity),
	}
}

func (s *side) inc(price schema.Price) {
	level, ok := s.levels[price]
	if !ok {
		level = &Level{Price: price, Side: s.kind}
		s.levels[price] = level
		idx, _ := slices.BinarySearch(s.prices, price)
		s.prices = slices.Insert(s.prices, idx, price)
	}
	level.NumOrders++
}

func (s *side) dec(price schema.Price) bool {
	level, ok := s.levels[price]
	if !ok {
		return false
	}
	level.NumOrders--
	if level.NumOrders <= 0 {
		delete(s.levels, price)
		if idx, found := slices.BinarySearch(s.prices, price); found {
			s.prices = slices.Delete(s.prices, idx, idx+1)
		}
	}
	return true
}

func (s *side) min() (schema.Price, bool) {
	if len(s.prices) == 0 {
		return 0, false
	}
	return s.prices[0], true
}

func (s *side) max() (schema.Price, bool) {
	if len(s.prices) == 0 {
		return 0, false
	}
	return s.prices[len(s.prices)-1], true
}

func (s *side) clear() {
	clear(s.levels)
	s.prices = s.prices[:0]
}

// ValidationOrderBook is a per-security book built only from this engine's own
// outstanding orders. It detects self-crossing and gates sells against the
// long position. Not safe for concurrent use.
type ValidationOrderBook struct {
	secSid   schema.SecSid
	bids     side
	asks     side
	position Position
}

// NewValidationOrderBook creates an empty book for a security.
func NewValidationOrderBook(secSid schema.SecSid, expectedOutstandingOrders int) *ValidationOrderBook {
	return &ValidationOrderBook{
		secSid: secSid,
		bids:   newSide(schema.OrderSideBuy, expectedOutstandingOrders),
		asks:   newSide(schema.OrderSideSell, expectedOutstandingOrders),
	}
}

// SecSid returns the security of the book.
func (b *ValidationOrderBook) SecSid() schema.SecSid {
	return b.secSid
}

// Position returns the position owned by the book.
func (b *ValidationOrderBook) Position() *Position {
	return &b.position
}

// BestBid returns the highest resting bid.
func (b *ValidationOrderBook) BestBid() (schema.Price, bool) { return b.bids.max() }

// MinBid returns the lowest resting bid.
func (b *ValidationOrderBook) MinBid() (schema.Price, bool) { return b.bids.min() }

// BestAsk returns the lowest resting ask.
func (b *ValidationOrderBook) BestAsk() (schema.Price, bool) { return b.asks.min() }

// MaxAsk returns the highest resting ask.
func (b *ValidationOrderBook) MaxAsk() (schema.Price, bool) { return b.asks.max() }

// BidLevel returns the bid level at price.
func (b *ValidationOrderBook) BidLevel(price schema.Price) (Level, bool) {
	level, ok := b.bids.levels[price]
	if !ok {
		return Level{}, false
	}
	return *level, true
}

// AskLevel returns the ask level at price.
func (b *ValidationOrderBook) AskLevel(price schema.Price) (Level, bool) {
	level, ok := b.asks.levels[price]
	if !ok {
		return Level{}, false
	}
	return *level, true
}

// BidLevels returns the number of bid levels.
func (b *ValidationOrderBook) BidLevels() int { return len(b.bids.prices) }

// AskLevels returns the number of ask levels.
func (b *ValidationOrderBook) AskLevels() int { return len(b.asks.prices) }

// IsNewBuyOrderOk rejects a buy that would cross the best resting ask.
func (b *ValidationOrderBook) IsNewBuyOrderOk(price schema.Price, _ schema.Quantity) schema.RejectType {
	if ask, ok := b.asks.min(); ok && price >= ask {
		logs.Errorf("detected crossed, sec sid: %d, buy price: %d, best ask: %d", b.secSid, price, ask)
		return schema.RejectTypeCrossed
	}
	return schema.RejectTypeNone
}

// IsNewSellOrderOk rejects a sell larger than the long position, then one that
// would cross the best resting bid.
func (b *ValidationOrderBook) IsNewSellOrderOk(price schema.Price, qty schema.Quantity) schema.RejectType {
	if !b.position.OkToSell(qty) {
		return schema.RejectTypeInsufficientLongPosition
	}
	if bid, ok := b.bids.max(); ok && price <= bid {
		logs.Errorf("detected crossed, sec sid: %d, sell price: %d, best bid: %d", b.secSid, price, bid)
		return schema.RejectTypeCrossed
	}
	return schema.RejectTypeNone
}

// NewBuyOrder adds a bid at price.
func (b *ValidationOrderBook) NewBuyOrder(price schema.Price) {
	b.bids.inc(price)
}

// NewSellOrder adds an ask at price and reserves qty from the long position.
func (b *ValidationOrderBook) NewSellOrder(price schema.Price, qty schema.Quantity) {
	b.position.dec(qty)
	b.asks.inc(price)
}

func (b *ValidationOrderBook) buyOrderDone(event string, price schema.Price) {
	if !b.bids.dec(price) {
		logs.Errorf("buy order %s without bid level, sec sid: %d, price: %d", event, b.secSid, price)
	}
}

func (b *ValidationOrderBook) sellOrderDone(event string, price schema.Price, resetQty schema.Quantity) {
	b.position.inc(resetQty)
	if !b.asks.dec(price) {
		logs.Errorf("sell order %s without ask level, sec sid: %d, price: %d", event, b.secSid, price)
	}
}

// BuyOrderCancelled removes a cancelled buy from its bid level.
func (b *ValidationOrderBook) BuyOrderCancelled(price schema.Price) {
	b.buyOrderDone("cancelled", price)
}

// BuyOrderRejected removes a venue-rejected buy from its bid level.
func (b *ValidationOrderBook) BuyOrderRejected(price schema.Price) { b.buyOrderDone("rejected", price) }

// BuyOrderExpired removes an expired buy from its bid level.
func (b *ValidationOrderBook) BuyOrderExpired(price schema.Price) { b.buyOrderDone("expired", price) }

// BuyOrderFilled removes the fully consumed order from its bid level.
func (b *ValidationOrderBook) BuyOrderFilled(price schema.Price) { b.buyOrderDone("filled", price) }

// SellOrderCancelled removes the order from its ask level and releases the
// unfilled quantity back to the long position. The same holds for rejected and expired.
func (b *ValidationOrderBook) SellOrderCancelled(price schema.Price, resetQty schema.Quantity) {
	b.sellOrderDone("cancelled", price, resetQty)
}

// SellOrderRejected is SellOrderCancelled for a venue-rejected sell.
func (b *ValidationOrderBook) SellOrderRejected(price schema.Price, resetQty schema.Quantity) {
	b.sellOrderDone("rejected", price, resetQty)
}

// SellOrderExpired is SellOrderCancelled for an expired sell.
func (b *ValidationOrderBook) SellOrderExpired(price schema.Price, resetQty schema.Quantity) {
	b.sellOrderDone("expired", price, resetQty)
}

// SellOrderFilled removes the fully consumed order from its ask level.
// The position was reserved at order entry.
func (b *ValidationOrderBook) SellOrderFilled(price schema.Price) {
	b.sellOrderDone("filled", price, 0)
}

// SellOrderReduced releases the quantity an amend took off a resting sell.
func (b *ValidationOrderBook) SellOrderReduced(qty schema.Quantity) {
	b.position.inc(qty)
}

// SellOrderReclaimed takes back quantity that a closed sell released to the
// long position and that the venue executed afterwards.
func (b *ValidationOrderBook) SellOrderReclaimed(qty schema.Quantity) {
	b.position.dec(qty)
}

// BuyTrade adds the executed quantity to the long position.
func (b *ValidationOrderBook) BuyTrade(_ schema.Price, execQty schema.Quantity) {
	b.position.inc(execQty)
	b.position.recordBuy(execQty)
}

// SellTrade leaves the long position alone since it was reserved at order entry.
func (b *ValidationOrderBook) SellTrade(_ schema.Price, execQty schema.Quantity) {
	b.position.recordSell(execQty)
}

// BuyTradeCancelled reverses a buy execution.
func (b *ValidationOrderBook) BuyTradeCancelled(_ schema.Price, execQty schema.Quantity) {
	b.position.dec(execQty)
	b.position.recordBuy(-execQty)
}

// SellTradeCancelled restores the quantity that was reserved and sold.
func (b *ValidationOrderBook) SellTradeCancelled(_ schema.Price, execQty schema.Quantity) {
	b.position.inc(execQty)
	b.position.recordSell(-execQty)
}

// SellTradeReopened reverses a sell execution whose quantity goes back to the
// still open order, so the reservation stays with the order.
func (b *ValidationOrderBook) SellTradeReopened(_ schema.Price, execQty schema.Quantity) {
	b.position.recordSell(-execQty)
}

// AddExistingPosition seeds holdings carried over from a previous session.
func (b *ValidationOrderBook) AddExistingPosition(qty schema.Quantity) {
	b.position.inc(qty)
}

// Clear drops every level and zeroes the position.
func (b *ValidationOrderBook) Clear() {
	b.bids.clear()
	b.asks.clear()
	b.position.Clear()
}

// IsClear reports whether the book holds no level and no position.
func (b *ValidationOrderBook) IsClear() bool {
	return len(b.bids.prices) == 0 && len(b.asks.prices) == 0 && b.position.IsClear()
}
