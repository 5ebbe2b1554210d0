package risk

import "omes/internal/schema"

// Position tracks the long position of one security plus same-day buy/sell totals.
// Quantity reserved by resting sell orders is already deducted from the long position.
type Position struct {
	longPosition schema.Quantity
	bought       schema.Quantity
	sold         schema.Quantity
}

// LongPosition returns the position available to new sell orders.
func (p *Position) LongPosition() schema.Quantity {
	return p.longPosition
}

// SetLongPosition overwrites the long position, used to seed existing holdings.
func (p *Position) SetLongPosition(qty schema.Quantity) {
	p.longPosition = qty
}

// Bought returns the quantity bought today.
func (p *Position) Bought() schema.Quantity {
	return p.bought
}

// Sold returns the quantity sold today.
func (p *Position) Sold() schema.Quantity {
	return p.sold
}

// OkToSell reports whether qty can be sold out of the current long position.
func (p *Position) OkToSell(qty schema.Quantity) bool {
	return qty <= p.longPosition
}

func (p *Position) inc(qty schema.Quantity) {
	p.longPosition += qty
}

func (p *Position) dec(qty schema.Quantity) {
	p.longPosition -= qty
}

func (p *Position) recordBuy(qty schema.Quantity) {
	p.bought += qty
}

func (p *Position) recordSell(qty schema.Quantity) {
	p.sold += qty
}

// Clear zeroes the position and the day totals.
func (p *Position) Clear() {
	*p = Position{}
}

// IsClear reports whether nothing is held or traded.
func (p *Position) IsClear() bool {
	return p.longPosition == 0 && p.bought == 0 && p.sold == 0
}
