package risk

import "omes/internal/schema"

// Exposure tracks the purchasing power available to new buy orders.
type Exposure struct {
	initial         schema.Notional
	purchasingPower schema.Notional
}

// NewExposure creates an exposure with the given initial purchasing power.
func NewExposure(initial schema.Notional) *Exposure {
	return &Exposure{initial: initial, purchasingPower: initial}
}

// PurchasingPower returns the current purchasing power.
func (e *Exposure) PurchasingPower() schema.Notional {
	return e.purchasingPower
}

// InitialPurchasingPower returns the configured starting purchasing power.
func (e *Exposure) InitialPurchasingPower() schema.Notional {
	return e.initial
}

// OkToBuy reports whether a buy of the given notional fits into purchasing power.
func (e *Exposure) OkToBuy(notional schema.Notional) bool {
	return notional >= 0 && notional <= e.purchasingPower
}

// IncPurchasingPower adds notional back, e.g. on sell execution or buy release.
func (e *Exposure) IncPurchasingPower(notional schema.Notional) {
	e.purchasingPower += notional
}

// DecPurchasingPower reserves notional for an admitted buy.
func (e *Exposure) DecPurchasingPower(notional schema.Notional) {
	e.purchasingPower -= notional
}

// SetInitialPurchasingPower replaces the initial value and shifts the current value
// by the same delta, so outstanding reservations are kept.
func (e *Exposure) SetInitialPurchasingPower(initial schema.Notional) {
	e.purchasingPower += initial - e.initial
	e.initial = initial
}

// Clear resets purchasing power to the initial value.
func (e *Exposure) Clear() {
	e.purchasingPower = e.initial
}

// IsClear reports whether no reservation is outstanding.
func (e *Exposure) IsClear() bool {
	return e.purchasingPower == e.initial
}
