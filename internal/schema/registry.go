package schema

import (
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
)

// Scale is the number of decimal places used by a scaled integer.
// Example: Scale=3 means the integer value is scaled by 1e3.
type Scale int32

// Security describes a tradable instrument.
type Security struct {
	Sid        SecSid
	Code       string
	Underlying SecSid
	PriceScale Scale
}

// HasUnderlying reports whether the security is a derivative with a tracked underlying.
func (s Security) HasUnderlying() bool {
	return s.Underlying != 0 && s.Underlying != s.Sid
}

// Registry stores security mappings in a compact form.
type Registry struct {
	securities map[SecSid]Security
	sidByCode  map[string]SecSid
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		securities: make(map[SecSid]Security),
		sidByCode:  make(map[string]SecSid),
	}
}

// AddSecurity registers a security.
func (r *Registry) AddSecurity(sec Security) error {
	if sec.Sid <= 0 {
		return errors.Errorf("security sid is invalid: %d", sec.Sid)
	}
	if sec.Code == "" {
		return errors.New("security code is empty")
	}
	if _, ok := r.securities[sec.Sid]; ok {
		return errors.Errorf("security already exists: %d", sec.Sid)
	}
	if _, ok := r.sidByCode[sec.Code]; ok {
		return errors.Errorf("security code already exists: %s", sec.Code)
	}
	r.securities[sec.Sid] = sec
	r.sidByCode[sec.Code] = sec.Sid
	return nil
}

// Security returns the security by sid.
func (r *Registry) Security(sid SecSid) (Security, bool) {
	if r == nil {
		return Security{}, false
	}
	sec, ok := r.securities[sid]
	return sec, ok
}

// SidByCode returns the sid for a code.
func (r *Registry) SidByCode(code string) (SecSid, bool) {
	if r == nil {
		return 0, false
	}
	sid, ok := r.sidByCode[code]
	return sid, ok
}

// Count returns the number of securities.
func (r *Registry) Count() int {
	if r == nil {
		return 0
	}
	return len(r.securities)
}

// FormatPrice renders a scaled price using the security's scale.
// Unknown securities are rendered unscaled.
func (r *Registry) FormatPrice(sid SecSid, price Price) string {
	sec, _ := r.Security(sid)
	return decimal.New(int64(price), -int32(sec.PriceScale)).String()
}

// ParsePrice converts a decimal string to a scaled price using the security's scale.
func (r *Registry) ParsePrice(sid SecSid, s string) (Price, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, errors.Wrapf(err, "parse price %q", s)
	}
	sec, _ := r.Security(sid)
	scaled := d.Shift(int32(sec.PriceScale))
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, errors.Errorf("price %q has more than %d decimals", s, sec.PriceScale)
	}
	return Price(scaled.IntPart()), nil
}
