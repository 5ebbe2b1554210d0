package state

import (
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/yanun0323/errors"

	"omes/internal/order"
	"omes/internal/schema"
)

var ErrInvalidPositions = errors.New("state: invalid positions")

// ParsePositions parses existing positions in the "sid,pos;sid,pos" form.
// Blank entries are skipped and a repeated sid adds up.
func ParsePositions(s string) (map[schema.SecSid]schema.Quantity, error) {
	out := make(map[schema.SecSid]schema.Quantity)
	for _, entry := range strings.Split(s, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		sidText, posText, ok := strings.Cut(entry, ",")
		if !ok {
			return nil, errors.Wrapf(ErrInvalidPositions, "entry %q", entry)
		}
		sid, err := strconv.ParseInt(strings.TrimSpace(sidText), 10, 64)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidPositions, "sec sid %q", sidText)
		}
		pos, err := strconv.ParseInt(strings.TrimSpace(posText), 10, 64)
		if err != nil || pos < 0 {
			return nil, errors.Wrapf(ErrInvalidPositions, "position %q", posText)
		}
		out[schema.SecSid(sid)] += schema.Quantity(pos)
	}
	return out, nil
}

// FormatPositions renders positions in the form ParsePositions reads, ordered by sid.
func FormatPositions(positions map[schema.SecSid]schema.Quantity) string {
	sids := make([]schema.SecSid, 0, len(positions))
	for sid := range positions {
		sids = append(sids, sid)
	}
	slices.Sort(sids)
	parts := make([]string, 0, len(sids))
	for _, sid := range sids {
		parts = append(parts, strconv.FormatInt(int64(sid), 10)+","+strconv.FormatInt(int64(positions[sid]), 10))
	}
	return strings.Join(parts, ";")
}

// PositionReducer keeps end-of-day positions from trade updates so they can be
// carried to the next session.
type PositionReducer struct {
	mu        sync.Mutex
	positions map[schema.SecSid]schema.Quantity
}

// NewPositionReducer creates a reducer seeded with existing positions.
func NewPositionReducer(existing map[schema.SecSid]schema.Quantity) *PositionReducer {
	positions := make(map[schema.SecSid]schema.Quantity, len(existing))
	for sid, qty := range existing {
		positions[sid] = qty
	}
	return &PositionReducer{positions: positions}
}

// OnOrderUpdate applies trades and trade cancels.
func (r *PositionReducer) OnOrderUpdate(u order.Update) {
	var sign schema.Quantity
	switch u.Kind {
	case order.UpdateTradeCreated:
		sign = 1
	case order.UpdateTradeCancelled:
		sign = -1
	default:
		return
	}
	if u.Trade.Side == schema.OrderSideSell {
		sign = -sign
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.positions[u.Trade.SecSid] += sign * u.Trade.ExecQty
}

// Position returns the position of a security.
func (r *PositionReducer) Position(sid schema.SecSid) schema.Quantity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.positions[sid]
}

// Positions returns a copy of every position.
func (r *PositionReducer) Positions() map[schema.SecSid]schema.Quantity {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[schema.SecSid]schema.Quantity, len(r.positions))
	for sid, qty := range r.positions {
		out[sid] = qty
	}
	return out
}

// Count returns the number of tracked securities.
func (r *PositionReducer) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.positions)
}
