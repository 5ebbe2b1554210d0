package obs

import (
	"sync/atomic"
)

// SidGenerator creates monotonically increasing engine sids.
type SidGenerator struct {
	next atomic.Int32
}

// NewSidGenerator returns a generator whose first sid is seed+1.
func NewSidGenerator(seed int32) *SidGenerator {
	g := &SidGenerator{}
	g.next.Store(seed)
	return g
}

// Next returns the next sid.
func (g *SidGenerator) Next() int32 {
	if g == nil {
		return 0
	}
	return g.next.Add(1)
}

// Peek returns the last sid handed out.
func (g *SidGenerator) Peek() int32 {
	return g.next.Load()
}

// AdvanceTo makes sure the next sid is greater than sid, used after recovery.
func (g *SidGenerator) AdvanceTo(sid int32) {
	for {
		cur := g.next.Load()
		if cur >= sid || g.next.CompareAndSwap(cur, sid) {
			return
		}
	}
}
