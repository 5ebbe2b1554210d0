package throttle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"omes/internal/clock"
)

var epoch = time.Unix(1_700_000_000, 0)

func TestFourSlotsPerSecond(t *testing.T) {
	clk := clock.NewManual(epoch)
	tr, err := NewTracker(4, time.Second, clk)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		require.Truef(t, tr.Acquire(), "admission %d", i)
	}
	assert.False(t, tr.Acquire())

	clk.Advance(999 * time.Millisecond)
	assert.False(t, tr.Acquire())

	clk.Advance(time.Millisecond)
	assert.True(t, tr.Acquire())
}

func TestAcquireNIsAllOrNothing(t *testing.T) {
	clk := clock.NewManual(epoch)
	tr, err := NewTracker(3, time.Second, clk)
	require.NoError(t, err)

	require.True(t, tr.Acquire())
	require.True(t, tr.Acquire())
	assert.False(t, tr.AcquireN(2))
	assert.True(t, tr.Available(1))
	assert.True(t, tr.AcquireN(1))
	assert.False(t, tr.Available(1))

	assert.False(t, tr.AcquireN(4))
	_, ok := tr.NextAvailable(4)
	assert.False(t, ok)
}

func TestNextAvailable(t *testing.T) {
	clk := clock.NewManual(epoch)
	tr, err := NewTracker(2, time.Second, clk)
	require.NoError(t, err)

	require.True(t, tr.Acquire())
	clk.Advance(300 * time.Millisecond)
	require.True(t, tr.Acquire())

	next, ok := tr.NextAvailable(1)
	require.True(t, ok)
	assert.Equal(t, epoch.Add(time.Second), next)

	next, ok = tr.NextAvailable(2)
	require.True(t, ok)
	assert.Equal(t, epoch.Add(1300*time.Millisecond), next)
	assert.False(t, tr.IsFull())

	clk.Advance(time.Second)
	assert.True(t, tr.IsFull())
}

func TestResize(t *testing.T) {
	clk := clock.NewManual(epoch)
	tr, err := NewTracker(1, time.Second, clk)
	require.NoError(t, err)
	require.True(t, tr.Acquire())
	require.False(t, tr.Acquire())

	require.NoError(t, tr.Resize(3))
	assert.Equal(t, 3, tr.Capacity())
	assert.True(t, tr.AcquireN(3))

	assert.ErrorIs(t, tr.Resize(-1), ErrInvalidCapacity)
}

func TestZeroCapacityNeverAdmits(t *testing.T) {
	tr, err := NewTracker(0, time.Second, clock.NewManual(epoch))
	require.NoError(t, err)
	assert.False(t, tr.Acquire())
	assert.True(t, tr.AcquireN(0))
}

func TestInvalidConstruction(t *testing.T) {
	_, err := NewTracker(-1, time.Second, nil)
	assert.ErrorIs(t, err, ErrInvalidCapacity)
	_, err = NewTracker(1, 0, nil)
	assert.Error(t, err)
}

func TestWindowBound(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(1, 8).Draw(t, "capacity")
		window := time.Duration(rapid.IntRange(1, 1000).Draw(t, "windowMs")) * time.Millisecond
		clk := clock.NewManual(epoch)
		tr, err := NewTracker(capacity, window, clk)
		if err != nil {
			t.Fatalf("new tracker: %v", err)
		}

		var admitted []time.Time
		steps := rapid.IntRange(1, 200).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			clk.Advance(time.Duration(rapid.IntRange(0, 300).Draw(t, "advanceMs")) * time.Millisecond)
			n := rapid.IntRange(1, capacity).Draw(t, "n")
			if tr.AcquireN(n) {
				for j := 0; j < n; j++ {
					admitted = append(admitted, clk.Now())
				}
			}

			now := clk.Now()
			inWindow := 0
			for _, ts := range admitted {
				if now.Sub(ts) < window {
					inWindow++
				}
			}
			if inWindow > capacity {
				t.Fatalf("admitted %d in trailing window, capacity %d", inWindow, capacity)
			}
		}
	})
}
