package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManualAdvanceFiresDueWaiters(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	c := NewManual(start)

	early := c.After(time.Second)
	late := c.After(3 * time.Second)
	require.Equal(t, 2, c.Waiters())

	c.Advance(2 * time.Second)
	select {
	case ts := <-early:
		assert.Equal(t, start.Add(2*time.Second), ts)
	default:
		t.Fatal("early waiter did not fire")
	}
	select {
	case <-late:
		t.Fatal("late waiter fired too soon")
	default:
	}
	assert.Equal(t, 1, c.Waiters())

	c.Set(start.Add(3 * time.Second))
	select {
	case <-late:
	default:
		t.Fatal("late waiter did not fire")
	}
	assert.Zero(t, c.Waiters())
}

func TestManualAfterNonPositive(t *testing.T) {
	c := NewManual(time.Unix(0, 0))
	select {
	case <-c.After(0):
	default:
		t.Fatal("zero duration should fire immediately")
	}
}
