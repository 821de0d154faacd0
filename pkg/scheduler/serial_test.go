package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestManualClock_FiresInDeadlineOrder(t *testing.T) {
	c := NewManualClock(time.Time{})
	var order []string
	c.AfterFunc(30*time.Millisecond, func() { order = append(order, "c") })
	c.AfterFunc(10*time.Millisecond, func() { order = append(order, "a") })
	c.AfterFunc(10*time.Millisecond, func() { order = append(order, "b") })

	c.Advance(20 * time.Millisecond)
	require.Equal(t, []string{"a", "b"}, order)
	require.Equal(t, 1, c.Pending())

	c.Advance(10 * time.Millisecond)
	require.Equal(t, []string{"a", "b", "c"}, order)
}

func TestManualClock_FiresChainedCallbacksWithinWindow(t *testing.T) {
	c := NewManualClock(time.Time{})
	start := c.Now()
	var firedAt []time.Duration
	c.AfterFunc(10*time.Millisecond, func() {
		firedAt = append(firedAt, c.Now().Sub(start))
		c.AfterFunc(15*time.Millisecond, func() {
			firedAt = append(firedAt, c.Now().Sub(start))
		})
	})

	c.Advance(time.Second)
	require.Equal(t, []time.Duration{10 * time.Millisecond, 25 * time.Millisecond}, firedAt)
	require.Equal(t, time.Second, c.Now().Sub(start))
}

func TestManualClock_Stop(t *testing.T) {
	c := NewManualClock(time.Time{})
	fired := false
	tm := c.AfterFunc(time.Millisecond, func() { fired = true })
	require.True(t, tm.Stop())
	require.False(t, tm.Stop())
	c.Advance(time.Second)
	require.False(t, fired)
}

func TestGroup_CancelAllPreventsCallbacks(t *testing.T) {
	c := NewManualClock(time.Time{})
	s := NewSerial(c)
	g := s.NewGroup("flow")

	var fired atomic.Int32
	s.Do(func() {
		g.After(10*time.Millisecond, func() { fired.Add(1) })
		g.After(20*time.Millisecond, func() { fired.Add(1) })
		require.Equal(t, 2, g.Pending())
		require.Equal(t, 2, g.CancelAll())
	})

	c.Advance(time.Second)
	require.Equal(t, int32(0), fired.Load())
}

func TestGroup_CancelledTokenIsDroppedEvenIfTimerAlreadyFired(t *testing.T) {
	c := NewManualClock(time.Time{})
	s := NewSerial(c)
	g := s.NewGroup("flow")

	fired := false
	var tok Token
	s.Do(func() {
		tok = g.After(0, func() { fired = true })
	})
	// Simulate the runtime having already dequeued the timer: the token is
	// invalidated without the clock knowing.
	s.Do(func() {
		delete(g.live, tok)
	})
	c.Advance(time.Millisecond)
	require.False(t, fired)
}

func TestSerial_CloseCancelsEveryGroup(t *testing.T) {
	c := NewManualClock(time.Time{})
	s := NewSerial(c)
	a := s.NewGroup("a")
	b := s.NewGroup("b")

	fired := 0
	s.Do(func() {
		a.After(time.Millisecond, func() { fired++ })
		b.After(time.Millisecond, func() { fired++ })
	})
	s.Close()
	c.Advance(time.Second)

	require.Equal(t, 0, fired)
	require.True(t, s.Closed())

	ran := false
	s.Do(func() { ran = true })
	require.False(t, ran)
	require.Equal(t, Token(0), a.After(time.Millisecond, func() {}))
}

func TestGroup_RealClockCallbackRunsOnSerial(t *testing.T) {
	s := NewSerial(Real())
	g := s.NewGroup("real")

	done := make(chan struct{})
	s.Do(func() {
		g.After(time.Millisecond, func() { close(done) })
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
	s.Do(func() { require.Equal(t, 0, g.Pending()) })
}
