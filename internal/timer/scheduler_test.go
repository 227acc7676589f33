package timer_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-fanline/internal/timer"
)

func TestScheduleFiresOnce(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := timer.NewScheduler(clock)

	var fired atomic.Int32
	s.Schedule("order-1", time.Minute, func() { fired.Add(1) })
	assert.True(t, s.Pending("order-1"))

	clock.Advance(59 * time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())

	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, s.Pending("order-1"))

	clock.Advance(time.Hour)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
}

func TestRescheduleReplacesPrevious(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := timer.NewScheduler(clock)

	var first, second atomic.Int32
	s.Schedule("k", time.Second, func() { first.Add(1) })
	s.Schedule("k", 2*time.Second, func() { second.Add(1) })
	assert.Equal(t, 1, s.Len())

	clock.Advance(3 * time.Second)
	require.Eventually(t, func() bool { return second.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), first.Load())
}

func TestCancel(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := timer.NewScheduler(clock)

	var fired atomic.Int32
	s.Schedule("k", time.Second, func() { fired.Add(1) })
	assert.True(t, s.Cancel("k"))
	assert.False(t, s.Cancel("k"))

	clock.Advance(time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}

func TestScheduleAtPastFiresImmediately(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := timer.NewScheduler(clock)

	var fired atomic.Int32
	var seen atomic.Value
	s.OnFire = func(key string) { seen.Store(key) }
	s.ScheduleAt("late", clock.Now().Add(-time.Minute), func() { fired.Add(1) })

	clock.Advance(time.Millisecond)
	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "late", seen.Load())
}

func TestStopRefusesNewTimers(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := timer.NewScheduler(clock)
	s.Schedule("a", time.Second, func() {})
	s.Stop()
	assert.Equal(t, 0, s.Len())

	s.Schedule("b", time.Second, func() {})
	assert.False(t, s.Pending("b"))
}
