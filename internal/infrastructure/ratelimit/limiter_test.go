package ratelimit

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock advances only when a caller sleeps.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return ctx.Err()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestNewRejectsInvalidBudget(t *testing.T) {
	_, err := New(0, time.Second)
	assert.ErrorIs(t, err, ErrInvalidBudget)
	_, err = New(5, 0)
	assert.ErrorIs(t, err, ErrInvalidBudget)
}

func TestSlidingWindowNeverExceedsBudget(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l, err := New(15, time.Second, WithClock(clock))
	require.NoError(t, err)

	ctx := context.Background()
	var accepted []time.Time
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Wait(ctx))
		accepted = append(accepted, clock.Now())
		clock.Advance(13 * time.Millisecond)
	}

	for i := range accepted {
		n := 0
		for j := i; j < len(accepted) && accepted[j].Sub(accepted[i]) < time.Second; j++ {
			n++
		}
		assert.LessOrEqual(t, n, 15, "window starting at call %d", i)
	}
}

func TestBoundaryCallEntersNewWindow(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	var waits []time.Duration
	l, err := New(2, time.Second, WithClock(clock), WithOnWait(func(d time.Duration) { waits = append(waits, d) }))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, l.Wait(ctx))
	require.NoError(t, l.Wait(ctx))
	clock.Advance(time.Second)
	require.NoError(t, l.Wait(ctx))
	assert.Empty(t, waits)
	assert.Equal(t, 1, l.InFlight())
}

func TestWaitSleepsUntilOldestAgesOut(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	var waits []time.Duration
	l, err := New(2, time.Second, WithClock(clock), WithOnWait(func(d time.Duration) { waits = append(waits, d) }))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, l.Wait(ctx))
	clock.Advance(300 * time.Millisecond)
	require.NoError(t, l.Wait(ctx))
	require.NoError(t, l.Wait(ctx))

	assert.Equal(t, []time.Duration{700 * time.Millisecond}, waits)
	assert.Equal(t, time.Unix(1, 0), clock.Now())
}

func TestWaitHonoursContext(t *testing.T) {
	l, err := New(1, time.Hour)
	require.NoError(t, err)

	require.NoError(t, l.Wait(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Wait(ctx), context.DeadlineExceeded)
}

func TestConcurrentCallersRespectWindow(t *testing.T) {
	const (
		maxCalls = 5
		period   = 100 * time.Millisecond
		callers  = 20
	)
	l, err := New(maxCalls, period)
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		times []time.Time
		wg    sync.WaitGroup
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.Wait(context.Background()))
			mu.Lock()
			times = append(times, time.Now())
			mu.Unlock()
		}()
	}
	wg.Wait()

	// admission times recorded by the limiter are authoritative
	l.mu.Lock()
	recorded := append([]time.Time(nil), l.calls...)
	l.mu.Unlock()
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	require.Len(t, times, callers)
	assert.LessOrEqual(t, len(recorded), maxCalls)
	// 20 calls at 5 per 100ms need at least three full periods
	assert.GreaterOrEqual(t, times[len(times)-1].Sub(times[0]), 3*period-10*time.Millisecond)
}
