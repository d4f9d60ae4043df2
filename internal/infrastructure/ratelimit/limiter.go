package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrInvalidBudget is returned for a non-positive call budget or period.
var ErrInvalidBudget = errors.New("ratelimit: max calls and period must be positive")

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(l *Limiter) { l.clock = c }
}

// WithOnWait is called with the delay every time a caller has to wait.
func WithOnWait(fn func(time.Duration)) Option {
	return func(l *Limiter) { l.onWait = fn }
}

// Limiter admits at most maxCalls within any trailing period (sliding window).
type Limiter struct {
	mu       sync.Mutex
	maxCalls int
	period   time.Duration
	calls    []time.Time // accepted call times, oldest first
	clock    Clock
	onWait   func(time.Duration)
}

func New(maxCalls int, period time.Duration, opts ...Option) (*Limiter, error) {
	if maxCalls <= 0 || period <= 0 {
		return nil, ErrInvalidBudget
	}
	l := &Limiter{
		maxCalls: maxCalls,
		period:   period,
		calls:    make([]time.Time, 0, maxCalls),
		clock:    realClock{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Wait blocks until one more call fits the budget, then records it.
// The wait happens outside the lock and admission is re-validated after it.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		delay, ok := l.tryAdmit()
		if ok {
			return nil
		}

		log.Debug().Dur("delay", delay).Int("max_calls", l.maxCalls).Msg("rate limit wait")
		if l.onWait != nil {
			l.onWait(delay)
		}
		if err := l.clock.Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// tryAdmit evicts, checks and records atomically. When the window is full
// it returns how long until the oldest call ages out.
func (l *Limiter) tryAdmit() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	l.evict(now)
	if len(l.calls) < l.maxCalls {
		l.calls = append(l.calls, now)
		return 0, true
	}
	return l.period - now.Sub(l.calls[0]), false
}

// evict drops calls whose age is >= period, so a call exactly one period
// later falls in the new window.
func (l *Limiter) evict(now time.Time) {
	i := 0
	for i < len(l.calls) && now.Sub(l.calls[i]) >= l.period {
		i++
	}
	if i > 0 {
		l.calls = append(l.calls[:0], l.calls[i:]...)
	}
}

// InFlight returns the number of calls inside the current window.
func (l *Limiter) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evict(l.clock.Now())
	return len(l.calls)
}
