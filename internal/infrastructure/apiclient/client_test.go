package apiclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotrade/internal/infrastructure/auth"
)

type countingWaiter struct{ n atomic.Int32 }

func (w *countingWaiter) Wait(ctx context.Context) error {
	w.n.Add(1)
	return ctx.Err()
}

type stubTokens struct {
	mu        sync.Mutex
	token     string
	refreshes int
	failNext  bool
}

func (s *stubTokens) Credential(context.Context) (auth.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return auth.Session{Token: s.token}, nil
}

func (s *stubTokens) Refresh(_ context.Context, stale auth.Session) (auth.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshes++
	if s.failNext {
		return auth.Session{}, auth.ErrAuth
	}
	s.token = stale.Token + "+"
	return auth.Session{Token: s.token}, nil
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func newTestClient(t *testing.T, h http.HandlerFunc, retry RetryConfig) (*Client, *countingWaiter, *stubTokens, *sleepRecorder) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	w := &countingWaiter{}
	rec := &sleepRecorder{}
	tokens := &stubTokens{token: "tok"}
	c := New(Config{BaseURL: srv.URL, Retry: retry}, w, NewHMACSigner("secret"), WithSleep(rec.sleep))
	c.UseTokens(tokens)
	return c, w, tokens, rec
}

func TestDoSuccessInjectsCredential(t *testing.T) {
	var gotAuth string
	c, w, _, _ := newTestClient(t, func(rw http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = rw.Write([]byte(`{"price":"70100"}`))
	}, DefaultRetryConfig)

	resp, err := c.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/quote"})
	require.NoError(t, err)

	var out struct{ Price string }
	require.NoError(t, resp.Decode(&out))
	assert.Equal(t, "70100", out.Price)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.EqualValues(t, 1, w.n.Load())
}

func TestDoRetriesServerErrorsUpToCeiling(t *testing.T) {
	var calls atomic.Int32
	retry := RetryConfig{MaxRetries: 3, InitialDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond}
	c, w, _, rec := newTestClient(t, func(rw http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		rw.WriteHeader(http.StatusInternalServerError)
	}, retry)

	_, err := c.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/quote"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransientServer))

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 4, apiErr.Attempts)
	assert.Equal(t, http.StatusInternalServerError, apiErr.Status)

	assert.EqualValues(t, 4, calls.Load())
	assert.EqualValues(t, 4, w.n.Load(), "every attempt passes the limiter")
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond}, rec.delays)
}

func TestDoRecoversAfterRateLimit(t *testing.T) {
	var calls atomic.Int32
	c, _, _, rec := newTestClient(t, func(rw http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			rw.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = rw.Write([]byte(`{}`))
	}, DefaultRetryConfig)

	_, err := c.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/quote"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load())
	assert.Len(t, rec.delays, 1)
}

func TestDoRefreshesOnceOnUnauthorized(t *testing.T) {
	var calls atomic.Int32
	var seen []string
	var mu sync.Mutex
	c, _, tokens, _ := newTestClient(t, func(rw http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		mu.Lock()
		seen = append(seen, r.Header.Get("Authorization"))
		mu.Unlock()
		if r.Header.Get("Authorization") == "Bearer tok" {
			rw.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = rw.Write([]byte(`{}`))
	}, DefaultRetryConfig)

	_, err := c.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/balance"})
	require.NoError(t, err)
	assert.Equal(t, 1, tokens.refreshes)
	assert.Equal(t, []string{"Bearer tok", "Bearer tok+"}, seen)
}

func TestDoAuthErrorAfterSecondRejection(t *testing.T) {
	var calls atomic.Int32
	c, _, tokens, _ := newTestClient(t, func(rw http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		rw.WriteHeader(http.StatusForbidden)
	}, DefaultRetryConfig)

	_, err := c.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/balance"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuth))
	assert.Equal(t, KindAuth, KindOf(err))
	assert.Equal(t, 1, tokens.refreshes)
	assert.EqualValues(t, 2, calls.Load())
}

func TestDoAuthErrorWhenRefreshFails(t *testing.T) {
	c, _, tokens, _ := newTestClient(t, func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusUnauthorized)
	}, DefaultRetryConfig)
	tokens.failNext = true

	_, err := c.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/balance"})
	assert.True(t, errors.Is(err, ErrAuth))
	assert.True(t, errors.Is(err, auth.ErrAuth))
}

func TestDoPermanentErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c, _, _, rec := newTestClient(t, func(rw http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		rw.WriteHeader(http.StatusBadRequest)
		_, _ = rw.Write([]byte(`{"msg1":"invalid quantity"}`))
	}, DefaultRetryConfig)

	_, err := c.Do(context.Background(), &Request{Method: http.MethodPost, Path: "/order", Body: map[string]string{"qty": "0"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPermanentRequest))
	assert.False(t, IsRetryable(err))
	assert.Contains(t, err.Error(), "invalid quantity")
	assert.EqualValues(t, 1, calls.Load())
	assert.Empty(t, rec.delays)
}

func TestDoSignsBody(t *testing.T) {
	var gotSig string
	var gotBody []byte
	c, _, _, _ := newTestClient(t, func(rw http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("hashkey")
		gotBody, _ = io.ReadAll(r.Body)
		_, _ = rw.Write([]byte(`{}`))
	}, DefaultRetryConfig)

	_, err := c.Do(context.Background(), &Request{
		Method: http.MethodPost, Path: "/order", Signed: true,
		Body: map[string]string{"PDNO": "005930"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, gotSig)
	assert.Equal(t, NewHMACSigner("secret").Sign(gotBody), gotSig)
}

func TestDoPublicSkipsCredential(t *testing.T) {
	var gotAuth string
	c, _, _, _ := newTestClient(t, func(rw http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = rw.Write([]byte(`{}`))
	}, DefaultRetryConfig)
	c.UseTokens(nil)

	_, err := c.Do(context.Background(), &Request{Method: http.MethodPost, Path: "/oauth2/tokenP", Public: true})
	require.NoError(t, err)
	assert.Empty(t, gotAuth)
}

func TestDoCancelledDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sleeps := 0
	c := New(Config{BaseURL: srv.URL, Retry: DefaultRetryConfig}, &countingWaiter{}, nil,
		WithSleep(func(ctx context.Context, d time.Duration) error {
			sleeps++
			cancel()
			return ctx.Err()
		}))
	c.UseTokens(&stubTokens{token: "tok"})

	_, err := c.Do(ctx, &Request{Method: http.MethodGet, Path: "/quote"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, sleeps)
}

func TestBackoffCaps(t *testing.T) {
	b := NewBackoff(RetryConfig{InitialDelay: time.Second, MaxDelay: 5 * time.Second})
	var got []time.Duration
	for i := 0; i < 5; i++ {
		got = append(got, b.Next())
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}, got)
	b.Reset()
	assert.Equal(t, time.Second, b.Next())
}
