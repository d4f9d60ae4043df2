package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// ErrAuth wraps every credential acquisition failure.
var ErrAuth = errors.New("auth: credential acquisition failed")

// Session is an immutable bearer credential. A refresh replaces it.
type Session struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Identity  string    `json:"identity"`
	IssuedAt  time.Time `json:"issued_at"`
}

// Valid reports whether the session can be used at now.
func (s Session) Valid(now time.Time) bool {
	return s.Token != "" && now.Before(s.ExpiresAt)
}

// Grant is what an Acquirer returns.
type Grant struct {
	Token    string
	TTL      time.Duration
	Identity string
}

// Acquirer performs the network exchange of app identity for a credential.
type Acquirer interface {
	Acquire(ctx context.Context) (Grant, error)
}

// AcquirerFunc adapts a function to Acquirer.
type AcquirerFunc func(ctx context.Context) (Grant, error)

func (f AcquirerFunc) Acquire(ctx context.Context) (Grant, error) { return f(ctx) }

// Option configures a TokenManager.
type Option func(*TokenManager)

// WithNow replaces the wall clock.
func WithNow(now func() time.Time) Option {
	return func(m *TokenManager) { m.now = now }
}

// WithStore persists sessions so a restart can reuse an unexpired one.
func WithStore(st Store) Option {
	return func(m *TokenManager) { m.store = st }
}

// WithAcquireTimeout bounds one acquisition.
func WithAcquireTimeout(d time.Duration) Option {
	return func(m *TokenManager) { m.acquireTimeout = d }
}

// WithOnRefresh is called after every acquisition attempt.
func WithOnRefresh(fn func(err error)) Option {
	return func(m *TokenManager) { m.onRefresh = fn }
}

// TokenManager hands out sessions that are valid for at least the safety
// margin and refreshes them proactively. Concurrent refreshes collapse into
// one acquisition.
type TokenManager struct {
	acq    Acquirer
	margin time.Duration
	now    func() time.Time

	mu      sync.RWMutex
	session *Session

	group          singleflight.Group
	store          Store
	acquireTimeout time.Duration
	onRefresh      func(err error)
}

func NewTokenManager(acq Acquirer, margin time.Duration, opts ...Option) *TokenManager {
	m := &TokenManager{
		acq:            acq,
		margin:         margin,
		now:            time.Now,
		acquireTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Credential returns a fresh session, refreshing when missing or within the
// safety margin of expiry.
func (m *TokenManager) Credential(ctx context.Context) (Session, error) {
	if s, ok := m.fresh(); ok {
		return s, nil
	}
	return m.refresh(ctx, "")
}

// Refresh forces a new session unless another caller already replaced the
// stale one, in which case the newer session is returned.
func (m *TokenManager) Refresh(ctx context.Context, stale Session) (Session, error) {
	return m.refresh(ctx, stale.Token)
}

// Current returns the cached session without any freshness guarantee.
func (m *TokenManager) Current() (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return Session{}, false
	}
	return *m.session, true
}

func (m *TokenManager) fresh() (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return Session{}, false
	}
	if !m.now().Before(m.session.ExpiresAt.Add(-m.margin)) {
		return Session{}, false
	}
	return *m.session, true
}

// refresh runs under singleflight. staleToken, when set, skips the fetch if
// the cached token has already changed. The flight is detached from the
// caller that started it; every caller stops waiting on its own ctx.
func (m *TokenManager) refresh(ctx context.Context, staleToken string) (Session, error) {
	ch := m.group.DoChan("session", func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.acquireTimeout)
		defer cancel()

		if s, ok := m.restore(fctx, staleToken); ok {
			return s, nil
		}
		if cur, ok := m.Current(); ok {
			if staleToken != "" && cur.Token != staleToken {
				if _, fresh := m.fresh(); fresh {
					return cur, nil
				}
			}
			if staleToken == "" {
				if s, fresh := m.fresh(); fresh {
					return s, nil
				}
			}
		}

		grant, err := m.acq.Acquire(fctx)
		if err == nil && grant.Token == "" {
			err = errors.New("empty token in grant")
		}
		if m.onRefresh != nil {
			m.onRefresh(err)
		}
		if err != nil {
			// previous session is left untouched so a later call can retry
			log.Error().Err(err).Msg("token acquisition failed")
			return nil, fmt.Errorf("%w: %w", ErrAuth, err)
		}

		now := m.now()
		s := &Session{
			Token:     grant.Token,
			ExpiresAt: now.Add(grant.TTL),
			Identity:  grant.Identity,
			IssuedAt:  now,
		}
		m.mu.Lock()
		m.session = s
		m.mu.Unlock()

		log.Info().
			Time("expires_at", s.ExpiresAt).
			Dur("ttl", grant.TTL).
			Msg("access token refreshed")
		if m.store != nil {
			if err := m.store.Save(fctx, *s); err != nil {
				log.Warn().Err(err).Msg("token store save failed")
			}
		}
		return *s, nil
	})

	select {
	case <-ctx.Done():
		return Session{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Session{}, res.Err
		}
		if res.Shared {
			log.Debug().Msg("token refresh shared with concurrent caller")
		}
		return res.Val.(Session), nil
	}
}

// restore adopts a stored session when nothing is cached yet and the stored
// one is still outside the safety margin.
func (m *TokenManager) restore(ctx context.Context, staleToken string) (Session, bool) {
	if m.store == nil {
		return Session{}, false
	}
	if _, ok := m.Current(); ok {
		return Session{}, false
	}
	s, ok, err := m.store.Load(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("token store load failed")
		return Session{}, false
	}
	if !ok || s.Token == "" || s.Token == staleToken {
		return Session{}, false
	}
	if !m.now().Before(s.ExpiresAt.Add(-m.margin)) {
		return Session{}, false
	}
	m.mu.Lock()
	m.session = &s
	m.mu.Unlock()
	log.Info().Time("expires_at", s.ExpiresAt).Msg("access token restored from store")
	return s, true
}
