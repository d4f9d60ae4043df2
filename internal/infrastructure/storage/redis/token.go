package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"autotrade/internal/infrastructure/auth"
)

// TokenStore keeps the access token under one key that expires with it.
type TokenStore struct {
	rdb *redis.Client
	key string
}

var _ auth.Store = (*TokenStore)(nil)

func NewTokenStore(rdb *redis.Client, key string) *TokenStore {
	return &TokenStore{rdb: rdb, key: key}
}

func (t *TokenStore) Load(ctx context.Context) (auth.Session, bool, error) {
	raw, err := t.rdb.Get(ctx, t.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return auth.Session{}, false, nil
	}
	if err != nil {
		return auth.Session{}, false, err
	}
	var s auth.Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return auth.Session{}, false, err
	}
	return s, true, nil
}

func (t *TokenStore) Save(ctx context.Context, s auth.Session) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	ttl := time.Until(s.ExpiresAt)
	if ttl <= 0 {
		return t.rdb.Del(ctx, t.key).Err()
	}
	return t.rdb.Set(ctx, t.key, b, ttl).Err()
}
