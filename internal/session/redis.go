package session

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/khaliullov/scanmycar-agent/internal/domain"
)

// RedisStore keeps the identity under a single key so several agents can
// share one owner.
type RedisStore struct {
	client *redis.Client
	key    string
}

func NewRedisStore(opts *redis.Options) *RedisStore {
	return &RedisStore{client: redis.NewClient(opts), key: domain.IdentityStorageKey}
}

func (s *RedisStore) Load(ctx context.Context) (*domain.Identity, error) {
	val, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var id domain.Identity
	if err := json.Unmarshal(val, &id); err != nil {
		// A corrupt entry is treated as no identity.
		return nil, nil
	}
	return &id, nil
}

func (s *RedisStore) Save(ctx context.Context, id domain.Identity) error {
	data, err := json.Marshal(id)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key, data, 0).Err()
}

func (s *RedisStore) Clear(ctx context.Context) error {
	return s.client.Del(ctx, s.key).Err()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
