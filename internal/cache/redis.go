package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on a shared Redis instance. Per-key locks
// are process-local: they dedupe concurrent builds within one node, which
// is the contract the registry needs (its submissions for one fingerprint
// land on one node's registry instance).
type RedisStore struct {
	client *redis.Client
	locks  *keyLocks
	logger *slog.Logger
}

func NewRedisStore(client *redis.Client, logger *slog.Logger) *RedisStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{
		client: client,
		locks:  newKeyLocks(),
		logger: logger,
	}
}

func (s *RedisStore) GetOrCompute(ctx context.Context, dataType, tenantID, resourceID string, tier Tier, compute ComputeFn) (json.RawMessage, bool, error) {
	key := Key(dataType, tenantID, resourceID)

	release := s.locks.acquire(key)
	defer release()

	value, err := s.get(ctx, key)
	switch {
	case err == nil:
		return value, true, nil
	case !errors.Is(err, ErrMiss):
		return nil, false, err
	}

	value, err = compute(ctx)
	if err != nil {
		return nil, false, err
	}

	if err := s.set(ctx, key, value, tier); err != nil {
		// The computation succeeded; losing the write only costs a future
		// recompute. Report it but hand the value back.
		s.logger.WarnContext(ctx, "cache write failed after compute", "key", key, "error", err)
	}
	return value, false, nil
}

func (s *RedisStore) Get(ctx context.Context, dataType, tenantID, resourceID string) (json.RawMessage, error) {
	return s.get(ctx, Key(dataType, tenantID, resourceID))
}

func (s *RedisStore) Put(ctx context.Context, dataType, tenantID, resourceID string, value json.RawMessage, tier Tier) error {
	return s.set(ctx, Key(dataType, tenantID, resourceID), value, tier)
}

func (s *RedisStore) Invalidate(ctx context.Context, dataType, tenantID, resourceID string) error {
	key := Key(dataType, tenantID, resourceID)
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return &CacheUnavailableError{Op: "del", Err: err}
	}
	return nil
}

func (s *RedisStore) get(ctx context.Context, key string) (json.RawMessage, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrMiss
		}
		return nil, &CacheUnavailableError{Op: "get", Err: err}
	}
	return data, nil
}

func (s *RedisStore) set(ctx context.Context, key string, value json.RawMessage, tier Tier) error {
	if err := s.client.Set(ctx, key, []byte(value), tier.TTL()).Err(); err != nil {
		return &CacheUnavailableError{Op: fmt.Sprintf("set %s", tier), Err: err}
	}
	return nil
}
