package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "funnel:idempotency:"

// redisClient is the subset of redis.Cmdable used by RedisStore.
type redisClient interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisStore implements Store on Redis. Keys expire natively so CleanupExpired is a no-op.
type RedisStore struct {
	client redisClient
	prefix string
}

// NewRedisStore wraps a go-redis client.
func NewRedisStore(client redisClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) redisKey(key string) string {
	return s.prefix + documentID(key)
}

// Reserve implements Store. SETNX claims the key; a lost race reads the winner's record.
func (s *RedisStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	now = now.UTC()
	ttl = normaliseTTL(ttl)
	record := pendingRecord(key, fingerprint, now, ttl)
	payload, err := json.Marshal(record)
	if err != nil {
		return Reservation{}, fmt.Errorf("idempotency: encode record: %w", err)
	}

	claimed, err := s.client.SetNX(ctx, s.redisKey(key), payload, ttl).Result()
	if err != nil {
		return Reservation{}, fmt.Errorf("idempotency: reserve: %w", err)
	}
	if claimed {
		return Reservation{State: ReservationStateNew, Record: record}, nil
	}

	existing, err := s.load(ctx, key)
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET.
		return s.Reserve(ctx, key, fingerprint, now, ttl)
	}
	if err != nil {
		return Reservation{}, err
	}
	if existing.Fingerprint != fingerprint {
		return Reservation{}, ErrFingerprintMismatch
	}
	return existing.reservation(), nil
}

// SaveResponse implements Store.
func (s *RedisStore) SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	ttl = normaliseTTL(ttl)

	record := Record{Key: key, Fingerprint: fingerprint}
	existing, err := s.load(ctx, key)
	switch {
	case err == nil:
		if existing.Fingerprint != fingerprint {
			return ErrFingerprintMismatch
		}
		record = existing
	case !errors.Is(err, redis.Nil):
		return err
	}

	payload, err := json.Marshal(completeRecord(record, resp, now, ttl))
	if err != nil {
		return fmt.Errorf("idempotency: encode record: %w", err)
	}
	if err := s.client.Set(ctx, s.redisKey(key), payload, ttl).Err(); err != nil {
		return fmt.Errorf("idempotency: save response: %w", err)
	}
	return nil
}

// Release implements Store.
func (s *RedisStore) Release(ctx context.Context, key, _ string) error {
	if err := s.client.Del(ctx, s.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("idempotency: release: %w", err)
	}
	return nil
}

// CleanupExpired implements Store.
func (s *RedisStore) CleanupExpired(context.Context, time.Time, int) (int, error) {
	return 0, nil
}

func (s *RedisStore) load(ctx context.Context, key string) (Record, error) {
	raw, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("idempotency: load: %w", err)
	}
	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return Record{}, fmt.Errorf("idempotency: decode record: %w", err)
	}
	return record, nil
}
