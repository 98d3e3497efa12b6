package idempotency

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRedis keeps values in a map and ignores expiry.
type fakeRedis struct {
	mu     sync.Mutex
	values map[string]string
	ttls   map[string]time.Duration
	err    error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{values: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewBoolResult(false, f.err)
	}
	if _, exists := f.values[key]; exists {
		return redis.NewBoolResult(false, nil)
	}
	f.values[key] = string(value.([]byte))
	f.ttls[key] = expiration
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	value, ok := f.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(value, nil)
}

func (f *fakeRedis) Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = string(value.([]byte))
	f.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, key := range keys {
		if _, ok := f.values[key]; ok {
			delete(f.values, key)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func TestRedisStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	client := newFakeRedis()
	store := NewRedisStore(client, "")

	res, err := store.Reserve(ctx, "session:s-1|k", "fp", fixedTime, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, ReservationStateNew, res.State)
	assert.Equal(t, time.Hour, client.ttls[store.redisKey("session:s-1|k")])

	res, err = store.Reserve(ctx, "session:s-1|k", "fp", fixedTime, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, ReservationStatePending, res.State)

	_, err = store.Reserve(ctx, "session:s-1|k", "other", fixedTime, time.Hour)
	assert.ErrorIs(t, err, ErrFingerprintMismatch)

	header := http.Header{"Content-Type": {"application/json"}, "Date": {"today"}}
	require.NoError(t, store.SaveResponse(ctx, "session:s-1|k", "fp", Response{Status: 200, Headers: header, Body: []byte(`{"ok":true}`)}, fixedTime, time.Hour))

	res, err = store.Reserve(ctx, "session:s-1|k", "fp", fixedTime, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, ReservationStateCompleted, res.State)
	assert.Equal(t, `{"ok":true}`, string(res.Record.ResponseBody))
	assert.Equal(t, []string{"application/json"}, res.Record.ResponseHeaders["Content-Type"])
	assert.NotContains(t, res.Record.ResponseHeaders, "Date")

	require.NoError(t, store.Release(ctx, "session:s-1|k", "fp"))
	res, err = store.Reserve(ctx, "session:s-1|k", "fp", fixedTime, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, ReservationStateNew, res.State)
}

func TestRedisStoreWrapsClientErrors(t *testing.T) {
	client := newFakeRedis()
	client.err = errors.New("connection refused")
	_, err := NewRedisStore(client, "test:").Reserve(context.Background(), "k", "fp", fixedTime, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}
