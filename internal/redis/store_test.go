package redis

import (
	"context"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nhutbot/internal/config"
	"nhutbot/internal/storage"
)

func TestStoreGetSet(t *testing.T) {
	client := newTestClient(t)
	store := NewStore(client)
	ctx := context.Background()

	_, err := store.Get(ctx, storage.KeySessions)
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, store.Set(ctx, storage.KeySessions, []byte(`[{"id":"a"}]`)))
	got, err := store.Get(ctx, storage.KeySessions)
	require.NoError(t, err)
	assert.Equal(t, `[{"id":"a"}]`, string(got))

	ttl, err := client.Raw().TTL(ctx, keyPrefix+storage.KeySessions).Result()
	require.NoError(t, err)
	assert.Equal(t, time.Duration(-1), ttl, "values must not expire")
}

func TestNilClientErrors(t *testing.T) {
	var c *Client
	store := NewStore(c)
	_, err := store.Get(context.Background(), storage.KeySessions)
	assert.ErrorIs(t, err, errNotInitialized)
	assert.ErrorIs(t, store.Set(context.Background(), storage.KeySessions, []byte("[]")), errNotInitialized)
	assert.NoError(t, c.Close())
	assert.Nil(t, c.Raw())
}

func TestRedisAddrDefaults(t *testing.T) {
	assert.Equal(t, "127.0.0.1:6379", redisAddr(config.RedisConfig{}))
	assert.Equal(t, "cache:6380", redisAddr(config.RedisConfig{Host: "cache", Port: 6380}))
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis-backed store tests")
	}
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	db := 0
	if v := os.Getenv("TEST_REDIS_DB"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			db = parsed
		}
	}
	client, err := NewRedisClient(&config.Config{
		Redis: config.RedisConfig{Host: host, Port: port, DB: db},
	})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, client.Raw().FlushDB(ctx).Err())
	t.Cleanup(func() { client.Close() })
	return client
}
