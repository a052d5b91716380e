package repository

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisKVRepository(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	repo := NewRedisKVRepository(client)

	_, err := repo.Get(ctx, "chat_history")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, repo.Set(ctx, "chat_history", []byte(`[{"id":"1"}]`)))
	got, err := repo.Get(ctx, "chat_history")
	require.NoError(t, err)
	assert.Equal(t, `[{"id":"1"}]`, string(got))
	assert.Equal(t, 0, int(mr.TTL("chat_history")))

	require.NoError(t, repo.Set(ctx, "chat_history", []byte(`[]`)))
	got, err = repo.Get(ctx, "chat_history")
	require.NoError(t, err)
	assert.Equal(t, `[]`, string(got))

	require.NoError(t, repo.Delete(ctx, "chat_history"))
	assert.False(t, mr.Exists("chat_history"))
	_, err = repo.Get(ctx, "chat_history")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	// 删除不存在的键不是错误
	assert.NoError(t, repo.Delete(ctx, "missing"))
}

func TestRedisKVRepositoryConnectionError(t *testing.T) {
	mr, client := newTestRedis(t)
	repo := NewRedisKVRepository(client)
	mr.Close()

	_, err := repo.Get(context.Background(), "theme")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrKeyNotFound)
}
