package cache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemory_GetPut(t *testing.T) {
	c := NewInMemory()
	ctx := context.Background()

	_, ok := c.Get(ctx, "https://example.com/t.mp3")
	assert.False(t, ok)

	c.Put(ctx, "https://example.com/t.mp3", "/rooms/uploads/local.mp3")
	v, ok := c.Get(ctx, "https://example.com/t.mp3")
	assert.True(t, ok)
	assert.Equal(t, "/rooms/uploads/local.mp3", v)
}

func TestNilCache_IsSafe(t *testing.T) {
	var c *DownloadCache
	ctx := context.Background()
	_, ok := c.Get(ctx, "x")
	assert.False(t, ok)
	c.Put(ctx, "x", "y") // must not panic
	assert.NoError(t, c.Ping(ctx))
}

func TestRedis_GetPut(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewRedis(client)
	ctx := context.Background()

	_, ok := c.Get(ctx, "https://example.com/t.mp3")
	assert.False(t, ok)

	c.Put(ctx, "https://example.com/t.mp3", "/rooms/uploads/local.mp3")
	v, ok := c.Get(ctx, "https://example.com/t.mp3")
	assert.True(t, ok)
	assert.Equal(t, "/rooms/uploads/local.mp3", v)

	require.NoError(t, c.Ping(ctx))
}
