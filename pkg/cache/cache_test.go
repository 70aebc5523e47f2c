package cache

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewRedis(client, "test", time.Minute), mr
}

func TestRedis_SetGet(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	type doc struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}

	require.NoError(t, c.Set(ctx, "doc-1", doc{ID: "doc-1", Name: "report"}, 0))

	var got doc
	require.NoError(t, c.Get(ctx, "doc-1", &got))
	assert.Equal(t, "report", got.Name)
}

func TestRedis_Miss(t *testing.T) {
	c, _ := newTestCache(t)

	var got map[string]interface{}
	err := c.Get(context.Background(), "absent", &got)
	assert.ErrorIs(t, err, ErrMiss)
}

func TestRedis_Delete(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "doc-1", "value", 0))
	require.NoError(t, c.Delete(ctx, "doc-1"))

	var got string
	err := c.Get(ctx, "doc-1", &got)
	assert.ErrorIs(t, err, ErrMiss)
}

func TestRedis_CompressesLargeValues(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	big := strings.Repeat("abcdefgh", 2048)
	require.NoError(t, c.Set(ctx, "big", big, 0))

	stored, err := mr.Get("test:big")
	require.NoError(t, err)
	assert.Less(t, len(stored), len(big))

	var got string
	require.NoError(t, c.Get(ctx, "big", &got))
	assert.Equal(t, big, got)
}

func TestRedis_NamespacesKeys(t *testing.T) {
	c, mr := newTestCache(t)

	require.NoError(t, c.Set(context.Background(), "doc-1", "value", 0))
	assert.True(t, mr.Exists("test:doc-1"))
}
