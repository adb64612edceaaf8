package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) *redis.Client {
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestPublishToStream_StringifiesValues(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()

	id, err := PublishToStream(ctx, client, "test:stream", 0, map[string]interface{}{
		"s":   "text",
		"i":   42,
		"f":   1.5,
		"b":   true,
		"obj": map[string]int{"a": 1},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs, err := ReadRange(ctx, client, "test:stream", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "text", msgs[0].Values["s"])
	assert.Equal(t, "42", msgs[0].Values["i"])
	assert.Equal(t, "1.5", msgs[0].Values["f"])
	assert.Equal(t, "true", msgs[0].Values["b"])
	assert.Equal(t, `{"a":1}`, msgs[0].Values["obj"])
}

func TestPublishJSONToStream(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()

	_, err := PublishJSONToStream(ctx, client, "notify:all", 100, "task:status", map[string]string{"task_id": "t1"})
	require.NoError(t, err)

	msgs, err := ReadRange(ctx, client, "notify:all", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "task:status", msgs[0].Values["event"])
	assert.JSONEq(t, `{"task_id":"t1"}`, msgs[0].Values["data"].(string))
}
