package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	rediscommon "ecobin-dispatch/internal/common/redis"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func setupRedis(t *testing.T) *redis.Client {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisNotifier_PushPerTargetStream(t *testing.T) {
	client := setupRedis(t)
	n := NewRedisNotifier(client, "notify:", 100)
	ctx := context.Background()

	require.NoError(t, n.Push(ctx, Driver("d-1"), EventTaskAssigned, map[string]string{"task_id": "t-1"}))
	require.NoError(t, n.Push(ctx, Society("s-1"), EventTaskStatus, map[string]string{"status": "assigned"}))
	require.NoError(t, n.Push(ctx, All(), EventTaskCreated, map[string]string{"task_id": "t-1"}))

	msgs, err := rediscommon.ReadRange(ctx, client, "notify:driver:d-1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, EventTaskAssigned, msgs[0].Values["event"])
	assert.JSONEq(t, `{"task_id":"t-1"}`, msgs[0].Values["data"].(string))

	msgs, err = rediscommon.ReadRange(ctx, client, "notify:society:s-1", 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	msgs, err = rediscommon.ReadRange(ctx, client, "notify:all", 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestRedisNotifier_RejectsTargetWithoutID(t *testing.T) {
	n := NewRedisNotifier(setupRedis(t), "notify:", 0)
	assert.Error(t, n.Push(context.Background(), Driver(""), EventTaskAssigned, nil))
}

type fakePublisher struct {
	topics   []string
	payloads [][]byte
	err      error
}

func (f *fakePublisher) Publish(topic string, _ byte, _ bool, payload []byte) error {
	f.topics = append(f.topics, topic)
	f.payloads = append(f.payloads, payload)
	return f.err
}

func TestMQTTNotifier_Topics(t *testing.T) {
	pub := &fakePublisher{}
	n := NewMQTTNotifier(pub, "notify/", 1)
	ctx := context.Background()

	require.NoError(t, n.Push(ctx, Driver("d-1"), EventTaskAssigned, map[string]string{"task_id": "t-1"}))
	require.NoError(t, n.Push(ctx, All(), EventDriverLocation, nil))

	assert.Equal(t, []string{"notify/driver/d-1", "notify/all"}, pub.topics)
	var env map[string]any
	require.NoError(t, json.Unmarshal(pub.payloads[0], &env))
	assert.Equal(t, EventTaskAssigned, env["event"])
}

func TestMultiAndLogged(t *testing.T) {
	failing := &fakePublisher{err: errors.New("broker down")}
	ok := &fakePublisher{}
	multi := Multi{NewMQTTNotifier(failing, "a/", 0), NewMQTTNotifier(ok, "b/", 0)}

	err := multi.Push(context.Background(), Society("s-1"), EventTaskStatus, nil)
	assert.Error(t, err)
	assert.Len(t, ok.topics, 1, "a failing sink must not starve the others")

	logged := NewLogged(multi, zap.NewNop())
	assert.NoError(t, logged.Push(context.Background(), Society("s-1"), EventTaskStatus, nil))
	assert.NoError(t, Nop{}.Push(context.Background(), All(), EventTaskStatus, nil))
}

func TestEnsure(t *testing.T) {
	assert.Equal(t, Nop{}, Ensure(nil, zap.NewNop()))
	assert.Equal(t, Nop{}, Ensure(Nop{}, zap.NewNop()))

	logged := NewLogged(Nop{}, zap.NewNop())
	assert.Same(t, logged, Ensure(logged, zap.NewNop()))

	core, logs := observer.New(zap.WarnLevel)
	raw := NewMQTTNotifier(&fakePublisher{err: errors.New("broker down")}, "notify/", 0)
	n := Ensure(raw, zap.New(core))

	assert.NoError(t, n.Push(context.Background(), Driver("d-1"), EventTaskAssigned, nil))
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "Failed to push notification", logs.All()[0].Message)
	assert.Equal(t, "driver:d-1", logs.All()[0].ContextMap()["target"])
}
