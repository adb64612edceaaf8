package notifier

import (
	"context"
	"fmt"

	rediscommon "ecobin-dispatch/internal/common/redis"

	"github.com/go-redis/redis/v8"
)

// RedisNotifier appends events to per-target Redis streams, e.g. notify:driver:{id}
type RedisNotifier struct {
	client *redis.Client
	prefix string
	maxLen int64
}

func NewRedisNotifier(client *redis.Client, prefix string, maxLen int64) *RedisNotifier {
	return &RedisNotifier{client: client, prefix: prefix, maxLen: maxLen}
}

// Stream name for target
func (n *RedisNotifier) Stream(target Target) string {
	return n.prefix + target.Key(":")
}

func (n *RedisNotifier) Push(ctx context.Context, target Target, event string, payload any) error {
	if err := target.validate(); err != nil {
		return err
	}
	if _, err := rediscommon.PublishJSONToStream(ctx, n.client, n.Stream(target), n.maxLen, event, payload); err != nil {
		return fmt.Errorf("failed to publish %s to %s: %w", event, n.Stream(target), err)
	}
	return nil
}
