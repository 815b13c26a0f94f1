// README: Redis pub/sub implementation of the event boundary.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"rickqueue/internal/types"
)

const channelPrefix = "rq:group:%s"

// RedisPublisher fans events out over one Redis channel per group, which
// keeps the per-group event stream ordered; the WebSocket gateway subscribes
// on the other side.
type RedisPublisher struct {
	redis *redis.Client
}

func NewRedisPublisher(redis *redis.Client) *RedisPublisher {
	return &RedisPublisher{redis: redis}
}

func (p *RedisPublisher) PublishGroupUpdate(ctx context.Context, ev GroupUpdate) error {
	return p.publish(ctx, ev.GroupID, ev)
}

func (p *RedisPublisher) PublishGroupReady(ctx context.Context, ev GroupReady) error {
	return p.publish(ctx, ev.GroupID, ev)
}

func (p *RedisPublisher) PublishDecision(ctx context.Context, ev Decision) error {
	return p.publish(ctx, ev.GroupID, ev)
}

func (p *RedisPublisher) PublishUserLeft(ctx context.Context, ev UserLeft) error {
	return p.publish(ctx, ev.GroupID, ev)
}

func (p *RedisPublisher) publish(ctx context.Context, groupID types.ID, ev any) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return p.redis.Publish(ctx, fmt.Sprintf(channelPrefix, groupID), payload).Err()
}
