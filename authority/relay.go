package authority

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

const channelPrefix = "notesync:note:"

// RedisRelay fans push events out across authority instances. Publish goes
// to Redis; Run forwards everything Redis delivers to the local hub, so an
// instance also hears its own writes through Redis.
type RedisRelay struct {
	rdb    *redis.Client
	local  Publisher
	logger *slog.Logger
}

func NewRedisRelay(rdb *redis.Client, local Publisher, logger *slog.Logger) *RedisRelay {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRelay{rdb: rdb, local: local, logger: logger}
}

func (r *RedisRelay) Publish(ctx context.Context, noteID string, payload []byte) error {
	if err := r.rdb.Publish(ctx, channelPrefix+noteID, payload).Err(); err != nil {
		return fmt.Errorf("publish to redis: %w", err)
	}
	return nil
}

// Run relays messages from Redis to the local hub until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.rdb.PSubscribe(ctx, channelPrefix+"*")
	defer pubsub.Close()

	// Wait for the subscription to be confirmed before relaying.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to redis: %w", err)
	}
	r.logger.Info("relaying push events from redis", "pattern", channelPrefix+"*")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			noteID := strings.TrimPrefix(msg.Channel, channelPrefix)
			r.logger.Debug("relaying message from redis", "note_id", noteID)
			if err := r.local.Publish(ctx, noteID, []byte(msg.Payload)); err != nil {
				r.logger.Warn("failed to relay message", "note_id", noteID, "err", err)
			}
		}
	}
}
