package collab

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisAdapter adapts a *redis.Client (github.com/redis/go-redis/v9) to the
// Redis collaborator interface, built the same way platform.NewRedisClient
// constructs the driver connection.
type RedisAdapter struct {
	client *redis.Client
}

// NewRedisAdapter wraps an existing go-redis client.
func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client}
}

func (a *RedisAdapter) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := a.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (a *RedisAdapter) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return a.client.Set(ctx, key, value, ttl).Err()
}

func (a *RedisAdapter) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	return a.client.Del(ctx, keys...).Result()
}

func (a *RedisAdapter) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return a.client.HGetAll(ctx, key).Result()
}

func (a *RedisAdapter) HSet(ctx context.Context, key string, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	args := make([]any, 0, len(values)*2)
	for k, v := range values {
		args = append(args, k, v)
	}
	return a.client.HSet(ctx, key, args...).Err()
}

func (a *RedisAdapter) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	return a.client.HDel(ctx, key, fields...).Err()
}

func (a *RedisAdapter) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return a.client.SAdd(ctx, key, args...).Err()
}

func (a *RedisAdapter) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return a.client.SRem(ctx, key, args...).Err()
}

func (a *RedisAdapter) SMembers(ctx context.Context, key string) ([]string, error) {
	return a.client.SMembers(ctx, key).Result()
}

func (a *RedisAdapter) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return a.client.Expire(ctx, key, ttl).Err()
}

func (a *RedisAdapter) Ping(ctx context.Context) error {
	return a.client.Ping(ctx).Err()
}

func (a *RedisAdapter) Publish(ctx context.Context, channel string, payload []byte) error {
	return a.client.Publish(ctx, channel, payload).Err()
}

func (a *RedisAdapter) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := a.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	out := make(chan []byte, 64)
	sub := &redisSubscription{pubsub: pubsub, out: out}
	go sub.pump()
	go func() {
		<-ctx.Done()
		_ = pubsub.Close()
	}()
	return sub, nil
}

// MultiHSetExpire runs HSet then Expire inside a pipeline, the go-redis
// analog of a Redis MULTI/EXEC transaction for this one call shape.
func (a *RedisAdapter) MultiHSetExpire(ctx context.Context, key string, values map[string]string, ttl time.Duration) error {
	if len(values) == 0 {
		return a.Expire(ctx, key, ttl)
	}
	args := make([]any, 0, len(values)*2)
	for k, v := range values {
		args = append(args, k, v)
	}
	pipe := a.client.TxPipeline()
	pipe.HSet(ctx, key, args...)
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

type redisSubscription struct {
	pubsub *redis.PubSub
	out    chan []byte
}

func (s *redisSubscription) pump() {
	defer close(s.out)
	ch := s.pubsub.Channel()
	for msg := range ch {
		select {
		case s.out <- []byte(msg.Payload):
		default:
			// Slow consumer: drop rather than block the shared pump,
			// consistent with §5's "no orphaned work may outlive" intent —
			// a stalled subscriber must not back-pressure publishers.
		}
	}
}

func (s *redisSubscription) Messages() <-chan []byte {
	return s.out
}

func (s *redisSubscription) Close() error {
	return s.pubsub.Close()
}
