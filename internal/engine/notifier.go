package engine

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Notifier wakes pollers when new work is ready, so executions do not wait
// for the next poll tick.
type Notifier interface {
	Notify(ctx context.Context)
	Listen(ctx context.Context, wake func())
}

// LocalNotifier only reaches pollers of this process.
type LocalNotifier struct {
	ch chan struct{}
}

func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{ch: make(chan struct{}, 1)}
}

func (n *LocalNotifier) Notify(ctx context.Context) {
	select {
	case n.ch <- struct{}{}:
	default:
	}
}

func (n *LocalNotifier) Listen(ctx context.Context, wake func()) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.ch:
			wake()
		}
	}
}

// RedisNotifier publishes wakeups on a Redis channel shared by every executor.
type RedisNotifier struct {
	client  *redis.Client
	channel string
}

func NewRedisNotifier(redisURL, channel string) (*RedisNotifier, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisNotifier{client: redis.NewClient(opts), channel: channel}, nil
}

func (n *RedisNotifier) Notify(ctx context.Context) {
	if err := n.client.Publish(ctx, n.channel, "wakeup").Err(); err != nil {
		slog.WarnContext(ctx, "Failed to publish wakeup", "channel", n.channel, "error", err)
	}
}

func (n *RedisNotifier) Listen(ctx context.Context, wake func()) {
	pubsub := n.client.Subscribe(ctx, n.channel)
	defer pubsub.Close()
	messages := pubsub.Channel()
	slog.InfoContext(ctx, "Listening for wakeups", "channel", n.channel)
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-messages:
			if !ok {
				return
			}
			wake()
		}
	}
}

func (n *RedisNotifier) Close() error {
	return n.client.Close()
}
