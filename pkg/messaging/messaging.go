// Package messaging provides the outbound message-publish capability:
// response documents, activation-watcher events, and notifications. All
// publishes are fire-and-forget, best effort.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/riskflow/riskflow/internal/model"
)

// Channel names for the three outbound surfaces.
const (
	ChannelOutbound      = "riskflow:outbound"
	ChannelActivations   = "riskflow:activations"
	ChannelNotifications = "riskflow:notifications"
)

// Publisher publishes to the outbound channels. Failures are logged by
// callers, never surfaced to the invocation's caller.
type Publisher interface {
	// PublishResponse publishes a serialized response document.
	PublishResponse(ctx context.Context, body []byte) error

	// PublishActivation publishes an activation-watcher event.
	PublishActivation(ctx context.Context, event model.ActivationWatcherEvent) error

	// PublishNotification publishes a notification.
	PublishNotification(ctx context.Context, n model.Notification) error

	// Close releases resources.
	Close() error
}

// RedisPublisher publishes over Redis pub/sub.
type RedisPublisher struct {
	client  *redis.Client
	timeout time.Duration
}

// NewRedisPublisher connects a publisher to Redis and verifies the
// connection.
func NewRedisPublisher(address, password string, db int, timeout time.Duration) (*RedisPublisher, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:         address,
		Password:     password,
		DB:           db,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisPublisher{client: client, timeout: timeout}, nil
}

func (p *RedisPublisher) PublishResponse(ctx context.Context, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.client.Publish(ctx, ChannelOutbound, body).Err()
}

func (p *RedisPublisher) PublishActivation(ctx context.Context, event model.ActivationWatcherEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.client.Publish(ctx, ChannelActivations, data).Err()
}

func (p *RedisPublisher) PublishNotification(ctx context.Context, n model.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.client.Publish(ctx, ChannelNotifications, data).Err()
}

// Close closes the Redis connection.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// Verify interface compliance.
var _ Publisher = (*RedisPublisher)(nil)
