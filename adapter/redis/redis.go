// Package redis publishes worker lifecycle events on a redis pub/sub channel.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pithecene-io/buntime/adapter"
	"github.com/pithecene-io/buntime/log"
)

// Channel is the pub/sub channel carrying worker lifecycle events.
const Channel = "buntime:worker_events"

const (
	maxAttempts    = 3
	initialBackoff = 100 * time.Millisecond
)

// Publisher publishes lifecycle events to redis.
type Publisher struct {
	client  *goredis.Client
	channel string
	logger  *log.Logger
}

var _ adapter.Publisher = (*Publisher)(nil)

// New connects to the redis at url (redis://host:port/db form) and verifies
// the connection with a ping.
func New(ctx context.Context, url string, logger *log.Logger) (*Publisher, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &Publisher{client: client, channel: Channel, logger: logger}, nil
}

// Publish sends one event, retrying transient failures with backoff.
func (p *Publisher) Publish(ctx context.Context, event *adapter.WorkerEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	backoff := initialBackoff
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = p.client.Publish(ctx, p.channel, data).Err()
		if lastErr == nil {
			return nil
		}
		if attempt == maxAttempts {
			break
		}
		p.logger.Warn("redis publish retry", map[string]any{
			"attempt": attempt,
			"error":   lastErr.Error(),
		})
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
	return fmt.Errorf("publish to %s: %w", p.channel, lastErr)
}

// Close releases the redis connection.
func (p *Publisher) Close() error {
	return p.client.Close()
}
