// Package notify announces finished reconciliation cycles to other processes.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"realtor-tracker/models"
	"realtor-tracker/utils"
)

// Publisher receives the result of every cycle the syncer completes.
type Publisher interface {
	PublishCycle(ctx context.Context, res *models.ReconcileResult) error
	Close() error
}

// CycleEvent is the payload written for each cycle.
type CycleEvent struct {
	Result      *models.ReconcileResult `json:"result"`
	PublishedAt time.Time               `json:"published_at"`
}

// NopPublisher drops every event. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) PublishCycle(context.Context, *models.ReconcileResult) error { return nil }
func (NopPublisher) Close() error                                                { return nil }

// RedisPublisher appends cycle events to a Redis stream.
type RedisPublisher struct {
	client *redis.Client
	stream string
	logger *utils.Logger
}

// NewRedisPublisher connects to addr and checks the connection with a PING.
func NewRedisPublisher(ctx context.Context, addr, stream string, logger *utils.Logger) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", addr, err)
	}
	return newRedisPublisher(client, stream, logger), nil
}

func newRedisPublisher(client *redis.Client, stream string, logger *utils.Logger) *RedisPublisher {
	return &RedisPublisher{client: client, stream: stream, logger: logger}
}

// PublishCycle adds one entry to the stream with the JSON-encoded event
// plus a few flat fields for consumers that do not decode JSON.
func (p *RedisPublisher) PublishCycle(ctx context.Context, res *models.ReconcileResult) error {
	data, err := json.Marshal(CycleEvent{Result: res, PublishedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("redis: marshal cycle event: %w", err)
	}

	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: 1000,
		Approx: true,
		Values: map[string]interface{}{
			"cycle_id": res.CycleID,
			"date":     res.CycleDate.String(),
			"inserted": res.Inserted,
			"sold":     res.Sold,
			"data":     string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("redis: xadd %s: %w", p.stream, err)
	}

	p.logger.Debug("[notify] Cycle %s published to %s as %s", res.CycleID, p.stream, id)
	return nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
