package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Job lifecycle event channels. internal/jobstate is the sole subscriber;
// internal/worker and internal/webhook are the publishers.
const (
	ChannelJobProcessing = "jobs:processing"
	ChannelJobProgress   = "jobs:progress"
	ChannelJobCompleted  = "jobs:completed"
	ChannelJobFailed     = "jobs:failed"
)

// JobEvent is the payload published on every job lifecycle channel.
type JobEvent struct {
	JobID           string `json:"job_id"`
	Progress        int    `json:"progress,omitempty"`
	ResultKey       string `json:"result_key,omitempty"`
	ResultSizeBytes int64  `json:"result_size_bytes,omitempty"`
	ResultRowCount  int64  `json:"result_row_count,omitempty"`
	ErrorCode       string `json:"error_code,omitempty"`
	Error           string `json:"error,omitempty"`
	AttemptsMade    int    `json:"attempts_made,omitempty"`
}

// Publish marshals ev and publishes it on channel.
func (b *Broker) Publish(ctx context.Context, channel string, ev JobEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("broker: marshal event for %s: %w", channel, err)
	}
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("broker: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe returns a *redis.PubSub subscribed to the given channels. The
// caller owns the subscription and must Close it.
func (b *Broker) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return b.client.Subscribe(ctx, channels...)
}
