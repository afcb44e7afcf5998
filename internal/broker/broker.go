// Package broker wraps the Redis connection shared by every export-path
// component: priority queues with reliable-lease semantics for the export and
// webhook worker pools, pub/sub for job lifecycle events, and atomic counters
// for the rate limiter and loop guard. One *Broker, backed by one
// *redis.Client connection pool, is constructed in cmd/server/main.go and
// passed by dependency injection to every component that needs it.
package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Broker is the Redis-backed queue, event bus, and counter store.
type Broker struct {
	client *redis.Client
	logger *zap.Logger
}

// Config configures the underlying Redis connection.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// New dials Redis and returns a Broker. The connection is lazy — New does not
// itself verify connectivity; call Ping to do that.
func New(cfg Config, logger *zap.Logger) *Broker {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Broker{client: client, logger: logger.Named("broker")}
}

// NewFromClient wraps an already-constructed *redis.Client. Used by tests to
// inject a miniredis-backed client.
func NewFromClient(client *redis.Client, logger *zap.Logger) *Broker {
	return &Broker{client: client, logger: logger.Named("broker")}
}

// Ping verifies connectivity, used by the health probe.
func (b *Broker) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("broker: ping: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (b *Broker) Close() error {
	return b.client.Close()
}

// -----------------------------------------------------------------------------
// Priority queue with reliable lease
// -----------------------------------------------------------------------------

// Each queue is a set of sorted sets named by these suffixes; the member
// stored in them is only the correlation id — the job row itself lives in Postgres/SQLite and
// is the source of truth for everything but queue position.
const (
	pendingSuffix    = ":pending"
	processingSuffix = ":processing"
	retrySuffix      = ":retry"
)

// leaseScript atomically pops the lowest-scoring (highest-priority, oldest)
// member from the pending set and moves it into the processing set scored by
// lease expiry, so a crash mid-lease is recoverable by ReclaimExpired.
var leaseScript = redis.NewScript(`
local pending = KEYS[1]
local processing = KEYS[2]
local leaseUntil = ARGV[1]

local popped = redis.call("ZPOPMIN", pending, 1)
if #popped == 0 then
    return nil
end

local member = popped[1]
redis.call("ZADD", processing, leaseUntil, member)
return member
`)

// Enqueue adds id to queue's pending set. priority is the primary sort key
// (lower value is served first, matching the tier mapping SCALE=1/PRO=5/
// FREE=10); ties within a priority are broken FIFO by adding the enqueue
// time as UnixNano/1e18 to the score. That term is the same for every tier
// at a given moment (about 1.7 in current years), so it orders members of
// one priority by age without reordering different priorities.
func (b *Broker) Enqueue(ctx context.Context, queue string, priority int, id string) error {
	score := float64(priority) + float64(time.Now().UnixNano())/1e18
	err := b.client.ZAdd(ctx, queue+pendingSuffix, redis.Z{Score: score, Member: id}).Err()
	if err != nil {
		return fmt.Errorf("broker: enqueue %s: %w", queue, err)
	}
	return nil
}

// Lease pops the next id off queue's pending set and holds it in the
// processing set until leaseDuration elapses, returning ("", false, nil) if
// the queue is empty.
func (b *Broker) Lease(ctx context.Context, queue string, leaseDuration time.Duration) (string, bool, error) {
	leaseUntil := time.Now().Add(leaseDuration).Unix()
	res, err := leaseScript.Run(ctx, b.client,
		[]string{queue + pendingSuffix, queue + processingSuffix},
		leaseUntil,
	).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("broker: lease %s: %w", queue, err)
	}
	if res == nil {
		return "", false, nil
	}
	id, ok := res.(string)
	if !ok {
		return "", false, fmt.Errorf("broker: lease %s: unexpected script result type %T", queue, res)
	}
	return id, true, nil
}

// Ack removes id from queue's processing set on successful completion.
func (b *Broker) Ack(ctx context.Context, queue, id string) error {
	if err := b.client.ZRem(ctx, queue+processingSuffix, id).Err(); err != nil {
		return fmt.Errorf("broker: ack %s: %w", queue, err)
	}
	return nil
}

// Retry removes id from the processing set and schedules it to reappear in
// the pending set after delay, implementing the export engine's and webhook
// sender's exponential backoff.
func (b *Broker) Retry(ctx context.Context, queue, id string, delay time.Duration) error {
	retryAt := time.Now().Add(delay).Unix()
	pipe := b.client.TxPipeline()
	pipe.ZRem(ctx, queue+processingSuffix, id)
	pipe.ZAdd(ctx, queue+retrySuffix, redis.Z{Score: float64(retryAt), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("broker: retry %s: %w", queue, err)
	}
	return nil
}

// ReclaimDueRetries moves every retry-set member whose scheduled time has
// passed back into the pending set at the given priority, and returns the ids
// moved. Called once per worker-pool tick.
func (b *Broker) ReclaimDueRetries(ctx context.Context, queue string, priority int) ([]string, error) {
	now := time.Now().Unix()
	ids, err := b.client.ZRangeByScore(ctx, queue+retrySuffix, &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("broker: reclaim due retries %s: %w", queue, err)
	}
	for _, id := range ids {
		pipe := b.client.TxPipeline()
		pipe.ZRem(ctx, queue+retrySuffix, id)
		score := float64(priority) + float64(time.Now().UnixNano())/1e18
		pipe.ZAdd(ctx, queue+pendingSuffix, redis.Z{Score: score, Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			b.logger.Warn("failed to requeue due retry", zap.String("queue", queue), zap.String("id", id), zap.Error(err))
		}
	}
	return ids, nil
}

// ReclaimExpiredLeases returns ids whose processing lease has expired —
// workers that crashed or were killed mid-job — and moves them back to
// pending at the given priority so another worker can pick them up.
func (b *Broker) ReclaimExpiredLeases(ctx context.Context, queue string, priority int) ([]string, error) {
	now := time.Now().Unix()
	ids, err := b.client.ZRangeByScore(ctx, queue+processingSuffix, &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("broker: reclaim expired leases %s: %w", queue, err)
	}
	for _, id := range ids {
		pipe := b.client.TxPipeline()
		pipe.ZRem(ctx, queue+processingSuffix, id)
		score := float64(priority) + float64(time.Now().UnixNano())/1e18
		pipe.ZAdd(ctx, queue+pendingSuffix, redis.Z{Score: score, Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			b.logger.Warn("failed to reclaim expired lease", zap.String("queue", queue), zap.String("id", id), zap.Error(err))
		}
	}
	return ids, nil
}
