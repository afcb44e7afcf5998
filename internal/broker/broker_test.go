package broker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewFromClient(client, zap.NewNop())
}

func TestBroker_Ping(t *testing.T) {
	b := newTestBroker(t)
	assert.NoError(t, b.Ping(context.Background()))
}

func TestBroker_EnqueueAndLease(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, "exports", 10, "job-1"))

	id, ok, err := b.Lease(ctx, "exports", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "job-1", id)

	_, ok, err = b.Lease(ctx, "exports", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "pending set should be empty after the single item was leased")
}

func TestBroker_Lease_EmptyQueue(t *testing.T) {
	b := newTestBroker(t)
	id, ok, err := b.Lease(context.Background(), "exports", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, id)
}

func TestBroker_PriorityOrdering(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, "exports", 10, "free-job"))
	require.NoError(t, b.Enqueue(ctx, "exports", 1, "scale-job"))
	require.NoError(t, b.Enqueue(ctx, "exports", 5, "pro-job"))

	first, _, err := b.Lease(ctx, "exports", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "scale-job", first, "lower priority value should be served first")

	second, _, err := b.Lease(ctx, "exports", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "pro-job", second)

	third, _, err := b.Lease(ctx, "exports", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "free-job", third)
}

func TestBroker_Ack_RemovesFromProcessing(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, "exports", 10, "job-1"))
	_, ok, err := b.Lease(ctx, "exports", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, b.Ack(ctx, "exports", "job-1"))

	ids, err := b.ReclaimExpiredLeases(ctx, "exports", 10)
	require.NoError(t, err)
	assert.Empty(t, ids, "acked job should no longer be in the processing set")
}

func TestBroker_Retry_ReappearsAfterDelay(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, "exports", 10, "job-1"))
	_, ok, err := b.Lease(ctx, "exports", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, b.Retry(ctx, "exports", "job-1", -time.Second))

	ids, err := b.ReclaimDueRetries(ctx, "exports", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-1"}, ids)

	id, ok, err := b.Lease(ctx, "exports", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "job-1", id)
}

func TestBroker_ReclaimExpiredLeases(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, "exports", 10, "job-1"))
	_, ok, err := b.Lease(ctx, "exports", -time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ids, err := b.ReclaimExpiredLeases(ctx, "exports", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-1"}, ids)

	id, ok, err := b.Lease(ctx, "exports", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "job-1", id)
}

func TestBroker_IncrWithExpire(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	n, err := b.IncrWithExpire(ctx, "ratelimit:tenant-1", time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = b.IncrWithExpire(ctx, "ratelimit:tenant-1", time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	ttl, err := b.TTL(ctx, "ratelimit:tenant-1")
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

func TestBroker_PublishSubscribe(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	sub := b.Subscribe(ctx, ChannelJobCompleted)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	ch := sub.Channel()

	require.NoError(t, b.Publish(ctx, ChannelJobCompleted, JobEvent{JobID: "job-1", ResultRowCount: 42}))

	select {
	case msg := <-ch:
		assert.Contains(t, msg.Payload, "job-1")
		assert.Contains(t, msg.Payload, "42")
	case <-time.After(2 * time.Second):
		t.Fatal("expected a published message")
	}
}
