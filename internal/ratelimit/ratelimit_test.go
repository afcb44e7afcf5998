package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/exportkit-io/exportkit/internal/broker"
)

func newTestBroker(t *testing.T) *broker.Broker {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return broker.NewFromClient(client, zap.NewNop())
}

func TestLimiter_AllowsWithinSustainedLimit(t *testing.T) {
	l := New(newTestBroker(t), zap.NewNop())
	ctx := context.Background()

	for i := 0; i < sustainedLimits[TierDownload]; i++ {
		res, err := l.Check(ctx, "cred-1", TierDownload)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}
}

func TestLimiter_RejectsOverSustainedLimit(t *testing.T) {
	l := New(newTestBroker(t), zap.NewNop())
	ctx := context.Background()
	limit := sustainedLimits[TierExportCreation]

	var last Result
	for i := 0; i < limit*2+1; i++ {
		res, err := l.Check(ctx, "cred-1", TierExportCreation)
		require.NoError(t, err)
		last = res
	}
	assert.False(t, last.Allowed)
	assert.Equal(t, 0, last.Remaining)
}

func TestLimiter_UnknownTierFallsBackToGeneral(t *testing.T) {
	l := New(newTestBroker(t), zap.NewNop())
	res, err := l.Check(context.Background(), "cred-1", Tier("made-up"))
	require.NoError(t, err)
	assert.Equal(t, sustainedLimits[TierGeneral], res.Limit)
}

func TestLimiter_CountersAreIndependentPerCredential(t *testing.T) {
	l := New(newTestBroker(t), zap.NewNop())
	ctx := context.Background()

	res1, err := l.Check(ctx, "cred-a", TierDownload)
	require.NoError(t, err)
	res2, err := l.Check(ctx, "cred-b", TierDownload)
	require.NoError(t, err)

	assert.Equal(t, res1.Remaining, res2.Remaining)
}

func TestLoopGuard_AllowsUnderThreshold(t *testing.T) {
	g := NewLoopGuard(newTestBroker(t), zap.NewNop(), 3, 10*time.Second)
	ctx := context.Background()
	payload := []byte(`{"query":"select *"}`)

	for i := 0; i < 3; i++ {
		assert.False(t, g.Check(ctx, "cred-1", payload))
	}
}

func TestLoopGuard_BlocksOverThreshold(t *testing.T) {
	g := NewLoopGuard(newTestBroker(t), zap.NewNop(), 3, 10*time.Second)
	ctx := context.Background()
	payload := []byte(`{"query":"select *"}`)

	var blocked bool
	for i := 0; i < 5; i++ {
		blocked = g.Check(ctx, "cred-1", payload)
	}
	assert.True(t, blocked)
}

func TestLoopGuard_DifferentPayloadsDoNotShareCounter(t *testing.T) {
	g := NewLoopGuard(newTestBroker(t), zap.NewNop(), 3, 10*time.Second)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.False(t, g.Check(ctx, "cred-1", []byte("payload-a")))
	}
	assert.False(t, g.Check(ctx, "cred-1", []byte("payload-b")), "a different payload fingerprint must not trip the guard")
}
