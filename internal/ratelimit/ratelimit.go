// Package ratelimit implements the two sliding-window request limiters and
// the job-creation loop guard described by the rate & loop guard component.
// Both limiters are backed by internal/broker's atomic counters so that every
// API process in a deployment shares the same window state.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/exportkit-io/exportkit/internal/broker"
)

// Tier names a request class for sustained-window accounting.
type Tier string

const (
	TierExportCreation Tier = "export-creation"
	TierDownload       Tier = "download"
	TierGeneral        Tier = "general"
)

// sustainedLimits maps each tier to its requests-per-60s ceiling. Burst is a
// second, tighter window: 2x the sustained limit evaluated over 10s.
var sustainedLimits = map[Tier]int{
	TierExportCreation: 10,
	TierDownload:       30,
	TierGeneral:        100,
}

const (
	sustainedWindow = 60 * time.Second
	burstWindow     = 10 * time.Second
)

// Result carries the outcome of a Check call, enough to populate the
// X-RateLimit-* response headers regardless of whether the request passed.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter enforces the sustained+burst sliding windows per credential+tier.
// A broker error fails closed: the request is rejected, because an
// unreachable broker must not be used to bypass rate limiting entirely.
type Limiter struct {
	broker *broker.Broker
	logger *zap.Logger
}

func New(b *broker.Broker, logger *zap.Logger) *Limiter {
	return &Limiter{broker: b, logger: logger.Named("ratelimit")}
}

// Check evaluates both windows for credentialID under tier. It always
// increments both counters — even a request destined to be rejected consumes
// budget, which is the standard sliding-window-counter contract.
func (l *Limiter) Check(ctx context.Context, credentialID string, tier Tier) (Result, error) {
	limit, ok := sustainedLimits[tier]
	if !ok {
		limit = sustainedLimits[TierGeneral]
	}
	burstLimit := limit * 2

	sustainedKey := fmt.Sprintf("ratelimit:%s:%s:sustained", tier, credentialID)
	burstKey := fmt.Sprintf("ratelimit:%s:%s:burst", tier, credentialID)

	sustainedCount, err := l.broker.IncrWithExpire(ctx, sustainedKey, sustainedWindow)
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: sustained window: %w", err)
	}
	burstCount, err := l.broker.IncrWithExpire(ctx, burstKey, burstWindow)
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: burst window: %w", err)
	}

	ttl, err := l.broker.TTL(ctx, sustainedKey)
	if err != nil || ttl <= 0 {
		ttl = sustainedWindow
	}

	remaining := limit - int(sustainedCount)
	if burstRemaining := burstLimit - int(burstCount); burstRemaining < remaining {
		remaining = burstRemaining
	}
	if remaining < 0 {
		remaining = 0
	}

	allowed := sustainedCount <= int64(limit) && burstCount <= int64(burstLimit)

	return Result{
		Allowed:   allowed,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   time.Now().Add(ttl),
	}, nil
}

// LoopGuard detects a runaway caller re-submitting the same job-creation
// payload in a tight loop. Unlike Limiter, it fails open: a broker outage
// must never block legitimate job creation, since the guard exists to catch
// client bugs, not to protect broker capacity.
type LoopGuard struct {
	broker    *broker.Broker
	logger    *zap.Logger
	threshold int64
	window    time.Duration
}

// NewLoopGuard creates a guard that rejects the (threshold+1)th identical
// payload from the same credential within window.
func NewLoopGuard(b *broker.Broker, logger *zap.Logger, threshold int64, window time.Duration) *LoopGuard {
	return &LoopGuard{broker: b, logger: logger.Named("loop_guard"), threshold: threshold, window: window}
}

// Check hashes normalizedPayload and increments the per-(credential, hash)
// counter. It returns blocked=true only when the broker was reachable and the
// threshold was exceeded; any broker error returns blocked=false (fail open).
func (g *LoopGuard) Check(ctx context.Context, credentialID string, normalizedPayload []byte) (blocked bool) {
	sum := sha256.Sum256(normalizedPayload)
	key := fmt.Sprintf("loopguard:%s:%s", credentialID, hex.EncodeToString(sum[:]))

	count, err := g.broker.IncrWithExpire(ctx, key, g.window)
	if err != nil {
		g.logger.Warn("loop guard broker error, failing open",
			zap.String("credential_id", credentialID),
			zap.Error(err),
		)
		return false
	}
	return count > g.threshold
}
