// Package webhook delivers job-lifecycle events to tenant-configured
// endpoints: a delivery record is created PENDING before enqueue, signed
// with HMAC-SHA256, sent with a bounded deadline, and retried with
// exponential backoff through the broker's retry queue. A per-tenant
// in-memory circuit breaker fast-trips dead endpoints within a process
// lifetime; the DB-backed failure counter on db.Tenant is the source of
// truth that survives restarts.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/exportkit-io/exportkit/internal/broker"
	"github.com/exportkit-io/exportkit/internal/db"
	"github.com/exportkit-io/exportkit/internal/repositories"
)

// Queue is the broker queue name webhook deliveries are enqueued onto.
const Queue = "webhooks"

// requestTimeout bounds a single delivery attempt.
const requestTimeout = 30 * time.Second

// maxAttempts and retryBackoffBase implement a 10-attempt exponential
// backoff envelope starting at 5s and doubling each time; the nine waits
// add up to 5s*(2^9-1) = 2555s, about 43 minutes end to end.
const maxAttempts = 10

const retryBackoffBase = 5 * time.Second

// circuitTripThreshold is how many consecutive in-process failures open the
// gobreaker before the slower DB-backed 10-failure threshold would. It
// exists purely to fail faster within a single process's lifetime.
const circuitTripThreshold = 5

// circuitTripDBThreshold and circuitTripWindow are the persistent, cross-
// restart circuit predicate from db.Tenant's invariant.
const circuitTripDBThreshold = 10

const circuitTripWindow = 30 * time.Minute

// Sender delivers webhook events and tracks per-tenant circuit state.
type Sender struct {
	deliveries repositories.WebhookDeliveryRepository
	tenants    repositories.TenantRepository
	broker     *broker.Broker
	client     *http.Client
	logger     *zap.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func New(deliveries repositories.WebhookDeliveryRepository, tenants repositories.TenantRepository, b *broker.Broker, logger *zap.Logger) *Sender {
	return &Sender{
		deliveries: deliveries,
		tenants:    tenants,
		broker:     b,
		client:     &http.Client{Timeout: requestTimeout},
		logger:     logger.Named("webhook_sender"),
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Enqueue creates a PENDING delivery record and places it on the broker
// webhook queue. Called by internal/jobstate on job completion/failure.
func (s *Sender) Enqueue(ctx context.Context, tenantID, jobID uuid.UUID, url, event string) error {
	delivery := &db.WebhookDelivery{
		TenantID: tenantID,
		JobID:    jobID,
		URL:      url,
		Event:    event,
		Status:   "PENDING",
	}
	if err := s.deliveries.Create(ctx, delivery); err != nil {
		return fmt.Errorf("webhook: create delivery: %w", err)
	}
	if err := s.broker.Enqueue(ctx, Queue, 5, delivery.ID.String()); err != nil {
		return fmt.Errorf("webhook: enqueue delivery: %w", err)
	}
	return nil
}

// breakerFor returns the tenant's in-memory circuit breaker, creating it on
// first use.
func (s *Sender) breakerFor(tenantID string) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok := s.breakers[tenantID]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "webhook:" + tenantID,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     1 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= circuitTripThreshold
		},
	})
	s.breakers[tenantID] = cb
	return cb
}

// Deliver sends a single attempt for the delivery identified by deliveryID,
// called by internal/worker's webhook pool after leasing it off the broker.
// It returns done=true when the delivery reached a terminal state (delivered
// or permanently failed) and done=false when it was rescheduled for retry.
func (s *Sender) Deliver(ctx context.Context, deliveryID uuid.UUID, body []byte) (done bool, err error) {
	delivery, err := s.deliveries.GetByID(ctx, deliveryID)
	if err != nil {
		return false, fmt.Errorf("webhook: load delivery: %w", err)
	}

	tenant, err := s.tenants.GetByID(ctx, delivery.TenantID)
	if err != nil {
		return false, fmt.Errorf("webhook: load tenant: %w", err)
	}
	if s.circuitOpen(tenant) {
		return false, ErrCircuitOpen
	}

	cb := s.breakerFor(tenant.ID.String())
	statusCode, sendErr := cb.Execute(func() (any, error) {
		return s.attempt(ctx, delivery, tenant, body)
	})

	if sendErr == nil {
		if err := s.tenants.RecordWebhookSuccess(ctx, tenant.ID, time.Now()); err != nil {
			s.logger.Warn("failed to record webhook success", zap.String("tenant_id", tenant.ID.String()), zap.Error(err))
		}
		if err := s.deliveries.MarkDelivered(ctx, delivery.ID, time.Now(), statusCode.(int)); err != nil {
			s.logger.Error("failed to mark delivery delivered", zap.String("delivery_id", delivery.ID.String()), zap.Error(err))
		}
		return true, nil
	}

	if err := s.tenants.RecordWebhookFailure(ctx, tenant.ID, time.Now()); err != nil {
		s.logger.Warn("failed to record webhook failure", zap.String("tenant_id", tenant.ID.String()), zap.Error(err))
	}

	var nonRetryable *nonRetryableError
	if errors.As(sendErr, &nonRetryable) {
		if err := s.deliveries.MarkFailed(ctx, delivery.ID, time.Now(), nonRetryable.statusCode, nonRetryable.body, sendErr.Error(), nil); err != nil {
			s.logger.Error("failed to mark delivery permanently failed", zap.String("delivery_id", delivery.ID.String()), zap.Error(err))
		}
		return true, nil
	}

	if delivery.Attempts+1 >= maxAttempts {
		if err := s.deliveries.MarkFailed(ctx, delivery.ID, time.Now(), 0, "", sendErr.Error(), nil); err != nil {
			s.logger.Error("failed to mark delivery exhausted", zap.String("delivery_id", delivery.ID.String()), zap.Error(err))
		}
		return true, nil
	}

	nextAttempt := time.Now().Add(backoffFor(delivery.Attempts + 1))
	if err := s.deliveries.MarkFailed(ctx, delivery.ID, time.Now(), 0, "", sendErr.Error(), &nextAttempt); err != nil {
		s.logger.Error("failed to record delivery attempt", zap.String("delivery_id", delivery.ID.String()), zap.Error(err))
	}
	if err := s.broker.Retry(ctx, Queue, delivery.ID.String(), backoffFor(delivery.Attempts+1)); err != nil {
		s.logger.Error("failed to schedule webhook retry", zap.String("delivery_id", delivery.ID.String()), zap.Error(err))
	}
	return false, sendErr
}

// circuitOpen re-checks the DB-backed predicate: open iff
// ConsecutiveWebhookFailures >= 10 AND the last success was within the past
// 30 minutes — a flapping endpoint that keeps alternating between a
// successful delivery and a burst of failures, not a fully dead one. A dead
// endpoint with no recent success ages out of the window and the breaker
// closes again, letting the retry schedule's own 10-attempt ceiling be what
// eventually gives up on it. The in-memory gobreaker is a faster local cache
// over the failure-count half of this decision, never the source of truth,
// so every send re-reads the authoritative counters.
func (s *Sender) circuitOpen(tenant *db.Tenant) bool {
	if tenant.ConsecutiveWebhookFailures < circuitTripDBThreshold {
		return false
	}
	return tenant.LastWebhookSuccessAt != nil && time.Since(*tenant.LastWebhookSuccessAt) < circuitTripWindow
}

func (s *Sender) attempt(ctx context.Context, delivery *db.WebhookDelivery, tenant *db.Tenant, body []byte) (int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, delivery.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("webhook: build request: %w", err)
	}
	timestamp := time.Now().UTC().Format(time.RFC3339)
	signature := sign(string(tenant.WebhookSecret), timestamp, body)

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", "v1="+signature)
	req.Header.Set("X-Webhook-Timestamp", timestamp)
	req.Header.Set("X-Webhook-Event", delivery.Event)
	req.Header.Set("X-Webhook-ID", delivery.ID.String())

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("webhook: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.StatusCode, nil
	}
	if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return resp.StatusCode, &nonRetryableError{statusCode: resp.StatusCode, body: string(respBody)}
	}
	return resp.StatusCode, fmt.Errorf("webhook: endpoint returned status %d", resp.StatusCode)
}

// sign computes the HMAC-SHA256 signature over "timestamp.body" rather than
// the bare body, so the signature also defends against replay.
func sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the HMAC-SHA256 signature over "timestamp.body" and
// compares it against sig in constant time. Used by partners verifying
// inbound webhooks and by tests exercising delivery signing. Mismatched
// lengths short-circuit to false before any comparison is attempted.
func Verify(secret, timestamp string, body []byte, sig string) bool {
	expected := sign(secret, timestamp, body)
	if len(expected) != len(sig) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(sig)) == 1
}

func backoffFor(attempt int) time.Duration {
	d := retryBackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}
