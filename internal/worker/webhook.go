package worker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/exportkit-io/exportkit/internal/broker"
	"github.com/exportkit-io/exportkit/internal/repositories"
	"github.com/exportkit-io/exportkit/internal/webhook"
)

const webhookLeaseDuration = 2 * time.Minute

// WebhookPool leases deliveries off the webhook queue and hands them to
// internal/webhook.Sender.
type WebhookPool struct {
	broker     *broker.Broker
	sender     *webhook.Sender
	deliveries repositories.WebhookDeliveryRepository
	logger     *zap.Logger

	concurrency int
}

// NewWebhookPool creates a pool with the given concurrency (default 10).
func NewWebhookPool(b *broker.Broker, sender *webhook.Sender, deliveries repositories.WebhookDeliveryRepository, concurrency int, logger *zap.Logger) *WebhookPool {
	if concurrency <= 0 {
		concurrency = 10
	}
	return &WebhookPool{
		broker: b, sender: sender, deliveries: deliveries,
		concurrency: concurrency, logger: logger.Named("webhook_worker"),
	}
}

// Run blocks, leasing and delivering webhooks, until ctx is canceled.
func (p *WebhookPool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.loop(ctx)
		}()
	}
	wg.Wait()
}

func (p *WebhookPool) loop(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			brokerID, ok, err := p.broker.Lease(ctx, webhook.Queue, webhookLeaseDuration)
			if err != nil {
				p.logger.Warn("webhook lease failed", zap.Error(err))
				continue
			}
			if !ok {
				continue
			}
			p.process(ctx, brokerID)
		}
	}
}

func (p *WebhookPool) process(ctx context.Context, brokerID string) {
	deliveryID, err := uuid.Parse(brokerID)
	if err != nil {
		p.logger.Error("lease returned unparseable delivery id", zap.String("delivery_id", brokerID), zap.Error(err))
		return
	}

	delivery, err := p.deliveries.GetByID(ctx, deliveryID)
	if err != nil {
		p.logger.Error("failed to load leased delivery", zap.String("delivery_id", brokerID), zap.Error(err))
		return
	}

	body, err := json.Marshal(map[string]string{
		"event":      delivery.Event,
		"job_id":     delivery.JobID.String(),
		"tenant_id":  delivery.TenantID.String(),
		"created_at": delivery.CreatedAt.Format(time.RFC3339),
	})
	if err != nil {
		p.logger.Error("failed to build webhook payload", zap.String("delivery_id", brokerID), zap.Error(err))
		return
	}

	done, sendErr := p.sender.Deliver(ctx, deliveryID, body)
	if sendErr != nil {
		p.logger.Warn("webhook delivery attempt failed", zap.String("delivery_id", brokerID), zap.Error(sendErr))
	}
	if done {
		if err := p.broker.Ack(ctx, webhook.Queue, brokerID); err != nil {
			p.logger.Warn("failed to ack webhook delivery", zap.String("delivery_id", brokerID), zap.Error(err))
		}
	}
	// Retry scheduling happens inside Sender.Deliver via broker.Retry; this
	// pool only needs to ack on a terminal outcome.
}
