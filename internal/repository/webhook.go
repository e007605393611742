package repository

import (
	"context"
	"fmt"

	"github.com/xenking/storefront/internal/domain/payment"
)

const (
	webhookEventSeenSQL = `SELECT EXISTS (SELECT 1 FROM processed_webhook_events WHERE event_id = $1)`

	markWebhookEventSQL = `INSERT INTO processed_webhook_events (event_id) VALUES ($1)
		ON CONFLICT (event_id) DO NOTHING`
)

var _ payment.DedupStore = (*WebhookEventRepository)(nil)

// WebhookEventRepository records processed webhook event ids in PostgreSQL.
// It backs dedup when no Redis is configured.
type WebhookEventRepository struct {
	db DB
}

// NewWebhookEventRepository returns a WebhookEventRepository that uses the given pool.
func NewWebhookEventRepository(db DB) *WebhookEventRepository {
	return &WebhookEventRepository{db: db}
}

// Seen reports whether eventID was already processed.
func (r *WebhookEventRepository) Seen(ctx context.Context, eventID string) (bool, error) {
	var seen bool
	if err := conn(ctx, r.db).QueryRow(ctx, webhookEventSeenSQL, eventID).Scan(&seen); err != nil {
		return false, fmt.Errorf("checking webhook event %q: %w", eventID, err)
	}
	return seen, nil
}

// Mark records eventID as processed.
func (r *WebhookEventRepository) Mark(ctx context.Context, eventID string) error {
	if _, err := conn(ctx, r.db).Exec(ctx, markWebhookEventSQL, eventID); err != nil {
		return fmt.Errorf("marking webhook event %q: %w", eventID, err)
	}
	return nil
}
