package repository

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"app/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// WebhookEventRepository holds the idempotency records for billing-provider
// events. Claim must run before any entitlement mutation.
type WebhookEventRepository interface {
	// Claim transitions the event to processing and reports whether the
	// caller owns it. A fresh event is claimed; a failed record or a
	// processing record older than staleAfter is reclaimed; anything else is
	// a duplicate and claiming fails with no mutation.
	Claim(ctx context.Context, eventID, eventType string, staleAfter time.Duration) (bool, error)
	// MarkProcessed finalizes a claimed event.
	MarkProcessed(ctx context.Context, eventID string) error
	// MarkFailed records a processing failure. The error message is truncated
	// before storage.
	MarkFailed(ctx context.Context, eventID string, procErr error) error
	// Get returns the record for an event id, or nil if none exists.
	Get(ctx context.Context, eventID string) (*model.WebhookEventRecord, error)
}

type webhookEventRepo struct {
	pool *pgxpool.Pool
}

// NewWebhookEventRepo creates a new WebhookEventRepository.
func NewWebhookEventRepo(pool *pgxpool.Pool) WebhookEventRepository {
	return &webhookEventRepo{pool: pool}
}

const maxStoredErrorLen = 500

func (r *webhookEventRepo) Claim(ctx context.Context, eventID, eventType string, staleAfter time.Duration) (bool, error) {
	staleBefore := time.Now().Add(-staleAfter)
	const q = `
        INSERT INTO stripe_events (id, event_type, status, last_error, updated_at)
        VALUES ($1, $2, 'processing', NULL, NOW())
        ON CONFLICT (id) DO UPDATE
        SET status = 'processing', last_error = NULL, updated_at = NOW()
        WHERE stripe_events.status = 'failed'
           OR (stripe_events.status = 'processing' AND stripe_events.updated_at < $3)
        RETURNING id
    `
	var id string
	err := r.pool.QueryRow(ctx, q, eventID, eventType, staleBefore).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claiming webhook event %s: %w", eventID, err)
	}
	return true, nil
}

func (r *webhookEventRepo) MarkProcessed(ctx context.Context, eventID string) error {
	const q = `
        UPDATE stripe_events
        SET status = 'processed', last_error = NULL, processed_at = NOW(), updated_at = NOW()
        WHERE id = $1
    `
	if _, err := r.pool.Exec(ctx, q, eventID); err != nil {
		return fmt.Errorf("marking webhook event %s processed: %w", eventID, err)
	}
	return nil
}

// truncateErrorMessage caps the stored message, backing up to a rune boundary
// so the result stays valid UTF-8.
func truncateErrorMessage(msg string, max int) string {
	if len(msg) <= max {
		return msg
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}

func (r *webhookEventRepo) MarkFailed(ctx context.Context, eventID string, procErr error) error {
	msg := truncateErrorMessage(procErr.Error(), maxStoredErrorLen)
	const q = `
        UPDATE stripe_events
        SET status = 'failed', last_error = $2, updated_at = NOW()
        WHERE id = $1
    `
	if _, err := r.pool.Exec(ctx, q, eventID, msg); err != nil {
		return fmt.Errorf("marking webhook event %s failed: %w", eventID, err)
	}
	return nil
}

func (r *webhookEventRepo) Get(ctx context.Context, eventID string) (*model.WebhookEventRecord, error) {
	const q = `
        SELECT id, event_type, status, last_error, processed_at, updated_at
        FROM stripe_events
        WHERE id = $1
    `
	var rec model.WebhookEventRecord
	err := r.pool.QueryRow(ctx, q, eventID).Scan(
		&rec.ID,
		&rec.EventType,
		&rec.Status,
		&rec.LastError,
		&rec.ProcessedAt,
		&rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching webhook event %s: %w", eventID, err)
	}
	return &rec, nil
}
