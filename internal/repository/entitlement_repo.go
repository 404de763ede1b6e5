package repository

import (
	"context"
	"errors"
	"fmt"

	"app/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// EntitlementRepository stores user entitlements and the identity mappings
// used to resolve billing events back to local users.
type EntitlementRepository interface {
	// GetEntitlement returns the entitlement row for a user, or nil if none
	// exists (callers treat missing rows as free tier).
	GetEntitlement(ctx context.Context, userID string) (*model.UserEntitlement, error)
	// UpsertEntitlement sets tier, role and the active subscription id,
	// preserving timezone and customer link on existing rows.
	UpsertEntitlement(ctx context.Context, userID, tier, role string, subscriptionID *string) error
	// UpsertCustomerLink records the user's billing-customer id.
	UpsertCustomerLink(ctx context.Context, userID, customerID string) error
	// GetUserIDByCustomer resolves a billing-customer id to a user id, or ""
	// when no link exists.
	GetUserIDByCustomer(ctx context.Context, customerID string) (string, error)
	// UpsertSubscriptionLink records a subscription -> (user, customer,
	// status, plan) mapping.
	UpsertSubscriptionLink(ctx context.Context, link *model.SubscriptionLink) error
	// GetSubscriptionLink returns the mapping for a subscription id, or nil.
	GetSubscriptionLink(ctx context.Context, subscriptionID string) (*model.SubscriptionLink, error)
}

type entitlementRepo struct {
	pool *pgxpool.Pool
}

// NewEntitlementRepo creates a new EntitlementRepository.
func NewEntitlementRepo(pool *pgxpool.Pool) EntitlementRepository {
	return &entitlementRepo{pool: pool}
}

func (r *entitlementRepo) GetEntitlement(ctx context.Context, userID string) (*model.UserEntitlement, error) {
	const q = `
        SELECT user_id, tier, role, timezone, stripe_customer_id, stripe_subscription_id, updated_at
        FROM user_entitlements
        WHERE user_id = $1
    `
	var ent model.UserEntitlement
	err := r.pool.QueryRow(ctx, q, userID).Scan(
		&ent.UserID,
		&ent.Tier,
		&ent.Role,
		&ent.Timezone,
		&ent.StripeCustomerID,
		&ent.StripeSubscriptionID,
		&ent.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching entitlement for user %s: %w", userID, err)
	}
	return &ent, nil
}

func (r *entitlementRepo) UpsertEntitlement(ctx context.Context, userID, tier, role string, subscriptionID *string) error {
	const q = `
        INSERT INTO user_entitlements (user_id, tier, role, timezone, stripe_subscription_id, updated_at)
        VALUES ($1, $2, $3, 'UTC', $4, NOW())
        ON CONFLICT (user_id) DO UPDATE
        SET tier = EXCLUDED.tier,
            role = EXCLUDED.role,
            stripe_subscription_id = EXCLUDED.stripe_subscription_id,
            updated_at = NOW()
    `
	if _, err := r.pool.Exec(ctx, q, userID, tier, role, subscriptionID); err != nil {
		return fmt.Errorf("upserting entitlement for user %s: %w", userID, err)
	}
	return nil
}

func (r *entitlementRepo) UpsertCustomerLink(ctx context.Context, userID, customerID string) error {
	const q = `
        INSERT INTO user_entitlements (user_id, tier, role, timezone, stripe_customer_id, updated_at)
        VALUES ($1, 'free', 'free', 'UTC', $2, NOW())
        ON CONFLICT (user_id) DO UPDATE
        SET stripe_customer_id = EXCLUDED.stripe_customer_id,
            updated_at = NOW()
    `
	if _, err := r.pool.Exec(ctx, q, userID, customerID); err != nil {
		return fmt.Errorf("linking customer %s to user %s: %w", customerID, userID, err)
	}
	return nil
}

func (r *entitlementRepo) GetUserIDByCustomer(ctx context.Context, customerID string) (string, error) {
	const q = `SELECT user_id FROM user_entitlements WHERE stripe_customer_id = $1`
	var userID string
	err := r.pool.QueryRow(ctx, q, customerID).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("resolving customer %s: %w", customerID, err)
	}
	return userID, nil
}

func (r *entitlementRepo) UpsertSubscriptionLink(ctx context.Context, link *model.SubscriptionLink) error {
	const q = `
        INSERT INTO stripe_subscriptions (subscription_id, user_id, customer_id, status, plan, updated_at)
        VALUES ($1, $2, $3, $4, $5, NOW())
        ON CONFLICT (subscription_id) DO UPDATE
        SET user_id = EXCLUDED.user_id,
            customer_id = EXCLUDED.customer_id,
            status = EXCLUDED.status,
            plan = EXCLUDED.plan,
            updated_at = NOW()
    `
	if _, err := r.pool.Exec(ctx, q, link.SubscriptionID, link.UserID, link.CustomerID, link.Status, link.Plan); err != nil {
		return fmt.Errorf("upserting subscription link %s: %w", link.SubscriptionID, err)
	}
	return nil
}

func (r *entitlementRepo) GetSubscriptionLink(ctx context.Context, subscriptionID string) (*model.SubscriptionLink, error) {
	const q = `
        SELECT subscription_id, user_id, customer_id, status, plan, updated_at
        FROM stripe_subscriptions
        WHERE subscription_id = $1
    `
	var link model.SubscriptionLink
	err := r.pool.QueryRow(ctx, q, subscriptionID).Scan(
		&link.SubscriptionID,
		&link.UserID,
		&link.CustomerID,
		&link.Status,
		&link.Plan,
		&link.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching subscription link %s: %w", subscriptionID, err)
	}
	return &link, nil
}
