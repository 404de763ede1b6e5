package model

import (
	"strings"
	"time"
)

// Entitlement tiers. Role mirrors tier for authorization checks.
const (
	TierFree  = "free"
	TierPlus  = "plus"
	TierPro   = "pro"
	TierAdmin = "admin"
)

// UserEntitlement is the per-user entitlement row. Users without a row are
// treated as free-tier with UTC timezone.
type UserEntitlement struct {
	UserID               string    `db:"user_id" json:"user_id"`
	Tier                 string    `db:"tier" json:"tier"`
	Role                 string    `db:"role" json:"role"`
	Timezone             string    `db:"timezone" json:"timezone"`
	StripeCustomerID     *string   `db:"stripe_customer_id" json:"stripe_customer_id,omitempty"`
	StripeSubscriptionID *string   `db:"stripe_subscription_id" json:"stripe_subscription_id,omitempty"`
	UpdatedAt            time.Time `db:"updated_at" json:"updated_at"`
}

// SubscriptionLink maps a Stripe subscription to the local user and customer,
// so later webhook events that carry only a subscription id can be resolved.
type SubscriptionLink struct {
	SubscriptionID string    `db:"subscription_id" json:"subscription_id"`
	UserID         string    `db:"user_id" json:"user_id"`
	CustomerID     string    `db:"customer_id" json:"customer_id"`
	Status         string    `db:"status" json:"status"`
	Plan           string    `db:"plan" json:"plan"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// NormalizeTier maps arbitrary tier/role strings onto the known tiers.
// Legacy "user" rows count as free; anything unknown falls back to free.
func NormalizeTier(tier string) string {
	switch strings.ToLower(strings.TrimSpace(tier)) {
	case TierAdmin:
		return TierAdmin
	case TierPro:
		return TierPro
	case TierPlus:
		return TierPlus
	default:
		return TierFree
	}
}
