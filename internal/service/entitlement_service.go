package service

import (
	"context"

	"app/internal/model"
	"app/internal/repository"

	"github.com/rs/zerolog"
)

// EntitlementService reads and mutates user entitlement state. Mutation
// happens only through webhook processing; the quota engine is a reader.
type EntitlementService interface {
	// Resolve returns the user's normalized role and timezone, defaulting to
	// free/UTC when no entitlement row exists.
	Resolve(ctx context.Context, userID string) (role, timezone string, err error)
	// ApplyTier upserts the user's tier (role mirrored) and subscription id.
	ApplyTier(ctx context.Context, userID, tier string, subscriptionID *string) error
	// LinkCustomer records the customer -> user identity mapping.
	LinkCustomer(ctx context.Context, userID, customerID string) error
	// LinkSubscription records the subscription -> user identity mapping.
	LinkSubscription(ctx context.Context, link *model.SubscriptionLink) error
	// UserIDBySubscription resolves a subscription id to a user id, "" if unknown.
	UserIDBySubscription(ctx context.Context, subscriptionID string) (string, error)
	// UserIDByCustomer resolves a customer id to a user id, "" if unknown.
	UserIDByCustomer(ctx context.Context, customerID string) (string, error)
}

type entitlementService struct {
	repo   repository.EntitlementRepository
	logger zerolog.Logger
}

// NewEntitlementService creates a new EntitlementService with a scoped logger.
func NewEntitlementService(repo repository.EntitlementRepository, logger zerolog.Logger) EntitlementService {
	return &entitlementService{
		repo:   repo,
		logger: logger.With().Str("service", "EntitlementService").Logger(),
	}
}

func (s *entitlementService) Resolve(ctx context.Context, userID string) (string, string, error) {
	ent, err := s.repo.GetEntitlement(ctx, userID)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to fetch entitlement")
		return "", "", err
	}
	if ent == nil {
		return model.TierFree, "UTC", nil
	}
	tz := ent.Timezone
	if tz == "" {
		tz = "UTC"
	}
	return model.NormalizeTier(ent.Role), tz, nil
}

func (s *entitlementService) ApplyTier(ctx context.Context, userID, tier string, subscriptionID *string) error {
	tier = model.NormalizeTier(tier)
	if err := s.repo.UpsertEntitlement(ctx, userID, tier, tier, subscriptionID); err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Str("tier", tier).Msg("Failed to upsert entitlement")
		return err
	}
	return nil
}

func (s *entitlementService) LinkCustomer(ctx context.Context, userID, customerID string) error {
	if customerID == "" {
		return nil
	}
	if err := s.repo.UpsertCustomerLink(ctx, userID, customerID); err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Str("customer_id", customerID).Msg("Failed to link customer")
		return err
	}
	return nil
}

func (s *entitlementService) LinkSubscription(ctx context.Context, link *model.SubscriptionLink) error {
	if link.SubscriptionID == "" {
		return nil
	}
	if err := s.repo.UpsertSubscriptionLink(ctx, link); err != nil {
		s.logger.Error().Err(err).Str("subscription_id", link.SubscriptionID).Msg("Failed to link subscription")
		return err
	}
	return nil
}

func (s *entitlementService) UserIDBySubscription(ctx context.Context, subscriptionID string) (string, error) {
	if subscriptionID == "" {
		return "", nil
	}
	link, err := s.repo.GetSubscriptionLink(ctx, subscriptionID)
	if err != nil {
		return "", err
	}
	if link == nil {
		return "", nil
	}
	return link.UserID, nil
}

func (s *entitlementService) UserIDByCustomer(ctx context.Context, customerID string) (string, error) {
	if customerID == "" {
		return "", nil
	}
	return s.repo.GetUserIDByCustomer(ctx, customerID)
}
