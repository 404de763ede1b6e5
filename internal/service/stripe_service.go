package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"app/internal/config"
	"app/internal/model"
	"app/internal/repository"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v82"
	subscriptionpkg "github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/webhook"
)

// SubscriptionFetcher loads the full subscription object for events that
// carry only a subscription id. Injectable so tests avoid the Stripe API.
type SubscriptionFetcher func(subscriptionID string) (*stripe.Subscription, error)

// StripeService is the webhook entitlement synchronizer: it verifies and
// idempotently processes billing events, resolves the affected user, and
// transitions the stored entitlement tier.
type StripeService struct {
	webhookSecret     string
	staleAfter        time.Duration
	events            repository.WebhookEventRepository
	entSvc            EntitlementService
	fetchSubscription SubscriptionFetcher
	logger            zerolog.Logger
}

// NewStripeService initializes the Stripe key and returns the service with a
// scoped logger.
func NewStripeService(cfg *config.Config, events repository.WebhookEventRepository, entSvc EntitlementService, logger zerolog.Logger) *StripeService {
	stripe.Key = cfg.StripeSecretKey
	return &StripeService{
		webhookSecret: cfg.StripeWebhookSecret,
		staleAfter:    time.Duration(cfg.WebhookStaleAfterMin) * time.Minute,
		events:        events,
		entSvc:        entSvc,
		fetchSubscription: func(subscriptionID string) (*stripe.Subscription, error) {
			return subscriptionpkg.Get(subscriptionID, nil)
		},
		logger: logger.With().Str("service", "StripeService").Logger(),
	}
}

// HandleWebhook processes one Stripe webhook delivery. Responses: 200 for
// accepted or duplicate, 400 for bad signature or body, 500 for a processing
// failure (Stripe retries on its own backoff).
func (s *StripeService) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read Stripe webhook payload")
		http.Error(w, "failed to read payload", http.StatusBadRequest)
		return
	}
	sig := r.Header.Get("Stripe-Signature")
	event, err := webhook.ConstructEvent(payload, sig, s.webhookSecret)
	if err != nil {
		s.logger.Error().Err(err).Msg("Signature verification failed for Stripe webhook")
		http.Error(w, "signature verification failed", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	s.logger.Info().Str("event_id", event.ID).Str("event_type", string(event.Type)).Msg("Stripe webhook received")

	// The idempotency gate runs before any entitlement mutation: a fresh
	// event is claimed, a failed or stale-processing record is reclaimed,
	// and everything else is a duplicate acknowledged without reprocessing.
	claimed, err := s.events.Claim(ctx, event.ID, string(event.Type), s.staleAfter)
	if err != nil {
		s.logger.Error().Err(err).Str("event_id", event.ID).Msg("Failed to claim webhook event")
		http.Error(w, "failed to record event", http.StatusInternalServerError)
		return
	}
	if !claimed {
		s.logger.Info().Str("event_id", event.ID).Msg("Duplicate webhook event ignored")
		s.writeReceived(w)
		return
	}

	if err := s.process(ctx, &event); err != nil {
		s.logger.Error().Err(err).Str("event_id", event.ID).Str("event_type", string(event.Type)).Msg("Webhook processing failed")
		if mfErr := s.events.MarkFailed(ctx, event.ID, err); mfErr != nil {
			s.logger.Error().Err(mfErr).Str("event_id", event.ID).Msg("Failed to mark webhook event failed")
		}
		http.Error(w, "webhook processing failed", http.StatusInternalServerError)
		return
	}

	if err := s.events.MarkProcessed(ctx, event.ID); err != nil {
		// The entitlement transition is already applied and every step is an
		// idempotent upsert, so a later stale-reclaim replay is harmless.
		s.logger.Error().Err(err).Str("event_id", event.ID).Msg("Failed to finalize webhook event")
	}
	s.writeReceived(w)
}

func (s *StripeService) writeReceived(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]bool{"received": true})
}

func (s *StripeService) process(ctx context.Context, event *stripe.Event) error {
	switch event.Type {
	case "checkout.session.completed":
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
			return fmt.Errorf("invalid checkout.session payload: %w", err)
		}
		if cs.Mode != stripe.CheckoutSessionModeSubscription || cs.Subscription == nil {
			return nil
		}
		sub, err := s.fetchSubscription(cs.Subscription.ID)
		if err != nil {
			return fmt.Errorf("fetching subscription %s: %w", cs.Subscription.ID, err)
		}
		userID, err := s.resolveUser(ctx, sub.ID, customerIDOf(cs.Customer),
			sub.Metadata["user_id"], cs.Metadata["user_id"], cs.ClientReferenceID)
		if err != nil {
			return err
		}
		if userID == "" {
			s.logger.Warn().Str("subscription_id", sub.ID).Msg("Checkout session references no known user, skipping")
			return nil
		}
		return s.applyFromSubscription(ctx, userID, sub, customerIDOf(cs.Customer), false)

	case "customer.subscription.created", "customer.subscription.updated":
		sub, err := s.decodeSubscription(event)
		if err != nil {
			return err
		}
		return s.recomputeTier(ctx, sub, false)

	case "customer.subscription.deleted":
		sub, err := s.decodeSubscription(event)
		if err != nil {
			return err
		}
		userID, err := s.resolveUser(ctx, sub.ID, customerIDOf(sub.Customer), sub.Metadata["user_id"])
		if err != nil {
			return err
		}
		if userID == "" {
			s.logger.Warn().Str("subscription_id", sub.ID).Msg("Deleted subscription references no known user, skipping")
			return nil
		}
		// The subscription is gone: downgrade and clear the active
		// subscription id, but keep the identity links for future lookups.
		if err := s.entSvc.ApplyTier(ctx, userID, model.TierFree, nil); err != nil {
			return err
		}
		return s.entSvc.LinkSubscription(ctx, &model.SubscriptionLink{
			SubscriptionID: sub.ID,
			UserID:         userID,
			CustomerID:     customerIDOf(sub.Customer),
			Status:         string(stripe.SubscriptionStatusCanceled),
			Plan:           sub.Metadata["plan"],
		})

	case "invoice.paid", "invoice.payment_succeeded":
		return s.recomputeTierFromInvoice(ctx, event, false)

	case "invoice.payment_failed":
		// Fail closed: a failed payment forces free regardless of the
		// subscription's nominal status.
		return s.recomputeTierFromInvoice(ctx, event, true)

	default:
		s.logger.Debug().Str("event_type", string(event.Type)).Msg("Unhandled Stripe webhook event")
		return nil
	}
}

func (s *StripeService) decodeSubscription(event *stripe.Event) (*stripe.Subscription, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", event.Type, err)
	}
	return &sub, nil
}

func (s *StripeService) recomputeTierFromInvoice(ctx context.Context, event *stripe.Event, forceFree bool) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return fmt.Errorf("invalid %s payload: %w", event.Type, err)
	}
	subID := subscriptionIDFromInvoice(&invoice)
	if subID == "" {
		s.logger.Info().Str("invoice_id", invoice.ID).Msg("Invoice has no subscription, skipping entitlement update")
		return nil
	}
	sub, err := s.fetchSubscription(subID)
	if err != nil {
		return fmt.Errorf("fetching subscription %s: %w", subID, err)
	}
	if sub.Customer == nil {
		sub.Customer = invoice.Customer
	}
	return s.recomputeTier(ctx, sub, forceFree)
}

// recomputeTier is the single tier-transition path shared by every
// subscription-shaped event, regardless of how the subscription was located.
func (s *StripeService) recomputeTier(ctx context.Context, sub *stripe.Subscription, forceFree bool) error {
	userID, err := s.resolveUser(ctx, sub.ID, customerIDOf(sub.Customer), sub.Metadata["user_id"])
	if err != nil {
		return err
	}
	if userID == "" {
		s.logger.Warn().Str("subscription_id", sub.ID).Msg("Subscription references no known user, skipping")
		return nil
	}
	return s.applyFromSubscription(ctx, userID, sub, customerIDOf(sub.Customer), forceFree)
}

// applyFromSubscription derives the target tier and applies the entitlement
// transition plus the identity-mapping refresh. Each step is an idempotent
// upsert, so a retried event can safely repeat them.
func (s *StripeService) applyFromSubscription(ctx context.Context, userID string, sub *stripe.Subscription, customerID string, forceFree bool) error {
	tier := model.TierFree
	if !forceFree && subscriptionActive(sub.Status) {
		if plan := strings.TrimSpace(sub.Metadata["plan"]); plan != "" {
			tier = model.NormalizeTier(plan)
		}
	}

	subID := sub.ID
	if err := s.entSvc.ApplyTier(ctx, userID, tier, &subID); err != nil {
		return err
	}
	if err := s.entSvc.LinkCustomer(ctx, userID, customerID); err != nil {
		return err
	}
	if err := s.entSvc.LinkSubscription(ctx, &model.SubscriptionLink{
		SubscriptionID: sub.ID,
		UserID:         userID,
		CustomerID:     customerID,
		Status:         string(sub.Status),
		Plan:           sub.Metadata["plan"],
	}); err != nil {
		return err
	}

	s.logger.Info().
		Str("user_id", userID).
		Str("tier", tier).
		Str("subscription_id", sub.ID).
		Msg("Entitlement updated from Stripe event")
	return nil
}

// resolveUser tries, in order: explicit user ids carried by the event, the
// subscription mapping, then the customer mapping. Returning "" is not an
// error; the event may reference entities not yet linked.
func (s *StripeService) resolveUser(ctx context.Context, subscriptionID, customerID string, explicit ...string) (string, error) {
	for _, candidate := range explicit {
		if id := strings.TrimSpace(candidate); id != "" {
			return id, nil
		}
	}
	if userID, err := s.entSvc.UserIDBySubscription(ctx, subscriptionID); err != nil {
		return "", err
	} else if userID != "" {
		return userID, nil
	}
	return s.entSvc.UserIDByCustomer(ctx, customerID)
}

func subscriptionActive(status stripe.SubscriptionStatus) bool {
	return status == stripe.SubscriptionStatusActive || status == stripe.SubscriptionStatusTrialing
}

func customerIDOf(c *stripe.Customer) string {
	if c == nil {
		return ""
	}
	return c.ID
}

func subscriptionIDFromInvoice(invoice *stripe.Invoice) string {
	if invoice.Lines == nil {
		return ""
	}
	for _, line := range invoice.Lines.Data {
		if line.Subscription != nil && line.Subscription.ID != "" {
			return line.Subscription.ID
		}
	}
	return ""
}
