package service

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"app/internal/model"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v82"
)

const testWebhookSecret = "whsec_test_secret"

// fakeEventRepo replicates the conditional-upsert claim semantics of the
// Postgres store in memory.
type fakeEventRepo struct {
	mu      sync.Mutex
	records map[string]*model.WebhookEventRecord
}

func newFakeEventRepo() *fakeEventRepo {
	return &fakeEventRepo{records: make(map[string]*model.WebhookEventRecord)}
}

func (r *fakeEventRepo) Claim(_ context.Context, eventID, eventType string, staleAfter time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	rec, ok := r.records[eventID]
	if !ok {
		r.records[eventID] = &model.WebhookEventRecord{
			ID:        eventID,
			EventType: eventType,
			Status:    model.WebhookStatusProcessing,
			UpdatedAt: now,
		}
		return true, nil
	}
	stale := rec.Status == model.WebhookStatusProcessing && rec.UpdatedAt.Before(now.Add(-staleAfter))
	if rec.Status == model.WebhookStatusFailed || stale {
		rec.Status = model.WebhookStatusProcessing
		rec.LastError = nil
		rec.UpdatedAt = now
		return true, nil
	}
	return false, nil
}

func (r *fakeEventRepo) MarkProcessed(_ context.Context, eventID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[eventID]; ok {
		now := time.Now()
		rec.Status = model.WebhookStatusProcessed
		rec.LastError = nil
		rec.ProcessedAt = &now
		rec.UpdatedAt = now
	}
	return nil
}

func (r *fakeEventRepo) MarkFailed(_ context.Context, eventID string, procErr error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[eventID]; ok {
		msg := procErr.Error()
		rec.Status = model.WebhookStatusFailed
		rec.LastError = &msg
		rec.UpdatedAt = time.Now()
	}
	return nil
}

func (r *fakeEventRepo) Get(_ context.Context, eventID string) (*model.WebhookEventRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[eventID]; ok {
		cp := *rec
		return &cp, nil
	}
	return nil, nil
}

func (r *fakeEventRepo) statusOf(eventID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[eventID]; ok {
		return rec.Status
	}
	return ""
}

func newTestStripeService(events *fakeEventRepo, ents *fakeEntitlements, fetch SubscriptionFetcher) *StripeService {
	return &StripeService{
		webhookSecret:     testWebhookSecret,
		staleAfter:        10 * time.Minute,
		events:            events,
		entSvc:            ents,
		fetchSubscription: fetch,
		logger:            zerolog.Nop(),
	}
}

func fetchActiveSub(plan string) SubscriptionFetcher {
	return func(subscriptionID string) (*stripe.Subscription, error) {
		return &stripe.Subscription{
			ID:       subscriptionID,
			Status:   stripe.SubscriptionStatusActive,
			Metadata: map[string]string{"plan": plan},
			Customer: &stripe.Customer{ID: "cus_1"},
		}, nil
	}
}

func eventPayload(t *testing.T, id, eventType string, object map[string]interface{}) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]interface{}{
		"id":          id,
		"object":      "event",
		"api_version": stripe.APIVersion,
		"type":        eventType,
		"data":        map[string]interface{}{"object": object},
	})
	if err != nil {
		t.Fatalf("failed to marshal event payload: %v", err)
	}
	return payload
}

func signedWebhookRequest(payload []byte, secret string) *http.Request {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil))))
	return req
}

func deliver(svc *StripeService, payload []byte, secret string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	svc.HandleWebhook(w, signedWebhookRequest(payload, secret))
	return w
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	events := newFakeEventRepo()
	svc := newTestStripeService(events, newFakeEntitlements(), fetchActiveSub("pro"))

	payload := eventPayload(t, "evt_1", "customer.subscription.updated", map[string]interface{}{"id": "sub_1"})
	w := deliver(svc, payload, "whsec_wrong_secret")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if events.statusOf("evt_1") != "" {
		t.Fatal("unverified events must not be recorded")
	}
}

func TestWebhookCheckoutCompletedAppliesTier(t *testing.T) {
	events := newFakeEventRepo()
	ents := newFakeEntitlements()
	svc := newTestStripeService(events, ents, fetchActiveSub("pro"))

	payload := eventPayload(t, "evt_1", "checkout.session.completed", map[string]interface{}{
		"id":                  "cs_1",
		"mode":                "subscription",
		"subscription":        map[string]interface{}{"id": "sub_1"},
		"customer":            map[string]interface{}{"id": "cus_1"},
		"client_reference_id": "u1",
	})
	w := deliver(svc, payload, testWebhookSecret)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := ents.roleOf("u1"); got != model.TierPro {
		t.Fatalf("expected pro tier, got %q", got)
	}
	ents.mu.Lock()
	link := ents.subLinks["sub_1"]
	customer := ents.customers["u1"]
	ents.mu.Unlock()
	if link == nil || link.UserID != "u1" || link.CustomerID != "cus_1" {
		t.Fatalf("subscription link not recorded: %+v", link)
	}
	if customer != "cus_1" {
		t.Fatalf("customer link not recorded: %q", customer)
	}
	if events.statusOf("evt_1") != model.WebhookStatusProcessed {
		t.Fatalf("expected processed, got %q", events.statusOf("evt_1"))
	}
}

func TestWebhookDuplicateDeliveryProcessesOnce(t *testing.T) {
	events := newFakeEventRepo()
	ents := newFakeEntitlements()
	svc := newTestStripeService(events, ents, fetchActiveSub("plus"))

	payload := eventPayload(t, "evt_dup", "checkout.session.completed", map[string]interface{}{
		"id":                  "cs_1",
		"mode":                "subscription",
		"subscription":        map[string]interface{}{"id": "sub_1"},
		"client_reference_id": "u1",
	})
	for i := 0; i < 2; i++ {
		if w := deliver(svc, payload, testWebhookSecret); w.Code != http.StatusOK {
			t.Fatalf("delivery %d: expected 200, got %d", i+1, w.Code)
		}
	}
	ents.mu.Lock()
	calls := ents.applyCalls
	ents.mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected exactly one entitlement mutation, got %d", calls)
	}
}

func TestWebhookSubscriptionUpdatedResolvesViaLink(t *testing.T) {
	events := newFakeEventRepo()
	ents := newFakeEntitlements()
	ents.subLinks["sub_1"] = &model.SubscriptionLink{SubscriptionID: "sub_1", UserID: "u1"}
	svc := newTestStripeService(events, ents, fetchActiveSub("plus"))

	payload := eventPayload(t, "evt_2", "customer.subscription.updated", map[string]interface{}{
		"id":       "sub_1",
		"status":   "active",
		"metadata": map[string]interface{}{"plan": "plus"},
		"customer": map[string]interface{}{"id": "cus_1"},
	})
	if w := deliver(svc, payload, testWebhookSecret); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := ents.roleOf("u1"); got != model.TierPlus {
		t.Fatalf("expected plus tier, got %q", got)
	}
}

func TestWebhookInactiveSubscriptionDowngrades(t *testing.T) {
	events := newFakeEventRepo()
	ents := newFakeEntitlements()
	ents.roles["u1"] = model.TierPro
	svc := newTestStripeService(events, ents, fetchActiveSub("pro"))

	payload := eventPayload(t, "evt_3", "customer.subscription.updated", map[string]interface{}{
		"id":       "sub_1",
		"status":   "past_due",
		"metadata": map[string]interface{}{"plan": "pro", "user_id": "u1"},
	})
	if w := deliver(svc, payload, testWebhookSecret); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := ents.roleOf("u1"); got != model.TierFree {
		t.Fatalf("inactive subscription must downgrade to free, got %q", got)
	}
}

func TestWebhookPaymentFailedForcesFree(t *testing.T) {
	events := newFakeEventRepo()
	ents := newFakeEntitlements()
	ents.roles["u1"] = model.TierPro
	ents.subLinks["sub_1"] = &model.SubscriptionLink{SubscriptionID: "sub_1", UserID: "u1"}
	// The subscription still reports active; the failed payment wins.
	svc := newTestStripeService(events, ents, fetchActiveSub("pro"))

	payload := eventPayload(t, "evt_4", "invoice.payment_failed", map[string]interface{}{
		"id": "in_1",
		"lines": map[string]interface{}{
			"data": []interface{}{
				map[string]interface{}{"subscription": map[string]interface{}{"id": "sub_1"}},
			},
		},
		"customer": map[string]interface{}{"id": "cus_1"},
	})
	if w := deliver(svc, payload, testWebhookSecret); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := ents.roleOf("u1"); got != model.TierFree {
		t.Fatalf("payment failure must force free, got %q", got)
	}
}

func TestWebhookSubscriptionDeletedClearsSubscription(t *testing.T) {
	events := newFakeEventRepo()
	ents := newFakeEntitlements()
	ents.roles["u1"] = model.TierPro
	svc := newTestStripeService(events, ents, fetchActiveSub("pro"))

	payload := eventPayload(t, "evt_5", "customer.subscription.deleted", map[string]interface{}{
		"id":       "sub_1",
		"status":   "canceled",
		"metadata": map[string]interface{}{"user_id": "u1"},
		"customer": map[string]interface{}{"id": "cus_1"},
	})
	if w := deliver(svc, payload, testWebhookSecret); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := ents.roleOf("u1"); got != model.TierFree {
		t.Fatalf("expected free after deletion, got %q", got)
	}
	ents.mu.Lock()
	subID := ents.subIDs["u1"]
	ents.mu.Unlock()
	if subID != nil {
		t.Fatalf("expected cleared subscription id, got %q", *subID)
	}
}

func TestWebhookUnresolvedUserIsSkipped(t *testing.T) {
	events := newFakeEventRepo()
	ents := newFakeEntitlements()
	svc := newTestStripeService(events, ents, fetchActiveSub("pro"))

	payload := eventPayload(t, "evt_6", "customer.subscription.updated", map[string]interface{}{
		"id":     "sub_unknown",
		"status": "active",
	})
	if w := deliver(svc, payload, testWebhookSecret); w.Code != http.StatusOK {
		t.Fatalf("unresolved users are skipped, not errors; got %d", w.Code)
	}
	ents.mu.Lock()
	calls := ents.applyCalls
	ents.mu.Unlock()
	if calls != 0 {
		t.Fatal("no entitlement mutation expected for an unresolved user")
	}
	if events.statusOf("evt_6") != model.WebhookStatusProcessed {
		t.Fatalf("expected processed, got %q", events.statusOf("evt_6"))
	}
}

func TestWebhookFailureMarksFailedThenRetrySucceeds(t *testing.T) {
	events := newFakeEventRepo()
	ents := newFakeEntitlements()
	svc := newTestStripeService(events, ents, func(string) (*stripe.Subscription, error) {
		return nil, errors.New("stripe api unavailable")
	})

	payload := eventPayload(t, "evt_7", "checkout.session.completed", map[string]interface{}{
		"id":                  "cs_1",
		"mode":                "subscription",
		"subscription":        map[string]interface{}{"id": "sub_1"},
		"client_reference_id": "u1",
	})
	if w := deliver(svc, payload, testWebhookSecret); w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 on processing failure, got %d", w.Code)
	}
	if events.statusOf("evt_7") != model.WebhookStatusFailed {
		t.Fatalf("expected failed, got %q", events.statusOf("evt_7"))
	}

	// A failed record is reclaimable, so Stripe's retry goes through.
	svc.fetchSubscription = fetchActiveSub("pro")
	if w := deliver(svc, payload, testWebhookSecret); w.Code != http.StatusOK {
		t.Fatalf("expected 200 on retry, got %d", w.Code)
	}
	if events.statusOf("evt_7") != model.WebhookStatusProcessed {
		t.Fatalf("expected processed after retry, got %q", events.statusOf("evt_7"))
	}
	if got := ents.roleOf("u1"); got != model.TierPro {
		t.Fatalf("expected pro after retry, got %q", got)
	}
}

func TestWebhookStaleProcessingIsReclaimed(t *testing.T) {
	events := newFakeEventRepo()
	ents := newFakeEntitlements()
	svc := newTestStripeService(events, ents, fetchActiveSub("pro"))

	// A record stuck in processing past the staleness threshold, as left by a
	// crashed worker.
	events.records["evt_8"] = &model.WebhookEventRecord{
		ID:        "evt_8",
		EventType: "checkout.session.completed",
		Status:    model.WebhookStatusProcessing,
		UpdatedAt: time.Now().Add(-time.Hour),
	}

	payload := eventPayload(t, "evt_8", "checkout.session.completed", map[string]interface{}{
		"id":                  "cs_1",
		"mode":                "subscription",
		"subscription":        map[string]interface{}{"id": "sub_1"},
		"client_reference_id": "u1",
	})
	if w := deliver(svc, payload, testWebhookSecret); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := ents.roleOf("u1"); got != model.TierPro {
		t.Fatalf("expected pro after reclaim, got %q", got)
	}
}

func TestWebhookYoungProcessingIsDuplicate(t *testing.T) {
	events := newFakeEventRepo()
	ents := newFakeEntitlements()
	svc := newTestStripeService(events, ents, fetchActiveSub("pro"))

	events.records["evt_9"] = &model.WebhookEventRecord{
		ID:        "evt_9",
		EventType: "checkout.session.completed",
		Status:    model.WebhookStatusProcessing,
		UpdatedAt: time.Now().Add(-time.Minute),
	}

	payload := eventPayload(t, "evt_9", "checkout.session.completed", map[string]interface{}{
		"id":                  "cs_1",
		"mode":                "subscription",
		"subscription":        map[string]interface{}{"id": "sub_1"},
		"client_reference_id": "u1",
	})
	if w := deliver(svc, payload, testWebhookSecret); w.Code != http.StatusOK {
		t.Fatalf("expected 200 for in-flight duplicate, got %d", w.Code)
	}
	ents.mu.Lock()
	calls := ents.applyCalls
	ents.mu.Unlock()
	if calls != 0 {
		t.Fatal("in-flight duplicates must not mutate entitlements")
	}
}

func TestWebhookUnhandledEventTypeIsProcessed(t *testing.T) {
	events := newFakeEventRepo()
	svc := newTestStripeService(events, newFakeEntitlements(), fetchActiveSub("pro"))

	payload := eventPayload(t, "evt_10", "customer.created", map[string]interface{}{"id": "cus_1"})
	if w := deliver(svc, payload, testWebhookSecret); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if events.statusOf("evt_10") != model.WebhookStatusProcessed {
		t.Fatalf("expected processed, got %q", events.statusOf("evt_10"))
	}
}
