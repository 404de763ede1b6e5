package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const testUserAgent = "Mozilla/5.0 (test)"

func guardedHandler(cfg GuardConfig) http.Handler {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return GuardMiddleware(cfg, zerolog.Nop())(next)
}

func guardRequest() *http.Request {
	r := httptest.NewRequest(http.MethodPost, "https://api.example.com/v1/ai", nil)
	r.Header.Set("User-Agent", testUserAgent)
	return r
}

func TestGuardRejectsOversizedBody(t *testing.T) {
	h := guardedHandler(GuardConfig{MaxBodyBytes: 100, RateLimit: 10, RateWindow: time.Minute})
	r := guardRequest()
	r.ContentLength = 101

	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", w.Code)
	}
}

func TestGuardRejectsMissingUserAgent(t *testing.T) {
	h := guardedHandler(GuardConfig{RateLimit: 10, RateWindow: time.Minute})
	r := guardRequest()
	r.Header.Del("User-Agent")

	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}

func TestGuardOriginChecks(t *testing.T) {
	cfg := GuardConfig{AppBaseURL: "https://app.example.com", RateLimit: 100, RateWindow: time.Minute}

	tests := []struct {
		name   string
		origin string
		want   int
	}{
		{"allowed app origin", "https://app.example.com", http.StatusOK},
		{"same host origin", "https://api.example.com", http.StatusOK},
		{"foreign origin", "https://evil.example.net", http.StatusForbidden},
		{"no origin passes through", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := guardedHandler(cfg)
			r := guardRequest()
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)
			if w.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, w.Code)
			}
		})
	}
}

func TestGuardRefererFallback(t *testing.T) {
	h := guardedHandler(GuardConfig{AppBaseURL: "https://app.example.com", RateLimit: 100, RateWindow: time.Minute})
	r := guardRequest()
	r.Header.Set("Referer", "https://evil.example.net/page?x=1")

	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign referer, got %d", w.Code)
	}
}

func TestGuardRateLimit(t *testing.T) {
	h := guardedHandler(GuardConfig{RateLimit: 3, RateWindow: time.Minute})

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, guardRequest())
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, w.Code)
		}
	}

	w := httptest.NewRecorder()
	h.ServeHTTP(w, guardRequest())
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}

func TestGuardRateLimitIsPerClient(t *testing.T) {
	h := guardedHandler(GuardConfig{RateLimit: 1, RateWindow: time.Minute})

	first := guardRequest()
	first.Header.Set("X-Forwarded-For", "203.0.113.1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, first)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	second := guardRequest()
	second.Header.Set("X-Forwarded-For", "203.0.113.2")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, second)
	if w.Code != http.StatusOK {
		t.Fatalf("different client must not share the bucket, got %d", w.Code)
	}
}

func TestSlidingWindowRecovers(t *testing.T) {
	sw := newSlidingWindow()
	now := time.Now()

	if ok, _ := sw.allow("ip", 1, time.Minute, now); !ok {
		t.Fatal("first hit must be allowed")
	}
	if ok, _ := sw.allow("ip", 1, time.Minute, now.Add(time.Second)); ok {
		t.Fatal("second hit inside the window must be rejected")
	}
	if ok, _ := sw.allow("ip", 1, time.Minute, now.Add(2*time.Minute)); !ok {
		t.Fatal("hit after the window must be allowed again")
	}
}
