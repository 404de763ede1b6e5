package middleware

import (
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// GuardConfig holds the request-guard tunables. The sliding window is
// per-process and therefore only approximate under multi-process deployment;
// the durable quota store enforces the hard limits.
type GuardConfig struct {
	AppBaseURL   string
	MaxBodyBytes int64
	RateLimit    int
	RateWindow   time.Duration
}

type slidingWindow struct {
	mu      sync.Mutex
	buckets map[string][]time.Time
}

func newSlidingWindow() *slidingWindow {
	return &slidingWindow{buckets: make(map[string][]time.Time)}
}

// allow records a hit for key and reports whether it stays within limit for
// the window. retryAfter is how long the caller should wait when rejected.
func (s *slidingWindow) allow(key string, limit int, window time.Duration, now time.Time) (bool, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.buckets[key][:0]
	for _, t := range s.buckets[key] {
		if now.Sub(t) < window {
			kept = append(kept, t)
		}
	}
	if len(kept) >= limit {
		s.buckets[key] = kept
		return false, window - now.Sub(kept[0])
	}
	s.buckets[key] = append(kept, now)
	return true, 0
}

// GuardMiddleware is the rate/origin guard: it rejects oversized bodies,
// implausible user agents, and browser origins outside the allow-list, and
// applies a best-effort per-IP sliding-window rate limit.
func GuardMiddleware(cfg GuardConfig, logger zerolog.Logger) func(http.Handler) http.Handler {
	window := newSlidingWindow()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.MaxBodyBytes > 0 {
				if n := r.ContentLength; n > cfg.MaxBodyBytes {
					http.Error(w, "Payload too large", http.StatusRequestEntityTooLarge)
					return
				}
				r.Body = http.MaxBytesReader(w, r.Body, cfg.MaxBodyBytes)
			}

			if !hasSaneUserAgent(r) {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			// Only browser requests carry an Origin/Referer; requests without
			// one are server-to-server and pass through to auth.
			if origin := requestOrigin(r); origin != "" && !allowedOrigins(cfg.AppBaseURL, r)[origin] {
				logger.Warn().Str("origin", origin).Msg("Rejected request from disallowed origin")
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			ok, retryAfter := window.allow(clientIP(r), cfg.RateLimit, cfg.RateWindow, time.Now())
			if !ok {
				w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
				http.Error(w, "Too many requests", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	if xff := strings.TrimSpace(strings.Split(r.Header.Get("X-Forwarded-For"), ",")[0]); xff != "" {
		return xff
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func requestOrigin(r *http.Request) string {
	if origin := strings.TrimSpace(r.Header.Get("Origin")); origin != "" {
		return origin
	}
	if referer := strings.TrimSpace(r.Header.Get("Referer")); referer != "" {
		if u, err := url.Parse(referer); err == nil && u.Scheme != "" && u.Host != "" {
			return u.Scheme + "://" + u.Host
		}
	}
	return ""
}

func allowedOrigins(baseURL string, r *http.Request) map[string]bool {
	allowed := make(map[string]bool)
	if baseURL != "" {
		if u, err := url.Parse(baseURL); err == nil && u.Scheme != "" && u.Host != "" {
			allowed[u.Scheme+"://"+u.Host] = true
		}
	}
	host := strings.TrimSpace(r.Host)
	if host != "" {
		proto := strings.TrimSpace(r.Header.Get("X-Forwarded-Proto"))
		if proto == "" {
			proto = "https"
		}
		allowed[proto+"://"+host] = true
		if strings.HasPrefix(host, "localhost") || strings.HasPrefix(host, "127.0.0.1") {
			allowed["http://"+host] = true
		}
	}
	return allowed
}

func hasSaneUserAgent(r *http.Request) bool {
	ua := r.Header.Get("User-Agent")
	return len(ua) >= 8 && len(ua) <= 512
}
