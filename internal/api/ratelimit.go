package api

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// throttle is a token-bucket limiter keyed by caller identity: remote IP
// for login attempts, user ID for authenticated traffic.
type throttle struct {
	mu    sync.Mutex
	seen  map[string]*visitor
	rate  float64 // tokens accrued per second
	burst float64 // bucket capacity
}

type visitor struct {
	allowance float64
	updated   time.Time
}

func newThrottle(perSecond float64, burst int) *throttle {
	return &throttle{
		seen:  make(map[string]*visitor),
		rate:  perSecond,
		burst: float64(burst),
	}
}

// take spends one token for key. When the bucket is empty it also
// reports how long until the next token accrues, for the Retry-After
// header.
func (t *throttle) take(key string) (bool, time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	v, ok := t.seen[key]
	if !ok {
		v = &visitor{allowance: t.burst, updated: now}
		t.seen[key] = v
	}

	v.allowance += now.Sub(v.updated).Seconds() * t.rate
	if v.allowance > t.burst {
		v.allowance = t.burst
	}
	v.updated = now

	if v.allowance < 1 {
		wait := time.Duration((1 - v.allowance) / t.rate * float64(time.Second))
		return false, wait
	}
	v.allowance--
	return true, 0
}

// sweep drops visitors idle for longer than olderThan so the map does
// not grow with every IP that ever hit the login endpoint.
func (t *throttle) sweep(olderThan time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	for key, v := range t.seen {
		if v.updated.Before(cutoff) {
			delete(t.seen, key)
		}
	}
}

// startSweeper evicts idle visitors in the background until ctx ends.
func (t *throttle) startSweeper(ctx context.Context, every, olderThan time.Duration) {
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.sweep(olderThan)
			}
		}
	}()
}

func retryAfterSeconds(wait time.Duration) string {
	secs := int(math.Ceil(wait.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// loginThrottleMiddleware rate-limits by remote IP before credentials
// are ever checked.
func loginThrottleMiddleware(t *throttle) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// RemoteAddr is already the real IP thanks to chi's RealIP
			// middleware; strip the port to rate-limit by IP only.
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr // fallback if no port
			}
			if ok, wait := t.take(ip); !ok {
				w.Header().Set("Retry-After", retryAfterSeconds(wait))
				writeError(w, http.StatusTooManyRequests, "too many login attempts")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// userThrottleMiddleware rate-limits authenticated requests by user ID.
// Unauthenticated requests pass through; the auth middleware behind it
// rejects those.
func userThrottleMiddleware(t *throttle) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := getIdentityFromContext(r.Context())
			if identity == nil {
				next.ServeHTTP(w, r)
				return
			}
			if ok, wait := t.take(identity.UserID); !ok {
				w.Header().Set("Retry-After", retryAfterSeconds(wait))
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
