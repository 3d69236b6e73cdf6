package middleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter throttles callers with one token bucket each. Authenticated callers
// are keyed by user id, anonymous ones by remote IP. Starting a model turn
// costs turnCost tokens, any other request costs one.
type Limiter struct {
	mu       sync.Mutex
	callers  map[string]*caller
	limit    rate.Limit
	burst    int
	turnCost int
	now      func() time.Time
}

type caller struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewLimiter returns a limiter refilling rps tokens per second up to burst.
// turnCost is clamped to [1, burst].
func NewLimiter(rps float64, burst, turnCost int) *Limiter {
	turnCost = min(max(turnCost, 1), burst)
	return &Limiter{
		callers:  make(map[string]*caller),
		limit:    rate.Limit(rps),
		burst:    burst,
		turnCost: turnCost,
		now:      time.Now,
	}
}

// Handler rejects callers over their budget with 429 and Retry-After.
func (l *Limiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		now := l.now()
		lim := l.limiter(callerKey(r), now)
		n := l.cost(r)

		if !lim.AllowN(now, n) {
			missing := float64(n) - lim.TokensAt(now)
			wait := math.Max(1, math.Ceil(missing/float64(l.limit)))
			w.Header().Set("Retry-After", strconv.Itoa(int(wait)))
			writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(lim.TokensAt(now))))
		next.ServeHTTP(w, r)
	})
}

func (l *Limiter) cost(r *http.Request) int {
	if r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/api/chat") {
		return l.turnCost
	}
	return 1
}

func (l *Limiter) limiter(key string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.callers[key]
	if !ok {
		c = &caller{lim: rate.NewLimiter(l.limit, l.burst)}
		l.callers[key] = c
	}
	c.lastSeen = now
	return c.lim
}

// StartCleanup forgets callers idle for longer than maxIdle, checking every
// interval. The returned func stops it.
func (l *Limiter) StartCleanup(interval, maxIdle time.Duration) func() {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				l.forgetIdle(maxIdle)
			}
		}
	}()
	return cancel
}

func (l *Limiter) forgetIdle(maxIdle time.Duration) {
	cutoff := l.now().Add(-maxIdle)
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, c := range l.callers {
		if c.lastSeen.Before(cutoff) {
			delete(l.callers, key)
		}
	}
}

// Callers returns how many callers are tracked.
func (l *Limiter) Callers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.callers)
}

func callerKey(r *http.Request) string {
	if ident := IdentityFromContext(r.Context()); ident != nil && ident != LocalIdentity {
		return "user:" + ident.UserID
	}
	// RemoteAddr only reflects forwarding headers behind ForwardedFor(true).
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}
