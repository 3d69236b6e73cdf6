package middleware

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/valzu-ai/valzu-chat/internal/domain/identity"
)

type limiterHarness struct {
	handler http.Handler
	clock   time.Time
}

func newHarness(l *Limiter) *limiterHarness {
	p := &limiterHarness{clock: time.Unix(1_700_000_000, 0)}
	l.now = func() time.Time { return p.clock }
	p.handler = l.Handler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	return p
}

func (p *limiterHarness) do(method, path, remote, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, http.NoBody)
	req.RemoteAddr = remote
	if userID != "" {
		req = req.WithContext(WithIdentity(req.Context(), &identity.Identity{UserID: userID}))
	}
	rec := httptest.NewRecorder()
	p.handler.ServeHTTP(rec, req)
	return rec
}

func TestLimiterBurstThenReject(t *testing.T) {
	p := newHarness(NewLimiter(1, 3, 1))
	for i := range 3 {
		if rec := p.do(http.MethodGet, "/api/chats", "10.0.0.1:5000", ""); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status %d", i+1, rec.Code)
		}
	}
	rec := p.do(http.MethodGet, "/api/chats", "10.0.0.1:5000", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("over burst: status %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "1" {
		t.Errorf("Retry-After = %q, want 1", got)
	}

	p.clock = p.clock.Add(time.Second)
	if rec := p.do(http.MethodGet, "/api/chats", "10.0.0.1:5000", ""); rec.Code != http.StatusOK {
		t.Fatalf("after refill: status %d", rec.Code)
	}
}

func TestLimiterTurnCost(t *testing.T) {
	p := newHarness(NewLimiter(1, 6, 4))

	if rec := p.do(http.MethodPost, "/api/chat", "10.0.0.2:5000", "u1"); rec.Code != http.StatusOK {
		t.Fatalf("first turn: status %d", rec.Code)
	}
	if got := p.do(http.MethodGet, "/api/usage", "10.0.0.2:5000", "u1").Header().Get("X-RateLimit-Remaining"); got != "1" {
		t.Errorf("remaining after turn and read = %q, want 1", got)
	}
	rec := p.do(http.MethodPost, "/api/chat", "10.0.0.2:5000", "u1")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second turn: status %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "3" {
		t.Errorf("Retry-After = %q, want 3", got)
	}
	// Creating a chat is a cheap request.
	if rec := p.do(http.MethodPost, "/api/chats", "10.0.0.2:5000", "u1"); rec.Code != http.StatusOK {
		t.Errorf("create chat: status %d", rec.Code)
	}
}

func TestLimiterTurnCostClamped(t *testing.T) {
	l := NewLimiter(1, 2, 50)
	if l.turnCost != 2 {
		t.Errorf("turnCost = %d, want clamped to burst 2", l.turnCost)
	}
	if l := NewLimiter(1, 2, 0); l.turnCost != 1 {
		t.Errorf("turnCost = %d, want 1", l.turnCost)
	}
}

func TestLimiterCallerKeys(t *testing.T) {
	p := newHarness(NewLimiter(1, 1, 1))

	if rec := p.do(http.MethodGet, "/", "10.0.0.9:1234", "u1"); rec.Code != http.StatusOK {
		t.Fatalf("u1 first: status %d", rec.Code)
	}
	if rec := p.do(http.MethodGet, "/", "10.0.0.9:1234", "u1"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("u1 second: status %d, want 429", rec.Code)
	}
	// Same address, different user.
	if rec := p.do(http.MethodGet, "/", "10.0.0.9:1234", "u2"); rec.Code != http.StatusOK {
		t.Errorf("u2: status %d", rec.Code)
	}
	// Same address, anonymous.
	if rec := p.do(http.MethodGet, "/", "10.0.0.9:4321", ""); rec.Code != http.StatusOK {
		t.Errorf("anonymous: status %d", rec.Code)
	}
	if rec := p.do(http.MethodGet, "/", "10.0.0.9:9999", ""); rec.Code != http.StatusTooManyRequests {
		t.Errorf("anonymous from another port: status %d, want 429", rec.Code)
	}
	// Unauthenticated deployments share LocalIdentity, which is keyed by IP.
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.RemoteAddr = "10.0.0.10:1"
	req = req.WithContext(WithIdentity(req.Context(), LocalIdentity))
	if got := callerKey(req); got != "ip:10.0.0.10" {
		t.Errorf("callerKey(local) = %q", got)
	}
}

func TestLimiterForgetIdle(t *testing.T) {
	l := NewLimiter(1, 5, 1)
	p := newHarness(l)
	p.do(http.MethodGet, "/", "10.0.0.1:1", "")
	p.clock = p.clock.Add(time.Minute)
	p.do(http.MethodGet, "/", "10.0.0.2:1", "")

	l.forgetIdle(30 * time.Second)
	if got := l.Callers(); got != 1 {
		t.Errorf("Callers = %d, want 1", got)
	}
}

func TestLimiterForwardedHeaders(t *testing.T) {
	tests := []struct {
		name       string
		trustProxy bool
		wantStatus int
	}{
		{"untrusted headers share the socket bucket", false, http.StatusTooManyRequests},
		{"trusted proxy buckets by forwarded client", true, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLimiter(1, 2, 1)
			h := ForwardedFor(tt.trustProxy)(l.Handler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusOK)
			})))

			var last int
			for i := range 5 {
				req := httptest.NewRequest(http.MethodPost, "/api/chats", http.NoBody)
				req.RemoteAddr = "192.0.2.10:4000"
				req.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", i+1))
				rec := httptest.NewRecorder()
				h.ServeHTTP(rec, req)
				last = rec.Code
			}
			if last != tt.wantStatus {
				t.Errorf("fifth request status = %d, want %d", last, tt.wantStatus)
			}
		})
	}
}
