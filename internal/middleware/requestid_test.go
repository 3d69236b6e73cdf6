package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/valzu-ai/valzu-chat/internal/logger"
)

func TestRequestID(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		wantKept bool
	}{
		{"absent", "", false},
		{"client token", "web-7f3a.2_b", true},
		{"uuid", "0b9d4c52-1f4e-4d8e-9a63-3c1f6f0e2a11", true},
		{"oversized", strings.Repeat("x", 129), false},
		{"log injection", "abc\ninjected=1", false},
		{"spaces", "a b", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var inCtx string
			h := RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				inCtx = logger.RequestID(r.Context())
			}))
			req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			if tt.header != "" {
				req.Header.Set("X-Request-ID", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			got := rec.Header().Get("X-Request-ID")
			if got != inCtx {
				t.Errorf("header %q and context %q differ", got, inCtx)
			}
			if tt.wantKept {
				if got != tt.header {
					t.Errorf("id = %q, want %q kept", got, tt.header)
				}
				return
			}
			if _, err := uuid.Parse(got); err != nil {
				t.Errorf("expected generated UUID, got %q", got)
			}
		})
	}
}
