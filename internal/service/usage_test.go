package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/valzu-ai/valzu-chat/internal/adapter/autumn"
	"github.com/valzu-ai/valzu-chat/internal/adapter/ledger"
	"github.com/valzu-ai/valzu-chat/internal/domain"
	"github.com/valzu-ai/valzu-chat/internal/domain/usage"
	"github.com/valzu-ai/valzu-chat/internal/resilience"
)

func TestUsageService_Disabled(t *testing.T) {
	svc := NewUsageService(nil, nil, 0)
	if svc.Enabled() {
		t.Fatal("expected gating disabled")
	}
	if err := svc.Authorize(context.Background(), nil); err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	chk, err := svc.Hint(context.Background(), nil)
	if err != nil || chk.Exhausted() {
		t.Fatalf("Hint = %+v, %v", chk, err)
	}
	if err := svc.Record(context.Background(), testIdent); err != nil {
		t.Fatalf("Record: %v", err)
	}
}

func TestUsageService_RequiresIdentity(t *testing.T) {
	svc := NewUsageService(ledger.New(usage.PlanFree), nil, 0)
	if err := svc.Authorize(context.Background(), nil); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("Authorize err = %v", err)
	}
	if _, err := svc.Hint(context.Background(), nil); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("Hint err = %v", err)
	}
}

func TestUsageService_AuthorizeNeverCached(t *testing.T) {
	ctx := context.Background()
	bill := &countingBilling{Billing: ledger.New(usage.Plan{ID: "one", MessagesPerTerm: 1})}
	svc := NewUsageService(bill, newMapCache(), 15*time.Second)

	if _, err := svc.Hint(ctx, testIdent); err != nil {
		t.Fatalf("Hint: %v", err)
	}
	// Consume the allowance behind the cache's back.
	_ = bill.Billing.Track(ctx, testIdent.UserID, usage.FeatureMessages, 1)

	if err := svc.Authorize(ctx, testIdent); !errors.Is(err, domain.ErrQuotaExceeded) {
		t.Fatalf("Authorize err = %v, want ErrQuotaExceeded", err)
	}
	if checks, _ := bill.counts(); checks != 2 {
		t.Errorf("billing checked %d times, want 2", checks)
	}
}

func TestUsageService_HintCachedUntilRecord(t *testing.T) {
	ctx := context.Background()
	bill := &countingBilling{Billing: ledger.New(usage.PlanFree)}
	c := newMapCache()
	svc := NewUsageService(bill, c, 15*time.Second)

	first, err := svc.Hint(ctx, testIdent)
	if err != nil {
		t.Fatalf("Hint: %v", err)
	}
	second, _ := svc.Hint(ctx, testIdent)
	if first != second || first.Balance != usage.PlanFree.MessagesPerTerm {
		t.Fatalf("hints differ: %+v vs %+v", first, second)
	}
	if checks, _ := bill.counts(); checks != 1 {
		t.Fatalf("billing checked %d times, want 1", checks)
	}

	if err := svc.Record(ctx, testIdent); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if c.deletes != 1 {
		t.Errorf("cache invalidated %d times, want 1", c.deletes)
	}
	after, _ := svc.Hint(ctx, testIdent)
	if after.Balance != first.Balance-1 {
		t.Errorf("balance after record = %d, want %d", after.Balance, first.Balance-1)
	}
}

func TestUsageService_AuthorizeQuotaMessage(t *testing.T) {
	svc := NewUsageService(ledger.New(usage.Plan{ID: "none"}), nil, 0)
	err := svc.Authorize(context.Background(), testIdent)
	if !errors.Is(err, domain.ErrQuotaExceeded) {
		t.Fatalf("err = %v", err)
	}
	if got := err.Error(); got != "quota exceeded: "+usage.OutOfMessagesNotice {
		t.Errorf("message = %q", got)
	}
}

func TestUsageService_BillingOutage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := autumn.NewClient(srv.URL, "am_sk_test")
	client.SetBreaker(resilience.NewBreaker(1, time.Minute, resilience.WithNeutral(autumn.Neutral)))
	c := newMapCache()
	svc := NewUsageService(client, c, 15*time.Second)
	ctx := context.Background()

	// The failure that trips the breaker still blocks the turn.
	if err := svc.Authorize(ctx, testIdent); err == nil || errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("first Authorize err = %v, want the upstream failure", err)
	}
	if err := svc.Authorize(ctx, testIdent); err != nil {
		t.Fatalf("Authorize with open breaker = %v, want nil", err)
	}
	hint, err := svc.Hint(ctx, testIdent)
	if err != nil || hint.Exhausted() {
		t.Fatalf("Hint with open breaker = %+v, %v", hint, err)
	}
	if len(c.data) != 0 {
		t.Error("neutral hint was cached")
	}
}
