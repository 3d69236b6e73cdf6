package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/valzu-ai/valzu-chat/internal/domain"
	"github.com/valzu-ai/valzu-chat/internal/domain/identity"
	"github.com/valzu-ai/valzu-chat/internal/domain/usage"
	"github.com/valzu-ai/valzu-chat/internal/port/billing"
	"github.com/valzu-ai/valzu-chat/internal/port/cache"
	"github.com/valzu-ai/valzu-chat/internal/resilience"
)

const usageCachePrefix = "usage:"

// UsageService gates chat turns on the billing provider's message allowance.
type UsageService struct {
	billing billing.Billing
	cache   cache.Cache
	ttl     time.Duration
	group   singleflight.Group
}

// NewUsageService creates a usage service. A nil billing disables gating;
// a nil cache disables hint caching.
func NewUsageService(b billing.Billing, c cache.Cache, hintTTL time.Duration) *UsageService {
	return &UsageService{billing: b, cache: c, ttl: hintTTL}
}

// Enabled reports whether turns are gated.
func (s *UsageService) Enabled() bool { return s != nil && s.billing != nil }

// neutralCheck stands in for the provider's answer while its breaker is open.
var neutralCheck = usage.Check{Allowed: true, Unlimited: true}

// Authorize asks the billing provider whether ident may send one more message.
// It never consults the hint cache. While the billing breaker is open turns are
// let through; any other provider failure blocks the turn.
func (s *UsageService) Authorize(ctx context.Context, ident *identity.Identity) error {
	if !s.Enabled() {
		return nil
	}
	if ident == nil {
		return domain.ErrUnauthorized
	}
	chk, err := s.billing.Check(ctx, ident.UserID, usage.FeatureMessages)
	if errors.Is(err, resilience.ErrCircuitOpen) {
		slog.WarnContext(ctx, "billing unavailable, allowing turn unmetered", "user_id", ident.UserID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("usage check: %w", err)
	}
	if chk.Exhausted() {
		return fmt.Errorf("%w: %s", domain.ErrQuotaExceeded, usage.OutOfMessagesNotice)
	}
	return nil
}

// Hint returns a possibly stale balance for the client's pre-check.
func (s *UsageService) Hint(ctx context.Context, ident *identity.Identity) (usage.Check, error) {
	if !s.Enabled() {
		return usage.Check{Allowed: true, Unlimited: true}, nil
	}
	if ident == nil {
		return usage.Check{}, domain.ErrUnauthorized
	}
	key := usageCachePrefix + ident.UserID

	if s.cache != nil {
		if data, ok, err := s.cache.Get(ctx, key); err != nil {
			slog.Warn("usage hint cache read failed", "error", err)
		} else if ok {
			var chk usage.Check
			if err := json.Unmarshal(data, &chk); err == nil {
				return chk, nil
			}
		}
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		chk, err := s.billing.Check(ctx, ident.UserID, usage.FeatureMessages)
		if err != nil {
			return usage.Check{}, err
		}
		if s.cache != nil && s.ttl > 0 {
			if data, err := json.Marshal(chk); err == nil {
				if err := s.cache.Set(ctx, key, data, s.ttl); err != nil {
					slog.Warn("usage hint cache write failed", "error", err)
				}
			}
		}
		return chk, nil
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return neutralCheck, nil
	}
	if err != nil {
		return usage.Check{}, fmt.Errorf("usage hint: %w", err)
	}
	return v.(usage.Check), nil
}

// Record consumes one message for ident and invalidates its cached hint.
func (s *UsageService) Record(ctx context.Context, ident *identity.Identity) error {
	if !s.Enabled() || ident == nil {
		return nil
	}
	if err := s.billing.Track(ctx, ident.UserID, usage.FeatureMessages, 1); err != nil {
		return fmt.Errorf("usage track: %w", err)
	}
	if s.cache != nil {
		if err := s.cache.Delete(ctx, usageCachePrefix+ident.UserID); err != nil {
			slog.Warn("usage hint cache invalidation failed", "error", err)
		}
	}
	return nil
}
