// Package ledger implements the billing port in process: every customer is on
// one configured plan and consumption resets each calendar month. It serves
// local development and single-node deployments without an Autumn account.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/valzu-ai/valzu-chat/internal/domain/usage"
)

// PlanByID resolves a known plan.
func PlanByID(id string) (usage.Plan, error) {
	switch id {
	case usage.PlanFree.ID:
		return usage.PlanFree, nil
	case usage.PlanPro.ID:
		return usage.PlanPro, nil
	default:
		return usage.Plan{}, fmt.Errorf("unknown plan %q", id)
	}
}

type account struct {
	term string // "2006-01" of the last recorded use
	used int64
}

// Ledger counts FeatureMessages consumption per customer and term.
type Ledger struct {
	plan usage.Plan

	mu       sync.Mutex
	accounts map[string]*account
	now      func() time.Time
}

// New creates a ledger that grants every customer the given plan.
func New(plan usage.Plan) *Ledger {
	return &Ledger{plan: plan, accounts: make(map[string]*account), now: time.Now}
}

func (l *Ledger) term() string {
	return l.now().UTC().Format("2006-01")
}

// used returns the units consumed this term. Must be called with l.mu held.
func (l *Ledger) used(customerID string) int64 {
	acc, ok := l.accounts[customerID]
	if !ok || acc.term != l.term() {
		return 0
	}
	return acc.used
}

func (l *Ledger) Check(_ context.Context, customerID string, feature usage.Feature) (usage.Check, error) {
	if feature != usage.FeatureMessages {
		return usage.Check{}, fmt.Errorf("ledger: unknown feature %q", feature)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	balance := l.plan.MessagesPerTerm - l.used(customerID)
	if balance < 0 {
		balance = 0
	}
	return usage.Check{
		Allowed:       balance > 0,
		Balance:       balance,
		IncludedUsage: l.plan.MessagesPerTerm,
	}, nil
}

func (l *Ledger) Track(_ context.Context, customerID string, feature usage.Feature, value int64) error {
	if feature != usage.FeatureMessages {
		return fmt.Errorf("ledger: unknown feature %q", feature)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	term := l.term()
	acc, ok := l.accounts[customerID]
	if !ok || acc.term != term {
		acc = &account{term: term}
		l.accounts[customerID] = acc
	}
	acc.used += value
	return nil
}
