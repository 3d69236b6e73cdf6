// Package secrets holds signing keys and credentials that can rotate while the
// process runs. A reload keeps the value it replaced as the previous
// generation, so material signed just before a rotation still verifies.
package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"sync"
)

// Loader reads the current secret values from their source.
type Loader func() (map[string]string, error)

// Vault is a concurrency-safe view of the current and previous secret values.
type Vault struct {
	loader Loader

	mu       sync.RWMutex
	current  map[string]string
	previous map[string]string
}

// NewVault loads the initial values. A loader error is returned as is.
func NewVault(loader Loader) (*Vault, error) {
	vals, err := loader()
	if err != nil {
		return nil, fmt.Errorf("initial secret load: %w", err)
	}
	return &Vault{loader: loader, current: vals, previous: map[string]string{}}, nil
}

// Get returns the current value of key, or "" when unset.
func (v *Vault) Get(key string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.current[key]
}

// Candidates returns the current value of key followed by the one it replaced,
// if any. Empty values are skipped.
func (v *Vault) Candidates(key string) []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var out []string
	if cur := v.current[key]; cur != "" {
		out = append(out, cur)
	}
	if prev := v.previous[key]; prev != "" && prev != v.current[key] {
		out = append(out, prev)
	}
	return out
}

// Reload swaps in freshly loaded values and returns the names of the keys
// whose value changed. On a loader error the vault is left untouched.
func (v *Vault) Reload() ([]string, error) {
	vals, err := v.loader()
	if err != nil {
		return nil, fmt.Errorf("reload secrets: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	var changed []string
	prev := make(map[string]string, len(v.current))
	for k, old := range v.current {
		if vals[k] != old {
			changed = append(changed, k)
			prev[k] = old
		} else if p, ok := v.previous[k]; ok {
			prev[k] = p
		}
	}
	for k := range vals {
		if _, ok := v.current[k]; !ok {
			changed = append(changed, k)
		}
	}
	v.current, v.previous = vals, prev
	sort.Strings(changed)
	return changed, nil
}

// ReloadOn reloads the vault whenever one of sigs arrives, until ctx ends.
// Only key names are logged.
func (v *Vault) ReloadOn(ctx context.Context, sigs ...os.Signal) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				changed, err := v.Reload()
				if err != nil {
					slog.Error("secret reload failed", "error", err)
					continue
				}
				slog.Info("secrets reloaded", "changed", changed)
			}
		}
	}()
}
