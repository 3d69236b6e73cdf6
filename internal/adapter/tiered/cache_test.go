package tiered_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/valzu-ai/valzu-chat/internal/adapter/tiered"
)

type entry struct {
	val []byte
	ttl time.Duration
}

// fakeLevel is a map-backed cache level; fail makes every call error.
type fakeLevel struct {
	m    map[string]entry
	fail error
}

func newLevel() *fakeLevel { return &fakeLevel{m: map[string]entry{}} }

func (f *fakeLevel) Get(_ context.Context, key string) ([]byte, bool, error) {
	if f.fail != nil {
		return nil, false, f.fail
	}
	e, ok := f.m[key]
	return e.val, ok, nil
}

func (f *fakeLevel) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if f.fail != nil {
		return f.fail
	}
	f.m[key] = entry{val: value, ttl: ttl}
	return nil
}

func (f *fakeLevel) Delete(_ context.Context, key string) error {
	if f.fail != nil {
		return f.fail
	}
	delete(f.m, key)
	return nil
}

var errKV = errors.New("nats: no responders")

func TestGetPrefersL1ThenBackfills(t *testing.T) {
	ctx := context.Background()
	l1, l2 := newLevel(), newLevel()
	c := tiered.New("usage", l1, l2, 15*time.Second)

	l1.m["usage:u1"] = entry{val: []byte("from-l1")}
	l2.m["usage:u1"] = entry{val: []byte("from-l2")}
	if v, ok, _ := c.Get(ctx, "u1"); !ok || string(v) != "from-l1" {
		t.Fatalf("Get u1 = %q, %v", v, ok)
	}

	l2.m["usage:u2"] = entry{val: []byte("shared")}
	if v, ok, _ := c.Get(ctx, "u2"); !ok || string(v) != "shared" {
		t.Fatalf("Get u2 = %q, %v", v, ok)
	}
	if e := l1.m["usage:u2"]; string(e.val) != "shared" || e.ttl != 15*time.Second {
		t.Errorf("backfill = %+v", e)
	}

	if _, ok, err := c.Get(ctx, "u3"); ok || err != nil {
		t.Errorf("miss: ok=%v err=%v", ok, err)
	}
}

func TestSetCapsL1TTL(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name  string
		ttl   time.Duration
		l1TTL time.Duration
	}{
		{"within cap", 5 * time.Second, 5 * time.Second},
		{"above cap", time.Hour, 15 * time.Second},
		{"no expiry", 0, 15 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l1, l2 := newLevel(), newLevel()
			c := tiered.New("usage", l1, l2, 15*time.Second)
			if err := c.Set(ctx, "u1", []byte("v"), tt.ttl); err != nil {
				t.Fatal(err)
			}
			if got := l1.m["usage:u1"].ttl; got != tt.l1TTL {
				t.Errorf("l1 ttl = %v, want %v", got, tt.l1TTL)
			}
			if got := l2.m["usage:u1"].ttl; got != tt.ttl {
				t.Errorf("l2 ttl = %v, want %v", got, tt.ttl)
			}
		})
	}
}

func TestNamespacesShareL1(t *testing.T) {
	ctx := context.Background()
	l1 := newLevel()
	hints := tiered.New("usage", l1, nil, time.Minute)
	replays := tiered.New("idem", l1, nil, 0)

	_ = hints.Set(ctx, "k", []byte("hint"), time.Minute)
	_ = replays.Set(ctx, "k", []byte("replay"), time.Hour)

	if v, _, _ := hints.Get(ctx, "k"); string(v) != "hint" {
		t.Errorf("hints k = %q", v)
	}
	if v, _, _ := replays.Get(ctx, "k"); string(v) != "replay" {
		t.Errorf("replays k = %q", v)
	}
	if got := l1.m["idem:k"].ttl; got != time.Hour {
		t.Errorf("uncapped ttl = %v", got)
	}
	_ = hints.Delete(ctx, "k")
	if _, ok, _ := replays.Get(ctx, "k"); !ok {
		t.Error("delete in one namespace removed the other")
	}
}

func TestSharedLevelFailures(t *testing.T) {
	ctx := context.Background()
	l1, l2 := newLevel(), newLevel()
	l2.fail = errKV
	c := tiered.New("usage", l1, l2, time.Minute)

	if _, ok, err := c.Get(ctx, "u1"); ok || err != nil {
		t.Errorf("Get with failing L2: ok=%v err=%v, want plain miss", ok, err)
	}
	if err := c.Set(ctx, "u1", []byte("v"), time.Minute); !errors.Is(err, errKV) {
		t.Errorf("Set err = %v", err)
	}
	if _, ok := l1.m["usage:u1"]; !ok {
		t.Error("L1 not written before L2 failure")
	}
	if err := c.Delete(ctx, "u1"); !errors.Is(err, errKV) {
		t.Errorf("Delete err = %v", err)
	}
	if _, ok := l1.m["usage:u1"]; ok {
		t.Error("L1 entry survived delete")
	}
}

func TestL1FailureSurfaces(t *testing.T) {
	l1 := newLevel()
	l1.fail = errors.New("closed")
	c := tiered.New("usage", l1, newLevel(), time.Minute)
	if _, _, err := c.Get(context.Background(), "u1"); err == nil {
		t.Error("expected L1 error")
	}
}
