package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/valzu-ai/valzu-chat/internal/adapter/memory"
	"github.com/valzu-ai/valzu-chat/internal/domain/chat"
	"github.com/valzu-ai/valzu-chat/internal/domain/usage"
	"github.com/valzu-ai/valzu-chat/internal/port/billing"
	"github.com/valzu-ai/valzu-chat/internal/port/llm"
)

// scriptProvider replays a fixed event script. When gate is set, it waits for
// the gate to close before sending the terminal event.
type scriptProvider struct {
	mu     sync.Mutex
	script []chat.Event
	gate   func(req llm.Request) <-chan struct{}
	calls  int
	reqs   []llm.Request
	err    error
}

func (p *scriptProvider) Stream(ctx context.Context, req llm.Request) (<-chan chat.Event, error) {
	p.mu.Lock()
	p.calls++
	p.reqs = append(p.reqs, req)
	p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}

	var gate <-chan struct{}
	if p.gate != nil {
		gate = p.gate(req)
	}
	ch := make(chan chat.Event)
	go func() {
		defer close(ch)
		for _, ev := range p.script {
			if chat.Terminal(ev) && gate != nil {
				select {
				case <-gate:
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (p *scriptProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *scriptProvider) lastRequest() llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reqs[len(p.reqs)-1]
}

// recordSink collects what a turn streams. onEvent runs after each event.
type recordSink struct {
	mu        sync.Mutex
	messageID string
	events    []chat.Event
	onEvent   func(ev chat.Event)
	startErr  error
}

func (s *recordSink) Start(id string) error {
	s.mu.Lock()
	s.messageID = id
	s.mu.Unlock()
	return s.startErr
}

func (s *recordSink) Event(ev chat.Event) error {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	if s.onEvent != nil {
		s.onEvent(ev)
	}
	return nil
}

func (s *recordSink) text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out string
	for _, ev := range s.events {
		if td, ok := ev.(chat.TextDelta); ok {
			out += td.Text
		}
	}
	return out
}

// countingBilling wraps a billing provider and counts calls.
type countingBilling struct {
	billing.Billing
	mu     sync.Mutex
	checks int
	tracks int
}

func (b *countingBilling) Check(ctx context.Context, customerID string, f usage.Feature) (usage.Check, error) {
	b.mu.Lock()
	b.checks++
	b.mu.Unlock()
	return b.Billing.Check(ctx, customerID, f)
}

func (b *countingBilling) Track(ctx context.Context, customerID string, f usage.Feature, v int64) error {
	b.mu.Lock()
	b.tracks++
	b.mu.Unlock()
	return b.Billing.Track(ctx, customerID, f, v)
}

func (b *countingBilling) counts() (checks, tracks int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.checks, b.tracks
}

// spyStore counts reads and can fail writes.
type spyStore struct {
	*memory.Store
	mu         sync.Mutex
	fetches    int
	replaceErr error
	lastLimit  int
}

func newSpyStore() *spyStore { return &spyStore{Store: memory.NewStore()} }

func (s *spyStore) Fetch(ctx context.Context, id string) ([]chat.Message, error) {
	s.mu.Lock()
	s.fetches++
	s.mu.Unlock()
	return s.Store.Fetch(ctx, id)
}

func (s *spyStore) Replace(ctx context.Context, id string, msgs []chat.Message) error {
	if s.replaceErr != nil {
		return s.replaceErr
	}
	return s.Store.Replace(ctx, id, msgs)
}

func (s *spyStore) List(ctx context.Context, limit int) ([]chat.Summary, error) {
	s.mu.Lock()
	s.lastLimit = limit
	s.mu.Unlock()
	return s.Store.List(ctx, limit)
}

func (s *spyStore) fetchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}

var errBoom = errors.New("boom")

// mapCache is an in-memory cache.Cache without expiry.
type mapCache struct {
	mu      sync.Mutex
	data    map[string][]byte
	deletes int
}

func newMapCache() *mapCache { return &mapCache{data: make(map[string][]byte)} }

func (c *mapCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *mapCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *mapCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deletes++
	delete(c.data, key)
	return nil
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
