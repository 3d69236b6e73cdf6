package logger

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Closer allows flushing and stopping the async handler.
type Closer interface {
	Close()
}

type nopCloser struct{}

func (nopCloser) Close() {}

// AsyncHandler writes records from background workers fed by a bounded
// queue. When the queue is full, records below slog.LevelWarn are dropped
// and counted; warnings and errors wait for space, so a failed turn is
// always logged. Context ids are attached before queueing since the
// caller's context is gone by the time a worker writes the record.
type AsyncHandler struct {
	inner slog.Handler
	q     *queue
}

// queue is shared by an AsyncHandler and everything derived from it.
type queue struct {
	mu      sync.RWMutex
	closed  bool
	jobs    chan job
	workers sync.WaitGroup
	dropped atomic.Int64
}

type job struct {
	h   slog.Handler
	rec slog.Record
}

// NewAsyncHandler starts workers goroutines writing to inner from a queue of
// the given capacity.
func NewAsyncHandler(inner slog.Handler, capacity, workers int) *AsyncHandler {
	q := &queue{jobs: make(chan job, capacity)}
	for range workers {
		q.workers.Add(1)
		go q.run()
	}
	return &AsyncHandler{inner: inner, q: q}
}

func (q *queue) run() {
	defer q.workers.Done()
	for j := range q.jobs {
		_ = j.h.Handle(context.Background(), j.rec)
	}
}

func (h *AsyncHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *AsyncHandler) Handle(ctx context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	rec = rec.Clone()
	addContextAttrs(ctx, &rec)
	j := job{h: h.inner, rec: rec}

	h.q.mu.RLock()
	defer h.q.mu.RUnlock()
	switch {
	case h.q.closed:
		h.q.dropped.Add(1)
	case rec.Level >= slog.LevelWarn:
		h.q.jobs <- j
	default:
		select {
		case h.q.jobs <- j:
		default:
			h.q.dropped.Add(1)
		}
	}
	return nil
}

func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithAttrs(attrs), q: h.q}
}

func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithGroup(name), q: h.q}
}

// DroppedCount returns how many records were discarded.
func (h *AsyncHandler) DroppedCount() int64 {
	return h.q.dropped.Load()
}

// Close stops accepting records and waits until the queue is written out.
// Records handled after Close are dropped.
func (h *AsyncHandler) Close() {
	h.q.mu.Lock()
	if h.q.closed {
		h.q.mu.Unlock()
		return
	}
	h.q.closed = true
	close(h.q.jobs)
	h.q.mu.Unlock()
	h.q.workers.Wait()
}
