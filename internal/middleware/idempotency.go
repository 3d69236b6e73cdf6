package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/valzu-ai/valzu-chat/internal/port/cache"
)

const (
	idempotencyHeader = "Idempotency-Key"
	replayedHeader    = "Idempotent-Replayed"
	maxReplayBody     = 1 << 20
)

// replay is a stored response.
type replay struct {
	Status int         `json:"status"`
	Header http.Header `json:"header"`
	Body   []byte      `json:"body"`
}

// Idempotency makes a POST carrying an Idempotency-Key run at most once per
// caller and key: a retried conversation create gets the first chatId back
// instead of a second conversation. Concurrent duplicates wait for the first
// request; later ones are served from c for ttl. Only 2xx responses are kept,
// so a failed create can be retried. Responses are buffered, which rules the
// middleware out for streaming routes.
func Idempotency(c cache.Cache, ttl time.Duration) func(http.Handler) http.Handler {
	var inflight singleflight.Group
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(idempotencyHeader)
			if r.Method != http.MethodPost || key == "" || len(key) > 256 {
				next.ServeHTTP(w, r)
				return
			}
			key = replayKey(r, key)

			if rp, ok := lookupReplay(r, c, key); ok {
				rp.writeTo(w, true)
				return
			}

			led := false
			v, _, _ := inflight.Do(key, func() (any, error) {
				led = true
				capture := &bufferedResponse{header: http.Header{}, status: http.StatusOK}
				next.ServeHTTP(capture, r)
				rp := capture.replay()
				if rp.Status/100 == 2 && len(rp.Body) <= maxReplayBody {
					storeReplay(r, c, key, rp, ttl)
				}
				return rp, nil
			})
			v.(*replay).writeTo(w, !led)
		})
	}
}

func replayKey(r *http.Request, key string) string {
	owner := "anon"
	if ident := IdentityFromContext(r.Context()); ident != nil {
		owner = ident.UserID
	}
	return owner + ":" + r.URL.Path + ":" + key
}

func lookupReplay(r *http.Request, c cache.Cache, key string) (*replay, bool) {
	data, ok, err := c.Get(r.Context(), key)
	if err != nil {
		slog.WarnContext(r.Context(), "idempotency lookup failed", "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var rp replay
	if err := json.Unmarshal(data, &rp); err != nil {
		slog.WarnContext(r.Context(), "discarding unreadable idempotency record", "key", key, "error", err)
		return nil, false
	}
	return &rp, true
}

func storeReplay(r *http.Request, c cache.Cache, key string, rp *replay, ttl time.Duration) {
	data, err := json.Marshal(rp)
	if err == nil {
		err = c.Set(r.Context(), key, data, ttl)
	}
	if err != nil {
		slog.WarnContext(r.Context(), "idempotency record not stored", "key", key, "error", err)
	}
}

func (rp *replay) writeTo(w http.ResponseWriter, replayed bool) {
	for k, vs := range rp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	if replayed {
		w.Header().Set(replayedHeader, "true")
	}
	w.WriteHeader(rp.Status)
	_, _ = w.Write(rp.Body)
}

// bufferedResponse collects a handler's response in memory.
type bufferedResponse struct {
	header http.Header
	status int
	wrote  bool
	body   bytes.Buffer
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) WriteHeader(code int) {
	if !b.wrote {
		b.status = code
		b.wrote = true
	}
}

func (b *bufferedResponse) Write(p []byte) (int, error) {
	b.wrote = true
	return b.body.Write(p)
}

func (b *bufferedResponse) replay() *replay {
	return &replay{Status: b.status, Header: b.header.Clone(), Body: bytes.Clone(b.body.Bytes())}
}
