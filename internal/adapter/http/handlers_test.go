package http_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	apihttp "github.com/valzu-ai/valzu-chat/internal/adapter/http"
	"github.com/valzu-ai/valzu-chat/internal/adapter/ledger"
	"github.com/valzu-ai/valzu-chat/internal/adapter/localbus"
	"github.com/valzu-ai/valzu-chat/internal/adapter/memory"
	"github.com/valzu-ai/valzu-chat/internal/adapter/ristretto"
	"github.com/valzu-ai/valzu-chat/internal/adapter/ws"
	"github.com/valzu-ai/valzu-chat/internal/config"
	"github.com/valzu-ai/valzu-chat/internal/domain/chat"
	"github.com/valzu-ai/valzu-chat/internal/domain/identity"
	"github.com/valzu-ai/valzu-chat/internal/domain/usage"
	"github.com/valzu-ai/valzu-chat/internal/middleware"
	"github.com/valzu-ai/valzu-chat/internal/port/broadcast"
	"github.com/valzu-ai/valzu-chat/internal/port/llm"
	"github.com/valzu-ai/valzu-chat/internal/service"
)

// scriptProvider replays a fixed event script.
type scriptProvider struct {
	mu     sync.Mutex
	script []chat.Event
	calls  int
}

func (p *scriptProvider) Stream(ctx context.Context, _ llm.Request) (<-chan chat.Event, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	ch := make(chan chat.Event)
	go func() {
		defer close(ch)
		for _, ev := range p.script {
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

// bearerAuthn treats the bearer token as the user id.
type bearerAuthn struct{}

func (bearerAuthn) Authenticate(r *http.Request) (*identity.Identity, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return nil, nil
	}
	user, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || user == "bad" {
		return nil, errors.New("bad token")
	}
	return &identity.Identity{UserID: user}, nil
}

type env struct {
	srv      *httptest.Server
	store    *memory.Store
	provider *scriptProvider
	ledger   *ledger.Ledger
}

type envOpts struct {
	plan         usage.Plan
	script       []chat.Event
	authRequired bool
	checks       []apihttp.HealthCheck
	models       []config.ModelCategory
}

func newEnv(t *testing.T, o envOpts) *env {
	t.Helper()
	if o.plan.ID == "" {
		o.plan = usage.PlanFree
	}
	if o.script == nil {
		o.script = []chat.Event{chat.TextDelta{Text: "He"}, chat.TextDelta{Text: "llo"}, chat.Done{FinishReason: "stop"}}
	}

	store := memory.NewStore()
	provider := &scriptProvider{script: o.script}
	led := ledger.New(o.plan)
	l1, err := ristretto.New(8)
	if err != nil {
		t.Fatalf("ristretto: %v", err)
	}
	t.Cleanup(l1.Close)

	usageSvc := service.NewUsageService(led, l1, 15*time.Second)
	chatSvc := service.NewChatService(store, provider, usageSvc, nil, config.LLM{DefaultModel: "test-model", SystemPrompt: "sys", Models: o.models})
	h := &apihttp.Handlers{
		Chat:   chatSvc,
		Usage:  usageSvc,
		Hub:    ws.NewHub(localbus.New(), ""),
		Checks: o.checks,
	}

	r := chi.NewRouter()
	r.Use(middleware.Auth(bearerAuthn{}, o.authRequired))
	apihttp.MountRoutes(r, h, middleware.Idempotency(l1, time.Hour))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &env{srv: srv, store: store, provider: provider, ledger: led}
}

func (e *env) do(t *testing.T, method, path, body string, headers ...string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

// readFrames parses a UI message stream into frame types and raw payloads.
func readFrames(t *testing.T, resp *http.Response) ([]string, []map[string]any) {
	t.Helper()
	var types []string
	var frames []map[string]any
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		data, ok := strings.CutPrefix(sc.Text(), "data: ")
		if !ok {
			continue
		}
		if data == "[DONE]" {
			types = append(types, "[DONE]")
			continue
		}
		var f map[string]any
		if err := json.Unmarshal([]byte(data), &f); err != nil {
			t.Fatalf("bad frame %q: %v", data, err)
		}
		types = append(types, f["type"].(string))
		frames = append(frames, f)
	}
	return types, frames
}

func sendBody(text, chatID string) string {
	b, _ := json.Marshal(chat.SendRequest{Message: chat.NewUserMessage(text, nil), ID: chatID, Model: ""})
	return string(b)
}

func TestSendChat_Streams(t *testing.T) {
	e := newEnv(t, envOpts{})
	resp := e.do(t, http.MethodPost, "/api/chat", sendBody("hi", "c1"))

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	types, frames := readFrames(t, resp)
	want := []string{"start", "start-step", "text-start", "text-delta", "text-end", "finish-step", "finish", "[DONE]"}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Fatalf("frames = %v, want %v", types, want)
	}
	if frames[3]["delta"] != "Hello" {
		t.Errorf("delta = %v", frames[3]["delta"])
	}
	if id, _ := frames[0]["messageId"].(string); !strings.HasPrefix(id, "msg-") {
		t.Errorf("messageId = %q", id)
	}

	msgs, _ := e.store.Fetch(context.Background(), "c1")
	if len(msgs) != 2 || msgs[0].Text() != "hi" || msgs[1].Text() != "Hello" {
		t.Fatalf("stored = %+v", msgs)
	}
}

func TestSendChat_ReasoningAndSources(t *testing.T) {
	e := newEnv(t, envOpts{script: []chat.Event{
		chat.ReasoningDelta{Text: "think"},
		chat.TextDelta{Text: "answer"},
		chat.SourceEvent{Source: chat.SourcePart{SourceID: "source-1", URL: "https://example.com", Title: "Example"}},
		chat.Done{},
	}})
	resp := e.do(t, http.MethodPost, "/api/chat", sendBody("search", "c1"))
	types, frames := readFrames(t, resp)

	want := []string{
		"start", "start-step",
		"reasoning-start", "reasoning-delta", "reasoning-end",
		"text-start", "text-delta", "text-end",
		"source-url",
		"finish-step", "finish", "[DONE]",
	}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Fatalf("frames = %v, want %v", types, want)
	}
	src := frames[8]
	if src["sourceId"] != "source-1" || src["url"] != "https://example.com" || src["title"] != "Example" {
		t.Errorf("source frame = %v", src)
	}
	if frames[2]["id"] == frames[5]["id"] {
		t.Error("reasoning and text blocks share an id")
	}
}

func TestSendChat_ErrorFrame(t *testing.T) {
	tests := []struct {
		name   string
		script []chat.Event
	}{
		{"provider error", []chat.Event{chat.TextDelta{Text: "part"}, chat.ErrorEvent{Err: errors.New("upstream exploded")}}},
		{"stream cut off", []chat.Event{chat.TextDelta{Text: "part"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, envOpts{script: tt.script})
			resp := e.do(t, http.MethodPost, "/api/chat", sendBody("hi", "c1"))
			types, frames := readFrames(t, resp)

			if len(types) < 2 || types[len(types)-2] != "error" || types[len(types)-1] != "[DONE]" {
				t.Fatalf("frames = %v", types)
			}
			if txt := frames[len(frames)-1]["errorText"]; txt != "An error occurred." {
				t.Errorf("errorText = %v", txt)
			}
			if msgs, _ := e.store.Fetch(context.Background(), "c1"); len(msgs) != 0 {
				t.Errorf("failed turn stored %d messages", len(msgs))
			}
		})
	}
}

func TestModels(t *testing.T) {
	e := newEnv(t, envOpts{authRequired: true, models: []config.ModelCategory{
		{ID: "fast", Heading: "Fast", Models: []config.Model{{ID: "ministral-8b-latest", Name: "Ministral 8B", Providers: []string{"mistral"}}}},
	}})

	resp := e.do(t, http.MethodGet, "/api/models", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("catalog status = %d", resp.StatusCode)
	}
	got := decode[struct {
		DefaultModel string `json:"defaultModel"`
		Categories   []struct {
			ID     string `json:"id"`
			Models []struct {
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"models"`
		} `json:"categories"`
	}](t, resp)
	if got.DefaultModel != "test-model" || len(got.Categories) != 1 || got.Categories[0].Models[0].Name != "Ministral 8B" {
		t.Fatalf("catalog = %+v", got)
	}

	body, _ := json.Marshal(chat.SendRequest{Message: chat.NewUserMessage("hi", nil), ID: "c1", Model: "not-a-model"})
	resp = e.do(t, http.MethodPost, "/api/chat", string(body), "Authorization", "Bearer u1")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown model status = %d", resp.StatusCode)
	}
	if e.provider.callCount() != 0 {
		t.Error("unknown model reached the provider")
	}
}

func TestSendChat_QuotaExceeded(t *testing.T) {
	e := newEnv(t, envOpts{plan: usage.Plan{ID: "empty", MessagesPerTerm: 0}})
	resp := e.do(t, http.MethodPost, "/api/chat", sendBody("hi", "c1"))

	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", resp.StatusCode)
	}
	body := decode[map[string]string](t, resp)
	if body["error"] != usage.OutOfMessagesNotice {
		t.Errorf("error = %q", body["error"])
	}
	if e.provider.callCount() != 0 {
		t.Error("model called despite exhausted quota")
	}
}

func TestSendChat_BadRequests(t *testing.T) {
	e := newEnv(t, envOpts{})
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", "{"},
		{"unknown role", `{"id":"c1","message":{"id":"m","role":"tool","parts":[{"type":"text","text":"hi"}]}}`},
		{"empty message", `{"id":"c1","message":{"id":"m","role":"user","parts":[{"type":"text","text":"  "}]}}`},
		{"missing id", sendBody("hi", "")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := e.do(t, http.MethodPost, "/api/chat", tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
	if e.provider.callCount() != 0 {
		t.Error("model called for invalid requests")
	}
}

func TestSendChat_AuthRequired(t *testing.T) {
	e := newEnv(t, envOpts{authRequired: true})

	if resp := e.do(t, http.MethodPost, "/api/chat", sendBody("hi", "c1")); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("anonymous status = %d, want 401", resp.StatusCode)
	}
	if resp := e.do(t, http.MethodPost, "/api/chat", sendBody("hi", "c1"), "Authorization", "Bearer bad"); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("invalid session status = %d, want 401", resp.StatusCode)
	}
	if resp := e.do(t, http.MethodPost, "/api/chat", sendBody("hi", "c1"), "Authorization", "Bearer u1"); resp.StatusCode != http.StatusOK {
		t.Errorf("authenticated status = %d, want 200", resp.StatusCode)
	}
}

func TestCreateChat(t *testing.T) {
	e := newEnv(t, envOpts{})
	tests := []struct {
		name     string
		body     string
		wantMsgs int
	}{
		{"empty body", "", 0},
		{"malformed body", "not json", 0},
		{"empty object", "{}", 0},
		{"seeded", `{"initialMessages":[{"id":"m1","role":"user","parts":[{"type":"text","text":"seed"}]}]}`, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := e.do(t, http.MethodPost, "/api/chats", tt.body)
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d", resp.StatusCode)
			}
			got := decode[chat.CreateResponse](t, resp)
			if len(got.ChatID) != 16 {
				t.Fatalf("chatId = %q", got.ChatID)
			}
			msgs, _ := e.store.Fetch(context.Background(), got.ChatID)
			if len(msgs) != tt.wantMsgs {
				t.Errorf("stored %d messages, want %d", len(msgs), tt.wantMsgs)
			}
		})
	}
}

func TestCreateChat_Idempotent(t *testing.T) {
	e := newEnv(t, envOpts{})
	first := e.do(t, http.MethodPost, "/api/chats", "", "Idempotency-Key", "k1")
	second := e.do(t, http.MethodPost, "/api/chats", "", "Idempotency-Key", "k1")

	a := decode[chat.CreateResponse](t, first)
	b := decode[chat.CreateResponse](t, second)
	if a.ChatID != b.ChatID {
		t.Fatalf("retried create minted %q and %q", a.ChatID, b.ChatID)
	}
	if second.Header.Get("Idempotent-Replayed") != "true" {
		t.Error("replayed response not marked")
	}
}

func TestGetChat(t *testing.T) {
	e := newEnv(t, envOpts{})
	id, _ := e.store.Create(context.Background(), []chat.Message{chat.NewUserMessage("hello", nil)})

	got := decode[struct {
		ID       string         `json:"id"`
		Messages []chat.Message `json:"messages"`
	}](t, e.do(t, http.MethodGet, "/api/chats/"+id, ""))
	if got.ID != id || len(got.Messages) != 1 || got.Messages[0].Text() != "hello" {
		t.Fatalf("got %+v", got)
	}

	resp := e.do(t, http.MethodGet, "/api/chats/unknown", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unknown id status = %d", resp.StatusCode)
	}
	raw := decode[map[string]json.RawMessage](t, resp)
	if string(raw["messages"]) != "[]" {
		t.Errorf("unknown id messages = %s, want []", raw["messages"])
	}
}

func TestChatAccessRequiresSession(t *testing.T) {
	e := newEnv(t, envOpts{authRequired: true})
	ctx := context.Background()
	id, _ := e.store.Create(ctx, []chat.Message{chat.NewUserMessage("secret plan", nil)})

	resp := e.do(t, http.MethodGet, "/api/chats/"+id, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous read status = %d, want 401", resp.StatusCode)
	}
	if body := decode[map[string]any](t, resp); body["messages"] != nil {
		t.Fatalf("anonymous read leaked history: %v", body)
	}
	if resp := e.do(t, http.MethodGet, "/api/chats/"+id, "", "Authorization", "Bearer u1"); resp.StatusCode != http.StatusOK {
		t.Errorf("authenticated read status = %d", resp.StatusCode)
	}

	if c, err := ws.Dial(ctx, e.srv.URL, id, ""); err == nil {
		_ = c.Close()
		t.Fatal("anonymous relay dial succeeded")
	} else if !strings.Contains(err.Error(), "401") {
		t.Errorf("anonymous relay dial error = %v, want a 401 handshake", err)
	}
	c, err := ws.Dial(ctx, e.srv.URL, id, "u1")
	if err != nil {
		t.Fatalf("authenticated relay dial: %v", err)
	}
	_ = c.Close()
}

func TestDeleteChat(t *testing.T) {
	e := newEnv(t, envOpts{authRequired: true})
	id, _ := e.store.Create(context.Background(), nil)

	resp := e.do(t, http.MethodDelete, "/api/chats/"+id, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous delete status = %d, want 401", resp.StatusCode)
	}

	resp = e.do(t, http.MethodDelete, "/api/chats/"+id, "", "Authorization", "Bearer u1")
	if resp.StatusCode != http.StatusOK || !decode[chat.DeleteResponse](t, resp).Deleted {
		t.Fatalf("first delete status = %d", resp.StatusCode)
	}

	resp = e.do(t, http.MethodDelete, "/api/chats/"+id, "", "Authorization", "Bearer u1")
	if resp.StatusCode != http.StatusNotFound || decode[chat.DeleteResponse](t, resp).Deleted {
		t.Fatalf("second delete status = %d, want 404", resp.StatusCode)
	}
}

func TestListChats(t *testing.T) {
	e := newEnv(t, envOpts{})
	for range 3 {
		_, _ = e.store.Create(context.Background(), []chat.Message{chat.NewUserMessage("x", nil)})
	}

	all := decode[[]chat.Summary](t, e.do(t, http.MethodGet, "/api/chats", ""))
	if len(all) != 3 {
		t.Fatalf("listed %d chats, want 3", len(all))
	}
	limited := decode[[]chat.Summary](t, e.do(t, http.MethodGet, "/api/chats?limit=2", ""))
	if len(limited) != 2 {
		t.Fatalf("listed %d chats with limit 2", len(limited))
	}
}

func TestGetUsage(t *testing.T) {
	e := newEnv(t, envOpts{})
	got := decode[usage.Check](t, e.do(t, http.MethodGet, "/api/usage", ""))
	if !got.Allowed || got.Balance != usage.PlanFree.MessagesPerTerm || got.IncludedUsage != usage.PlanFree.MessagesPerTerm {
		t.Fatalf("usage = %+v", got)
	}

	e.do(t, http.MethodPost, "/api/chat", sendBody("hi", "c1"))
	got = decode[usage.Check](t, e.do(t, http.MethodGet, "/api/usage", ""))
	if got.Balance != usage.PlanFree.MessagesPerTerm-1 {
		t.Fatalf("balance after a turn = %d", got.Balance)
	}
}

func TestHealth(t *testing.T) {
	ok := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("down") }

	tests := []struct {
		name       string
		checks     []apihttp.HealthCheck
		wantStatus int
		want       map[string]string
	}{
		{"all ok", []apihttp.HealthCheck{{Name: "store", Ping: ok}, {Name: "nats", Ping: nil}}, http.StatusOK,
			map[string]string{"status": "ok", "store": "ok", "nats": "disabled"}},
		{"store down", []apihttp.HealthCheck{{Name: "store", Ping: down}}, http.StatusServiceUnavailable,
			map[string]string{"status": "degraded", "store": "unavailable"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, envOpts{checks: tt.checks})
			resp := e.do(t, http.MethodGet, "/health", "")
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			got := decode[map[string]string](t, resp)
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("%s = %q, want %q", k, got[k], v)
				}
			}
		})
	}
}

func TestChatSocketRelays(t *testing.T) {
	e := newEnv(t, envOpts{})
	ctx := context.Background()

	a, err := ws.Dial(ctx, e.srv.URL, "c1", "")
	if err != nil {
		t.Fatalf("Dial a: %v", err)
	}
	defer a.Close()
	b, err := ws.Dial(ctx, e.srv.URL, "c1", "")
	if err != nil {
		t.Fatalf("Dial b: %v", err)
	}
	defer b.Close()

	got := make(chan broadcast.Update, 1)
	cancel, _ := b.Subscribe(ctx, "c1", "", func(u broadcast.Update) {
		select {
		case got <- u:
		default:
		}
	})
	defer cancel()

	// The hub registers b asynchronously; keep publishing until it arrives.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		if err := a.Publish(ctx, broadcast.Update{Messages: []chat.Message{chat.NewUserMessage("sync", nil)}}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
		select {
		case u := <-got:
			if u.Messages[0].Text() != "sync" {
				t.Fatalf("update = %+v", u)
			}
			return
		case <-tick.C:
		case <-deadline:
			t.Fatal("no relayed update")
		}
	}
}
