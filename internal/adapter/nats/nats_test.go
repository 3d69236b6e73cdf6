package nats

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/valzu-ai/valzu-chat/internal/adapter/natskv"
	"github.com/valzu-ai/valzu-chat/internal/domain/chat"
	"github.com/valzu-ai/valzu-chat/internal/port/broadcast"
)

var _ broadcast.Channel = (*Channel)(nil)

// testConnect connects to NATS or skips the test if NATS_URL is not set.
func testConnect(t *testing.T) *Conn {
	t.Helper()

	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("requires NATS_URL")
	}

	c, err := Connect(context.Background(), url)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() {
		if err := c.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return c
}

func TestSubject(t *testing.T) {
	ch := &Channel{root: "chats"}
	tests := []struct {
		chatID  string
		want    string
		wantErr bool
	}{
		{"abc123", "chats.abc123.messages", false},
		{"", "", true},
		{"a.b", "", true},
		{"a*", "", true},
		{"a>", "", true},
		{"a b", "", true},
	}
	for _, tt := range tests {
		got, err := ch.Subject(tt.chatID)
		if (err != nil) != tt.wantErr {
			t.Errorf("Subject(%q) error = %v, wantErr %v", tt.chatID, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("Subject(%q) = %q, want %q", tt.chatID, got, tt.want)
		}
	}
}

func TestChannel_PublishSubscribe(t *testing.T) {
	c := testConnect(t)
	ch := NewChannel(c, "chats-test")
	chatID := chat.NewID()

	var (
		mu      sync.Mutex
		gotSelf int
		gotPeer []broadcast.Update
		done    = make(chan struct{})
		once    sync.Once
	)
	cancelSelf, err := ch.Subscribe(context.Background(), chatID, "tab-a", func(broadcast.Update) {
		mu.Lock()
		gotSelf++
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancelSelf()
	cancelPeer, err := ch.Subscribe(context.Background(), chatID, "tab-b", func(u broadcast.Update) {
		mu.Lock()
		gotPeer = append(gotPeer, u)
		mu.Unlock()
		once.Do(func() { close(done) })
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancelPeer()
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	u := broadcast.Update{
		Type:     broadcast.TypeMessagesUpdate,
		ChatID:   chatID,
		Origin:   "tab-a",
		Messages: []chat.Message{chat.NewUserMessage("hello", nil)},
	}
	if err := ch.Publish(context.Background(), u); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for update")
	}
	// Give the origin subscription a chance to (wrongly) receive it too.
	_ = c.Ping(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if gotSelf != 0 {
		t.Errorf("origin received %d of its own updates", gotSelf)
	}
	if len(gotPeer) != 1 || gotPeer[0].Messages[0].Text() != "hello" {
		t.Errorf("unexpected peer updates %+v", gotPeer)
	}
}

func TestConn_KeyValueBucket(t *testing.T) {
	c := testConnect(t)
	ctx := context.Background()

	cache, err := natskv.Open(ctx, c.JetStream(), "VALZU_TEST_"+chat.NewID(), time.Minute)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := cache.Set(ctx, "usage:u1", []byte(`{"balance":3}`), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok, err := cache.Get(ctx, "usage:u1")
	if err != nil || !ok || string(got) != `{"balance":3}` {
		t.Fatalf("Get = %q, %v, %v", got, ok, err)
	}
}

func TestConn_IsConnected(t *testing.T) {
	c := testConnect(t)
	if !c.IsConnected() {
		t.Error("expected connection to be up")
	}
}
