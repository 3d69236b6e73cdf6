// Package storetest provides a compliance suite for chatstore.Store implementations.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/valzu-ai/valzu-chat/internal/domain"
	"github.com/valzu-ai/valzu-chat/internal/domain/chat"
	"github.com/valzu-ai/valzu-chat/internal/port/chatstore"
)

func userMsg(id, text string) chat.Message {
	return chat.Message{ID: id, Role: chat.RoleUser, Parts: chat.Parts{chat.TextPart{Text: text}}}
}

func assistantMsg(id string, parts ...chat.Part) chat.Message {
	return chat.Message{ID: id, Role: chat.RoleAssistant, Parts: parts}
}

// RunComplianceTests exercises the full Store contract against s. The store
// must be empty or tolerate unrelated data; ids are generated by the store.
func RunComplianceTests(t *testing.T, s chatstore.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("CreateEmptyThenFetch", func(t *testing.T) {
		id, err := s.Create(ctx, nil)
		if err != nil {
			t.Fatal(err)
		}
		if id == "" {
			t.Fatal("expected non-empty id")
		}
		msgs, err := s.Fetch(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if len(msgs) != 0 {
			t.Fatalf("expected empty history, got %d", len(msgs))
		}
	})

	t.Run("CreateWithSeed", func(t *testing.T) {
		seed := []chat.Message{userMsg("u1", "seeded")}
		id, err := s.Create(ctx, seed)
		if err != nil {
			t.Fatal(err)
		}
		msgs, err := s.Fetch(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if len(msgs) != 1 || msgs[0].Text() != "seeded" {
			t.Fatalf("unexpected seed round trip: %+v", msgs)
		}
	})

	t.Run("FetchUnknownIsEmpty", func(t *testing.T) {
		msgs, err := s.Fetch(ctx, "does-not-exist-"+chat.NewID())
		if err != nil {
			t.Fatal(err)
		}
		if len(msgs) != 0 {
			t.Fatalf("expected empty, got %d", len(msgs))
		}
	})

	t.Run("GetUnknownIsNotFound", func(t *testing.T) {
		_, err := s.Get(ctx, "does-not-exist-"+chat.NewID())
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ReplacePreservesOrderAndPartTypes", func(t *testing.T) {
		id, err := s.Create(ctx, nil)
		if err != nil {
			t.Fatal(err)
		}
		want := []chat.Message{
			userMsg("u1", "hi"),
			assistantMsg("a1",
				chat.ReasoningPart{Text: "thinking"},
				chat.SourcePart{SourceID: "s1", URL: "https://example.com", Title: "Example"},
				chat.TextPart{Text: "Hello"},
			),
		}
		if err := s.Replace(ctx, id, want); err != nil {
			t.Fatal(err)
		}
		got, err := s.Fetch(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 2 {
			t.Fatalf("expected 2 messages, got %d", len(got))
		}
		if got[0].ID != "u1" || got[1].ID != "a1" {
			t.Fatalf("order changed: %s, %s", got[0].ID, got[1].ID)
		}
		if len(got[1].Parts) != 3 {
			t.Fatalf("expected 3 parts, got %d", len(got[1].Parts))
		}
		if _, ok := got[1].Parts[1].(chat.SourcePart); !ok {
			t.Fatalf("part 1 = %T, want SourcePart", got[1].Parts[1])
		}
		if got[1].Text() != "Hello" {
			t.Fatalf("text = %q", got[1].Text())
		}
	})

	t.Run("ReplaceUpsertsAbsent", func(t *testing.T) {
		id := "upsert-" + chat.NewID()
		if err := s.Replace(ctx, id, []chat.Message{userMsg("u1", "x")}); err != nil {
			t.Fatal(err)
		}
		conv, err := s.Get(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if len(conv.Messages) != 1 || conv.CreatedAt.IsZero() {
			t.Fatalf("unexpected upserted conversation %+v", conv)
		}
	})

	t.Run("ReplaceKeepsCreatedAt", func(t *testing.T) {
		id, err := s.Create(ctx, nil)
		if err != nil {
			t.Fatal(err)
		}
		before, err := s.Get(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		time.Sleep(5 * time.Millisecond)
		if err := s.Replace(ctx, id, []chat.Message{userMsg("u1", "x")}); err != nil {
			t.Fatal(err)
		}
		after, err := s.Get(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if !after.CreatedAt.Equal(before.CreatedAt) {
			t.Fatalf("createdAt changed: %v -> %v", before.CreatedAt, after.CreatedAt)
		}
		if after.UpdatedAt.Before(before.UpdatedAt) {
			t.Fatalf("updatedAt went backwards")
		}
	})

	t.Run("RemoveIsIdempotent", func(t *testing.T) {
		id, err := s.Create(ctx, nil)
		if err != nil {
			t.Fatal(err)
		}
		removed, err := s.Remove(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if !removed {
			t.Fatal("expected first remove to report true")
		}
		removed, err = s.Remove(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if removed {
			t.Fatal("expected second remove to report false")
		}
	})

	t.Run("ListMostRecentFirst", func(t *testing.T) {
		first, err := s.Create(ctx, []chat.Message{userMsg("u1", "one")})
		if err != nil {
			t.Fatal(err)
		}
		second, err := s.Create(ctx, nil)
		if err != nil {
			t.Fatal(err)
		}
		time.Sleep(5 * time.Millisecond)
		// Touching the first conversation moves it to the top.
		if err := s.Replace(ctx, first, []chat.Message{userMsg("u1", "one"), assistantMsg("a1", chat.TextPart{Text: "two"})}); err != nil {
			t.Fatal(err)
		}
		list, err := s.List(ctx, 2)
		if err != nil {
			t.Fatal(err)
		}
		if len(list) != 2 {
			t.Fatalf("expected 2 summaries, got %d", len(list))
		}
		if list[0].ID != first || list[1].ID != second {
			t.Fatalf("unexpected order: %s, %s", list[0].ID, list[1].ID)
		}
		if list[0].MessageCount != 2 {
			t.Fatalf("message count = %d, want 2", list[0].MessageCount)
		}
	})
}
