package chat

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestMessageIsEmpty(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want bool
	}{
		{"no parts", Message{Role: RoleUser}, true},
		{"blank text", Message{Role: RoleUser, Parts: Parts{TextPart{Text: "  \n"}}}, true},
		{"text", Message{Role: RoleUser, Parts: Parts{TextPart{Text: "hi"}}}, false},
		{"file only", Message{Role: RoleUser, Parts: Parts{FilePart{Filename: "a.png", MediaType: "image/png", URL: "data:,"}}}, false},
		{"reasoning only", Message{Role: RoleUser, Parts: Parts{ReasoningPart{Text: "hmm"}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.msg.IsEmpty(); got != tt.want {
				t.Errorf("IsEmpty() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewUserMessage_AttachmentOnlyText(t *testing.T) {
	m := NewUserMessage("", []FilePart{{Filename: "a.pdf", MediaType: "application/pdf", URL: "https://x/a.pdf"}})
	if m.Role != RoleUser {
		t.Fatalf("role = %q, want user", m.Role)
	}
	if m.Text() != AttachmentOnlyText {
		t.Fatalf("text = %q, want %q", m.Text(), AttachmentOnlyText)
	}
	if len(m.Files()) != 1 {
		t.Fatalf("files = %d, want 1", len(m.Files()))
	}
	if !strings.HasPrefix(m.ID, "msg-") {
		t.Fatalf("id = %q, want msg- prefix", m.ID)
	}
}

func TestPartsJSONRoundTripKeepsOrderAndTypes(t *testing.T) {
	in := Message{
		ID:   "m1",
		Role: RoleAssistant,
		Parts: Parts{
			ReasoningPart{Text: "think"},
			SourcePart{SourceID: "s1", URL: "https://example.com", Title: "Example"},
			TextPart{Text: "answer"},
		},
	}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"type":"source-url"`) {
		t.Fatalf("expected tagged source part, got %s", data)
	}

	var out Message
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out.Parts) != 3 {
		t.Fatalf("parts = %d, want 3", len(out.Parts))
	}
	if _, ok := out.Parts[0].(ReasoningPart); !ok {
		t.Errorf("part 0 = %T, want ReasoningPart", out.Parts[0])
	}
	if s, ok := out.Parts[1].(SourcePart); !ok || s.URL != "https://example.com" {
		t.Errorf("part 1 = %#v, want SourcePart", out.Parts[1])
	}
	if out.Text() != "answer" {
		t.Errorf("text = %q", out.Text())
	}
}

func TestPartsUnmarshalRejectsUnknownType(t *testing.T) {
	var m Message
	err := json.Unmarshal([]byte(`{"id":"x","role":"user","parts":[{"type":"tool-call"}]}`), &m)
	if err == nil {
		t.Fatal("expected error for unknown part type")
	}
}

func TestRoleUnmarshalRejectsUnknown(t *testing.T) {
	var m Message
	if err := json.Unmarshal([]byte(`{"id":"x","role":"robot","parts":[]}`), &m); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestNilPartsMarshalAsEmptyArray(t *testing.T) {
	data, err := json.Marshal(Message{ID: "x", Role: RoleUser})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"parts":[]`) {
		t.Fatalf("got %s", data)
	}
}

func TestAccumulator_InterleavesPartKinds(t *testing.T) {
	acc := NewAccumulator("a1")
	events := []Event{
		ReasoningDelta{Text: "let me "},
		ReasoningDelta{Text: "think"},
		TextDelta{Text: "He"},
		TextDelta{Text: "llo"},
		SourceEvent{Source: SourcePart{SourceID: "1", URL: "https://a"}},
		TextDelta{Text: "!"},
		Done{FinishReason: "stop"},
	}
	for _, ev := range events {
		acc.Apply(ev)
	}
	m := acc.Message()
	if m.ID != "a1" || m.Role != RoleAssistant {
		t.Fatalf("unexpected message header %+v", m)
	}
	want := []string{PartTypeReasoning, PartTypeText, PartTypeSource, PartTypeText}
	if len(m.Parts) != len(want) {
		t.Fatalf("parts = %d, want %d", len(m.Parts), len(want))
	}
	for i, p := range m.Parts {
		if p.PartType() != want[i] {
			t.Errorf("part %d type = %s, want %s", i, p.PartType(), want[i])
		}
	}
	if m.Text() != "Hello!" {
		t.Errorf("text = %q, want Hello!", m.Text())
	}
}

func TestAccumulator_MessageIsACopy(t *testing.T) {
	acc := NewAccumulator("a1")
	acc.Apply(TextDelta{Text: "a"})
	snap := acc.Message()
	acc.Apply(TextDelta{Text: "b"})
	if snap.Text() != "a" {
		t.Fatalf("snapshot mutated: %q", snap.Text())
	}
}

func TestTerminal(t *testing.T) {
	if !Terminal(Done{}) || !Terminal(ErrorEvent{Err: errors.New("x")}) {
		t.Fatal("Done and ErrorEvent must be terminal")
	}
	if Terminal(TextDelta{Text: "x"}) {
		t.Fatal("TextDelta must not be terminal")
	}
}

func TestSummarizeFallsBackToCreatedAt(t *testing.T) {
	c := Conversation{ID: "c", Messages: make([]Message, 2)}
	c.CreatedAt = c.CreatedAt.AddDate(2025, 0, 0)
	s := c.Summarize()
	if !s.UpdatedAt.Equal(c.CreatedAt) || s.MessageCount != 2 {
		t.Fatalf("unexpected summary %+v", s)
	}
}

func TestNewIDShape(t *testing.T) {
	id := NewID()
	if len(id) != 16 {
		t.Fatalf("len = %d, want 16", len(id))
	}
	if strings.Trim(id, idAlphabet) != "" {
		t.Fatalf("id %q has characters outside the alphabet", id)
	}
}
