package chatclient

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/valzu-ai/valzu-chat/internal/domain/chat"
	"github.com/valzu-ai/valzu-chat/internal/domain/usage"
)

// Status is the lifecycle state of a Session.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusSubmitted Status = "submitted"
	StatusStreaming Status = "streaming"
	StatusReady     Status = "ready"
	StatusError     Status = "error"
)

var (
	// ErrEmptyMessage is returned for a submission with no text and no files.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrOutOfMessages is returned when the usage hint shows no allowance left.
	ErrOutOfMessages = errors.New(usage.OutOfMessagesNotice)
	// ErrBusy is returned when a turn is already in flight.
	ErrBusy = errors.New("a response is already in progress")
)

// StreamError is an error frame received from the server.
type StreamError struct {
	Text string
}

func (e *StreamError) Error() string { return e.Text }

// Input is what the user composed.
type Input struct {
	Text  string
	Files []chat.FilePart
}

// SubmitOptions are the per-turn model options.
type SubmitOptions struct {
	Model     string
	WebSearch bool
}

// UsageChecker answers the preemptive "any messages left" question.
type UsageChecker interface {
	Usage(ctx context.Context) (usage.Check, error)
}

// Change describes a new message state. Remote is set when the state came
// from another view of the same conversation.
type Change struct {
	Messages []chat.Message
	Remote   bool
}

type listener struct {
	id uint64
	fn func(Change)
}

// Session is one view of a conversation. It owns the local message sequence
// and runs at most one streamed turn at a time.
type Session struct {
	client *Client
	chatID string
	usage  UsageChecker

	mu        sync.Mutex
	messages  []chat.Message
	status    Status
	err       error
	cancel    context.CancelFunc
	stopped   bool
	listeners []listener
	nextID    uint64
}

// NewSession creates a session for chatID starting from initial history.
func NewSession(client *Client, chatID string, initial []chat.Message) *Session {
	return &Session{
		client:   client,
		chatID:   chatID,
		messages: chat.CloneMessages(initial),
		status:   StatusIdle,
	}
}

// SetUsageChecker enables the preemptive allowance check before each submit.
func (s *Session) SetUsageChecker(u UsageChecker) {
	s.mu.Lock()
	s.usage = u
	s.mu.Unlock()
}

// ChatID returns the conversation id.
func (s *Session) ChatID() string { return s.chatID }

// Messages returns a copy of the current message sequence.
func (s *Session) Messages() []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return chat.CloneMessages(s.messages)
}

// Status returns the lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Err returns the error that put the session into StatusError.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// OnChange registers fn for every message-state change and returns its removal.
// fn runs synchronously on the goroutine that made the change.
func (s *Session) OnChange(fn func(Change)) (cancel func()) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, listener{id: id, fn: fn})
	s.mu.Unlock()

	return sync.OnceFunc(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, l := range s.listeners {
			if l.id == id {
				s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
				return
			}
		}
	})
}

// SetMessages replaces the sequence as a local edit.
func (s *Session) SetMessages(msgs []chat.Message) {
	s.replace(msgs, false)
}

// ApplyRemote replaces the sequence with one received from another view.
func (s *Session) ApplyRemote(msgs []chat.Message) {
	s.replace(msgs, true)
}

func (s *Session) replace(msgs []chat.Message, remote bool) {
	s.mu.Lock()
	s.messages = chat.CloneMessages(msgs)
	snap := chat.CloneMessages(s.messages)
	s.mu.Unlock()
	s.notify(Change{Messages: snap, Remote: remote})
}

// Submit sends one user turn and blocks until the response finishes, fails or
// is stopped. A stopped turn returns nil and keeps the partial answer.
func (s *Session) Submit(ctx context.Context, in Input, opts SubmitOptions) error {
	msg := chat.NewUserMessage(in.Text, in.Files)
	if msg.IsEmpty() {
		return ErrEmptyMessage
	}

	s.mu.Lock()
	checker := s.usage
	busy := s.inFlight()
	s.mu.Unlock()
	if busy {
		return ErrBusy
	}
	if checker != nil {
		// The hint is advisory; the server enforces the real gate.
		if chk, err := checker.Usage(ctx); err == nil && chk.Exhausted() {
			return ErrOutOfMessages
		}
	}

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.inFlight() {
		s.mu.Unlock()
		return ErrBusy
	}
	s.messages = append(s.messages, msg)
	s.status = StatusSubmitted
	s.err = nil
	s.stopped = false
	s.cancel = cancel
	snap := chat.CloneMessages(s.messages)
	s.mu.Unlock()
	s.notify(Change{Messages: snap})

	err := s.run(turnCtx, msg, opts)
	return s.finish(err)
}

// Stop aborts the in-flight turn. The session returns to ready and whatever
// part of the answer has arrived stays in place.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return
	}
	s.stopped = true
	s.status = StatusReady
	s.cancel()
}

// inFlight reports whether a turn has not yet unwound. Caller holds mu.
func (s *Session) inFlight() bool {
	return s.cancel != nil
}

func (s *Session) run(ctx context.Context, msg chat.Message, opts SubmitOptions) error {
	body, err := s.client.stream(ctx, chat.SendRequest{
		Message:   msg,
		ID:        s.chatID,
		Model:     opts.Model,
		WebSearch: opts.WebSearch,
	})
	if err != nil {
		return err
	}
	defer func() { _ = body.Close() }()

	s.mu.Lock()
	if !s.stopped {
		s.status = StatusStreaming
	}
	s.mu.Unlock()
	return s.consume(ctx, body)
}

// frame is one UI message stream chunk as sent by the server.
type frame struct {
	Type         string `json:"type"`
	MessageID    string `json:"messageId"`
	Delta        string `json:"delta"`
	SourceID     string `json:"sourceId"`
	URL          string `json:"url"`
	Title        string `json:"title"`
	FinishReason string `json:"finishReason"`
	ErrorText    string `json:"errorText"`
}

// consume reads "data:" lines until [DONE] and folds them into the assistant message.
func (s *Session) consume(ctx context.Context, body io.Reader) error {
	var acc *chat.Accumulator
	apply := func(ev chat.Event) {
		if acc == nil {
			acc = chat.NewAccumulator("")
		}
		if acc.Apply(ev) {
			s.upsert(acc.Message())
		}
	}

	finished := false
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64<<10), 4<<20)
	for sc.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		payload, ok := strings.CutPrefix(sc.Text(), "data:")
		if !ok {
			continue
		}
		payload = strings.TrimSpace(payload)
		if payload == "[DONE]" {
			break
		}

		var f frame
		if err := json.Unmarshal([]byte(payload), &f); err != nil {
			return fmt.Errorf("decode stream frame: %w", err)
		}
		switch f.Type {
		case "start":
			acc = chat.NewAccumulator(f.MessageID)
			s.upsert(acc.Message())
		case "text-delta":
			apply(chat.TextDelta{Text: f.Delta})
		case "reasoning-delta":
			apply(chat.ReasoningDelta{Text: f.Delta})
		case "source-url":
			apply(chat.SourceEvent{Source: chat.SourcePart{SourceID: f.SourceID, URL: f.URL, Title: f.Title}})
		case "finish":
			finished = true
		case "error":
			return &StreamError{Text: f.ErrorText}
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	if !finished {
		return errors.New("response ended unexpectedly")
	}
	return nil
}

// upsert replaces the message with msg.ID, or appends it. Looking it up by id
// keeps the write correct after a remote replacement reshuffled the sequence.
func (s *Session) upsert(msg chat.Message) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	found := false
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].ID == msg.ID {
			s.messages[i] = msg
			found = true
			break
		}
	}
	if !found {
		s.messages = append(s.messages, msg)
	}
	snap := chat.CloneMessages(s.messages)
	s.mu.Unlock()
	s.notify(Change{Messages: snap})
}

func (s *Session) finish(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel = nil
	switch {
	case s.stopped:
		s.status = StatusReady
		return nil
	case err == nil:
		s.status = StatusReady
		return nil
	default:
		s.status = StatusError
		s.err = err
		return err
	}
}

func (s *Session) notify(c Change) {
	s.mu.Lock()
	ls := append([]listener(nil), s.listeners...)
	s.mu.Unlock()
	for _, l := range ls {
		l.fn(c)
	}
}
