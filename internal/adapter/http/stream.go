package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/valzu-ai/valzu-chat/internal/domain/chat"
)

// genericStreamError is sent in error frames; the cause is only logged.
const genericStreamError = "An error occurred."

// uiFrame is one UI message stream chunk. Fields are omitted when unused by the type.
type uiFrame struct {
	Type         string `json:"type"`
	ID           string `json:"id,omitempty"`
	MessageID    string `json:"messageId,omitempty"`
	Delta        string `json:"delta,omitempty"`
	SourceID     string `json:"sourceId,omitempty"`
	URL          string `json:"url,omitempty"`
	Title        string `json:"title,omitempty"`
	FinishReason string `json:"finishReason,omitempty"`
	ErrorText    string `json:"errorText,omitempty"`
}

// uiStream writes chat events as a server-sent UI message stream:
// start, start-step, text/reasoning blocks (start, delta, end), source-url,
// finish-step, finish or error, and finally [DONE]. It implements service.Sink.
type uiStream struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	started bool
	open    string // "text", "reasoning" or ""
	blockID string
	blocks  int
}

func newUIStream(w http.ResponseWriter) *uiStream {
	return &uiStream{w: w, rc: http.NewResponseController(w)}
}

func (s *uiStream) Start(messageID string) error {
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Set("X-Vercel-AI-UI-Message-Stream", "v1")
	s.w.WriteHeader(http.StatusOK)
	s.started = true

	if err := s.write(uiFrame{Type: "start", MessageID: messageID}); err != nil {
		return err
	}
	return s.writeFlush(uiFrame{Type: "start-step"})
}

func (s *uiStream) Event(ev chat.Event) error {
	switch e := ev.(type) {
	case chat.TextDelta:
		if err := s.ensureBlock("text"); err != nil {
			return err
		}
		return s.writeFlush(uiFrame{Type: "text-delta", ID: s.blockID, Delta: e.Text})
	case chat.ReasoningDelta:
		if err := s.ensureBlock("reasoning"); err != nil {
			return err
		}
		return s.writeFlush(uiFrame{Type: "reasoning-delta", ID: s.blockID, Delta: e.Text})
	case chat.SourceEvent:
		if err := s.closeBlock(); err != nil {
			return err
		}
		return s.writeFlush(uiFrame{Type: "source-url", SourceID: e.Source.SourceID, URL: e.Source.URL, Title: e.Source.Title})
	case chat.Done:
		if err := s.closeBlock(); err != nil {
			return err
		}
		if err := s.write(uiFrame{Type: "finish-step"}); err != nil {
			return err
		}
		if err := s.write(uiFrame{Type: "finish", FinishReason: e.FinishReason}); err != nil {
			return err
		}
		return s.done()
	case chat.ErrorEvent:
		if err := s.closeBlock(); err != nil {
			return err
		}
		if err := s.write(uiFrame{Type: "error", ErrorText: genericStreamError}); err != nil {
			return err
		}
		return s.done()
	}
	return nil
}

func (s *uiStream) ensureBlock(kind string) error {
	if s.open == kind {
		return nil
	}
	if err := s.closeBlock(); err != nil {
		return err
	}
	s.open = kind
	s.blockID = strconv.Itoa(s.blocks)
	s.blocks++
	return s.write(uiFrame{Type: kind + "-start", ID: s.blockID})
}

func (s *uiStream) closeBlock() error {
	if s.open == "" {
		return nil
	}
	kind := s.open
	s.open = ""
	return s.write(uiFrame{Type: kind + "-end", ID: s.blockID})
}

func (s *uiStream) done() error {
	if _, err := fmt.Fprint(s.w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	return s.flush()
}

func (s *uiStream) write(f uiFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(s.w, "data: %s\n\n", data)
	return err
}

func (s *uiStream) writeFlush(f uiFrame) error {
	if err := s.write(f); err != nil {
		return err
	}
	return s.flush()
}

func (s *uiStream) flush() error {
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}
