package service

import (
	"context"
	"strings"
	"time"

	"github.com/valzu-ai/valzu-chat/internal/domain/chat"
)

// Smooth re-chunks text deltas by line and paces them delay apart. Reasoning,
// source and terminal events flush pending text first and keep their order, so
// the concatenated text is unchanged. The output closes when in closes or ctx
// ends; in is drained in the background after cancellation.
func Smooth(ctx context.Context, in <-chan chat.Event, delay time.Duration) <-chan chat.Event {
	out := make(chan chat.Event)
	go func() {
		defer close(out)
		s := smoother{ctx: ctx, out: out, delay: delay}
		for ev := range in {
			if !s.handle(ev) {
				go drain(in)
				return
			}
		}
		s.flush()
	}()
	return out
}

type smoother struct {
	ctx   context.Context
	out   chan<- chat.Event
	delay time.Duration
	buf   strings.Builder
	sent  bool
}

func (s *smoother) handle(ev chat.Event) bool {
	td, ok := ev.(chat.TextDelta)
	if !ok {
		return s.flush() && s.emit(ev)
	}
	s.buf.WriteString(td.Text)
	for {
		line, ok := nextLine(s.buf.String())
		if !ok {
			return true
		}
		rest := s.buf.String()[len(line):]
		s.buf.Reset()
		s.buf.WriteString(rest)
		if !s.emitText(line) {
			return false
		}
	}
}

func (s *smoother) flush() bool {
	if s.buf.Len() == 0 {
		return true
	}
	text := s.buf.String()
	s.buf.Reset()
	return s.emitText(text)
}

func (s *smoother) emitText(text string) bool {
	if s.sent && s.delay > 0 {
		t := time.NewTimer(s.delay)
		select {
		case <-t.C:
		case <-s.ctx.Done():
			t.Stop()
			return false
		}
	}
	s.sent = true
	return s.emit(chat.TextDelta{Text: text})
}

func (s *smoother) emit(ev chat.Event) bool {
	select {
	case s.out <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// nextLine returns the leading text up to and including the first run of newlines.
func nextLine(buf string) (string, bool) {
	i := strings.IndexByte(buf, '\n')
	if i < 0 {
		return "", false
	}
	j := i + 1
	for j < len(buf) && buf[j] == '\n' {
		j++
	}
	return buf[:j], true
}

func drain(in <-chan chat.Event) {
	for range in {
	}
}
