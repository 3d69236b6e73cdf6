package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/term"

	"github.com/valzu-ai/valzu-chat/internal/adapter/ws"
	"github.com/valzu-ai/valzu-chat/internal/chatclient"
	"github.com/valzu-ai/valzu-chat/internal/domain/chat"
)

func runChat(args []string) error {
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	baseURL := fs.String("url", envOr("VALZU_URL", "http://localhost:8080"), "server URL")
	token := fs.String("token", os.Getenv("VALZU_TOKEN"), "session token")
	askToken := fs.Bool("ask-token", false, "prompt for the session token without echo")
	chatID := fs.String("chat", "", "conversation id (a new one is created when empty)")
	model := fs.String("model", "", "model id (server default when empty)")
	webSearch := fs.Bool("web-search", false, "answer with the web search model")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *askToken {
		t, err := promptSecret("Session token: ")
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
		*token = t
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := chatclient.NewClient(*baseURL, *token, nil)
	id := *chatID
	if id == "" {
		var err error
		if id, err = client.CreateChat(ctx, nil); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "New conversation %s\n", id)
	}
	history, err := client.Messages(ctx, id)
	if err != nil {
		return err
	}

	session := chatclient.NewSession(client, id, history)
	session.SetUsageChecker(client)

	out := &transcript{w: os.Stdout}
	for _, m := range history {
		out.full(m)
	}
	session.OnChange(out.change)

	// Other tabs of the same conversation, browser or terminal, stay in sync.
	if relay, err := ws.Dial(ctx, *baseURL, id, *token); err != nil {
		slog.Warn("live sync unavailable", "error", err)
	} else {
		defer func() { _ = relay.Close() }()
		replica, err := chatclient.NewReplica(ctx, session, relay, id)
		if err != nil {
			return err
		}
		defer replica.Close()
	}

	return chatLoop(ctx, session, out, os.Stdin, chatclient.SubmitOptions{Model: *model, WebSearch: *webSearch})
}

// chatLoop reads one prompt per line. Ctrl-C stops a streaming answer, or
// quits when idle.
func chatLoop(ctx context.Context, s *chatclient.Session, out *transcript, in io.Reader, opts chatclient.SubmitOptions) error {
	interactive := false
	if f, ok := in.(*os.File); ok {
		interactive = term.IsTerminal(int(f.Fd()))
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	for {
		if interactive {
			fmt.Fprint(os.Stderr, "> ")
		}
		var line string
		select {
		case <-sig:
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = l
		}
		if strings.TrimSpace(line) == "/quit" {
			return nil
		}

		done := make(chan error, 1)
		go func() { done <- s.Submit(ctx, chatclient.Input{Text: line}, opts) }()

		var err error
		stopped := false
		select {
		case err = <-done:
		case <-sig:
			s.Stop()
			err = <-done
			stopped = true
		}
		out.endLine()
		if stopped {
			fmt.Fprintln(os.Stderr, "[stopped]")
		}
		switch {
		case err == nil, errors.Is(err, chatclient.ErrEmptyMessage):
		case errors.Is(err, chatclient.ErrOutOfMessages):
			fmt.Fprintln(os.Stderr, err)
		default:
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
}

// transcript prints message changes incrementally.
type transcript struct {
	mu      sync.Mutex
	w       io.Writer
	lastID  string
	printed int
	open    bool // a message line is still being written
}

func (t *transcript) full(m chat.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeLine()
	_, _ = fmt.Fprintf(t.w, "%s> %s\n", m.Role, m.Text())
	t.lastID, t.printed = m.ID, len(m.Text())
}

func (t *transcript) endLine() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeLine()
}

func (t *transcript) closeLine() {
	if t.open {
		_, _ = io.WriteString(t.w, "\n")
		t.open = false
	}
}

func (t *transcript) change(c chatclient.Change) {
	if len(c.Messages) == 0 {
		return
	}
	last := c.Messages[len(c.Messages)-1]
	t.mu.Lock()
	defer t.mu.Unlock()

	if last.ID != t.lastID {
		t.closeLine()
		if last.Role == chat.RoleUser && !c.Remote {
			// The user just typed it.
			t.lastID, t.printed = last.ID, len(last.Text())
			return
		}
		prefix := string(last.Role)
		if c.Remote {
			prefix += " (other tab)"
		}
		_, _ = fmt.Fprintf(t.w, "%s> ", prefix)
		t.lastID, t.printed, t.open = last.ID, 0, true
	}
	text := last.Text()
	if len(text) > t.printed {
		_, _ = io.WriteString(t.w, text[t.printed:])
		t.printed = len(text)
	}
}

// promptSecret reads a line from the terminal without echoing.
func promptSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(syscall.Stdin)) //nolint:unconvert // int conversion needed on some platforms
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
