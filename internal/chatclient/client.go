// Package chatclient is the client side of a conversation: a REST client for
// the chat API, a Session that drives one streamed turn at a time, and a
// Replica that keeps several Sessions of the same conversation in sync.
package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/valzu-ai/valzu-chat/internal/domain"
	"github.com/valzu-ai/valzu-chat/internal/domain/chat"
	"github.com/valzu-ai/valzu-chat/internal/domain/usage"
)

const requestTimeout = 15 * time.Second

// APIError is a non-2xx answer from the chat API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("chat API error %d", e.StatusCode)
	}
	return e.Message
}

// Unwrap maps the status onto the domain sentinels so callers can use errors.Is.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusPaymentRequired:
		return domain.ErrQuotaExceeded
	case http.StatusUnauthorized:
		return domain.ErrUnauthorized
	case http.StatusNotFound:
		return domain.ErrNotFound
	case http.StatusBadRequest:
		return domain.ErrValidation
	case http.StatusConflict:
		return domain.ErrConflict
	}
	return nil
}

// Client talks to a valzu chat server.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a client for baseURL. token, when set, is sent as a bearer
// credential. A nil httpClient selects one without an overall timeout, since
// turns stream for as long as the model writes.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: httpClient,
	}
}

// BaseURL returns the server address the client was created with.
func (c *Client) BaseURL() string { return c.baseURL }

// CreateChat creates a conversation, optionally seeded, and returns its id.
func (c *Client) CreateChat(ctx context.Context, seed []chat.Message) (string, error) {
	var body any
	if len(seed) > 0 {
		body = chat.CreateRequest{InitialMessages: seed}
	}
	var out chat.CreateResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/chats", body, &out); err != nil {
		return "", fmt.Errorf("create chat: %w", err)
	}
	return out.ChatID, nil
}

// Messages loads a conversation's history. Unknown ids yield an empty slice.
func (c *Client) Messages(ctx context.Context, chatID string) ([]chat.Message, error) {
	var out struct {
		Messages []chat.Message `json:"messages"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/chats/"+url.PathEscape(chatID), nil, &out); err != nil {
		return nil, fmt.Errorf("fetch chat %s: %w", chatID, err)
	}
	return out.Messages, nil
}

// DeleteChat removes a conversation and reports whether it existed.
func (c *Client) DeleteChat(ctx context.Context, chatID string) (bool, error) {
	var out chat.DeleteResponse
	err := c.doJSON(ctx, http.MethodDelete, "/api/chats/"+url.PathEscape(chatID), nil, &out)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("delete chat %s: %w", chatID, err)
	}
	return out.Deleted, nil
}

// ListChats returns recently updated conversations. limit <= 0 uses the server default.
func (c *Client) ListChats(ctx context.Context, limit int) ([]chat.Summary, error) {
	path := "/api/chats"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []chat.Summary
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	return out, nil
}

// Usage returns the caller's remaining message allowance. It satisfies UsageChecker.
func (c *Client) Usage(ctx context.Context) (usage.Check, error) {
	var out usage.Check
	if err := c.doJSON(ctx, http.MethodGet, "/api/usage", nil, &out); err != nil {
		return usage.Check{}, fmt.Errorf("usage: %w", err)
	}
	return out, nil
}

// stream posts one turn and returns the open event stream. The caller closes the body.
func (c *Client) stream(ctx context.Context, req chat.SendRequest) (io.ReadCloser, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal send: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost, "/api/chat", body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer func() { _ = resp.Body.Close() }()
		return nil, readAPIError(resp)
	}
	return resp.Body, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return readAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	return resp, nil
}

func readAPIError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}
