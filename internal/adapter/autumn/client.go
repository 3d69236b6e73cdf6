// Package autumn implements the billing port against the Autumn REST API.
package autumn

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/valzu-ai/valzu-chat/internal/domain/usage"
	"github.com/valzu-ai/valzu-chat/internal/resilience"
)

// DefaultBaseURL is Autumn's hosted API.
const DefaultBaseURL = "https://api.useautumn.com"

// APIError is a non-2xx answer from Autumn.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("autumn API error %d: %s", e.StatusCode, e.Body)
}

// Neutral reports whether err should not count against the circuit breaker:
// client-side rejections and caller cancellation.
func Neutral(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode < 500
	}
	return errors.Is(err, context.Canceled)
}

// Client talks to the Autumn API.
type Client struct {
	baseURL    string
	secretKey  string
	httpClient *http.Client
	breaker    *resilience.Breaker
}

// NewClient creates an Autumn client. An empty baseURL selects DefaultBaseURL.
func NewClient(baseURL, secretKey string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		secretKey: secretKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// SetBreaker attaches a circuit breaker to all outgoing HTTP calls.
func (c *Client) SetBreaker(b *resilience.Breaker) {
	c.breaker = b
}

type checkRequest struct {
	CustomerID string `json:"customer_id"`
	FeatureID  string `json:"feature_id"`
}

type checkResponse struct {
	Allowed       bool   `json:"allowed"`
	CustomerID    string `json:"customer_id"`
	FeatureID     string `json:"feature_id"`
	Balance       *int64 `json:"balance"`
	IncludedUsage int64  `json:"included_usage"`
	Unlimited     bool   `json:"unlimited"`
}

// Check asks whether customerID may consume one unit of feature.
func (c *Client) Check(ctx context.Context, customerID string, feature usage.Feature) (usage.Check, error) {
	body, err := json.Marshal(checkRequest{CustomerID: customerID, FeatureID: string(feature)})
	if err != nil {
		return usage.Check{}, fmt.Errorf("marshal check: %w", err)
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/v1/check", body)
	if err != nil {
		return usage.Check{}, fmt.Errorf("check %s: %w", feature, err)
	}

	var result checkResponse
	if err := json.Unmarshal(resp, &result); err != nil {
		return usage.Check{}, fmt.Errorf("unmarshal check: %w", err)
	}

	check := usage.Check{
		Allowed:       result.Allowed,
		IncludedUsage: result.IncludedUsage,
		Unlimited:     result.Unlimited,
	}
	switch {
	case result.Balance != nil:
		check.Balance = *result.Balance
	case result.Allowed:
		// Boolean features report no balance; allowed means one more unit is fine.
		check.Balance = 1
	}
	return check, nil
}

type trackRequest struct {
	CustomerID string `json:"customer_id"`
	FeatureID  string `json:"feature_id"`
	Value      int64  `json:"value"`
}

// Track records value units of feature as consumed by customerID.
func (c *Client) Track(ctx context.Context, customerID string, feature usage.Feature, value int64) error {
	body, err := json.Marshal(trackRequest{CustomerID: customerID, FeatureID: string(feature), Value: value})
	if err != nil {
		return fmt.Errorf("marshal track: %w", err)
	}
	if _, err := c.doRequest(ctx, http.MethodPost, "/v1/track", body); err != nil {
		return fmt.Errorf("track %s: %w", feature, err)
	}
	return nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var result []byte
	call := func() error {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.secretKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("http request: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}

		if resp.StatusCode >= 400 {
			return &APIError{StatusCode: resp.StatusCode, Body: string(data)}
		}

		result = data
		return nil
	}

	if c.breaker != nil {
		if err := c.breaker.Execute(call); err != nil {
			return nil, err
		}
		return result, nil
	}

	if err := call(); err != nil {
		return nil, err
	}
	return result, nil
}
