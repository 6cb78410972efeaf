// Package email sends plain-text mail through the Resend HTTP API.
package email

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

	"github.com/cenkalti/backoff/v4"
)

// DefaultBaseURL is the Resend API endpoint.
const DefaultBaseURL = "https://api.resend.com"

var (
	// ErrMissingAPIKey is returned by Send when no API key is configured.
	ErrMissingAPIKey = errors.New("email: RESEND_API_KEY is not set")

	// ErrRejected marks a 4xx response from the provider.
	ErrRejected = errors.New("email: provider rejected message")

	// ErrUnavailable marks transport failures, 429 and 5xx responses.
	// Sends failing with it are retried under the same idempotency key.
	ErrUnavailable = errors.New("email: provider unavailable")
)

// Message is a plain-text email.
type Message struct {
	To      []string
	Subject string
	Text    string
}

// Client posts messages to Resend.
type Client struct {
	// BaseURL defaults to DefaultBaseURL.
	BaseURL string

	APIKey string
	From   string

	// Client defaults to http.DefaultClient.
	Client *http.Client

	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// RetryDelay is the initial backoff (default: 200ms).
	RetryDelay time.Duration
}

// NewClient returns a Client sending from the given address.
func NewClient(apiKey, from, baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		From:       from,
		Client:     &http.Client{Timeout: 15 * time.Second},
		MaxRetries: 2,
	}
}

type sendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Text    string   `json:"text"`
}

type sendResponse struct {
	ID string `json:"id"`
}

// Send queues msg and returns the provider's message id. A non-empty
// idempotencyKey is sent as the Idempotency-Key header so retried sends
// deliver once.
func (c *Client) Send(ctx context.Context, msg Message, idempotencyKey string) (string, error) {
	if c.APIKey == "" {
		return "", ErrMissingAPIKey
	}
	if len(msg.To) == 0 {
		return "", fmt.Errorf("%w: no recipients", ErrRejected)
	}

	body, err := json.Marshal(sendRequest{
		From:    c.From,
		To:      msg.To,
		Subject: msg.Subject,
		Text:    msg.Text,
	})
	if err != nil {
		return "", fmt.Errorf("email: marshal request: %w", err)
	}

	var last error
	id, err := backoff.RetryWithData(func() (string, error) {
		id, err := c.post(ctx, body, idempotencyKey)
		last = err
		if err != nil && !errors.Is(err, ErrUnavailable) {
			return "", backoff.Permanent(err)
		}
		return id, err
	}, c.backOff(ctx))
	if err != nil && last != nil {
		return "", last
	}
	return id, err
}

func (c *Client) backOff(ctx context.Context) backoff.BackOff {
	delay := c.RetryDelay
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = delay
	b.MaxInterval = delay * 4
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(c.MaxRetries, 0))), ctx)
}

func (c *Client) post(ctx context.Context, body []byte, idempotencyKey string) (string, error) {
	base := c.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(base, "/")+"/emails", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("email: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return "", providerError(ErrUnavailable, resp.StatusCode, raw)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return "", providerError(ErrRejected, resp.StatusCode, raw)
	}

	var out sendResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	return out.ID, nil
}

// providerError prefers the "message" field of a Resend error body, then
// "error", then the raw body.
func providerError(base error, status int, raw []byte) error {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Message != "" {
			return fmt.Errorf("%w: status %d: %s", base, status, body.Message)
		}
		if body.Error != "" {
			return fmt.Errorf("%w: status %d: %s", base, status, body.Error)
		}
	}
	if len(raw) > 0 && len(raw) < 500 {
		return fmt.Errorf("%w: status %d: %s", base, status, strings.TrimSpace(string(raw)))
	}
	return fmt.Errorf("%w: status %d", base, status)
}
