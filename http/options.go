package http

import (
	"net/http"
	"time"

	"github.com/nacorid/x402"
)

// FacilitatorOption is a functional option for configuring a FacilitatorClient.
type FacilitatorOption func(*FacilitatorClient)

// WithAuthorization sets a static Authorization header value for the facilitator.
// Example: "Bearer your-api-key" or "Basic base64-encoded-credentials"
func WithAuthorization(authorization string) FacilitatorOption {
	return func(c *FacilitatorClient) {
		c.Authorization = authorization
	}
}

// WithAuthorizationProvider sets a dynamic Authorization header provider for the facilitator.
// If set, this takes precedence over the static Authorization value.
func WithAuthorizationProvider(provider AuthorizationProvider) FacilitatorOption {
	return func(c *FacilitatorClient) {
		c.AuthorizationProvider = provider
	}
}

// WithRetries sets how often a request is retried while the facilitator is unavailable.
func WithRetries(maxRetries int, delay time.Duration) FacilitatorOption {
	return func(c *FacilitatorClient) {
		c.MaxRetries = maxRetries
		c.RetryDelay = delay
	}
}

// WithTimeouts sets the per-request timeouts.
func WithTimeouts(timeouts x402.TimeoutConfig) FacilitatorOption {
	return func(c *FacilitatorClient) {
		c.Timeouts = timeouts
		c.Client = &http.Client{Timeout: timeouts.RequestTimeout}
	}
}

// WithOnBeforeVerify sets a hook function to be called before verifying a payment.
func WithOnBeforeVerify(f OnBeforeFunc) FacilitatorOption {
	return func(c *FacilitatorClient) {
		c.OnBeforeVerify = f
	}
}

// WithOnAfterVerify sets a hook function to be called after verifying a payment.
func WithOnAfterVerify(f OnAfterVerifyFunc) FacilitatorOption {
	return func(c *FacilitatorClient) {
		c.OnAfterVerify = f
	}
}

// WithOnBeforeSettle sets a hook function to be called before settling a payment.
func WithOnBeforeSettle(f OnBeforeFunc) FacilitatorOption {
	return func(c *FacilitatorClient) {
		c.OnBeforeSettle = f
	}
}

// WithOnAfterSettle sets a hook function to be called after settling a payment.
func WithOnAfterSettle(f OnAfterSettleFunc) FacilitatorOption {
	return func(c *FacilitatorClient) {
		c.OnAfterSettle = f
	}
}

// NewFacilitatorClient creates a facilitator client for baseURL with default
// timeouts and two retries.
//
// Example:
//
//	primary := NewFacilitatorClient("https://x402.org/facilitator",
//	    WithAuthorization("Bearer my-api-key"),
//	)
func NewFacilitatorClient(baseURL string, opts ...FacilitatorOption) *FacilitatorClient {
	timeouts := x402.DefaultTimeouts
	client := &FacilitatorClient{
		BaseURL:    baseURL,
		Client:     &http.Client{Timeout: timeouts.RequestTimeout},
		Timeouts:   timeouts,
		MaxRetries: 2,
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}
