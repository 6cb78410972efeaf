// Package http serves priced tools over plain HTTP and talks to remote x402
// facilitators.
package http

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

	"github.com/nacorid/x402"
	"github.com/nacorid/x402/facilitator"
	"github.com/nacorid/x402/internal/solana"
	"github.com/nacorid/x402/pricing"
)

// AuthorizationProvider returns an Authorization header value. It is called
// for every request, including retries, and must be safe for concurrent use.
type AuthorizationProvider func(*http.Request) string

// OnBeforeFunc is called before a verify or settle request. Returning an
// error aborts the operation.
type OnBeforeFunc func(context.Context, x402.PaymentPayload, x402.PaymentRequirements) error

// OnAfterVerifyFunc is called after a verify request completes.
type OnAfterVerifyFunc func(context.Context, x402.PaymentPayload, x402.PaymentRequirements, *x402.VerifyResponse, error)

// OnAfterSettleFunc is called after a settle request completes.
type OnAfterSettleFunc func(context.Context, x402.PaymentPayload, x402.PaymentRequirements, *x402.SettleResponse, error)

// FacilitatorClient is a facilitator.Interface over the x402 facilitator
// HTTP API. Transport failures and 5xx responses are reported as
// x402.ErrFacilitatorUnavailable and retried; 4xx responses are semantic
// rejections (x402.ErrPaymentInvalid for verify, x402.ErrSettlementFailed
// for settle).
type FacilitatorClient struct {
	// BaseURL is the facilitator service URL (e.g., "https://x402.org/facilitator").
	BaseURL string

	// Client is the HTTP client to use. Defaults to http.DefaultClient.
	Client *http.Client

	// Timeouts bounds each request when the caller's context has no deadline.
	Timeouts x402.TimeoutConfig

	// MaxRetries is the number of retries after the first attempt (default: 0).
	MaxRetries int

	// RetryDelay is the initial delay between attempts (default: 100ms).
	// Backoff doubles on each retry.
	RetryDelay time.Duration

	// Authorization is a static Authorization header value.
	// AuthorizationProvider takes precedence when set.
	Authorization string

	AuthorizationProvider AuthorizationProvider

	OnBeforeVerify OnBeforeFunc
	OnAfterVerify  OnAfterVerifyFunc
	OnBeforeSettle OnBeforeFunc
	OnAfterSettle  OnAfterSettleFunc
}

var _ facilitator.Interface = (*FacilitatorClient)(nil)

func (c *FacilitatorClient) httpClient() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return http.DefaultClient
}

func (c *FacilitatorClient) setAuthorizationHeader(req *http.Request) {
	var authValue string
	if c.AuthorizationProvider != nil {
		authValue = c.AuthorizationProvider(req)
	} else if c.Authorization != "" {
		authValue = c.Authorization
	}
	if authValue != "" {
		req.Header.Set("Authorization", authValue)
	}
}

func (c *FacilitatorClient) backOff(ctx context.Context) backoff.BackOff {
	retryDelay := c.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 100 * time.Millisecond
	}
	maxRetries := c.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryDelay
	b.MaxInterval = retryDelay * 4
	b.Multiplier = 2.0
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(maxRetries)), ctx)
}

// retryUnavailable runs op until it succeeds, fails with something other
// than x402.ErrFacilitatorUnavailable, or b stops. The last error of op is
// returned even when b stopped because the context ended.
func retryUnavailable[T any](b backoff.BackOff, op func() (T, error)) (T, error) {
	var last error
	resp, err := backoff.RetryWithData(func() (T, error) {
		resp, err := op()
		last = err
		if err != nil && !isFacilitatorUnavailableError(err) {
			return resp, backoff.Permanent(err)
		}
		return resp, err
	}, b)
	if err != nil && last != nil {
		err = last
	}
	return resp, err
}

func (c *FacilitatorClient) url(path string) string {
	return strings.TrimRight(c.BaseURL, "/") + path
}

// Verify asks the facilitator whether payload satisfies requirements.
func (c *FacilitatorClient) Verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	if c.OnBeforeVerify != nil {
		if err := c.OnBeforeVerify(ctx, payload, requirements); err != nil {
			return nil, err
		}
	}

	data, err := json.Marshal(facilitator.VerifyRequest{
		X402Version:         x402.X402Version,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, resultErr := retryUnavailable(c.backOff(ctx), func() (*x402.VerifyResponse, error) {
		var verifyResp x402.VerifyResponse
		if err := c.post(ctx, "/verify", data, c.Timeouts.VerifyTimeout, x402.ErrPaymentInvalid, &verifyResp); err != nil {
			return nil, err
		}
		if verifyResp.Payer == "" {
			verifyResp.Payer = extractPayer(payload)
		}
		return &verifyResp, nil
	})

	if c.OnAfterVerify != nil {
		c.OnAfterVerify(ctx, payload, requirements, resp, resultErr)
	}
	return resp, resultErr
}

// Settle asks the facilitator to move the funds of a verified payload.
func (c *FacilitatorClient) Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.SettleResponse, error) {
	if c.OnBeforeSettle != nil {
		if err := c.OnBeforeSettle(ctx, payload, requirements); err != nil {
			return nil, err
		}
	}

	data, err := json.Marshal(facilitator.SettleRequest{
		X402Version:         x402.X402Version,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, resultErr := retryUnavailable(c.backOff(ctx), func() (*x402.SettleResponse, error) {
		var settleResp x402.SettleResponse
		if err := c.post(ctx, "/settle", data, c.Timeouts.SettleTimeout, x402.ErrSettlementFailed, &settleResp); err != nil {
			return nil, err
		}
		return &settleResp, nil
	})

	if c.OnAfterSettle != nil {
		c.OnAfterSettle(ctx, payload, requirements, resp, resultErr)
	}
	return resp, resultErr
}

func (c *FacilitatorClient) post(ctx context.Context, path string, body []byte, timeout time.Duration, rejected error, out interface{}) error {
	reqCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.url(path), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.setAuthorizationHeader(httpReq)

	httpResp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", x402.ErrFacilitatorUnavailable, err)
	}
	defer httpResp.Body.Close()

	switch {
	case httpResp.StatusCode >= 500 || httpResp.StatusCode == http.StatusTooManyRequests:
		return parseErrorResponse(httpResp, x402.ErrFacilitatorUnavailable)
	case httpResp.StatusCode != http.StatusOK:
		return parseErrorResponse(httpResp, rejected)
	}

	if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: failed to decode %s response: %v", x402.ErrFacilitatorUnavailable, path, err)
	}
	return nil
}

// Supported queries the facilitator for the payment kinds it handles.
func (c *FacilitatorClient) Supported(ctx context.Context) (*x402.SupportedResponse, error) {
	reqCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && c.Timeouts.VerifyTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, c.Timeouts.VerifyTimeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.url("/supported"), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setAuthorizationHeader(httpReq)

	httpResp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrFacilitatorUnavailable, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("supported endpoint failed: status %d", httpResp.StatusCode)
	}

	var supportedResp x402.SupportedResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&supportedResp); err != nil {
		return nil, fmt.Errorf("failed to decode supported response: %w", err)
	}
	return &supportedResp, nil
}

// EnrichPayouts folds the facilitator's per-network extra data (such as the
// Solana fee payer) into payouts. Values already configured win. On error
// the original table is returned with the error.
func (c *FacilitatorClient) EnrichPayouts(ctx context.Context, payouts *pricing.PayoutTable) (*pricing.PayoutTable, error) {
	supported, err := c.Supported(ctx)
	if err != nil {
		return payouts, fmt.Errorf("failed to fetch supported payment types: %w", err)
	}

	extra := make(map[string]map[string]interface{})
	for _, kind := range supported.Kinds {
		if kind.Scheme != x402.SchemeExact || len(kind.Extra) == 0 {
			continue
		}
		if kind.X402Version != 0 && kind.X402Version != x402.X402Version {
			continue
		}
		network, err := x402.NormalizeNetwork(kind.Network)
		if err != nil {
			continue
		}
		extra[network] = kind.Extra
	}
	return payouts.WithExtra(extra), nil
}

// parseErrorResponse extracts error details from a non-200 response.
func parseErrorResponse(resp *http.Response, baseErr error) error {
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var errBody map[string]interface{}
	if err := json.Unmarshal(bodyBytes, &errBody); err == nil {
		if reason, ok := errBody["invalidReason"].(string); ok && reason != "" {
			return fmt.Errorf("%w: status %d, reason: %s", baseErr, resp.StatusCode, reason)
		}
		if reason, ok := errBody["errorReason"].(string); ok && reason != "" {
			return fmt.Errorf("%w: status %d, reason: %s", baseErr, resp.StatusCode, reason)
		}
	}

	if len(bodyBytes) > 0 && len(bodyBytes) < 500 {
		return fmt.Errorf("%w: status %d, body: %s", baseErr, resp.StatusCode, string(bodyBytes))
	}
	return fmt.Errorf("%w: status %d", baseErr, resp.StatusCode)
}

// extractPayer reads the payer from an EVM authorization or the owner of a
// Solana transfer.
func extractPayer(payload x402.PaymentPayload) string {
	if evm, err := facilitator.DecodeEVMPayload(payload); err == nil {
		return evm.Authorization.From
	}
	svm, err := facilitator.DecodeSVMPayload(payload)
	if err != nil {
		return ""
	}
	transfer, err := solana.DecodeTransfer(svm.Transaction)
	if err != nil {
		return ""
	}
	return transfer.Owner.String()
}

func isFacilitatorUnavailableError(err error) bool {
	return errors.Is(err, x402.ErrFacilitatorUnavailable)
}
