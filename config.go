package x402

import (
	"fmt"
	"time"
)

// DefaultMaxTimeoutSeconds is the authorization window offered in
// challenges and expected by facilitators.
const DefaultMaxTimeoutSeconds = 300

// TimeoutConfig bounds every blocking step of a paid invocation.
type TimeoutConfig struct {
	// VerifyTimeout is the maximum time to wait for the facilitator's /verify.
	VerifyTimeout time.Duration

	// SettleTimeout is the maximum time to wait for the facilitator's /settle.
	SettleTimeout time.Duration

	// HandlerTimeout is the maximum time a tool handler may run once claimed.
	HandlerTimeout time.Duration

	// RequestTimeout is the per-request timeout of the facilitator HTTP client.
	RequestTimeout time.Duration
}

// DefaultTimeouts are used when a component is given a zero TimeoutConfig.
var DefaultTimeouts = TimeoutConfig{
	VerifyTimeout:  5 * time.Second,
	SettleTimeout:  60 * time.Second,
	HandlerTimeout: 30 * time.Second,
	RequestTimeout: 120 * time.Second,
}

// WithVerifyTimeout returns a copy with the verify timeout replaced.
func (tc TimeoutConfig) WithVerifyTimeout(d time.Duration) TimeoutConfig {
	tc.VerifyTimeout = d
	return tc
}

// WithSettleTimeout returns a copy with the settle timeout replaced.
func (tc TimeoutConfig) WithSettleTimeout(d time.Duration) TimeoutConfig {
	tc.SettleTimeout = d
	return tc
}

// WithHandlerTimeout returns a copy with the handler timeout replaced.
func (tc TimeoutConfig) WithHandlerTimeout(d time.Duration) TimeoutConfig {
	tc.HandlerTimeout = d
	return tc
}

// WithRequestTimeout returns a copy with the request timeout replaced.
func (tc TimeoutConfig) WithRequestTimeout(d time.Duration) TimeoutConfig {
	tc.RequestTimeout = d
	return tc
}

// OrDefault returns DefaultTimeouts when tc is the zero value.
func (tc TimeoutConfig) OrDefault() TimeoutConfig {
	if tc == (TimeoutConfig{}) {
		return DefaultTimeouts
	}
	return tc
}

// Validate ensures timeout values are usable.
func (tc TimeoutConfig) Validate() error {
	if tc.VerifyTimeout <= 0 {
		return fmt.Errorf("%w: verify timeout must be positive, got %v", ErrConfiguration, tc.VerifyTimeout)
	}
	if tc.SettleTimeout <= 0 {
		return fmt.Errorf("%w: settle timeout must be positive, got %v", ErrConfiguration, tc.SettleTimeout)
	}
	if tc.HandlerTimeout <= 0 {
		return fmt.Errorf("%w: handler timeout must be positive, got %v", ErrConfiguration, tc.HandlerTimeout)
	}
	if tc.RequestTimeout <= 0 {
		return fmt.Errorf("%w: request timeout must be positive, got %v", ErrConfiguration, tc.RequestTimeout)
	}
	if tc.SettleTimeout < tc.VerifyTimeout {
		return fmt.Errorf("%w: settle timeout (%v) should be >= verify timeout (%v)",
			ErrConfiguration, tc.SettleTimeout, tc.VerifyTimeout)
	}
	return nil
}
