// Package ledger records every issued nonce and moves it through the
// invocation state machine:
//
//	CHALLENGED -> VERIFIED -> EXECUTING -> SETTLED
//	CHALLENGED -> EXECUTING
//	CHALLENGED | VERIFIED -> EXPIRED
//	EXECUTING -> FAILED | SETTLEMENT_FAILED
//
// TryClaim is the only way into EXECUTING and succeeds at most once per
// nonce, which is what guarantees a paid tool runs at most once. All
// backends (Memory, Redis, Postgres) provide the same guarantees.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nacorid/x402"
)

// State is the lifecycle position of an invocation.
type State string

const (
	StateChallenged       State = "CHALLENGED"
	StateVerified         State = "VERIFIED"
	StateExecuting        State = "EXECUTING"
	StateSettled          State = "SETTLED"
	StateExpired          State = "EXPIRED"
	StateFailed           State = "FAILED"
	StateSettlementFailed State = "SETTLEMENT_FAILED"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StateSettled, StateExpired, StateFailed, StateSettlementFailed:
		return true
	}
	return false
}

// Claimable reports whether a record in s may still be claimed, given time.
func (s State) Claimable() bool {
	return s == StateChallenged || s == StateVerified
}

var (
	// ErrNotFound is returned for nonces the ledger never issued or has forgotten.
	ErrNotFound = errors.New("ledger: nonce not found")

	// ErrNonceExists is returned by Reserve for an already reserved nonce.
	ErrNonceExists = errors.New("ledger: nonce already reserved")

	// ErrInvalidTransition is returned when a record is not in a state that
	// allows the requested transition.
	ErrInvalidTransition = errors.New("ledger: invalid state transition")
)

// Failure is the stored outcome of a FAILED or SETTLEMENT_FAILED record.
type Failure struct {
	// Code is ErrCodeHandlerError or ErrCodeSettlementFailure.
	Code    x402.ErrorCode `json:"code"`
	Message string         `json:"message"`
}

// Record is the ledger entry for one nonce.
type Record struct {
	Nonce     string
	ToolID    string
	State     State
	CreatedAt time.Time
	ExpiresAt time.Time
	ClaimedAt time.Time

	// Payer and Network are set once a proof has been verified.
	Payer   string
	Network string

	// Result is the tool output, kept for SETTLED and SETTLEMENT_FAILED replays.
	Result json.RawMessage

	Failure *Failure
	Receipt *x402.Receipt
}

// Expired reports whether an unclaimed record is past its expiry at now.
func (r *Record) Expired(now time.Time) bool {
	return r.State == StateExpired || (r.State.Claimable() && !now.Before(r.ExpiresAt))
}

func (r *Record) clone() *Record {
	c := *r
	if r.Result != nil {
		c.Result = append(json.RawMessage(nil), r.Result...)
	}
	if r.Failure != nil {
		f := *r.Failure
		c.Failure = &f
	}
	if r.Receipt != nil {
		rc := *r.Receipt
		c.Receipt = &rc
	}
	return &c
}

// ClaimOutcome is the result of TryClaim.
type ClaimOutcome int

const (
	// Claimed means the caller now owns execution of the nonce.
	Claimed ClaimOutcome = iota + 1
	// AlreadyClaimed means another caller claimed it first.
	AlreadyClaimed
	// Expired means the nonce passed its expiry before being claimed.
	Expired
	// NotFound means the ledger has no record of the nonce.
	NotFound
)

func (o ClaimOutcome) String() string {
	switch o {
	case Claimed:
		return "claimed"
	case AlreadyClaimed:
		return "already_claimed"
	case Expired:
		return "expired"
	case NotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Ledger is the shared store of invocation records. Every method is atomic
// with respect to the nonce it touches.
type Ledger interface {
	// Reserve creates a CHALLENGED record.
	Reserve(ctx context.Context, nonce, toolID string, createdAt, expiresAt time.Time) error

	// Get returns a copy of the record for nonce.
	Get(ctx context.Context, nonce string) (*Record, error)

	// MarkVerified moves CHALLENGED to VERIFIED and records who paid. It is
	// idempotent for VERIFIED records.
	MarkVerified(ctx context.Context, nonce, payer, network string) error

	// TryClaim moves a CHALLENGED or VERIFIED record to EXECUTING if it has
	// not expired. An expired unclaimed record is moved to EXPIRED. The
	// returned record reflects the state after the call.
	TryClaim(ctx context.Context, nonce string, now time.Time) (ClaimOutcome, *Record, error)

	// Complete moves EXECUTING to SETTLED with the result and receipt.
	Complete(ctx context.Context, nonce string, result json.RawMessage, receipt x402.Receipt) error

	// Fail moves EXECUTING to FAILED (handler errors) or SETTLEMENT_FAILED
	// (settlement errors, keeping result).
	Fail(ctx context.Context, nonce string, failure Failure, result json.RawMessage) error

	// Sweep expires stale unclaimed records and forgets every record whose
	// retention has elapsed, including EXECUTING records whose outcome was
	// never written. It returns how many records it expired and how many it
	// removed.
	Sweep(ctx context.Context, now time.Time) (expired, removed int, err error)
}

// DefaultRetention is how long records are kept past their expiry so reused
// nonces keep replaying their stored outcome.
const DefaultRetention = 24 * time.Hour

// failState maps a failure code to its terminal state.
func failState(f Failure) (State, error) {
	switch f.Code {
	case x402.ErrCodeHandlerError:
		return StateFailed, nil
	case x402.ErrCodeSettlementFailure:
		return StateSettlementFailed, nil
	default:
		return "", errors.New("ledger: failure code must be HANDLER_ERROR or SETTLEMENT_FAILURE")
	}
}
