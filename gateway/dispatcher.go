package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nacorid/x402"
	"github.com/nacorid/x402/challenge"
	"github.com/nacorid/x402/facilitator"
	"github.com/nacorid/x402/ledger"
	"github.com/nacorid/x402/pricing"
)

// Call is one tool invocation as received by a transport.
type Call struct {
	Tool string
	Args json.RawMessage

	// Payment is the caller's proof, nil when none was supplied.
	Payment *x402.PaymentPayload

	// Transport names the entry point for logs and events.
	Transport string
}

// Outcome is the successful (or partially successful) answer to a Call.
// Exactly one of Challenge and Result is set.
type Outcome struct {
	Result    json.RawMessage
	Receipt   *x402.Receipt
	Challenge *x402.PaymentRequired

	// Replayed is true when Result comes from the ledger rather than a new
	// execution.
	Replayed bool

	Nonce string
}

// Config wires a Dispatcher to its collaborators.
type Config struct {
	Catalog     *pricing.Catalog
	Challenges  *challenge.Generator
	Facilitator *facilitator.Client
	Ledger      ledger.Ledger

	// Timeouts bounds handler execution. Zero uses x402.DefaultTimeouts.
	Timeouts x402.TimeoutConfig

	// OnEvent receives lifecycle events. Optional.
	OnEvent x402.EventCallback

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Dispatcher runs the paid invocation flow: price, validate, challenge or
// verify, claim, execute, settle.
type Dispatcher struct {
	catalog     *pricing.Catalog
	challenges  *challenge.Generator
	facilitator *facilitator.Client
	ledger      ledger.Ledger
	timeouts    x402.TimeoutConfig
	onEvent     x402.EventCallback
	logger      *slog.Logger
	now         func() time.Time

	mu    sync.RWMutex
	tools map[string]Tool
}

// NewDispatcher checks cfg and creates a Dispatcher with no tools.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	switch {
	case cfg.Catalog == nil:
		return nil, fmt.Errorf("%w: price catalog is required", x402.ErrConfiguration)
	case cfg.Challenges == nil:
		return nil, fmt.Errorf("%w: challenge generator is required", x402.ErrConfiguration)
	case cfg.Facilitator == nil:
		return nil, fmt.Errorf("%w: facilitator client is required", x402.ErrConfiguration)
	case cfg.Ledger == nil:
		return nil, fmt.Errorf("%w: ledger is required", x402.ErrConfiguration)
	}

	timeouts := cfg.Timeouts.OrDefault()
	if err := timeouts.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	onEvent := cfg.OnEvent
	if onEvent == nil {
		onEvent = func(x402.InvocationEvent) {}
	}

	return &Dispatcher{
		catalog:     cfg.Catalog,
		challenges:  cfg.Challenges,
		facilitator: cfg.Facilitator,
		ledger:      cfg.Ledger,
		timeouts:    timeouts,
		onEvent:     onEvent,
		logger:      logger,
		now:         time.Now,
		tools:       make(map[string]Tool),
	}, nil
}

// Register adds a priced tool. The tool must have a price in the catalog.
func (d *Dispatcher) Register(tool Tool) error {
	if tool.Name == "" {
		return fmt.Errorf("%w: tool name is required", x402.ErrConfiguration)
	}
	if tool.Handler == nil {
		return fmt.Errorf("%w: tool %s has no handler", x402.ErrConfiguration, tool.Name)
	}
	if _, err := d.catalog.PriceOf(tool.Name); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.tools[tool.Name]; dup {
		return fmt.Errorf("%w: tool %s registered twice", x402.ErrConfiguration, tool.Name)
	}
	d.tools[tool.Name] = tool
	return nil
}

// Tool returns a registered tool.
func (d *Dispatcher) Tool(name string) (Tool, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.tools[name]
	return t, ok
}

// Tools lists registered tools by name.
func (d *Dispatcher) Tools() []Tool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Tool, 0, len(d.tools))
	for _, t := range d.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// PriceOf returns a tool's configured price.
func (d *Dispatcher) PriceOf(tool string) (x402.Price, error) {
	return d.catalog.PriceOf(tool)
}

// Handle runs one invocation. Errors are *x402.InvocationError, except
// ledger storage failures, which transports report as internal errors. A
// SETTLEMENT_FAILURE error comes with a non-nil Outcome carrying the result,
// since the side effect has happened.
func (d *Dispatcher) Handle(ctx context.Context, call Call) (*Outcome, error) {
	inv := &invocation{
		d:      d,
		call:   call,
		start:  d.now(),
		logger: d.logger.With("tool", call.Tool, "transport", call.Transport),
	}
	out, err := inv.run(ctx)
	if err != nil {
		inv.fail(ctx, err)
	}
	return out, err
}

// invocation carries the per-call state through the flow.
type invocation struct {
	d      *Dispatcher
	call   Call
	start  time.Time
	logger *slog.Logger

	nonce string
	proof x402.PaymentProof
}

func (inv *invocation) run(ctx context.Context) (*Outcome, error) {
	d := inv.d

	tool, ok := d.Tool(inv.call.Tool)
	if !ok {
		return nil, x402.Errorf(x402.ErrCodeConfiguration, "unknown tool %q", inv.call.Tool)
	}
	price, err := d.catalog.PriceOf(tool.Name)
	if err != nil {
		return nil, err
	}

	if tool.Validate != nil {
		if err := tool.Validate(inv.call.Args); err != nil {
			if x402.CodeOf(err) != x402.ErrCodeValidation {
				err = x402.NewInvocationError(x402.ErrCodeValidation, "invalid arguments", err)
			}
			return nil, err
		}
	}

	if inv.call.Payment == nil {
		return inv.challenge(ctx, tool, price)
	}

	inv.proof, err = facilitator.ParseProof(*inv.call.Payment)
	if err != nil {
		return nil, err
	}
	inv.nonce = inv.proof.Nonce
	inv.logger = inv.logger.With("nonce", inv.nonce, "network", inv.proof.Network)

	rec, err := d.ledger.Get(ctx, inv.nonce)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, x402.Errorf(x402.ErrCodePaymentInvalid, "unknown or expired nonce")
	}
	if err != nil {
		return nil, fmt.Errorf("ledger lookup: %w", err)
	}
	if rec.ToolID != tool.Name {
		return nil, x402.Errorf(x402.ErrCodePaymentInvalid, "nonce was issued for tool %q", rec.ToolID)
	}
	if !rec.State.Claimable() {
		return inv.replay(rec)
	}
	if rec.Expired(d.now()) {
		return nil, x402.Errorf(x402.ErrCodePaymentInvalid, "nonce expired at %s", rec.ExpiresAt.Format(time.RFC3339))
	}

	verification, err := d.facilitator.Verify(ctx, inv.proof, price, inv.nonce)
	if err != nil {
		return nil, err
	}
	inv.emit(x402.InvocationEvent{Type: x402.EventVerified, Payer: verification.Payer})

	if err := d.ledger.MarkVerified(ctx, inv.nonce, verification.Payer, inv.proof.Network); err != nil {
		if !errors.Is(err, ledger.ErrInvalidTransition) {
			return nil, fmt.Errorf("ledger verify: %w", err)
		}
		// Another request for this nonce got further; answer with its state.
		rec, err := d.ledger.Get(ctx, inv.nonce)
		if err != nil {
			return nil, fmt.Errorf("ledger lookup: %w", err)
		}
		return inv.replay(rec)
	}

	claim, rec, err := d.ledger.TryClaim(ctx, inv.nonce, d.now())
	if err != nil {
		return nil, fmt.Errorf("ledger claim: %w", err)
	}
	switch claim {
	case ledger.Claimed:
	case ledger.AlreadyClaimed:
		return inv.replay(rec)
	case ledger.Expired:
		return nil, x402.Errorf(x402.ErrCodePaymentInvalid, "nonce expired")
	default:
		return nil, x402.Errorf(x402.ErrCodePaymentInvalid, "unknown or expired nonce")
	}

	return inv.execute(ctx, tool, verification)
}

func (inv *invocation) challenge(ctx context.Context, tool Tool, price x402.Price) (*Outcome, error) {
	pr, err := inv.d.challenges.Issue(ctx, tool.Name, price)
	if err != nil {
		var ie *x402.InvocationError
		if errors.As(err, &ie) {
			return nil, err
		}
		return nil, x402.NewInvocationError(x402.ErrCodeConfiguration, "cannot issue challenge", err)
	}
	if tool.Description != "" {
		pr.Resource.Description = tool.Description
	}
	inv.nonce = pr.Nonce
	inv.emit(x402.InvocationEvent{Type: x402.EventChallenged, Amount: price.String()})
	inv.logger.InfoContext(ctx, "issued payment challenge", "nonce", pr.Nonce, "price", price.String())
	return &Outcome{Challenge: pr, Nonce: pr.Nonce}, nil
}

// execute runs the claimed invocation to a terminal state. From here on the
// caller's context no longer cancels anything.
func (inv *invocation) execute(ctx context.Context, tool Tool, v *facilitator.Verification) (*Outcome, error) {
	d := inv.d
	bg := context.WithoutCancel(ctx)

	hctx, cancel := context.WithTimeout(WithNonce(bg, inv.nonce), d.timeouts.HandlerTimeout)
	result, err := runHandler(hctx, tool.Handler, inv.call.Args)
	cancel()

	if err != nil {
		inv.logger.ErrorContext(ctx, "tool handler failed", "error", err)
		failure := ledger.Failure{Code: x402.ErrCodeHandlerError, Message: err.Error()}
		if ferr := d.ledger.Fail(bg, inv.nonce, failure, nil); ferr != nil {
			inv.logger.ErrorContext(ctx, "failed to record handler failure", "error", ferr)
		}
		return nil, x402.NewInvocationError(x402.ErrCodeHandlerError, "tool execution failed", err)
	}

	receipt, err := d.facilitator.Settle(bg, v)
	if err != nil {
		inv.logger.ErrorContext(ctx, "settlement failed after execution; needs reconciliation",
			"payer", v.Payer, "amount", v.Requirements.Amount, "error", err)
		failure := ledger.Failure{Code: x402.ErrCodeSettlementFailure, Message: err.Error()}
		if ferr := d.ledger.Fail(bg, inv.nonce, failure, result); ferr != nil {
			inv.logger.ErrorContext(ctx, "failed to record settlement failure", "error", ferr)
		}
		return &Outcome{Result: result, Nonce: inv.nonce}, settlementError(err)
	}

	if err := d.ledger.Complete(bg, inv.nonce, result, *receipt); err != nil {
		inv.logger.ErrorContext(ctx, "failed to record settled invocation", "error", err)
	}
	inv.emit(x402.InvocationEvent{
		Type:        x402.EventSettled,
		Network:     receipt.Network,
		Amount:      receipt.Amount,
		Payer:       receipt.Payer,
		Transaction: receipt.ID,
	})
	inv.logger.InfoContext(ctx, "invocation settled", "transaction", receipt.ID, "payer", receipt.Payer)
	return &Outcome{Result: result, Receipt: receipt, Nonce: inv.nonce}, nil
}

// replay answers a nonce that already left the claimable states.
func (inv *invocation) replay(rec *ledger.Record) (*Outcome, error) {
	switch rec.State {
	case ledger.StateSettled:
		ev := x402.InvocationEvent{Type: x402.EventReplayed, Network: rec.Network, Payer: rec.Payer}
		if rec.Receipt != nil {
			ev.Transaction = rec.Receipt.ID
			ev.Amount = rec.Receipt.Amount
		}
		inv.emit(ev)
		return &Outcome{Result: rec.Result, Receipt: rec.Receipt, Replayed: true, Nonce: rec.Nonce}, nil
	case ledger.StateFailed:
		return nil, x402.Errorf(x402.ErrCodeHandlerError, "tool execution failed: %s", failureMessage(rec))
	case ledger.StateSettlementFailed:
		out := &Outcome{Result: rec.Result, Replayed: true, Nonce: rec.Nonce}
		return out, x402.Errorf(x402.ErrCodeSettlementFailure, "settlement failed: %s", failureMessage(rec))
	case ledger.StateExpired:
		return nil, x402.Errorf(x402.ErrCodePaymentInvalid, "nonce expired")
	default:
		return nil, x402.Errorf(x402.ErrCodeDuplicateInvocation, "invocation is already %s", rec.State)
	}
}

func (inv *invocation) emit(ev x402.InvocationEvent) {
	ev.Timestamp = inv.d.now()
	ev.Transport = inv.call.Transport
	ev.Tool = inv.call.Tool
	if ev.Nonce == "" {
		ev.Nonce = inv.nonce
	}
	if ev.Network == "" {
		ev.Network = inv.proof.Network
	}
	ev.Duration = ev.Timestamp.Sub(inv.start)
	inv.d.onEvent(ev)
}

func (inv *invocation) fail(ctx context.Context, err error) {
	var ie *x402.InvocationError
	if errors.As(err, &ie) && inv.nonce != "" && ie.Nonce == "" {
		ie.Nonce = inv.nonce
	}
	code := x402.CodeOf(err)
	inv.emit(x402.InvocationEvent{Type: x402.EventFailed, Code: code, Error: err})

	level := slog.LevelInfo
	switch code {
	case x402.ErrCodeFacilitatorUnavailable, x402.ErrCodeSettlementFailure, x402.ErrCodeConfiguration:
		level = slog.LevelWarn
	}
	inv.logger.Log(ctx, level, "invocation rejected", "code", code, "error", err)
}

// runHandler converts handler panics into errors so the nonce still reaches
// a terminal state.
func runHandler(ctx context.Context, h HandlerFunc, args json.RawMessage) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	result, err = h(ctx, args)
	if err == nil && len(result) == 0 {
		result = json.RawMessage("null")
	}
	return result, err
}

func settlementError(err error) error {
	var ie *x402.InvocationError
	if errors.As(err, &ie) && ie.Code == x402.ErrCodeSettlementFailure {
		return err
	}
	return x402.NewInvocationError(x402.ErrCodeSettlementFailure, "settlement failed", err)
}

func failureMessage(rec *ledger.Record) string {
	if rec.Failure == nil {
		return string(rec.State)
	}
	return rec.Failure.Message
}
