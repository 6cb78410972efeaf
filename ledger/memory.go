package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nacorid/x402"
)

// Memory is a single-process Ledger guarded by one mutex. No call blocks
// on I/O while holding the lock.
type Memory struct {
	mu        sync.Mutex
	records   map[string]*Record
	retention time.Duration
}

// MemoryOption configures a Memory ledger.
type MemoryOption func(*Memory)

// WithMemoryRetention sets how long records survive past expiry.
func WithMemoryRetention(d time.Duration) MemoryOption {
	return func(m *Memory) {
		m.retention = d
	}
}

// NewMemory creates an empty in-memory ledger.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		records:   make(map[string]*Record),
		retention: DefaultRetention,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var _ Ledger = (*Memory)(nil)

func (m *Memory) Reserve(_ context.Context, nonce, toolID string, createdAt, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[nonce]; ok {
		return fmt.Errorf("%w: %s", ErrNonceExists, nonce)
	}
	m.records[nonce] = &Record{
		Nonce:     nonce,
		ToolID:    toolID,
		State:     StateChallenged,
		CreatedAt: createdAt,
		ExpiresAt: expiresAt,
	}
	return nil
}

func (m *Memory) Get(_ context.Context, nonce string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[nonce]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.clone(), nil
}

func (m *Memory) MarkVerified(_ context.Context, nonce, payer, network string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[nonce]
	if !ok {
		return ErrNotFound
	}
	if !rec.State.Claimable() {
		return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, nonce, rec.State)
	}
	rec.State = StateVerified
	rec.Payer = payer
	rec.Network = network
	return nil
}

func (m *Memory) TryClaim(_ context.Context, nonce string, now time.Time) (ClaimOutcome, *Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[nonce]
	if !ok {
		return NotFound, nil, nil
	}

	switch {
	case rec.Expired(now):
		rec.State = StateExpired
		return Expired, rec.clone(), nil
	case rec.State.Claimable():
		rec.State = StateExecuting
		rec.ClaimedAt = now
		return Claimed, rec.clone(), nil
	default:
		return AlreadyClaimed, rec.clone(), nil
	}
}

func (m *Memory) Complete(_ context.Context, nonce string, result json.RawMessage, receipt x402.Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.executing(nonce)
	if err != nil {
		return err
	}
	rec.State = StateSettled
	rec.Result = append(json.RawMessage(nil), result...)
	rec.Receipt = &receipt
	return nil
}

func (m *Memory) Fail(_ context.Context, nonce string, failure Failure, result json.RawMessage) error {
	state, err := failState(failure)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.executing(nonce)
	if err != nil {
		return err
	}
	rec.State = state
	rec.Failure = &failure
	if state == StateSettlementFailed {
		rec.Result = append(json.RawMessage(nil), result...)
	}
	return nil
}

func (m *Memory) executing(nonce string) (*Record, error) {
	rec, ok := m.records[nonce]
	if !ok {
		return nil, ErrNotFound
	}
	if rec.State != StateExecuting {
		return nil, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, nonce, rec.State)
	}
	return rec, nil
}

func (m *Memory) Sweep(_ context.Context, now time.Time) (expired, removed int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for nonce, rec := range m.records {
		if rec.State.Claimable() && !now.Before(rec.ExpiresAt) {
			rec.State = StateExpired
			expired++
		}
		if !now.Before(rec.ExpiresAt.Add(m.retention)) {
			delete(m.records, nonce)
			removed++
		}
	}
	return expired, removed, nil
}

// Len returns the number of records held.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
