package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nacorid/x402"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS x402_invocations (
  nonce           TEXT PRIMARY KEY,
  tool_id         TEXT NOT NULL,
  state           TEXT NOT NULL,
  created_at      TIMESTAMPTZ NOT NULL,
  expires_at      TIMESTAMPTZ NOT NULL,
  claimed_at      TIMESTAMPTZ,
  payer           TEXT NOT NULL DEFAULT '',
  network         TEXT NOT NULL DEFAULT '',
  result          JSONB,
  failure         JSONB,
  receipt         JSONB,
  updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS x402_invocations_pending_idx
  ON x402_invocations (expires_at) WHERE state IN ('CHALLENGED', 'VERIFIED');
`

const selectRecord = `
SELECT nonce, tool_id, state, created_at, expires_at, claimed_at, payer, network, result, failure, receipt
FROM x402_invocations WHERE nonce = $1`

// Postgres is a Ledger persisted in a single table. Transitions are
// conditional UPDATEs on the state column, so row locking arbitrates
// concurrent claims across instances.
type Postgres struct {
	pool      *pgxpool.Pool
	retention time.Duration
}

// PostgresOption configures a Postgres ledger.
type PostgresOption func(*Postgres)

// WithPostgresRetention sets how long records survive past expiry.
func WithPostgresRetention(d time.Duration) PostgresOption {
	return func(p *Postgres) {
		p.retention = d
	}
}

// NewPostgres connects to dsn and creates the schema if needed.
func NewPostgres(ctx context.Context, dsn string, opts ...PostgresOption) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	p := &Postgres{pool: pool, retention: DefaultRetention}
	for _, opt := range opts {
		opt(p)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init ledger schema: %w", err)
	}
	return p, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

var _ Ledger = (*Postgres)(nil)

func (p *Postgres) Reserve(ctx context.Context, nonce, toolID string, createdAt, expiresAt time.Time) error {
	tag, err := p.pool.Exec(ctx, `
INSERT INTO x402_invocations (nonce, tool_id, state, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (nonce) DO NOTHING`,
		nonce, toolID, string(StateChallenged), createdAt, expiresAt)
	if err != nil {
		return fmt.Errorf("ledger: reserve %s: %w", nonce, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNonceExists, nonce)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, nonce string) (*Record, error) {
	rec, err := scanRecord(p.pool.QueryRow(ctx, selectRecord, nonce))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: get %s: %w", nonce, err)
	}
	return rec, nil
}

func (p *Postgres) MarkVerified(ctx context.Context, nonce, payer, network string) error {
	tag, err := p.pool.Exec(ctx, `
UPDATE x402_invocations SET state = $2, payer = $3, network = $4, updated_at = now()
WHERE nonce = $1 AND state IN ('CHALLENGED', 'VERIFIED')`,
		nonce, string(StateVerified), payer, network)
	if err != nil {
		return fmt.Errorf("ledger: mark verified %s: %w", nonce, err)
	}
	return p.checkTransition(ctx, nonce, tag.RowsAffected())
}

func (p *Postgres) TryClaim(ctx context.Context, nonce string, now time.Time) (ClaimOutcome, *Record, error) {
	var state string
	err := p.pool.QueryRow(ctx, `
UPDATE x402_invocations
SET state = CASE WHEN expires_at <= $2 THEN 'EXPIRED' ELSE 'EXECUTING' END,
    claimed_at = CASE WHEN expires_at <= $2 THEN NULL ELSE $2 END,
    updated_at = now()
WHERE nonce = $1 AND state IN ('CHALLENGED', 'VERIFIED')
RETURNING state`, nonce, now).Scan(&state)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return 0, nil, fmt.Errorf("ledger: claim %s: %w", nonce, err)
	}

	rec, getErr := p.Get(ctx, nonce)
	if errors.Is(getErr, ErrNotFound) {
		return NotFound, nil, nil
	}
	if getErr != nil {
		return 0, nil, getErr
	}

	if err == nil {
		if State(state) == StateExecuting {
			return Claimed, rec, nil
		}
		return Expired, rec, nil
	}

	if rec.State == StateExpired {
		return Expired, rec, nil
	}
	return AlreadyClaimed, rec, nil
}

func (p *Postgres) Complete(ctx context.Context, nonce string, result json.RawMessage, receipt x402.Receipt) error {
	rc, err := json.Marshal(receipt)
	if err != nil {
		return fmt.Errorf("ledger: encode receipt: %w", err)
	}
	return p.finish(ctx, nonce, StateSettled, result, nil, rc)
}

func (p *Postgres) Fail(ctx context.Context, nonce string, failure Failure, result json.RawMessage) error {
	state, err := failState(failure)
	if err != nil {
		return err
	}
	f, err := json.Marshal(failure)
	if err != nil {
		return fmt.Errorf("ledger: encode failure: %w", err)
	}
	if state == StateFailed {
		result = nil
	}
	return p.finish(ctx, nonce, state, result, f, nil)
}

func (p *Postgres) finish(ctx context.Context, nonce string, state State, result, failure, receipt []byte) error {
	tag, err := p.pool.Exec(ctx, `
UPDATE x402_invocations SET state = $2, result = $3, failure = $4, receipt = $5, updated_at = now()
WHERE nonce = $1 AND state = 'EXECUTING'`,
		nonce, string(state), nullJSON(result), nullJSON(failure), nullJSON(receipt))
	if err != nil {
		return fmt.Errorf("ledger: finish %s: %w", nonce, err)
	}
	return p.checkTransition(ctx, nonce, tag.RowsAffected())
}

func (p *Postgres) Sweep(ctx context.Context, now time.Time) (expired, removed int, err error) {
	tag, err := p.pool.Exec(ctx, `
UPDATE x402_invocations SET state = 'EXPIRED', updated_at = now()
WHERE state IN ('CHALLENGED', 'VERIFIED') AND expires_at <= $1`, now)
	if err != nil {
		return 0, 0, fmt.Errorf("ledger: sweep expire: %w", err)
	}
	expired = int(tag.RowsAffected())

	tag, err = p.pool.Exec(ctx, `
DELETE FROM x402_invocations WHERE expires_at <= $1`,
		now.Add(-p.retention))
	if err != nil {
		return expired, 0, fmt.Errorf("ledger: sweep delete: %w", err)
	}
	return expired, int(tag.RowsAffected()), nil
}

func (p *Postgres) checkTransition(ctx context.Context, nonce string, affected int64) error {
	if affected > 0 {
		return nil
	}
	if _, err := p.Get(ctx, nonce); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ErrInvalidTransition, nonce)
}

func scanRecord(row pgx.Row) (*Record, error) {
	var (
		rec                      Record
		state                    string
		claimedAt                *time.Time
		result, failure, receipt []byte
	)
	if err := row.Scan(&rec.Nonce, &rec.ToolID, &state, &rec.CreatedAt, &rec.ExpiresAt,
		&claimedAt, &rec.Payer, &rec.Network, &result, &failure, &receipt); err != nil {
		return nil, err
	}
	rec.State = State(state)
	if claimedAt != nil {
		rec.ClaimedAt = *claimedAt
	}
	if len(result) > 0 {
		rec.Result = json.RawMessage(result)
	}
	if len(failure) > 0 {
		rec.Failure = new(Failure)
		if err := json.Unmarshal(failure, rec.Failure); err != nil {
			return nil, fmt.Errorf("decode failure: %w", err)
		}
	}
	if len(receipt) > 0 {
		rec.Receipt = new(x402.Receipt)
		if err := json.Unmarshal(receipt, rec.Receipt); err != nil {
			return nil, fmt.Errorf("decode receipt: %w", err)
		}
	}
	return &rec, nil
}

func nullJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
