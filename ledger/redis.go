package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nacorid/x402"
)

// Each record is a hash at <prefix><nonce>. Unclaimed nonces are also
// indexed in the sorted set <prefix>pending by expiry so Sweep can find them
// without scanning the keyspace. Records in any state are removed by Redis
// key expiry once their retention has elapsed.
var (
	reserveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1], 'nonce', ARGV[1], 'tool', ARGV[2], 'state', 'CHALLENGED', 'created_ms', ARGV[3], 'expires_ms', ARGV[4])
redis.call('PEXPIREAT', KEYS[1], ARGV[5])
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[1])
return 1
`)

	markVerifiedScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'state')
if not st then return -1 end
if st ~= 'CHALLENGED' and st ~= 'VERIFIED' then return 0 end
redis.call('HSET', KEYS[1], 'state', 'VERIFIED', 'payer', ARGV[1], 'network', ARGV[2])
return 1
`)

	tryClaimScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'state')
if not st then return 'NOT_FOUND' end
if st == 'EXPIRED' then return 'EXPIRED' end
if st == 'CHALLENGED' or st == 'VERIFIED' then
  if tonumber(ARGV[1]) >= tonumber(redis.call('HGET', KEYS[1], 'expires_ms')) then
    redis.call('HSET', KEYS[1], 'state', 'EXPIRED')
    redis.call('ZREM', KEYS[2], ARGV[2])
    return 'EXPIRED'
  end
  redis.call('HSET', KEYS[1], 'state', 'EXECUTING', 'claimed_ms', ARGV[1])
  redis.call('ZREM', KEYS[2], ARGV[2])
  return 'CLAIMED'
end
return 'TAKEN'
`)

	finishScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'state')
if not st then return -1 end
if st ~= 'EXECUTING' then return 0 end
redis.call('HSET', KEYS[1], 'state', ARGV[1], 'result', ARGV[2], 'failure', ARGV[3], 'receipt', ARGV[4])
return 1
`)

	expireScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'state')
redis.call('ZREM', KEYS[2], ARGV[1])
if st == 'CHALLENGED' or st == 'VERIFIED' then
  redis.call('HSET', KEYS[1], 'state', 'EXPIRED')
  return 1
end
return 0
`)
)

// DefaultRedisPrefix namespaces ledger keys.
const DefaultRedisPrefix = "x402:ledger:"

// Redis is a Ledger shared by every gateway instance pointed at the same
// Redis. Transitions run as Lua scripts and are atomic.
type Redis struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
}

// RedisOption configures a Redis ledger.
type RedisOption func(*Redis)

// WithRedisPrefix sets the key prefix.
func WithRedisPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		r.prefix = prefix
	}
}

// WithRedisRetention sets how long records survive past expiry.
func WithRedisRetention(d time.Duration) RedisOption {
	return func(r *Redis) {
		r.retention = d
	}
}

// NewRedis wraps an existing client.
func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{
		client:    client,
		prefix:    DefaultRedisPrefix,
		retention: DefaultRetention,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var _ Ledger = (*Redis)(nil)

func (r *Redis) key(nonce string) string { return r.prefix + nonce }
func (r *Redis) pendingKey() string      { return r.prefix + "pending" }

func (r *Redis) Reserve(ctx context.Context, nonce, toolID string, createdAt, expiresAt time.Time) error {
	ok, err := reserveScript.Run(ctx, r.client,
		[]string{r.key(nonce), r.pendingKey()},
		nonce, toolID, createdAt.UnixMilli(), expiresAt.UnixMilli(), expiresAt.Add(r.retention).UnixMilli(),
	).Int()
	if err != nil {
		return fmt.Errorf("ledger: reserve %s: %w", nonce, err)
	}
	if ok == 0 {
		return fmt.Errorf("%w: %s", ErrNonceExists, nonce)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, nonce string) (*Record, error) {
	fields, err := r.client.HGetAll(ctx, r.key(nonce)).Result()
	if err != nil {
		return nil, fmt.Errorf("ledger: get %s: %w", nonce, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return decodeRedisRecord(fields)
}

func (r *Redis) MarkVerified(ctx context.Context, nonce, payer, network string) error {
	res, err := markVerifiedScript.Run(ctx, r.client, []string{r.key(nonce)}, payer, network).Int()
	if err != nil {
		return fmt.Errorf("ledger: mark verified %s: %w", nonce, err)
	}
	return transitionResult(nonce, res)
}

func (r *Redis) TryClaim(ctx context.Context, nonce string, now time.Time) (ClaimOutcome, *Record, error) {
	res, err := tryClaimScript.Run(ctx, r.client,
		[]string{r.key(nonce), r.pendingKey()}, now.UnixMilli(), nonce,
	).Text()
	if err != nil {
		return 0, nil, fmt.Errorf("ledger: claim %s: %w", nonce, err)
	}
	if res == "NOT_FOUND" {
		return NotFound, nil, nil
	}

	rec, err := r.Get(ctx, nonce)
	if err != nil {
		return 0, nil, err
	}
	switch res {
	case "CLAIMED":
		return Claimed, rec, nil
	case "EXPIRED":
		return Expired, rec, nil
	default:
		return AlreadyClaimed, rec, nil
	}
}

func (r *Redis) Complete(ctx context.Context, nonce string, result json.RawMessage, receipt x402.Receipt) error {
	rc, err := json.Marshal(receipt)
	if err != nil {
		return fmt.Errorf("ledger: encode receipt: %w", err)
	}
	return r.finish(ctx, nonce, StateSettled, result, "", string(rc))
}

func (r *Redis) Fail(ctx context.Context, nonce string, failure Failure, result json.RawMessage) error {
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
	return r.finish(ctx, nonce, state, result, string(f), "")
}

func (r *Redis) finish(ctx context.Context, nonce string, state State, result json.RawMessage, failure, receipt string) error {
	res, err := finishScript.Run(ctx, r.client, []string{r.key(nonce)},
		string(state), string(result), failure, receipt,
	).Int()
	if err != nil {
		return fmt.Errorf("ledger: finish %s: %w", nonce, err)
	}
	return transitionResult(nonce, res)
}

func (r *Redis) Sweep(ctx context.Context, now time.Time) (expired, removed int, err error) {
	nonces, err := r.client.ZRangeByScore(ctx, r.pendingKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("ledger: sweep: %w", err)
	}

	for _, nonce := range nonces {
		n, err := expireScript.Run(ctx, r.client, []string{r.key(nonce), r.pendingKey()}, nonce).Int()
		if err != nil {
			return expired, 0, fmt.Errorf("ledger: sweep %s: %w", nonce, err)
		}
		expired += n
	}
	return expired, 0, nil
}

func transitionResult(nonce string, res int) error {
	switch res {
	case 1:
		return nil
	case -1:
		return ErrNotFound
	default:
		return fmt.Errorf("%w: %s", ErrInvalidTransition, nonce)
	}
}

func decodeRedisRecord(f map[string]string) (*Record, error) {
	rec := &Record{
		Nonce:   f["nonce"],
		ToolID:  f["tool"],
		State:   State(f["state"]),
		Payer:   f["payer"],
		Network: f["network"],
	}
	var err error
	if rec.CreatedAt, err = parseMillis(f["created_ms"]); err != nil {
		return nil, err
	}
	if rec.ExpiresAt, err = parseMillis(f["expires_ms"]); err != nil {
		return nil, err
	}
	if rec.ClaimedAt, err = parseMillis(f["claimed_ms"]); err != nil {
		return nil, err
	}
	if v := f["result"]; v != "" {
		rec.Result = json.RawMessage(v)
	}
	if v := f["failure"]; v != "" {
		rec.Failure = new(Failure)
		if err := json.Unmarshal([]byte(v), rec.Failure); err != nil {
			return nil, fmt.Errorf("ledger: decode failure: %w", err)
		}
	}
	if v := f["receipt"]; v != "" {
		rec.Receipt = new(x402.Receipt)
		if err := json.Unmarshal([]byte(v), rec.Receipt); err != nil {
			return nil, fmt.Errorf("ledger: decode receipt: %w", err)
		}
	}
	return rec, nil
}

func parseMillis(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, errors.New("ledger: corrupt timestamp " + strconv.Quote(s))
	}
	return time.UnixMilli(ms), nil
}
