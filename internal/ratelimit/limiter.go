// Package ratelimit is a distributed token-bucket admission gate keyed by
// tenant. Bucket state lives in Redis as a hash with two fields:
//
//   - "tokens": current balance (float)
//   - "last_refill": last update, milliseconds since the epoch
//
// Refill and debit happen inside one Lua script, so concurrent gateway
// processes can never both spend the same tokens. Buckets carry no TTL; a
// missing bucket is created full on first access.
//
// When the store cannot be reached the Limiter fails in the configured
// direction: closed (reject, the default) or open (admit and log).
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrStoreUnavailable is returned when the store could not decide a request
// and the Limiter is failing closed.
var ErrStoreUnavailable = errors.New("ratelimit: store unavailable")

// FailureMode selects the outcome when the store is unreachable.
type FailureMode int

const (
	FailClosed FailureMode = iota
	FailOpen
)

func (m FailureMode) String() string {
	if m == FailOpen {
		return "open"
	}
	return "closed"
}

// ParseFailureMode accepts "open" or "closed".
func ParseFailureMode(s string) (FailureMode, error) {
	switch s {
	case "", "closed":
		return FailClosed, nil
	case "open":
		return FailOpen, nil
	}
	return FailClosed, fmt.Errorf("ratelimit: unknown failure mode %q", s)
}

// bucketScript refills and debits one bucket atomically.
//
// KEYS[1] bucket key
// ARGV[1] capacity, ARGV[2] refill rate (tokens/s), ARGV[3] now (ms), ARGV[4] cost
//
// Returns {allowed (0|1), tokens after the decision as a string}.
// A clock that moved backwards refills nothing and never rewinds last_refill.
var bucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'last_refill')
local tokens = tonumber(state[1])
local last = tonumber(state[2])
if tokens == nil or last == nil then
  tokens = capacity
  last = now
end

local elapsed = now - last
if elapsed < 0 then
  elapsed = 0
end
tokens = math.min(capacity, tokens + elapsed * rate / 1000)
if tokens < 0 then
  tokens = 0
end
if now > last then
  last = now
end

local allowed = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'last_refill', tostring(last))
return {allowed, tostring(tokens)}
`)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int64         // whole tokens left after the decision
	RetryAfter time.Duration // 0 when allowed; time until cost tokens exist otherwise
	Class      string        // policy class applied
	FailedOpen bool          // admitted because the store was unreachable
}

// Limiter is safe for concurrent use.
type Limiter struct {
	client   redis.Scripter
	pinger   interface{ Ping(context.Context) *redis.StatusCmd }
	policies *Policies
	prefix   string
	timeout  time.Duration
	mode     FailureMode
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithPrefix sets the key prefix (default "ratelimit:").
func WithPrefix(prefix string) Option {
	return func(l *Limiter) { l.prefix = prefix }
}

// WithTimeout bounds one store round-trip (default 100ms).
func WithTimeout(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithFailureMode sets the unreachable-store policy (default FailClosed).
func WithFailureMode(m FailureMode) Option {
	return func(l *Limiter) { l.mode = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New creates a Limiter on top of a Redis client. A nil policies applies
// DefaultPolicy to every tenant.
func New(client redis.UniversalClient, policies *Policies, opts ...Option) *Limiter {
	if policies == nil {
		policies = UniformPolicies(DefaultPolicy)
	}
	l := &Limiter{
		client:   client,
		pinger:   client,
		policies: policies,
		prefix:   "ratelimit:",
		timeout:  100 * time.Millisecond,
		mode:     FailClosed,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Mode returns the configured failure mode.
func (l *Limiter) Mode() FailureMode { return l.mode }

// Allow spends cost tokens from tenant's bucket. A non-positive cost counts
// as 1.
func (l *Limiter) Allow(ctx context.Context, tenant string, cost float64) (Decision, error) {
	return l.AllowTier(ctx, tenant, "", cost)
}

// AllowTier is Allow with a tier hint from the caller's credential.
//
// Errors are returned only when no decision could be made: the caller's
// context ended (returned as is) or the store failed while failing closed
// (wraps ErrStoreUnavailable). Under FailOpen a store failure yields an
// admitting Decision with FailedOpen set.
func (l *Limiter) AllowTier(ctx context.Context, tenant, tier string, cost float64) (Decision, error) {
	if cost <= 0 {
		cost = 1
	}
	policy, class := l.policies.Resolve(tenant, tier)

	opCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	res, err := bucketScript.Run(opCtx, l.client,
		[]string{l.key(tenant)},
		policy.Capacity, policy.RefillRate, l.now().UnixMilli(), cost,
	).Slice()
	if err == nil {
		var dec Decision
		dec, err = decode(res, policy, cost)
		if err == nil {
			dec.Class = class
			return dec, nil
		}
	}

	if ctx.Err() != nil {
		return Decision{Class: class}, ctx.Err()
	}
	if l.mode == FailOpen {
		l.logger.Warn("ratelimit: store error, failing open", "tenant", tenant, "err", err)
		return Decision{Allowed: true, Class: class, FailedOpen: true}, nil
	}
	l.logger.Error("ratelimit: store error, failing closed", "tenant", tenant, "err", err)
	return Decision{Class: class}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

// Ping checks store connectivity.
func (l *Limiter) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	return l.pinger.Ping(ctx).Err()
}

// key uses a hash tag so a tenant's bucket maps to one cluster slot.
func (l *Limiter) key(tenant string) string {
	return l.prefix + "{" + tenant + "}"
}

func decode(res []interface{}, policy Policy, cost float64) (Decision, error) {
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("ratelimit: unexpected script reply of %d values", len(res))
	}
	allowed, ok := res[0].(int64)
	if !ok {
		return Decision{}, fmt.Errorf("ratelimit: unexpected allowed value %T", res[0])
	}
	raw, ok := res[1].(string)
	if !ok {
		return Decision{}, fmt.Errorf("ratelimit: unexpected tokens value %T", res[1])
	}
	tokens, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: parse tokens: %w", err)
	}

	dec := Decision{
		Allowed:   allowed == 1,
		Remaining: int64(math.Floor(tokens)),
	}
	if !dec.Allowed {
		dec.RetryAfter = policy.retryAfter(cost - tokens)
	}
	return dec, nil
}
