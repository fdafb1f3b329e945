// Package ratelimit implements the process-wide, per-(model, selector)
// token-bucket admission check (C3).
//
// Grounded on ratelimit::ratelimits(None).read().unwrap().check_limit in
// llm_gateway/src/stream_context.rs: a single shared registry, keyed by
// model name, consulted on every ingress request with the header-derived
// selector and the request's input token count. Bucket state itself is
// kept in Redis (github.com/redis/go-redis/v9) rather than in-process so
// multiple gateway replicas share one admission decision, the same way
// the teacher router keeps its provider config centralized rather than
// per-instance.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Header is the (name, value) pair captured from the configured
// rate-limit selector header and its named value header, e.g.
// {"x-user-id", "user-42"}.
type Header struct {
	Key   string
	Value string
}

// Rule is one configured rate limit: model is matched exactly,
// SelectorKey names which header identifies the caller this bucket is
// scoped to, TokensPerWindow is the bucket capacity, and Window is how
// often it fully replenishes.
type Rule struct {
	Model           string
	SelectorKey     string
	TokensPerWindow int64
	Window          time.Duration
}

// ErrExceeded is returned by CheckLimit when the requested tokens would
// exceed the remaining bucket capacity.
type ErrExceeded struct {
	Model    string
	Selector Header
}

func (e *ErrExceeded) Error() string {
	return fmt.Sprintf("rate limit exceeded for model %q, selector %s=%s", e.Model, e.Selector.Key, e.Selector.Value)
}

// tokenBucketScript atomically checks-and-decrements a Redis-backed
// token bucket: KEYS[1] is the bucket key, ARGV[1] the bucket capacity,
// ARGV[2] the window in seconds, ARGV[3] the tokens this call requests.
// A bucket with no TTL set is freshly created at full capacity and its
// TTL is set to the window so it fully replenishes one window after the
// first request that touches it.
const tokenBucketScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local window_seconds = tonumber(ARGV[2])
local requested = tonumber(ARGV[3])

local remaining = tonumber(redis.call("GET", key))
if remaining == nil then
  remaining = capacity
end

if remaining < requested then
  return {0, remaining}
end

remaining = remaining - requested
if redis.call("EXISTS", key) == 1 then
  redis.call("DECRBY", key, requested)
else
  redis.call("SET", key, remaining, "EX", window_seconds)
end
return {1, remaining}
`

// Registry is the process-wide rate-limit admission check. Safe for
// concurrent use.
type Registry struct {
	rdb   *redis.Client
	rules map[string]Rule // keyed by Model
	script *redis.Script
}

// New builds a Registry backed by rdb, admitting only the (model,
// selector) pairs named in rules — any model with no matching rule is
// always admitted, per spec: an unconfigured model has no limit.
func New(rdb *redis.Client, rules []Rule) *Registry {
	byModel := make(map[string]Rule, len(rules))
	for _, r := range rules {
		byModel[r.Model] = r
	}
	return &Registry{rdb: rdb, rules: byModel, script: redis.NewScript(tokenBucketScript)}
}

// CheckLimit admits or rejects tokens worth of usage for model under
// selector. If no Rule is configured for model, the call is always
// admitted without touching Redis.
func (r *Registry) CheckLimit(ctx context.Context, model string, selector Header, tokens int64) error {
	rule, ok := r.rules[model]
	if !ok {
		return nil
	}
	if selector.Key == "" || selector.Key != rule.SelectorKey {
		return nil
	}

	key := fmt.Sprintf("ratelimit:%s:%s:%s", model, selector.Key, selector.Value)
	windowSeconds := int64(rule.Window / time.Second)
	if windowSeconds <= 0 {
		windowSeconds = 1
	}

	res, err := r.script.Run(ctx, r.rdb, []string{key}, rule.TokensPerWindow, windowSeconds, tokens).Result()
	if err != nil {
		return fmt.Errorf("evaluating rate limit for model %q: %w", model, err)
	}

	vals, ok := res.([]any)
	if !ok || len(vals) != 2 {
		return fmt.Errorf("unexpected rate-limit script result shape: %#v", res)
	}
	admitted, _ := vals[0].(int64)
	if admitted == 0 {
		return &ErrExceeded{Model: model, Selector: selector}
	}
	return nil
}
