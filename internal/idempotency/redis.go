package idempotency

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var beginScript = redis.NewScript(`
local key = KEYS[1]
local fingerprint = ARGV[1]
local ttl_ms = ARGV[2]

if redis.call("EXISTS", key) == 0 then
  redis.call("HSET", key, "fingerprint", fingerprint, "status", "new")
  redis.call("PEXPIRE", key, ttl_ms)
  return {"new"}
end

if redis.call("HGET", key, "fingerprint") ~= fingerprint then
  return {"conflict"}
end

if redis.call("HGET", key, "status") == "completed" then
  return {"replay", redis.call("HGET", key, "response_status") or "", redis.call("HGET", key, "content_type") or "", redis.call("HGET", key, "response_body") or ""}
end

return {"in_progress"}
`)

var completeScript = redis.NewScript(`
local key = KEYS[1]
if redis.call("EXISTS", key) == 0 then
  return 0
end
if redis.call("HGET", key, "fingerprint") ~= ARGV[1] then
  return -1
end
redis.call("HSET", key, "status", "completed", "response_status", ARGV[3], "content_type", ARGV[4], "response_body", ARGV[5])
redis.call("PEXPIRE", key, ARGV[2])
return 1
`)

var releaseScript = redis.NewScript(`
local key = KEYS[1]
if redis.call("HGET", key, "fingerprint") == ARGV[1] and redis.call("HGET", key, "status") ~= "completed" then
  return redis.call("DEL", key)
end
return 0
`)

// ErrNoClient is returned when the store has no Redis client.
var ErrNoClient = errors.New("idempotency: redis client is nil")

// RedisStore is a Store backed by Redis hashes updated with Lua scripts, so each transition is atomic.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore returns a store writing keys under prefix (default "idem").
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "idem"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) redisKey(scope, key string) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, scope, key)
}

// Begin claims key for fingerprint.
func (s *RedisStore) Begin(ctx context.Context, scope, key, fingerprint string, ttl time.Duration) (BeginResult, error) {
	if s.client == nil {
		return BeginResult{}, ErrNoClient
	}
	raw, err := beginScript.Run(ctx, s.client, []string{s.redisKey(scope, key)},
		fingerprint, ttl.Milliseconds()).Result()
	if err != nil {
		return BeginResult{}, err
	}
	values, ok := raw.([]any)
	if !ok || len(values) == 0 {
		return BeginResult{}, fmt.Errorf("idempotency: unexpected begin result %T", raw)
	}
	switch state := State(asString(values[0])); state {
	case StateNew, StateConflict, StateInProgress:
		return BeginResult{State: state}, nil
	case StateReplay:
		if len(values) < 4 {
			return BeginResult{}, errors.New("idempotency: short replay payload")
		}
		status, err := strconv.Atoi(asString(values[1]))
		if err != nil {
			return BeginResult{}, fmt.Errorf("idempotency: parse replay status: %w", err)
		}
		body, err := base64.StdEncoding.DecodeString(asString(values[3]))
		if err != nil {
			return BeginResult{}, fmt.Errorf("idempotency: decode replay body: %w", err)
		}
		return BeginResult{State: StateReplay, Cached: &CachedResponse{
			StatusCode:  status,
			ContentType: asString(values[2]),
			Body:        body,
		}}, nil
	default:
		return BeginResult{}, fmt.Errorf("idempotency: unknown state %q", state)
	}
}

// Complete stores resp for key when the key is still held with fingerprint.
func (s *RedisStore) Complete(ctx context.Context, scope, key, fingerprint string, resp CachedResponse, ttl time.Duration) error {
	if s.client == nil {
		return ErrNoClient
	}
	return completeScript.Run(ctx, s.client, []string{s.redisKey(scope, key)},
		fingerprint,
		ttl.Milliseconds(),
		resp.StatusCode,
		resp.ContentType,
		base64.StdEncoding.EncodeToString(resp.Body),
	).Err()
}

// Release deletes an unfinished claim held with fingerprint. A completed key is kept.
func (s *RedisStore) Release(ctx context.Context, scope, key, fingerprint string) error {
	if s.client == nil {
		return ErrNoClient
	}
	return releaseScript.Run(ctx, s.client, []string{s.redisKey(scope, key)}, fingerprint).Err()
}

func asString(v any) string {
	switch typed := v.(type) {
	case string:
		return typed
	case []byte:
		return string(typed)
	default:
		return fmt.Sprint(v)
	}
}
