// Package redisbroker implements domain.TaskBroker on top of Redis sorted
// sets, following the embedded-Lua-over-go-redis idiom used elsewhere in
// this codebase for atomic rate-limit bucket updates.
package redisbroker

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/hkdf"

	adapterobs "github.com/coderunner/evalplatform/internal/adapter/observability"
	"github.com/coderunner/evalplatform/internal/domain"
	"github.com/coderunner/evalplatform/internal/observability"
)

// deriveTokenKey expands the configured REDIS_ACK_TOKEN_SECRET into a
// dedicated signing key via HKDF, so the same operator-supplied secret
// can't be replayed against an unrelated HMAC use elsewhere in the
// platform even if it leaked.
func deriveTokenKey(secret []byte) []byte {
	if len(secret) == 0 {
		return secret
	}
	r := hkdf.New(sha256.New, secret, nil, []byte("evalplatform-broker-ack-token"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return secret
	}
	return key
}

// priorityOrder is the fixed index every lease-payload's stored
// "priority_idx" refers back into, so Nack can restore a task to the ready
// set it actually came from without re-parsing the task payload.
var priorityOrder = []domain.Priority{domain.PriorityHigh, domain.PriorityNormal, domain.PriorityLow}

func priorityIndex(p domain.Priority) int {
	for i, c := range priorityOrder {
		if c == p {
			return i
		}
	}
	return 1 // normal
}

// Broker implements domain.TaskBroker. Each priority class is a sorted set
// keyed by ready-time; a companion sorted set tracks in-flight leases keyed
// by visibility deadline. enqueue/lease/ack/extend/nack/revoke are each a
// single Lua script so the multi-key move between sets is atomic.
type Broker struct {
	rdb           *redis.Client
	tokenSecret   []byte
	deadLetterKey string
	visibility    time.Duration
	maxRetries    int

	enqueueScript *redis.Script
	leaseScript   *redis.Script
	ackScript     *redis.Script
	extendScript  *redis.Script
	nackScript    *redis.Script
	revokeScript  *redis.Script

	obs *observability.ObservableClient
}

// New constructs a Broker. tokenSecret signs ack tokens (HMAC) so a forged
// token is rejected by Ack/Extend/Nack without a Redis round trip. A stale
// token (validly signed, but its lease epoch is no longer the recorded one)
// passes that check; the script then leaves the lease untouched and the
// call returns nil.
func New(rdb *redis.Client, tokenSecret string, deadLetterChannel string, visibility time.Duration, maxRetries int) *Broker {
	return &Broker{
		rdb:           rdb,
		tokenSecret:   deriveTokenKey([]byte(tokenSecret)),
		deadLetterKey: deadLetterChannel,
		visibility:    visibility,
		maxRetries:    maxRetries,
		enqueueScript: redis.NewScript(luaEnqueue),
		leaseScript:   redis.NewScript(luaLease),
		ackScript:     redis.NewScript(luaAck),
		extendScript:  redis.NewScript(luaExtend),
		nackScript:    redis.NewScript(luaNack),
		revokeScript:  redis.NewScript(luaRevoke),
		obs: observability.NewObservableClient(
			observability.ConnectionTypeQueue,
			observability.OperationTypePublish,
			"redis-broker",
			2*time.Second, 500*time.Millisecond, 10*time.Second,
		),
	}
}

func readyKey(p domain.Priority) string    { return "broker:ready:" + string(p) }
func payloadKey() string                   { return "broker:payload" }
func leaseKey() string                     { return "broker:leases" }
func leasePayloadKey() string              { return "broker:lease-payload" }
func retryCountKey() string                { return "broker:retries" }

// luaEnqueue appends the task to its priority's ready set scored by
// ready-time (now, since the initial enqueue has no backoff), storing the
// serialized task payload in a companion hash keyed by eval_id. Idempotent:
// a task already present in the payload hash or the lease set is a no-op.
const luaEnqueue = `
local ready_key = KEYS[1]
local payload_key = KEYS[2]
local lease_key = KEYS[3]
local eval_id = ARGV[1]
local ready_time = tonumber(ARGV[2])
local payload = ARGV[3]

if redis.call("HEXISTS", payload_key, eval_id) == 1 then
  return 0
end
if redis.call("ZSCORE", lease_key, eval_id) ~= false then
  return 0
end

redis.call("ZADD", ready_key, ready_time, eval_id)
redis.call("HSET", payload_key, eval_id, payload)
return 1
`

// luaLease pops the earliest-ready member of the first non-empty class (in
// caller-supplied priority order), moves it into the lease set scored by
// visibility deadline, and records payload/epoch/priority_idx in a
// per-eval_id lease-payload hash so Ack/Extend/Nack can validate and, on
// Nack, restore to the correct ready set.
const luaLease = `
local payload_key = KEYS[1]
local lease_key = KEYS[2]
local now = tonumber(ARGV[1])
local visibility_ms = tonumber(ARGV[2])
local num_classes = tonumber(ARGV[3])

for i = 1, num_classes do
  local ready_key = ARGV[3 + i]
  local priority_idx = tonumber(ARGV[3 + num_classes + i])
  local popped = redis.call("ZRANGEBYSCORE", ready_key, "-inf", now, "LIMIT", 0, 1)
  if #popped > 0 then
    local eval_id = popped[1]
    redis.call("ZREM", ready_key, eval_id)
    local payload = redis.call("HGET", payload_key, eval_id)
    if payload then
      local deadline = now + visibility_ms
      local epoch = now
      local lp_key = "broker:lease-payload:" .. eval_id
      redis.call("ZADD", lease_key, deadline, eval_id)
      redis.call("HSET", lp_key, "payload", payload, "epoch", epoch, "priority_idx", priority_idx)
      return { eval_id, payload, epoch }
    end
  end
end
return nil
`

// luaAck removes a task permanently, provided the presented epoch matches
// the one recorded at lease time.
const luaAck = `
local lease_key = KEYS[1]
local payload_key = KEYS[2]
local eval_id = ARGV[1]
local epoch = ARGV[2]
local lp_key = "broker:lease-payload:" .. eval_id

local stored_epoch = redis.call("HGET", lp_key, "epoch")
if stored_epoch == false or stored_epoch ~= epoch then
  return 0
end

redis.call("ZREM", lease_key, eval_id)
redis.call("DEL", lp_key)
redis.call("HDEL", payload_key, eval_id)
return 1
`

// luaExtend pushes back the lease's visibility deadline.
const luaExtend = `
local lease_key = KEYS[1]
local eval_id = ARGV[1]
local epoch = ARGV[2]
local new_deadline = tonumber(ARGV[3])
local lp_key = "broker:lease-payload:" .. eval_id

local stored_epoch = redis.call("HGET", lp_key, "epoch")
if stored_epoch == false or stored_epoch ~= epoch then
  return 0
end

redis.call("ZADD", lease_key, new_deadline, eval_id)
return 1
`

// luaNack either restores the task to its originating ready set with an
// incremented retry count, at a ready-time backed off exponentially (the
// caller-supplied, jittered base delay doubled per prior retry), or (when not
// retryable, or retries are exhausted) moves the payload onto the
// dead-letter list.
const luaNack = `
local lease_key = KEYS[1]
local payload_key = KEYS[2]
local retry_key = KEYS[3]
local dlq_key = KEYS[4]
local eval_id = ARGV[1]
local epoch = ARGV[2]
local retryable = ARGV[3]
local now = tonumber(ARGV[4])
local max_retries = tonumber(ARGV[5])
local num_classes = tonumber(ARGV[6])
local base_delay = tonumber(ARGV[7 + num_classes])
local lp_key = "broker:lease-payload:" .. eval_id

local stored_epoch = redis.call("HGET", lp_key, "epoch")
if stored_epoch == false or stored_epoch ~= epoch then
  return {0, -1}
end
local priority_idx = tonumber(redis.call("HGET", lp_key, "priority_idx")) or 1

redis.call("ZREM", lease_key, eval_id)
redis.call("DEL", lp_key)

local payload = redis.call("HGET", payload_key, eval_id)
if not payload then
  return {0, priority_idx}
end

local retries = redis.call("HINCRBY", retry_key, eval_id, 1)

if retryable == "1" and retries <= max_retries then
  local ready_key = ARGV[6 + priority_idx + 1]
  local next_ready_time = now + base_delay * (2 ^ (retries - 1))
  redis.call("ZADD", ready_key, next_ready_time, eval_id)
  return {1, priority_idx}
else
  redis.call("HDEL", payload_key, eval_id)
  redis.call("HDEL", retry_key, eval_id)
  redis.call("RPUSH", dlq_key, payload)
  return {2, priority_idx}
end
`

// luaRevoke best-effort removes a not-yet-leased task from every ready
// class it might be sitting in.
const luaRevoke = `
local payload_key = KEYS[1]
local eval_id = ARGV[1]
local num_classes = tonumber(ARGV[2])

for i = 1, num_classes do
  redis.call("ZREM", ARGV[2 + i], eval_id)
end
redis.call("HDEL", payload_key, eval_id)
return 1
`

// Enqueue is routed through an observable client so a degraded Redis
// (repeated timeouts or errors) trips a circuit breaker and fails fast
// instead of piling up submissions against a backend that isn't
// responding.
func (b *Broker) Enqueue(ctx domain.Context, task domain.Task) error {
	err := b.obs.ExecuteWithMetrics(ctx, "enqueue", func(opCtx context.Context) error {
		payload, err := json.Marshal(task)
		if err != nil {
			return err
		}
		now := float64(time.Now().UnixMilli())
		_, err = b.enqueueScript.Run(opCtx, b.rdb,
			[]string{readyKey(task.Priority), payloadKey(), leaseKey()},
			task.EvalID, now, string(payload),
		).Result()
		return err
	})
	if err != nil {
		return fmt.Errorf("op=redisbroker.Enqueue: %w", err)
	}
	adapterobs.EnqueueJob(string(task.Priority))
	return nil
}

func (b *Broker) Lease(ctx domain.Context, consumerID string, classesInOrder []domain.Priority) (domain.Task, domain.AckToken, bool, error) {
	if len(classesInOrder) == 0 {
		classesInOrder = priorityOrder
	}
	now := time.Now().UnixMilli()
	args := []interface{}{now, b.visibility.Milliseconds(), len(classesInOrder)}
	for _, p := range classesInOrder {
		args = append(args, readyKey(p))
	}
	for _, p := range classesInOrder {
		args = append(args, priorityIndex(p))
	}

	res, err := b.leaseScript.Run(ctx, b.rdb,
		[]string{payloadKey(), leaseKey()},
		args...,
	).Result()
	if err == redis.Nil {
		return domain.Task{}, "", false, nil
	}
	if err != nil {
		return domain.Task{}, "", false, fmt.Errorf("op=redisbroker.Lease: %w", err)
	}
	if res == nil {
		return domain.Task{}, "", false, nil
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 3 {
		return domain.Task{}, "", false, nil
	}

	evalID, _ := vals[0].(string)
	payloadStr, _ := vals[1].(string)
	epoch := toInt64(vals[2])

	var task domain.Task
	if err := json.Unmarshal([]byte(payloadStr), &task); err != nil {
		return domain.Task{}, "", false, fmt.Errorf("op=redisbroker.Lease: %w", err)
	}

	token, err := b.signToken(evalID, epoch)
	if err != nil {
		return domain.Task{}, "", false, fmt.Errorf("op=redisbroker.Lease: %w", err)
	}
	return task, token, true, nil
}

func (b *Broker) Ack(ctx domain.Context, token domain.AckToken) error {
	evalID, epoch, err := b.verifyToken(token)
	if err != nil {
		return fmt.Errorf("op=redisbroker.Ack: %w", err)
	}
	_, err = b.ackScript.Run(ctx, b.rdb,
		[]string{leaseKey(), payloadKey()},
		evalID, strconv.FormatInt(epoch, 10),
	).Result()
	if err != nil {
		return fmt.Errorf("op=redisbroker.Ack: %w", err)
	}
	return nil
}

func (b *Broker) Extend(ctx domain.Context, token domain.AckToken, duration time.Duration) error {
	evalID, epoch, err := b.verifyToken(token)
	if err != nil {
		return fmt.Errorf("op=redisbroker.Extend: %w", err)
	}
	newDeadline := time.Now().Add(duration).UnixMilli()
	_, err = b.extendScript.Run(ctx, b.rdb,
		[]string{leaseKey()},
		evalID, strconv.FormatInt(epoch, 10), newDeadline,
	).Result()
	if err != nil {
		return fmt.Errorf("op=redisbroker.Extend: %w", err)
	}
	return nil
}

func (b *Broker) Nack(ctx domain.Context, token domain.AckToken, retryable bool) error {
	evalID, epoch, err := b.verifyToken(token)
	if err != nil {
		return fmt.Errorf("op=redisbroker.Nack: %w", err)
	}
	retryableStr := "0"
	if retryable {
		retryableStr = "1"
	}
	// Base retry delay of 2s with +/-50% jitter; the script doubles it per
	// prior retry.
	baseDelay := time.Second + time.Duration(rand.Int63n(int64(2*time.Second)))

	keys := []string{leaseKey(), payloadKey(), retryCountKey(), b.deadLetterKey}
	args := []interface{}{evalID, strconv.FormatInt(epoch, 10), retryableStr, time.Now().UnixMilli(), b.maxRetries, len(priorityOrder)}
	for _, p := range priorityOrder {
		args = append(args, readyKey(p))
	}
	args = append(args, baseDelay.Milliseconds())

	res, err := b.nackScript.Run(ctx, b.rdb, keys, args...).Result()
	if err != nil {
		return fmt.Errorf("op=redisbroker.Nack: %w", err)
	}
	vals, _ := res.([]interface{})
	var code, priorityIdx int64
	priorityIdx = -1
	if len(vals) == 2 {
		code = toInt64(vals[0])
		priorityIdx = toInt64(vals[1])
	}
	if code == 2 {
		priorityLabel := string(domain.PriorityNormal)
		if priorityIdx >= 0 && int(priorityIdx) < len(priorityOrder) {
			priorityLabel = string(priorityOrder[priorityIdx])
		}
		adapterobs.RecordDeadLetter(priorityLabel)
		slog.Warn("task moved to dead letter", slog.String("eval_id", evalID), slog.String("priority", priorityLabel))
	}
	return nil
}

func (b *Broker) Revoke(ctx domain.Context, evalID string) error {
	keys := []string{payloadKey()}
	args := []interface{}{evalID, len(priorityOrder)}
	for _, p := range priorityOrder {
		args = append(args, readyKey(p))
	}
	_, err := b.revokeScript.Run(ctx, b.rdb, keys, args...).Result()
	if err != nil {
		return fmt.Errorf("op=redisbroker.Revoke: %w", err)
	}
	return nil
}

// signToken builds an opaque, HMAC-signed ack token carrying eval_id and
// lease epoch. Callers outside this package never parse it.
func (b *Broker) signToken(evalID string, epoch int64) (domain.AckToken, error) {
	nonce := uuid.NewString()
	msg := fmt.Sprintf("%s.%d.%s", evalID, epoch, nonce)
	mac := hmac.New(sha256.New, b.tokenSecret)
	mac.Write([]byte(msg))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	raw := fmt.Sprintf("%s.%s", msg, sig)
	return domain.AckToken(base64.RawURLEncoding.EncodeToString([]byte(raw))), nil
}

func (b *Broker) verifyToken(token domain.AckToken) (evalID string, epoch int64, err error) {
	raw, err := base64.RawURLEncoding.DecodeString(string(token))
	if err != nil {
		return "", 0, fmt.Errorf("malformed ack token: %w", err)
	}
	parts := strings.SplitN(string(raw), ".", 4)
	if len(parts) != 4 {
		return "", 0, fmt.Errorf("malformed ack token")
	}
	evalIDPart, epochPart, noncePart, sigPart := parts[0], parts[1], parts[2], parts[3]

	msg := fmt.Sprintf("%s.%s.%s", evalIDPart, epochPart, noncePart)
	mac := hmac.New(sha256.New, b.tokenSecret)
	mac.Write([]byte(msg))
	expected := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(sigPart)) {
		return "", 0, fmt.Errorf("ack token signature mismatch")
	}
	epochVal, err := strconv.ParseInt(epochPart, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed ack token epoch: %w", err)
	}
	return evalIDPart, epochVal, nil
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	default:
		return 0
	}
}
