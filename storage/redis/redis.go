// Package redis provides a LedgerStore backed by Redis. Admission policy
// runs inside Lua scripts, so every worker sharing the instance sees one
// atomic budget even across processes and hosts.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hamidsh/hoshyar-gateway/pkg/gateway"
)

// dayRetention keeps finished ledger days around long enough for trailing
// usage reports before Redis expires them.
const dayRetention = 40 * 24 * time.Hour

// reserveScript reaps expired reservations, evaluates admission policy and
// places the reservation in one atomic step.
//
// KEYS: day hash, reservation cost hash, reservation meta hash, expiry zset
// ARGV: nowMillis, expiresAtMillis, budget, estimate, highPriority(0/1),
//
//	throttleRatio, reservationID, endpoint, retentionSeconds
var reserveScript = redis.NewScript(`
local dayKey, costKey, metaKey, expKey = KEYS[1], KEYS[2], KEYS[3], KEYS[4]
local now = tonumber(ARGV[1])
local expiresAt = tonumber(ARGV[2])
local budget = tonumber(ARGV[3])
local estimate = tonumber(ARGV[4])
local high = ARGV[5] == "1"
local ratio = tonumber(ARGV[6])
local id = ARGV[7]
local endpoint = ARGV[8]
local retention = tonumber(ARGV[9])

local expired = redis.call("ZRANGEBYSCORE", expKey, "-inf", now)
for _, rid in ipairs(expired) do
  redis.call("HDEL", costKey, rid)
  redis.call("HDEL", metaKey, rid)
  redis.call("ZREM", expKey, rid)
end

local reserved = 0
for _, c in ipairs(redis.call("HVALS", costKey)) do
  reserved = reserved + tonumber(c)
end
local spent = tonumber(redis.call("HGET", dayKey, "spent") or "0")

if spent + reserved + estimate > budget then
  return "insufficient"
end
if not high and budget > 0 and (spent + reserved) / budget >= ratio then
  return "throttled"
end

redis.call("HSET", costKey, id, estimate)
redis.call("HSET", metaKey, id, endpoint)
redis.call("ZADD", expKey, expiresAt, id)
redis.call("EXPIRE", costKey, retention)
redis.call("EXPIRE", metaKey, retention)
redis.call("EXPIRE", expKey, retention)
return "ok"
`)

// commitScript reconciles a reservation to its actual cost. A reservation
// already reaped charges the actual cost outright.
//
// KEYS: day hash, cost hash, meta hash, expiry zset, endpoint hash
// ARGV: reservationID, actualCost, requests, retentionSeconds
var commitScript = redis.NewScript(`
local dayKey, costKey, metaKey, expKey, epKey = KEYS[1], KEYS[2], KEYS[3], KEYS[4], KEYS[5]
local id = ARGV[1]
local actual = tonumber(ARGV[2])
local requests = tonumber(ARGV[3])
local retention = tonumber(ARGV[4])

local charge = actual
local endpoint = nil
local reservedCost = redis.call("HGET", costKey, id)
if reservedCost then
  reservedCost = tonumber(reservedCost)
  if actual > reservedCost then
    charge = reservedCost
  end
  endpoint = redis.call("HGET", metaKey, id)
  redis.call("HDEL", costKey, id)
  redis.call("HDEL", metaKey, id)
  redis.call("ZREM", expKey, id)
end

redis.call("HINCRBY", dayKey, "spent", charge)
redis.call("HINCRBY", dayKey, "requests", requests)
redis.call("EXPIRE", dayKey, retention)
if endpoint then
  redis.call("HINCRBY", epKey, endpoint .. ":spent", charge)
  redis.call("HINCRBY", epKey, endpoint .. ":requests", requests)
  redis.call("EXPIRE", epKey, retention)
end
return charge
`)

// dayScript reaps expired reservations and returns the day snapshot.
//
// KEYS: day hash, cost hash, meta hash, expiry zset, endpoint hash
// ARGV: nowMillis
var dayScript = redis.NewScript(`
local dayKey, costKey, metaKey, expKey, epKey = KEYS[1], KEYS[2], KEYS[3], KEYS[4], KEYS[5]
local now = tonumber(ARGV[1])

local expired = redis.call("ZRANGEBYSCORE", expKey, "-inf", now)
for _, rid in ipairs(expired) do
  redis.call("HDEL", costKey, rid)
  redis.call("HDEL", metaKey, rid)
  redis.call("ZREM", expKey, rid)
end

local reserved = 0
for _, c in ipairs(redis.call("HVALS", costKey)) do
  reserved = reserved + tonumber(c)
end

local spent = redis.call("HGET", dayKey, "spent") or "0"
local requests = redis.call("HGET", dayKey, "requests") or "0"
local endpoints = redis.call("HGETALL", epKey)
return {spent, requests, tostring(reserved), endpoints}
`)

// Store is a Redis-backed LedgerStore.
type Store struct {
	client redis.UniversalClient
	prefix string
}

// Option configures a Store.
type Option func(*Store)

// WithKeyPrefix changes the key namespace. Defaults to "hoshyar".
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// New creates a Store on an existing Redis client.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, prefix: "hoshyar"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) keys(dayKey string) []string {
	base := s.prefix + ":day:" + dayKey
	return []string{base, base + ":resv:cost", base + ":resv:meta", base + ":resv:exp", base + ":endpoints"}
}

// Reserve implements gateway.LedgerStore.
func (s *Store) Reserve(ctx context.Context, req *gateway.ReserveRequest) (*gateway.Reservation, error) {
	keys := s.keys(req.DayKey)
	result, err := reserveScript.Run(ctx, s.client, keys[:4],
		req.Now.UnixMilli(),
		req.ExpiresAt.UnixMilli(),
		req.DailyBudget,
		req.EstimatedCost,
		boolArg(req.Priority == gateway.PriorityHigh),
		strconv.FormatFloat(req.ThrottleRatio, 'f', -1, 64),
		req.ReservationID,
		string(req.Endpoint),
		int64(dayRetention.Seconds()),
	).Text()
	if err != nil {
		return nil, fmt.Errorf("redis reserve: %w", err)
	}

	switch result {
	case "ok":
		return &gateway.Reservation{
			ID:        req.ReservationID,
			DayKey:    req.DayKey,
			Endpoint:  req.Endpoint,
			Cost:      req.EstimatedCost,
			ExpiresAt: req.ExpiresAt,
		}, nil
	case "insufficient":
		return nil, gateway.ErrInsufficientBudget
	case "throttled":
		return nil, gateway.ErrBudgetThrottled
	default:
		return nil, fmt.Errorf("redis reserve: unexpected result %q", result)
	}
}

// Commit implements gateway.LedgerStore.
func (s *Store) Commit(ctx context.Context, dayKey, reservationID string, actualCost, requests int64, _ time.Time) error {
	err := commitScript.Run(ctx, s.client, s.keys(dayKey),
		reservationID, actualCost, requests, int64(dayRetention.Seconds()),
	).Err()
	if err != nil {
		return fmt.Errorf("redis commit: %w", err)
	}
	return nil
}

// Release implements gateway.LedgerStore.
func (s *Store) Release(ctx context.Context, dayKey, reservationID string) error {
	keys := s.keys(dayKey)
	pipe := s.client.TxPipeline()
	pipe.HDel(ctx, keys[1], reservationID)
	pipe.HDel(ctx, keys[2], reservationID)
	pipe.ZRem(ctx, keys[3], reservationID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis release: %w", err)
	}
	return nil
}

// Day implements gateway.LedgerStore.
func (s *Store) Day(ctx context.Context, dayKey string, now time.Time) (*gateway.DayUsage, error) {
	result, err := dayScript.Run(ctx, s.client, s.keys(dayKey), now.UnixMilli()).Slice()
	if err != nil {
		return nil, fmt.Errorf("redis day: %w", err)
	}
	if len(result) != 4 {
		return nil, fmt.Errorf("redis day: unexpected reply shape")
	}

	usage := &gateway.DayUsage{
		DayKey:      dayKey,
		Spent:       sliceInt(result[0]),
		Requests:    sliceInt(result[1]),
		Reserved:    sliceInt(result[2]),
		PerEndpoint: make(map[gateway.Endpoint]gateway.EndpointTotals),
	}

	pairs, _ := result[3].([]interface{})
	for i := 0; i+1 < len(pairs); i += 2 {
		field, _ := pairs[i].(string)
		idx := strings.LastIndex(field, ":")
		if idx <= 0 {
			continue
		}
		ep := gateway.Endpoint(field[:idx])
		totals := usage.PerEndpoint[ep]
		switch field[idx+1:] {
		case "spent":
			totals.Spent = sliceInt(pairs[i+1])
		case "requests":
			totals.Requests = sliceInt(pairs[i+1])
		}
		usage.PerEndpoint[ep] = totals
	}
	return usage, nil
}

// Window implements gateway.LedgerStore.
func (s *Store) Window(ctx context.Context, dayKeys []string) ([]*gateway.DayUsage, error) {
	out := make([]*gateway.DayUsage, 0, len(dayKeys))
	now := time.Now()
	for _, key := range dayKeys {
		usage, err := s.Day(ctx, key, now)
		if err != nil {
			return nil, err
		}
		out = append(out, usage)
	}
	return out, nil
}

// Close implements gateway.LedgerStore. The client is owned by the caller
// and left open.
func (s *Store) Close() error { return nil }

func boolArg(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func sliceInt(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	default:
		return 0
	}
}
