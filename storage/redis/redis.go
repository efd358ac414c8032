// Package redis provides a Redis implementation of the billing.Store and
// billing.Granter interfaces. Multi-key operations (state upsert with its
// subscription-id index, the promotional grant) run as Lua scripts for
// atomicity. Suitable for development and cache-speed deployments; postgres
// is the durable production backend.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/plantspack/billing/pkg/billing"
)

// Storage implements billing.Store and billing.Granter using Redis.
type Storage struct {
	client redis.UniversalClient
	config Config

	upsertScript *redis.Script
	pastDue      *redis.Script
	grantScript  *redis.Script
}

// Config holds Redis storage configuration.
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "plantspack:billing:").
	KeyPrefix string

	// EventLogCap bounds the audit-trail list (default: 1000). Oldest
	// entries are trimmed; the trail is diagnostic, not a system of record.
	EventLogCap int64

	// EarlyAdopterPool seeds the promotion counter on first use
	// (default: 500).
	EarlyAdopterPool int64
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		KeyPrefix:        "plantspack:billing:",
		EventLogCap:      1000,
		EarlyAdopterPool: 500,
	}
}

// upsertLua writes the state JSON and keeps the subscription-id index in
// step: the previous row's index entry is dropped, the new one written, all
// in one script call.
// KEYS[1] = state key; ARGV[1] = state JSON, ARGV[2] = new subscription id
// ("" for none), ARGV[3] = index key prefix, ARGV[4] = user id.
const upsertLua = `
local prev = redis.call('GET', KEYS[1])
if prev then
  local ok, decoded = pcall(cjson.decode, prev)
  if ok and decoded['provider_subscription_id'] and decoded['provider_subscription_id'] ~= '' then
    redis.call('DEL', ARGV[3] .. decoded['provider_subscription_id'])
  end
end
redis.call('SET', KEYS[1], ARGV[1])
if ARGV[2] ~= '' then
  redis.call('SET', ARGV[3] .. ARGV[2], ARGV[4])
end
return 1
`

// pastDueLua flips status on the row referenced by a subscription id.
// KEYS[1] = index key; ARGV[1] = state key prefix, ARGV[2] = RFC3339 now.
const pastDueLua = `
local user = redis.call('GET', KEYS[1])
if not user then return 0 end
local key = ARGV[1] .. user
local raw = redis.call('GET', key)
if not raw then return 0 end
local st = cjson.decode(raw)
st['status'] = 'past_due'
st['updated_at'] = ARGV[2]
redis.call('SET', key, cjson.encode(st))
return 1
`

// grantLua claims one early-adopter slot.
// KEYS[1] = granted set, KEYS[2] = pool counter; ARGV[1] = user id,
// ARGV[2] = initial pool size.
const grantLua = `
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 1 then
  return 'already'
end
if redis.call('EXISTS', KEYS[2]) == 0 then
  redis.call('SET', KEYS[2], ARGV[2])
end
local remaining = tonumber(redis.call('GET', KEYS[2]))
if remaining <= 0 then
  return 'exhausted'
end
redis.call('DECR', KEYS[2])
redis.call('SADD', KEYS[1], ARGV[1])
return 'granted'
`

// New creates a new Redis storage adapter. The client can be *redis.Client,
// *redis.ClusterClient, or *redis.Ring.
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "plantspack:billing:"
	}
	if config.EventLogCap == 0 {
		config.EventLogCap = 1000
	}
	if config.EarlyAdopterPool == 0 {
		config.EarlyAdopterPool = 500
	}

	return &Storage{
		client:       client,
		config:       config,
		upsertScript: redis.NewScript(upsertLua),
		pastDue:      redis.NewScript(pastDueLua),
		grantScript:  redis.NewScript(grantLua),
	}, nil
}

func (s *Storage) stateKey(userID string) string {
	return s.config.KeyPrefix + "state:" + userID
}

func (s *Storage) indexPrefix() string {
	return s.config.KeyPrefix + "bysub:"
}

// UpsertSubscriptionState implements billing.Store.
func (s *Storage) UpsertSubscriptionState(ctx context.Context, state billing.SubscriptionState) error {
	if state.UserID == "" {
		return fmt.Errorf("%w: missing user id", billing.ErrPersistence)
	}
	state.UpdatedAt = time.Now().UTC()

	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("%w: marshal state: %v", billing.ErrPersistence, err)
	}

	err = s.upsertScript.Run(ctx, s.client,
		[]string{s.stateKey(state.UserID)},
		string(raw), state.ProviderSubscriptionID, s.indexPrefix(), state.UserID,
	).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", billing.ErrPersistence, err)
	}
	return nil
}

// GetSubscriptionState implements billing.Store.
func (s *Storage) GetSubscriptionState(ctx context.Context, userID string) (*billing.SubscriptionState, error) {
	raw, err := s.client.Get(ctx, s.stateKey(userID)).Result()
	if err == redis.Nil {
		return nil, billing.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription state: %w", err)
	}

	var state billing.SubscriptionState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("failed to decode subscription state: %w", err)
	}
	return &state, nil
}

// MarkPastDue implements billing.Store.
func (s *Storage) MarkPastDue(ctx context.Context, providerSubscriptionID string) error {
	n, err := s.pastDue.Run(ctx, s.client,
		[]string{s.indexPrefix() + providerSubscriptionID},
		s.config.KeyPrefix+"state:", time.Now().UTC().Format(time.RFC3339),
	).Int()
	if err != nil {
		return fmt.Errorf("%w: mark past_due: %v", billing.ErrPersistence, err)
	}
	if n == 0 {
		return billing.ErrSubscriptionNotFound
	}
	return nil
}

// RecordEvent implements billing.Store.
func (s *Storage) RecordEvent(ctx context.Context, rec billing.EventRecord) error {
	if rec.ProviderEventID == "" {
		return fmt.Errorf("missing provider event id")
	}

	added, err := s.client.SAdd(ctx, s.config.KeyPrefix+"eventids", rec.ProviderEventID).Result()
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	if added == 0 {
		// Redelivered event, already in the trail.
		return nil
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.config.KeyPrefix+"events", raw)
	pipe.LTrim(ctx, s.config.KeyPrefix+"events", 0, s.config.EventLogCap-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// GrantEarlyAdopter implements billing.Granter.
func (s *Storage) GrantEarlyAdopter(ctx context.Context, userID string) (billing.GrantResult, error) {
	res, err := s.grantScript.Run(ctx, s.client,
		[]string{s.config.KeyPrefix + "grants", s.config.KeyPrefix + "grantpool"},
		userID, s.config.EarlyAdopterPool,
	).Text()
	if err != nil {
		return billing.GrantFailed, fmt.Errorf("early adopter grant: %w", err)
	}

	switch res {
	case "granted":
		return billing.Granted, nil
	case "already":
		return billing.GrantAlreadyClaimed, nil
	case "exhausted":
		return billing.GrantExhausted, nil
	default:
		return billing.GrantFailed, fmt.Errorf("early adopter grant: unexpected result %q", res)
	}
}

// Close implements billing.Store.
func (s *Storage) Close() error {
	return s.client.Close()
}
