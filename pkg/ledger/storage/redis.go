package storage

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"mercator-hq/credits/pkg/ledger/model"
)

// RedisStore implements Store on Redis.
//
// Each limit is a hash; every balance-changing operation is one Lua script
// that checks, writes, and appends to the user's transaction stream. All keys
// of a user carry the same hash tag so the scripts stay valid on Redis Cluster.
// Timestamps are stored as Unix milliseconds.
type RedisStore struct {
	client    goredis.UniversalClient
	keyPrefix string
	maxStream int64
	opTTL     time.Duration
	ownsConn  bool
}

// DefaultOperationTTL is how long a debit or adjustment is remembered for
// deduplicating retries.
const DefaultOperationTTL = 10 * time.Minute

// RedisConfig configures OpenRedis.
type RedisConfig struct {
	// Addrs lists one address for a single node or several for a cluster.
	Addrs    []string
	Username string
	Password string
	DB       int

	// KeyPrefix is prepended to every key.
	// Default: "credits:"
	KeyPrefix string

	// MaxStreamLength caps each user's transaction stream (approximate trim).
	// Zero keeps every entry.
	MaxStreamLength int64

	// OperationTTL bounds how long applied operation IDs are remembered.
	// Default: 10m
	OperationTTL time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix sets the key prefix (default "credits:").
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.keyPrefix = prefix }
}

// WithMaxStreamLength caps each user's transaction stream.
func WithMaxStreamLength(n int64) RedisOption {
	return func(s *RedisStore) { s.maxStream = n }
}

// WithOperationTTL sets how long applied operation IDs are remembered.
func WithOperationTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		if ttl > 0 {
			s.opTTL = ttl
		}
	}
}

// NewRedisStore wraps a connected client. The caller keeps ownership of it.
func NewRedisStore(client goredis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:    client,
		keyPrefix: "credits:",
		opTTL:     DefaultOperationTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OpenRedis connects to Redis and verifies the connection.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if len(cfg.Addrs) == 0 {
		return nil, fmt.Errorf("redis addrs cannot be empty")
	}
	client := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:    cfg.Addrs,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", classifyRedisError(err))
	}

	opts := []RedisOption{WithMaxStreamLength(cfg.MaxStreamLength), WithOperationTTL(cfg.OperationTTL)}
	if cfg.KeyPrefix != "" {
		opts = append(opts, WithKeyPrefix(cfg.KeyPrefix))
	}
	s := NewRedisStore(client, opts...)
	s.ownsConn = true
	return s, nil
}

func (s *RedisStore) userTag(user string) string { return s.keyPrefix + "{" + user + "}" }
func (s *RedisStore) recordKey(user string) string {
	return s.userTag(user) + ":record"
}
func (s *RedisStore) endpointsKey(user string) string {
	return s.userTag(user) + ":endpoints"
}
func (s *RedisStore) limitKey(user, endpoint string) string {
	return s.userTag(user) + ":limit:" + endpoint
}
func (s *RedisStore) streamKey(user string) string { return s.userTag(user) + ":tx" }
func (s *RedisStore) opKey(user, opID string) string {
	return s.userTag(user) + ":op:" + opID
}
func (s *RedisStore) usersKey() string             { return s.keyPrefix + "users" }
func (s *RedisStore) autoRefillKey() string        { return s.keyPrefix + "autorefill" }

// refMember encodes a limit reference as a set member.
func refMember(user, endpoint string) string { return user + "\x00" + endpoint }

func parseRefMember(m string) (model.LimitRef, bool) {
	user, endpoint, ok := strings.Cut(m, "\x00")
	return model.LimitRef{User: user, Endpoint: endpoint}, ok
}

// Script result codes shared by the balance scripts.
const (
	codeOK            = 1
	codeInsufficient  = 0
	codeNotConfigured = -1
	codeDisabled      = -2
)

// luaAppendTx appends a transaction to the stream in KEYS[2]. The trim
// length is passed as ARGV[1] on every script that uses it.
const luaAppendTx = `
local function append_tx(id, endpoint, token_type, context, raw, value, balance, now)
    local maxlen = tonumber(ARGV[1])
    if maxlen > 0 then
        redis.call("XADD", KEYS[2], "MAXLEN", "~", maxlen, "*", "id", id, "endpoint", endpoint,
            "token_type", token_type, "context", context, "raw_amount", raw,
            "token_value", value, "balance", balance, "created_at", now)
    else
        redis.call("XADD", KEYS[2], "*", "id", id, "endpoint", endpoint,
            "token_type", token_type, "context", context, "raw_amount", raw,
            "token_value", value, "balance", balance, "created_at", now)
    end
end
`

// debitScript atomically debits, refilling first when allowed.
// KEYS[1] = limit hash, KEYS[2] = transaction stream, KEYS[3] = operation key
// ARGV[1] = stream max length, ARGV[2] = amount, ARGV[3] = now (ms),
// ARGV[4] = endpoint, ARGV[5] = token type, ARGV[6] = raw amount,
// ARGV[7] = debit tx id, ARGV[8] = refill tx id, ARGV[9] = operation TTL (ms)
//
// Returns {code, balance, refill_amount}. A debit whose operation key exists
// was already applied; its stored outcome is returned instead.
var debitScript = goredis.NewScript(luaAppendTx + `
local prior = redis.call("HMGET", KEYS[3], "balance", "refilled")
if prior[1] then
    return {1, tonumber(prior[1]), tonumber(prior[2]) or 0}
end
local key = KEYS[1]
if redis.call("EXISTS", key) == 0 then
    return {-1, 0, 0}
end
local h = redis.call("HMGET", key, "token_credits", "enabled", "auto_refill", "refill_amount", "interval_ms", "last_refill")
local credits = tonumber(h[1]) or 0
if h[2] ~= "1" then
    return {-2, credits, 0}
end
local amount = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local refilled = 0
if credits < amount then
    if h[3] ~= "1" then
        return {0, credits, 0}
    end
    local refill = tonumber(h[4]) or 0
    local interval = tonumber(h[5]) or 0
    local last = tonumber(h[6]) or 0
    if refill <= 0 or interval <= 0 or (last > 0 and now < last + interval) then
        return {0, credits, 0}
    end
    if credits + refill < amount then
        return {0, credits, 0}
    end
    credits = credits + refill
    refilled = refill
    redis.call("HSET", key, "last_refill", ARGV[3])
    append_tx(ARGV[8], ARGV[4], "credits", "autoRefill", tostring(refill), tostring(refill), tostring(credits), ARGV[3])
end
credits = credits - amount
redis.call("HSET", key, "token_credits", tostring(credits), "last_used", ARGV[3])
append_tx(ARGV[7], ARGV[4], ARGV[5], "debit", ARGV[6], tostring(-amount), tostring(credits), ARGV[3])
redis.call("HSET", KEYS[3], "balance", tostring(credits), "refilled", tostring(refilled))
redis.call("PEXPIRE", KEYS[3], ARGV[9])
return {1, credits, refilled}
`)

// refillScript atomically applies a due refill.
// KEYS[1] = limit hash, KEYS[2] = transaction stream
// ARGV[1] = stream max length, ARGV[2] = now (ms), ARGV[3] = endpoint,
// ARGV[4] = context, ARGV[5] = require auto-refill ("1"/"0"), ARGV[6] = tx id
//
// Returns {code, balance, amount}.
var refillScript = goredis.NewScript(luaAppendTx + `
local key = KEYS[1]
if redis.call("EXISTS", key) == 0 then
    return {-1, 0, 0}
end
local h = redis.call("HMGET", key, "token_credits", "auto_refill", "refill_amount", "interval_ms", "last_refill")
local credits = tonumber(h[1]) or 0
if ARGV[5] == "1" and h[2] ~= "1" then
    return {0, credits, 0}
end
local refill = tonumber(h[3]) or 0
local interval = tonumber(h[4]) or 0
local last = tonumber(h[5]) or 0
local now = tonumber(ARGV[2])
if refill <= 0 or interval <= 0 or (last > 0 and now < last + interval) then
    return {0, credits, 0}
end
credits = credits + refill
redis.call("HSET", key, "token_credits", tostring(credits), "last_refill", ARGV[2])
append_tx(ARGV[6], ARGV[3], "credits", ARGV[4], tostring(refill), tostring(refill), tostring(credits), ARGV[2])
return {1, credits, refill}
`)

// adjustScript atomically applies a signed delta that keeps the balance >= 0.
// KEYS[1] = limit hash, KEYS[2] = transaction stream, KEYS[3] = operation key
// ARGV[1] = stream max length, ARGV[2] = delta, ARGV[3] = now (ms),
// ARGV[4] = endpoint, ARGV[5] = tx id, ARGV[6] = raw amount,
// ARGV[7] = operation TTL (ms)
//
// Returns {code, balance}.
var adjustScript = goredis.NewScript(luaAppendTx + `
local prior = redis.call("HGET", KEYS[3], "balance")
if prior then
    return {1, tonumber(prior)}
end
local key = KEYS[1]
if redis.call("EXISTS", key) == 0 then
    return {-1, 0}
end
local credits = tonumber(redis.call("HGET", key, "token_credits")) or 0
local delta = tonumber(ARGV[2])
if credits + delta < 0 then
    return {0, credits}
end
credits = credits + delta
redis.call("HSET", key, "token_credits", tostring(credits))
append_tx(ARGV[5], ARGV[4], "credits", "adjustment", ARGV[6], ARGV[2], tostring(credits), ARGV[3])
redis.call("HSET", KEYS[3], "balance", tostring(credits))
redis.call("PEXPIRE", KEYS[3], ARGV[7])
return {1, credits}
`)

// swapAlertsScript writes alert state if the version matches.
// KEYS[1] = limit hash
// ARGV[1] = expected version, ARGV[2] = sent thresholds (comma separated),
// ARGV[3] = observed balance, ARGV[4] = last reset (ms)
//
// Returns 1 on success, 0 on version mismatch, -1 if the limit is missing.
var swapAlertsScript = goredis.NewScript(`
local key = KEYS[1]
if redis.call("EXISTS", key) == 0 then
    return -1
end
local version = tonumber(redis.call("HGET", key, "alert_version")) or 0
if version ~= tonumber(ARGV[1]) then
    return 0
end
redis.call("HSET", key, "alerts_sent", ARGV[2], "alert_balance", ARGV[3],
    "last_alert_reset", ARGV[4], "alert_version", tostring(version + 1))
return 1
`)

// upsertScript creates or patches a limit.
// KEYS[1] = limit hash, KEYS[2] = endpoints set, KEYS[3] = record hash
// ARGV[1] = now (ms), ARGV[2] = endpoint, ARGV[3] = schema version,
// ARGV[4..] = field/value pairs to write
//
// Returns the auto_refill flag after the update.
var upsertScript = goredis.NewScript(`
local key = KEYS[1]
local now = ARGV[1]
if redis.call("HSETNX", KEYS[3], "created_at", now) == 1 then
    redis.call("HSET", KEYS[3], "schema_version", ARGV[3])
end
redis.call("HSET", KEYS[3], "updated_at", now)
if redis.call("EXISTS", key) == 0 then
    redis.call("HSET", key, "endpoint", ARGV[2], "token_credits", "0", "enabled", "1",
        "last_used", "0", "auto_refill", "0", "refill_amount", "0", "interval_value", "0",
        "interval_unit", "days", "interval_ms", "0", "last_refill", "0", "alerts_sent", "",
        "last_alert_reset", "0", "alert_balance", "0", "alert_version", "0")
    redis.call("SADD", KEYS[2], ARGV[2])
end
for i = 4, #ARGV, 2 do
    redis.call("HSET", key, ARGV[i], ARGV[i + 1])
end
local units = {seconds = 1000, minutes = 60000, hours = 3600000, days = 86400000,
    weeks = 604800000, months = 2592000000}
local h = redis.call("HMGET", key, "interval_value", "interval_unit", "auto_refill")
local value = tonumber(h[1]) or 0
local base = units[h[2]] or 0
redis.call("HSET", key, "interval_ms", tostring(value * base))
return tonumber(h[3]) or 0
`)

// removeScript deletes a limit.
// KEYS[1] = limit hash, KEYS[2] = endpoints set, KEYS[3] = record hash
// ARGV[1] = now (ms), ARGV[2] = endpoint
var removeScript = goredis.NewScript(`
if redis.call("DEL", KEYS[1]) == 0 then
    return 0
end
redis.call("SREM", KEYS[2], ARGV[2])
redis.call("HSET", KEYS[3], "updated_at", ARGV[1])
return 1
`)

// EnsureRecord creates an empty record for user if none exists.
func (s *RedisStore) EnsureRecord(ctx context.Context, user string, now time.Time) (bool, error) {
	if user == "" {
		return false, model.ErrInvalidRequest
	}
	key := s.recordKey(user)
	created, err := s.client.HSetNX(ctx, key, "created_at", toMillis(now)).Result()
	if err != nil {
		return false, classifyRedisError(err)
	}
	if created {
		if err := s.client.HSet(ctx, key, "schema_version", model.CurrentSchemaVersion, "updated_at", toMillis(now)).Err(); err != nil {
			return false, classifyRedisError(err)
		}
	}
	if err := s.client.SAdd(ctx, s.usersKey(), user).Err(); err != nil {
		return false, classifyRedisError(err)
	}
	return created, nil
}

// GetRecord returns the full record of user.
func (s *RedisStore) GetRecord(ctx context.Context, user string) (*model.LedgerRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.recordKey(user)).Result()
	if err != nil {
		return nil, classifyRedisError(err)
	}
	if len(fields) == 0 {
		return nil, model.ErrRecordNotFound
	}
	rec := &model.LedgerRecord{
		User:      user,
		Limits:    make(map[string]model.EndpointLimit),
		CreatedAt: fromMillis(parseInt(fields["created_at"])),
		UpdatedAt: fromMillis(parseInt(fields["updated_at"])),
	}
	rec.SchemaVersion = int(parseInt(fields["schema_version"]))

	endpoints, err := s.client.SMembers(ctx, s.endpointsKey(user)).Result()
	if err != nil {
		return nil, classifyRedisError(err)
	}
	sort.Strings(endpoints)
	for _, endpoint := range endpoints {
		l, err := s.loadLimit(ctx, user, endpoint)
		if errors.Is(err, model.ErrEndpointNotConfigured) {
			continue
		}
		if err != nil {
			return nil, err
		}
		rec.Limits[endpoint] = *l
	}
	return rec, nil
}

// GetLimit returns one limit.
func (s *RedisStore) GetLimit(ctx context.Context, user, endpoint string) (*model.EndpointLimit, error) {
	l, err := s.loadLimit(ctx, user, endpoint)
	if err != nil {
		return nil, wrapRedisOp("get", user, endpoint, err)
	}
	return l, nil
}

func (s *RedisStore) loadLimit(ctx context.Context, user, endpoint string) (*model.EndpointLimit, error) {
	fields, err := s.client.HGetAll(ctx, s.limitKey(user, endpoint)).Result()
	if err != nil {
		return nil, classifyRedisError(err)
	}
	if len(fields) == 0 {
		return nil, model.ErrEndpointNotConfigured
	}
	l := &model.EndpointLimit{
		Endpoint:            endpoint,
		TokenCredits:        parseInt(fields["token_credits"]),
		Enabled:             fields["enabled"] == "1",
		LastUsed:            fromMillis(parseInt(fields["last_used"])),
		AutoRefillEnabled:   fields["auto_refill"] == "1",
		RefillAmount:        parseInt(fields["refill_amount"]),
		RefillIntervalValue: parseInt(fields["interval_value"]),
		RefillIntervalUnit:  model.IntervalUnit(fields["interval_unit"]),
		LastRefill:          fromMillis(parseInt(fields["last_refill"])),
		LastAlertReset:      fromMillis(parseInt(fields["last_alert_reset"])),
		AlertBalance:        parseInt(fields["alert_balance"]),
		AlertVersion:        parseInt(fields["alert_version"]),
	}
	l.AlertsSent = decodeThresholds(fields["alerts_sent"])
	return l, nil
}

// UpsertLimit creates or patches a limit.
func (s *RedisStore) UpsertLimit(ctx context.Context, user string, update model.LimitUpdate, now time.Time) (*model.EndpointLimit, error) {
	if user == "" {
		return nil, model.ErrInvalidRequest
	}
	if err := update.Validate(); err != nil {
		return nil, err
	}

	args := []any{toMillis(now), update.Endpoint, model.CurrentSchemaVersion}
	args = append(args, redisLimitPatch(update)...)
	keys := []string{s.limitKey(user, update.Endpoint), s.endpointsKey(user), s.recordKey(user)}
	autoRefill, err := upsertScript.Run(ctx, s.client, keys, args...).Int64()
	if err != nil {
		return nil, wrapRedisOp("upsert", user, update.Endpoint, err)
	}

	if err := s.client.SAdd(ctx, s.usersKey(), user).Err(); err != nil {
		return nil, wrapRedisOp("upsert", user, update.Endpoint, err)
	}
	member := refMember(user, update.Endpoint)
	if autoRefill == 1 {
		err = s.client.SAdd(ctx, s.autoRefillKey(), member).Err()
	} else {
		err = s.client.SRem(ctx, s.autoRefillKey(), member).Err()
	}
	if err != nil {
		return nil, wrapRedisOp("upsert", user, update.Endpoint, err)
	}
	return s.GetLimit(ctx, user, update.Endpoint)
}

func redisLimitPatch(u model.LimitUpdate) []any {
	var args []any
	if u.TokenCredits != nil {
		args = append(args, "token_credits", *u.TokenCredits)
	}
	if u.Enabled != nil {
		args = append(args, "enabled", boolInt(*u.Enabled))
	}
	if u.AutoRefillEnabled != nil {
		args = append(args, "auto_refill", boolInt(*u.AutoRefillEnabled))
	}
	if u.RefillAmount != nil {
		args = append(args, "refill_amount", *u.RefillAmount)
	}
	if u.RefillIntervalValue != nil {
		args = append(args, "interval_value", *u.RefillIntervalValue)
	}
	if u.RefillIntervalUnit != nil {
		args = append(args, "interval_unit", string(*u.RefillIntervalUnit))
	}
	if u.LastRefill != nil {
		args = append(args, "last_refill", toMillis(*u.LastRefill))
	}
	return args
}

// RemoveLimit deletes a limit.
func (s *RedisStore) RemoveLimit(ctx context.Context, user, endpoint string, now time.Time) error {
	keys := []string{s.limitKey(user, endpoint), s.endpointsKey(user), s.recordKey(user)}
	removed, err := removeScript.Run(ctx, s.client, keys, toMillis(now), endpoint).Int64()
	if err != nil {
		return wrapRedisOp("remove", user, endpoint, err)
	}
	if removed == 0 {
		return model.NewLedgerError("remove", user, endpoint, model.ErrEndpointNotConfigured)
	}
	if err := s.client.SRem(ctx, s.autoRefillKey(), refMember(user, endpoint)).Err(); err != nil {
		return wrapRedisOp("remove", user, endpoint, err)
	}
	return nil
}

// Debit runs the debit script.
func (s *RedisStore) Debit(ctx context.Context, op DebitOp) (*DebitOutcome, error) {
	if err := validateDebit(op); err != nil {
		return nil, err
	}
	opID := op.OpID
	if opID == "" {
		opID = uuid.NewString()
	}
	keys := []string{s.limitKey(op.User, op.Endpoint), s.streamKey(op.User), s.opKey(op.User, opID)}
	res, err := debitScript.Run(ctx, s.client, keys,
		s.maxStream, op.Amount, toMillis(op.Now), op.Endpoint, string(op.TokenType), op.RawAmount,
		opID, autoRefillEntryID(opID), s.opTTL.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return nil, wrapRedisOp("debit", op.User, op.Endpoint, err)
	}
	if len(res) != 3 {
		return nil, model.NewLedgerError("debit", op.User, op.Endpoint, fmt.Errorf("unexpected script result %v", res))
	}

	switch res[0] {
	case codeOK:
		return &DebitOutcome{Balance: res[1], Refilled: res[2] > 0, RefillAmount: res[2]}, nil
	case codeNotConfigured:
		return nil, model.NewLedgerError("debit", op.User, op.Endpoint, model.ErrEndpointNotConfigured)
	case codeDisabled:
		return nil, model.NewLedgerError("debit", op.User, op.Endpoint, model.ErrEndpointDisabled)
	default:
		return nil, insufficient(op, res[1])
	}
}

// Refill runs the refill script.
func (s *RedisStore) Refill(ctx context.Context, op RefillOp) (*RefillOutcome, error) {
	require := "0"
	if op.RequireAutoRefill {
		require = "1"
	}
	keys := []string{s.limitKey(op.User, op.Endpoint), s.streamKey(op.User)}
	res, err := refillScript.Run(ctx, s.client, keys,
		s.maxStream, toMillis(op.Now), op.Endpoint, string(op.Context), require, uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return nil, wrapRedisOp("refill", op.User, op.Endpoint, err)
	}
	if len(res) != 3 {
		return nil, model.NewLedgerError("refill", op.User, op.Endpoint, fmt.Errorf("unexpected script result %v", res))
	}
	switch res[0] {
	case codeOK:
		return &RefillOutcome{Refilled: true, Balance: res[1], Amount: res[2]}, nil
	case codeNotConfigured:
		return nil, model.NewLedgerError("refill", op.User, op.Endpoint, model.ErrEndpointNotConfigured)
	default:
		return &RefillOutcome{Balance: res[1]}, nil
	}
}

// Adjust runs the adjust script.
func (s *RedisStore) Adjust(ctx context.Context, op AdjustOp) (*AdjustOutcome, error) {
	raw := op.Delta
	if raw < 0 {
		raw = -raw
	}
	opID := op.OpID
	if opID == "" {
		opID = uuid.NewString()
	}
	keys := []string{s.limitKey(op.User, op.Endpoint), s.streamKey(op.User), s.opKey(op.User, opID)}
	res, err := adjustScript.Run(ctx, s.client, keys,
		s.maxStream, op.Delta, toMillis(op.Now), op.Endpoint, opID, raw, s.opTTL.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return nil, wrapRedisOp("adjust", op.User, op.Endpoint, err)
	}
	if len(res) != 2 {
		return nil, model.NewLedgerError("adjust", op.User, op.Endpoint, fmt.Errorf("unexpected script result %v", res))
	}
	switch res[0] {
	case codeOK:
		return &AdjustOutcome{Balance: res[1]}, nil
	case codeNotConfigured:
		return nil, model.NewLedgerError("adjust", op.User, op.Endpoint, model.ErrEndpointNotConfigured)
	default:
		return nil, &model.LedgerError{Op: "adjust", User: op.User, Endpoint: op.Endpoint,
			Balance: res[1], Requested: -op.Delta, Err: model.ErrInsufficientCredits}
	}
}

// SwapAlertState runs the alert compare-and-swap script.
func (s *RedisStore) SwapAlertState(ctx context.Context, user, endpoint string, expectVersion int64, next model.AlertState) error {
	res, err := swapAlertsScript.Run(ctx, s.client, []string{s.limitKey(user, endpoint)},
		expectVersion, encodeThresholds(next.Sent), next.ObservedBalance, toMillis(next.LastReset),
	).Int64()
	if err != nil {
		return wrapRedisOp("alerts", user, endpoint, err)
	}
	switch res {
	case codeOK:
		return nil
	case codeNotConfigured:
		return model.NewLedgerError("alerts", user, endpoint, model.ErrEndpointNotConfigured)
	default:
		return model.NewLedgerError("alerts", user, endpoint, model.ErrStorageConflict)
	}
}

// ListAutoRefill returns every limit with auto-refill enabled.
func (s *RedisStore) ListAutoRefill(ctx context.Context) ([]model.LimitRef, error) {
	members, err := s.client.SMembers(ctx, s.autoRefillKey()).Result()
	if err != nil {
		return nil, classifyRedisError(err)
	}
	refs := make([]model.LimitRef, 0, len(members))
	for _, m := range members {
		if ref, ok := parseRefMember(m); ok {
			refs = append(refs, ref)
		}
	}
	sortRefs(refs)
	return refs, nil
}

// ListUsers returns every user with a record.
func (s *RedisStore) ListUsers(ctx context.Context) ([]string, error) {
	users, err := s.client.SMembers(ctx, s.usersKey()).Result()
	if err != nil {
		return nil, classifyRedisError(err)
	}
	sort.Strings(users)
	return users, nil
}

// AppendTransaction adds an out-of-band entry to the user's stream.
// Duplicate IDs are not detected on this backend.
func (s *RedisStore) AppendTransaction(ctx context.Context, entry model.TransactionEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	args := &goredis.XAddArgs{
		Stream: s.streamKey(entry.User),
		Values: []any{
			"id", entry.ID,
			"endpoint", entry.Endpoint,
			"token_type", string(entry.TokenType),
			"context", string(entry.Context),
			"raw_amount", entry.RawAmount,
			"token_value", entry.TokenValue,
			"balance", entry.Balance,
			"created_at", toMillis(entry.CreatedAt),
		},
	}
	if s.maxStream > 0 {
		args.MaxLen = s.maxStream
		args.Approx = true
	}
	return classifyRedisError(s.client.XAdd(ctx, args).Err())
}

// Transactions reads matching entries from the users' streams.
func (s *RedisStore) Transactions(ctx context.Context, filter TxFilter) ([]model.TransactionEntry, error) {
	users := []string{filter.User}
	if filter.User == "" {
		var err error
		if users, err = s.ListUsers(ctx); err != nil {
			return nil, err
		}
	}

	var out []model.TransactionEntry
	for _, user := range users {
		msgs, err := s.client.XRange(ctx, s.streamKey(user), "-", "+").Result()
		if err != nil {
			return nil, classifyRedisError(err)
		}
		for _, msg := range msgs {
			entry := decodeStreamEntry(user, msg.Values)
			if filter.Match(entry) {
				out = append(out, entry)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Ping checks the connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return classifyRedisError(s.client.Ping(ctx).Err())
}

// Close closes the client if the store opened it.
func (s *RedisStore) Close() error {
	if s.ownsConn {
		return s.client.Close()
	}
	return nil
}

func decodeStreamEntry(user string, v map[string]any) model.TransactionEntry {
	str := func(k string) string {
		s, _ := v[k].(string)
		return s
	}
	return model.TransactionEntry{
		ID:         str("id"),
		User:       user,
		Endpoint:   str("endpoint"),
		TokenType:  model.TokenType(str("token_type")),
		Context:    model.TxContext(str("context")),
		RawAmount:  parseInt(str("raw_amount")),
		TokenValue: parseInt(str("token_value")),
		Balance:    parseInt(str("balance")),
		CreatedAt:  fromMillis(parseInt(str("created_at"))),
	}
}

// classifyRedisError maps client errors onto the retryable storage sentinels.
func classifyRedisError(err error) error {
	if err == nil || errors.Is(err, model.ErrStorageConflict) || errors.Is(err, model.ErrStorageUnavailable) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	// Socket timeouts also match context.DeadlineExceeded, so they are
	// recognized before the deadline check below.
	if isNetworkError(err) || errors.Is(err, goredis.ErrClosed) || errors.Is(err, goredis.ErrPoolTimeout) {
		return fmt.Errorf("%w: %w", model.ErrStorageUnavailable, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	msg := err.Error()
	switch {
	case strings.HasPrefix(msg, "BUSY"), strings.HasPrefix(msg, "TRYAGAIN"):
		return fmt.Errorf("%w: %w", model.ErrStorageConflict, err)
	case strings.HasPrefix(msg, "LOADING"), strings.HasPrefix(msg, "CLUSTERDOWN"), strings.HasPrefix(msg, "MASTERDOWN"),
		strings.Contains(msg, "connection refused"), strings.Contains(msg, "EOF"):
		return fmt.Errorf("%w: %w", model.ErrStorageUnavailable, err)
	}
	return err
}

// isNetworkError reports whether err came from the network layer rather than
// from a context.
func isNetworkError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func wrapRedisOp(op, user, endpoint string, err error) error {
	if err == nil {
		return nil
	}
	var le *model.LedgerError
	if errors.As(err, &le) {
		return err
	}
	return model.NewLedgerError(op, user, endpoint, classifyRedisError(err))
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func encodeThresholds(t []int64) string {
	parts := make([]string, len(t))
	for i, v := range t {
		parts[i] = strconv.FormatInt(v, 10)
	}
	return strings.Join(parts, ",")
}

func decodeThresholds(s string) []int64 {
	if s == "" {
		return nil
	}
	var out []int64
	for _, p := range strings.Split(s, ",") {
		if v, err := strconv.ParseInt(p, 10, 64); err == nil {
			out = append(out, v)
		}
	}
	return out
}
