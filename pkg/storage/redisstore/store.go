// Package redisstore keeps daily rollups in Redis hashes.
//
// Merges run as a Lua script so several ingest servers can share one
// rollup keyspace without losing updates. Observations, streams and
// reference data stay in the primary store.
package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/nicktill/tinyvitals/pkg/apperr"
	"github.com/nicktill/tinyvitals/pkg/model"
	"github.com/nicktill/tinyvitals/pkg/rollup"
	"github.com/nicktill/tinyvitals/pkg/storage"
)

// KeyPrefix namespaces every key written by the store.
const KeyPrefix = "tinyvitals:rollup:"

// AppliedTTL is how long a merged batch token is remembered. Retries of a
// merge whose reply was lost land well within it.
const AppliedTTL = 24 * time.Hour

// mergeScript applies a rollup.Delta to one hash. Times are unix milliseconds.
// KEYS[2] is the set of batch tokens already applied to the hash; a token
// found there makes the call a no-op.
//
// ARGV: id streamId userId deviceId metricCode day dataType unit
//
//	count sum min max latest latestAt first last lastReceived
//	token ttlSeconds
var mergeScript = redis.NewScript(`
local key = KEYS[1]
local token = ARGV[18]
if token ~= '' and redis.call('SISMEMBER', KEYS[2], token) == 1 then
  return redis.call('HGET', key, 'count')
end

local meta = {'id', 'streamId', 'userId', 'deviceId', 'metricCode', 'day', 'dataType', 'unit'}
for i, field in ipairs(meta) do
  redis.call('HSETNX', key, field, ARGV[i])
end

redis.call('HINCRBY', key, 'count', ARGV[9])
redis.call('HINCRBYFLOAT', key, 'sum', ARGV[10])

local function keep(field, v, better)
  if v == '' then return end
  local cur = redis.call('HGET', key, field)
  if not cur or better(tonumber(v), tonumber(cur)) then
    redis.call('HSET', key, field, v)
  end
end
local function lower(a, b) return a < b end
local function higher(a, b) return a > b end

keep('min', ARGV[11], lower)
keep('max', ARGV[12], higher)
if ARGV[14] ~= '' then
  local cur = redis.call('HGET', key, 'latestAt')
  if not cur or tonumber(ARGV[14]) > tonumber(cur) then
    redis.call('HSET', key, 'latest', ARGV[13], 'latestAt', ARGV[14])
  end
end
keep('firstObservedAt', ARGV[15], lower)
keep('lastObservedAt', ARGV[16], higher)
keep('lastReceivedAt', ARGV[17], higher)

if token ~= '' then
  redis.call('SADD', KEYS[2], token)
  redis.call('EXPIRE', KEYS[2], ARGV[19])
end
return redis.call('HGET', key, 'count')
`)

// Config for connecting to Redis.
type Config struct {
	Addr     string
	Password string
	DB       int
	Logger   *zap.Logger
}

// Store implements storage.RollupStore and rollup.AtomicMerger.
type Store struct {
	client redis.UniversalClient
	logger *zap.Logger
}

var (
	_ storage.RollupStore = (*Store)(nil)
	_ rollup.AtomicMerger = (*Store)(nil)
)

// Open connects to Redis and verifies the connection.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return New(client, cfg.Logger), nil
}

// New wraps an existing client.
func New(client redis.UniversalClient, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{client: client, logger: logger.Named("redis")}
}

func rollupKey(streamID, day string) string {
	return KeyPrefix + streamID + ":" + day
}

func appliedKey(streamID, day string) string {
	return KeyPrefix + "applied:" + streamID + ":" + day
}

// MergeRollup applies d to the rollup seeded by seed in a single script call.
// Replaying a Delta with the same non-empty Token is a no-op, so a merge whose
// reply was lost can be retried.
func (s *Store) MergeRollup(ctx context.Context, seed model.DailyRollup, d rollup.Delta) error {
	args := []interface{}{
		seed.ID, seed.StreamID, seed.UserID, seed.DeviceID,
		seed.MetricCode, seed.Day, string(seed.DataType), seed.Unit,
		d.Count, formatFloat(d.Sum),
		optFloat(d.Min), optFloat(d.Max), optFloat(d.Latest), optTime(d.LatestAt),
		formatTime(d.FirstObservedAt), formatTime(d.LastObservedAt), formatTime(d.LastReceivedAt),
		d.Token, int64(AppliedTTL / time.Second),
	}

	keys := []string{rollupKey(seed.StreamID, seed.Day), appliedKey(seed.StreamID, seed.Day)}
	count, err := mergeScript.Run(ctx, s.client, keys, args...).Int64()
	if err != nil {
		return apperr.Transient("redis rollup merge", err)
	}
	s.logger.Debug("rollup merged", zap.String("rollup_id", seed.ID), zap.Int64("count", count))
	return nil
}

func (s *Store) GetRollup(ctx context.Context, streamID, day string) (*model.DailyRollup, error) {
	fields, err := s.client.HGetAll(ctx, rollupKey(streamID, day)).Result()
	if err != nil {
		return nil, apperr.Transient("redis hgetall", err)
	}
	if len(fields) == 0 {
		return nil, storage.ErrNotFound
	}
	r, err := decodeRollup(fields)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// PutRollup replaces the stored hash.
func (s *Store) PutRollup(ctx context.Context, r model.DailyRollup) error {
	key := rollupKey(r.StreamID, r.Day)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, encodeRollup(r))
		return nil
	})
	if err != nil {
		return apperr.Transient("redis put rollup", err)
	}
	return nil
}

func (s *Store) GetRollups(ctx context.Context, streamID string, days []string) ([]model.DailyRollup, error) {
	if len(days) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.StringStringMapCmd, len(days))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, day := range days {
			cmds[i] = pipe.HGetAll(ctx, rollupKey(streamID, day))
		}
		return nil
	})
	if err != nil {
		return nil, apperr.Transient("redis get rollups", err)
	}

	var out []model.DailyRollup
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		r, err := decodeRollup(fields)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}

func encodeRollup(r model.DailyRollup) map[string]interface{} {
	fields := map[string]interface{}{
		"id":         r.ID,
		"streamId":   r.StreamID,
		"userId":     r.UserID,
		"deviceId":   r.DeviceID,
		"metricCode": r.MetricCode,
		"day":        r.Day,
		"dataType":   string(r.DataType),
		"unit":       r.Unit,
		"count":      r.Count,
		"sum":        formatFloat(r.Sum),
	}
	for field, t := range map[string]time.Time{
		"firstObservedAt": r.FirstObservedAt,
		"lastObservedAt":  r.LastObservedAt,
		"lastReceivedAt":  r.LastReceivedAt,
	} {
		if !t.IsZero() {
			fields[field] = formatTime(t)
		}
	}
	if r.Min != nil {
		fields["min"] = formatFloat(*r.Min)
	}
	if r.Max != nil {
		fields["max"] = formatFloat(*r.Max)
	}
	if r.Latest != nil && r.LatestAt != nil {
		fields["latest"] = formatFloat(*r.Latest)
		fields["latestAt"] = formatTime(*r.LatestAt)
	}
	return fields
}

func decodeRollup(f map[string]string) (model.DailyRollup, error) {
	r := model.DailyRollup{
		ID:         f["id"],
		StreamID:   f["streamId"],
		UserID:     f["userId"],
		DeviceID:   f["deviceId"],
		MetricCode: f["metricCode"],
		Day:        f["day"],
		DataType:   model.DataType(f["dataType"]),
		Unit:       f["unit"],
	}

	var err error
	if r.Count, err = strconv.ParseInt(f["count"], 10, 64); err != nil {
		return r, apperr.Defectf("corrupt rollup %s: count %q", r.ID, f["count"])
	}
	if r.Sum, err = strconv.ParseFloat(f["sum"], 64); err != nil {
		return r, apperr.Defectf("corrupt rollup %s: sum %q", r.ID, f["sum"])
	}
	if r.Min, err = parseOptFloat(f["min"]); err != nil {
		return r, apperr.Defectf("corrupt rollup %s: min %q", r.ID, f["min"])
	}
	if r.Max, err = parseOptFloat(f["max"]); err != nil {
		return r, apperr.Defectf("corrupt rollup %s: max %q", r.ID, f["max"])
	}
	if r.Latest, err = parseOptFloat(f["latest"]); err != nil {
		return r, apperr.Defectf("corrupt rollup %s: latest %q", r.ID, f["latest"])
	}
	if v, ok := f["latestAt"]; ok {
		t, err := parseTime(v)
		if err != nil {
			return r, apperr.Defectf("corrupt rollup %s: latestAt %q", r.ID, v)
		}
		r.LatestAt = &t
	}
	for field, dst := range map[string]*time.Time{
		"firstObservedAt": &r.FirstObservedAt,
		"lastObservedAt":  &r.LastObservedAt,
		"lastReceivedAt":  &r.LastReceivedAt,
	} {
		if *dst, err = parseTime(f[field]); err != nil {
			return r, apperr.Defectf("corrupt rollup %s: %s %q", r.ID, field, f[field])
		}
	}
	return r, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func optFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return formatFloat(*v)
}

func parseOptFloat(s string) (*float64, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func optTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}
