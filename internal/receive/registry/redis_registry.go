package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zsiec/peerdecode/internal/logger"
)

// DefaultPrefix namespaces registry keys
const DefaultPrefix = "peerdecode:streams:"

// registerScript stores a record, keeping created_at of an existing entry,
// and adds it to the active set. It returns the stored JSON.
var registerScript = redis.NewScript(`
	local key = KEYS[1]
	local active_key = KEYS[2]
	local data = ARGV[1]
	local ttl = tonumber(ARGV[2])
	local id = ARGV[3]
	local existing = redis.call('GET', key)
	if existing then
		local old = cjson.decode(existing)
		local rec = cjson.decode(data)
		rec.created_at = old.created_at
		data = cjson.encode(rec)
	end
	redis.call('SET', key, data, 'PX', ttl)
	redis.call('SADD', active_key, id)
	return data
`)

var listScript = redis.NewScript(`
	local active_key = KEYS[1]
	local prefix = ARGV[1]
	local active = redis.call('SMEMBERS', active_key)
	local result = {}
	local expired = {}

	for i, id in ipairs(active) do
		local rec = redis.call('GET', prefix .. id)
		if rec then
			table.insert(result, rec)
		else
			table.insert(expired, id)
		end
	end

	for i, id in ipairs(expired) do
		redis.call('SREM', active_key, id)
	end

	return result
`)

// updateScript rewrites fields of an existing record and refreshes its TTL.
// A missing record yields a nil reply.
var updateScript = redis.NewScript(`
	local key = KEYS[1]
	local ttl = tonumber(ARGV[1])
	local now = ARGV[2]
	local status = ARGV[3]
	local data = redis.call('GET', key)
	if not data then
		return false
	end
	local rec = cjson.decode(data)
	rec.last_heartbeat = now
	if status ~= "" then
		rec.status = status
	end
	redis.call('SET', key, cjson.encode(rec), 'PX', ttl)
	return "OK"
`)

// RedisRegistry implements Registry on Redis. Records expire after ttl
// unless refreshed by a heartbeat.
type RedisRegistry struct {
	client *redis.Client
	logger logger.Logger
	prefix string
	ttl    time.Duration
}

// NewRedisRegistry creates a Redis-backed registry
func NewRedisRegistry(client *redis.Client, log logger.Logger, prefix string, ttl time.Duration) *RedisRegistry {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if log == nil {
		log = logger.NewNullLogger()
	}
	return &RedisRegistry{
		client: client,
		logger: log.WithField("component", "registry"),
		prefix: prefix,
		ttl:    ttl,
	}
}

func (r *RedisRegistry) activeKey() string {
	return r.prefix + "active"
}

// Register adds or refreshes a stream
func (r *RedisRegistry) Register(ctx context.Context, rec *Record) error {
	now := time.Now()
	rec.CreatedAt = now
	rec.LastHeartbeat = now

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal stream: %w", err)
	}

	stored, err := registerScript.Run(ctx, r.client,
		[]string{r.prefix + rec.ID, r.activeKey()},
		data, r.ttl.Milliseconds(), rec.ID).Text()
	if err != nil {
		return fmt.Errorf("failed to register stream: %w", err)
	}

	var saved Record
	if err := json.Unmarshal([]byte(stored), &saved); err == nil {
		rec.CreatedAt = saved.CreatedAt
	}

	r.logger.WithFields(map[string]interface{}{
		"stream_id": rec.ID,
		"strategy":  rec.Strategy,
		"status":    rec.Status,
	}).Debug("Stream registered")

	return nil
}

// Unregister removes a stream
func (r *RedisRegistry) Unregister(ctx context.Context, id string) error {
	deleted, err := r.client.Del(ctx, r.prefix+id).Result()
	if err != nil {
		return fmt.Errorf("failed to unregister stream: %w", err)
	}

	if err := r.client.SRem(ctx, r.activeKey(), id).Err(); err != nil {
		r.logger.Warnf("Failed to remove stream %s from active set: %v", id, err)
	}

	if deleted == 0 {
		return ErrStreamNotFound
	}

	r.logger.WithField("stream_id", id).Debug("Stream unregistered")
	return nil
}

// Get retrieves a stream by ID
func (r *RedisRegistry) Get(ctx context.Context, id string) (*Record, error) {
	data, err := r.client.Get(ctx, r.prefix+id).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrStreamNotFound
		}
		return nil, fmt.Errorf("failed to get stream: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stream: %w", err)
	}
	return &rec, nil
}

// List returns all live streams and prunes expired IDs from the active set
func (r *RedisRegistry) List(ctx context.Context) ([]*Record, error) {
	res, err := listScript.Run(ctx, r.client, []string{r.activeKey()}, r.prefix).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to list streams: %w", err)
	}

	records := make([]*Record, 0, len(res))
	for _, data := range res {
		var rec Record
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			r.logger.WithError(err).Warn("Failed to unmarshal stream")
			continue
		}
		records = append(records, &rec)
	}
	return records, nil
}

// UpdateHeartbeat refreshes the heartbeat and TTL of a stream
func (r *RedisRegistry) UpdateHeartbeat(ctx context.Context, id string) error {
	return r.update(ctx, id, "")
}

// UpdateStatus sets the status of a stream
func (r *RedisRegistry) UpdateStatus(ctx context.Context, id string, status Status) error {
	if err := r.update(ctx, id, status); err != nil {
		return err
	}
	r.logger.WithFields(map[string]interface{}{
		"stream_id": id,
		"status":    status,
	}).Debug("Stream status updated")
	return nil
}

func (r *RedisRegistry) update(ctx context.Context, id string, status Status) error {
	now := time.Now().Format(time.RFC3339Nano)
	err := updateScript.Run(ctx, r.client, []string{r.prefix + id},
		r.ttl.Milliseconds(), now, string(status)).Err()
	if err == redis.Nil {
		return ErrStreamNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update stream: %w", err)
	}
	return nil
}

// Close closes the Redis client
func (r *RedisRegistry) Close() error {
	return r.client.Close()
}
