package health

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisChecker checks Redis connectivity.
type RedisChecker struct {
	client *redis.Client
	name   string
}

// NewRedisChecker creates a new Redis health checker.
func NewRedisChecker(client *redis.Client) *RedisChecker {
	return &RedisChecker{
		client: client,
		name:   "redis",
	}
}

// Name returns the name of the checker.
func (r *RedisChecker) Name() string {
	return r.name
}

// Check pings Redis and reads its client info.
func (r *RedisChecker) Check(ctx context.Context) error {
	if r.client == nil {
		return fmt.Errorf("redis client not configured")
	}

	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}

	info, err := r.client.Info(ctx, "clients").Result()
	if err != nil {
		return fmt.Errorf("failed to get redis info: %w", err)
	}
	if len(info) == 0 {
		return fmt.Errorf("empty redis info response")
	}

	return nil
}

// MemoryChecker reports degraded once the Go heap exceeds limit bytes.
type MemoryChecker struct {
	limit uint64

	mu    sync.Mutex
	stats runtime.MemStats
}

// NewMemoryChecker creates a memory checker. A zero limit never degrades.
func NewMemoryChecker(limit uint64) *MemoryChecker {
	return &MemoryChecker{limit: limit}
}

// Name returns the name of the checker.
func (m *MemoryChecker) Name() string {
	return "memory"
}

// Check samples runtime memory statistics.
func (m *MemoryChecker) Check(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	runtime.ReadMemStats(&m.stats)
	if m.limit > 0 && m.stats.HeapAlloc > m.limit {
		return Degraded(fmt.Sprintf("heap %d bytes exceeds %d", m.stats.HeapAlloc, m.limit))
	}
	return nil
}

// Details implements Reporter.
func (m *MemoryChecker) Details() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]interface{}{
		"heap_alloc_bytes": m.stats.HeapAlloc,
		"sys_bytes":        m.stats.Sys,
		"num_gc":           m.stats.NumGC,
		"goroutines":       runtime.NumGoroutine(),
	}
}
