package transport

import (
	"net"
	"sync"
)

// Reasons a connection is refused by a ConnectionLimiter
const (
	limitTotal   = "total"
	limitPerHost = "per_host"
)

// ConnectionLimiter caps concurrent connections overall and per remote
// host. A zero limit disables that check.
type ConnectionLimiter struct {
	maxPerHost int
	maxTotal   int
	hosts      map[string]int
	total      int
	mu         sync.Mutex
}

// NewConnectionLimiter creates a new connection limiter
func NewConnectionLimiter(maxPerHost, maxTotal int) *ConnectionLimiter {
	return &ConnectionLimiter{
		maxPerHost: maxPerHost,
		maxTotal:   maxTotal,
		hosts:      make(map[string]int),
	}
}

// TryAcquire takes a slot for host. On refusal it returns false and the
// limit that was hit.
func (cl *ConnectionLimiter) TryAcquire(host string) (bool, string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.maxTotal > 0 && cl.total >= cl.maxTotal {
		return false, limitTotal
	}

	current := cl.hosts[host]
	if cl.maxPerHost > 0 && current >= cl.maxPerHost {
		return false, limitPerHost
	}

	cl.hosts[host] = current + 1
	cl.total++
	return true, ""
}

// Release returns a slot previously taken for host
func (cl *ConnectionLimiter) Release(host string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	count, ok := cl.hosts[host]
	if !ok {
		return
	}
	if count == 1 {
		delete(cl.hosts, host)
	} else {
		cl.hosts[host] = count - 1
	}
	cl.total--
}

// Count returns the number of open connections from host
func (cl *ConnectionLimiter) Count(host string) int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.hosts[host]
}

// Total returns the number of open connections
func (cl *ConnectionLimiter) Total() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.total
}

func hostOf(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
