package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/zsiec/peerdecode/internal/receive/types"
)

var (
	// ErrStreamNotFound is returned when a stream is not found in the registry
	ErrStreamNotFound = errors.New("stream not found")
	// ErrRegistryClosed is returned by a registry after Close
	ErrRegistryClosed = errors.New("registry is closed")
)

// Status is the advertised decode state of a stream
type Status string

const (
	StatusActive      Status = "active"
	StatusAwaitingKey Status = "awaiting_key"
)

// Record is the registry entry for one receive stream
type Record struct {
	ID            string    `json:"id"`
	PeerID        string    `json:"peer_id"`
	MediaKind     string    `json:"media_kind"`
	Strategy      string    `json:"strategy"`
	Status        Status    `json:"status"`
	Instance      string    `json:"instance"`
	CreatedAt     time.Time `json:"created_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// RecordID returns the registry ID of a stream, "peer/kind"
func RecordID(key types.StreamKey) string {
	return key.String()
}

// Registry stores the streams this instance is decoding so that other
// instances and operators can discover them.
type Registry interface {
	// Register adds or refreshes a stream. CreatedAt of an existing entry is kept.
	Register(ctx context.Context, rec *Record) error

	// Unregister removes a stream
	Unregister(ctx context.Context, id string) error

	// Get retrieves a stream by ID
	Get(ctx context.Context, id string) (*Record, error)

	// List returns all live streams
	List(ctx context.Context) ([]*Record, error)

	// UpdateHeartbeat refreshes the heartbeat and expiry of a stream
	UpdateHeartbeat(ctx context.Context, id string) error

	// UpdateStatus sets the status of a stream
	UpdateStatus(ctx context.Context, id string, status Status) error

	Close() error
}

// MemoryRegistry is an in-process Registry used when Redis is not
// configured and in tests.
type MemoryRegistry struct {
	mu      sync.RWMutex
	records map[string]*Record
	closed  bool
}

// NewMemoryRegistry creates an empty in-memory registry
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{records: make(map[string]*Record)}
}

func (m *MemoryRegistry) Register(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrRegistryClosed
	}

	now := time.Now()
	stored := *rec
	if existing, ok := m.records[rec.ID]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else {
		stored.CreatedAt = now
	}
	stored.LastHeartbeat = now
	m.records[rec.ID] = &stored

	rec.CreatedAt = stored.CreatedAt
	rec.LastHeartbeat = now
	return nil
}

func (m *MemoryRegistry) Unregister(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrRegistryClosed
	}
	if _, ok := m.records[id]; !ok {
		return ErrStreamNotFound
	}
	delete(m.records, id)
	return nil
}

func (m *MemoryRegistry) Get(ctx context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, ErrStreamNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryRegistry) List(ctx context.Context) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrRegistryClosed
	}
	out := make([]*Record, 0, len(m.records))
	for _, rec := range m.records {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryRegistry) UpdateHeartbeat(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return ErrStreamNotFound
	}
	rec.LastHeartbeat = time.Now()
	return nil
}

func (m *MemoryRegistry) UpdateStatus(ctx context.Context, id string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return ErrStreamNotFound
	}
	rec.Status = status
	rec.LastHeartbeat = time.Now()
	return nil
}

func (m *MemoryRegistry) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.records = make(map[string]*Record)
	return nil
}
