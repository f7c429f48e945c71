// Package queue provides the FIFO mailbox that feeds delegated decode workers.
package queue

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/gammazero/deque"
)

var (
	// ErrQueueClosed indicates the mailbox is closed
	ErrQueueClosed = errors.New("queue closed")

	// ErrQueueFull indicates the mailbox is at its limit
	ErrQueueFull = errors.New("queue full")
)

// Mailbox is a one-way FIFO between any number of senders and a single
// receiver. Senders never block; the receiver blocks in Pop.
type Mailbox[T any] struct {
	mu    sync.Mutex
	items deque.Deque[T]
	limit int

	// Metrics
	depth   atomic.Int64
	dropped atomic.Int64

	// State
	closed  atomic.Bool
	signal  chan struct{}
	closeCh chan struct{}
}

// NewMailbox creates a mailbox that holds at most limit items. A limit of
// zero or less means unbounded.
func NewMailbox[T any](limit int) *Mailbox[T] {
	return &Mailbox[T]{
		limit:   limit,
		signal:  make(chan struct{}, 1),
		closeCh: make(chan struct{}),
	}
}

// Push appends v, or returns ErrQueueFull when the mailbox is at its limit.
func (m *Mailbox[T]) Push(v T) error {
	return m.push(v, false)
}

// PushForce appends v regardless of the limit
func (m *Mailbox[T]) PushForce(v T) error {
	return m.push(v, true)
}

func (m *Mailbox[T]) push(v T, force bool) error {
	m.mu.Lock()
	if m.closed.Load() {
		m.mu.Unlock()
		return ErrQueueClosed
	}
	if !force && m.limit > 0 && m.items.Len() >= m.limit {
		m.mu.Unlock()
		m.dropped.Add(1)
		return ErrQueueFull
	}
	m.items.PushBack(v)
	m.depth.Store(int64(m.items.Len()))
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
	return nil
}

// TryPop removes the oldest item without blocking
func (m *Mailbox[T]) TryPop() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var zero T
	if m.closed.Load() || m.items.Len() == 0 {
		return zero, false
	}
	v := m.items.PopFront()
	m.depth.Store(int64(m.items.Len()))
	return v, true
}

// Pop blocks until an item is available or the mailbox is closed. Items
// still pending at Close are never returned.
func (m *Mailbox[T]) Pop() (T, error) {
	for {
		if v, ok := m.TryPop(); ok {
			return v, nil
		}
		select {
		case <-m.signal:
		case <-m.closeCh:
			var zero T
			return zero, ErrQueueClosed
		}
	}
}

// Len returns the number of pending items
func (m *Mailbox[T]) Len() int {
	return int(m.depth.Load())
}

// Dropped returns how many pushes were refused for lack of room
func (m *Mailbox[T]) Dropped() int64 {
	return m.dropped.Load()
}

// Close discards pending items and wakes the receiver. It returns the
// number of discarded items and is safe to call more than once.
func (m *Mailbox[T]) Close() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.closed.CompareAndSwap(false, true) {
		return 0
	}
	n := m.items.Len()
	m.items.Clear()
	m.depth.Store(0)
	close(m.closeCh)
	return n
}
