// Package buffer holds out-of-order frames until their predecessors arrive.
package buffer

import (
	"fmt"
	"slices"

	"github.com/zsiec/peerdecode/internal/receive/types"
)

// DefaultCapacity is the reference bound on buffered frames per stream.
const DefaultCapacity = 100

// OverflowPolicy decides what happens when a frame arrives at a full buffer
type OverflowPolicy uint8

const (
	// EvictOldest drops the smallest buffered sequence to make room.
	EvictOldest OverflowPolicy = iota
	// RejectNewest keeps the buffer unchanged and drops the arriving frame.
	RejectNewest
)

func (p OverflowPolicy) String() string {
	switch p {
	case EvictOldest:
		return "evict_oldest"
	case RejectNewest:
		return "reject_newest"
	default:
		return "unknown"
	}
}

// ParseOverflowPolicy parses a configured policy name
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch s {
	case "", "evict_oldest":
		return EvictOldest, nil
	case "reject_newest":
		return RejectNewest, nil
	default:
		return 0, fmt.Errorf("unknown overflow policy %q", s)
	}
}

// InsertResult describes the outcome of Insert
type InsertResult uint8

const (
	Inserted InsertResult = iota
	Duplicate
	// InsertedEvicted means the frame was stored and the oldest entry removed.
	InsertedEvicted
	Rejected
)

// ReorderBuffer maps sequence numbers to frames with ascending iteration.
// It is not safe for concurrent use; the owning sequencer serializes access.
type ReorderBuffer struct {
	frames   map[uint64]*types.EncodedFrame
	keys     []uint64 // sorted ascending
	capacity int
	policy   OverflowPolicy
}

// NewReorderBuffer creates a buffer bounded to capacity entries
func NewReorderBuffer(capacity int, policy OverflowPolicy) *ReorderBuffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &ReorderBuffer{
		frames:   make(map[uint64]*types.EncodedFrame, capacity),
		keys:     make([]uint64, 0, capacity),
		capacity: capacity,
		policy:   policy,
	}
}

// Insert stores f under its sequence number. The evicted frame is returned
// when the insert displaced the oldest entry.
func (b *ReorderBuffer) Insert(f *types.EncodedFrame) (InsertResult, *types.EncodedFrame) {
	if _, ok := b.frames[f.Sequence]; ok {
		return Duplicate, nil
	}

	var evicted *types.EncodedFrame
	result := Inserted
	if len(b.keys) >= b.capacity {
		if b.policy == RejectNewest {
			return Rejected, nil
		}
		oldest := b.keys[0]
		evicted = b.frames[oldest]
		delete(b.frames, oldest)
		b.keys = b.keys[1:]
		result = InsertedEvicted
	}

	i, _ := slices.BinarySearch(b.keys, f.Sequence)
	b.keys = slices.Insert(b.keys, i, f.Sequence)
	b.frames[f.Sequence] = f
	return result, evicted
}

// Contains reports whether seq is buffered
func (b *ReorderBuffer) Contains(seq uint64) bool {
	_, ok := b.frames[seq]
	return ok
}

// Take removes and returns the frame stored under seq
func (b *ReorderBuffer) Take(seq uint64) (*types.EncodedFrame, bool) {
	f, ok := b.frames[seq]
	if !ok {
		return nil, false
	}
	delete(b.frames, seq)
	if i, found := slices.BinarySearch(b.keys, seq); found {
		b.keys = slices.Delete(b.keys, i, i+1)
	}
	return f, true
}

// Prune removes every entry with a key strictly less than threshold and
// returns how many were removed.
func (b *ReorderBuffer) Prune(threshold uint64) int {
	n, _ := slices.BinarySearch(b.keys, threshold)
	for _, k := range b.keys[:n] {
		delete(b.frames, k)
	}
	b.keys = slices.Delete(b.keys, 0, n)
	return n
}

// Keys returns a copy of the buffered sequence numbers in ascending order
func (b *ReorderBuffer) Keys() []uint64 {
	return slices.Clone(b.keys)
}

// Min returns the smallest buffered sequence
func (b *ReorderBuffer) Min() (uint64, bool) {
	if len(b.keys) == 0 {
		return 0, false
	}
	return b.keys[0], true
}

// Clear drops every buffered frame and returns how many were dropped
func (b *ReorderBuffer) Clear() int {
	n := len(b.keys)
	clear(b.frames)
	b.keys = b.keys[:0]
	return n
}

func (b *ReorderBuffer) Len() int               { return len(b.keys) }
func (b *ReorderBuffer) Capacity() int          { return b.capacity }
func (b *ReorderBuffer) Policy() OverflowPolicy { return b.policy }
