// Package sequencer forwards a stream's frames to its decoder in strictly
// increasing sequence order.
//
// A Sequencer is owned by exactly one goroutine and takes no locks.
package sequencer

import (
	"github.com/sirupsen/logrus"

	"github.com/zsiec/peerdecode/internal/logger"
	"github.com/zsiec/peerdecode/internal/metrics"
	"github.com/zsiec/peerdecode/internal/receive/buffer"
	"github.com/zsiec/peerdecode/internal/receive/codec"
	"github.com/zsiec/peerdecode/internal/receive/types"
)

// Decoder is the part of codec.Adapter the sequencer drives
type Decoder interface {
	DecodePacket(f *types.EncodedFrame) codec.Outcome
	State() types.DecoderState
	Replacements() int
}

// Options configures a Sequencer
type Options struct {
	Capacity int
	Policy   buffer.OverflowPolicy
	Logger   *logger.SampledLogger
}

// Sequencer combines a reorder buffer, a decode cursor and a require-key
// flag. Every buffered sequence is strictly greater than the cursor.
type Sequencer struct {
	stream  types.StreamKey
	decoder Decoder
	buf     *buffer.ReorderBuffer
	log     *logger.SampledLogger
	label   string

	cursor     uint64
	hasCursor  bool
	requireKey bool

	forwarded uint64
	dropped   uint64
}

// New creates a sequencer that is blocked until its first key frame.
func New(stream types.StreamKey, decoder Decoder, opts Options) *Sequencer {
	log := opts.Logger
	if log == nil {
		log = logger.NewDecodeLogger(logger.NewNullLogger())
	}
	return &Sequencer{
		stream:  stream,
		decoder: decoder,
		buf:     buffer.NewReorderBuffer(opts.Capacity, opts.Policy),
		label:   stream.MediaKind.String(),
		log: log.Derive(map[string]interface{}{
			"component":  "sequencer",
			"peer_id":    stream.PeerID,
			"media_kind": stream.MediaKind.String(),
		}),
		requireKey: true,
	}
}

// Decode decides whether f is forwarded now, buffered or dropped.
func (s *Sequencer) Decode(f *types.EncodedFrame) types.DecodeStatus {
	switch {
	case s.hasCursor && f.Sequence <= s.cursor:
		s.dropStale(f)
	case f.IsKey():
		s.acceptKey(f)
	case !s.hasCursor:
		s.drop(f, metrics.DropNoCursor)
	case s.requireKey:
		s.drop(f, metrics.DropAwaitingKey)
	default:
		s.acceptDelta(f)
	}
	return s.Status()
}

func (s *Sequencer) acceptKey(f *types.EncodedFrame) {
	if s.requireKey && s.hasCursor {
		s.log.WithFields(map[string]interface{}{
			"sequence":     f.Sequence,
			"prior_cursor": s.cursor,
		}).Info("Key frame received, resuming decode")
	}

	s.requireKey = false
	s.forward(f)
	s.cursor = f.Sequence
	s.hasCursor = true
	s.prune()
}

func (s *Sequencer) acceptDelta(f *types.EncodedFrame) {
	// A key frame may have moved the cursor next to frames that were
	// already buffered; release them before placing f.
	if f.Sequence != s.cursor+1 && s.buf.Contains(s.cursor+1) {
		s.drain()
		s.prune()

		switch {
		case f.Sequence <= s.cursor:
			s.dropStale(f)
			return
		case s.requireKey:
			s.drop(f, metrics.DropAwaitingKey)
			return
		}
	}

	if f.Sequence == s.cursor+1 {
		s.forward(f)
		s.cursor = f.Sequence
		s.drain()
		s.prune()
		return
	}

	s.store(f)
}

// forward hands f to the decoder. The cursor advances whatever the
// outcome; a faulted decoder blocks the stream until the next key frame.
func (s *Sequencer) forward(f *types.EncodedFrame) {
	s.forwarded++
	metrics.IncFramesForwarded(s.label)

	if outcome := s.decoder.DecodePacket(f); outcome.Faulted() {
		s.requireKey = true
		s.log.WithFields(map[string]interface{}{
			"sequence":     f.Sequence,
			"outcome":      outcome.String(),
			"replacements": s.decoder.Replacements(),
		}).Warn("Decoder faulted, waiting for key frame")
	}
}

// drain forwards the consecutive run of buffered frames that follows the
// cursor and stops at the first gap or decoder fault.
func (s *Sequencer) drain() {
	for !s.requireKey {
		next, ok := s.buf.Take(s.cursor + 1)
		if !ok {
			return
		}
		s.forward(next)
		s.cursor = next.Sequence
	}
}

func (s *Sequencer) prune() {
	if n := s.buf.Prune(s.cursor + 1); n > 0 {
		s.dropped += uint64(n)
		for i := 0; i < n; i++ {
			metrics.IncFramesDropped(s.label, metrics.DropStale)
		}
	}
}

func (s *Sequencer) store(f *types.EncodedFrame) {
	result, evicted := s.buf.Insert(f)
	switch result {
	case buffer.Duplicate:
		s.drop(f, metrics.DropDuplicate)
		return
	case buffer.Rejected:
		s.drop(f, metrics.DropOverflowRejected)
		return
	case buffer.InsertedEvicted:
		s.drop(evicted, metrics.DropOverflowEvicted)
	}
	metrics.ObserveBufferDepth(s.label, s.buf.Len())
}

func (s *Sequencer) dropStale(f *types.EncodedFrame) {
	if f.Sequence == s.cursor {
		s.drop(f, metrics.DropDuplicate)
		return
	}
	s.drop(f, metrics.DropStale)
}

func (s *Sequencer) drop(f *types.EncodedFrame, reason string) {
	s.dropped++
	metrics.IncFramesDropped(s.label, reason)
	s.log.Sample(logrus.DebugLevel, logger.CategoryFrameDropped, "Frame dropped", map[string]interface{}{
		"sequence": f.Sequence,
		"kind":     f.Kind.String(),
		"reason":   reason,
	})
}

// Status returns the status reported for every Decode call
func (s *Sequencer) Status() types.DecodeStatus {
	return types.DecodeStatus{Rendered: true, BlockedOnKey: s.requireKey}
}

// Cursor returns the last forwarded sequence, if any
func (s *Sequencer) Cursor() (uint64, bool) {
	return s.cursor, s.hasCursor
}

// Buffered returns the buffered sequence numbers in ascending order
func (s *Sequencer) Buffered() []uint64 {
	return s.buf.Keys()
}

// Reset discards buffered frames without forwarding them
func (s *Sequencer) Reset() int {
	n := s.buf.Clear()
	s.dropped += uint64(n)
	return n
}
