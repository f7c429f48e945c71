package sequencer

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/peerdecode/internal/receive/buffer"
	"github.com/zsiec/peerdecode/internal/receive/codec"
	"github.com/zsiec/peerdecode/internal/receive/codec/codectest"
	"github.com/zsiec/peerdecode/internal/receive/types"
)

var testStream = types.StreamKey{PeerID: "alice", MediaKind: types.MediaVideo}

// fakeDecoder records every forwarded sequence and can report a closed
// decoder for chosen sequences.
type fakeDecoder struct {
	calls        []uint64
	replaceOn    map[uint64]bool
	replacements int
}

func newFakeDecoder() *fakeDecoder {
	return &fakeDecoder{replaceOn: make(map[uint64]bool)}
}

func (d *fakeDecoder) DecodePacket(f *types.EncodedFrame) codec.Outcome {
	d.calls = append(d.calls, f.Sequence)
	if d.replaceOn[f.Sequence] {
		delete(d.replaceOn, f.Sequence)
		d.replacements++
		return codec.OutcomeReplaced
	}
	return codec.OutcomeSubmitted
}

func (d *fakeDecoder) State() types.DecoderState { return types.DecoderConfigured }
func (d *fakeDecoder) Replacements() int         { return d.replacements }

func key(seq uint64) *types.EncodedFrame {
	return &types.EncodedFrame{Sequence: seq, Kind: types.FrameKey, Payload: []byte{1}, PeerID: testStream.PeerID}
}

func delta(seq uint64) *types.EncodedFrame {
	return &types.EncodedFrame{Sequence: seq, Kind: types.FrameDelta, Payload: []byte{1}, PeerID: testStream.PeerID}
}

func newSequencer(capacity int, policy buffer.OverflowPolicy) (*Sequencer, *fakeDecoder) {
	d := newFakeDecoder()
	return New(testStream, d, Options{Capacity: capacity, Policy: policy}), d
}

func assertCursor(t *testing.T, s *Sequencer, want uint64) {
	t.Helper()
	got, ok := s.Cursor()
	require.True(t, ok, "cursor should be set")
	assert.Equal(t, want, got)
}

func TestInOrderFramesForwarded(t *testing.T) {
	s, d := newSequencer(100, buffer.EvictOldest)

	s.Decode(key(1))
	s.Decode(delta(2))
	status := s.Decode(delta(3))

	assert.Equal(t, []uint64{1, 2, 3}, d.calls)
	assertCursor(t, s, 3)
	assert.Empty(t, s.Buffered())
	assert.Equal(t, types.DecodeStatus{Rendered: true, BlockedOnKey: false}, status)
}

func TestGapFillDrainsBuffered(t *testing.T) {
	s, d := newSequencer(100, buffer.EvictOldest)

	s.Decode(key(1))
	assert.Equal(t, []uint64{1}, d.calls)

	s.Decode(delta(3))
	assert.Equal(t, []uint64{1}, d.calls)
	assertCursor(t, s, 1)
	assert.Equal(t, []uint64{3}, s.Buffered())

	s.Decode(delta(2))
	assert.Equal(t, []uint64{1, 2, 3}, d.calls)
	assertCursor(t, s, 3)
	assert.Empty(t, s.Buffered())
}

func TestDecoderFaultBlocksUntilKey(t *testing.T) {
	rec := codectest.NewRecorder()
	adapter, err := codec.NewAdapter(testStream, types.CodecConfig{Codec: "vp09.00.10.08"}, rec.Factory(), nil, nil)
	require.NoError(t, err)
	require.NoError(t, adapter.Configure())
	s := New(testStream, adapter, Options{Capacity: 100})

	s.Decode(key(1))
	s.Decode(delta(2))

	rec.CloseCurrent()
	status := s.Decode(delta(3))
	assert.True(t, status.BlockedOnKey)
	assert.Equal(t, 2, rec.Engines())
	assert.Equal(t, types.DecoderConfigured, adapter.State())

	status = s.Decode(delta(4))
	assert.True(t, status.BlockedOnKey)
	s.Decode(delta(5))
	assert.Equal(t, []uint64{1, 2}, rec.Decoded())

	status = s.Decode(key(6))
	assert.False(t, status.BlockedOnKey)
	s.Decode(delta(7))
	assert.Equal(t, []uint64{1, 2, 6, 7}, rec.Decoded())
	assertCursor(t, s, 7)
}

func TestFailedReplacementKeepsStreamBlocked(t *testing.T) {
	rec := codectest.NewRecorder()
	adapter, err := codec.NewAdapter(testStream, types.CodecConfig{Codec: "vp09.00.10.08"}, rec.Factory(), nil, nil)
	require.NoError(t, err)
	require.NoError(t, adapter.Configure())
	s := New(testStream, adapter, Options{Capacity: 100})

	s.Decode(key(1))
	rec.RefuseConfigure()
	rec.CloseCurrent()

	assert.True(t, s.Decode(delta(2)).BlockedOnKey)
	assert.True(t, s.Decode(key(3)).BlockedOnKey)
	assert.Equal(t, types.DecoderClosed, adapter.State())
	assert.Equal(t, 0, adapter.Replacements())

	rec.AcceptConfigure()
	// The key frame that triggers the replacement is not resubmitted.
	assert.True(t, s.Decode(key(4)).BlockedOnKey)
	assert.Equal(t, 1, adapter.Replacements())

	assert.False(t, s.Decode(key(5)).BlockedOnKey)
	assert.Equal(t, []uint64{1, 5}, rec.Decoded())
}

func TestStaleRedeliveryIgnored(t *testing.T) {
	s, d := newSequencer(100, buffer.EvictOldest)
	for seq := uint64(1); seq <= 5; seq++ {
		if seq == 1 {
			s.Decode(key(seq))
		} else {
			s.Decode(delta(seq))
		}
	}
	s.Decode(delta(9))
	before := s.Snapshot()
	calls := len(d.calls)

	s.Decode(delta(3))

	after := s.Snapshot()
	assert.Equal(t, calls, len(d.calls))
	assert.Equal(t, before.Cursor, after.Cursor)
	assert.Equal(t, []uint64{9}, s.Buffered())
	assert.Equal(t, before.Dropped+1, after.Dropped)
}

func TestDeltaBeforeAnyKeyIsIgnored(t *testing.T) {
	s, d := newSequencer(100, buffer.EvictOldest)

	status := s.Decode(delta(1))
	s.Decode(delta(2))

	assert.True(t, status.BlockedOnKey)
	assert.Empty(t, d.calls)
	assert.Empty(t, s.Buffered())
	_, ok := s.Cursor()
	assert.False(t, ok)
}

func TestKeyFrameResetDiscardsOlderBufferedFrames(t *testing.T) {
	s, d := newSequencer(100, buffer.EvictOldest)

	s.Decode(key(1))
	s.Decode(delta(4))
	s.Decode(delta(6))
	s.Decode(delta(9))
	require.Equal(t, []uint64{4, 6, 9}, s.Buffered())

	s.Decode(key(7))

	assert.Equal(t, []uint64{1, 7}, d.calls)
	assertCursor(t, s, 7)
	assert.Equal(t, []uint64{9}, s.Buffered())
}

func TestKeyFrameJumpReleasesBufferedSuccessor(t *testing.T) {
	s, d := newSequencer(100, buffer.EvictOldest)

	s.Decode(key(1))
	s.Decode(delta(5))
	s.Decode(delta(6))
	s.Decode(key(4))
	require.Equal(t, []uint64{5, 6}, s.Buffered())

	// 8 is not next, but 5 is buffered next to the cursor: the run 5, 6
	// is released first and 8 is buffered behind the new gap.
	s.Decode(delta(8))
	assert.Equal(t, []uint64{1, 4, 5, 6}, d.calls)
	assertCursor(t, s, 6)
	assert.Equal(t, []uint64{8}, s.Buffered())

	s.Decode(delta(7))
	assert.Equal(t, []uint64{1, 4, 5, 6, 7, 8}, d.calls)
	assert.Empty(t, s.Buffered())
}

func TestPreDrainMakesArrivalStale(t *testing.T) {
	s, d := newSequencer(100, buffer.EvictOldest)

	s.Decode(key(1))
	s.Decode(delta(3))
	s.Decode(delta(4))
	s.Decode(key(2))
	require.Equal(t, []uint64{3, 4}, s.Buffered())

	s.Decode(delta(4))
	assert.Equal(t, []uint64{1, 2, 3, 4}, d.calls)
	assertCursor(t, s, 4)
}

func TestGapBlocking(t *testing.T) {
	s, d := newSequencer(100, buffer.EvictOldest)
	d.replaceOn[3] = true

	s.Decode(key(1))
	s.Decode(delta(2))
	status := s.Decode(delta(3))
	require.True(t, status.BlockedOnKey)

	for seq := uint64(4); seq < 10; seq++ {
		status = s.Decode(delta(seq))
		assert.True(t, status.BlockedOnKey)
	}
	assert.Equal(t, []uint64{1, 2, 3}, d.calls)
	assert.Empty(t, s.Buffered())

	status = s.Decode(key(10))
	assert.False(t, status.BlockedOnKey)
	s.Decode(delta(11))
	assert.Equal(t, []uint64{1, 2, 3, 10, 11}, d.calls)
}

func TestDrainStopsOnDecoderFault(t *testing.T) {
	s, d := newSequencer(100, buffer.EvictOldest)
	d.replaceOn[3] = true

	s.Decode(key(1))
	s.Decode(delta(3))
	s.Decode(delta(4))
	s.Decode(delta(5))

	status := s.Decode(delta(2))

	assert.True(t, status.BlockedOnKey)
	assert.Equal(t, []uint64{1, 2, 3}, d.calls)
	assertCursor(t, s, 3)
	assert.Equal(t, []uint64{4, 5}, s.Buffered())

	s.Decode(key(6))
	assert.Empty(t, s.Buffered())
}

func TestStaleKeyFrameIsDropped(t *testing.T) {
	s, d := newSequencer(100, buffer.EvictOldest)

	s.Decode(key(5))
	s.Decode(key(5))
	s.Decode(key(3))

	assert.Equal(t, []uint64{5}, d.calls)
	assertCursor(t, s, 5)
}

func TestBufferedDuplicateIsDropped(t *testing.T) {
	s, d := newSequencer(100, buffer.EvictOldest)

	s.Decode(key(1))
	s.Decode(delta(3))
	s.Decode(delta(3))
	s.Decode(delta(2))

	assert.Equal(t, []uint64{1, 2, 3}, d.calls)
}

func TestOverflowAtCapacity(t *testing.T) {
	tests := []struct {
		name     string
		policy   buffer.OverflowPolicy
		buffered []uint64
		calls    []uint64
	}{
		{
			name:     "evict oldest",
			policy:   buffer.EvictOldest,
			buffered: []uint64{4, 5, 6},
			// 3 was evicted, so filling 2 cannot reach 4.
			calls: []uint64{1, 2},
		},
		{
			name:     "reject newest",
			policy:   buffer.RejectNewest,
			buffered: []uint64{3, 4, 5},
			calls:    []uint64{1, 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, d := newSequencer(3, tt.policy)

			s.Decode(key(1))
			s.Decode(delta(3))
			s.Decode(delta(4))
			s.Decode(delta(5))
			s.Decode(delta(6))
			assert.Equal(t, tt.buffered, s.Buffered())

			s.Decode(delta(2))
			if tt.policy == buffer.RejectNewest {
				assert.Equal(t, []uint64{1, 2, 3, 4, 5}, d.calls)
				assert.Empty(t, s.Buffered())
				return
			}
			assert.Equal(t, tt.calls, d.calls)
			assert.Equal(t, tt.buffered, s.Buffered())
		})
	}
}

// shuffled returns frames 1..n (1 is key) in a random arrival order with
// duplicates mixed in.
func shuffled(r *rand.Rand, n int) []*types.EncodedFrame {
	frames := []*types.EncodedFrame{key(1)}
	for seq := uint64(2); seq <= uint64(n); seq++ {
		frames = append(frames, delta(seq))
	}
	for i := 0; i < n/4; i++ {
		frames = append(frames, delta(uint64(r.Intn(n)+1)))
	}
	r.Shuffle(len(frames), func(i, j int) { frames[i], frames[j] = frames[j], frames[i] })
	return frames
}

func TestMonotonicForwarding(t *testing.T) {
	r := rand.New(rand.NewSource(7))

	for round := 0; round < 50; round++ {
		s, d := newSequencer(16, buffer.EvictOldest)
		for _, f := range shuffled(r, 40) {
			s.Decode(f)

			cursor, ok := s.Cursor()
			if ok {
				for _, k := range s.Buffered() {
					require.Greater(t, k, cursor, "buffered key must exceed cursor")
				}
			}
		}

		for i := 1; i < len(d.calls); i++ {
			require.Greater(t, d.calls[i], d.calls[i-1], "round %d: forwarding must be strictly increasing", round)
		}
	}
}

func TestIdempotenceOnStaleInput(t *testing.T) {
	r := rand.New(rand.NewSource(11))
	s, d := newSequencer(100, buffer.EvictOldest)

	s.Decode(key(1))
	for seq := uint64(2); seq <= 20; seq++ {
		s.Decode(delta(seq))
	}
	s.Decode(delta(25))
	s.Decode(delta(27))

	cursor, _ := s.Cursor()
	buffered := s.Buffered()
	calls := len(d.calls)

	for i := 0; i < 30; i++ {
		seq := uint64(r.Intn(int(cursor)) + 1)
		if i%2 == 0 {
			s.Decode(delta(seq))
		} else {
			s.Decode(key(seq))
		}
		got, _ := s.Cursor()
		require.Equal(t, cursor, got)
		require.Equal(t, buffered, s.Buffered())
		require.Equal(t, calls, len(d.calls))
	}
}

func TestSnapshotAndReset(t *testing.T) {
	s, _ := newSequencer(100, buffer.EvictOldest)
	s.Decode(delta(1))
	s.Decode(key(2))
	s.Decode(delta(4))
	s.Decode(delta(5))

	snap := s.Snapshot()
	assert.Equal(t, testStream, snap.Stream)
	assert.Equal(t, uint64(2), snap.Cursor)
	assert.True(t, snap.HasCursor)
	assert.False(t, snap.BlockedOnKey)
	assert.Equal(t, 2, snap.Buffered)
	assert.Equal(t, "configured", snap.DecoderState)
	assert.Equal(t, uint64(1), snap.Forwarded)
	assert.Equal(t, uint64(1), snap.Dropped)

	assert.Equal(t, 2, s.Reset())
	assert.Empty(t, s.Buffered())
	assert.Equal(t, uint64(3), s.Snapshot().Dropped)
}
