package bridge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/peerdecode/internal/config"
	"github.com/zsiec/peerdecode/internal/receive/buffer"
	"github.com/zsiec/peerdecode/internal/receive/codec"
	"github.com/zsiec/peerdecode/internal/receive/codec/codectest"
	"github.com/zsiec/peerdecode/internal/receive/types"
)

var testStream = types.StreamKey{PeerID: "carol", MediaKind: types.MediaAudio}

func testConfig(rec *codectest.Recorder) Config {
	return Config{
		Stream:   testStream,
		Codec:    types.CodecConfig{Codec: "opus", SampleRate: 48000, Channels: 1},
		Capacity: 100,
		Policy:   buffer.EvictOldest,
		Factory:  rec.Factory(),
	}
}

func packet(seq uint64, kind types.FrameKind) []byte {
	return types.MarshalPacket(&types.EncodedFrame{
		Sequence:  seq,
		Kind:      kind,
		Payload:   []byte{byte(seq), 0xAA},
		MediaKind: testStream.MediaKind,
		PeerID:    testStream.PeerID,
	})
}

func TestNew_SelectsStrategy(t *testing.T) {
	rec := codectest.NewRecorder()

	b, err := New(config.StrategyInProcess, testConfig(rec), nil, 0)
	require.NoError(t, err)
	assert.Equal(t, config.StrategyInProcess, b.Strategy())
	require.NoError(t, b.Close())

	b, err = New(config.StrategyDelegated, testConfig(rec), nil, 8)
	require.NoError(t, err)
	assert.Equal(t, config.StrategyDelegated, b.Strategy())
	require.NoError(t, b.Close())

	_, err = New("threaded", testConfig(rec), nil, 8)
	assert.Error(t, err)
}

// Both strategies must forward the same frames in the same order.
func TestStrategiesPreserveOrdering(t *testing.T) {
	arrivals := []struct {
		seq  uint64
		kind types.FrameKind
	}{
		{2, types.FrameDelta}, // before any key: ignored
		{1, types.FrameKey},
		{3, types.FrameDelta},
		{5, types.FrameDelta},
		{2, types.FrameDelta},
		{3, types.FrameDelta}, // stale
		{4, types.FrameDelta},
		{6, types.FrameDelta},
	}
	want := []uint64{1, 2, 3, 4, 5, 6}

	for _, strategy := range []string{config.StrategyInProcess, config.StrategyDelegated} {
		t.Run(strategy, func(t *testing.T) {
			rec := codectest.NewRecorder()
			b, err := New(strategy, testConfig(rec), nil, 64)
			require.NoError(t, err)
			defer b.Close()

			for _, a := range arrivals {
				_, err := b.Decode(packet(a.seq, a.kind))
				require.NoError(t, err)
			}

			assert.Eventually(t, func() bool {
				return len(rec.Decoded()) == len(want)
			}, time.Second, 5*time.Millisecond)
			assert.Equal(t, want, rec.Decoded())

			assert.Eventually(t, func() bool {
				snap := b.Snapshot()
				return snap.HasCursor && snap.Cursor == 6
			}, time.Second, 5*time.Millisecond)
			assert.Equal(t, testStream, b.Snapshot().Stream)
		})
	}
}

func TestInProcess_ReportsBlockedOnKey(t *testing.T) {
	rec := codectest.NewRecorder()
	b, err := NewInProcess(testConfig(rec), nil)
	require.NoError(t, err)

	status, err := b.Decode(packet(1, types.FrameDelta))
	require.NoError(t, err)
	assert.True(t, status.Rendered)
	assert.True(t, status.BlockedOnKey)

	status, err = b.Decode(packet(2, types.FrameKey))
	require.NoError(t, err)
	assert.False(t, status.BlockedOnKey)
	assert.Equal(t, "configured", b.Snapshot().DecoderState)
}

func TestInProcess_ParseErrorLeavesStateUntouched(t *testing.T) {
	rec := codectest.NewRecorder()
	b, err := NewInProcess(testConfig(rec), nil)
	require.NoError(t, err)

	_, err = b.Decode(packet(1, types.FrameKey))
	require.NoError(t, err)
	before := b.Snapshot()

	_, err = b.Decode([]byte{0xff, 0xff})
	require.ErrorIs(t, err, types.ErrPacketParse)
	assert.Equal(t, before, b.Snapshot())
}

func TestInProcess_DeliversToSink(t *testing.T) {
	sink := codec.NewChannelSink(4)
	b, err := NewInProcess(Config{
		Stream: testStream,
		Codec:  types.CodecConfig{Codec: "opus", SampleRate: 48000, Channels: 1},
	}, sink)
	require.NoError(t, err)

	_, err = b.Decode(packet(1, types.FrameKey))
	require.NoError(t, err)

	out := <-sink.Frames()
	assert.Equal(t, []byte{1, 0xAA}, out.Data)
	assert.Equal(t, testStream, out.Stream)
}

func TestInProcess_UnconfiguredDecoderDropsFrames(t *testing.T) {
	rec := codectest.NewRecorder()
	rec.RefuseConfigure()
	b, err := NewInProcess(testConfig(rec), nil)
	require.NoError(t, err)

	_, err = b.Decode(packet(1, types.FrameKey))
	require.NoError(t, err)

	assert.Empty(t, rec.Decoded())
	assert.Equal(t, "unconfigured", b.Snapshot().DecoderState)
}

func TestInProcess_CloseDiscardsBuffered(t *testing.T) {
	rec := codectest.NewRecorder()
	b, err := NewInProcess(testConfig(rec), nil)
	require.NoError(t, err)

	b.Decode(packet(1, types.FrameKey))
	b.Decode(packet(3, types.FrameDelta))
	require.Equal(t, 1, b.Snapshot().Buffered)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	assert.Equal(t, 0, b.Snapshot().Buffered)
	assert.Equal(t, []uint64{1}, rec.Decoded())

	_, err = b.Decode(packet(2, types.FrameDelta))
	assert.ErrorIs(t, err, ErrBridgeClosed)
}

func TestDelegated_DecodeDoesNotWait(t *testing.T) {
	release := make(chan struct{})
	sink := codec.SinkFunc(func(types.DecodedFrame) error {
		<-release
		return nil
	})

	rec := codectest.NewRecorder()
	d, err := NewDelegated(testConfig(rec), sink, 2)
	require.NoError(t, err)
	defer d.Close()
	assert.NotEmpty(t, d.ID())

	_, err = d.Decode(packet(1, types.FrameKey))
	require.NoError(t, err)

	// The worker is now stuck delivering frame 1.
	require.Eventually(t, func() bool {
		return len(rec.Decoded()) == 1
	}, time.Second, 5*time.Millisecond)

	for seq := uint64(2); seq <= 4; seq++ {
		_, err := d.Decode(packet(seq, types.FrameDelta))
		require.NoError(t, err)
	}
	assert.Equal(t, 2, d.Pending())
	assert.Equal(t, int64(1), d.mailbox.Dropped())

	close(release)

	assert.Eventually(t, func() bool {
		return len(rec.Decoded()) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint64{1, 2, 3}, rec.Decoded())
}

func TestDelegated_StatusFollowsWorker(t *testing.T) {
	rec := codectest.NewRecorder()
	d, err := NewDelegated(testConfig(rec), nil, 16)
	require.NoError(t, err)
	defer d.Close()

	status, err := d.Decode(packet(1, types.FrameDelta))
	require.NoError(t, err)
	assert.True(t, status.BlockedOnKey)

	_, err = d.Decode(packet(2, types.FrameKey))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return !d.Snapshot().BlockedOnKey
	}, time.Second, 5*time.Millisecond)

	status, err = d.Decode(packet(3, types.FrameDelta))
	require.NoError(t, err)
	assert.False(t, status.BlockedOnKey)
}

func TestDelegated_CloseStopsWorker(t *testing.T) {
	rec := codectest.NewRecorder()
	d, err := NewDelegated(testConfig(rec), nil, 16)
	require.NoError(t, err)

	_, err = d.Decode(packet(1, types.FrameKey))
	require.NoError(t, err)

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	select {
	case <-d.done:
	default:
		t.Fatal("worker still running after Close")
	}

	_, err = d.Decode(packet(2, types.FrameDelta))
	assert.ErrorIs(t, err, ErrBridgeClosed)
}
