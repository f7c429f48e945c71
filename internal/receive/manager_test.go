package receive

import (
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/peerdecode/internal/config"
	"github.com/zsiec/peerdecode/internal/errors"
	"github.com/zsiec/peerdecode/internal/receive/codec"
	"github.com/zsiec/peerdecode/internal/receive/codec/codectest"
	"github.com/zsiec/peerdecode/internal/receive/types"
)

func decodeConfig(strategy string) config.DecodeConfig {
	return config.DecodeConfig{
		Strategy:       strategy,
		BufferCapacity: 100,
		OverflowPolicy: config.OverflowEvictOldest,
		MailboxSize:    64,
		Video:          config.CodecConfig{Codec: "vp09.00.10.08"},
		Screen:         config.CodecConfig{Codec: "vp09.00.10.08"},
		Audio:          config.CodecConfig{Codec: "opus", SampleRate: 48000, Channels: 1},
	}
}

func newTestManager(t *testing.T, strategy string) (*Manager, *codectest.Recorder) {
	t.Helper()
	rec := codectest.NewRecorder()
	m, err := NewManager(Options{Decode: decodeConfig(strategy), Factory: rec.Factory()})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m, rec
}

func packet(peer string, kind types.MediaKind, seq uint64, fk types.FrameKind) []byte {
	return types.MarshalPacket(&types.EncodedFrame{
		Sequence:  seq,
		Kind:      fk,
		Payload:   []byte{byte(seq)},
		MediaKind: kind,
		PeerID:    peer,
	})
}

func TestNewManager_RejectsBadConfig(t *testing.T) {
	cfg := decodeConfig(config.StrategyInProcess)
	cfg.OverflowPolicy = "drop_everything"
	_, err := NewManager(Options{Decode: cfg})
	assert.Error(t, err)

	cfg = decodeConfig("threaded")
	_, err = NewManager(Options{Decode: cfg})
	assert.Error(t, err)
}

func TestRoute_CreatesStreamsLazily(t *testing.T) {
	m, rec := newTestManager(t, config.StrategyInProcess)
	assert.Equal(t, 0, m.StreamCount())

	status, err := m.Route("alice", types.MediaVideo, packet("alice", types.MediaVideo, 1, types.FrameKey))
	require.NoError(t, err)
	assert.True(t, status.Rendered)
	assert.False(t, status.BlockedOnKey)

	_, err = m.Route("alice", types.MediaAudio, packet("alice", types.MediaAudio, 1, types.FrameKey))
	require.NoError(t, err)
	_, err = m.Route("alice", types.MediaVideo, packet("alice", types.MediaVideo, 2, types.FrameDelta))
	require.NoError(t, err)

	assert.Equal(t, 2, m.StreamCount())
	assert.Equal(t, 2, rec.Engines())

	info, ok := m.Stream(types.StreamKey{PeerID: "alice", MediaKind: types.MediaVideo})
	require.True(t, ok)
	assert.Equal(t, uint64(2), info.Packets)
	assert.Equal(t, uint64(2), info.State.Cursor)
	assert.Equal(t, config.StrategyInProcess, info.Strategy)
}

func TestRoute_ParseErrorDoesNotCreateStream(t *testing.T) {
	m, _ := newTestManager(t, config.StrategyInProcess)

	_, err := m.Route("alice", types.MediaVideo, []byte{0x0a, 0xff})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypePacketParse))
	assert.True(t, stderrors.Is(err, types.ErrPacketParse))
	assert.Equal(t, 0, m.StreamCount())
}

func TestRoute_ParseErrorDoesNotTouchExistingStream(t *testing.T) {
	m, _ := newTestManager(t, config.StrategyInProcess)
	key := types.StreamKey{PeerID: "alice", MediaKind: types.MediaVideo}

	_, err := m.Route("alice", types.MediaVideo, packet("alice", types.MediaVideo, 1, types.FrameKey))
	require.NoError(t, err)
	before, _ := m.Stream(key)

	_, err = m.Route("alice", types.MediaVideo, []byte("not a packet"))
	require.Error(t, err)

	after, _ := m.Stream(key)
	assert.Equal(t, before.State, after.State)
	assert.Equal(t, before.Packets, after.Packets)
}

func TestRoute_RejectsMismatchedStream(t *testing.T) {
	m, _ := newTestManager(t, config.StrategyInProcess)

	_, err := m.Route("alice", types.MediaVideo, packet("bob", types.MediaVideo, 1, types.FrameKey))
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, ErrStreamMismatch))
	assert.True(t, errors.IsType(err, errors.ErrorTypePacketParse))

	_, err = m.Route("alice", types.MediaAudio, packet("alice", types.MediaVideo, 1, types.FrameKey))
	assert.True(t, stderrors.Is(err, ErrStreamMismatch))
	assert.Equal(t, 0, m.StreamCount())
}

func TestRoute_FillsMissingSender(t *testing.T) {
	m, _ := newTestManager(t, config.StrategyInProcess)

	_, err := m.Route("dave", types.MediaScreen, packet("", types.MediaScreen, 1, types.FrameKey))
	require.NoError(t, err)

	_, ok := m.Stream(types.StreamKey{PeerID: "dave", MediaKind: types.MediaScreen})
	assert.True(t, ok)
}

func TestDispatch_UsesPacketIdentity(t *testing.T) {
	m, _ := newTestManager(t, config.StrategyInProcess)

	_, err := m.Dispatch(packet("erin", types.MediaScreen, 1, types.FrameKey))
	require.NoError(t, err)

	streams := m.Streams()
	require.Len(t, streams, 1)
	assert.Equal(t, "erin", streams[0].PeerID)
	assert.Equal(t, "screen", streams[0].MediaKind)

	_, err = m.Dispatch(packet("", types.MediaScreen, 2, types.FrameDelta))
	assert.True(t, errors.IsType(err, errors.ErrorTypePacketParse))
}

func TestRoute_ClosedStreamDropsSilently(t *testing.T) {
	for _, strategy := range []string{config.StrategyInProcess, config.StrategyDelegated} {
		t.Run(strategy, func(t *testing.T) {
			m, _ := newTestManager(t, strategy)
			key := types.StreamKey{PeerID: "alice", MediaKind: types.MediaVideo}

			_, err := m.Dispatch(packet("alice", types.MediaVideo, 1, types.FrameKey))
			require.NoError(t, err)

			// Close the bridge while the stream is still registered, as a
			// concurrent StopStream would between lookup and decode.
			m.mu.RLock()
			st := m.streams[key]
			m.mu.RUnlock()
			require.NotNil(t, st)
			require.NoError(t, st.bridge.Close())

			status, err := m.Dispatch(packet("alice", types.MediaVideo, 2, types.FrameDelta))
			assert.NoError(t, err)
			assert.Equal(t, types.DecodeStatus{}, status)

			status, err = m.Route("alice", types.MediaVideo, packet("alice", types.MediaVideo, 3, types.FrameDelta))
			assert.NoError(t, err)
			assert.Equal(t, types.DecodeStatus{}, status)
		})
	}
}

func TestRemovePeer(t *testing.T) {
	for _, strategy := range []string{config.StrategyInProcess, config.StrategyDelegated} {
		t.Run(strategy, func(t *testing.T) {
			m, _ := newTestManager(t, strategy)
			for _, kind := range types.MediaKinds {
				_, err := m.Route("alice", kind, packet("alice", kind, 1, types.FrameKey))
				require.NoError(t, err)
			}
			_, err := m.Route("bob", types.MediaAudio, packet("bob", types.MediaAudio, 1, types.FrameKey))
			require.NoError(t, err)

			assert.Equal(t, 3, m.RemovePeer("alice"))
			assert.Equal(t, 0, m.RemovePeer("alice"))

			streams := m.Streams()
			require.Len(t, streams, 1)
			assert.Equal(t, "bob", streams[0].PeerID)
		})
	}
}

func TestRemovePeer_DiscardsBufferedFrames(t *testing.T) {
	m, rec := newTestManager(t, config.StrategyInProcess)

	m.Route("alice", types.MediaVideo, packet("alice", types.MediaVideo, 1, types.FrameKey))
	m.Route("alice", types.MediaVideo, packet("alice", types.MediaVideo, 3, types.FrameDelta))
	m.RemovePeer("alice")

	// A new stream starts from scratch: the delta is dropped, 3 never drains.
	status, err := m.Route("alice", types.MediaVideo, packet("alice", types.MediaVideo, 2, types.FrameDelta))
	require.NoError(t, err)
	assert.True(t, status.BlockedOnKey)
	assert.Equal(t, []uint64{1}, rec.Decoded())
}

func TestStopStream(t *testing.T) {
	m, _ := newTestManager(t, config.StrategyInProcess)
	key := types.StreamKey{PeerID: "alice", MediaKind: types.MediaAudio}

	m.Route("alice", types.MediaAudio, packet("alice", types.MediaAudio, 1, types.FrameKey))
	m.Route("alice", types.MediaVideo, packet("alice", types.MediaVideo, 1, types.FrameKey))

	assert.True(t, m.StopStream(key))
	assert.False(t, m.StopStream(key))
	assert.Equal(t, 1, m.StreamCount())
}

func collect(t *testing.T, ch <-chan Event, n int) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(time.Second)
	for len(out) < n {
		select {
		case ev := <-ch:
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("got %d events, want %d", len(out), n)
		}
	}
	return out
}

func TestEvents(t *testing.T) {
	m, rec := newTestManager(t, config.StrategyInProcess)
	events, cancel := m.Subscribe(32)
	defer cancel()

	key := types.StreamKey{PeerID: "alice", MediaKind: types.MediaVideo}

	m.Route("alice", types.MediaVideo, packet("alice", types.MediaVideo, 1, types.FrameDelta))
	m.Route("alice", types.MediaVideo, packet("alice", types.MediaVideo, 2, types.FrameKey))
	rec.CloseCurrent()
	m.Route("alice", types.MediaVideo, packet("alice", types.MediaVideo, 3, types.FrameDelta))
	m.Route("alice", types.MediaVideo, packet("alice", types.MediaVideo, 4, types.FrameKey))
	m.RemovePeer("alice")

	got := collect(t, events, 7)
	wantTypes := []EventType{
		EventStreamStarted,
		EventKeyFrameRequired,
		EventKeyFrameRecovered,
		EventKeyFrameRequired,
		EventKeyFrameRecovered,
		EventStreamStopped,
		EventPeerRemoved,
	}
	for i, ev := range got {
		assert.Equal(t, wantTypes[i], ev.Type, "event %d", i)
		assert.Equal(t, key.PeerID, ev.Stream.PeerID)
		assert.False(t, ev.Time.IsZero())
	}
	assert.Equal(t, key, got[0].Stream)
	assert.Equal(t, config.StrategyInProcess, got[0].Strategy)
}

func TestSubscribe_CancelAndClose(t *testing.T) {
	m, _ := newTestManager(t, config.StrategyInProcess)

	ch1, cancel1 := m.Subscribe(1)
	ch2, _ := m.Subscribe(1)

	cancel1()
	cancel1()
	_, ok := <-ch1
	assert.False(t, ok)

	require.NoError(t, m.Close())
	_, ok = <-ch2
	assert.False(t, ok)

	ch3, _ := m.Subscribe(1)
	_, ok = <-ch3
	assert.False(t, ok)
}

func TestClose(t *testing.T) {
	m, _ := newTestManager(t, config.StrategyDelegated)

	m.Route("alice", types.MediaVideo, packet("alice", types.MediaVideo, 1, types.FrameKey))
	m.Route("bob", types.MediaVideo, packet("bob", types.MediaVideo, 1, types.FrameKey))

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.Equal(t, 0, m.StreamCount())

	_, err := m.Route("alice", types.MediaVideo, packet("alice", types.MediaVideo, 2, types.FrameDelta))
	assert.ErrorIs(t, err, ErrManagerClosed)
}

func TestDelegatedStrategyDeliversToSink(t *testing.T) {
	sink := codec.NewChannelSink(8)
	m, err := NewManager(Options{
		Decode: decodeConfig(config.StrategyDelegated),
		Sinks:  func(types.StreamKey) codec.Sink { return sink },
	})
	require.NoError(t, err)
	defer m.Close()

	for _, seq := range []uint64{1, 3, 2} {
		kind := types.FrameDelta
		if seq == 1 {
			kind = types.FrameKey
		}
		_, err := m.Route("frank", types.MediaAudio, packet("frank", types.MediaAudio, seq, kind))
		require.NoError(t, err)
	}

	var got []uint64
	timeout := time.After(time.Second)
	for len(got) < 3 {
		select {
		case f := <-sink.Frames():
			got = append(got, f.Sequence)
		case <-timeout:
			t.Fatalf("received %v", got)
		}
	}
	assert.Equal(t, []uint64{1, 2, 3}, got)
}

func TestConcurrentStreams(t *testing.T) {
	m, _ := newTestManager(t, config.StrategyInProcess)
	peers := []string{"p1", "p2", "p3", "p4"}

	var wg sync.WaitGroup
	for _, peer := range peers {
		for _, kind := range types.MediaKinds {
			wg.Add(1)
			go func(peer string, kind types.MediaKind) {
				defer wg.Done()
				for seq := uint64(1); seq <= 50; seq++ {
					fk := types.FrameDelta
					if seq == 1 {
						fk = types.FrameKey
					}
					_, err := m.Route(peer, kind, packet(peer, kind, seq, fk))
					assert.NoError(t, err)
				}
			}(peer, kind)
		}
	}
	wg.Wait()

	streams := m.Streams()
	require.Len(t, streams, len(peers)*len(types.MediaKinds))
	for _, st := range streams {
		assert.Equal(t, uint64(50), st.State.Cursor)
		assert.Equal(t, uint64(50), st.Packets)
	}
	assert.Equal(t, "p1", streams[0].PeerID)
}
