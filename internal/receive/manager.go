// Package receive routes inbound media packets to per-stream decode state.
package receive

import (
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/zsiec/peerdecode/internal/config"
	"github.com/zsiec/peerdecode/internal/errors"
	"github.com/zsiec/peerdecode/internal/logger"
	"github.com/zsiec/peerdecode/internal/metrics"
	"github.com/zsiec/peerdecode/internal/receive/bridge"
	"github.com/zsiec/peerdecode/internal/receive/buffer"
	"github.com/zsiec/peerdecode/internal/receive/codec"
	"github.com/zsiec/peerdecode/internal/receive/sequencer"
	"github.com/zsiec/peerdecode/internal/receive/types"
)

var (
	// ErrManagerClosed is returned by Route and Dispatch after Close
	ErrManagerClosed = stderrors.New("decode manager closed")

	// ErrStreamMismatch indicates a packet routed to a stream it does not
	// belong to
	ErrStreamMismatch = stderrors.New("packet does not belong to stream")
)

// SinkFactory returns the output sink bound to a new stream
type SinkFactory func(key types.StreamKey) codec.Sink

// Options configures a Manager
type Options struct {
	Decode  config.DecodeConfig
	Factory codec.EngineFactory // defaults to the passthrough engine
	Sinks   SinkFactory         // defaults to discarding output
	Logger  logger.Logger
}

// StreamInfo describes one active stream
type StreamInfo struct {
	PeerID    string             `json:"peer_id"`
	MediaKind string             `json:"media_kind"`
	Strategy  string             `json:"strategy"`
	StartedAt time.Time          `json:"started_at"`
	Packets   uint64             `json:"packets"`
	State     sequencer.Snapshot `json:"state"`
}

type stream struct {
	key       types.StreamKey
	bridge    bridge.Bridge
	startedAt time.Time
	packets   atomic.Uint64
	blocked   atomic.Bool
}

// Manager owns one decode bridge per (peer, media kind) pair. Streams are
// created on their first packet and torn down without draining.
type Manager struct {
	decode  config.DecodeConfig
	codecs  map[types.MediaKind]types.CodecConfig
	policy  buffer.OverflowPolicy
	factory codec.EngineFactory
	sinks   SinkFactory
	logger  logger.Logger
	sampled *logger.SampledLogger
	events  *eventHub

	streams map[types.StreamKey]*stream
	mu      sync.RWMutex
	closed  bool
}

// NewManager creates a manager from decode configuration
func NewManager(opts Options) (*Manager, error) {
	policy, err := buffer.ParseOverflowPolicy(opts.Decode.OverflowPolicy)
	if err != nil {
		return nil, err
	}

	switch opts.Decode.Strategy {
	case config.StrategyInProcess, config.StrategyDelegated:
	default:
		return nil, fmt.Errorf("unknown execution strategy %q", opts.Decode.Strategy)
	}

	log := opts.Logger
	if log == nil {
		log = logger.NewNullLogger()
	}
	log = log.WithField("component", "decode_manager")

	factory := opts.Factory
	if factory == nil {
		factory = codec.NewPassthroughEngine
	}

	sinks := opts.Sinks
	if sinks == nil {
		sinks = func(types.StreamKey) codec.Sink { return codec.DiscardSink{} }
	}

	return &Manager{
		decode: opts.Decode,
		codecs: map[types.MediaKind]types.CodecConfig{
			types.MediaVideo:  codecConfig(opts.Decode.Video),
			types.MediaScreen: codecConfig(opts.Decode.Screen),
			types.MediaAudio:  codecConfig(opts.Decode.Audio),
		},
		policy:  policy,
		factory: factory,
		sinks:   sinks,
		logger:  log,
		sampled: logger.NewDecodeLogger(log),
		events:  newEventHub(),
		streams: make(map[types.StreamKey]*stream),
	}, nil
}

func codecConfig(c config.CodecConfig) types.CodecConfig {
	return types.CodecConfig{Codec: c.Codec, SampleRate: c.SampleRate, Channels: c.Channels}
}

// Route parses raw and forwards it to the (peerID, kind) stream. A packet
// that fails to parse, or names another sender or media kind, is rejected
// without touching any stream.
func (m *Manager) Route(peerID string, kind types.MediaKind, raw []byte) (types.DecodeStatus, error) {
	f, err := types.ParsePacket(raw)
	if err != nil {
		metrics.IncParseErrors("route")
		return types.DecodeStatus{}, errors.WrapPacketParseError(err)
	}

	if f.PeerID == "" {
		f.PeerID = peerID
	}
	if f.PeerID != peerID || f.MediaKind != kind {
		metrics.IncParseErrors("route")
		return types.DecodeStatus{}, errors.WrapPacketParseError(fmt.Errorf(
			"%w: packet %s routed to %s", ErrStreamMismatch, f.StreamKey(), types.StreamKey{PeerID: peerID, MediaKind: kind}))
	}

	return m.route(f, raw)
}

// Dispatch routes raw to the stream named by the packet's own sender and
// media kind.
func (m *Manager) Dispatch(raw []byte) (types.DecodeStatus, error) {
	f, err := types.ParsePacket(raw)
	if err != nil {
		metrics.IncParseErrors("dispatch")
		return types.DecodeStatus{}, errors.WrapPacketParseError(err)
	}
	if f.PeerID == "" {
		metrics.IncParseErrors("dispatch")
		return types.DecodeStatus{}, errors.WrapPacketParseError(
			fmt.Errorf("%w: missing sender_id", types.ErrPacketParse))
	}

	return m.route(f, raw)
}

func (m *Manager) route(f *types.EncodedFrame, raw []byte) (types.DecodeStatus, error) {
	st, err := m.getOrCreate(f.StreamKey())
	if err != nil {
		return types.DecodeStatus{}, err
	}

	st.packets.Add(1)
	metrics.IncPacketsRouted(f.MediaKind.String())

	var status types.DecodeStatus
	if fd, ok := st.bridge.(bridge.FrameDecoder); ok {
		status, err = fd.DecodeFrame(f)
	} else {
		status, err = st.bridge.Decode(raw)
	}
	if stderrors.Is(err, bridge.ErrBridgeClosed) {
		// The stream was torn down while this packet was in flight.
		metrics.IncFramesDropped(f.MediaKind.String(), metrics.DropStreamClosed)
		m.logger.WithFields(map[string]interface{}{
			"stream":   f.StreamKey().String(),
			"sequence": f.Sequence,
		}).Debug("Stream closed, dropping packet")
		return types.DecodeStatus{}, nil
	}
	if err != nil {
		return status, err
	}

	m.observe(st, status)
	return status, nil
}

// observe publishes key frame events on BlockedOnKey transitions. A new
// stream counts as unblocked so its initial wait is reported.
func (m *Manager) observe(st *stream, status types.DecodeStatus) {
	if st.blocked.Swap(status.BlockedOnKey) == status.BlockedOnKey {
		return
	}

	ev := Event{Type: EventKeyFrameRecovered, Stream: st.key, Strategy: st.bridge.Strategy()}
	if status.BlockedOnKey {
		ev.Type = EventKeyFrameRequired
	}
	m.events.publish(ev)
}

func (m *Manager) getOrCreate(key types.StreamKey) (*stream, error) {
	m.mu.RLock()
	st, ok := m.streams[key]
	closed := m.closed
	m.mu.RUnlock()
	if ok {
		return st, nil
	}
	if closed {
		return nil, ErrManagerClosed
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}
	if st, ok := m.streams[key]; ok {
		return st, nil
	}

	b, err := bridge.New(m.decode.Strategy, bridge.Config{
		Stream:   key,
		Codec:    m.codecs[key.MediaKind],
		Capacity: m.decode.BufferCapacity,
		Policy:   m.policy,
		Factory:  m.factory,
		Logger:   m.sampled,
	}, m.sinks(key), m.decode.MailboxSize)
	if err != nil {
		return nil, errors.WrapInternalError(err, "failed to create stream")
	}

	st = &stream{key: key, bridge: b, startedAt: time.Now()}
	m.streams[key] = st

	metrics.IncActiveStreams(b.Strategy())
	m.logger.WithFields(map[string]interface{}{
		"peer_id":    key.PeerID,
		"media_kind": key.MediaKind.String(),
		"strategy":   b.Strategy(),
	}).Info("Stream started")
	m.events.publish(Event{Type: EventStreamStarted, Stream: key, Strategy: b.Strategy()})

	return st, nil
}

// RemovePeer tears down every stream of peerID, discarding buffered frames.
// It returns the number of streams removed.
func (m *Manager) RemovePeer(peerID string) int {
	m.mu.Lock()
	var removed []*stream
	for key, st := range m.streams {
		if key.PeerID == peerID {
			removed = append(removed, st)
			delete(m.streams, key)
		}
	}
	m.mu.Unlock()

	if len(removed) == 0 {
		return 0
	}

	for _, st := range removed {
		m.teardown(st)
	}

	m.logger.WithFields(map[string]interface{}{
		"peer_id": peerID,
		"streams": len(removed),
	}).Info("Peer removed")
	m.events.publish(Event{Type: EventPeerRemoved, Stream: types.StreamKey{PeerID: peerID}})

	return len(removed)
}

// StopStream tears down a single stream. It reports whether the stream existed.
func (m *Manager) StopStream(key types.StreamKey) bool {
	m.mu.Lock()
	st, ok := m.streams[key]
	if ok {
		delete(m.streams, key)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}
	m.teardown(st)
	return true
}

func (m *Manager) teardown(st *stream) error {
	err := st.bridge.Close()
	if err != nil {
		m.logger.WithError(err).WithField("stream", st.key.String()).Warn("Error closing stream")
	}

	metrics.DecActiveStreams(st.bridge.Strategy())
	m.logger.WithFields(map[string]interface{}{
		"peer_id":    st.key.PeerID,
		"media_kind": st.key.MediaKind.String(),
		"packets":    st.packets.Load(),
	}).Info("Stream stopped")
	m.events.publish(Event{Type: EventStreamStopped, Stream: st.key, Strategy: st.bridge.Strategy()})

	return err
}

// Stream returns information about one active stream
func (m *Manager) Stream(key types.StreamKey) (StreamInfo, bool) {
	m.mu.RLock()
	st, ok := m.streams[key]
	m.mu.RUnlock()
	if !ok {
		return StreamInfo{}, false
	}
	return st.info(), true
}

// Streams returns all active streams ordered by peer and media kind
func (m *Manager) Streams() []StreamInfo {
	m.mu.RLock()
	infos := make([]StreamInfo, 0, len(m.streams))
	for _, st := range m.streams {
		infos = append(infos, st.info())
	}
	m.mu.RUnlock()

	sort.SliceStable(infos, func(i, j int) bool {
		if infos[i].PeerID != infos[j].PeerID {
			return infos[i].PeerID < infos[j].PeerID
		}
		return infos[i].MediaKind < infos[j].MediaKind
	})
	return infos
}

func (st *stream) info() StreamInfo {
	return StreamInfo{
		PeerID:    st.key.PeerID,
		MediaKind: st.key.MediaKind.String(),
		Strategy:  st.bridge.Strategy(),
		StartedAt: st.startedAt,
		Packets:   st.packets.Load(),
		State:     st.bridge.Snapshot(),
	}
}

// StreamCount returns the number of active streams
func (m *Manager) StreamCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.streams)
}

// Strategy returns the execution strategy used for new streams
func (m *Manager) Strategy() string {
	return m.decode.Strategy
}

// Subscribe returns a channel of stream events and a function that
// cancels the subscription. The channel is closed on cancel or Close.
func (m *Manager) Subscribe(size int) (<-chan Event, func()) {
	return m.events.subscribe(size)
}

// Close tears down every stream and closes all subscriptions.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	streams := m.streams
	m.streams = make(map[types.StreamKey]*stream)
	m.mu.Unlock()

	var err error
	for _, st := range streams {
		err = multierr.Append(err, m.teardown(st))
	}

	m.events.close()
	return err
}
