package bridge

import (
	"sync"
	"sync/atomic"

	"github.com/zsiec/peerdecode/internal/config"
	"github.com/zsiec/peerdecode/internal/receive/codec"
	"github.com/zsiec/peerdecode/internal/receive/sequencer"
	"github.com/zsiec/peerdecode/internal/receive/types"
)

// InProcess runs the sequencer synchronously on the caller's goroutine.
// Decoded output still reaches the sink through the engine's callback.
type InProcess struct {
	stream  types.StreamKey
	seq     *sequencer.Sequencer
	adapter *codec.Adapter

	// mu serializes Decode calls and Close; it is uncontended when a
	// stream is fed from a single goroutine.
	mu     sync.Mutex
	closed bool
	latest atomic.Pointer[sequencer.Snapshot]
}

// NewInProcess creates an in-process bridge delivering to sink
func NewInProcess(cfg Config, sink codec.Sink) (*InProcess, error) {
	seq, adapter, err := build(cfg, sink)
	if err != nil {
		return nil, err
	}
	b := &InProcess{stream: cfg.Stream, seq: seq, adapter: adapter}
	b.publish()
	return b, nil
}

func (b *InProcess) Decode(raw []byte) (types.DecodeStatus, error) {
	f, err := parse(b.stream, raw)
	if err != nil {
		return types.DecodeStatus{}, err
	}
	return b.DecodeFrame(f)
}

func (b *InProcess) DecodeFrame(f *types.EncodedFrame) (types.DecodeStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return types.DecodeStatus{}, ErrBridgeClosed
	}
	status := b.seq.Decode(f)
	b.publish()
	return status, nil
}

func (b *InProcess) publish() {
	snap := b.seq.Snapshot()
	b.latest.Store(&snap)
}

func (b *InProcess) Snapshot() sequencer.Snapshot {
	return *b.latest.Load()
}

func (b *InProcess) Strategy() string {
	return config.StrategyInProcess
}

// Close discards buffered frames without draining them.
func (b *InProcess) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	b.seq.Reset()
	b.publish()
	return b.adapter.Close()
}
