// Package bridge runs a stream's sequencer either on the caller's
// goroutine or on a dedicated worker fed by one-way messages.
package bridge

import (
	"errors"
	"fmt"

	"github.com/zsiec/peerdecode/internal/config"
	"github.com/zsiec/peerdecode/internal/logger"
	"github.com/zsiec/peerdecode/internal/receive/buffer"
	"github.com/zsiec/peerdecode/internal/receive/codec"
	"github.com/zsiec/peerdecode/internal/receive/sequencer"
	"github.com/zsiec/peerdecode/internal/receive/types"
)

// ErrBridgeClosed is returned by Decode after Close
var ErrBridgeClosed = errors.New("bridge closed")

// Bridge is the decode capability of one stream. Implementations differ
// only in where the sequencer state lives.
type Bridge interface {
	// Decode accepts one raw media packet. Only packet parse errors and
	// ErrBridgeClosed are returned; codec faults are recovered in place.
	Decode(raw []byte) (types.DecodeStatus, error)
	// Snapshot returns the latest published stream state. It is safe to
	// call from any goroutine.
	Snapshot() sequencer.Snapshot
	Strategy() string
	Close() error
}

// FrameDecoder is implemented by bridges that can take an already parsed
// frame, saving a second parse.
type FrameDecoder interface {
	DecodeFrame(f *types.EncodedFrame) (types.DecodeStatus, error)
}

// Config holds everything needed to build a stream's decode state
type Config struct {
	Stream   types.StreamKey
	Codec    types.CodecConfig
	Capacity int
	Policy   buffer.OverflowPolicy
	Factory  codec.EngineFactory
	Logger   *logger.SampledLogger
}

// New builds a bridge for strategy ("inprocess" or "delegated").
func New(strategy string, cfg Config, sink codec.Sink, mailboxSize int) (Bridge, error) {
	switch strategy {
	case config.StrategyInProcess:
		return NewInProcess(cfg, sink)
	case config.StrategyDelegated:
		return NewDelegated(cfg, sink, mailboxSize)
	default:
		return nil, fmt.Errorf("unknown execution strategy %q", strategy)
	}
}

func (c Config) logger() *logger.SampledLogger {
	if c.Logger == nil {
		return logger.NewDecodeLogger(logger.NewNullLogger())
	}
	return c.Logger
}

// build creates the adapter and sequencer of a stream. A decoder that
// fails to configure is kept unconfigured; its frames are dropped.
func build(cfg Config, sink codec.Sink) (*sequencer.Sequencer, *codec.Adapter, error) {
	log := cfg.logger()

	adapter, err := codec.NewAdapter(cfg.Stream, cfg.Codec, cfg.Factory, sink, log)
	if err != nil {
		return nil, nil, err
	}
	if err := adapter.Configure(); err != nil {
		log.WithError(err).WithFields(map[string]interface{}{
			"peer_id":    cfg.Stream.PeerID,
			"media_kind": cfg.Stream.MediaKind.String(),
		}).Error("Decoder configuration failed")
	}

	seq := sequencer.New(cfg.Stream, adapter, sequencer.Options{
		Capacity: cfg.Capacity,
		Policy:   cfg.Policy,
		Logger:   log,
	})
	return seq, adapter, nil
}

// parse decodes raw and binds it to stream when the packet carries no
// sender identity.
func parse(stream types.StreamKey, raw []byte) (*types.EncodedFrame, error) {
	f, err := types.ParsePacket(raw)
	if err != nil {
		return nil, err
	}
	if f.PeerID == "" {
		f.PeerID = stream.PeerID
	}
	return f, nil
}
