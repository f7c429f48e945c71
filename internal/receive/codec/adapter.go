package codec

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/zsiec/peerdecode/internal/logger"
	"github.com/zsiec/peerdecode/internal/metrics"
	"github.com/zsiec/peerdecode/internal/receive/types"
)

// Outcome reports what DecodePacket did with a frame
type Outcome uint8

const (
	// OutcomeSubmitted means the engine accepted the frame.
	OutcomeSubmitted Outcome = iota
	// OutcomeUnconfigured means the frame was dropped before Configure.
	OutcomeUnconfigured
	// OutcomeRejected means the engine rejected the frame and is still usable.
	OutcomeRejected
	// OutcomeReplaced means the engine was found closed and replaced. The
	// new instance needs a key frame before it produces output.
	OutcomeReplaced
	// OutcomeFaulted means the engine was found closed and no replacement
	// could be set up. The next frame retries the replacement.
	OutcomeFaulted
)

// Faulted reports whether the decoder was found closed
func (o Outcome) Faulted() bool {
	return o == OutcomeReplaced || o == OutcomeFaulted
}

func (o Outcome) String() string {
	switch o {
	case OutcomeSubmitted:
		return "submitted"
	case OutcomeUnconfigured:
		return "unconfigured"
	case OutcomeRejected:
		return "rejected"
	case OutcomeReplaced:
		return "replaced"
	case OutcomeFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Adapter owns exactly one engine at a time and dispatches frames to it
// according to the engine's lifecycle state. It is not safe for concurrent
// use.
type Adapter struct {
	stream  types.StreamKey
	config  types.CodecConfig
	factory EngineFactory
	sink    Sink
	engine  Engine
	log     *logger.SampledLogger

	replacements int
	mediaLabel   string
}

// NewAdapter creates an adapter with a fresh unconfigured engine.
func NewAdapter(stream types.StreamKey, cfg types.CodecConfig, factory EngineFactory, sink Sink, log *logger.SampledLogger) (*Adapter, error) {
	if factory == nil {
		factory = NewPassthroughEngine
	}
	if sink == nil {
		sink = DiscardSink{}
	}
	if log == nil {
		log = logger.NewDecodeLogger(logger.NewNullLogger())
	}

	a := &Adapter{
		stream:     stream,
		config:     cfg,
		factory:    factory,
		sink:       sink,
		mediaLabel: stream.MediaKind.String(),
		log: log.Derive(map[string]interface{}{
			"component":  "decoder_adapter",
			"peer_id":    stream.PeerID,
			"media_kind": stream.MediaKind.String(),
		}),
	}

	engine, err := factory(a.deliver)
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}
	a.engine = engine
	return a, nil
}

// Configure moves the current engine from Unconfigured to Configured.
func (a *Adapter) Configure() error {
	if err := a.engine.Configure(a.config); err != nil {
		return fmt.Errorf("failed to configure %s decoder: %w", a.config.Codec, err)
	}
	return nil
}

// DecodePacket hands f to the engine. Codec-level failures are recovered
// here and reported only through the returned Outcome.
func (a *Adapter) DecodePacket(f *types.EncodedFrame) Outcome {
	switch a.engine.State() {
	case types.DecoderUnconfigured:
		metrics.IncFramesDropped(a.mediaLabel, metrics.DropUnconfigured)
		a.log.Sample(logrus.WarnLevel, logger.CategoryDecoderUnconfigured,
			"Decoder not configured, dropping frame", map[string]interface{}{
				"sequence": f.Sequence,
			})
		return OutcomeUnconfigured

	case types.DecoderClosed:
		return a.recover(f.Sequence, ErrDecoderFault)
	}

	err := a.engine.Decode(f)
	if err == nil {
		return OutcomeSubmitted
	}

	if a.engine.State() == types.DecoderClosed {
		return a.recover(f.Sequence, err)
	}

	metrics.IncFramesDropped(a.mediaLabel, metrics.DropRejected)
	a.log.Sample(logrus.DebugLevel, logger.CategoryDecodeRejected,
		"Decoder rejected frame", map[string]interface{}{
			"sequence": f.Sequence,
			"error":    err.Error(),
		})
	return OutcomeRejected
}

func (a *Adapter) recover(seq uint64, cause error) Outcome {
	if !a.replace() {
		a.log.WithError(cause).WithField("sequence", seq).
			Error("Decoder closed and could not be replaced")
		return OutcomeFaulted
	}

	a.replacements++
	metrics.IncDecoderReplacements(a.mediaLabel)
	a.log.WithError(cause).WithFields(map[string]interface{}{
		"sequence":     seq,
		"replacements": a.replacements,
	}).Warn("Decoder closed, instance replaced")
	return OutcomeReplaced
}

// replace swaps in a new configured engine. On failure the closed engine
// stays in place.
func (a *Adapter) replace() bool {
	engine, err := a.factory(a.deliver)
	if err != nil {
		a.log.WithError(err).Error("Failed to create replacement decoder")
		return false
	}
	if err := engine.Configure(a.config); err != nil {
		_ = engine.Close()
		a.log.WithError(err).Error("Failed to configure replacement decoder")
		return false
	}
	_ = a.engine.Close()
	a.engine = engine
	return true
}

func (a *Adapter) deliver(f types.DecodedFrame) {
	if err := a.sink.Deliver(f); err != nil {
		metrics.IncFramesDropped(a.mediaLabel, metrics.DropSinkUnavailable)
		a.log.Sample(logrus.DebugLevel, logger.CategorySinkUnavailable,
			"Sink unavailable, dropping decoded frame", map[string]interface{}{
				"sequence": f.Sequence,
				"error":    err.Error(),
			})
		return
	}
	metrics.IncFramesDelivered(a.mediaLabel)
}

// State returns the state of the current engine instance
func (a *Adapter) State() types.DecoderState {
	return a.engine.State()
}

// Replacements returns how many times the engine has been replaced
func (a *Adapter) Replacements() int {
	return a.replacements
}

// Close closes the current engine
func (a *Adapter) Close() error {
	return a.engine.Close()
}
