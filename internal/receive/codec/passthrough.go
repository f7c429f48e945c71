package codec

import (
	"fmt"

	"github.com/zsiec/peerdecode/internal/receive/types"
)

// PassthroughEngine emits each frame's payload as its decoded output. It
// follows the decoder lifecycle of a real codec: nothing is produced until
// a key frame after Configure, and an empty payload is a fatal fault that
// closes the instance.
type PassthroughEngine struct {
	out        OutputFunc
	cfg        types.CodecConfig
	state      types.DecoderState
	waitingKey bool
}

// NewPassthroughEngine creates an unconfigured passthrough engine
func NewPassthroughEngine(out OutputFunc) (Engine, error) {
	if out == nil {
		return nil, fmt.Errorf("output func is required")
	}
	return &PassthroughEngine{out: out}, nil
}

func (e *PassthroughEngine) Configure(cfg types.CodecConfig) error {
	if e.state == types.DecoderClosed {
		return fmt.Errorf("configure: %w", ErrDecoderFault)
	}
	if cfg.Codec == "" {
		return fmt.Errorf("codec is required")
	}
	e.cfg = cfg
	e.state = types.DecoderConfigured
	e.waitingKey = true
	return nil
}

func (e *PassthroughEngine) Decode(f *types.EncodedFrame) error {
	switch e.state {
	case types.DecoderUnconfigured:
		return ErrDecoderUnconfigured
	case types.DecoderClosed:
		return ErrDecoderFault
	}

	if len(f.Payload) == 0 {
		e.state = types.DecoderClosed
		return fmt.Errorf("empty payload at sequence %d: %w", f.Sequence, ErrDecoderFault)
	}

	if e.waitingKey {
		if !f.IsKey() {
			return fmt.Errorf("delta frame %d before first key frame", f.Sequence)
		}
		e.waitingKey = false
	}

	e.out(types.DecodedFrame{
		Stream:    f.StreamKey(),
		Sequence:  f.Sequence,
		Timestamp: f.Timestamp,
		Duration:  f.Duration,
		Data:      f.Payload,
	})
	return nil
}

func (e *PassthroughEngine) State() types.DecoderState {
	return e.state
}

// Config returns the configuration applied by the last Configure call
func (e *PassthroughEngine) Config() types.CodecConfig {
	return e.cfg
}

func (e *PassthroughEngine) Close() error {
	e.state = types.DecoderClosed
	return nil
}
