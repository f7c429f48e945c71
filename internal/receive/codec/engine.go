// Package codec wraps stateful frame decoders behind a three-state
// lifecycle and delivers their output to a sink.
package codec

import (
	"net/http"

	"github.com/zsiec/peerdecode/internal/errors"
	"github.com/zsiec/peerdecode/internal/receive/types"
)

var (
	// ErrDecoderUnconfigured is returned by an engine used before Configure.
	ErrDecoderUnconfigured = errors.New(errors.ErrorTypeDecoderUnconfigured, "decoder unconfigured", http.StatusServiceUnavailable)
	// ErrDecoderFault is returned once an engine has entered the closed state.
	ErrDecoderFault = errors.New(errors.ErrorTypeDecoderFault, "decoder fault", http.StatusInternalServerError)
	// ErrSinkUnavailable is returned by a sink that cannot accept a frame now.
	ErrSinkUnavailable = errors.New(errors.ErrorTypeSinkUnavailable, "sink unavailable", http.StatusServiceUnavailable)
)

// Engine is one underlying decoder instance. Decode output is reported
// through the OutputFunc given to the factory, never through Decode's
// return value.
type Engine interface {
	Configure(cfg types.CodecConfig) error
	// Decode submits one frame. A non-nil error is a rejection of that
	// frame; State reports whether the instance survived it.
	Decode(f *types.EncodedFrame) error
	State() types.DecoderState
	Close() error
}

// OutputFunc receives decoded frames from an engine
type OutputFunc func(types.DecodedFrame)

// EngineFactory builds a new, unconfigured engine
type EngineFactory func(out OutputFunc) (Engine, error)
