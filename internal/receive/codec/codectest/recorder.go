// Package codectest provides a recording decoder engine for tests.
package codectest

import (
	"errors"
	"sync"

	"github.com/zsiec/peerdecode/internal/receive/codec"
	"github.com/zsiec/peerdecode/internal/receive/types"
)

// ErrInjected is returned by a recorder engine on an injected fault.
var ErrInjected = errors.New("injected decoder fault")

// Recorder records every frame any of its engines accepted, in order.
// All methods are safe for concurrent use.
type Recorder struct {
	mu          sync.Mutex
	decoded     []uint64
	engines     int
	failOn      map[uint64]bool
	rejectOn    map[uint64]bool
	current     *engine
	noConfigure bool
}

func NewRecorder() *Recorder {
	return &Recorder{
		failOn:   make(map[uint64]bool),
		rejectOn: make(map[uint64]bool),
	}
}

// Factory returns an EngineFactory bound to r
func (r *Recorder) Factory() codec.EngineFactory {
	return func(out codec.OutputFunc) (codec.Engine, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.engines++
		e := &engine{rec: r, out: out}
		r.current = e
		return e, nil
	}
}

// FailOn makes the engine close itself when it decodes seq
func (r *Recorder) FailOn(seq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failOn[seq] = true
}

// RejectOn makes the engine reject seq without closing
func (r *Recorder) RejectOn(seq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejectOn[seq] = true
}

// RefuseConfigure makes Configure fail on every engine created from now on
func (r *Recorder) RefuseConfigure() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.noConfigure = true
}

// AcceptConfigure undoes RefuseConfigure
func (r *Recorder) AcceptConfigure() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.noConfigure = false
}

// CloseCurrent moves the newest engine to the closed state, as an
// asynchronous decoder error would.
func (r *Recorder) CloseCurrent() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != nil {
		r.current.state = types.DecoderClosed
	}
}

// Decoded returns the accepted sequence numbers in order
func (r *Recorder) Decoded() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.decoded...)
}

// Engines returns how many engines the factory has built
func (r *Recorder) Engines() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.engines
}

type engine struct {
	rec   *Recorder
	out   codec.OutputFunc
	state types.DecoderState
}

func (e *engine) Configure(types.CodecConfig) error {
	e.rec.mu.Lock()
	defer e.rec.mu.Unlock()
	if e.rec.noConfigure {
		return errors.New("configure refused")
	}
	if e.state == types.DecoderClosed {
		return codec.ErrDecoderFault
	}
	e.state = types.DecoderConfigured
	return nil
}

func (e *engine) Decode(f *types.EncodedFrame) error {
	e.rec.mu.Lock()
	if e.state != types.DecoderConfigured {
		e.rec.mu.Unlock()
		return codec.ErrDecoderFault
	}
	if e.rec.failOn[f.Sequence] {
		delete(e.rec.failOn, f.Sequence)
		e.state = types.DecoderClosed
		e.rec.mu.Unlock()
		return ErrInjected
	}
	if e.rec.rejectOn[f.Sequence] {
		delete(e.rec.rejectOn, f.Sequence)
		e.rec.mu.Unlock()
		return errors.New("rejected")
	}
	e.rec.decoded = append(e.rec.decoded, f.Sequence)
	e.rec.mu.Unlock()

	e.out(types.DecodedFrame{
		Stream:    f.StreamKey(),
		Sequence:  f.Sequence,
		Timestamp: f.Timestamp,
		Duration:  f.Duration,
		Data:      f.Payload,
	})
	return nil
}

func (e *engine) State() types.DecoderState {
	e.rec.mu.Lock()
	defer e.rec.mu.Unlock()
	return e.state
}

func (e *engine) Close() error {
	e.rec.mu.Lock()
	defer e.rec.mu.Unlock()
	e.state = types.DecoderClosed
	return nil
}
