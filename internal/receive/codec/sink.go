package codec

import (
	"github.com/zsiec/peerdecode/internal/receive/types"
)

// Sink consumes decoded frames for one stream. Deliver returns
// ErrSinkUnavailable when the consumer is momentarily busy; the frame is
// then dropped, never queued.
type Sink interface {
	Deliver(f types.DecodedFrame) error
}

// SinkFunc adapts a function to the Sink interface
type SinkFunc func(f types.DecodedFrame) error

func (fn SinkFunc) Deliver(f types.DecodedFrame) error {
	return fn(f)
}

// ChannelSink delivers frames to a buffered channel without blocking.
type ChannelSink struct {
	frames chan types.DecodedFrame
}

// NewChannelSink creates a sink whose channel holds up to size frames
func NewChannelSink(size int) *ChannelSink {
	return &ChannelSink{frames: make(chan types.DecodedFrame, size)}
}

func (s *ChannelSink) Deliver(f types.DecodedFrame) error {
	select {
	case s.frames <- f:
		return nil
	default:
		return ErrSinkUnavailable
	}
}

// Frames returns the receive side of the sink
func (s *ChannelSink) Frames() <-chan types.DecodedFrame {
	return s.frames
}

// DiscardSink accepts and drops every frame
type DiscardSink struct{}

func (DiscardSink) Deliver(types.DecodedFrame) error { return nil }
