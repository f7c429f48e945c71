package health

import (
	"context"
	"fmt"
	"sync"

	"github.com/zsiec/peerdecode/internal/receive"
	"github.com/zsiec/peerdecode/internal/receive/types"
)

// StreamSource exposes the live decode streams.
type StreamSource interface {
	Streams() []receive.StreamInfo
}

// PipelineChecker summarizes the decode pipeline. It reports degraded when
// the share of streams waiting for a key frame exceeds maxBlocked.
type PipelineChecker struct {
	source     StreamSource
	maxBlocked float64

	mu      sync.Mutex
	details map[string]interface{}
}

// NewPipelineChecker creates a pipeline checker. maxBlocked is a ratio in
// (0, 1]; other values default to 0.5.
func NewPipelineChecker(src StreamSource, maxBlocked float64) *PipelineChecker {
	if maxBlocked <= 0 || maxBlocked > 1 {
		maxBlocked = 0.5
	}
	return &PipelineChecker{source: src, maxBlocked: maxBlocked}
}

// Name returns the name of the checker.
func (p *PipelineChecker) Name() string {
	return "pipeline"
}

// Check inspects every stream snapshot.
func (p *PipelineChecker) Check(ctx context.Context) error {
	streams := p.source.Streams()

	var blocked, closed, buffered, replacements int
	var dropped uint64
	for _, st := range streams {
		if st.State.BlockedOnKey {
			blocked++
		}
		if st.State.DecoderState == types.DecoderClosed.String() {
			closed++
		}
		buffered += st.State.Buffered
		replacements += st.State.Replacements
		dropped += st.State.Dropped
	}

	p.mu.Lock()
	p.details = map[string]interface{}{
		"streams":              len(streams),
		"blocked_on_key":       blocked,
		"closed_decoders":      closed,
		"buffered_frames":      buffered,
		"decoder_replacements": replacements,
		"frames_dropped":       dropped,
	}
	p.mu.Unlock()

	if len(streams) > 0 && float64(blocked)/float64(len(streams)) > p.maxBlocked {
		return Degraded(fmt.Sprintf("%d of %d streams waiting for a key frame", blocked, len(streams)))
	}
	return nil
}

// Details implements Reporter.
func (p *PipelineChecker) Details() map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.details
}
