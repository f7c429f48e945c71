package sequencer

import "github.com/zsiec/peerdecode/internal/receive/types"

// Snapshot is an immutable copy of a sequencer's observable state. It is
// the only form in which sequencer state leaves its owning goroutine.
type Snapshot struct {
	Stream       types.StreamKey `json:"-"`
	Cursor       uint64          `json:"cursor"`
	HasCursor    bool            `json:"has_cursor"`
	BlockedOnKey bool            `json:"blocked_on_key"`
	Buffered     int             `json:"buffered"`
	DecoderState string          `json:"decoder_state"`
	Replacements int             `json:"decoder_replacements"`
	Forwarded    uint64          `json:"frames_forwarded"`
	Dropped      uint64          `json:"frames_dropped"`
}

// Snapshot captures the current state
func (s *Sequencer) Snapshot() Snapshot {
	return Snapshot{
		Stream:       s.stream,
		Cursor:       s.cursor,
		HasCursor:    s.hasCursor,
		BlockedOnKey: s.requireKey,
		Buffered:     s.buf.Len(),
		DecoderState: s.decoder.State().String(),
		Replacements: s.decoder.Replacements(),
		Forwarded:    s.forwarded,
		Dropped:      s.dropped,
	}
}
