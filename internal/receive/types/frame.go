package types

import (
	"fmt"
	"strings"
)

// FrameKind is the decode dependency class of an encoded frame
type FrameKind uint8

const (
	FrameDelta FrameKind = iota // Decodable only after its predecessor
	FrameKey                    // Self-contained
)

// String returns the wire tag of the frame kind
func (k FrameKind) String() string {
	switch k {
	case FrameKey:
		return "key"
	case FrameDelta:
		return "delta"
	default:
		return "unknown"
	}
}

// ParseFrameKind parses a wire tag into a FrameKind
func ParseFrameKind(s string) (FrameKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "key":
		return FrameKey, nil
	case "delta":
		return FrameDelta, nil
	default:
		return 0, fmt.Errorf("unknown frame type %q", s)
	}
}

// MediaKind discriminates the streams a single peer can send
type MediaKind uint8

const (
	MediaVideo MediaKind = iota
	MediaAudio
	MediaScreen
)

// MediaKinds lists every media kind in wire order
var MediaKinds = []MediaKind{MediaVideo, MediaAudio, MediaScreen}

// String returns the string representation of MediaKind
func (m MediaKind) String() string {
	switch m {
	case MediaVideo:
		return "video"
	case MediaAudio:
		return "audio"
	case MediaScreen:
		return "screen"
	default:
		return "unknown"
	}
}

// IsValid reports whether m is a known media kind
func (m MediaKind) IsValid() bool {
	return m <= MediaScreen
}

// ParseMediaKind parses a media kind name
func ParseMediaKind(s string) (MediaKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "video", "camera":
		return MediaVideo, nil
	case "audio", "microphone":
		return MediaAudio, nil
	case "screen", "screenshare":
		return MediaScreen, nil
	default:
		return 0, fmt.Errorf("unknown media kind %q", s)
	}
}

// EncodedFrame is one encoded media frame as received from a peer.
// Frames are treated as immutable once constructed.
type EncodedFrame struct {
	Sequence  uint64
	Kind      FrameKind
	Payload   []byte
	Timestamp float64 // Presentation time
	Duration  float64
	MediaKind MediaKind
	PeerID    string
}

// IsKey returns true if the frame is self-contained
func (f *EncodedFrame) IsKey() bool {
	return f.Kind == FrameKey
}

// StreamKey returns the key of the stream the frame belongs to
func (f *EncodedFrame) StreamKey() StreamKey {
	return StreamKey{PeerID: f.PeerID, MediaKind: f.MediaKind}
}

// StreamKey identifies one (peer, media kind) stream
type StreamKey struct {
	PeerID    string
	MediaKind MediaKind
}

func (k StreamKey) String() string {
	return k.PeerID + "/" + k.MediaKind.String()
}

// DecodeStatus is the per-call result of the sequencer.
type DecodeStatus struct {
	// Rendered is always true: output is delivered to the sink out of band.
	Rendered bool `json:"rendered"`
	// BlockedOnKey is set while delta frames are being discarded until
	// the next key frame arrives.
	BlockedOnKey bool `json:"blocked_on_key"`
}

// DecodedFrame is a decoder output handed to the stream's sink
type DecodedFrame struct {
	Stream    StreamKey
	Sequence  uint64
	Timestamp float64
	Duration  float64
	Data      []byte
}
