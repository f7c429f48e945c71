package types

// DecoderState is the lifecycle state of one decoder instance
type DecoderState uint8

const (
	DecoderUnconfigured DecoderState = iota
	DecoderConfigured
	// DecoderClosed is terminal for an instance; it must be replaced.
	DecoderClosed
)

func (s DecoderState) String() string {
	switch s {
	case DecoderUnconfigured:
		return "unconfigured"
	case DecoderConfigured:
		return "configured"
	case DecoderClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CodecConfig is the fixed configuration applied to every decoder
// instance of a stream, including replacements.
type CodecConfig struct {
	Codec      string
	SampleRate int // audio only
	Channels   int // audio only
}

// IsAudio returns true if the config carries audio parameters
func (c CodecConfig) IsAudio() bool {
	return c.SampleRate > 0
}
