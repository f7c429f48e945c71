package types

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrPacketParse is returned for malformed inbound media packets.
var ErrPacketParse = errors.New("malformed media packet")

// Media packet field numbers.
const (
	fieldMediaKind protowire.Number = 1
	fieldSenderID  protowire.Number = 2
	fieldPayload   protowire.Number = 3
	fieldFrameType protowire.Number = 4
	fieldTimestamp protowire.Number = 5
	fieldDuration  protowire.Number = 6
	fieldSequence  protowire.Number = 7
)

// ParsePacket decodes a protobuf media packet into an EncodedFrame. The
// payload is copied so the caller may reuse raw.
func ParsePacket(raw []byte) (*EncodedFrame, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty packet", ErrPacketParse)
	}

	frame := &EncodedFrame{}
	var sawFrameType bool

	b := raw
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, parseError("tag", protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case fieldMediaKind:
			v, err := consumeVarint(b, typ, "media_kind", &n)
			if err != nil {
				return nil, err
			}
			if v > math.MaxUint8 || !MediaKind(v).IsValid() {
				return nil, fmt.Errorf("%w: unknown media_kind %d", ErrPacketParse, v)
			}
			frame.MediaKind = MediaKind(v)

		case fieldSenderID:
			v, err := consumeBytes(b, typ, "sender_id", &n)
			if err != nil {
				return nil, err
			}
			frame.PeerID = string(v)

		case fieldPayload:
			v, err := consumeBytes(b, typ, "payload", &n)
			if err != nil {
				return nil, err
			}
			frame.Payload = append([]byte(nil), v...)

		case fieldFrameType:
			v, err := consumeBytes(b, typ, "frame_type", &n)
			if err != nil {
				return nil, err
			}
			kind, err := ParseFrameKind(string(v))
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrPacketParse, err)
			}
			frame.Kind = kind
			sawFrameType = true

		case fieldTimestamp:
			v, err := consumeFixed64(b, typ, "timestamp", &n)
			if err != nil {
				return nil, err
			}
			frame.Timestamp = math.Float64frombits(v)

		case fieldDuration:
			v, err := consumeFixed64(b, typ, "duration", &n)
			if err != nil {
				return nil, err
			}
			frame.Duration = math.Float64frombits(v)

		case fieldSequence:
			v, err := consumeVarint(b, typ, "sequence", &n)
			if err != nil {
				return nil, err
			}
			frame.Sequence = v

		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, parseError(fmt.Sprintf("field %d", num), protowire.ParseError(n))
			}
		}
		b = b[n:]
	}

	if !sawFrameType {
		return nil, fmt.Errorf("%w: missing frame_type", ErrPacketParse)
	}

	return frame, nil
}

// SenderID returns the sender_id of a media packet without decoding the
// rest of it. A packet without one yields "".
func SenderID(raw []byte) (string, error) {
	b := raw
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", parseError("tag", protowire.ParseError(n))
		}
		b = b[n:]

		if num == fieldSenderID {
			v, err := consumeBytes(b, typ, "sender_id", &n)
			if err != nil {
				return "", err
			}
			return string(v), nil
		}

		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return "", parseError(fmt.Sprintf("field %d", num), protowire.ParseError(n))
		}
		b = b[n:]
	}
	return "", nil
}

// MarshalPacket encodes a frame in the media packet wire format
func MarshalPacket(f *EncodedFrame) []byte {
	b := make([]byte, 0, len(f.Payload)+len(f.PeerID)+40)

	b = protowire.AppendTag(b, fieldMediaKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.MediaKind))

	if f.PeerID != "" {
		b = protowire.AppendTag(b, fieldSenderID, protowire.BytesType)
		b = protowire.AppendString(b, f.PeerID)
	}

	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, f.Payload)

	b = protowire.AppendTag(b, fieldFrameType, protowire.BytesType)
	b = protowire.AppendString(b, f.Kind.String())

	b = protowire.AppendTag(b, fieldTimestamp, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(f.Timestamp))

	b = protowire.AppendTag(b, fieldDuration, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(f.Duration))

	b = protowire.AppendTag(b, fieldSequence, protowire.VarintType)
	b = protowire.AppendVarint(b, f.Sequence)

	return b
}

func parseError(field string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrPacketParse, field, err)
}

func checkType(field string, got, want protowire.Type) error {
	if got != want {
		return fmt.Errorf("%w: %s: wire type %d, want %d", ErrPacketParse, field, got, want)
	}
	return nil
}

func consumeVarint(b []byte, typ protowire.Type, field string, n *int) (uint64, error) {
	if err := checkType(field, typ, protowire.VarintType); err != nil {
		return 0, err
	}
	v, m := protowire.ConsumeVarint(b)
	if m < 0 {
		return 0, parseError(field, protowire.ParseError(m))
	}
	*n = m
	return v, nil
}

func consumeBytes(b []byte, typ protowire.Type, field string, n *int) ([]byte, error) {
	if err := checkType(field, typ, protowire.BytesType); err != nil {
		return nil, err
	}
	v, m := protowire.ConsumeBytes(b)
	if m < 0 {
		return nil, parseError(field, protowire.ParseError(m))
	}
	*n = m
	return v, nil
}

func consumeFixed64(b []byte, typ protowire.Type, field string, n *int) (uint64, error) {
	if err := checkType(field, typ, protowire.Fixed64Type); err != nil {
		return 0, err
	}
	v, m := protowire.ConsumeFixed64(b)
	if m < 0 {
		return 0, parseError(field, protowire.ParseError(m))
	}
	*n = m
	return v, nil
}
