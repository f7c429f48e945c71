// Package transport delivers media packets from the network to the decode
// manager. Each listener owns its sockets and forwards every packet through
// a single goroutine per connection or socket.
package transport

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/zsiec/peerdecode/internal/receive/types"
)

// Dispatcher routes raw media packets and tears down departed peers.
// *receive.Manager implements it.
type Dispatcher interface {
	Dispatch(raw []byte) (types.DecodeStatus, error)
	RemovePeer(peerID string) int
}

const lengthPrefixSize = 4

// WritePacket writes raw to w with the 4-byte big-endian length prefix used
// on QUIC streams.
func WritePacket(w io.Writer, raw []byte) error {
	if len(raw) == 0 {
		return fmt.Errorf("empty packet")
	}
	var hdr [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(raw)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(raw)
	return err
}

// errPacketSize reports a length prefix outside (0, max]
type errPacketSize struct {
	size uint32
	max  int
}

func (e errPacketSize) Error() string {
	return fmt.Sprintf("packet size %d outside 1..%d", e.size, e.max)
}

// readPacket reads one length-prefixed packet from r
func readPacket(r io.Reader, maxSize int) ([]byte, error) {
	var hdr [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(hdr[:])
	if size == 0 || uint64(size) > uint64(maxSize) {
		return nil, errPacketSize{size: size, max: maxSize}
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
