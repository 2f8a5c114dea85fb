package peers

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

const (
	protocol     = "BitTorrent protocol"
	HandshakeLen = 49 + len(protocol)
)

var (
	ErrBadHandshake     = errors.New("peer sent incorrect handshake")
	ErrInfoHashMismatch = errors.New("info hash sent by peer doesn't match ours")
)

func handshake(infoHash, id [20]byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(len(protocol)))
	buf.WriteString(protocol)
	buf.Write(make([]byte, 8))
	buf.Write(infoHash[:])
	buf.Write(id[:])
	return buf.Bytes()
}

// readHandshake reads a full handshake and returns the remote peer id. The
// reserved bytes are ignored.
func readHandshake(r io.Reader, infoHash [20]byte) ([20]byte, error) {

	var peerID [20]byte

	buf := make([]byte, HandshakeLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return peerID, fmt.Errorf("failed to read handshake: %w", err)
	}

	if buf[0] != byte(len(protocol)) || string(buf[1:20]) != protocol {
		return peerID, ErrBadHandshake
	}

	if !bytes.Equal(buf[28:48], infoHash[:]) {
		return peerID, ErrInfoHashMismatch
	}

	copy(peerID[:], buf[48:])

	return peerID, nil
}
