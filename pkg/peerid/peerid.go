package peerid

import (
	"bytes"
	"cmp"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/netip"
	"strconv"
)

const Size = 20

// marker fills bytes 9..11 of a generated id. Kept only for wire compatibility
// with older clients that recognise it.
const marker byte = 0x03

var ErrInvalidIdentity = errors.New("invalid peer identity")

// PeerID identifies a participant in a torrent. The zero value is not a valid
// identity; use New.
type PeerID struct {
	id   [Size]byte
	addr netip.Addr
	port uint16
}

func New(id []byte, addr netip.Addr, port uint16) (PeerID, error) {

	if len(id) != Size {
		return PeerID{}, fmt.Errorf("%w: id is %d bytes, expected %d", ErrInvalidIdentity, len(id), Size)
	}

	p := PeerID{
		addr: addr.Unmap(),
		port: port,
	}
	copy(p.id[:], id)

	return p, nil
}

// Generate returns a fresh self id: nine zero bytes, three marker bytes and
// eight random bytes. The randomness is not suitable for anything security
// related.
func Generate() [Size]byte {

	var id [Size]byte
	id[9], id[10], id[11] = marker, marker, marker
	for i := 12; i < Size; i++ {
		id[i] = byte(rand.IntN(256))
	}

	return id
}

func (p PeerID) ID() [Size]byte {
	return p.id
}

func (p PeerID) Addr() netip.Addr {
	return p.addr
}

func (p PeerID) Port() uint16 {
	return p.port
}

func (p PeerID) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(p.addr, p.port)
}

func (p PeerID) Network() string {
	return "tcp"
}

func (p PeerID) Compare(other PeerID) int {
	if c := bytes.Compare(p.id[:], other.id[:]); c != 0 {
		return c
	}
	if c := p.addr.Compare(other.addr); c != 0 {
		return c
	}
	return cmp.Compare(p.port, other.port)
}

func (p PeerID) Less(other PeerID) bool {
	return p.Compare(other) < 0
}

func (p PeerID) String() string {
	return Encode(p.id[:]) + "@" + net.JoinHostPort(p.addr.String(), strconv.Itoa(int(p.port)))
}

// Encode renders an id the way it shows up in logs.
func Encode(id []byte) string {
	return hex.EncodeToString(id)
}

func Decode(s string) ([Size]byte, error) {

	var id [Size]byte

	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	if len(b) != Size {
		return id, fmt.Errorf("%w: id is %d bytes, expected %d", ErrInvalidIdentity, len(b), Size)
	}
	copy(id[:], b)

	return id, nil
}
