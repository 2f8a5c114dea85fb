package peers

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/agaabrieel/snark/pkg/metainfo"
	"github.com/agaabrieel/snark/pkg/peerid"
	"github.com/agaabrieel/snark/pkg/storage"
	"github.com/agaabrieel/snark/pkg/tracker"
)

const (
	msgBitfield byte = 0x05
	msgPiece    byte = 0x07

	handshakeTimeout = 30 * time.Second
	idleTimeout      = 2 * time.Minute
	maxMessageLen    = 1<<17 + 13
)

// Peer is a connected remote. Its fields never change after the handshake.
type Peer struct {
	ID       [20]byte
	Addr     netip.AddrPort
	Incoming bool
	Since    time.Time

	conn net.Conn
}

func (p *Peer) String() string {
	return peerid.Encode(p.ID[:]) + "@" + p.Addr.String()
}

// Listener is told whenever a peer connects or goes away. Any field may be
// nil.
type Listener struct {
	OnPeerChange func(p *Peer, connected bool)
}

func (l Listener) peerChange(p *Peer, connected bool) {
	if l.OnPeerChange != nil {
		l.OnPeerChange(p, connected)
	}
}

// Coordinator owns the peer connections of one torrent. It performs the
// handshake and then keeps the connection open, reading and discarding
// messages; pieces are not exchanged.
type Coordinator struct {
	self     [20]byte
	meta     *metainfo.Metainfo
	storage  storage.Storage
	listener Listener
	log      zerolog.Logger
	dialer   net.Dialer

	downloaded atomic.Int64
	uploaded   atomic.Int64

	mu     sync.Mutex
	peers  map[[20]byte]*Peer
	closed bool
	wg     sync.WaitGroup
}

func NewCoordinator(self [20]byte, meta *metainfo.Metainfo, st storage.Storage, l Listener, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		self:     self,
		meta:     meta,
		storage:  st,
		listener: l,
		log:      log,
		dialer:   net.Dialer{Timeout: handshakeTimeout},
		peers:    make(map[[20]byte]*Peer),
	}
}

func (c *Coordinator) Downloaded() int64 {
	return c.downloaded.Load()
}

// Uploaded stays at zero until blocks are served.
func (c *Coordinator) Uploaded() int64 {
	return c.uploaded.Load()
}

// Left is the number of bytes still missing, rounded to whole pieces.
func (c *Coordinator) Left() int64 {
	needed := int64(c.storage.Needed())
	if needed == 0 {
		return 0
	}
	return min(needed*c.meta.PieceLength(0), c.meta.TotalLength())
}

// Peers returns a snapshot of the connected peers.
func (c *Coordinator) Peers() []*Peer {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*Peer, 0, len(c.peers))
	for _, p := range c.peers {
		out = append(out, p)
	}
	return out
}

func (c *Coordinator) PeerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.peers)
}

// HandleConn takes over an incoming connection whose first bytes are a
// handshake. It returns once the connection is closed.
func (c *Coordinator) HandleConn(ctx context.Context, conn net.Conn) {

	conn.SetDeadline(time.Now().Add(handshakeTimeout))

	id, err := readHandshake(conn, c.meta.InfoHash())
	if err != nil {
		c.log.Debug().Err(err).Stringer("remote", conn.RemoteAddr()).Msg("incoming handshake failed")
		conn.Close()
		return
	}

	if _, err := conn.Write(handshake(c.meta.InfoHash(), c.self)); err != nil {
		c.log.Debug().Err(err).Stringer("remote", conn.RemoteAddr()).Msg("failed to answer handshake")
		conn.Close()
		return
	}

	c.serve(ctx, c.newPeer(id, conn, true))
}

// Connect dials every address that is not already connected. It does not
// wait for the connections.
func (c *Coordinator) Connect(ctx context.Context, addrs []tracker.PeerAddr) {

	for _, a := range addrs {

		if len(a.ID) == len(c.self) && bytes.Equal(a.ID, c.self[:]) {
			continue
		}
		if len(a.ID) == len(c.self) && c.connected([20]byte(a.ID)) {
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.wg.Add(1)
		c.mu.Unlock()

		go func(addr netip.AddrPort) {
			defer c.wg.Done()
			if err := c.dial(ctx, addr); err != nil {
				c.log.Debug().Err(err).Stringer("addr", addr).Msg("outgoing connection failed")
			}
		}(a.Addr)
	}
}

func (c *Coordinator) dial(ctx context.Context, addr netip.AddrPort) error {

	conn, err := c.dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return fmt.Errorf("failed to connect to peer: %w", err)
	}

	conn.SetDeadline(time.Now().Add(handshakeTimeout))

	if _, err := conn.Write(handshake(c.meta.InfoHash(), c.self)); err != nil {
		conn.Close()
		return fmt.Errorf("failed to write to peer: %w", err)
	}

	id, err := readHandshake(conn, c.meta.InfoHash())
	if err != nil {
		conn.Close()
		return err
	}

	c.serve(ctx, c.newPeer(id, conn, false))

	return nil
}

func (c *Coordinator) newPeer(id [20]byte, conn net.Conn, incoming bool) *Peer {
	addr, _ := netip.ParseAddrPort(conn.RemoteAddr().String())
	return &Peer{
		ID:       id,
		Addr:     netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port()),
		Incoming: incoming,
		Since:    time.Now(),
		conn:     conn,
	}
}

func (c *Coordinator) connected(id [20]byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.peers[id]
	return ok
}

func (c *Coordinator) add(p *Peer) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || p.ID == c.self {
		return false
	}
	if _, dup := c.peers[p.ID]; dup {
		return false
	}
	c.peers[p.ID] = p
	return true
}

func (c *Coordinator) remove(p *Peer) {
	c.mu.Lock()
	delete(c.peers, p.ID)
	c.mu.Unlock()
}

func (c *Coordinator) serve(ctx context.Context, p *Peer) {

	defer p.conn.Close()

	if !c.add(p) {
		c.log.Debug().Stringer("peer", p).Msg("dropping duplicate connection")
		return
	}
	defer func() {
		c.remove(p)
		c.listener.peerChange(p, false)
	}()

	c.listener.peerChange(p, true)

	stop := context.AfterFunc(ctx, func() { p.conn.Close() })
	defer stop()

	if bf := c.storage.Bitfield(); len(bf) > 0 {
		msg := make([]byte, 5+len(bf))
		binary.BigEndian.PutUint32(msg, uint32(1+len(bf)))
		msg[4] = msgBitfield
		copy(msg[5:], bf)

		p.conn.SetWriteDeadline(time.Now().Add(handshakeTimeout))
		if _, err := p.conn.Write(msg); err != nil {
			c.log.Debug().Err(err).Stringer("peer", p).Msg("failed to send bitfield")
			return
		}
	}

	if err := c.readLoop(p); err != nil && ctx.Err() == nil {
		c.log.Debug().Err(err).Stringer("peer", p).Msg("peer disconnected")
	}
}

func (c *Coordinator) readLoop(p *Peer) error {

	var header [4]byte
	for {
		p.conn.SetReadDeadline(time.Now().Add(idleTimeout))

		if _, err := io.ReadFull(p.conn, header[:]); err != nil {
			return err
		}

		length := binary.BigEndian.Uint32(header[:])
		if length > maxMessageLen {
			return fmt.Errorf("message of %d bytes exceeds limit", length)
		}

		if length == 0 {
			continue
		}

		var id [1]byte
		if _, err := io.ReadFull(p.conn, id[:]); err != nil {
			return err
		}
		if _, err := io.CopyN(io.Discard, p.conn, int64(length-1)); err != nil {
			return err
		}

		// index and begin come before the block
		if id[0] == msgPiece && length > 9 {
			c.downloaded.Add(int64(length - 9))
		}
	}
}

// Close disconnects every peer and waits for outgoing dials to finish.
func (c *Coordinator) Close() error {

	c.mu.Lock()
	c.closed = true
	for _, p := range c.peers {
		p.conn.Close()
	}
	c.mu.Unlock()

	c.wg.Wait()

	return nil
}
