package acceptor

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// handshakeLead is the first byte of every peer wire handshake, the length
// of "BitTorrent protocol".
const handshakeLead = 19

const (
	peekTimeout     = 30 * time.Second
	shutdownTimeout = 5 * time.Second
)

// PeerHandler takes over a connection that starts with a handshake.
type PeerHandler interface {
	HandleConn(ctx context.Context, conn net.Conn)
}

// Acceptor serves peer connections and HTTP tracker requests on the same
// listening socket. The first byte of a connection decides where it goes.
type Acceptor struct {
	ln    net.Listener
	peers PeerHandler
	http  *http.Server
	conns *connListener
	log   zerolog.Logger

	wg sync.WaitGroup
}

// New builds an acceptor for ln. handler may be nil, in which case anything
// that is not a handshake is dropped.
func New(ln net.Listener, peers PeerHandler, handler http.Handler, log zerolog.Logger) *Acceptor {

	a := &Acceptor{
		ln:    ln,
		peers: peers,
		log:   log,
	}

	if handler != nil {
		a.conns = newConnListener(ln.Addr())
		a.http = &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: peekTimeout,
		}
	}

	return a
}

// Run accepts connections until ctx is done or the listener fails. The
// listener is closed when Run returns.
func (a *Acceptor) Run(ctx context.Context) error {

	if a.http != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.http.Serve(a.conns); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Warn().Err(err).Msg("http server stopped")
			}
		}()
	}

	defer a.shutdown()

	// Peer handlers run until this context ends, so it must end before
	// shutdown waits for them.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := context.AfterFunc(ctx, func() { a.ln.Close() })
	defer stop()

	for {
		conn, err := a.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}

		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.route(ctx, conn)
		}()
	}
}

func (a *Acceptor) route(ctx context.Context, conn net.Conn) {

	r := bufio.NewReader(conn)

	conn.SetReadDeadline(time.Now().Add(peekTimeout))
	lead, err := r.Peek(1)
	if err != nil {
		a.log.Debug().Err(err).Stringer("remote", conn.RemoteAddr()).Msg("connection closed before first byte")
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	c := &peekedConn{Conn: conn, r: r}

	switch {
	case lead[0] == handshakeLead && a.peers != nil:
		a.peers.HandleConn(ctx, c)
	case a.conns != nil:
		if !a.conns.push(c) {
			conn.Close()
		}
	default:
		a.log.Debug().Stringer("remote", conn.RemoteAddr()).Msg("dropping unexpected connection")
		conn.Close()
	}
}

func (a *Acceptor) shutdown() {

	a.ln.Close()

	if a.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := a.http.Shutdown(ctx); err != nil {
			a.http.Close()
		}
		cancel()
		a.conns.Close()
	}

	a.wg.Wait()
}

// peekedConn replays the bytes consumed while routing.
type peekedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *peekedConn) Read(b []byte) (int, error) {
	return c.r.Read(b)
}

// connListener feeds routed connections to an http.Server.
type connListener struct {
	addr  net.Addr
	ch    chan net.Conn
	done  chan struct{}
	close sync.Once
}

func newConnListener(addr net.Addr) *connListener {
	return &connListener{
		addr: addr,
		ch:   make(chan net.Conn),
		done: make(chan struct{}),
	}
}

func (l *connListener) push(c net.Conn) bool {
	select {
	case l.ch <- c:
		return true
	case <-l.done:
		return false
	}
}

func (l *connListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.ch:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *connListener) Close() error {
	l.close.Do(func() { close(l.done) })
	return nil
}

func (l *connListener) Addr() net.Addr {
	return l.addr
}
