package acceptor

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoPeers struct {
	got chan []byte
}

func (p *echoPeers) HandleConn(_ context.Context, conn net.Conn) {
	defer conn.Close()
	buf := make([]byte, 4)
	if _, err := io.ReadFull(conn, buf); err == nil {
		p.got <- buf
	}
}

func start(t *testing.T, peers PeerHandler, handler http.Handler) (string, func() error) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(ln, peers, handler, zerolog.Nop()).Run(ctx) }()

	stop := sync.OnceValue(func() error {
		cancel()
		return <-done
	})
	t.Cleanup(func() { stop() })

	return ln.Addr().String(), stop
}

func TestRoutesHandshakeToPeers(t *testing.T) {
	t.Parallel()

	peers := &echoPeers{got: make(chan []byte, 1)}
	addr, _ := start(t, peers, http.NotFoundHandler())

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte{19, 'B', 'i', 't'})
	require.NoError(t, err)

	select {
	case b := <-peers.got:
		assert.Equal(t, []byte{19, 'B', 'i', 't'}, b, "peeked byte is replayed")
	case <-time.After(5 * time.Second):
		t.Fatal("peer handler not called")
	}
}

func TestRoutesHTTP(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("tracker:" + r.URL.Path))
	})
	addr, _ := start(t, &echoPeers{got: make(chan []byte, 1)}, handler)

	client := &http.Client{Timeout: 5 * time.Second}
	for range 2 {
		resp, err := client.Get("http://" + addr + "/announce")
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.NoError(t, err)
		assert.Equal(t, "tracker:/announce", string(body))
	}
}

func TestWithoutHTTPHandlerDropsRequests(t *testing.T) {
	t.Parallel()

	addr, _ := start(t, &echoPeers{got: make(chan []byte, 1)}, nil)

	client := &http.Client{Timeout: 5 * time.Second}
	_, err := client.Get("http://" + addr + "/announce")
	assert.Error(t, err)
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	addr, stop := start(t, &echoPeers{got: make(chan []byte, 1)}, http.NotFoundHandler())

	assert.NoError(t, stop())

	_, err := net.DialTimeout("tcp", addr, time.Second)
	assert.Error(t, err)
}
