package resolver

import (
	"context"
	"crypto/sha1"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agaabrieel/snark/pkg/metainfo"
	"github.com/agaabrieel/snark/pkg/storage"
)

func sampleTorrent(t *testing.T) *metainfo.Metainfo {
	t.Helper()
	m, err := metainfo.Build("http://tracker.example/announce", "data.bin", 16, [][sha1.Size]byte{sha1.Sum([]byte("x"))}, 10, nil)
	require.NoError(t, err)
	return m
}

func newResolver() *Resolver {
	return New(0, storage.Listener{}, zerolog.Nop())
}

func TestNewDefaultsTimeout(t *testing.T) {
	t.Parallel()

	assert.Equal(t, DefaultTimeout, New(0, storage.Listener{}, zerolog.Nop()).client.Timeout)
	assert.Equal(t, DefaultTimeout, New(-time.Second, storage.Listener{}, zerolog.Nop()).client.Timeout)
	assert.Equal(t, 5*time.Second, New(5*time.Second, storage.Listener{}, zerolog.Nop()).client.Timeout)
}

func TestResolveLocalTorrent(t *testing.T) {
	t.Parallel()

	want := sampleTorrent(t)
	path := filepath.Join(t.TempDir(), "data.torrent")
	require.NoError(t, os.WriteFile(path, want.TorrentData(), 0o644))

	res, err := newResolver().Resolve(context.Background(), path, "", 6881)
	require.NoError(t, err)

	assert.Nil(t, res.Storage)
	assert.Equal(t, want.InfoHash(), res.Meta.InfoHash())
	assert.Equal(t, want.Announce(), res.Meta.Announce())
}

func TestResolveLocalTorrentIgnoresShare(t *testing.T) {
	t.Parallel()

	want := sampleTorrent(t)
	path := filepath.Join(t.TempDir(), "data.torrent")
	require.NoError(t, os.WriteFile(path, want.TorrentData(), 0o644))

	res, err := newResolver().Resolve(context.Background(), path, "10.1.2.3", 6881)
	require.NoError(t, err)

	assert.Nil(t, res.Storage)
	assert.Equal(t, want.Announce(), res.Meta.Announce())
}

func TestResolveLocalDataWithoutShare(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("just text"), 0o644))

	_, err := newResolver().Resolve(context.Background(), path, "", 6881)
	require.ErrorIs(t, err, ErrNotATorrent)
	assert.Contains(t, err.Error(), "--share")

	_, err = newResolver().Resolve(context.Background(), t.TempDir(), "", 6881)
	assert.ErrorIs(t, err, ErrNotATorrent)
}

func TestResolveSharesLocalFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("just text"), 0o644))

	res, err := newResolver().Resolve(context.Background(), path, "10.1.2.3", 6882)
	require.NoError(t, err)

	require.NotNil(t, res.Storage)
	assert.Same(t, res.Storage.MetaInfo(), res.Meta)
	assert.Equal(t, "http://10.1.2.3:6882/announce", res.Meta.Announce())
	assert.Equal(t, "notes.txt", res.Meta.Name())
	assert.True(t, res.Storage.Complete())
}

func TestResolveSharesLocalDirectory(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "album")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "disc2"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "one.txt"), []byte("first track"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "disc2", "two.txt"), []byte("second track"), 0o644))

	res, err := newResolver().Resolve(context.Background(), dir, "::1", 6883)
	require.NoError(t, err)

	require.NotNil(t, res.Storage)
	assert.Equal(t, "http://[::1]:6883/announce", res.Meta.Announce())
	assert.Equal(t, "album", res.Meta.Name())
	assert.Len(t, res.Meta.Files(), 2)
	assert.Equal(t, int64(len("first track")+len("second track")), res.Meta.TotalLength())
	assert.Zero(t, res.Storage.Needed())
}

func TestResolveEmptyDirectoryShare(t *testing.T) {
	t.Parallel()

	_, err := newResolver().Resolve(context.Background(), t.TempDir(), "10.1.2.3", 6881)

	var createErr *StorageCreateError
	require.ErrorAs(t, err, &createErr)
	assert.ErrorIs(t, err, storage.ErrNoFiles)
}

func TestResolveUnreadableShare(t *testing.T) {
	t.Parallel()

	if os.Geteuid() == 0 {
		t.Skip("permissions are not enforced for root")
	}

	path := filepath.Join(t.TempDir(), "secret.bin")
	require.NoError(t, os.WriteFile(path, []byte("cannot read me"), 0o644))
	require.NoError(t, os.Chmod(path, 0))
	t.Cleanup(func() { os.Chmod(path, 0o644) })

	_, err := newResolver().Resolve(context.Background(), path, "10.1.2.3", 6881)

	var createErr *StorageCreateError
	require.ErrorAs(t, err, &createErr)
	assert.Equal(t, path, createErr.Path)
	assert.ErrorIs(t, err, os.ErrPermission)
}

func TestResolveURL(t *testing.T) {
	t.Parallel()

	want := sampleTorrent(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok.torrent":
			w.Write(want.TorrentData())
		case "/garbage":
			w.Write([]byte("<html>not a torrent</html>"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	res, err := newResolver().Resolve(context.Background(), srv.URL+"/ok.torrent", "", 6881)
	require.NoError(t, err)
	assert.Nil(t, res.Storage)
	assert.Equal(t, want.InfoHash(), res.Meta.InfoHash())

	_, err = newResolver().Resolve(context.Background(), srv.URL+"/missing", "", 6881)
	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, http.StatusNotFound, fetchErr.StatusCode)
	assert.Equal(t, srv.URL+"/missing", fetchErr.URL)
	assert.Contains(t, err.Error(), "404")

	_, err = newResolver().Resolve(context.Background(), srv.URL+"/garbage", "", 6881)
	assert.ErrorIs(t, err, ErrNotATorrent)
}

func TestResolveConnectionRefused(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	source := "http://" + addr + "/x.torrent"
	_, err = newResolver().Resolve(context.Background(), source, "", 6881)

	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Zero(t, fetchErr.StatusCode)
	assert.Equal(t, source, fetchErr.URL)
	assert.Error(t, fetchErr.Err)
	assert.NotErrorIs(t, err, ErrNotATorrent)
}

func TestResolveCancelledFetch(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := newResolver().Resolve(ctx, srv.URL+"/slow.torrent", "", 6881)

	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Zero(t, fetchErr.StatusCode)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestResolveUnknownSource(t *testing.T) {
	t.Parallel()

	for _, source := range []string{"/no/such/file.torrent", "ftp://example.com/x.torrent"} {
		_, err := newResolver().Resolve(context.Background(), source, "", 6881)
		var fetchErr *FetchError
		if assert.ErrorAs(t, err, &fetchErr, source) {
			assert.Zero(t, fetchErr.StatusCode, source)
		}
	}
}

func TestAnnounceURL(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "http://10.0.0.1:6881/announce", AnnounceURL("10.0.0.1", 6881))
	assert.Equal(t, "http://[::1]:6881/announce", AnnounceURL("::1", 6881))
	assert.Equal(t, "http://host.example:7000/announce", AnnounceURL("host.example", 7000))
}
