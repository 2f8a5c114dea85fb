package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/agaabrieel/snark/pkg/metainfo"
	"github.com/agaabrieel/snark/pkg/storage"
)

const DefaultTimeout = 30 * time.Second

var ErrNotATorrent = errors.New("not a torrent file")

// FetchError is returned when a remote descriptor cannot be downloaded.
// StatusCode is zero when the request never got a response.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetching %s: unexpected status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetching %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// StorageCreateError is returned when a local path cannot be turned into a
// shared torrent.
type StorageCreateError struct {
	Path string
	Err  error
}

func (e *StorageCreateError) Error() string {
	return fmt.Sprintf("creating torrent for %s: %v", e.Path, e.Err)
}

func (e *StorageCreateError) Unwrap() error {
	return e.Err
}

// Result is what a source resolved to. Storage is set only when the
// metainfo was synthesized from local data, in which case the session must
// reuse it instead of opening a new one.
type Result struct {
	Meta    *metainfo.Metainfo
	Storage storage.Storage
}

type Resolver struct {
	client   *http.Client
	listener storage.Listener
	log      zerolog.Logger
}

func New(timeout time.Duration, listener storage.Listener, log zerolog.Logger) *Resolver {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Resolver{
		client:   &http.Client{Timeout: timeout},
		listener: listener,
		log:      log,
	}
}

// Resolve turns source into a metainfo. An existing local path is read as a
// torrent file; if that fails and shareAddr is set, the path is shared
// instead, announcing on shareAddr:port. Anything else is fetched as a URL.
func (r *Resolver) Resolve(ctx context.Context, source, shareAddr string, port int) (*Result, error) {

	info, err := os.Stat(source)
	if err != nil {
		return r.fetch(ctx, source)
	}

	if info.Mode().IsRegular() {
		meta, err := r.loadFile(source)
		if err == nil {
			return &Result{Meta: meta}, nil
		}
		r.log.Debug().Err(err).Str("source", source).Msg("not a torrent file")
	}

	if shareAddr == "" {
		return nil, fmt.Errorf("%w: %s (use --share to create a torrent from it)", ErrNotATorrent, source)
	}

	return r.create(source, shareAddr, port)
}

func (r *Resolver) loadFile(path string) (*metainfo.Metainfo, error) {

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return metainfo.Load(f)
}

func (r *Resolver) create(path, shareAddr string, port int) (*Result, error) {

	announce := AnnounceURL(shareAddr, port)
	r.log.Info().Str("path", path).Str("announce", announce).Msg("creating torrent")

	st, err := storage.NewFromPath(path, announce, r.listener)
	if err != nil {
		return nil, &StorageCreateError{Path: path, Err: err}
	}
	if err := st.Create(); err != nil {
		return nil, &StorageCreateError{Path: path, Err: err}
	}

	return &Result{Meta: st.MetaInfo(), Storage: st}, nil
}

func (r *Resolver) fetch(ctx context.Context, source string) (*Result, error) {

	u, err := url.Parse(source)
	if err != nil {
		return nil, &FetchError{URL: source, Err: err}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, &FetchError{URL: source, Err: fmt.Errorf("no such file and unsupported scheme %q", u.Scheme)}
	}

	r.log.Info().Str("url", source).Msg("fetching torrent")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &FetchError{URL: source, Err: err}
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: source, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, &FetchError{URL: source, StatusCode: resp.StatusCode}
	}

	meta, err := metainfo.Load(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrNotATorrent, source, err)
	}

	return &Result{Meta: meta}, nil
}

// AnnounceURL is the tracker address peers use when we share.
func AnnounceURL(host string, port int) string {
	return "http://" + net.JoinHostPort(host, strconv.Itoa(port)) + "/announce"
}
