package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agaabrieel/snark/internal/config"
	"github.com/agaabrieel/snark/pkg/acceptor"
	"github.com/agaabrieel/snark/pkg/apperrors"
	"github.com/agaabrieel/snark/pkg/lifecycle"
	"github.com/agaabrieel/snark/pkg/log"
	"github.com/agaabrieel/snark/pkg/metainfo"
	"github.com/agaabrieel/snark/pkg/peerid"
	"github.com/agaabrieel/snark/pkg/peers"
	"github.com/agaabrieel/snark/pkg/resolver"
	"github.com/agaabrieel/snark/pkg/storage"
	"github.com/agaabrieel/snark/pkg/tracker"
)

const componentId = "session"

// MetainfoResolver turns the command line target into a torrent.
type MetainfoResolver interface {
	Resolve(ctx context.Context, source, shareAddr string, port int) (*resolver.Result, error)
}

// Session is one run of the program: it binds a port, finds the torrent,
// prepares storage and then keeps peers, tracker and acceptor running until
// its context ends.
type Session struct {
	// Resolver, OpenStorage and Listen default to the real implementations
	// and may be replaced before SetupNetwork is called.
	Resolver    MetainfoResolver
	OpenStorage func(meta *metainfo.Metainfo, dir string, l storage.Listener) storage.Storage
	Listen      func(port int) (net.Listener, error)

	cfg config.Config
	log zerolog.Logger

	lc   *lifecycle.Lifecycle
	errs *apperrors.ErrorHandler

	// mu guards activity and everything below it. Fields are written only by
	// the bootstrap, so the bootstrap and tasks it starts afterwards may read
	// them without it.
	mu       sync.Mutex
	activity Activity

	id       [20]byte
	listener net.Listener
	port     int

	meta        *metainfo.Metainfo
	storage     storage.Storage
	coordinator *peers.Coordinator
	tracker     *tracker.Tracker
	sidecar     string
}

func New(cfg config.Config, logger zerolog.Logger) *Session {

	logger = log.Component(logger, componentId)

	s := &Session{
		cfg:  cfg,
		log:  logger,
		port: -1,
	}

	s.Resolver = resolver.New(cfg.FetchTimeout, s.storageListener(), log.Component(logger, "resolver"))
	s.OpenStorage = func(meta *metainfo.Metainfo, dir string, l storage.Listener) storage.Storage {
		return storage.Open(meta, dir, l)
	}
	s.Listen = func(port int) (net.Listener, error) {
		return net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	}

	return s
}

func (s *Session) Activity() Activity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activity
}

// setActivity moves the session forward. Going back is refused.
func (s *Session) setActivity(a Activity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a <= s.activity {
		return false
	}
	s.log.Info().Stringer("from", s.activity).Stringer("to", a).Msg("activity")
	s.activity = a
	return true
}

// Port is the bound port, or -1 when no inbound connections are accepted.
func (s *Session) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

func (s *Session) ID() [20]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Metainfo is nil until the torrent has been resolved.
func (s *Session) Metainfo() *metainfo.Metainfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta
}

// Storage is nil until storage is ready and again after Shutdown.
func (s *Session) Storage() storage.Storage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storage
}

func (s *Session) Coordinator() *peers.Coordinator {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coordinator
}

// Tracker is nil unless the session shares.
func (s *Session) Tracker() *tracker.Tracker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracker
}

func (s *Session) locked(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
}

func (s *Session) start(ctx context.Context) {
	if s.lc != nil {
		return
	}
	s.lc = lifecycle.NewLifecycle(ctx)
	s.errs = apperrors.NewErrorHandler(s.log, s.lc.Cancel)
	s.lc.Go(s.errs.Run)
}

// SetupNetwork generates our identity, binds the listening port, resolves
// the torrent and gets storage ready. Every error it returns is fatal.
func (s *Session) SetupNetwork(ctx context.Context) error {

	s.start(ctx)
	s.setActivity(NetworkSetup)

	id := peerid.Generate()
	s.locked(func() { s.id = id })
	s.log.Info().Str("peer_id", peerid.Encode(s.id[:])).Msg("my peer id")

	if err := s.bind(); err != nil {
		return err
	}

	if err := s.resolve(ctx); err != nil {
		return err
	}

	return s.prepareStorage()
}

func (s *Session) bind() error {

	var lastErr error

	if s.cfg.Port != 0 {
		ln, err := s.Listen(s.cfg.Port)
		if err == nil {
			s.bound(ln)
			return nil
		}
		return apperrors.Fatal(componentId, fmt.Sprintf("cannot accept incoming connections on port %d", s.cfg.Port), err)
	}

	for port := s.cfg.MinPort; port <= s.cfg.MaxPort; port++ {
		ln, err := s.Listen(port)
		if err == nil {
			s.bound(ln)
			return nil
		}
		s.log.Debug().Err(err).Int("port", port).Msg("port unavailable")
		lastErr = err
	}

	msg := fmt.Sprintf("cannot accept incoming connections, tried ports %d - %d", s.cfg.MinPort, s.cfg.MaxPort)
	if s.cfg.Sharing() {
		return apperrors.Fatal(componentId, msg, lastErr)
	}

	s.log.Warn().Err(lastErr).Msg(msg)
	s.locked(func() { s.port = -1 })

	return nil
}

// bound records the listening socket. It is closed when the session
// context ends even if nothing ever accepts on it.
func (s *Session) bound(ln net.Listener) {
	port := ln.Addr().(*net.TCPAddr).Port
	s.locked(func() {
		s.listener = ln
		s.port = port
	})
	s.lc.OnShutdown(func() { ln.Close() })
	s.log.Info().Int("port", port).Msg("listening")
}

func (s *Session) resolve(ctx context.Context) error {

	source := s.cfg.Target

	if info, err := os.Stat(source); err != nil {
		s.setActivity(GettingTorrent)
	} else if info.IsDir() && s.cfg.Sharing() {
		s.setActivity(CreatingTorrent)
	}

	res, err := s.Resolver.Resolve(ctx, source, s.cfg.Share, s.port)
	if err != nil {
		var fetchErr *resolver.FetchError
		var createErr *resolver.StorageCreateError
		switch {
		case errors.As(err, &fetchErr) && fetchErr.StatusCode != 0:
			return apperrors.Fatal(componentId, fmt.Sprintf("loading page '%s' gave error code %d, it probably doesn't exist", source, fetchErr.StatusCode), err)
		case errors.As(err, &createErr):
			return apperrors.Fatal(componentId, fmt.Sprintf("could not create torrent for '%s'", source), err)
		case errors.Is(err, resolver.ErrNotATorrent):
			return apperrors.Fatal(componentId, fmt.Sprintf("'%s' is not a valid torrent metainfo file", source), err)
		default:
			return apperrors.Fatal(componentId, fmt.Sprintf("cannot open '%s'", source), err)
		}
	}

	if res.Storage != nil {
		s.setActivity(CreatingTorrent)
	}
	s.locked(func() {
		if res.Storage != nil {
			s.storage = res.Storage
		}
		s.meta = res.Meta
	})

	s.log.Info().Stringer("metainfo", s.meta).Msg("torrent")

	return nil
}

func (s *Session) prepareStorage() error {

	if s.storage != nil {
		return nil
	}

	s.setActivity(CheckingStorage)

	st := s.OpenStorage(s.meta, s.cfg.DataDir, s.storageListener())
	if err := st.Check(); err != nil {
		st.Close()
		return apperrors.Fatal(componentId, "could not create storage", err)
	}
	s.locked(func() { s.storage = st })

	return nil
}

// CollectPieces starts the peer coordinator and, when sharing, the embedded
// tracker, then accepts connections and announces to the tracker in the
// background.
func (s *Session) CollectPieces(ctx context.Context) error {

	s.start(ctx)
	s.setActivity(CollectingPieces)

	coord := peers.NewCoordinator(s.id, s.meta, s.storage, s.peerListener(), log.Component(s.log, "peers"))
	s.locked(func() { s.coordinator = coord })
	s.lc.OnShutdown(func() { coord.Close() })

	var handler http.Handler
	if s.cfg.Sharing() {
		var err error
		if handler, err = s.share(ctx); err != nil {
			return err
		}
	}

	if s.listener != nil {
		acc := acceptor.New(s.listener, s.coordinator, handler, log.Component(s.log, "acceptor"))
		s.lc.Go(func(ctx context.Context) {
			if err := acc.Run(ctx); err != nil {
				s.errs.Report(apperrors.Warn("acceptor", "no longer accepting connections", err))
			}
		})
	}

	if s.cfg.Sharing() {
		s.log.Info().Msgf("torrent available on http://%s/metainfo.torrent", net.JoinHostPort(s.cfg.Share, strconv.Itoa(s.port)))
	}

	client, err := tracker.NewClient(s.meta, s.id, s.port, s.coordinator, s.coordinator.Connect, tracker.ClientConfig{
		Timeout:  s.cfg.AnnounceTimeout,
		RetryMin: s.cfg.RetryMin,
		RetryMax: s.cfg.RetryMax,
	}, log.Component(s.log, "tracker-client"))
	if err != nil {
		s.errs.Report(apperrors.Warn("tracker-client", "not announcing", err))
	} else {
		s.lc.Go(client.Run)
	}

	return nil
}

// share sets up the embedded tracker with ourselves as the first peer and
// writes the reannounced torrent next to the source.
func (s *Session) share(ctx context.Context) (http.Handler, error) {

	meta := s.meta.Reannounce(resolver.AnnounceURL(s.cfg.Share, s.port))

	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", s.cfg.Share)
	if err != nil || len(addrs) == 0 {
		if err == nil {
			err = errors.New("no addresses")
		}
		return nil, apperrors.Fatal(componentId, fmt.Sprintf("could not start tracker for %s", s.cfg.Share), err)
	}

	self, err := peerid.New(s.id[:], addrs[0], uint16(s.port))
	if err != nil {
		return nil, apperrors.Fatal(componentId, fmt.Sprintf("could not start tracker for %s", s.cfg.Share), err)
	}

	tr := tracker.New(meta, log.Component(s.log, "tracker"))
	tr.Registry().Add(self)
	s.locked(func() { s.tracker = tr })

	s.sidecar = filepath.Clean(s.cfg.Target) + ".torrent"
	s.log.Info().Str("path", s.sidecar).Msg("writing torrent to file")
	if err := os.WriteFile(s.sidecar, meta.TorrentData(), 0o644); err != nil {
		s.log.Warn().Err(err).Msg("could not save torrent file")
	}

	return tracker.NewHandler(tr, log.Component(s.log, "tracker")), nil
}

// Run bootstraps the session and blocks until ctx is done or a background
// task fails fatally.
func (s *Session) Run(ctx context.Context) error {

	s.start(ctx)

	if err := s.SetupNetwork(s.lc.Context()); err != nil {
		s.Shutdown()
		return err
	}

	if err := s.CollectPieces(s.lc.Context()); err != nil {
		s.Shutdown()
		return err
	}

	s.lc.Go(s.monitor)

	<-s.lc.Done()

	return s.Shutdown()
}

// monitor periodically reports on peers and transfer totals.
func (s *Session) monitor(ctx context.Context) {

	period := s.cfg.MonitorPeriod
	if period <= 0 {
		period = time.Minute
	}

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.report()
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) report() {

	connected := s.coordinator.Peers()

	s.log.Info().
		Int("peers", len(connected)).
		Int64("downloaded", s.coordinator.Downloaded()).
		Int64("uploaded", s.coordinator.Uploaded()).
		Int("needed", s.storage.Needed()).
		Msg("status")

	for _, p := range connected {
		s.log.Debug().Stringer("peer", p).Bool("incoming", p.Incoming).Dur("connected", time.Since(p.Since)).Msg("peer")
	}
}

// Shutdown stops every background task, which closes the port and drops
// peers, then releases storage. It returns the first fatal error reported
// while running, if any.
func (s *Session) Shutdown() error {

	s.setActivity(ShuttingDown)

	if s.lc != nil {
		s.lc.Shutdown()
	}

	s.mu.Lock()
	st := s.storage
	s.storage = nil
	s.mu.Unlock()

	if st != nil {
		if err := st.Close(); err != nil {
			s.log.Warn().Err(err).Msg("failed to close storage")
		}
	}

	if s.errs == nil {
		return nil
	}
	return s.errs.Fatal()
}

func (s *Session) storageListener() storage.Listener {
	return storage.Listener{
		OnCreateFile: func(name string, length int64) {
			s.log.Info().Str("file", name).Int64("length", length).Msg("creating file")
		},
		OnAllocated: func(length int64) {
			s.log.Debug().Int64("length", length).Msg("allocated")
		},
		OnPieceChecked: func(index int, passed bool) {
			s.log.Trace().Int("piece", index).Bool("passed", passed).Msg("checked piece")
		},
		OnAllChecked: func() {
			s.log.Info().Msg("storage checked")
		},
	}
}

func (s *Session) peerListener() peers.Listener {
	return peers.Listener{
		OnPeerChange: func(p *peers.Peer, connected bool) {
			if connected {
				s.log.Info().Stringer("peer", p).Msg("peer connected")
			} else {
				s.log.Info().Stringer("peer", p).Msg("peer disconnected")
			}
		},
	}
}
