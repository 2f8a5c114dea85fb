package tracker

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog"

	"github.com/agaabrieel/snark/pkg/bencode"
	"github.com/agaabrieel/snark/pkg/metainfo"
)

const (
	EventNone      = ""
	EventStarted   = "started"
	EventStopped   = "stopped"
	EventCompleted = "completed"
)

// FailureError is a failure reason sent back by a tracker.
type FailureError string

func (e FailureError) Error() string {
	return "tracker returned failure: " + string(e)
}

// Transfer reports the numbers sent with every announce.
type Transfer interface {
	Downloaded() int64
	Uploaded() int64
	Left() int64
}

type AnnounceRequest struct {
	InfoHash   [20]byte
	PeerID     [20]byte
	Port       int
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      string
}

type AnnounceResponse struct {
	Interval time.Duration
	Peers    []PeerAddr
}

type PeerAddr struct {
	ID   []byte
	Addr netip.AddrPort
}

type ClientConfig struct {
	Timeout  time.Duration
	RetryMin time.Duration
	RetryMax time.Duration
}

// Client announces our presence to the torrent's tracker for as long as the
// session runs and hands every peer it learns about to OnPeers.
type Client struct {
	client   *http.Client
	url      *url.URL
	meta     *metainfo.Metainfo
	peerID   [20]byte
	port     int
	transfer Transfer
	onPeers  func(ctx context.Context, peers []PeerAddr)
	retry    *backoff.ExponentialBackOff
	log      zerolog.Logger
}

func NewClient(meta *metainfo.Metainfo, peerID [20]byte, port int, transfer Transfer, onPeers func(context.Context, []PeerAddr), cfg ClientConfig, log zerolog.Logger) (*Client, error) {

	u, err := url.Parse(meta.Announce())
	if err != nil {
		return nil, fmt.Errorf("failed to parse tracker url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported tracker scheme %q", u.Scheme)
	}

	if cfg.RetryMin <= 0 {
		cfg.RetryMin = 5 * time.Second
	}
	if cfg.RetryMax < cfg.RetryMin {
		cfg.RetryMax = 30 * time.Minute
	}

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = cfg.RetryMin
	retry.MaxInterval = cfg.RetryMax
	retry.MaxElapsedTime = 0
	retry.Reset()

	if port < 0 {
		port = 0
	}

	return &Client{
		client:   &http.Client{Timeout: cfg.Timeout},
		url:      u,
		meta:     meta,
		peerID:   peerID,
		port:     port,
		transfer: transfer,
		onPeers:  onPeers,
		retry:    retry,
		log:      log,
	}, nil
}

// Run announces "started", then re-announces whenever the tracker asks us to
// and finally "stopped" once ctx is done.
func (c *Client) Run(ctx context.Context) {

	next := c.announce(ctx, EventStarted)
	timer := time.NewTimer(next)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			timer.Reset(c.announce(ctx, EventNone))
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			c.announce(stopCtx, EventStopped)
			cancel()
			return
		}
	}
}

func (c *Client) announce(ctx context.Context, event string) time.Duration {

	req := AnnounceRequest{
		InfoHash:   c.meta.InfoHash(),
		PeerID:     c.peerID,
		Port:       c.port,
		Uploaded:   c.transfer.Uploaded(),
		Downloaded: c.transfer.Downloaded(),
		Left:       c.transfer.Left(),
		Event:      event,
	}

	resp, err := c.Announce(ctx, req)
	if err != nil {
		wait := c.retry.NextBackOff()
		c.log.Warn().Err(err).Str("event", event).Dur("retry_in", wait).Msg("announce failed")
		return wait
	}
	c.retry.Reset()

	c.log.Debug().Str("event", event).Int("peers", len(resp.Peers)).Dur("interval", resp.Interval).Msg("announced")

	if event != EventStopped && c.onPeers != nil && len(resp.Peers) > 0 {
		c.onPeers(ctx, resp.Peers)
	}

	if resp.Interval <= 0 {
		return Interval
	}
	return resp.Interval
}

func (c *Client) Announce(ctx context.Context, req AnnounceRequest) (*AnnounceResponse, error) {

	params := []string{
		"info_hash=" + url.QueryEscape(string(req.InfoHash[:])),
		"peer_id=" + url.QueryEscape(string(req.PeerID[:])),
		"port=" + strconv.Itoa(req.Port),
		"uploaded=" + strconv.FormatInt(req.Uploaded, 10),
		"downloaded=" + strconv.FormatInt(req.Downloaded, 10),
		"left=" + strconv.FormatInt(req.Left, 10),
	}
	if req.Event != EventNone {
		params = append(params, "event="+req.Event)
	}

	finalUrl := *c.url
	if finalUrl.RawQuery != "" {
		finalUrl.RawQuery += "&"
	}
	finalUrl.RawQuery += strings.Join(params, "&")

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, finalUrl.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to make tracker request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("tracker responded with status %d", resp.StatusCode)
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read tracker response: %w", err)
	}

	return ParseAnnounceResponse(b)
}

// ParseAnnounceResponse understands both the dictionary and the compact peer
// list formats.
func ParseAnnounceResponse(b []byte) (*AnnounceResponse, error) {

	root, err := bencode.DecodeDict(b)
	if err != nil {
		return nil, fmt.Errorf("response parsing failed: %w", err)
	}

	if reason, ok := root["failure reason"]; ok {
		s, _ := reason.(string)
		return nil, FailureError(s)
	}

	var resp AnnounceResponse

	if interval, ok := root["interval"].(int64); ok {
		resp.Interval = time.Duration(interval) * time.Second
	}

	switch peers := root["peers"].(type) {
	case string:
		const peerSize = 6
		if len(peers)%peerSize != 0 {
			return nil, errors.New("invalid compact peer list")
		}
		for i := 0; i < len(peers); i += peerSize {
			ip := netip.AddrFrom4([4]byte([]byte(peers[i : i+4])))
			port := binary.BigEndian.Uint16([]byte(peers[i+4 : i+6]))
			resp.Peers = append(resp.Peers, PeerAddr{Addr: netip.AddrPortFrom(ip, port)})
		}
	case bencode.List:
		for _, entry := range peers {
			dict, ok := entry.(bencode.Dict)
			if !ok {
				continue
			}
			ipValue, _ := dict["ip"].(string)
			ip, err := netip.ParseAddr(ipValue)
			if err != nil {
				continue
			}
			port, _ := dict["port"].(int64)
			if port <= 0 || port > 0xffff {
				continue
			}
			var id []byte
			if s, ok := dict["peer id"].(string); ok {
				id = []byte(s)
			}
			resp.Peers = append(resp.Peers, PeerAddr{ID: id, Addr: netip.AddrPortFrom(ip.Unmap(), uint16(port))})
		}
	}

	return &resp, nil
}
