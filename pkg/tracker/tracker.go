package tracker

import (
	"bytes"
	"net/netip"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/agaabrieel/snark/pkg/bencode"
	"github.com/agaabrieel/snark/pkg/metainfo"
	"github.com/agaabrieel/snark/pkg/peerid"
)

// Interval is how long peers are told to wait between announces.
const Interval = 15 * time.Minute

// Used when even a failure payload cannot be encoded.
var internalFailure = []byte("d14:failure reason14:internal errore")

// Tracker answers announce requests for a single torrent.
type Tracker struct {
	registry *Registry
	log      zerolog.Logger
}

func New(meta *metainfo.Metainfo, log zerolog.Logger) *Tracker {
	return &Tracker{
		registry: NewRegistry(meta),
		log:      log,
	}
}

func (t *Tracker) Registry() *Registry {
	return t.registry
}

func (t *Tracker) Metainfo() *metainfo.Metainfo {
	return t.registry.Metainfo()
}

// HandleAnnounce processes one announce. params holds the raw, still percent
// encoded query values. The result is always a valid encoded response; bad
// requests get a failure reason instead of an error.
func (t *Tracker) HandleAnnounce(addr netip.Addr, port int, params map[string]string) []byte {

	t.log.Debug().
		Stringer("remote", netip.AddrPortFrom(addr, uint16(port))).
		Interface("params", params).
		Msg("tracker request")

	infoHashValue, ok := params["info_hash"]
	if !ok {
		return t.failure("No info_hash given")
	}

	infoHash := t.registry.Metainfo().InfoHash()
	if !bytes.Equal(URLDecode(infoHashValue), infoHash[:]) {
		return t.failure("Tracker doesn't handle given info_hash")
	}

	peerIDValue, ok := params["peer_id"]
	if !ok {
		return t.failure("No peer_id given")
	}

	id := URLDecode(peerIDValue)
	if len(id) != peerid.Size {
		return t.failure("peer_id must be 20 bytes long")
	}

	portValue, ok := params["port"]
	if !ok {
		return t.failure("No port given")
	}

	peerPort, err := strconv.ParseUint(portValue, 10, 16)
	if err != nil {
		return t.failure("port not a number: " + err.Error())
	}

	// The "ip" parameter is ignored. Trusting it would let anyone fill the
	// tracker with addresses they do not own.
	peer, err := peerid.New(id, addr, uint16(peerPort))
	if err != nil {
		return t.failure(err.Error())
	}

	if params["event"] == "stopped" {
		t.registry.Remove(peer)
	} else {
		t.registry.Add(peer)
	}

	snapshot := t.registry.Snapshot()
	peers := make(bencode.List, 0, len(snapshot))
	for _, p := range snapshot {
		pid := p.ID()
		peers = append(peers, bencode.Dict{
			"peer id": string(pid[:]),
			"ip":      p.Addr().String(),
			"port":    int64(p.Port()),
		})
	}

	response := bencode.Dict{
		"interval": int64(Interval / time.Second),
		"peers":    peers,
	}

	t.log.Debug().Int("peers", len(peers)).Stringer("peer", peer).Msg("tracker response")

	return t.encode(response)
}

func (t *Tracker) failure(reason string) []byte {
	t.log.Debug().Str("reason", reason).Msg("tracker failure")
	return t.encode(bencode.Dict{"failure reason": reason})
}

func (t *Tracker) encode(v bencode.Dict) []byte {
	b, err := bencode.Encode(v)
	if err != nil {
		t.log.Error().Err(err).Msg("failed to encode tracker response")
		return internalFailure
	}
	return b
}
