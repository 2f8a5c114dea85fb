package tracker

import (
	"net/http"
	"net/netip"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

const ContentType = "application/x-bittorrent"

// NewHandler exposes the tracker over HTTP: /announce for peers and
// /metainfo.torrent for anyone who wants the descriptor.
func NewHandler(t *Tracker, log zerolog.Logger) http.Handler {

	mux := http.NewServeMux()

	mux.HandleFunc("GET /announce", func(w http.ResponseWriter, r *http.Request) {

		remote, err := netip.ParseAddrPort(r.RemoteAddr)
		if err != nil {
			log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("cannot parse remote address")
			http.Error(w, "bad remote address", http.StatusBadRequest)
			return
		}

		body := t.HandleAnnounce(remote.Addr().Unmap(), int(remote.Port()), ParseQuery(r.URL.RawQuery))

		w.Header().Set("Content-Type", ContentType)
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	})

	mux.HandleFunc("GET /metainfo.torrent", func(w http.ResponseWriter, r *http.Request) {
		data := t.Metainfo().TorrentData()
		w.Header().Set("Content-Type", ContentType)
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	})

	return mux
}

// ParseQuery splits a raw query string without decoding the values, since
// info_hash and peer_id are binary and decoded by the tracker itself. The
// first occurrence of a key wins.
func ParseQuery(raw string) map[string]string {

	params := make(map[string]string)

	for _, pair := range strings.Split(raw, "&") {
		if pair == "" {
			continue
		}
		key, value, _ := strings.Cut(pair, "=")
		key = string(URLDecode(key))
		if _, seen := params[key]; !seen {
			params[key] = value
		}
	}

	return params
}
