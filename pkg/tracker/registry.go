package tracker

import (
	"slices"
	"sync"

	"github.com/agaabrieel/snark/pkg/metainfo"
	"github.com/agaabrieel/snark/pkg/peerid"
)

// Registry is the set of peers currently announced for one torrent. Every
// operation takes the same lock, so callers never see a partial update.
type Registry struct {
	meta *metainfo.Metainfo

	mu    sync.Mutex
	peers map[peerid.PeerID]struct{}
}

func NewRegistry(meta *metainfo.Metainfo) *Registry {
	return &Registry{
		meta:  meta,
		peers: make(map[peerid.PeerID]struct{}),
	}
}

func (r *Registry) Metainfo() *metainfo.Metainfo {
	return r.meta
}

// Add is idempotent.
func (r *Registry) Add(p peerid.PeerID) {
	r.mu.Lock()
	r.peers[p] = struct{}{}
	r.mu.Unlock()
}

func (r *Registry) Remove(p peerid.PeerID) {
	r.mu.Lock()
	delete(r.peers, p)
	r.mu.Unlock()
}

// Snapshot returns a sorted copy of the current members.
func (r *Registry) Snapshot() []peerid.PeerID {

	r.mu.Lock()
	out := make([]peerid.PeerID, 0, len(r.peers))
	for p := range r.peers {
		out = append(out, p)
	}
	r.mu.Unlock()

	slices.SortFunc(out, peerid.PeerID.Compare)

	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}
