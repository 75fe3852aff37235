package node

import (
	"fmt"
	"sync"

	"github.com/btcibd/node/core/types"
	"github.com/btcibd/node/download"
	"github.com/btcibd/node/peertransport"
)

// peerRegistry tracks live peertransport.Peer connections by PeerID
// and is the download.Sender the download.Manager writes getdata
// requests through: the manager only knows PeerIDs, the registry
// knows which connection each one is.
type peerRegistry struct {
	mu    sync.Mutex
	peers map[download.PeerID]*peertransport.Peer
}

func newPeerRegistry() *peerRegistry {
	return &peerRegistry{peers: make(map[download.PeerID]*peertransport.Peer)}
}

func (r *peerRegistry) add(p *peertransport.Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[p.AsDownloadPeerID()] = p
}

func (r *peerRegistry) remove(id download.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, id)
}

func (r *peerRegistry) get(id download.PeerID) (*peertransport.Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[id]
	return p, ok
}

// SendGetData implements download.Sender by routing to the named
// peer's live connection.
func (r *peerRegistry) SendGetData(peer download.PeerID, hashes []types.Hash256) error {
	p, ok := r.get(peer)
	if !ok {
		return fmt.Errorf("peertransport: no live connection for peer %s", peer)
	}
	return p.SendGetData(peer, hashes)
}
