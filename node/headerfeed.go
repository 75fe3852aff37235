package node

import (
	"sync"

	"github.com/btcsuite/btcd/wire"
)

// maxHeadersPerMsg mirrors Bitcoin's getheaders response cap; a
// headers message shorter than this is the network's own signal that
// a peer has nothing more to offer right now.
const maxHeadersPerMsg = 2000

// headerFeed adapts the push-based Dispatcher.OnHeaders callback
// peertransport delivers asynchronously into the pull-based
// syncfsm.HeaderSource the sync machine's event loop polls
// synchronously.
type headerFeed struct {
	mu        sync.Mutex
	pending   [][]wire.BlockHeader
	converged bool
}

func newHeaderFeed() *headerFeed {
	return &headerFeed{converged: true}
}

func (h *headerFeed) push(headers []wire.BlockHeader) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.converged = len(headers) < maxHeadersPerMsg
	if len(headers) > 0 {
		h.pending = append(h.pending, headers)
	}
}

// PollHeaders implements syncfsm.HeaderSource.
func (h *headerFeed) PollHeaders() ([]wire.BlockHeader, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.pending) == 0 {
		return nil, h.converged, nil
	}
	next := h.pending[0]
	h.pending = h.pending[1:]
	return next, h.converged && len(h.pending) == 0, nil
}
