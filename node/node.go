// Package node owns process lifecycle: it opens the block store and
// chainstate databases, constructs the download manager, availability
// tracker, and sync state machine, receives the messages of peers
// registered with it (it does not dial or accept connections itself),
// and runs the sync machine's event loop and validator worker pair to
// completion or shutdown.
package node

import (
	"bytes"
	"context"
	"fmt"
	"math/big"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/btcsuite/btcd/wire"

	"github.com/btcibd/node/blockstore"
	"github.com/btcibd/node/chainstate"
	"github.com/btcibd/node/core"
	"github.com/btcibd/node/core/types"
	"github.com/btcibd/node/download"
	"github.com/btcibd/node/internal/chainparams"
	"github.com/btcibd/node/internal/clog"
	"github.com/btcibd/node/internal/ibdconfig"
	"github.com/btcibd/node/internal/ibderr"
	"github.com/btcibd/node/peertransport"
	"github.com/btcibd/node/syncfsm"
	"github.com/btcibd/node/tracker"
)

var (
	_ core.Environment         = (*Node)(nil)
	_ peertransport.Dispatcher = (*Node)(nil)
)

// recentHeaderCacheBytes sizes the fastcache instance holding headers
// a peer has just announced. Only RecentHeader reads it; OnBlock still
// looks its block-index entry up in leveldb.
const recentHeaderCacheBytes = 32 * 1024 * 1024

// Node wires together every IBD subsystem behind the core.Environment
// capability set and the peertransport.Dispatcher peer message sink.
type Node struct {
	cfg   ibdconfig.Config
	log   clog.Logger
	store *blockstore.Store
	chain *chainstate.ChainState
	trk   *tracker.HeightBitmap
	dl    *download.Manager

	registry *peerRegistry
	headers  *headerFeed
	machine  *syncfsm.Machine

	recentHeaders *fastcache.Cache
	powLimit      *big.Int
}

// Open creates (or resumes) a node rooted at cfg.DataDir.
func Open(cfg ibdconfig.Config) (*Node, error) {
	store, err := blockstore.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	chain, err := chainstate.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	params, err := chainparams.For(chainparams.Network(cfg.Network))
	if err != nil {
		return nil, err
	}

	trk := tracker.New()
	registry := newPeerRegistry()
	// The download manager tracks queued-but-undelivered heights in its
	// own bitmap; trk tracks what is actually stored on disk. The two
	// have opposite lifecycles (the manager clears a bit on receipt,
	// the tracker sets one on storage), so they must not share state.
	dl := download.NewManager(registry, tracker.New(), cfg.DownloadConfig())
	headers := newHeaderFeed()

	n := &Node{
		cfg:           cfg,
		log:           clog.New("module", "node"),
		store:         store,
		chain:         chain,
		trk:           trk,
		dl:            dl,
		registry:      registry,
		headers:       headers,
		recentHeaders: fastcache.New(recentHeaderCacheBytes),
		powLimit:      params.PowLimit,
	}
	n.machine = syncfsm.New(cfg.SyncfsmConfig(), store, chain, trk, dl, headers, nil, params.PowLimit, n)
	return n, nil
}

// Close releases the chainstate databases. Block store file handles
// are per-call and need no explicit close.
func (n *Node) Close() error {
	return n.chain.Close()
}

// AddPeer registers p with both the download manager and the local
// connection registry, so getdata requests the manager issues for p's
// PeerID reach this connection.
func (n *Node) AddPeer(p *peertransport.Peer) {
	n.registry.add(p)
	n.dl.AddPeer(p.AsDownloadPeerID())
}

// Run drives the sync machine until ctx is cancelled or a fatal error
// occurs.
func (n *Node) Run(ctx context.Context) error {
	return n.machine.Run(ctx)
}

// Phase reports the sync machine's current phase, for status
// reporting.
func (n *Node) Phase() syncfsm.Phase {
	return n.machine.Phase()
}

// --- peertransport.Dispatcher ---

func (n *Node) OnHeaders(from core.PeerID, msg core.HeadersMsg) {
	n.headers.push(msg.Headers)
	for _, h := range msg.Headers {
		hash := h.BlockHash()
		n.recentHeaders.Set(hash[:], encodeHeader(&h))
	}
}

func (n *Node) OnBlock(from core.PeerID, msg core.BlockMsg) {
	hash := msg.Block.Header.BlockHash()
	entry, err := n.chain.GetBlockIndexByHash(types.Hash256(hash))
	if err != nil {
		n.log.Debug("block from unknown header, dropping", "peer", from, "hash", hash)
		return
	}
	raw, err := types.EncodeBlock(msg.Block)
	if err != nil {
		n.log.Warn("failed to encode delivered block", "err", err)
		return
	}
	if err := n.store.WriteHeight(entry.Height, raw); err != nil {
		n.log.Error("failed to persist delivered block", "height", entry.Height, "err", err)
		return
	}
	n.dl.BlockReceived(download.PeerID(from), types.Hash256(hash), len(raw))
	n.trk.MarkAvailable(entry.Height)

	if !entry.HasData() {
		entry.StatusFlags = (entry.StatusFlags | types.StatusHaveData) &^ types.StatusPruned
		if err := n.chain.PutBlockIndex(entry); err != nil {
			n.log.Warn("failed to record have-data flag", "height", entry.Height, "err", err)
		}
	}
}

func (n *Node) OnInv(from core.PeerID, msg core.InvMsg) {
	// IBD drives block fetch from headers, not unsolicited invs; an
	// inv is only noted here for diagnostics. Nothing in this node
	// answers it with a getheaders request.
	n.log.Trace("inv received", "peer", from, "count", len(msg.Entries))
}

func (n *Node) OnNotFound(from core.PeerID, msg core.NotFoundMsg) {
	n.log.Debug("peer reported not found", "peer", from, "count", len(msg.Entries))
}

func (n *Node) OnPing(from core.PeerID, msg core.PingMsg) {
	if p, ok := n.registry.get(download.PeerID(from)); ok {
		_ = p.SendPong(msg.Nonce)
	}
}

func (n *Node) OnDisconnect(from core.PeerID) {
	n.registry.remove(download.PeerID(from))
	n.dl.RemovePeer(download.PeerID(from))
}

// --- core.Environment ---

func (n *Node) SendGetData(peer core.PeerID, entries []core.InvEntry) error {
	hashes := make([]types.Hash256, 0, len(entries))
	for _, e := range entries {
		if e.Kind == core.InvBlock || e.Kind == core.InvWitnessBlock {
			hashes = append(hashes, e.Hash)
		}
	}
	return n.registry.SendGetData(download.PeerID(peer), hashes)
}

func (n *Node) SendGetHeaders(peer core.PeerID, locator []types.Hash256, stop types.Hash256) error {
	p, ok := n.registry.get(download.PeerID(peer))
	if !ok {
		return fmt.Errorf("node: no live connection for peer %s", peer)
	}
	return p.SendGetHeaders(locator, stop)
}

func (n *Node) DisconnectPeer(peer core.PeerID, reason string) error {
	p, ok := n.registry.get(download.PeerID(peer))
	if !ok {
		return nil
	}
	n.log.Info("disconnecting peer", "peer", peer, "reason", reason)
	return p.Close()
}

func (n *Node) ValidateHeader(header *wire.BlockHeader, prevIndex *types.BlockIndexEntry) error {
	prevHash := types.ZeroHash
	prevHeight := uint32(0)
	if prevIndex != nil {
		prevHash = prevIndex.Hash
		prevHeight = prevIndex.Height
	}
	if header.PrevBlock != prevHash {
		return ibderr.New("headers", prevHeight+1, ibderr.KindInvalidInput, "header does not extend expected parent")
	}
	return nil
}

func (n *Node) LoadBlockAtHeight(height uint32) (*types.Block, types.Hash256, error) {
	raw, err := n.store.ReadHeight(height)
	if err != nil {
		return nil, types.ZeroHash, err
	}
	block, err := types.DecodeBlock(raw)
	if err != nil {
		return nil, types.ZeroHash, err
	}
	return block, types.Hash256(block.Header.BlockHash()), nil
}

func (n *Node) GetStorageInfo() (usedBytes, pruneTargetBytes uint64) {
	return n.store.GetTotalSize(), n.cfg.PruneTargetMBEffective() * 1024 * 1024
}

func (n *Node) FlushChainstate(newTip uint32) error {
	return n.chain.FlushChunk(nil, nil, newTip)
}

func (n *Node) PruneBlockFiles(upTo uint32) (int, error) {
	pruned, err := n.chain.PrunedHeight()
	if err != nil {
		return 0, err
	}
	count := 0
	for h := pruned + 1; h <= upTo; h++ {
		if err := n.store.PruneHeight(h); err != nil {
			return count, err
		}
		if err := n.chain.MarkPruned(h); err != nil {
			return count, err
		}
		count++
	}
	return count, n.chain.SetPrunedHeight(upTo)
}

func (n *Node) GetValidatedHeight() uint32 {
	tip, _ := n.chain.ValidatedTip()
	return tip
}

func (n *Node) FindConsecutiveStored(start uint32) uint32 {
	rangeStart, end, ok := n.trk.FindConsecutiveRange()
	if !ok || rangeStart != start {
		return start - 1
	}
	return end
}

// RecentHeader returns a just-announced header by hash from the
// in-memory cache, avoiding a block-index database lookup for the
// common case of a status query or a duplicate-announcement check
// shortly after OnHeaders. It reports false once the header has aged
// out of cache or was never seen.
func (n *Node) RecentHeader(hash types.Hash256) (*wire.BlockHeader, bool) {
	raw := n.recentHeaders.Get(nil, hash[:])
	if raw == nil {
		return nil, false
	}
	var h wire.BlockHeader
	if err := h.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, false
	}
	return &h, true
}

func encodeHeader(h *wire.BlockHeader) []byte {
	var buf bytes.Buffer
	buf.Grow(80)
	_ = h.Serialize(&buf)
	return buf.Bytes()
}
