package download

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btcibd/node/core/types"
	"github.com/btcibd/node/tracker"
)

// fakeSender records every getdata call made by the manager under
// test, without touching a real network.
type fakeSender struct {
	mu    sync.Mutex
	calls map[PeerID][]types.Hash256
}

func newFakeSender() *fakeSender {
	return &fakeSender{calls: make(map[PeerID][]types.Hash256)}
}

func (f *fakeSender) SendGetData(peer PeerID, hashes []types.Hash256) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[peer] = append(f.calls[peer], hashes...)
	return nil
}

func hashesAndHeights(from, to uint32) ([]types.Hash256, []uint32) {
	var hashes []types.Hash256
	var heights []uint32
	for h := from; h <= to; h++ {
		var hash types.Hash256
		hash[0] = byte(h)
		hash[1] = byte(h >> 8)
		hashes = append(hashes, hash)
		heights = append(heights, h)
	}
	return hashes, heights
}

// TestSinglePeerSmallRange walks the happy path: one peer pulls two
// batches of 8 from a 16-height range and delivers every block.
func TestSinglePeerSmallRange(t *testing.T) {
	bm := tracker.New()
	sender := newFakeSender()
	mgr := NewManager(sender, bm, DefaultConfig())

	hashes, heights := hashesAndHeights(1, 16)
	added := mgr.AddWork(hashes, heights)
	require.Equal(t, 16, added)

	const peer PeerID = "peer-1"
	mgr.AddPeer(peer)

	assert.True(t, mgr.PeerRequestWork(peer))
	batch1 := sender.calls[peer]
	require.Len(t, batch1, 8)
	for _, h := range batch1 {
		assert.True(t, mgr.BlockReceived(peer, h, 1000))
	}
	assert.True(t, mgr.PeerRequestWork(peer))
	batch2 := sender.calls[peer][8:]
	require.Len(t, batch2, 8)
	for _, h := range batch2 {
		assert.True(t, mgr.BlockReceived(peer, h, 1000))
	}

	assert.Equal(t, 0, mgr.PendingBlocks())
	for h := uint32(1); h <= 16; h++ {
		assert.False(t, bm.HasBlock(h), "bit must clear on receipt for height %d", h)
	}
	assert.Equal(t, 0, mgr.ActivePeerCount(), "active_peer_count == 0 after batch 2 finishes")
}

// TestPeerDisconnectMidBatch covers a peer dropping out after
// delivering part of its batch: the remainder returns to the queue
// head and a replacement peer finishes it without double-counting.
func TestPeerDisconnectMidBatch(t *testing.T) {
	bm := tracker.New()
	sender := newFakeSender()
	mgr := NewManager(sender, bm, DefaultConfig())

	hashes, heights := hashesAndHeights(1, 8)
	mgr.AddWork(hashes, heights)

	const peer PeerID = "peer-1"
	mgr.AddPeer(peer)
	require.True(t, mgr.PeerRequestWork(peer))

	for _, h := range hashes[:3] {
		assert.True(t, mgr.BlockReceived(peer, h, 500))
	}

	mgr.RemovePeer(peer)

	// Heights 1..3 delivered and cleared; 4..8 remain set.
	for h := uint32(1); h <= 3; h++ {
		assert.False(t, bm.HasBlock(h))
	}
	for h := uint32(4); h <= 8; h++ {
		assert.True(t, bm.HasBlock(h))
	}

	const peer2 PeerID = "peer-2"
	mgr.AddPeer(peer2)
	require.True(t, mgr.PeerRequestWork(peer2))
	redelivered := sender.calls[peer2]
	assert.Len(t, redelivered, 8, "requesting all 8 again is acceptable")

	// Duplicate delivery of an already-received height must not
	// double count.
	assert.False(t, mgr.BlockReceived(peer2, hashes[0], 500))

	for _, h := range hashes[3:] {
		assert.True(t, mgr.BlockReceived(peer2, h, 500))
	}
	assert.Equal(t, 0, mgr.PendingBlocks())
}

func TestAddWorkRespectsMaxBatchesBackpressure(t *testing.T) {
	bm := tracker.New()
	mgr := NewManager(newFakeSender(), bm, DefaultConfig())

	total := (MaxBatches + 2) * BatchSize
	hashes, heights := hashesAndHeights(1, uint32(total))
	added := mgr.AddWork(hashes, heights)
	assert.Equal(t, MaxBatches*BatchSize, added)
}

func TestRemovePeerIsIdempotent(t *testing.T) {
	mgr := NewManager(newFakeSender(), tracker.New(), DefaultConfig())
	mgr.RemovePeer("never-added")
}

func TestAddPeerIsIdempotent(t *testing.T) {
	mgr := NewManager(newFakeSender(), tracker.New(), DefaultConfig())
	mgr.AddPeer("p")
	mgr.AddPeer("p")
	assert.Equal(t, 0, mgr.ActivePeerCount())
}

// TestAddWorkSecondCallIsNoop covers the download-idempotence
// property: re-submitting heights that are still queued must not
// enqueue them twice.
func TestAddWorkSecondCallIsNoop(t *testing.T) {
	bm := tracker.New()
	mgr := NewManager(newFakeSender(), bm, DefaultConfig())

	hashes, heights := hashesAndHeights(1, 8)
	require.Equal(t, 8, mgr.AddWork(hashes, heights))
	assert.Equal(t, 0, mgr.AddWork(hashes, heights))
	assert.Equal(t, 8, mgr.PendingBlocks())
}

func TestPollIdlePeersAssignsQueuedBatches(t *testing.T) {
	mgr := NewManager(newFakeSender(), tracker.New(), DefaultConfig())
	mgr.AddPeer("p1")
	mgr.AddPeer("p2")

	hashes, heights := hashesAndHeights(1, 16)
	mgr.AddWork(hashes, heights)

	assert.Equal(t, 2, mgr.PollIdlePeers())
	assert.Equal(t, 2, mgr.ActivePeerCount())
	// Both peers are busy and the queue is empty now.
	assert.Equal(t, 0, mgr.PollIdlePeers())
}

func TestCheckPerformanceDropsStalledReportingPeer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinPeersToKeep = 1
	mgr := NewManager(newFakeSender(), tracker.New(), cfg)
	mgr.AddPeer("stalled")
	mgr.AddPeer("healthy")

	stale := time.Now().Add(-3 * mgr.cfg.Window)
	mgr.peers["stalled"].everReported = true
	mgr.peers["stalled"].lastDeliveryTime = stale
	mgr.peers["healthy"].everReported = true
	mgr.peers["healthy"].bytesThisWindow = 50_000
	mgr.peers["healthy"].lastDeliveryTime = time.Now()

	dropped := mgr.CheckPerformance()
	assert.Equal(t, []PeerID{"stalled"}, dropped)
	_, stillThere := mgr.peers["stalled"]
	assert.False(t, stillThere)
	_, stillThere = mgr.peers["healthy"]
	assert.True(t, stillThere)
}

func TestCheckPerformanceExemptsWarmingUpPeers(t *testing.T) {
	mgr := NewManager(newFakeSender(), tracker.New(), DefaultConfig())
	mgr.AddPeer("fresh")
	mgr.peers["fresh"].lastDeliveryTime = time.Now().Add(-time.Hour)

	assert.Empty(t, mgr.CheckPerformance(), "a peer that never reported must not be dropped")
}

func TestCheckPerformanceKeepsMinimumPeerFloor(t *testing.T) {
	mgr := NewManager(newFakeSender(), tracker.New(), DefaultConfig())
	mgr.AddPeer("only")
	mgr.peers["only"].everReported = true
	mgr.peers["only"].lastDeliveryTime = time.Now().Add(-time.Hour)

	assert.Empty(t, mgr.CheckPerformance(), "the last reporting peer survives even when stalled")
}

func TestCheckPerformanceThrottledToOneRunPerWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinPeersToKeep = 1
	mgr := NewManager(newFakeSender(), tracker.New(), cfg)
	mgr.AddPeer("stalled")
	mgr.AddPeer("other")
	mgr.peers["stalled"].everReported = true
	mgr.peers["stalled"].lastDeliveryTime = time.Now().Add(-time.Hour)
	mgr.peers["other"].everReported = true
	mgr.peers["other"].bytesThisWindow = 1
	mgr.peers["other"].lastDeliveryTime = time.Now()

	mgr.lastPerfCheck = time.Now()
	assert.Empty(t, mgr.CheckPerformance(), "a back-to-back call inside the window is a no-op")

	mgr.lastPerfCheck = time.Now().Add(-2 * mgr.cfg.Window)
	assert.Len(t, mgr.CheckPerformance(), 1)
}

func TestDrainAccelerateRedistributesOutstandingToIdlePeers(t *testing.T) {
	sender := newFakeSender()
	mgr := NewManager(sender, tracker.New(), DefaultConfig())
	mgr.AddPeer("busy")
	mgr.AddPeer("idle")

	hashes, heights := hashesAndHeights(1, 8)
	mgr.AddWork(hashes, heights)
	require.True(t, mgr.PeerRequestWork("busy"))
	// "busy" has delivered nothing; its whole batch is outstanding.

	requests := mgr.DrainAccelerate(0)
	assert.GreaterOrEqual(t, requests, 1)
	assert.NotEmpty(t, sender.calls["idle"], "outstanding hashes must be re-requested from the idle peer")
}

func TestFillGapsStaggeredDistributesAcrossOffsets(t *testing.T) {
	sender := newFakeSender()
	mgr := NewManager(sender, tracker.New(), DefaultConfig())
	mgr.AddPeer("p1")
	mgr.AddPeer("p2")

	hashes, _ := hashesAndHeights(1, 10)
	requests := mgr.FillGapsStaggered(hashes, 2)
	assert.Equal(t, 2, requests)
	assert.NotEqual(t, sender.calls["p1"][0], sender.calls["p2"][0], "peers should start at different offsets")
}
