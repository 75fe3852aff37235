package download

import (
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"golang.org/x/time/rate"

	"github.com/btcibd/node/core/types"
	"github.com/btcibd/node/internal/clog"
	"github.com/btcibd/node/internal/metrics"
	"github.com/btcibd/node/tracker"
)

var (
	blockInMeter  = metrics.NewRegisteredMeter("download/blocks/in", nil)
	bytesInMeter  = metrics.NewRegisteredMeter("download/bytes/in", nil)
	peerDropMeter = metrics.NewRegisteredMeter("download/peers/drops", nil)
)

// accelerateRateLimit bounds how many redundant getdata messages
// DrainAccelerate/FillGapsStaggered may issue per second, so a fast
// DRAIN loop cannot flood every idle peer in the same tick.
const accelerateRateLimit = 20

// Sender abstracts the peer transport so the manager never depends on
// a concrete network type. SendGetData failures are not surfaced to
// the manager; an unresponsive peer eventually stalls and is dropped
// by CheckPerformance instead.
type Sender interface {
	SendGetData(peer PeerID, hashes []types.Hash256) error
}

// MinPeersToKeep is the floor below which CheckPerformance refuses to
// drop a stalled peer, even if it qualifies. It is the package default;
// a Manager built with Config overrides it from internal/ibdconfig.
const MinPeersToKeep = 3

// defaultWindow is the rolling measurement window used to compute a
// peer's bytes-per-second and to judge staleness. It is the package
// default; a Manager built with Config overrides it.
const defaultWindow = 10 * time.Second

// Config bounds the manager's batching and peer-health behavior. It is
// threaded in from internal/ibdconfig so the node's TOML file actually
// controls DownloadBatchSize, DownloadMaxBatches, MinPeersToKeep, and
// PerfWindowMS instead of the package's hardcoded defaults.
type Config struct {
	BatchSize      int
	MaxBatches     int
	MinPeersToKeep int
	Window         time.Duration
}

// DefaultConfig mirrors this package's original hardcoded constants,
// for callers (and tests) that don't need to override them.
func DefaultConfig() Config {
	return Config{
		BatchSize:      BatchSize,
		MaxBatches:     MaxBatches,
		MinPeersToKeep: MinPeersToKeep,
		Window:         defaultWindow,
	}
}

type peerState struct {
	batch            *batch
	bytesThisWindow  int64
	bytesPerSecond   float64
	windowStart      time.Time
	lastDeliveryTime time.Time
	everReported     bool
}

// Manager distributes work to a dynamic set of peers using a pull
// discipline. It is safe for concurrent use.
type Manager struct {
	mu            sync.Mutex
	sender        Sender
	bitmap        *tracker.HeightBitmap
	log           clog.Logger
	cfg           Config
	queue         []*batch
	peers         map[PeerID]*peerState
	accelerator   *rate.Limiter
	delivered     map[uint32]PeerID
	lastPerfCheck time.Time
}

// NewManager returns a Manager that marks work in bitmap and issues
// getdata requests through sender, batching and peer-health decisions
// per cfg.
func NewManager(sender Sender, bitmap *tracker.HeightBitmap, cfg Config) *Manager {
	return &Manager{
		sender:      sender,
		bitmap:      bitmap,
		log:         clog.New("module", "download"),
		cfg:         cfg,
		peers:       make(map[PeerID]*peerState),
		accelerator: rate.NewLimiter(rate.Limit(accelerateRateLimit), accelerateRateLimit),
		delivered:   make(map[uint32]PeerID),
	}
}

// AddPeer registers peer as available to pull work. Idempotent.
func (m *Manager) AddPeer(peer PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.peers[peer]; ok {
		return
	}
	m.peers[peer] = &peerState{windowStart: time.Now()}
}

// RemovePeer unregisters peer. Any batch it held is returned to the
// head of the queue with its assignment cleared so it is reassigned
// to the next requester.
func (m *Manager) RemovePeer(peer PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removePeerLocked(peer)
}

func (m *Manager) removePeerLocked(peer PeerID) {
	st, ok := m.peers[peer]
	if !ok {
		return
	}
	if st.batch != nil {
		st.batch.assignedTo = ""
		st.batch.assignedTime = time.Time{}
		m.queue = append([]*batch{st.batch}, m.queue...)
	}
	delete(m.peers, peer)
}

// AddWork appends (hash, height) work in FIFO order, grouped into
// fixed-size batches, marking each height in the bitmap. Heights whose
// bit is already set (queued or assigned, not yet received) are
// skipped, so re-submitting the same range is a no-op for everything
// still tracked. It returns how many items were actually queued; fewer
// than len(hashes) with a full queue means the caller should apply
// backpressure.
func (m *Manager) AddWork(hashes []types.Hash256, heights []uint32) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	fresh := make([]workItem, 0, len(hashes))
	for i := range hashes {
		if m.bitmap.HasBlock(heights[i]) {
			continue
		}
		fresh = append(fresh, workItem{hash: hashes[i], height: heights[i]})
	}

	added := 0
	for i := 0; i < len(fresh); i += m.cfg.BatchSize {
		if len(m.queue) >= m.cfg.MaxBatches {
			break
		}
		end := i + m.cfg.BatchSize
		if end > len(fresh) {
			end = len(fresh)
		}
		items := fresh[i:end:end]
		for _, it := range items {
			m.bitmap.MarkAvailable(it.height)
		}
		m.queue = append(m.queue, newBatch(items))
		added += len(items)
	}
	return added
}

// PeerRequestWork is called when peer is idle and asking for a batch.
// If peer's current batch is fully received it is freed first. If the
// queue is non-empty, the head batch is popped, assigned to peer, and
// a getdata is sent. It returns true iff work was assigned.
func (m *Manager) PeerRequestWork(peer PeerID) bool {
	m.mu.Lock()

	st, ok := m.peers[peer]
	if !ok {
		m.mu.Unlock()
		return false
	}
	if st.batch != nil && st.batch.remaining == 0 {
		st.batch = nil
	}
	if st.batch != nil {
		m.mu.Unlock()
		return false
	}
	if len(m.queue) == 0 {
		m.mu.Unlock()
		return false
	}

	b := m.queue[0]
	m.queue = m.queue[1:]
	b.assignedTo = peer
	b.assignedTime = time.Now()
	st.batch = b
	hashes := make([]types.Hash256, len(b.items))
	for i, it := range b.items {
		hashes[i] = it.hash
	}
	m.mu.Unlock()

	m.sender.SendGetData(peer, hashes)
	return true
}

// BlockReceived records delivery of hash with the given byte size.
// The hash is looked up in peer's own batch first, then scanned across
// all peers' batches (DRAIN may have issued redundant requests). A
// duplicate delivery returns false without double-counting.
func (m *Manager) BlockReceived(peer PeerID, hash types.Hash256, size int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st, ok := m.peers[peer]; ok {
		st.bytesThisWindow += int64(size)
		st.lastDeliveryTime = time.Now()
		st.everReported = true
	}

	if st, ok := m.peers[peer]; ok && st.batch != nil {
		if m.deliverInto(st.batch, hash, peer) {
			blockInMeter.Mark(1)
			bytesInMeter.Mark(int64(size))
			m.log.Trace("block delivered", "peer", peer, "batch", spew.Sdump(st.batch.start, st.batch.end, st.batch.remaining))
			return true
		}
	}
	for id, other := range m.peers {
		if other.batch == nil {
			continue
		}
		if m.deliverInto(other.batch, hash, peer) {
			blockInMeter.Mark(1)
			bytesInMeter.Mark(int64(size))
			m.log.Trace("block delivered to foreign batch", "peer", peer, "owner", id)
			return true
		}
	}
	return false
}

// PollIdlePeers offers the head of the queue to every registered peer
// that is not currently holding unfinished work, per the pull
// discipline: idle peers ask for batches on their ticks; this is the
// event loop's way of ticking all of them at once. It returns the
// number of batches assigned.
func (m *Manager) PollIdlePeers() int {
	m.mu.Lock()
	idle := make([]PeerID, 0, len(m.peers))
	for id, st := range m.peers {
		if st.batch == nil || st.batch.remaining == 0 {
			idle = append(idle, id)
		}
	}
	m.mu.Unlock()

	assigned := 0
	for _, id := range idle {
		if m.PeerRequestWork(id) {
			assigned++
		}
	}
	return assigned
}

// deliverInto marks hash received within b if present and not already
// received, recording source as the height's delivering peer. Returns
// true on a genuine first delivery.
func (m *Manager) deliverInto(b *batch, hash types.Hash256, source PeerID) bool {
	for i, it := range b.items {
		if it.hash != hash {
			continue
		}
		if b.received[i] {
			return false
		}
		b.received[i] = true
		b.remaining--
		m.bitmap.ClearAvailable(it.height)
		m.delivered[it.height] = source
		return true
	}
	return false
}

// SourceOfHeight returns the peer that delivered the block body at
// height, if any is on record. Used to attribute a consensus-invalid
// block to the peer that should be disconnected.
func (m *Manager) SourceOfHeight(height uint32) (PeerID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	peer, ok := m.delivered[height]
	return peer, ok
}

// ForgetDelivered drops the recorded source peer for every height in
// [start, end], once a dropped chunk makes that attribution stale.
func (m *Manager) ForgetDelivered(start, end uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for h := start; h <= end; h++ {
		delete(m.delivered, h)
	}
}

// CheckPerformance updates rolling windows and evicts peers that have
// delivered zero bytes for more than 2x the window, provided at least
// cfg.MinPeersToKeep+1 reporting peers remain. Calls arriving sooner
// than one window after the previous check are no-ops, so the event
// loop can invoke it every tick without collapsing the measurement
// window. It returns the dropped peers; the caller owns their
// connections and is responsible for actually closing them.
func (m *Manager) CheckPerformance() []PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if !m.lastPerfCheck.IsZero() && now.Sub(m.lastPerfCheck) < m.cfg.Window {
		return nil
	}
	m.lastPerfCheck = now
	reporting := 0
	for _, st := range m.peers {
		if elapsed := now.Sub(st.windowStart); elapsed > 0 {
			st.bytesPerSecond = float64(st.bytesThisWindow) / elapsed.Seconds()
		}
		if st.everReported {
			reporting++
		}
	}

	var toDrop []PeerID
	for id, st := range m.peers {
		if !st.everReported {
			continue // warming up, exempt
		}
		if st.bytesPerSecond != 0 {
			continue
		}
		if now.Sub(st.lastDeliveryTime) <= 2*m.cfg.Window {
			continue
		}
		if reporting-len(toDrop) <= m.cfg.MinPeersToKeep {
			continue
		}
		toDrop = append(toDrop, id)
	}

	for _, id := range toDrop {
		m.removePeerLocked(id)
	}
	peerDropMeter.Mark(int64(len(toDrop)))

	for _, st := range m.peers {
		st.bytesThisWindow = 0
		st.windowStart = now
	}
	return toDrop
}

// DrainAccelerate collects outstanding hashes from in-flight batches
// and redistributes them to idle peers in round-robin with staggered
// offsets, in chunks of at most MaxGetdataAccelerate, targeting
// TargetRedundancy outstanding requests per missing block. When
// stallTimeout is zero, every peer's batch is considered (maximum
// aggression); otherwise only batches assigned to peers whose last
// delivery is older than stallTimeout are redistributed.
func (m *Manager) DrainAccelerate(stallTimeout time.Duration) int {
	m.mu.Lock()
	now := time.Now()

	var outstanding []types.Hash256
	for _, st := range m.peers {
		if st.batch == nil {
			continue
		}
		if stallTimeout > 0 && now.Sub(st.lastDeliveryTime) < stallTimeout {
			continue
		}
		outstanding = append(outstanding, st.batch.outstandingHashes()...)
	}

	var idle []PeerID
	for id, st := range m.peers {
		if st.batch == nil {
			idle = append(idle, id)
		}
	}
	m.mu.Unlock()

	if len(outstanding) == 0 || len(idle) == 0 {
		return 0
	}

	requests := 0
	redundancy := TargetRedundancy
	if redundancy > len(idle) {
		redundancy = len(idle)
	}
	for r := 0; r < redundancy; r++ {
		peer := idle[r%len(idle)]
		offset := (r * len(outstanding)) / redundancy
		rotated := staggeredChunk(outstanding, offset, len(outstanding))
		for from := 0; from < len(rotated); from += MaxGetdataAccelerate {
			to := from + MaxGetdataAccelerate
			if to > len(rotated) {
				to = len(rotated)
			}
			if !m.accelerator.Allow() {
				break
			}
			m.sender.SendGetData(peer, rotated[from:to])
			requests++
		}
	}
	return requests
}

// FillGapsStaggered immediately requests hashes from up to maxPeers
// peers, each starting at a different offset (peer p starts at index
// floor(p*N/P)), bounded to MaxGetdataStagger hashes per getdata.
func (m *Manager) FillGapsStaggered(hashes []types.Hash256, maxPeers int) int {
	m.mu.Lock()
	var idle []PeerID
	for id, st := range m.peers {
		if st.batch == nil {
			idle = append(idle, id)
		}
	}
	m.mu.Unlock()

	if len(hashes) == 0 || len(idle) == 0 {
		return 0
	}
	p := maxPeers
	if p > len(idle) {
		p = len(idle)
	}

	requests := 0
	for i := 0; i < p; i++ {
		offset := (i * len(hashes)) / p
		chunk := staggeredChunk(hashes, offset, MaxGetdataStagger)
		if len(chunk) == 0 || !m.accelerator.Allow() {
			continue
		}
		m.sender.SendGetData(idle[i], chunk)
		requests++
	}
	return requests
}

// staggeredChunk returns up to max elements of hashes starting at
// offset, wrapping around to the start of the slice if needed.
func staggeredChunk(hashes []types.Hash256, offset, max int) []types.Hash256 {
	n := len(hashes)
	if n == 0 {
		return nil
	}
	count := n
	if count > max {
		count = max
	}
	out := make([]types.Hash256, count)
	for i := 0; i < count; i++ {
		out[i] = hashes[(offset+i)%n]
	}
	return out
}

// PendingBlocks returns the total number of not-yet-received work
// items across all queued and assigned batches.
func (m *Manager) PendingBlocks() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := 0
	for _, b := range m.queue {
		total += b.remaining
	}
	for _, st := range m.peers {
		if st.batch != nil {
			total += st.batch.remaining
		}
	}
	return total
}

// ActivePeerCount returns the number of peers currently holding an
// assigned batch that still has blocks outstanding.
func (m *Manager) ActivePeerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, st := range m.peers {
		if st.batch != nil && st.batch.remaining > 0 {
			count++
		}
	}
	return count
}
