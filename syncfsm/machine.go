package syncfsm

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/btcibd/node/blockstore"
	"github.com/btcibd/node/chainstate"
	"github.com/btcibd/node/core"
	"github.com/btcibd/node/core/types"
	"github.com/btcibd/node/download"
	"github.com/btcibd/node/internal/clog"
	"github.com/btcibd/node/internal/ibderr"
	"github.com/btcibd/node/tracker"
	"github.com/btcibd/node/validator"
)

// PeerDisconnector is the narrow slice of core.Environment the
// validator worker needs to drop the peer that delivered a
// consensus-invalid block before the chunk is re-downloaded.
type PeerDisconnector interface {
	DisconnectPeer(peer core.PeerID, reason string) error
}

// Machine drives IBD through its phase sequence using one cooperative
// event-loop goroutine and one dedicated validator-worker goroutine,
// synchronized by a condition variable.
type Machine struct {
	cfg Config
	log clog.Logger

	store        *blockstore.Store
	chain        *chainstate.ChainState
	trk          *tracker.HeightBitmap
	dl           *download.Manager
	headers      HeaderSource
	scripts      validator.ScriptValidator
	powLimit     *big.Int
	disconnector PeerDisconnector

	headerChain *headerChain

	mu          sync.Mutex
	cond        *sync.Cond
	phase       Phase
	workPending bool
	chunkStart  uint32
	chunkEnd    uint32
	lastErr     *ibderr.Error
	shutdown    int32

	// enqueuedEnd is the highest height already handed to the download
	// manager, so DOWNLOAD ticks extend the queue instead of
	// re-submitting the same chunk range every pass.
	enqueuedEnd uint32

	sinceCheckpoint uint32
}

// New returns a Machine ready to Run. headers may be nil if the HEADERS
// phase is driven externally (e.g. a test harness that seeds
// validated_tip directly and skips straight to DOWNLOAD). env may be
// nil in the same test contexts; it supplies validate_header and
// disconnect_peer (core.Environment satisfies both HeaderValidator and
// PeerDisconnector structurally, so the node package's single
// Environment value is what callers pass here).
func New(cfg Config, store *blockstore.Store, chain *chainstate.ChainState, trk *tracker.HeightBitmap, dl *download.Manager, headers HeaderSource, scripts validator.ScriptValidator, powLimit *big.Int, env core.Environment) *Machine {
	var headerValidator HeaderValidator
	var disconnector PeerDisconnector
	if env != nil {
		headerValidator = env
		disconnector = env
	}
	m := &Machine{
		cfg:          cfg,
		log:          clog.New("module", "syncfsm"),
		store:        store,
		chain:        chain,
		trk:          trk,
		dl:           dl,
		headers:      headers,
		scripts:      scripts,
		powLimit:     powLimit,
		disconnector: disconnector,
		headerChain:  newHeaderChain(powLimit, headerValidator),
		phase:        PhaseIdle,
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Phase returns the machine's current phase.
func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// LastError returns the most recent structured error the validator
// worker encountered, or nil if none has occurred.
func (m *Machine) LastError() *ibderr.Error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (m *Machine) setPhase(p Phase) {
	m.mu.Lock()
	m.phase = p
	m.cond.Broadcast()
	m.mu.Unlock()
}

// awaitPhaseChange blocks until the phase differs from current or
// shutdown is requested, so the event loop can idle through
// VALIDATE/FLUSH/PRUNE (owned by the validator worker) without
// busy-spinning on repeated Phase() calls.
func (m *Machine) awaitPhaseChange(current Phase) {
	m.mu.Lock()
	for m.phase == current && !m.shuttingDown() {
		m.cond.Wait()
	}
	m.mu.Unlock()
}

// Shutdown requests cooperative termination: both the event loop and
// the validator worker stop at their next suspension point. The
// validator worker still finishes any transaction already in
// progress.
func (m *Machine) Shutdown() {
	atomic.StoreInt32(&m.shutdown, 1)
	m.mu.Lock()
	m.cond.Broadcast()
	m.mu.Unlock()
}

func (m *Machine) shuttingDown() bool {
	return atomic.LoadInt32(&m.shutdown) != 0
}

// Run starts the event loop and validator worker and blocks until
// either returns (error or context cancellation) or Shutdown is
// called and both terminate cleanly.
func (m *Machine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.eventLoop(ctx) })
	g.Go(func() error { return m.validatorWorker(ctx) })

	go func() {
		<-ctx.Done()
		m.Shutdown()
	}()

	return g.Wait()
}

// tickInterval paces the event loop between ticks that made no
// progress, keeping the cooperative loop from spinning a core while it
// waits on the network.
const tickInterval = 50 * time.Millisecond

// eventLoop drives IDLE, HEADERS, DOWNLOAD, and DRAIN; it hands each
// completed chunk to the validator worker and resumes once FLUSH/PRUNE
// report back via phase.
func (m *Machine) eventLoop(ctx context.Context) error {
	m.seedResume()
	m.setPhase(PhaseHeaders)
	for {
		if m.shuttingDown() {
			return nil
		}
		phase := m.Phase()
		switch phase {
		case PhaseHeaders:
			if err := m.tickHeaders(); err != nil {
				return err
			}
		case PhaseDownload:
			if err := m.tickDownload(); err != nil {
				return err
			}
		case PhaseDrain:
			if err := m.tickDrain(); err != nil {
				return err
			}
		case PhaseValidate, PhaseFlush, PhasePrune:
			// Owned by the validator worker; wait for it to hand phase
			// back rather than spinning on repeated Phase() calls.
			m.awaitPhaseChange(phase)
		case PhaseDone:
			return nil
		}
		if m.Phase() == phase && !m.shuttingDown() {
			time.Sleep(tickInterval)
		}
	}
}

// seedResume positions the in-memory header chain at the persisted
// validated tip, so a restarted node extends headers from its resume
// point rather than re-requesting from genesis. A fresh data directory
// (tip 0 or no index entry yet) leaves the chain at genesis.
func (m *Machine) seedResume() {
	tip, err := m.chain.ValidatedTip()
	if err != nil || tip == 0 {
		return
	}
	entry, err := m.chain.GetBlockIndexByHeight(tip)
	if err != nil {
		return
	}
	m.headerChain.seed(tip, entry.Hash)
	m.mu.Lock()
	m.enqueuedEnd = tip
	m.mu.Unlock()
}

// tickHeaders polls the header source (it sends no getheaders request
// itself) and extends the in-memory header tree, persisting an index entry per accepted header, and
// transitions to DOWNLOAD once every peer's tip has converged with
// ours.
func (m *Machine) tickHeaders() error {
	if m.headers == nil {
		m.setPhase(PhaseDownload)
		return nil
	}
	batch, converged, err := m.headers.PollHeaders()
	if err != nil {
		return err
	}
	if len(batch) > 0 {
		accepted, err := m.headerChain.extend(batch)
		for _, entry := range accepted {
			entry := entry
			if putErr := m.chain.PutBlockIndex(&entry); putErr != nil {
				return putErr
			}
		}
		if err != nil {
			var ibdErr *ibderr.Error
			if errors.As(err, &ibdErr) && ibdErr.Kind == ibderr.KindInvalidInput {
				// A header that fails validation is dropped along with
				// the rest of its batch; the chain keeps everything
				// accepted before it and the next poll resumes from
				// there.
				m.log.Warn("rejected header batch", "err", err)
				return nil
			}
			return err
		}
	}
	if converged {
		m.setPhase(PhaseDownload)
	}
	return nil
}

// headerTip returns the current known chain tip: the header chain's
// tip if headers are being tracked in-process, else the chainstate's
// validated tip (a header-less deployment simply downloads up to what
// it already knows).
func (m *Machine) headerTip() uint32 {
	if m.headers != nil {
		return m.headerChain.Tip()
	}
	tip, _ := m.chain.ValidatedTip()
	return tip
}

// tickDownload computes the next chunk range, enqueues any heights not
// yet handed to the download manager, offers work to idle peers, and
// watches storage pressure for an early DRAIN trigger.
func (m *Machine) tickDownload() error {
	validatedTip, err := m.chain.ValidatedTip()
	if err != nil {
		return err
	}

	tip := m.headerTip()
	if tip <= validatedTip {
		m.setPhase(PhaseDone)
		return nil
	}

	end := validatedTip + m.cfg.ChunkSize
	if end > tip {
		end = tip
	}
	m.chunkStart = validatedTip + 1
	m.chunkEnd = end

	if m.dl != nil {
		if from := m.nextToEnqueue(m.chunkStart); from <= end {
			hashes, heights := m.plannedWork(from, end)
			if added := m.dl.AddWork(hashes, heights); added > 0 {
				m.mu.Lock()
				m.enqueuedEnd = heights[added-1]
				m.mu.Unlock()
			}
		}
		m.dl.PollIdlePeers()
		for _, peer := range m.dl.CheckPerformance() {
			if m.disconnector != nil {
				if err := m.disconnector.DisconnectPeer(core.PeerID(peer), "stalled: no delivery for 2x window"); err != nil {
					m.log.Warn("failed to disconnect stalled peer", "peer", peer, "err", err)
				}
			}
		}
	}

	if m.cfg.PruneTargetMB > 0 {
		usedMB := m.store.GetTotalSize() / (1024 * 1024)
		if usedMB >= m.cfg.PruneTargetMB {
			m.setPhase(PhaseDrain)
			return nil
		}
	}

	start, consecutiveEnd, ok := m.trk.FindConsecutiveRange()
	if ok && consecutiveEnd >= end && start == m.chunkStart {
		m.setPhase(PhaseDrain)
	}
	return nil
}

// nextToEnqueue returns the first height of the current chunk not yet
// handed to the download manager.
func (m *Machine) nextToEnqueue(chunkStart uint32) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.enqueuedEnd+1 > chunkStart {
		return m.enqueuedEnd + 1
	}
	return chunkStart
}

// plannedWork synthesizes the (hash, height) pairs for a height range
// from the in-memory header tree when available; a header-less
// deployment (tests, or a resume where headers were validated in a
// prior run) supplies hashes out of band via AddWork directly and
// this returns nothing.
func (m *Machine) plannedWork(start, end uint32) ([]types.Hash256, []uint32) {
	if m.headers == nil {
		return nil, nil
	}
	var hashes []types.Hash256
	var heights []uint32
	m.headerChain.mu.Lock()
	for h := start; h <= end; h++ {
		hash, ok := m.headerChain.hashes[h]
		if !ok {
			break
		}
		hashes = append(hashes, hash)
		heights = append(heights, h)
	}
	m.headerChain.mu.Unlock()
	return hashes, heights
}

// tickDrain accelerates delivery of the remaining in-flight blocks
// until the chunk's full range is consecutively stored, then hands
// off to the validator worker.
func (m *Machine) tickDrain() error {
	start, end, ok := m.trk.FindConsecutiveRange()
	if ok && start == m.chunkStart && end >= m.chunkEnd {
		m.mu.Lock()
		m.phase = PhaseValidate
		m.workPending = true
		m.cond.Signal()
		m.mu.Unlock()
		return nil
	}
	if m.dl != nil {
		m.dl.DrainAccelerate(0)
	}
	return nil
}
