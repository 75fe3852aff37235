package syncfsm

import (
	"context"
	"errors"
	"time"

	"github.com/btcibd/node/core"
	"github.com/btcibd/node/internal/ibderr"
	"github.com/btcibd/node/internal/metrics"
	"github.com/btcibd/node/validator"
)

var (
	chunkTimer        = metrics.NewRegisteredTimer("syncfsm/chunk", nil)
	checkpointCounter = metrics.NewRegisteredCounter("syncfsm/checkpoints", nil)
)

// validatorWorker owns VALIDATE, FLUSH, and PRUNE. It wakes whenever
// the event loop marks a chunk fully drained, runs the chunk through
// the IBD validator one block at a time, flushes the resulting UTXO
// batch atomically, prunes what reorg depth allows, and hands control
// back to the event loop by returning to DOWNLOAD (or DONE, when the
// chunk's end has reached the header tip). A consensus or
// invalid-input failure does not terminate the worker: it disconnects
// the offending peer, drops the chunk, and resumes DOWNLOAD for the
// same range instead.
func (m *Machine) validatorWorker(ctx context.Context) error {
	for {
		m.mu.Lock()
		for !m.workPending && !m.shuttingDown() {
			m.cond.Wait()
		}
		if m.shuttingDown() {
			m.mu.Unlock()
			return nil
		}
		m.workPending = false
		start, end := m.chunkStart, m.chunkEnd
		m.mu.Unlock()

		if err := m.runChunk(start, end); err != nil {
			var ibdErr *ibderr.Error
			if errors.As(err, &ibdErr) && (ibdErr.Kind == ibderr.KindConsensus || ibdErr.Kind == ibderr.KindInvalidInput) {
				m.recoverFromBadChunk(ibdErr, start, end)
				if m.shuttingDown() {
					return nil
				}
				continue
			}

			m.mu.Lock()
			if ibdErr != nil {
				m.lastErr = ibdErr
			} else {
				m.lastErr = ibderr.Wrap("syncfsm", start, ibderr.KindIO, err, "chunk processing failed")
			}
			m.mu.Unlock()
			return err
		}

		if m.shuttingDown() {
			return nil
		}

		tip := m.headerTip()
		if end >= tip {
			m.setPhase(PhaseDone)
		} else {
			m.setPhase(PhaseDownload)
		}
	}
}

// recoverFromBadChunk implements the consensus-violation recovery
// path: the peer on record for the offending height is disconnected,
// the chunk's UTXOBatch is discarded by construction
// (runChunk returned before FlushChunk ever ran), and the chunk's
// range is cleared from the tracker so DOWNLOAD re-enqueues and
// re-fetches it from scratch.
func (m *Machine) recoverFromBadChunk(ibdErr *ibderr.Error, start, end uint32) {
	m.mu.Lock()
	m.lastErr = ibdErr
	m.mu.Unlock()

	if m.disconnector != nil && m.dl != nil {
		if peer, ok := m.dl.SourceOfHeight(ibdErr.Height); ok {
			if err := m.disconnector.DisconnectPeer(core.PeerID(peer), ibdErr.Error()); err != nil {
				m.log.Warn("failed to disconnect peer for consensus violation", "peer", peer, "err", err)
			}
		} else {
			m.log.Warn("consensus violation with no recorded source peer", "height", ibdErr.Height)
		}
	}

	m.trk.ClearRange(start, end)
	if m.dl != nil {
		m.dl.ForgetDelivered(start, end)
	}
	m.mu.Lock()
	if m.enqueuedEnd >= start {
		m.enqueuedEnd = start - 1
	}
	m.mu.Unlock()
	m.setPhase(PhaseDownload)
}

// runChunk drives VALIDATE then FLUSH then PRUNE for a single chunk.
func (m *Machine) runChunk(start, end uint32) error {
	began := time.Now()
	m.setPhase(PhaseValidate)

	v, err := validator.NewIBDChunkValidator(m.store, m.chain, m.scripts, m.powLimit, start, end, m.cfg.AssumeValidHeight, m.cfg.BIP34Height)
	if err != nil {
		return err
	}
	for !v.Done() {
		if m.shuttingDown() {
			// Drop the in-progress chunk without flushing; nothing
			// has been written to chainstate yet so this is safe.
			return nil
		}
		if err := v.ValidateNext(); err != nil {
			return err
		}
	}

	m.setPhase(PhaseFlush)
	batch := v.Batch()
	if err := m.chain.FlushChunk(batch.Created, batch.Spent, end); err != nil {
		return err
	}
	m.trk.MarkValidated(end)
	if m.dl != nil {
		m.dl.ForgetDelivered(start, end)
	}
	chunkTimer.Update(time.Since(began))

	// Archival mode checkpoints on its own interval but never prunes;
	// prune mode checkpoints on the standard interval before PRUNE.
	interval := m.cfg.CheckpointInterval
	if m.cfg.PruneTargetMB == 0 {
		interval = m.cfg.ArchivalFlushInterval
	}
	m.sinceCheckpoint += end - start + 1
	if interval > 0 && m.sinceCheckpoint >= interval {
		if err := m.chain.Checkpoint(end); err != nil {
			return err
		}
		checkpointCounter.Inc(1)
		m.sinceCheckpoint = 0
	}

	if m.cfg.PruneTargetMB == 0 {
		return nil
	}
	m.setPhase(PhasePrune)
	return m.prune(end)
}

// prune removes block files and clears HaveData for every height at
// or below validated_tip - ReorgMargin, the deepest point a reorg
// could still unwind to.
func (m *Machine) prune(validatedTip uint32) error {
	if validatedTip <= m.cfg.ReorgMargin {
		return nil
	}
	safe := validatedTip - m.cfg.ReorgMargin

	pruned, err := m.chain.PrunedHeight()
	if err != nil {
		return err
	}
	for h := pruned + 1; h <= safe; h++ {
		if err := m.store.PruneHeight(h); err != nil {
			return err
		}
		if err := m.chain.MarkPruned(h); err != nil {
			return err
		}
	}
	return m.chain.SetPrunedHeight(safe)
}
