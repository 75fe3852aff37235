package syncfsm

import (
	"math/big"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btcibd/node/blockstore"
	"github.com/btcibd/node/chainstate"
	"github.com/btcibd/node/consensus"
	"github.com/btcibd/node/core"
	"github.com/btcibd/node/core/types"
	"github.com/btcibd/node/download"
	"github.com/btcibd/node/internal/ibderr"
	"github.com/btcibd/node/tracker"
)

// fakeSender discards every getdata request; these tests only need
// the download.Manager's bookkeeping (peer/height attribution), not a
// real wire send.
type fakeSender struct{}

func (fakeSender) SendGetData(download.PeerID, []types.Hash256) error { return nil }

// fakeEnv implements core.Environment, recording every DisconnectPeer
// call so tests can assert on consensus-violation recovery without a
// real node.Node.
type fakeEnv struct {
	disconnected []core.PeerID
	reasons      []string
}

func (e *fakeEnv) SendGetData(core.PeerID, []core.InvEntry) error { return nil }
func (e *fakeEnv) SendGetHeaders(core.PeerID, []types.Hash256, types.Hash256) error {
	return nil
}
func (e *fakeEnv) DisconnectPeer(peer core.PeerID, reason string) error {
	e.disconnected = append(e.disconnected, peer)
	e.reasons = append(e.reasons, reason)
	return nil
}
func (e *fakeEnv) ValidateHeader(*wire.BlockHeader, *types.BlockIndexEntry) error { return nil }
func (e *fakeEnv) LoadBlockAtHeight(uint32) (*types.Block, types.Hash256, error) {
	return nil, types.Hash256{}, nil
}
func (e *fakeEnv) GetStorageInfo() (uint64, uint64)    { return 0, 0 }
func (e *fakeEnv) FlushChainstate(uint32) error        { return nil }
func (e *fakeEnv) PruneBlockFiles(uint32) (int, error) { return 0, nil }
func (e *fakeEnv) GetValidatedHeight() uint32          { return 0 }
func (e *fakeEnv) FindConsecutiveStored(uint32) uint32 { return 0 }

// easyBits/easyPowLimit give a target of about 2^255, which roughly
// every other header hash satisfies; the header builders bump the
// nonce until the header passes.
const easyBits = 0x207fffff

var easyPowLimit = func() *big.Int {
	target, err := consensus.CompactToTarget(easyBits)
	if err != nil {
		panic(err)
	}
	return target.ToBig()
}()

func bip34HeightPush(height uint32) []byte {
	var b []byte
	v := height
	for v > 0 {
		b = append(b, byte(v))
		v >>= 8
	}
	if len(b) == 0 {
		b = []byte{0}
	}
	return append([]byte{byte(len(b))}, b...)
}

func coinbaseTx(height uint32, value int64) *wire.MsgTx {
	tx := wire.NewMsgTx(1)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: wire.MaxPrevOutIndex},
		SignatureScript:  bip34HeightPush(height),
		Sequence:         wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(&wire.TxOut{Value: value, PkScript: []byte{0x51}})
	return tx
}

func buildBlock(height uint32, prevHash types.Hash256, txs []*wire.MsgTx) *types.Block {
	txids := make([]types.Hash256, len(txs))
	for i, tx := range txs {
		txids[i] = tx.TxHash()
	}
	block := &types.Block{
		Header: wire.BlockHeader{
			Version:    1,
			PrevBlock:  prevHash,
			MerkleRoot: consensus.MerkleRoot(txids),
			Timestamp:  time.Unix(1600000000, 0),
			Bits:       easyBits,
		},
		Transactions: txs,
	}
	for consensus.CheckProofOfWork(&block.Header, easyPowLimit) != nil {
		block.Header.Nonce++
	}
	return block
}

// writeChunk writes a run of coinbase-only blocks at heights
// [start,end] into store, chaining each block's PrevBlock to the
// previous one's hash, and returns the last block's hash.
func writeChunk(t *testing.T, store *blockstore.Store, start, end uint32, prev types.Hash256) types.Hash256 {
	t.Helper()
	for h := start; h <= end; h++ {
		block := buildBlock(h, prev, []*wire.MsgTx{coinbaseTx(h, consensus.Subsidy(h))})
		raw, err := types.EncodeBlock(block)
		require.NoError(t, err)
		require.NoError(t, store.WriteHeight(h, raw))
		prev = block.Header.BlockHash()
	}
	return prev
}

func newTestMachine(t *testing.T, cfg Config) (*Machine, *blockstore.Store, *chainstate.ChainState, *tracker.HeightBitmap) {
	t.Helper()
	store, err := blockstore.Open(t.TempDir())
	require.NoError(t, err)
	cs, err := chainstate.OpenMem()
	require.NoError(t, err)
	t.Cleanup(func() { cs.Close() })
	trk := tracker.New()

	m := New(cfg, store, cs, trk, nil, nil, nil, easyPowLimit, nil)
	return m, store, cs, trk
}

func TestRunChunkValidatesFlushesAndAdvancesTip(t *testing.T) {
	cfg := DefaultConfig()
	m, store, cs, trk := newTestMachine(t, cfg)

	writeChunk(t, store, 1, 4, types.Hash256{})

	require.NoError(t, m.runChunk(1, 4))

	tip, err := cs.ValidatedTip()
	require.NoError(t, err)
	assert.Equal(t, uint32(4), tip)
	assert.Equal(t, uint32(4), trk.ValidatedTip())
	assert.Equal(t, PhaseFlush, m.Phase(), "archival mode stops at FLUSH, never reaching PRUNE")
}

func TestRunChunkArchivalModeNeverPrunes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PruneTargetMB = 0
	m, store, _, _ := newTestMachine(t, cfg)

	writeChunk(t, store, 1, 3, types.Hash256{})
	require.NoError(t, m.runChunk(1, 3))

	for h := uint32(1); h <= 3; h++ {
		assert.True(t, store.ExistsHeight(h), "archival mode must retain height %d", h)
	}
}

func TestRunChunkPrunesBeyondReorgMargin(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PruneTargetMB = 1
	cfg.ReorgMargin = 2
	m, store, cs, _ := newTestMachine(t, cfg)

	writeChunk(t, store, 1, 10, types.Hash256{})
	require.NoError(t, m.runChunk(1, 10))

	assert.Equal(t, PhasePrune, m.Phase())

	pruned, err := cs.PrunedHeight()
	require.NoError(t, err)
	assert.Equal(t, uint32(8), pruned, "safe = validated_tip(10) - reorg_margin(2)")

	for h := uint32(1); h <= 8; h++ {
		assert.False(t, store.ExistsHeight(h), "height %d should be pruned", h)
	}
	for h := uint32(9); h <= 10; h++ {
		assert.True(t, store.ExistsHeight(h), "height %d is within the reorg margin", h)
	}
}

func TestRunChunkPruneIsIdempotentAcrossChunks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PruneTargetMB = 1
	cfg.ReorgMargin = 2
	m, store, cs, _ := newTestMachine(t, cfg)

	last := writeChunk(t, store, 1, 5, types.Hash256{})
	require.NoError(t, m.runChunk(1, 5))
	writeChunk(t, store, 6, 10, last)
	require.NoError(t, m.runChunk(6, 10))

	pruned, err := cs.PrunedHeight()
	require.NoError(t, err)
	assert.Equal(t, uint32(8), pruned)

	tip, err := cs.ValidatedTip()
	require.NoError(t, err)
	assert.Equal(t, uint32(10), tip)
}

func TestRunChunkCheckpointsOnConfiguredInterval(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ArchivalFlushInterval = 3
	m, store, _, _ := newTestMachine(t, cfg)

	writeChunk(t, store, 1, 4, types.Hash256{})

	before := checkpointCounter.Count()
	require.NoError(t, m.runChunk(1, 4))
	assert.Equal(t, before+1, checkpointCounter.Count(), "4 blocks past a 3-block interval is one checkpoint")
	assert.EqualValues(t, 0, m.sinceCheckpoint)
}

func TestShutdownDuringValidateDropsChunkWithoutFlush(t *testing.T) {
	cfg := DefaultConfig()
	m, store, cs, _ := newTestMachine(t, cfg)
	writeChunk(t, store, 1, 2, types.Hash256{})

	m.Shutdown()
	require.NoError(t, m.runChunk(1, 2))

	tip, err := cs.ValidatedTip()
	require.NoError(t, err)
	assert.Equal(t, uint32(0), tip, "shutdown mid-VALIDATE must leave chainstate untouched")
}

func TestRecoverFromBadChunkDisconnectsSourcePeerAndResetsForRedownload(t *testing.T) {
	cfg := DefaultConfig()
	store, err := blockstore.Open(t.TempDir())
	require.NoError(t, err)
	cs, err := chainstate.OpenMem()
	require.NoError(t, err)
	t.Cleanup(func() { cs.Close() })
	trk := tracker.New()
	env := &fakeEnv{}

	dl := download.NewManager(fakeSender{}, trk, download.DefaultConfig())
	dl.AddPeer("peer-1")
	badHash := types.Hash256{0xAA}
	dl.AddWork([]types.Hash256{badHash}, []uint32{3})
	dl.PeerRequestWork("peer-1")
	dl.BlockReceived("peer-1", badHash, 100)

	m := New(cfg, store, cs, trk, dl, nil, nil, easyPowLimit, env)
	m.setPhase(PhaseValidate)

	badErr := ibderr.New("validate", 3, ibderr.KindConsensus, "bad merkle root")
	m.recoverFromBadChunk(badErr, 1, 4)

	require.Len(t, env.disconnected, 1)
	assert.Equal(t, core.PeerID("peer-1"), env.disconnected[0])
	assert.Equal(t, PhaseDownload, m.Phase())

	_, _, ok := trk.FindConsecutiveRange()
	assert.False(t, ok, "chunk range must be cleared so DOWNLOAD re-fetches it")

	_, ok = dl.SourceOfHeight(3)
	assert.False(t, ok, "stale attribution for a dropped chunk must be forgotten")
}

func TestRecoverFromBadChunkToleratesUnknownSourcePeer(t *testing.T) {
	cfg := DefaultConfig()
	store, err := blockstore.Open(t.TempDir())
	require.NoError(t, err)
	cs, err := chainstate.OpenMem()
	require.NoError(t, err)
	t.Cleanup(func() { cs.Close() })
	trk := tracker.New()
	env := &fakeEnv{}
	dl := download.NewManager(fakeSender{}, trk, download.DefaultConfig())

	m := New(cfg, store, cs, trk, dl, nil, nil, easyPowLimit, env)

	badErr := ibderr.New("validate", 7, ibderr.KindInvalidInput, "bad witness commitment")
	m.recoverFromBadChunk(badErr, 5, 8)

	assert.Empty(t, env.disconnected, "no recorded source peer means nothing to disconnect")
	assert.Equal(t, PhaseDownload, m.Phase())
}

func TestPhaseStringCoversEveryPhase(t *testing.T) {
	phases := []Phase{PhaseIdle, PhaseHeaders, PhaseDownload, PhaseDrain, PhaseValidate, PhaseFlush, PhasePrune, PhaseDone}
	for _, p := range phases {
		assert.NotEqual(t, "unknown", p.String())
	}
}
