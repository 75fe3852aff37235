// Package validator implements the IBD chunk validator: it replays a
// consecutive run of stored blocks against consensus rules and
// accumulates their cumulative UTXO-set effect into a UTXOBatch ready
// for atomic commit.
package validator

import (
	"bytes"
	"math/big"
	"sort"

	lru "github.com/hashicorp/golang-lru"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/btcibd/node/blockstore"
	"github.com/btcibd/node/chainstate"
	"github.com/btcibd/node/consensus"
	"github.com/btcibd/node/core/types"
	"github.com/btcibd/node/internal/clog"
	"github.com/btcibd/node/internal/ibderr"
)

// maxOutputValue bounds a single output's value at 2*10^14 satoshis, a
// sanity ceiling rather than the total money supply.
const maxOutputValue = 2_000_000 * 100_000_000

// opReturn is the first opcode of an unspendable data-carrier output.
const opReturn = txscript.OP_RETURN

// liveCacheSize bounds the in-process UTXO lookup cache sitting in
// front of the chainstate database.
const liveCacheSize = 65536

// witnessCommitmentHeader is the BIP-141 marker prefixing a coinbase
// witness-commitment output's script.
var witnessCommitmentHeader = []byte{0xaa, 0x21, 0xa9, 0xed}

// ScriptValidator executes the script interpreter over a single
// input; the interpreter itself is a separate subsystem not in scope
// here. Above assumevalid_height every input is checked; at or below
// it, this is never called.
type ScriptValidator interface {
	ValidateInput(tx *wire.MsgTx, inputIndex int, utxo *types.UTXOEntry, height uint32) error
}

// IBDChunkValidator validates a consecutive range of stored blocks,
// building a single UTXOBatch covering the whole range.
type IBDChunkValidator struct {
	store    *blockstore.Store
	chain    *chainstate.ChainState
	scripts  ScriptValidator
	powLimit *big.Int
	cache    *lru.Cache
	log      clog.Logger

	height            uint32
	end               uint32
	assumevalidHeight uint32
	bip34Height       uint32

	batch     *UTXOBatch
	lastError *ibderr.Error
	spent     map[wire.OutPoint]*types.UTXOEntry

	// currentMTP is the median-time-past of the block being validated;
	// times and mtpCache memoize header timestamps and computed medians
	// so time-based lock checks do not rescan the index per input.
	currentMTP int64
	times      map[uint32]int64
	mtpCache   map[uint32]int64
}

// NewIBDChunkValidator returns a validator ready to process
// [start, end] inclusive against store/chain, calling scripts above
// assumevalidHeight. The coinbase height commitment is enforced only
// from bip34Height onward; below it, coinbase scriptSigs are
// free-form miner data (zero enforces from genesis).
func NewIBDChunkValidator(store *blockstore.Store, chain *chainstate.ChainState, scripts ScriptValidator, powLimit *big.Int, start, end, assumevalidHeight, bip34Height uint32) (*IBDChunkValidator, error) {
	cache, err := lru.New(liveCacheSize)
	if err != nil {
		return nil, ibderr.Wrap("validate", start, ibderr.KindExhaustion, err, "allocate live utxo cache")
	}
	return &IBDChunkValidator{
		store:             store,
		chain:             chain,
		scripts:           scripts,
		powLimit:          powLimit,
		cache:             cache,
		log:               clog.New("module", "validator"),
		height:            start,
		end:               end,
		assumevalidHeight: assumevalidHeight,
		bip34Height:       bip34Height,
		batch:             NewUTXOBatch(start, end),
		spent:             make(map[wire.OutPoint]*types.UTXOEntry),
		times:             make(map[uint32]int64),
		mtpCache:          make(map[uint32]int64),
	}, nil
}

// Done reports whether every height in the chunk has been processed.
func (v *IBDChunkValidator) Done() bool {
	return v.height > v.end
}

// Batch returns the accumulated UTXOBatch built so far.
func (v *IBDChunkValidator) Batch() *UTXOBatch {
	return v.batch
}

// LastError returns the error that stopped validation, if any.
func (v *IBDChunkValidator) LastError() *ibderr.Error {
	return v.lastError
}

// ValidateNext validates the block at the current height and advances
// it by one. On any consensus failure it records lastError and
// returns it; the caller must then drop the whole chunk's UTXOBatch.
func (v *IBDChunkValidator) ValidateNext() error {
	if v.Done() {
		return nil
	}
	height := v.height

	raw, err := v.store.ReadHeight(height)
	if err != nil {
		return v.fail(height, ibderr.KindMissingResource, "read block: %v", err)
	}
	block, err := types.DecodeBlock(raw)
	if err != nil {
		return v.fail(height, ibderr.KindInvalidInput, "decode block: %v", err)
	}

	if err := consensus.CheckProofOfWork(&block.Header, v.powLimit); err != nil {
		return v.fail(height, ibderr.KindConsensus, "proof of work: %v", err)
	}

	if err := v.checkMerkleRoot(block); err != nil {
		return v.fail(height, ibderr.KindConsensus, "merkle root: %v", err)
	}

	if err := types.ValidateStructure(block); err != nil {
		return v.fail(height, ibderr.KindInvalidInput, "structure: %v", err)
	}
	if err := v.checkWitnessCommitment(block); err != nil {
		return v.fail(height, ibderr.KindInvalidInput, "witness commitment: %v", err)
	}

	v.times[height] = block.Header.Timestamp.Unix()
	v.currentMTP = v.medianTimePast(height)

	var feeTotal int64
	for i, tx := range block.Transactions {
		if i == 0 {
			continue // coinbase handled after the loop
		}
		inputSum, outputSum, err := v.processTx(tx, height)
		if err != nil {
			return v.fail(height, ibderr.KindConsensus, "tx %s: %v", tx.TxHash(), err)
		}
		if outputSum > inputSum {
			return v.fail(height, ibderr.KindConsensus, "tx %s: outputs %d exceed inputs %d", tx.TxHash(), outputSum, inputSum)
		}
		feeTotal += inputSum - outputSum
		v.batch.Txs++
	}

	if err := v.processCoinbase(block, height, feeTotal); err != nil {
		return v.fail(height, ibderr.KindConsensus, "coinbase: %v", err)
	}
	v.batch.Txs++

	if height > v.assumevalidHeight && v.scripts != nil {
		if err := v.runScripts(block, height); err != nil {
			return v.fail(height, ibderr.KindConsensus, "script: %v", err)
		}
	}

	v.height++
	return nil
}

func (v *IBDChunkValidator) fail(height uint32, kind ibderr.Kind, format string, args ...interface{}) error {
	v.lastError = ibderr.New("validate", height, kind, format, args...)
	return v.lastError
}

func (v *IBDChunkValidator) checkMerkleRoot(block *types.Block) error {
	txids := make([]types.Hash256, len(block.Transactions))
	for i, tx := range block.Transactions {
		txids[i] = tx.TxHash()
	}
	got := consensus.MerkleRoot(txids)
	if !got.IsEqual(&block.Header.MerkleRoot) {
		return ibderr.New("validate", 0, ibderr.KindConsensus, "computed %s, header says %s", got, block.Header.MerkleRoot)
	}
	return nil
}

// checkWitnessCommitment verifies the coinbase carries a well-formed
// BIP-141 commitment output whenever any transaction in the block
// carries witness data.
func (v *IBDChunkValidator) checkWitnessCommitment(block *types.Block) error {
	hasWitness := false
	for _, tx := range block.Transactions {
		if tx.HasWitness() {
			hasWitness = true
			break
		}
	}
	if !hasWitness {
		return nil
	}
	coinbase := block.Transactions[0]
	for _, out := range coinbase.TxOut {
		if len(out.PkScript) >= 38 && out.PkScript[0] == opReturn && bytes.HasPrefix(out.PkScript[2:], witnessCommitmentHeader) {
			return nil
		}
	}
	return ibderr.New("validate", 0, ibderr.KindInvalidInput, "segwit block missing witness commitment")
}

// processTx validates a non-coinbase transaction's inputs, finality,
// and outputs against the batch and chainstate, returning the input
// and output value sums.
func (v *IBDChunkValidator) processTx(tx *wire.MsgTx, height uint32) (inputSum, outputSum int64, err error) {
	seen := make(map[wire.OutPoint]struct{}, len(tx.TxIn))
	inputHeights := make([]uint32, len(tx.TxIn))
	inputMTPs := make([]int64, len(tx.TxIn))
	for i, in := range tx.TxIn {
		if _, dup := seen[in.PreviousOutPoint]; dup {
			return 0, 0, ibderr.New("validate", height, ibderr.KindInvalidInput, "duplicate input %s", in.PreviousOutPoint)
		}
		seen[in.PreviousOutPoint] = struct{}{}

		utxo, err := v.resolve(in.PreviousOutPoint, true)
		if err != nil {
			return 0, 0, err
		}
		if utxo.IsCoinbase && !consensus.Mature(utxo.Height, height) {
			return 0, 0, ibderr.New("validate", height, ibderr.KindConsensus, "immature coinbase spend %s", in.PreviousOutPoint)
		}
		inputHeights[i] = utxo.Height
		if tx.Version >= 2 && consensus.TimeBasedSequenceLock(in.Sequence) {
			inputMTPs[i] = v.medianTimePast(utxo.Height)
		}
		inputSum += utxo.Value
		v.batch.Inputs++
		v.batch.Spend(in.PreviousOutPoint)
		v.spent[in.PreviousOutPoint] = utxo
	}

	if !consensus.AbsoluteLockTimeSatisfied(tx, height, v.currentMTP) {
		return 0, 0, ibderr.New("validate", height, ibderr.KindConsensus, "locktime %d not satisfied", tx.LockTime)
	}
	if !consensus.RelativeLockTimeSatisfied(tx, inputHeights, inputMTPs, height, v.currentMTP) {
		return 0, 0, ibderr.New("validate", height, ibderr.KindConsensus, "sequence locks not satisfied")
	}

	for i, out := range tx.TxOut {
		if len(out.PkScript) > 0 && out.PkScript[0] == opReturn {
			continue
		}
		if out.Value < 0 || out.Value > maxOutputValue {
			return 0, 0, ibderr.New("validate", height, ibderr.KindInvalidInput, "output value %d out of range", out.Value)
		}
		outputSum += out.Value
		op := wire.OutPoint{Hash: tx.TxHash(), Index: uint32(i)}
		v.batch.Create(&types.UTXOEntry{Outpoint: op, Value: out.Value, ScriptPubKey: out.PkScript, Height: height})
	}
	return inputSum, outputSum, nil
}

// resolve looks up an outpoint first in the chunk-local batch, then in
// the live cache, then in the chainstate database (populating the
// cache on a cold hit). When enforceSpent is true and op was already
// spent earlier in this chunk by a different transaction, it is
// rejected outright: the live cache and chainstate both still hold the
// pre-spend entry until flush, so without this check a second spend of
// the same pre-existing outpoint within one chunk would be served
// stale data instead of failing as a double-spend. runScripts passes
// false since it re-resolves inputs processTx already validated and
// marked spent, for script execution rather than a fresh spend — those
// are served from the spent-entry record, which is the only place a
// same-chunk created-then-spent output still exists.
func (v *IBDChunkValidator) resolve(op wire.OutPoint, enforceSpent bool) (*types.UTXOEntry, error) {
	if e, ok := v.spent[op]; ok {
		if enforceSpent {
			return nil, ibderr.New("validate", 0, ibderr.KindConsensus, "double spend within chunk %s", op)
		}
		return e, nil
	}
	if e, ok := v.batch.Lookup(op); ok {
		return e, nil
	}
	if cached, ok := v.cache.Get(op); ok {
		return cached.(*types.UTXOEntry), nil
	}
	e, err := v.chain.GetUTXO(op)
	if err != nil {
		return nil, ibderr.New("validate", 0, ibderr.KindConsensus, "missing input %s", op)
	}
	v.cache.Add(op, e)
	return e, nil
}

// processCoinbase parses the BIP-34 height commitment where the soft
// fork is active, computes the subsidy, and enforces value
// conservation against accumulated fees.
func (v *IBDChunkValidator) processCoinbase(block *types.Block, height uint32, fees int64) error {
	coinbase := block.Transactions[0]
	if height >= v.bip34Height {
		parsedHeight, err := consensus.ParseBIP34Height(coinbase.TxIn[0].SignatureScript)
		if err != nil {
			return ibderr.New("validate", height, ibderr.KindInvalidInput, "bip34 parse: %v", err)
		}
		if parsedHeight != height {
			return ibderr.New("validate", height, ibderr.KindConsensus, "bip34 height %d != block height %d", parsedHeight, height)
		}
	}

	var total int64
	for i, out := range coinbase.TxOut {
		total += out.Value
		if len(out.PkScript) > 0 && out.PkScript[0] == opReturn {
			continue // witness commitment or other data output, not spendable
		}
		op := wire.OutPoint{Hash: coinbase.TxHash(), Index: uint32(i)}
		v.batch.Create(&types.UTXOEntry{
			Outpoint:     op,
			Value:        out.Value,
			ScriptPubKey: out.PkScript,
			Height:       height,
			IsCoinbase:   true,
		})
	}

	subsidy := consensus.Subsidy(height)
	if total > subsidy+fees {
		return ibderr.New("validate", height, ibderr.KindConsensus, "coinbase value %d exceeds subsidy+fees %d", total, subsidy+fees)
	}
	return nil
}

// medianTimePast returns the median timestamp of the up-to-11 blocks
// preceding height, the reference clock time-based locks compare
// against. Timestamps come from blocks already seen this chunk, then
// from the block index; near genesis (or when the index has no entry
// yet) the median is taken over whatever ancestors are resolvable,
// degrading to zero with none.
func (v *IBDChunkValidator) medianTimePast(height uint32) int64 {
	if mtp, ok := v.mtpCache[height]; ok {
		return mtp
	}
	var stamps []int64
	for h := height; h > 0 && len(stamps) < 11; h-- {
		ts, ok := v.headerTime(h - 1)
		if !ok {
			break
		}
		stamps = append(stamps, ts)
	}
	var mtp int64
	if len(stamps) > 0 {
		sort.Slice(stamps, func(i, j int) bool { return stamps[i] < stamps[j] })
		mtp = stamps[len(stamps)/2]
	}
	v.mtpCache[height] = mtp
	return mtp
}

func (v *IBDChunkValidator) headerTime(height uint32) (int64, bool) {
	if ts, ok := v.times[height]; ok {
		return ts, true
	}
	entry, err := v.chain.GetBlockIndexByHeight(height)
	if err != nil {
		return 0, false
	}
	ts := int64(entry.Timestamp)
	v.times[height] = ts
	return ts, true
}

func (v *IBDChunkValidator) runScripts(block *types.Block, height uint32) error {
	for _, tx := range block.Transactions[1:] {
		for i, in := range tx.TxIn {
			utxo, err := v.resolve(in.PreviousOutPoint, false)
			if err != nil {
				return err
			}
			if err := v.scripts.ValidateInput(tx, i, utxo, height); err != nil {
				return err
			}
		}
	}
	return nil
}
