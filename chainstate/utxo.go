package chainstate

import (
	"encoding/binary"

	"github.com/syndtr/goleveldb/leveldb"

	"github.com/btcibd/node/core/types"
	"github.com/btcibd/node/internal/ibderr"
)

// utxoKey serializes an outpoint as the 36-byte concatenation of its
// txid and little-endian output index, matching how Bitcoin Core
// orders its own UTXO database keys.
func utxoKey(op types.Outpoint) []byte {
	key := make([]byte, 36)
	copy(key[:32], op.Hash[:])
	binary.LittleEndian.PutUint32(key[32:], op.Index)
	return key
}

// encodeUTXO serializes a UTXOEntry's value fields (the outpoint
// itself is the key and is not repeated).
func encodeUTXO(e *types.UTXOEntry) []byte {
	buf := make([]byte, 13+len(e.ScriptPubKey))
	binary.LittleEndian.PutUint64(buf[0:8], uint64(e.Value))
	binary.LittleEndian.PutUint32(buf[8:12], e.Height)
	if e.IsCoinbase {
		buf[12] = 1
	}
	copy(buf[13:], e.ScriptPubKey)
	return buf
}

func decodeUTXO(op types.Outpoint, raw []byte) (*types.UTXOEntry, error) {
	if len(raw) < 13 {
		return nil, ibderr.New("chainstate", 0, ibderr.KindIO, "truncated utxo record (%d bytes)", len(raw))
	}
	e := &types.UTXOEntry{
		Outpoint:     op,
		Value:        int64(binary.LittleEndian.Uint64(raw[0:8])),
		Height:       binary.LittleEndian.Uint32(raw[8:12]),
		IsCoinbase:   raw[12] == 1,
		ScriptPubKey: append([]byte(nil), raw[13:]...),
	}
	return e, nil
}

// GetUTXO returns the UTXO entry for op, or an ErrNotFound-wrapped
// error if it is unspent-absent or already spent.
func (cs *ChainState) GetUTXO(op types.Outpoint) (*types.UTXOEntry, error) {
	raw, err := cs.utxoDB.Get(utxoKey(op), nil)
	if err == leveldb.ErrNotFound {
		return nil, ibderr.Wrap("chainstate", 0, ibderr.KindMissingResource, ibderr.ErrNotFound, "utxo %s:%d not found", op.Hash, op.Index)
	}
	if err != nil {
		return nil, ibderr.Wrap("chainstate", 0, ibderr.KindIO, err, "read utxo %s:%d", op.Hash, op.Index)
	}
	return decodeUTXO(op, raw)
}

// FlushChunk commits a validated chunk's cumulative UTXO effect in a
// single atomic batch: every spent outpoint is deleted, every created
// entry is inserted, and the validated tip is advanced. Because
// LevelDB's Put overwrites and its Delete is a no-op on an absent key,
// re-running FlushChunk with the same arguments after a crash before
// this call returned is structurally idempotent.
func (cs *ChainState) FlushChunk(created map[types.Outpoint]*types.UTXOEntry, spent []types.Outpoint, newValidatedTip uint32) error {
	batch := new(leveldb.Batch)
	for _, op := range spent {
		batch.Delete(utxoKey(op))
	}
	for op, entry := range created {
		batch.Put(utxoKey(op), encodeUTXO(entry))
	}

	// The validated-tip watermark is written into the SAME batch as
	// the UTXO deltas it describes, so a crash between the two can
	// never happen: either the whole chunk's effect and its tip land
	// together, or neither does.
	var tipBuf [4]byte
	binary.BigEndian.PutUint32(tipBuf[:], newValidatedTip)
	batch.Put(metaValidatedTip, tipBuf[:])

	if err := cs.utxoDB.Write(batch, nil); err != nil {
		return ibderr.Wrap("chainstate", newValidatedTip, ibderr.KindIO, err, "write utxo batch")
	}
	return nil
}
