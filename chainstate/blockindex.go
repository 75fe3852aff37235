package chainstate

import (
	"encoding/binary"

	"github.com/syndtr/goleveldb/leveldb"

	"github.com/btcibd/node/core/types"
	"github.com/btcibd/node/internal/ibderr"
)

func hashKey(h types.Hash256) []byte {
	key := make([]byte, 1+len(h))
	key[0] = 'h'
	copy(key[1:], h[:])
	return key
}

func heightKey(height uint32) []byte {
	key := make([]byte, 5)
	key[0] = 'n'
	binary.BigEndian.PutUint32(key[1:], height)
	return key
}

const blockIndexRecordSize = 32 + 4 + 32 + 4 + 32 + 4 + 4 + 4 + 32 + 4

// encodeBlockIndexEntry serializes a BlockIndexEntry for storage,
// keyed externally by hash.
func encodeBlockIndexEntry(e *types.BlockIndexEntry) []byte {
	buf := make([]byte, blockIndexRecordSize)
	off := 0
	copy(buf[off:], e.Hash[:])
	off += 32
	binary.LittleEndian.PutUint32(buf[off:], e.Height)
	off += 4
	copy(buf[off:], e.PrevHash[:])
	off += 32
	binary.LittleEndian.PutUint32(buf[off:], uint32(e.Version))
	off += 4
	copy(buf[off:], e.MerkleRoot[:])
	off += 32
	binary.LittleEndian.PutUint32(buf[off:], e.Timestamp)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], e.Bits)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], e.Nonce)
	off += 4
	copy(buf[off:], e.TotalWork[:])
	off += 32
	binary.LittleEndian.PutUint32(buf[off:], uint32(e.StatusFlags))
	return buf
}

func decodeBlockIndexEntry(raw []byte) (*types.BlockIndexEntry, error) {
	if len(raw) < blockIndexRecordSize {
		return nil, ibderr.New("chainstate", 0, ibderr.KindIO, "truncated block index record (%d bytes)", len(raw))
	}
	e := &types.BlockIndexEntry{}
	off := 0
	copy(e.Hash[:], raw[off:off+32])
	off += 32
	e.Height = binary.LittleEndian.Uint32(raw[off:])
	off += 4
	copy(e.PrevHash[:], raw[off:off+32])
	off += 32
	e.Version = int32(binary.LittleEndian.Uint32(raw[off:]))
	off += 4
	copy(e.MerkleRoot[:], raw[off:off+32])
	off += 32
	e.Timestamp = binary.LittleEndian.Uint32(raw[off:])
	off += 4
	e.Bits = binary.LittleEndian.Uint32(raw[off:])
	off += 4
	e.Nonce = binary.LittleEndian.Uint32(raw[off:])
	off += 4
	copy(e.TotalWork[:], raw[off:off+32])
	off += 32
	e.StatusFlags = types.StatusFlags(binary.LittleEndian.Uint32(raw[off:]))
	return e, nil
}

// PutBlockIndex stores entry, indexed both by its own hash and by
// height, in a single atomic batch.
func (cs *ChainState) PutBlockIndex(entry *types.BlockIndexEntry) error {
	raw := encodeBlockIndexEntry(entry)
	batch := new(leveldb.Batch)
	batch.Put(hashKey(entry.Hash), raw)
	batch.Put(heightKey(entry.Height), entry.Hash[:])
	if err := cs.blockDB.Write(batch, nil); err != nil {
		return ibderr.Wrap("chainstate", entry.Height, ibderr.KindIO, err, "write block index entry")
	}
	return nil
}

// GetBlockIndexByHash returns the indexed entry for hash.
func (cs *ChainState) GetBlockIndexByHash(hash types.Hash256) (*types.BlockIndexEntry, error) {
	raw, err := cs.blockDB.Get(hashKey(hash), nil)
	if err == leveldb.ErrNotFound {
		return nil, ibderr.Wrap("chainstate", 0, ibderr.KindMissingResource, ibderr.ErrNotFound, "block index %s not found", hash)
	}
	if err != nil {
		return nil, ibderr.Wrap("chainstate", 0, ibderr.KindIO, err, "read block index")
	}
	return decodeBlockIndexEntry(raw)
}

// GetBlockIndexByHeight looks up the hash stored for height, then
// returns its full BlockIndexEntry.
func (cs *ChainState) GetBlockIndexByHeight(height uint32) (*types.BlockIndexEntry, error) {
	hashBytes, err := cs.blockDB.Get(heightKey(height), nil)
	if err == leveldb.ErrNotFound {
		return nil, ibderr.Wrap("chainstate", height, ibderr.KindMissingResource, ibderr.ErrNotFound, "no block index at height %d", height)
	}
	if err != nil {
		return nil, ibderr.Wrap("chainstate", height, ibderr.KindIO, err, "read height index")
	}
	hash, err := types.HashFromBytes(hashBytes)
	if err != nil {
		return nil, ibderr.Wrap("chainstate", height, ibderr.KindIO, err, "decode indexed hash")
	}
	return cs.GetBlockIndexByHash(hash)
}

// MarkPruned clears HAVE_DATA and sets PRUNED on the index entry at
// height, leaving every other field untouched. Absence of an index
// entry at that height is benign: nothing to mark.
func (cs *ChainState) MarkPruned(height uint32) error {
	entry, err := cs.GetBlockIndexByHeight(height)
	if err != nil {
		if ibderr.Benign(err) {
			return nil
		}
		return err
	}
	entry.StatusFlags = (entry.StatusFlags &^ types.StatusHaveData) | types.StatusPruned
	return cs.PutBlockIndex(entry)
}
