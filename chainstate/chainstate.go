// Package chainstate persists the UTXO set and block index in two
// LevelDB stores, committing chunk results as a single atomic batch so
// a crash mid-flush never leaves a partially-applied chunk.
package chainstate

import (
	"encoding/binary"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"

	"github.com/btcibd/node/internal/clog"
	"github.com/btcibd/node/internal/ibderr"
)

// metaValidatedTip and metaPrunedHeight are the well-known keys the
// block-index database stores its two scalar watermarks under.
var (
	metaValidatedTip = []byte("m:validated_tip")
	metaPrunedHeight = []byte("m:pruned_height")
)

// ChainState owns the two LevelDB handles backing the node's
// persistent chain data.
type ChainState struct {
	utxoDB  *leveldb.DB
	blockDB *leveldb.DB
	log     clog.Logger
}

// Open opens (creating if absent) the UTXO and block-index databases
// rooted at {dataDir}/chainstate.
func Open(dataDir string) (*ChainState, error) {
	utxoDB, err := leveldb.OpenFile(dataDir+"/chainstate/utxo.db", nil)
	if err != nil {
		return nil, ibderr.Wrap("chainstate", 0, ibderr.KindIO, err, "open utxo.db")
	}
	blockDB, err := leveldb.OpenFile(dataDir+"/chainstate/blocks.db", nil)
	if err != nil {
		utxoDB.Close()
		return nil, ibderr.Wrap("chainstate", 0, ibderr.KindIO, err, "open blocks.db")
	}
	return &ChainState{utxoDB: utxoDB, blockDB: blockDB, log: clog.New("module", "chainstate")}, nil
}

// OpenMem opens an in-memory ChainState, used by tests.
func OpenMem() (*ChainState, error) {
	utxoDB, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	blockDB, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		utxoDB.Close()
		return nil, err
	}
	return &ChainState{utxoDB: utxoDB, blockDB: blockDB, log: clog.New("module", "chainstate")}, nil
}

// Close releases both underlying LevelDB handles.
func (cs *ChainState) Close() error {
	err1 := cs.utxoDB.Close()
	err2 := cs.blockDB.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// ValidatedTip returns the height through which the UTXO database is
// known to reflect every block's effects, or 0 if never flushed.
func (cs *ChainState) ValidatedTip() (uint32, error) {
	v, err := cs.utxoDB.Get(metaValidatedTip, nil)
	if err == leveldb.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, ibderr.Wrap("chainstate", 0, ibderr.KindIO, err, "read validated tip")
	}
	return binary.BigEndian.Uint32(v), nil
}

// Checkpoint forces the journal through to stable storage by rewriting
// the validated-tip watermark with a synchronous write. Ordinary
// FlushChunk writes ride the OS cache for throughput; the sync manager
// calls this on its checkpoint interval so the amount of journal at
// risk across a power loss stays bounded.
func (cs *ChainState) Checkpoint(tip uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], tip)
	if err := cs.utxoDB.Put(metaValidatedTip, buf[:], &opt.WriteOptions{Sync: true}); err != nil {
		return ibderr.Wrap("chainstate", tip, ibderr.KindIO, err, "checkpoint")
	}
	cs.log.Debug("chainstate checkpoint", "tip", tip)
	return nil
}

// PrunedHeight returns the highest height whose block file has been
// pruned (every height at or below it is pruned), or 0 if nothing has
// been pruned. The lowest height that may still be on disk is one
// above the returned value.
func (cs *ChainState) PrunedHeight() (uint32, error) {
	v, err := cs.blockDB.Get(metaPrunedHeight, nil)
	if err == leveldb.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, ibderr.Wrap("chainstate", 0, ibderr.KindIO, err, "read pruned height")
	}
	return binary.BigEndian.Uint32(v), nil
}

// SetPrunedHeight records the new pruned watermark.
func (cs *ChainState) SetPrunedHeight(h uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], h)
	if err := cs.blockDB.Put(metaPrunedHeight, buf[:], nil); err != nil {
		return ibderr.Wrap("chainstate", h, ibderr.KindIO, err, "write pruned height")
	}
	return nil
}
