package types

import "github.com/btcsuite/btcd/wire"

// StatusFlags is a bitset over a block index entry's validation
// progress.
type StatusFlags uint32

const (
	StatusValidHeader StatusFlags = 1 << iota
	StatusValidTree
	StatusValidScripts
	StatusValidChain
	StatusHaveData
	StatusPruned
	StatusFailed
)

// Valid reports whether the PRUNED/HAVE_DATA mutual-exclusion
// invariant holds.
func (f StatusFlags) Valid() bool {
	return f&StatusPruned == 0 || f&StatusHaveData == 0
}

// BlockIndexEntry records everything known about a block's position in
// the chain, independent of whether its body is still on disk.
type BlockIndexEntry struct {
	Hash        Hash256
	Height      uint32
	PrevHash    Hash256
	Version     int32
	MerkleRoot  Hash256
	Timestamp   uint32
	Bits        uint32
	Nonce       uint32
	TotalWork   [32]byte // big-endian accumulated work, see consensus.Work
	StatusFlags StatusFlags
}

// Header reconstructs the 80-byte wire header from the indexed fields.
func (e *BlockIndexEntry) Header() wire.BlockHeader {
	return wire.BlockHeader{
		Version:    e.Version,
		PrevBlock:  e.PrevHash,
		MerkleRoot: e.MerkleRoot,
		Timestamp:  secondsToTime(e.Timestamp),
		Bits:       e.Bits,
		Nonce:      e.Nonce,
	}
}

// HasData reports whether the block body is expected to still be
// present on disk.
func (e *BlockIndexEntry) HasData() bool {
	return e.StatusFlags&StatusHaveData != 0
}

// Pruned reports whether the block body has been removed from disk.
func (e *BlockIndexEntry) Pruned() bool {
	return e.StatusFlags&StatusPruned != 0
}
