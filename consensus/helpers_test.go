package consensus

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// mainnetGenesisHeaderForTest returns a header with the mainnet genesis
// block's real field values, useful as a known-good starting point for
// proof-of-work tests that then mutate individual fields.
func mainnetGenesisHeaderForTest() *wire.BlockHeader {
	merkleRoot, _ := chainhash.NewHashFromStr("4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33")
	return &wire.BlockHeader{
		Version:    1,
		PrevBlock:  chainhash.Hash{},
		MerkleRoot: *merkleRoot,
		Timestamp:  time.Unix(1231006505, 0),
		Bits:       0x1d00ffff,
		Nonce:      2083236893,
	}
}
