// Package types holds the data model shared by every IBD subsystem:
// hashes, outpoints, UTXO entries, blocks and the block index.
package types

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Hash256 is a 32-byte double-SHA256 digest. Block hashes and txids are
// Hash256 values; they compare byte-wise and are stored in internal
// (non-reversed) byte order, matching chainhash.Hash.
type Hash256 = chainhash.Hash

// ZeroHash is the all-zero Hash256, used as the coinbase's null prevout
// txid.
var ZeroHash Hash256

// HashFromBytes copies b into a new Hash256, reporting an error if b is
// not exactly 32 bytes.
func HashFromBytes(b []byte) (Hash256, error) {
	var h Hash256
	err := h.SetBytes(b)
	return h, err
}
