package consensus

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/btcibd/node/core/types"
)

// MerkleRoot computes the merkle root of an ordered list of txids
// using the canonical Bitcoin construction: pairwise double-SHA256,
// duplicating the last element when a level has an odd count. Odd
// levels are NOT an error — that duplication is the documented
// Bitcoin behavior (the famous CVE-2012-2459 hack notwithstanding,
// implementations must accept it).
func MerkleRoot(txids []types.Hash256) types.Hash256 {
	if len(txids) == 0 {
		return types.Hash256{}
	}
	level := make([]types.Hash256, len(txids))
	copy(level, txids)

	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([]types.Hash256, len(level)/2)
		for i := range next {
			next[i] = hashPair(level[2*i], level[2*i+1])
		}
		level = next
	}
	return level[0]
}

func hashPair(a, b types.Hash256) types.Hash256 {
	var buf [64]byte
	copy(buf[:32], a[:])
	copy(buf[32:], b[:])
	return chainhash.DoubleHashH(buf[:])
}
