package consensus

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/btcibd/node/core/types"
)

func hashFromByte(b byte) types.Hash256 {
	var h types.Hash256
	h[0] = b
	return h
}

func TestMerkleRootSingleTx(t *testing.T) {
	h := hashFromByte(0x01)
	assert.Equal(t, h, MerkleRoot([]types.Hash256{h}))
}

func TestMerkleRootEvenCount(t *testing.T) {
	a, b := hashFromByte(0x01), hashFromByte(0x02)
	want := hashPair(a, b)
	assert.Equal(t, want, MerkleRoot([]types.Hash256{a, b}))
}

func TestMerkleRootOddCountDuplicatesLast(t *testing.T) {
	a, b, c := hashFromByte(0x01), hashFromByte(0x02), hashFromByte(0x03)
	// Level 1: [a, b, c, c] -> pairs (a,b), (c,c)
	left := hashPair(a, b)
	right := hashPair(c, c)
	want := hashPair(left, right)
	assert.Equal(t, want, MerkleRoot([]types.Hash256{a, b, c}))
}

func TestMerkleRootEmpty(t *testing.T) {
	assert.Equal(t, types.Hash256{}, MerkleRoot(nil))
}
