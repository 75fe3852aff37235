package consensus

import (
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/wire"
	"github.com/holiman/uint256"

	"github.com/btcibd/node/core/types"
)

// CompactToTarget decodes a Bitcoin "compact" nBits encoding into a
// 256-bit target. It rejects malformed encodings: a negative mantissa
// (high bit of the third byte set) or an exponent above 32, whatever
// the mantissa.
func CompactToTarget(bits uint32) (*uint256.Int, error) {
	exponent := bits >> 24
	mantissa := bits & 0x007fffff
	if bits&0x00800000 != 0 {
		return nil, fmt.Errorf("compact bits 0x%08x: negative mantissa", bits)
	}
	if exponent > 32 {
		return nil, fmt.Errorf("compact bits 0x%08x: exponent %d out of range", bits, exponent)
	}

	target := uint256.NewInt(uint64(mantissa))
	if exponent <= 3 {
		target.Rsh(target, uint(8*(3-exponent)))
		return target, nil
	}
	shift := uint(8 * (exponent - 3))
	if shift > 256 {
		return nil, fmt.Errorf("compact bits 0x%08x: shift %d overflows 256 bits", bits, shift)
	}
	target.Lsh(target, shift)
	return target, nil
}

// HashToUint256 interprets a Hash256 as a 256-bit little-endian
// integer, the form proof-of-work comparisons are defined over.
func HashToUint256(h types.Hash256) *uint256.Int {
	var be [32]byte
	for i := range h {
		be[31-i] = h[i]
	}
	return new(uint256.Int).SetBytes(be[:])
}

// CheckProofOfWork validates a block header's proof of work against
// its own encoded bits field and the network's maximum target.
func CheckProofOfWork(header *wire.BlockHeader, powLimit *big.Int) error {
	target, err := CompactToTarget(header.Bits)
	if err != nil {
		return fmt.Errorf("invalid bits: %w", err)
	}

	limit := new(uint256.Int)
	if overflow := limit.SetFromBig(powLimit); overflow {
		return fmt.Errorf("network pow limit overflows 256 bits")
	}
	if target.IsZero() || target.Gt(limit) {
		return fmt.Errorf("target exceeds network maximum")
	}

	hash := header.BlockHash()
	hashInt := HashToUint256(hash)
	if hashInt.Gt(target) {
		return fmt.Errorf("block hash %s exceeds target", hash)
	}
	return nil
}

// Work returns the amount of work represented by a compact bits value:
// 2^256 / (target + 1), the standard Bitcoin chain-work metric.
func Work(bits uint32) (*uint256.Int, error) {
	target, err := CompactToTarget(bits)
	if err != nil {
		return nil, err
	}
	if target.IsZero() {
		return uint256.NewInt(0), nil
	}
	denom := new(uint256.Int).Add(target, uint256.NewInt(1))
	// 2^256 does not fit in uint256.Int, so compute
	// ((2^256 - 1) / denom) + 1, equivalent for all denom > 0.
	maxUint := new(uint256.Int).Not(uint256.NewInt(0))
	work := new(uint256.Int).Div(maxUint, denom)
	work.Add(work, uint256.NewInt(1))
	return work, nil
}
