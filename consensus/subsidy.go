// Package consensus implements the pure, stateless predicates IBD
// chunk validation checks against: block subsidy, coinbase maturity,
// proof-of-work targets, merkle roots, BIP-34 height encoding, and
// both absolute and relative (BIP-68) locktime finality.
package consensus

import "github.com/btcibd/node/internal/chainparams"

// initialSubsidy is 50 BTC in satoshis.
const initialSubsidy = 50 * 100_000_000

// maxHalvings is the point at which the subsidy saturates to zero: 64
// right-shifts of a 64-bit value always yield zero, matching
// bitcoind's own integer-shift semantics rather than an explicit
// cutoff height.
const maxHalvings = 64

// Subsidy returns the block subsidy, in satoshis, for a block at the
// given height: 50 BTC halved every HalvingInterval blocks, saturating
// to zero after 64 halvings.
func Subsidy(height uint32) int64 {
	halvings := height / chainparams.HalvingInterval
	if halvings >= maxHalvings {
		return 0
	}
	return initialSubsidy >> halvings
}

// Mature reports whether a coinbase output created at utxoHeight may
// be spent in a block at currentHeight.
func Mature(utxoHeight, currentHeight uint32) bool {
	return currentHeight >= utxoHeight+chainparams.CoinbaseMaturity
}
