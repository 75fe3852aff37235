// Package chainparams selects btcd's network parameters for the
// network this node is configured to follow, and adds the handful of
// IBD-specific constants the sync pipeline depends on.
package chainparams

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
)

// Network identifies which Bitcoin network to sync.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet3"
)

// Params bundles btcd's chaincfg.Params with the node's own IBD
// constants for a given network.
type Params struct {
	*chaincfg.Params
	Seeds []string
}

// For returns the Params for the named network.
func For(n Network) (*Params, error) {
	switch n {
	case Mainnet:
		return &Params{
			Params: &chaincfg.MainNetParams,
			Seeds: []string{
				"seed.bitcoin.sipa.be",
				"dnsseed.bluematt.me",
				"dnsseed.bitcoin.dashjr.org",
				"seed.bitcoinstats.com",
				"seed.bitcoin.jonasschnelli.ch",
			},
		}, nil
	case Testnet:
		return &Params{
			Params: &chaincfg.TestNet3Params,
			Seeds: []string{
				"testnet-seed.bitcoin.jonasschnelli.ch",
				"seed.tbtc.petertodd.org",
				"seed.testnet.bitcoin.sprovoost.nl",
			},
		}, nil
	default:
		return nil, fmt.Errorf("unknown network %q", n)
	}
}

const (
	// HalvingInterval is the number of blocks between subsidy
	// halvings.
	HalvingInterval = 210_000
	// CoinbaseMaturity confirmations before a coinbase output is
	// spendable.
	CoinbaseMaturity = 100
	// MaxBlockWeight is the consensus block weight limit.
	MaxBlockWeight = 4_000_000
	// MaxBlockSize is the legacy serialized block size limit used to
	// bound sanity checks on raw block bytes read back from disk.
	MaxBlockSize = 1_000_000
	// DustThreshold in satoshis.
	DustThreshold = 546
	// ReorgMargin is the default block depth below the validated tip
	// that must remain unpruned.
	ReorgMargin = 550
	// CheckpointInterval is the default WAL checkpoint frequency, in
	// blocks.
	CheckpointInterval = 10_000
	// ArchivalFlushInterval mirrors CheckpointInterval in archival
	// (prune-disabled) mode.
	ArchivalFlushInterval = 10_000
	// MinPruneTargetMB is the minimum enforced resident block-file
	// budget when pruning is enabled.
	MinPruneTargetMB = 128
)
