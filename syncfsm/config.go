package syncfsm

import "github.com/btcibd/node/internal/chainparams"

// Config holds the sync machine's operator-facing tunables.
type Config struct {
	// ChunkSize is the height span handed to the validator per
	// VALIDATE/FLUSH cycle.
	ChunkSize uint32
	// PruneTargetMB is the resident block-file budget that triggers
	// early DRAIN and subsequent PRUNE; zero means archival mode (no
	// pruning, ever).
	PruneTargetMB uint64
	// ReorgMargin is the depth below validated_tip that PRUNE always
	// leaves unpruned.
	ReorgMargin uint32
	// CheckpointInterval is how often, in blocks, FLUSH checkpoints the
	// chainstate write-ahead log.
	CheckpointInterval uint32
	// ArchivalFlushInterval mirrors CheckpointInterval when
	// PruneTargetMB == 0.
	ArchivalFlushInterval uint32
	// AssumeValidHeight is the height at or below which script
	// validation is skipped by contract.
	AssumeValidHeight uint32
	// BIP34Height is the height from which the coinbase scriptSig must
	// commit the block's own height; below it, coinbase scriptSigs are
	// free-form miner data. Zero enforces the commitment from genesis,
	// which only synthetic chains satisfy — production wiring supplies
	// the network's activation height.
	BIP34Height uint32
}

// DefaultConfig returns the node's default tunables.
func DefaultConfig() Config {
	return Config{
		ChunkSize:             2000,
		PruneTargetMB:         0,
		ReorgMargin:           chainparams.ReorgMargin,
		CheckpointInterval:    chainparams.CheckpointInterval,
		ArchivalFlushInterval: chainparams.ArchivalFlushInterval,
	}
}
