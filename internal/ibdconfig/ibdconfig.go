// Package ibdconfig loads the node's configuration from a TOML file;
// cmd/ibdnode overlays CLI flags on top of whatever the file sets.
package ibdconfig

import (
	"os"
	"time"

	"github.com/naoina/toml"

	"github.com/btcibd/node/download"
	"github.com/btcibd/node/internal/chainparams"
	"github.com/btcibd/node/syncfsm"
)

// Config is the full set of options an operator can tune.
type Config struct {
	DataDir string `toml:"data_dir"`
	Network string `toml:"network"`

	PruneTargetMB         uint64 `toml:"prune_target_mb"`
	AssumeValidHeight     uint32 `toml:"assumevalid_height"`
	DownloadBatchSize     int    `toml:"download_batch_size"`
	DownloadMaxBatches    int    `toml:"download_max_batches"`
	PerfWindowMS          int    `toml:"perf_window_ms"`
	MinPeersToKeep        int    `toml:"min_peers_to_keep"`
	ReorgMargin           uint32 `toml:"reorg_margin"`
	CheckpointInterval    uint32 `toml:"checkpoint_interval"`
	ArchivalFlushInterval uint32 `toml:"archival_flush_interval"`

	ListenAddr string   `toml:"listen_addr"`
	Peers      []string `toml:"peers"`
}

// Default returns the node's out-of-the-box configuration: archival
// (no pruning), mainnet, and the pipeline's standard constants.
func Default() Config {
	return Config{
		DataDir:               "./ibd-data",
		Network:               string(chainparams.Mainnet),
		PruneTargetMB:         0,
		DownloadBatchSize:     8,
		DownloadMaxBatches:    4096,
		PerfWindowMS:          10_000,
		MinPeersToKeep:        3,
		ReorgMargin:           chainparams.ReorgMargin,
		CheckpointInterval:    chainparams.CheckpointInterval,
		ArchivalFlushInterval: chainparams.ArchivalFlushInterval,
	}
}

// Load reads a TOML config file at path, falling back to Default for
// any field the file omits (naoina/toml decodes into the zero value
// otherwise, so Load starts from Default and decodes on top of it).
func Load(path string) (Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()
	if err := toml.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// PruneTargetMBEffective clamps a configured non-zero prune target up
// to the enforced minimum.
func (c Config) PruneTargetMBEffective() uint64 {
	if c.PruneTargetMB == 0 {
		return 0
	}
	if c.PruneTargetMB < chainparams.MinPruneTargetMB {
		return chainparams.MinPruneTargetMB
	}
	return c.PruneTargetMB
}

// SyncfsmConfig projects the operator-facing Config into the
// syncfsm.Config the sync machine actually consumes. The BIP-34
// activation height is not an operator knob: it comes from the
// configured network's consensus parameters.
func (c Config) SyncfsmConfig() syncfsm.Config {
	var bip34 uint32
	if params, err := chainparams.For(chainparams.Network(c.Network)); err == nil {
		bip34 = uint32(params.BIP0034Height)
	}
	return syncfsm.Config{
		ChunkSize:             uint32(c.DownloadBatchSize) * 250,
		PruneTargetMB:         c.PruneTargetMBEffective(),
		ReorgMargin:           c.ReorgMargin,
		CheckpointInterval:    c.CheckpointInterval,
		ArchivalFlushInterval: c.ArchivalFlushInterval,
		AssumeValidHeight:     c.AssumeValidHeight,
		BIP34Height:           bip34,
	}
}

// DownloadConfig projects the operator-facing Config into the
// download.Config the block download manager consumes, so
// download_batch_size, download_max_batches, perf_window_ms, and
// min_peers_to_keep in the TOML file actually reach it instead of the
// package's own hardcoded defaults.
func (c Config) DownloadConfig() download.Config {
	return download.Config{
		BatchSize:      c.DownloadBatchSize,
		MaxBatches:     c.DownloadMaxBatches,
		MinPeersToKeep: c.MinPeersToKeep,
		Window:         time.Duration(c.PerfWindowMS) * time.Millisecond,
	}
}
