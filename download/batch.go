// Package download implements the pull-based block download manager:
// it distributes (hash, height) work across a dynamic peer set,
// tracks per-peer throughput, and accelerates the tail of a chunk via
// bounded-redundancy requests.
package download

import (
	"time"

	"github.com/btcibd/node/core/types"
)

// BatchSize is the fixed number of heights grouped into a single
// getdata-sized unit of work.
const BatchSize = 8

// MaxBatches bounds the queue depth; add_work stops accepting new work
// once the queue holds this many batches, signalling backpressure to
// the caller.
const MaxBatches = 4096

// MaxGetdataStagger is the cap on hashes bundled into one staggered
// getdata message issued by FillGapsStaggered.
const MaxGetdataStagger = 128

// MaxGetdataAccelerate is the cap on hashes bundled into one getdata
// message issued by DrainAccelerate.
const MaxGetdataAccelerate = 64

// TargetRedundancy is drain_accelerate's target number of outstanding
// requests per still-missing block.
const TargetRedundancy = 3

// PeerID identifies a peer to the download manager. The manager is
// agnostic to transport; callers supply whatever identifier their
// peer registry uses.
type PeerID string

// workItem is one (hash, height) pair awaiting delivery.
type workItem struct {
	hash   types.Hash256
	height uint32
}

// batch is a fixed-size group of work items, either queued or
// assigned to a peer.
type batch struct {
	start, end   uint32 // inclusive height range
	items        []workItem
	received     []bool // parallel to items
	remaining    int
	assignedTo   PeerID
	assignedTime time.Time
}

func newBatch(items []workItem) *batch {
	return &batch{
		start:     items[0].height,
		end:       items[len(items)-1].height,
		items:     items,
		received:  make([]bool, len(items)),
		remaining: len(items),
	}
}

// outstandingHashes returns the hashes not yet received in this batch.
func (b *batch) outstandingHashes() []types.Hash256 {
	out := make([]types.Hash256, 0, b.remaining)
	for i, got := range b.received {
		if !got {
			out = append(out, b.items[i].hash)
		}
	}
	return out
}
