package validator

import "github.com/btcibd/node/core/types"

// UTXOBatch accumulates one validated chunk's cumulative effect on the
// UTXO set before it is flushed to the database in a single
// transaction. It elides outputs that are created and spent within
// the same chunk so they never touch persistent storage.
type UTXOBatch struct {
	Created map[types.Outpoint]*types.UTXOEntry
	Spent   []types.Outpoint

	Txs              int
	Inputs           int
	Outputs          int
	CreatedThenSpent int

	ChunkStart uint32
	ChunkEnd   uint32
}

// NewUTXOBatch returns an empty batch spanning the inclusive height
// range [start, end].
func NewUTXOBatch(start, end uint32) *UTXOBatch {
	return &UTXOBatch{
		Created:    make(map[types.Outpoint]*types.UTXOEntry),
		ChunkStart: start,
		ChunkEnd:   end,
	}
}

// Create records a newly produced output in the batch's created-set.
func (b *UTXOBatch) Create(entry *types.UTXOEntry) {
	b.Created[entry.Outpoint] = entry
	b.Outputs++
}

// Spend records the outpoint op being consumed within this chunk. If
// op was itself created earlier in the same chunk, the created-then-
// spent optimization removes it from the created-set instead of ever
// appending it to the spent-list — neither side of that pair will
// touch the database at flush time.
func (b *UTXOBatch) Spend(op types.Outpoint) {
	if _, ok := b.Created[op]; ok {
		delete(b.Created, op)
		b.CreatedThenSpent++
		return
	}
	b.Spent = append(b.Spent, op)
}

// Lookup returns the batch-local created entry for op, if present.
func (b *UTXOBatch) Lookup(op types.Outpoint) (*types.UTXOEntry, bool) {
	e, ok := b.Created[op]
	return e, ok
}
