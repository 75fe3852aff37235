package types

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/wire"
)

// Block is a full Bitcoin block: an 80-byte header plus an ordered,
// non-empty sequence of transactions. It is a thin alias over
// wire.MsgBlock so serialization, hashing and txid computation reuse
// btcd's wire-format implementation rather than reinventing it.
type Block = wire.MsgBlock

// Tx is a single transaction.
type Tx = wire.MsgTx

// DecodeBlock parses raw, on-disk block bytes (the format written by
// the block store) into a Block.
func DecodeBlock(raw []byte) (*Block, error) {
	var b Block
	if err := b.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("decode block: %w", err)
	}
	return &b, nil
}

// EncodeBlock serializes a Block into the raw bytes written to the
// block store.
func EncodeBlock(b *Block) ([]byte, error) {
	var buf bytes.Buffer
	if err := b.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("encode block: %w", err)
	}
	return buf.Bytes(), nil
}

// IsCoinbase reports whether tx has the null-prevout shape of a
// coinbase transaction: exactly one input, previous outpoint index
// 0xFFFFFFFF, previous outpoint hash all zero.
func IsCoinbase(tx *Tx) bool {
	if len(tx.TxIn) != 1 {
		return false
	}
	prevOut := tx.TxIn[0].PreviousOutPoint
	var zero Hash256
	return prevOut.Index == wire.MaxPrevOutIndex && prevOut.Hash == zero
}

// ValidateStructure checks the block-level structural invariants:
// non-empty tx list, tx[0] (and only tx[0]) is coinbase, no duplicate
// (txid, vout) spent across the block's inputs.
func ValidateStructure(b *Block) error {
	if len(b.Transactions) == 0 {
		return fmt.Errorf("block has no transactions")
	}
	if !IsCoinbase(b.Transactions[0]) {
		return fmt.Errorf("tx[0] is not coinbase")
	}
	seen := make(map[wire.OutPoint]struct{})
	for i, tx := range b.Transactions {
		if i == 0 {
			continue
		}
		if IsCoinbase(tx) {
			return fmt.Errorf("tx[%d] has null prevout but is not tx[0]", i)
		}
		for _, in := range tx.TxIn {
			if _, dup := seen[in.PreviousOutPoint]; dup {
				return fmt.Errorf("duplicate input %v in block", in.PreviousOutPoint)
			}
			seen[in.PreviousOutPoint] = struct{}{}
		}
	}
	return nil
}
