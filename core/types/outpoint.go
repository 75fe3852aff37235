package types

import (
	"fmt"

	"github.com/btcsuite/btcd/wire"
)

// Outpoint identifies a single transaction output: (txid, vout).
type Outpoint = wire.OutPoint

// MaxUTXOValue is the maximum value, in satoshis, a single output may
// carry: 21 million BTC expressed in satoshis.
const MaxUTXOValue int64 = 21_000_000 * 100_000_000

// MaxScriptPubKeySize bounds UTXOEntry.ScriptPubKey.
const MaxScriptPubKeySize = 10_000

// CoinbaseMaturity is the number of confirmations a coinbase output
// must accumulate before it is spendable.
const CoinbaseMaturity = 100

// UTXOEntry is an unspent transaction output together with the
// provenance needed to enforce coinbase maturity.
type UTXOEntry struct {
	Outpoint     Outpoint
	Value        int64
	ScriptPubKey []byte
	Height       uint32
	IsCoinbase   bool
}

// Mature reports whether this entry may be spent in a block at
// currentHeight; non-coinbase entries are always mature.
func (e *UTXOEntry) Mature(currentHeight uint32) bool {
	if !e.IsCoinbase {
		return true
	}
	return currentHeight >= e.Height+CoinbaseMaturity
}

// Validate checks the structural invariants that must hold for any
// UTXOEntry before it is inserted into a chunk's UTXOBatch.
func (e *UTXOEntry) Validate() error {
	if e.Value < 0 || e.Value > MaxUTXOValue {
		return fmt.Errorf("utxo value %d out of range [0, %d]", e.Value, MaxUTXOValue)
	}
	if len(e.ScriptPubKey) > MaxScriptPubKeySize {
		return fmt.Errorf("script_pubkey length %d exceeds %d", len(e.ScriptPubKey), MaxScriptPubKeySize)
	}
	return nil
}
