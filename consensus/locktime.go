package consensus

import "github.com/btcsuite/btcd/wire"

// lockTimeThreshold is the dividing line between a block-height and a
// Unix-timestamp interpretation of a transaction's nLockTime.
const lockTimeThreshold = 500_000_000

// sequenceFinal disables both absolute and relative locktime for an
// input regardless of its sequence value.
const sequenceFinal = wire.MaxTxInSequenceNum

// AbsoluteLockTimeSatisfied reports whether a transaction's nLockTime
// has been reached, given the height and median-time-past of the block
// that would include it. A locktime is also satisfied unconditionally
// if every input's sequence number is the final value (0xFFFFFFFF).
func AbsoluteLockTimeSatisfied(tx *wire.MsgTx, height uint32, medianTimePast int64) bool {
	if tx.LockTime == 0 {
		return true
	}

	allFinal := true
	for _, in := range tx.TxIn {
		if in.Sequence != sequenceFinal {
			allFinal = false
			break
		}
	}
	if allFinal {
		return true
	}

	if tx.LockTime < lockTimeThreshold {
		return uint64(height) >= uint64(tx.LockTime)
	}
	return medianTimePast >= int64(tx.LockTime)
}

const (
	sequenceLockTimeDisableFlag = 1 << 31
	sequenceLockTimeTypeFlag    = 1 << 22
	sequenceLockTimeMask        = 0x0000ffff
	// sequenceLockTimeGranularity converts the 512-second-tick encoding
	// used by the time-based form into seconds.
	sequenceLockTimeGranularity = 9
)

// TimeBasedSequenceLock reports whether seq encodes an active
// time-based (512-second-tick) relative lock, as opposed to a
// block-count one or no lock at all. Callers use it to decide whether
// an input's median-time-past is worth resolving before invoking
// RelativeLockTimeSatisfied.
func TimeBasedSequenceLock(seq uint32) bool {
	return seq&sequenceLockTimeDisableFlag == 0 && seq&sequenceLockTimeTypeFlag != 0
}

// RelativeLockTimeSatisfied implements BIP-68: per-input relative
// locktime, active only for version>=2 transactions. inputHeight and
// inputMTP are the height and median-time-past of the block that
// confirmed the coin spent by in; height and medianTimePast describe
// the block that would include tx.
func RelativeLockTimeSatisfied(tx *wire.MsgTx, inputHeights []uint32, inputMTPs []int64, height uint32, medianTimePast int64) bool {
	if tx.Version < 2 {
		return true
	}

	for i, in := range tx.TxIn {
		if in.Sequence&sequenceLockTimeDisableFlag != 0 {
			continue
		}

		relative := in.Sequence & sequenceLockTimeMask
		if in.Sequence&sequenceLockTimeTypeFlag != 0 {
			requiredMTP := inputMTPs[i] + int64(relative)<<sequenceLockTimeGranularity
			if medianTimePast < requiredMTP {
				return false
			}
			continue
		}

		requiredHeight := inputHeights[i] + uint32(relative)
		if height < requiredHeight {
			return false
		}
	}
	return true
}
