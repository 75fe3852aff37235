// Package core defines the boundary between the IBD pipeline and the
// outside world: the message values a peer transport hands the core,
// and the capability set the core calls back into for I/O. A concrete
// node wiring (see the node package) implements Environment once and
// hands the same value to every subsystem that needs to call back
// out.
package core

import (
	"github.com/btcsuite/btcd/wire"

	"github.com/btcibd/node/core/types"
)

// PeerID identifies a peer connection across the lifetime of a sync
// session. It says nothing about transport; peertransport is free to
// back it with a net.Conn, a test double, or a session UUID.
type PeerID string

// InvKind is the entry kind carried by an Inv or GetData message.
type InvKind uint32

const (
	InvTx InvKind = iota
	InvBlock
	InvWitnessTx
	InvWitnessBlock
)

// InvEntry is one (kind, hash) pair inside an Inv or GetData message.
type InvEntry struct {
	Kind InvKind
	Hash types.Hash256
}

// Peer message values consumed by the core. Wire encoding lives in
// peertransport, which turns bytes off a net.Conn into these values
// and back.
type (
	HeadersMsg struct {
		Headers []wire.BlockHeader
	}
	BlockMsg struct {
		Block *types.Block
	}
	InvMsg struct {
		Entries []InvEntry
	}
	GetDataMsg struct {
		Entries []InvEntry
	}
	GetHeadersMsg struct {
		Locator []types.Hash256
		Stop    types.Hash256
	}
	TxMsg struct {
		Tx *types.Tx
	}
	NotFoundMsg struct {
		Entries []InvEntry
	}
	PingMsg struct{ Nonce uint64 }
	PongMsg struct{ Nonce uint64 }
	// Addr, GetAddr, Version, Verack, and feature-negotiation messages
	// are recognized and ignored by the core; they carry no fields the
	// IBD pipeline reads.
	AddrMsg    struct{}
	GetAddrMsg struct{}
	VersionMsg struct{}
	VerackMsg  struct{}
)

// Environment is the capability set the core calls back into for every
// side effect it needs: peer I/O, storage, and chainstate.
// Apart from syncfsm.New, which accepts an Environment, nothing in
// download, syncfsm, validator, tracker, blockstore, or consensus
// takes this interface — each of those packages takes the one or two
// methods it needs as its own narrow interface (e.g. download.Sender).
// node.Node is the value that implements all of §6's callbacks and is
// handed to syncfsm.New.
type Environment interface {
	// SendGetData requests entries from peer.
	SendGetData(peer PeerID, entries []InvEntry) error
	// SendGetHeaders requests headers beyond locator from peer.
	SendGetHeaders(peer PeerID, locator []types.Hash256, stop types.Hash256) error
	// DisconnectPeer tears down peer's connection, citing reason in
	// logs.
	DisconnectPeer(peer PeerID, reason string) error

	// ValidateHeader checks header against consensus rules given its
	// already-indexed parent, without touching the block body.
	ValidateHeader(header *wire.BlockHeader, prevIndex *types.BlockIndexEntry) error

	// LoadBlockAtHeight returns the stored block body and hash at
	// height, or an ibderr missing-resource error if absent.
	LoadBlockAtHeight(height uint32) (*types.Block, types.Hash256, error)
	// GetStorageInfo reports current resident block-file bytes and the
	// configured prune target in bytes (0 meaning archival).
	GetStorageInfo() (usedBytes, pruneTargetBytes uint64)
	// FlushChainstate commits the chainstate database through newTip.
	FlushChainstate(newTip uint32) error
	// PruneBlockFiles removes block files at or below upTo, returning
	// the count removed.
	PruneBlockFiles(upTo uint32) (int, error)
	// GetValidatedHeight returns the chainstate's current validated
	// tip.
	GetValidatedHeight() uint32
	// FindConsecutiveStored returns the last height in an unbroken run
	// of stored blocks beginning at start.
	FindConsecutiveStored(start uint32) uint32
}
