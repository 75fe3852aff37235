package syncfsm

import (
	"math/big"
	"sync"

	"github.com/btcsuite/btcd/wire"
	"github.com/holiman/uint256"

	"github.com/btcibd/node/consensus"
	"github.com/btcibd/node/core/types"
	"github.com/btcibd/node/internal/ibderr"
)

// HeaderSource is the event loop's window onto peers during the
// HEADERS phase. The wire encoding and peer selection themselves live
// outside the sync machine; this is only the interface it consumes
// from them.
type HeaderSource interface {
	// PollHeaders returns any newly received, contiguous header batch
	// along with whether every peer's reported tip has converged with
	// our own (no more new headers forthcoming). It only hands over
	// batches that have already arrived; it sends no getheaders request.
	PollHeaders() (headers []wire.BlockHeader, converged bool, err error)
}

// HeaderValidator is the narrow slice of core.Environment the header
// chain needs: each header is checked against its already-accepted
// parent before being appended to the in-memory tree.
type HeaderValidator interface {
	ValidateHeader(header *wire.BlockHeader, prevIndex *types.BlockIndexEntry) error
}

// headerChain is the in-memory header tree the event loop extends as
// headers are validated, accumulating total chain work so competing
// tips are comparable. Scope note: it checks each header's proof of
// work against the network's maximum target but does not reimplement
// Bitcoin's full per-block difficulty retarget algorithm — see
// DESIGN.md.
type headerChain struct {
	mu       sync.Mutex
	powLimit *big.Int
	validate HeaderValidator
	tip      uint32
	work     *uint256.Int
	hashes   map[uint32]types.Hash256
}

func newHeaderChain(powLimit *big.Int, validate HeaderValidator) *headerChain {
	return &headerChain{
		powLimit: powLimit,
		validate: validate,
		work:     new(uint256.Int),
		hashes:   make(map[uint32]types.Hash256),
	}
}

// seed positions the chain at a resume point: a tip height and hash
// recovered from the block index, so extension continues from where a
// prior run left off instead of from genesis. It is a no-op once the
// chain has started extending.
func (h *headerChain) seed(tip uint32, hash types.Hash256) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.tip != 0 || len(h.hashes) != 0 {
		return
	}
	h.tip = tip
	h.hashes[tip] = hash
}

// extend validates and appends a contiguous run of headers starting at
// tip+1, returning a BlockIndexEntry per accepted header (hash, height,
// header fields, cumulative work, VALID_HEADER status) for the caller
// to persist. Each header is checked against its already-accepted
// parent via HeaderValidator before the proof-of-work check; a
// rejection stops the run without advancing the tip past it.
func (h *headerChain) extend(headers []wire.BlockHeader) ([]types.BlockIndexEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	accepted := make([]types.BlockIndexEntry, 0, len(headers))
	for _, hdr := range headers {
		var prevIndex *types.BlockIndexEntry
		if prevHash, ok := h.hashes[h.tip]; ok {
			prevIndex = &types.BlockIndexEntry{Hash: prevHash, Height: h.tip}
		}
		if h.validate != nil {
			if err := h.validate.ValidateHeader(&hdr, prevIndex); err != nil {
				return accepted, ibderr.Wrap("headers", h.tip+1, ibderr.KindInvalidInput, err, "validate header")
			}
		}
		if err := consensus.CheckProofOfWork(&hdr, h.powLimit); err != nil {
			return accepted, ibderr.Wrap("headers", h.tip+1, ibderr.KindInvalidInput, err, "header proof of work")
		}

		work, err := consensus.Work(hdr.Bits)
		if err != nil {
			return accepted, ibderr.Wrap("headers", h.tip+1, ibderr.KindInvalidInput, err, "header work")
		}
		h.work.Add(h.work, work)

		h.tip++
		hash := hdr.BlockHash()
		h.hashes[h.tip] = hash

		entry := types.BlockIndexEntry{
			Hash:        hash,
			Height:      h.tip,
			PrevHash:    hdr.PrevBlock,
			Version:     hdr.Version,
			MerkleRoot:  hdr.MerkleRoot,
			Timestamp:   uint32(hdr.Timestamp.Unix()),
			Bits:        hdr.Bits,
			Nonce:       hdr.Nonce,
			TotalWork:   h.work.Bytes32(),
			StatusFlags: types.StatusValidHeader,
		}
		accepted = append(accepted, entry)
	}
	return accepted, nil
}

func (h *headerChain) Tip() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tip
}
