// Package peertransport binds a raw net.Conn speaking the Bitcoin wire
// protocol to the core's typed peer-message values: it decodes inbound
// wire.Message values and hands them to a Dispatcher, and encodes
// outbound getdata/getheaders requests back into wire messages. It does
// not implement core.Environment itself; node does, on top of Peers. The
// wire codec itself is `btcsuite/btcd/wire` — this package is only the
// adapter, not a reimplementation of the protocol.
package peertransport

import (
	"errors"
	"io"
	"net"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"

	"github.com/btcibd/node/core"
	"github.com/btcibd/node/core/types"
	"github.com/btcibd/node/download"
	"github.com/btcibd/node/internal/clog"
)

// Dispatcher is what a Peer hands every decoded inbound message to.
// node implements this by routing each message to the sync machine or
// recognizing and ignoring it.
type Dispatcher interface {
	OnHeaders(from core.PeerID, msg core.HeadersMsg)
	OnBlock(from core.PeerID, msg core.BlockMsg)
	OnInv(from core.PeerID, msg core.InvMsg)
	OnNotFound(from core.PeerID, msg core.NotFoundMsg)
	OnPing(from core.PeerID, msg core.PingMsg)
	OnDisconnect(from core.PeerID)
}

// Peer wraps one net.Conn running the Bitcoin wire protocol. Its
// session id (used as the core.PeerID / download.PeerID) is a
// randomly generated UUID rather than the remote address, so
// reconnects from the same address never collide with a still-draining
// former session.
type Peer struct {
	id       core.PeerID
	conn     net.Conn
	pver     uint32
	btcnet   wire.BitcoinNet
	disp     Dispatcher
	log      clog.Logger
	closeErr error
}

// Dial opens a connection to addr and wraps it as a Peer. It performs
// no Bitcoin handshake (Version/Verack) on the connection.
func Dial(addr string, params *chaincfg.Params, disp Dispatcher) (*Peer, error) {
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, err
	}
	return newPeer(conn, params, disp), nil
}

// Accept wraps an already-accepted inbound connection as a Peer.
func Accept(conn net.Conn, params *chaincfg.Params, disp Dispatcher) *Peer {
	return newPeer(conn, params, disp)
}

func newPeer(conn net.Conn, params *chaincfg.Params, disp Dispatcher) *Peer {
	id := core.PeerID(uuid.New().String())
	return &Peer{
		id:     id,
		conn:   conn,
		pver:   wire.ProtocolVersion,
		btcnet: params.Net,
		disp:   disp,
		log:    clog.New("module", "peertransport", "peer", string(id)),
	}
}

// ID returns this session's PeerID, suitable for use as a
// download.PeerID.
func (p *Peer) ID() core.PeerID { return p.id }

// AsDownloadPeerID is a convenience cast: download.PeerID and
// core.PeerID are both plain strings, but distinct named types so
// each package's signatures stay self-documenting.
func (p *Peer) AsDownloadPeerID() download.PeerID { return download.PeerID(p.id) }

// noReceiveTimeout is how long a peer may go without delivering any
// message before its connection is torn down.
const noReceiveTimeout = 20 * time.Minute

// ReadLoop blocks decoding wire messages off the connection and
// dispatching each to disp until the connection errors, closes, or
// goes noReceiveTimeout without a single message. It always returns a
// non-nil error (io.EOF on clean close): the loop ending is itself the
// signal, not a special zero-error case.
func (p *Peer) ReadLoop() error {
	defer p.disp.OnDisconnect(p.id)
	for {
		_ = p.conn.SetReadDeadline(time.Now().Add(noReceiveTimeout))
		msg, _, err := wire.ReadMessage(p.conn, p.pver, p.btcnet)
		if err != nil {
			p.closeErr = err
			return err
		}
		p.dispatch(msg)
	}
}

func (p *Peer) dispatch(msg wire.Message) {
	switch m := msg.(type) {
	case *wire.MsgHeaders:
		headers := make([]wire.BlockHeader, len(m.Headers))
		for i, h := range m.Headers {
			headers[i] = *h
		}
		p.disp.OnHeaders(p.id, core.HeadersMsg{Headers: headers})
	case *wire.MsgBlock:
		p.disp.OnBlock(p.id, core.BlockMsg{Block: m})
	case *wire.MsgInv:
		p.disp.OnInv(p.id, core.InvMsg{Entries: convertInv(m.InvList)})
	case *wire.MsgNotFound:
		p.disp.OnNotFound(p.id, core.NotFoundMsg{Entries: convertInv(m.InvList)})
	case *wire.MsgPing:
		p.disp.OnPing(p.id, core.PingMsg{Nonce: m.Nonce})
	case *wire.MsgPong, *wire.MsgAddr, *wire.MsgGetAddr, *wire.MsgVersion, *wire.MsgVerAck, *wire.MsgFeeFilter, *wire.MsgSendHeaders:
		// Recognized and ignored.
	default:
		p.log.Trace("ignoring unexpected message", "type", msg.Command())
	}
}

func convertInv(list []*wire.InvVect) []core.InvEntry {
	entries := make([]core.InvEntry, len(list))
	for i, iv := range list {
		entries[i] = core.InvEntry{Kind: invKindFromWire(iv.Type), Hash: types.Hash256(iv.Hash)}
	}
	return entries
}

func invKindFromWire(t wire.InvType) core.InvKind {
	switch t {
	case wire.InvTypeBlock:
		return core.InvBlock
	case wire.InvTypeWitnessTx:
		return core.InvWitnessTx
	case wire.InvTypeWitnessBlock:
		return core.InvWitnessBlock
	default:
		return core.InvTx
	}
}

func invKindToWire(k core.InvKind) wire.InvType {
	switch k {
	case core.InvBlock:
		return wire.InvTypeBlock
	case core.InvWitnessTx:
		return wire.InvTypeWitnessTx
	case core.InvWitnessBlock:
		return wire.InvTypeWitnessBlock
	default:
		return wire.InvTypeTx
	}
}

// SendGetData implements download.Sender: it encodes hashes as
// BLOCK inventory entries and writes a getdata message to the wire.
func (p *Peer) SendGetData(peer download.PeerID, hashes []types.Hash256) error {
	if download.PeerID(p.id) != peer {
		return errors.New("peertransport: getdata routed to wrong peer")
	}
	msg := wire.NewMsgGetData()
	for _, h := range hashes {
		if err := msg.AddInvVect(wire.NewInvVect(wire.InvTypeBlock, (*chainHash)(&h))); err != nil {
			return err
		}
	}
	return wire.WriteMessage(p.conn, msg, p.pver, p.btcnet)
}

// SendGetHeaders writes a getheaders message built from locator/stop.
func (p *Peer) SendGetHeaders(locator []types.Hash256, stop types.Hash256) error {
	msg := wire.NewMsgGetHeaders()
	msg.HashStop = stop
	for _, h := range locator {
		if err := msg.AddBlockLocatorHash((*chainHash)(&h)); err != nil {
			return err
		}
	}
	return wire.WriteMessage(p.conn, msg, p.pver, p.btcnet)
}

// SendPong replies to a ping with the same nonce.
func (p *Peer) SendPong(nonce uint64) error {
	return wire.WriteMessage(p.conn, wire.NewMsgPong(nonce), p.pver, p.btcnet)
}

// SendInv writes an inv message carrying entries.
func (p *Peer) SendInv(entries []core.InvEntry) error {
	msg := wire.NewMsgInv()
	for _, e := range entries {
		h := e.Hash
		if err := msg.AddInvVect(wire.NewInvVect(invKindToWire(e.Kind), (*chainHash)(&h))); err != nil {
			return err
		}
	}
	return wire.WriteMessage(p.conn, msg, p.pver, p.btcnet)
}

// Close shuts down the underlying connection.
func (p *Peer) Close() error {
	return p.conn.Close()
}

// chainHash is a local name for the wire package's expected pointer
// type, since types.Hash256 is already a type alias for
// chainhash.Hash and needs no further conversion, only a concrete
// pointer for AddInvVect/AddBlockLocatorHash's signatures.
type chainHash = types.Hash256

var _ io.Closer = (*Peer)(nil)
