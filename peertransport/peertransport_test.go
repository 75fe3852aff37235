package peertransport

import (
	"net"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btcibd/node/core"
	"github.com/btcibd/node/core/types"
	"github.com/btcibd/node/download"
)

// recordingDispatcher captures every callback Peer.ReadLoop invokes,
// so tests can assert on what was decoded without a real sync machine.
type recordingDispatcher struct {
	headers    []core.HeadersMsg
	blocks     []core.BlockMsg
	pings      []core.PingMsg
	notFound   []core.NotFoundMsg
	disconnect bool
}

func (d *recordingDispatcher) OnHeaders(from core.PeerID, msg core.HeadersMsg) {
	d.headers = append(d.headers, msg)
}
func (d *recordingDispatcher) OnBlock(from core.PeerID, msg core.BlockMsg) {
	d.blocks = append(d.blocks, msg)
}
func (d *recordingDispatcher) OnInv(from core.PeerID, msg core.InvMsg) {}
func (d *recordingDispatcher) OnNotFound(from core.PeerID, msg core.NotFoundMsg) {
	d.notFound = append(d.notFound, msg)
}
func (d *recordingDispatcher) OnPing(from core.PeerID, msg core.PingMsg) {
	d.pings = append(d.pings, msg)
}
func (d *recordingDispatcher) OnDisconnect(from core.PeerID) { d.disconnect = true }

func pipePeers(t *testing.T) (*Peer, *Peer, *recordingDispatcher) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	disp := &recordingDispatcher{}
	client := Accept(clientConn, &chaincfg.MainNetParams, &recordingDispatcher{})
	server := Accept(serverConn, &chaincfg.MainNetParams, disp)
	return client, server, disp
}

func TestSendGetDataRejectsWrongPeer(t *testing.T) {
	client, _, _ := pipePeers(t)
	defer client.Close()

	err := client.SendGetData(download.PeerID("someone-else"), []types.Hash256{{}})
	assert.Error(t, err)
}

func TestSendGetDataWritesGetDataMessage(t *testing.T) {
	client, server, _ := pipePeers(t)
	defer client.Close()
	defer server.Close()

	var hash types.Hash256
	hash[0] = 0xAB

	go func() {
		_ = client.SendGetData(client.AsDownloadPeerID(), []types.Hash256{hash})
	}()

	msg, _, err := wire.ReadMessage(server.conn, server.pver, server.btcnet)
	require.NoError(t, err)
	getData, ok := msg.(*wire.MsgGetData)
	require.True(t, ok)
	require.Len(t, getData.InvList, 1)
	assert.Equal(t, wire.InvTypeBlock, getData.InvList[0].Type)
	assert.EqualValues(t, hash, getData.InvList[0].Hash)
}

func TestReadLoopDispatchesHeaders(t *testing.T) {
	client, server, disp := pipePeers(t)
	defer client.Close()

	done := make(chan error, 1)
	go func() { done <- server.ReadLoop() }()

	msg := wire.NewMsgHeaders()
	require.NoError(t, msg.AddBlockHeader(&wire.BlockHeader{Version: 7}))
	require.NoError(t, wire.WriteMessage(client.conn, msg, client.pver, client.btcnet))

	require.Eventually(t, func() bool { return len(disp.headers) == 1 }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 7, disp.headers[0].Headers[0].Version)

	client.Close()
	<-done
	assert.True(t, disp.disconnect)
}

func TestReadLoopDispatchesPing(t *testing.T) {
	client, server, disp := pipePeers(t)
	defer client.Close()
	defer server.Close()

	go func() { _ = server.ReadLoop() }()

	require.NoError(t, wire.WriteMessage(client.conn, wire.NewMsgPing(42), client.pver, client.btcnet))

	require.Eventually(t, func() bool { return len(disp.pings) == 1 }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 42, disp.pings[0].Nonce)
}

func TestSendPongRoundTrips(t *testing.T) {
	client, server, _ := pipePeers(t)
	defer client.Close()
	defer server.Close()

	go func() { _ = server.SendPong(99) }()

	msg, _, err := wire.ReadMessage(client.conn, client.pver, client.btcnet)
	require.NoError(t, err)
	pong, ok := msg.(*wire.MsgPong)
	require.True(t, ok)
	assert.EqualValues(t, 99, pong.Nonce)
}
