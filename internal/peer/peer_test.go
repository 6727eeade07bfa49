package peer

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/drizzle/internal/bitfield"
	"github.com/cenkalti/drizzle/internal/btconn"
	"github.com/cenkalti/drizzle/internal/logger"
	"github.com/cenkalti/drizzle/internal/metainfo"
	"github.com/cenkalti/drizzle/internal/peerconn"
	"github.com/cenkalti/drizzle/internal/peerconn/peerreader"
	"github.com/cenkalti/drizzle/internal/peerconn/peerwriter"
	"github.com/cenkalti/drizzle/internal/peerprotocol"
	"github.com/cenkalti/drizzle/internal/piece"
	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	timeout     = 5 * time.Second
	pieceLength = 2 * piece.BlockSize
)

var (
	ourID    = [20]byte{1}
	remoteID = [20]byte{2}
)

type block struct {
	req  piece.Request
	data []byte
}

type fakeCoordinator struct {
	info *metainfo.Info
	data []byte

	m        sync.Mutex
	ours     *bitfield.Bitfield
	work     []piece.Request
	uploaded int64

	connected    chan *Peer
	disconnected chan *Peer
	blocks       chan block
	canceled     chan []piece.Request
	interested   chan *Peer
}

func newFakeCoordinator(info *metainfo.Info, data []byte) *fakeCoordinator {
	return &fakeCoordinator{
		info:         info,
		data:         data,
		ours:         bitfield.New(info.NumPieces),
		connected:    make(chan *Peer, 1),
		disconnected: make(chan *Peer, 1),
		blocks:       make(chan block, 10),
		canceled:     make(chan []piece.Request, 10),
		interested:   make(chan *Peer, 1),
	}
}

func (c *fakeCoordinator) PeerConnected(pe *Peer) (*bitfield.Bitfield, bool) {
	c.connected <- pe
	c.m.Lock()
	defer c.m.Unlock()
	return c.ours.Copy(), true
}

func (c *fakeCoordinator) PeerDisconnected(pe *Peer) { c.disconnected <- pe }

func (c *fakeCoordinator) ReportHave(pe *Peer, index uint32) bool {
	c.m.Lock()
	defer c.m.Unlock()
	return !c.ours.Test(index)
}

func (c *fakeCoordinator) ReportBitfield(pe *Peer, bf *bitfield.Bitfield) bool {
	c.m.Lock()
	defer c.m.Unlock()
	return c.ours.HasMissing(bf)
}

func (c *fakeCoordinator) RequestWork(pe *Peer, n int) []piece.Request {
	c.m.Lock()
	defer c.m.Unlock()
	if n > len(c.work) {
		n = len(c.work)
	}
	reqs := c.work[:n]
	c.work = c.work[n:]
	return reqs
}

func (c *fakeCoordinator) SubmitBlock(pe *Peer, req piece.Request, data []byte) {
	c.blocks <- block{req, append([]byte(nil), data...)}
}

func (c *fakeCoordinator) CancelRequests(pe *Peer, reqs []piece.Request) { c.canceled <- reqs }

func (c *fakeCoordinator) HasPiece(index uint32) bool {
	c.m.Lock()
	defer c.m.Unlock()
	return c.ours.Test(index)
}

func (c *fakeCoordinator) BlockReader(index uint32) io.ReaderAt {
	begin := int64(index) * int64(c.info.PieceLength)
	return bytes.NewReader(c.data[begin : begin+int64(c.info.PieceLen(index))])
}

func (c *fakeCoordinator) PeerInterested(pe *Peer) { c.interested <- pe }

func (c *fakeCoordinator) PeerUploaded(pe *Peer, n int64) {
	c.m.Lock()
	c.uploaded += n
	c.m.Unlock()
}

func newTestInfo(t *testing.T) (*metainfo.Info, []byte) {
	data := make([]byte, 2*pieceLength)
	for i := range data {
		data[i] = byte(i % 251)
	}
	b, err := metainfo.NewInfoBytes("test", []metainfo.FileDict{{Length: int64(len(data))}}, pieceLength, bytes.NewReader(data))
	require.NoError(t, err)
	info, err := metainfo.NewInfo(b)
	require.NoError(t, err)
	return info, data
}

func testOptions(info *metainfo.Info) Options {
	return Options{
		Info:               info,
		PeerID:             ourID,
		DialTimeout:        timeout,
		HandshakeTimeout:   timeout,
		PieceReadTimeout:   timeout,
		RequestQueueLength: 4,
	}
}

// listenRemote accepts a single connection and completes the handshake as the remote peer.
func listenRemote(t *testing.T, infoHash [20]byte, numPieces uint32) (net.Addr, <-chan *peerconn.Conn) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	connC := make(chan *peerconn.Conn, 1)
	go func() {
		defer l.Close()
		conn, err := l.Accept()
		if err != nil {
			return
		}
		_, _, err = btconn.Accept(conn, timeout, func(ih [20]byte) bool { return ih == infoHash }, remoteID)
		if err != nil {
			conn.Close()
			return
		}
		pc := peerconn.New(conn, logger.New("remote"), timeout, numPieces, 0, nil, nil)
		go pc.Run()
		connC <- pc
	}()
	return l.Addr(), connC
}

// dialRemote connects to a session accepted by the listener as the remote peer.
func dialRemote(t *testing.T, l net.Listener, infoHash [20]byte, numPieces uint32) (net.Conn, <-chan *peerconn.Conn) {
	connC := make(chan *peerconn.Conn, 1)
	go func() {
		conn, _, err := btconn.Dial(context.Background(), l.Addr(), timeout, timeout, infoHash, remoteID)
		if err != nil {
			close(connC)
			return
		}
		pc := peerconn.New(conn, logger.New("remote"), timeout, numPieces, 0, nil, nil)
		go pc.Run()
		connC <- pc
	}()
	conn, err := l.Accept()
	require.NoError(t, err)
	return conn, connC
}

func receiveConn(t *testing.T, connC <-chan *peerconn.Conn) *peerconn.Conn {
	select {
	case pc, ok := <-connC:
		require.True(t, ok)
		return pc
	case <-time.After(timeout):
		t.Fatal("timeout")
	}
	return nil
}

// nextMessage returns the next message received by the remote, skipping upload notifications.
func nextMessage(t *testing.T, pc *peerconn.Conn) interface{} {
	for {
		select {
		case msg, ok := <-pc.Messages():
			require.True(t, ok, "connection closed")
			if _, ok := msg.(peerwriter.BlockUploaded); ok {
				continue
			}
			return msg
		case <-time.After(timeout):
			t.Fatal("timeout")
		}
	}
}

func receive[T any](t *testing.T, c <-chan T) T {
	select {
	case v := <-c:
		return v
	case <-time.After(timeout):
		t.Fatal("timeout")
	}
	var zero T
	return zero
}

func waitDone(t *testing.T, p *Peer) {
	select {
	case <-p.Done():
	case <-time.After(timeout):
		t.Fatal("session is not closed")
	}
}

func TestDownloadBlock(t *testing.T) {
	defer leaktest.Check(t)()
	info, data := newTestInfo(t)
	co := newFakeCoordinator(info, data)
	co.work = []piece.Request{{Index: 1, Begin: 0, Length: piece.BlockSize}}

	addr, connC := listenRemote(t, info.Hash, info.NumPieces)
	p := NewOutgoing(addr, co, testOptions(info))
	assert.Equal(t, Connecting, p.State())
	go p.Run(context.Background())

	rc := receiveConn(t, connC)
	defer rc.Close()
	assert.Equal(t, p, receive(t, co.connected))
	assert.Equal(t, Established, p.State())
	assert.Equal(t, remoteID, p.ID())

	rc.SendMessage(peerprotocol.BitfieldMessage{Data: []byte{0xc0}})
	assert.Equal(t, peerprotocol.InterestedMessage{}, nextMessage(t, rc))
	rc.SendMessage(peerprotocol.UnchokeMessage{})
	assert.Equal(t, peerprotocol.RequestMessage{Index: 1, Begin: 0, Length: piece.BlockSize}, nextMessage(t, rc))

	rc.SendPiece(peerprotocol.RequestMessage{Index: 1, Begin: 0, Length: piece.BlockSize}, bytes.NewReader(data[pieceLength:]))
	b := receive(t, co.blocks)
	assert.Equal(t, piece.Request{Index: 1, Begin: 0, Length: piece.BlockSize}, b.req)
	assert.Equal(t, data[pieceLength:pieceLength+piece.BlockSize], b.data)
	assert.True(t, p.Flags().Has(AmInterested|AmChoking))
	assert.False(t, p.Flags().Has(PeerChoking))

	p.Close()
	waitDone(t, p)
	assert.Equal(t, p, receive(t, co.disconnected))
	assert.Equal(t, Closed, p.State())
}

func TestChokeReleasesRequests(t *testing.T) {
	defer leaktest.Check(t)()
	info, data := newTestInfo(t)
	co := newFakeCoordinator(info, data)
	co.work = []piece.Request{
		{Index: 0, Begin: 0, Length: piece.BlockSize},
		{Index: 0, Begin: piece.BlockSize, Length: piece.BlockSize},
	}

	addr, connC := listenRemote(t, info.Hash, info.NumPieces)
	p := NewOutgoing(addr, co, testOptions(info))
	go p.Run(context.Background())
	rc := receiveConn(t, connC)
	defer rc.Close()
	receive(t, co.connected)

	rc.SendMessage(peerprotocol.HaveMessage{Index: 0})
	assert.Equal(t, peerprotocol.InterestedMessage{}, nextMessage(t, rc))
	rc.SendMessage(peerprotocol.UnchokeMessage{})
	nextMessage(t, rc)
	nextMessage(t, rc)

	rc.SendMessage(peerprotocol.ChokeMessage{})
	assert.Equal(t, []piece.Request{
		{Index: 0, Begin: 0, Length: piece.BlockSize},
		{Index: 0, Begin: piece.BlockSize, Length: piece.BlockSize},
	}, receive(t, co.canceled))

	p.Close()
	waitDone(t, p)
	receive(t, co.disconnected)
}

func TestLateBitfieldClosesSession(t *testing.T) {
	defer leaktest.Check(t)()
	info, data := newTestInfo(t)
	co := newFakeCoordinator(info, data)

	addr, connC := listenRemote(t, info.Hash, info.NumPieces)
	p := NewOutgoing(addr, co, testOptions(info))
	go p.Run(context.Background())
	rc := receiveConn(t, connC)
	defer rc.Close()
	receive(t, co.connected)

	rc.SendMessage(peerprotocol.UnchokeMessage{})
	rc.SendMessage(peerprotocol.BitfieldMessage{Data: []byte{0xc0}})
	waitDone(t, p)
	receive(t, co.disconnected)
	assert.Equal(t, Closed, p.State())
}

func TestInvalidHaveClosesSession(t *testing.T) {
	defer leaktest.Check(t)()
	info, data := newTestInfo(t)
	co := newFakeCoordinator(info, data)

	addr, connC := listenRemote(t, info.Hash, info.NumPieces)
	p := NewOutgoing(addr, co, testOptions(info))
	go p.Run(context.Background())
	rc := receiveConn(t, connC)
	defer rc.Close()
	receive(t, co.connected)

	rc.SendMessage(peerprotocol.HaveMessage{Index: 2})
	waitDone(t, p)
	receive(t, co.disconnected)
}

func TestUpload(t *testing.T) {
	defer leaktest.Check(t)()
	info, data := newTestInfo(t)
	co := newFakeCoordinator(info, data)
	co.ours.Set(0)
	co.ours.Set(1)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	conn, connC := dialRemote(t, l, info.Hash, info.NumPieces)
	p := NewIncoming(conn, co, testOptions(info))
	assert.Equal(t, Handshaking, p.State())
	assert.False(t, p.Outgoing())
	go p.Run(context.Background())

	rc := receiveConn(t, connC)
	defer rc.Close()
	receive(t, co.connected)
	assert.Equal(t, peerprotocol.BitfieldMessage{Data: []byte{0xc0}}, nextMessage(t, rc))

	// requests are ignored while choking
	rc.SendMessage(peerprotocol.RequestMessage{Index: 0, Begin: 0, Length: piece.BlockSize})
	rc.SendMessage(peerprotocol.InterestedMessage{})
	assert.Equal(t, p, receive(t, co.interested))

	p.Unchoke()
	assert.Equal(t, peerprotocol.UnchokeMessage{}, nextMessage(t, rc))
	assert.False(t, p.Choking())
	assert.True(t, p.Interested())

	// invalid requests are ignored without closing the connection
	rc.SendMessage(peerprotocol.RequestMessage{Index: 0, Begin: 0, Length: 2 * piece.BlockSize})
	rc.SendMessage(peerprotocol.RequestMessage{Index: 1, Begin: pieceLength, Length: piece.BlockSize})
	rc.SendMessage(peerprotocol.RequestMessage{Index: 1, Begin: piece.BlockSize, Length: piece.BlockSize})

	msg := nextMessage(t, rc)
	pi, ok := msg.(peerreader.Piece)
	require.True(t, ok, "unexpected message: %#v", msg)
	assert.Equal(t, uint32(1), pi.Index)
	assert.Equal(t, uint32(piece.BlockSize), pi.Begin)
	assert.Equal(t, data[pieceLength+piece.BlockSize:], pi.Buffer.Data)
	pi.Buffer.Release()

	p.SendHave(1)
	assert.Equal(t, peerprotocol.HaveMessage{Index: 1}, nextMessage(t, rc))

	assert.Eventually(t, func() bool {
		co.m.Lock()
		defer co.m.Unlock()
		return co.uploaded == piece.BlockSize
	}, timeout, 10*time.Millisecond)

	p.Close()
	waitDone(t, p)
	receive(t, co.disconnected)
}

func TestWrongInfoHash(t *testing.T) {
	defer leaktest.Check(t)()
	info, data := newTestInfo(t)
	co := newFakeCoordinator(info, data)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	conn, connC := dialRemote(t, l, [20]byte{0xff}, info.NumPieces)
	p := NewIncoming(conn, co, testOptions(info))
	go p.Run(context.Background())

	waitDone(t, p)
	_, ok := <-connC
	assert.False(t, ok)
	assert.Equal(t, Closed, p.State())
	assert.Empty(t, co.connected)
}

func TestRequestTimeout(t *testing.T) {
	defer leaktest.Check(t)()
	info, data := newTestInfo(t)
	co := newFakeCoordinator(info, data)
	co.work = []piece.Request{{Index: 0, Begin: 0, Length: piece.BlockSize}}

	addr, connC := listenRemote(t, info.Hash, info.NumPieces)
	opts := testOptions(info)
	opts.RequestTimeout = 100 * time.Millisecond
	p := NewOutgoing(addr, co, opts)
	go p.Run(context.Background())
	rc := receiveConn(t, connC)
	defer rc.Close()
	receive(t, co.connected)

	rc.SendMessage(peerprotocol.BitfieldMessage{Data: []byte{0xc0}})
	rc.SendMessage(peerprotocol.UnchokeMessage{})
	assert.Equal(t, peerprotocol.InterestedMessage{}, nextMessage(t, rc))
	req := peerprotocol.RequestMessage{Index: 0, Begin: 0, Length: piece.BlockSize}
	assert.Equal(t, req, nextMessage(t, rc))

	// the remote never answers
	assert.Equal(t, peerprotocol.CancelMessage{RequestMessage: req}, nextMessage(t, rc))
	assert.Equal(t, []piece.Request{{Index: 0, Begin: 0, Length: piece.BlockSize}}, receive(t, co.canceled))

	p.Close()
	waitDone(t, p)
	receive(t, co.disconnected)
}

func TestDialFailure(t *testing.T) {
	defer leaktest.Check(t)()
	info, data := newTestInfo(t)
	co := newFakeCoordinator(info, data)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr()
	l.Close()

	p := NewOutgoing(addr, co, testOptions(info))
	p.Run(context.Background())
	assert.Equal(t, Closed, p.State())
	assert.Empty(t, co.connected)
}

func TestStateTransitions(t *testing.T) {
	assert.NotPanics(t, func() { checkTransition(Connecting, Handshaking) })
	assert.NotPanics(t, func() { checkTransition(Handshaking, Closed) })
	assert.Panics(t, func() { checkTransition(Connecting, Established) })
	assert.Panics(t, func() { checkTransition(Closed, Established) })
	assert.Panics(t, func() { checkTransition(Established, Handshaking) })
	assert.Equal(t, "established", Established.String())
}

func TestFlags(t *testing.T) {
	f := AmChoking | PeerInterested
	assert.True(t, f.Has(AmChoking))
	assert.False(t, f.Has(AmChoking|PeerChoking))
	assert.Equal(t, "am_choking|peer_interested", f.String())
	assert.Equal(t, "", Flags(0).String())
}
