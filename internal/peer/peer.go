// Package peer implements the session with a single remote peer.
package peer

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"
	"sync/atomic"
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
	"github.com/juju/ratelimit"
	"github.com/rcrowley/go-metrics"
)

var errInvalidHave = errors.New("invalid have message")

// Options for a peer session.
type Options struct {
	Info   *metainfo.Info
	PeerID [20]byte

	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	PieceReadTimeout time.Duration

	// Maximum number of in-flight requests to the peer.
	RequestQueueLength int
	// Requests that are not answered in this duration are canceled. Zero disables the timeout.
	RequestTimeout time.Duration
	// Maximum number of queued piece messages to the peer.
	MaxQueuedUploads int

	DownloadBucket, UploadBucket *ratelimit.Bucket
}

// Peer is a session with a remote peer.
// Exported methods are safe to call from other goroutines and never block.
type Peer struct {
	addr     net.Addr
	conn     net.Conn
	outgoing bool
	id       [20]byte
	opts     Options
	co       Coordinator

	stateM sync.Mutex
	state  State

	flags      atomic.Uint32
	optimistic atomic.Bool

	downloadSpeed metrics.EWMA
	uploadSpeed   metrics.EWMA

	// Accessed from the session goroutine only.
	pc       *peerconn.Conn
	requests map[piece.Request]time.Time

	cmdM   sync.Mutex
	cmds   []interface{}
	cmdC   chan struct{}
	closeC chan struct{}
	once   sync.Once
	doneC  chan struct{}

	log logger.Logger
}

type haveCmd struct{ index uint32 }
type cancelCmd struct{ req piece.Request }
type interestCmd struct{ value bool }
type chokeCmd struct{}
type unchokeCmd struct{}

// NewOutgoing returns a session that connects to addr when run.
func NewOutgoing(addr net.Addr, co Coordinator, opts Options) *Peer {
	return newPeer(addr, nil, true, co, opts, "peer -> ")
}

// NewIncoming returns a session for an accepted connection. The handshake is done when run.
func NewIncoming(conn net.Conn, co Coordinator, opts Options) *Peer {
	p := newPeer(conn.RemoteAddr(), conn, false, co, opts, "peer <- ")
	p.state = Handshaking
	return p
}

func newPeer(addr net.Addr, conn net.Conn, outgoing bool, co Coordinator, opts Options, arrow string) *Peer {
	p := &Peer{
		addr:          addr,
		conn:          conn,
		outgoing:      outgoing,
		opts:          opts,
		co:            co,
		state:         Connecting,
		downloadSpeed: metrics.NewEWMA1(),
		uploadSpeed:   metrics.NewEWMA1(),
		requests:      make(map[piece.Request]time.Time),
		cmdC:          make(chan struct{}, 1),
		closeC:        make(chan struct{}),
		doneC:         make(chan struct{}),
		log:           logger.New(arrow + addr.String()),
	}
	p.flags.Store(uint32(AmChoking | PeerChoking))
	return p
}

// String returns the remote address.
func (p *Peer) String() string {
	return p.addr.String()
}

// Addr returns the remote address.
func (p *Peer) Addr() net.Addr {
	return p.addr
}

// ID returns the peer id sent in handshake. It is valid after the session is established.
func (p *Peer) ID() [20]byte {
	return p.id
}

// Outgoing returns true if the connection is initiated by us.
func (p *Peer) Outgoing() bool {
	return p.outgoing
}

// Logger returns the logger of the session.
func (p *Peer) Logger() logger.Logger {
	return p.log
}

// State returns the connection state.
func (p *Peer) State() State {
	p.stateM.Lock()
	defer p.stateM.Unlock()
	return p.state
}

func (p *Peer) setState(s State) {
	p.stateM.Lock()
	defer p.stateM.Unlock()
	checkTransition(p.state, s)
	p.log.Debugf("state: %s -> %s", p.state, s)
	p.state = s
}

// Flags returns the current choke and interest flags.
func (p *Peer) Flags() Flags {
	return Flags(p.flags.Load())
}

func (p *Peer) setFlag(f Flags, value bool) (changed bool) {
	for {
		old := p.flags.Load()
		n := old &^ uint32(f)
		if value {
			n = old | uint32(f)
		}
		if n == old {
			return false
		}
		if p.flags.CompareAndSwap(old, n) {
			return true
		}
	}
}

// Choking returns true if we are choking the peer.
func (p *Peer) Choking() bool { return p.Flags().Has(AmChoking) }

// Interested returns true if the peer is interested in our pieces.
func (p *Peer) Interested() bool { return p.Flags().Has(PeerInterested) }

// Optimistic returns the value set by SetOptimistic.
func (p *Peer) Optimistic() bool { return p.optimistic.Load() }

// SetOptimistic marks the peer as optimistically unchoked.
func (p *Peer) SetOptimistic(value bool) { p.optimistic.Store(value) }

// DownloadSpeed returns the download rate from the peer in bytes/s.
func (p *Peer) DownloadSpeed() int { return int(p.downloadSpeed.Rate()) }

// UploadSpeed returns the upload rate to the peer in bytes/s.
func (p *Peer) UploadSpeed() int { return int(p.uploadSpeed.Rate()) }

// Tick updates speed averages. Must be called every 5 seconds.
func (p *Peer) Tick() {
	p.downloadSpeed.Tick()
	p.uploadSpeed.Tick()
}

// Choke the peer. Queued piece messages to the peer are dropped.
func (p *Peer) Choke() {
	if p.setFlag(AmChoking, true) {
		p.command(chokeCmd{})
	}
}

// Unchoke the peer.
func (p *Peer) Unchoke() {
	if p.setFlag(AmChoking, false) {
		p.command(unchokeCmd{})
	}
}

// SendHave tells the peer that we have the piece.
func (p *Peer) SendHave(index uint32) {
	p.command(haveCmd{index})
}

// SendCancel cancels the request if it is still in flight.
func (p *Peer) SendCancel(req piece.Request) {
	p.command(cancelCmd{req})
}

// SetInterested changes our interest in the peer.
func (p *Peer) SetInterested(value bool) {
	p.command(interestCmd{value})
}

func (p *Peer) command(cmd interface{}) {
	p.cmdM.Lock()
	p.cmds = append(p.cmds, cmd)
	p.cmdM.Unlock()
	select {
	case p.cmdC <- struct{}{}:
	default:
	}
}

// Close the session. Does not wait for the session goroutine to exit.
func (p *Peer) Close() {
	p.once.Do(func() { close(p.closeC) })
}

// Done is closed when Run returns.
func (p *Peer) Done() <-chan struct{} {
	return p.doneC
}

// Run the session until the connection is closed or Close is called.
func (p *Peer) Run(ctx context.Context) {
	defer close(p.doneC)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-p.closeC:
			cancel()
		case <-ctx.Done():
		}
	}()

	err := p.connect(ctx)
	if err != nil {
		p.log.Debugln("cannot connect:", err)
		if p.conn != nil {
			p.conn.Close()
		}
		p.setState(Closed)
		return
	}
	p.setState(Established)
	p.log.Infof("connected, peer id: %q", p.id[:8])

	bf, ok := p.co.PeerConnected(p)
	if !ok {
		p.conn.Close()
		p.setState(Closed)
		return
	}

	p.pc = peerconn.New(p.conn, p.log, p.opts.PieceReadTimeout, p.opts.Info.NumPieces, p.opts.MaxQueuedUploads, p.opts.DownloadBucket, p.opts.UploadBucket)
	go p.pc.Run()

	p.run(ctx, bf)

	p.pc.Close()
	p.co.PeerDisconnected(p)
	p.setState(Closed)
	p.log.Info("disconnected")
}

func (p *Peer) connect(ctx context.Context) error {
	var err error
	if p.outgoing {
		dialer := net.Dialer{Timeout: p.opts.DialTimeout}
		p.conn, err = dialer.DialContext(ctx, p.addr.Network(), p.addr.String())
		if err != nil {
			return err
		}
		p.setState(Handshaking)
		p.id, err = btconn.Handshake(ctx, p.conn, p.opts.HandshakeTimeout, p.opts.Info.Hash, p.opts.PeerID)
		return err
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			p.conn.Close()
		case <-done:
		}
	}()
	hasInfoHash := func(ih [20]byte) bool { return ih == p.opts.Info.Hash }
	p.id, _, err = btconn.Accept(p.conn, p.opts.HandshakeTimeout, hasInfoHash, p.opts.PeerID)
	return err
}

func (p *Peer) run(ctx context.Context, bf *bitfield.Bitfield) {
	if bf.Any() {
		p.pc.SendMessage(peerprotocol.BitfieldMessage{Data: bf.Bytes()})
	}

	var timeoutC <-chan time.Time
	if p.opts.RequestTimeout > 0 {
		ticker := time.NewTicker(p.opts.RequestTimeout / 2)
		defer ticker.Stop()
		timeoutC = ticker.C
	}

	for {
		select {
		case msg, ok := <-p.pc.Messages():
			if !ok {
				return
			}
			if err := p.handleMessage(msg); err != nil {
				p.log.Warningln("closing connection:", err)
				return
			}
		case <-p.cmdC:
			p.handleCommands()
		case <-timeoutC:
			p.cancelStaleRequests()
		case <-ctx.Done():
			return
		}
	}
}

func (p *Peer) handleMessage(msg interface{}) error {
	switch msg := msg.(type) {
	case peerreader.Piece:
		p.handlePiece(msg)
	case peerwriter.BlockUploaded:
		p.uploadSpeed.Update(int64(msg.Length))
		p.co.PeerUploaded(p, int64(msg.Length))
	case peerprotocol.HaveMessage:
		if msg.Index >= p.opts.Info.NumPieces {
			return errInvalidHave
		}
		if p.co.ReportHave(p, msg.Index) {
			p.setInterested(true)
		}
	case peerprotocol.BitfieldMessage:
		bf, err := bitfield.NewBytes(msg.Data, p.opts.Info.NumPieces)
		if err != nil {
			return err
		}
		p.log.Debugln("Received bitfield:", bf.Hex())
		p.setInterested(p.co.ReportBitfield(p, bf))
	case peerprotocol.RequestMessage:
		p.handleRequest(msg)
	case peerprotocol.CancelMessage:
		p.pc.CancelRequest(msg.RequestMessage)
	case peerprotocol.ChokeMessage:
		p.setFlag(PeerChoking, true)
		// Outstanding requests will not be answered.
		p.releaseRequests()
	case peerprotocol.UnchokeMessage:
		p.setFlag(PeerChoking, false)
		p.requestMore()
	case peerprotocol.InterestedMessage:
		if p.setFlag(PeerInterested, true) {
			p.co.PeerInterested(p)
		}
	case peerprotocol.NotInterestedMessage:
		p.setFlag(PeerInterested, false)
	default:
		p.log.Debugf("unhandled message: %#v", msg)
	}
	return nil
}

func (p *Peer) handlePiece(msg peerreader.Piece) {
	defer msg.Buffer.Release()
	req := piece.Request{Index: msg.Index, Begin: msg.Begin, Length: uint32(len(msg.Buffer.Data))}
	if _, ok := p.requests[req]; ok {
		delete(p.requests, req)
	} else {
		p.log.Debugf("received not requested block: %d/%d", req.Index, req.Begin)
	}
	p.downloadSpeed.Update(int64(req.Length))
	p.co.SubmitBlock(p, req, msg.Buffer.Data)
	p.requestMore()
}

func (p *Peer) handleRequest(msg peerprotocol.RequestMessage) {
	if p.Choking() {
		p.log.Debugln("ignoring request while choking:", msg.Index, msg.Begin)
		return
	}
	if msg.Index >= p.opts.Info.NumPieces {
		p.log.Debugln("ignoring request for invalid piece:", msg.Index)
		return
	}
	if msg.Length == 0 || msg.Length > piece.BlockSize {
		p.log.Debugln("ignoring request with invalid length:", msg.Length)
		return
	}
	if uint64(msg.Begin)+uint64(msg.Length) > uint64(p.opts.Info.PieceLen(msg.Index)) {
		p.log.Debugln("ignoring request out of piece bounds:", msg.Index, msg.Begin, msg.Length)
		return
	}
	if !p.co.HasPiece(msg.Index) {
		p.log.Debugln("ignoring request for missing piece:", msg.Index)
		return
	}
	p.pc.SendPiece(msg, p.co.BlockReader(msg.Index))
}

func (p *Peer) handleCommands() {
	p.cmdM.Lock()
	cmds := p.cmds
	p.cmds = nil
	p.cmdM.Unlock()
	for _, cmd := range cmds {
		switch cmd := cmd.(type) {
		case haveCmd:
			p.pc.SendMessage(peerprotocol.HaveMessage{Index: cmd.index})
		case cancelCmd:
			if _, ok := p.requests[cmd.req]; ok {
				delete(p.requests, cmd.req)
				p.pc.SendMessage(peerprotocol.CancelMessage{RequestMessage: requestMessage(cmd.req)})
			}
		case interestCmd:
			p.setInterested(cmd.value)
		case chokeCmd:
			p.pc.SendMessage(peerprotocol.ChokeMessage{})
		case unchokeCmd:
			p.pc.SendMessage(peerprotocol.UnchokeMessage{})
		}
	}
}

func (p *Peer) setInterested(value bool) {
	if !p.setFlag(AmInterested, value) {
		return
	}
	if value {
		p.pc.SendMessage(peerprotocol.InterestedMessage{})
		p.requestMore()
	} else {
		p.pc.SendMessage(peerprotocol.NotInterestedMessage{})
	}
}

func (p *Peer) requestMore() {
	f := p.Flags()
	if f.Has(PeerChoking) || !f.Has(AmInterested) {
		return
	}
	n := p.opts.RequestQueueLength - len(p.requests)
	if n <= 0 {
		return
	}
	now := time.Now()
	for _, req := range p.co.RequestWork(p, n) {
		p.requests[req] = now
		p.pc.SendMessage(requestMessage(req))
	}
}

func (p *Peer) cancelStaleRequests() {
	var stale []piece.Request
	deadline := time.Now().Add(-p.opts.RequestTimeout)
	for req, t := range p.requests {
		if t.Before(deadline) {
			stale = append(stale, req)
		}
	}
	if len(stale) == 0 {
		return
	}
	p.log.Warningf("peer is snubbed, canceling %d requests", len(stale))
	sortRequests(stale)
	for _, req := range stale {
		delete(p.requests, req)
		p.pc.SendMessage(peerprotocol.CancelMessage{RequestMessage: requestMessage(req)})
	}
	p.co.CancelRequests(p, stale)
	p.requestMore()
}

// releaseRequests gives every in-flight request back to the Coordinator.
func (p *Peer) releaseRequests() {
	if len(p.requests) == 0 {
		return
	}
	reqs := make([]piece.Request, 0, len(p.requests))
	for req := range p.requests {
		reqs = append(reqs, req)
	}
	sortRequests(reqs)
	p.requests = make(map[piece.Request]time.Time)
	p.co.CancelRequests(p, reqs)
}

func requestMessage(req piece.Request) peerprotocol.RequestMessage {
	return peerprotocol.RequestMessage{Index: req.Index, Begin: req.Begin, Length: req.Length}
}

func sortRequests(reqs []piece.Request) {
	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].Index != reqs[j].Index {
			return reqs[i].Index < reqs[j].Index
		}
		return reqs[i].Begin < reqs[j].Begin
	})
}
