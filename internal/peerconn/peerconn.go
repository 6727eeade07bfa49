// Package peerconn frames the peer protocol over an established connection.
package peerconn

import (
	"io"
	"net"
	"time"

	"github.com/cenkalti/drizzle/internal/logger"
	"github.com/cenkalti/drizzle/internal/peerconn/peerreader"
	"github.com/cenkalti/drizzle/internal/peerconn/peerwriter"
	"github.com/cenkalti/drizzle/internal/peerprotocol"
	"github.com/juju/ratelimit"
)

// Conn is a peer connection that provides a channel for receiving messages and methods for sending messages.
type Conn struct {
	conn     net.Conn
	reader   *peerreader.PeerReader
	writer   *peerwriter.PeerWriter
	messages chan interface{}
	log      logger.Logger
	closeC   chan struct{}
	doneC    chan struct{}
}

// New returns a new Conn by wrapping a net.Conn. Handshake must be completed before.
// Buckets may be nil for unlimited speed.
func New(conn net.Conn, l logger.Logger, pieceTimeout time.Duration, numPieces uint32, maxQueuedPieces int, br, bw *ratelimit.Bucket) *Conn {
	return &Conn{
		conn:     conn,
		reader:   peerreader.New(conn, l, pieceTimeout, numPieces, br),
		writer:   peerwriter.New(conn, l, maxQueuedPieces, bw),
		messages: make(chan interface{}),
		log:      l,
		closeC:   make(chan struct{}),
		doneC:    make(chan struct{}),
	}
}

// Addr returns the remote address of the peer.
func (p *Conn) Addr() net.Addr {
	return p.conn.RemoteAddr()
}

// String returns the remote address as string.
func (p *Conn) String() string {
	return p.conn.RemoteAddr().String()
}

// Close stops receiving and sending messages and closes underlying net.Conn.
// Close must be called once, after Run is started.
func (p *Conn) Close() {
	close(p.closeC)
	<-p.doneC
}

// Done is closed after Run returns.
func (p *Conn) Done() <-chan struct{} {
	return p.doneC
}

// Messages received from the peer will be sent to the channel returned.
// Received blocks are peerreader.Piece values. Uploaded blocks are reported as peerwriter.BlockUploaded.
// The channel and underlying net.Conn will be closed if any error occurs while receiving or sending.
func (p *Conn) Messages() <-chan interface{} {
	return p.messages
}

// SendMessage queues a message for sending.
func (p *Conn) SendMessage(msg peerprotocol.Message) {
	p.writer.SendMessage(msg)
}

// SendPiece queues a piece message for sending.
// Piece data is read just before the message is sent.
// Queued piece messages are dropped when a choke message is queued after them.
func (p *Conn) SendPiece(msg peerprotocol.RequestMessage, pi io.ReaderAt) {
	p.writer.SendPiece(msg, pi)
}

// CancelRequest removes previously queued piece message matching msg.
func (p *Conn) CancelRequest(msg peerprotocol.RequestMessage) {
	p.writer.CancelRequest(msg)
}

// Run starts receiving messages from peer and starts sending queued messages.
// If any error happens during receiving or sending messages,
// the connection and the underlying net.Conn will be closed.
func (p *Conn) Run() {
	defer close(p.doneC)
	defer close(p.messages)

	p.log.Debugln("Communicating peer", p.conn.RemoteAddr())

	go p.reader.Run()
	defer func() { <-p.reader.Done() }()

	go p.writer.Run()
	defer func() { <-p.writer.Done() }()

	defer p.conn.Close()
	for {
		select {
		case msg := <-p.reader.Messages():
			select {
			case p.messages <- msg:
			case <-p.closeC:
				if pi, ok := msg.(peerreader.Piece); ok {
					pi.Buffer.Release()
				}
				p.reader.Stop()
				p.writer.Stop()
				return
			}
		case msg := <-p.writer.Messages():
			select {
			case p.messages <- msg:
			case <-p.closeC:
				p.reader.Stop()
				p.writer.Stop()
				return
			}
		case <-p.closeC:
			p.reader.Stop()
			p.writer.Stop()
			return
		case <-p.reader.Done():
			p.writer.Stop()
			return
		case <-p.writer.Done():
			p.reader.Stop()
			return
		}
	}
}
