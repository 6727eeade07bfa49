// Package peerwriter queues and writes messages to a peer connection.
package peerwriter

import (
	"container/list"
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/cenkalti/drizzle/internal/logger"
	"github.com/cenkalti/drizzle/internal/peerprotocol"
	"github.com/juju/ratelimit"
)

const keepAlivePeriod = 2 * time.Minute

// PeerWriter keeps a queue of outgoing messages and writes them to the connection in order.
// Queued piece messages can be removed before they are written.
type PeerWriter struct {
	conn            net.Conn
	queueC          chan peerprotocol.Message
	cancelC         chan peerprotocol.RequestMessage
	writeQueue      *list.List
	queuedPieces    int
	maxQueuedPieces int
	writeC          chan peerprotocol.Message
	messages        chan interface{}
	bucket          *ratelimit.Bucket
	log             logger.Logger
	stopC           chan struct{}
	doneC           chan struct{}
}

// New returns a new PeerWriter. bucket may be nil for unlimited upload speed.
func New(conn net.Conn, l logger.Logger, maxQueuedPieces int, b *ratelimit.Bucket) *PeerWriter {
	return &PeerWriter{
		conn:            conn,
		queueC:          make(chan peerprotocol.Message),
		cancelC:         make(chan peerprotocol.RequestMessage),
		writeQueue:      list.New(),
		maxQueuedPieces: maxQueuedPieces,
		writeC:          make(chan peerprotocol.Message),
		messages:        make(chan interface{}),
		bucket:          b,
		log:             l,
		stopC:           make(chan struct{}),
		doneC:           make(chan struct{}),
	}
}

// Messages returns the channel that BlockUploaded events are sent to.
func (p *PeerWriter) Messages() <-chan interface{} {
	return p.messages
}

// SendMessage adds the message to the end of the queue.
func (p *PeerWriter) SendMessage(msg peerprotocol.Message) {
	select {
	case p.queueC <- msg:
	case <-p.doneC:
	}
}

// SendPiece queues a piece message. Block data is read from pi when the message is about to be written.
func (p *PeerWriter) SendPiece(msg peerprotocol.RequestMessage, pi io.ReaderAt) {
	m := Piece{Data: pi, RequestMessage: msg}
	select {
	case p.queueC <- m:
	case <-p.doneC:
	}
}

// CancelRequest removes the queued piece message matching msg, if it is not written yet.
func (p *PeerWriter) CancelRequest(msg peerprotocol.RequestMessage) {
	select {
	case p.cancelC <- msg:
	case <-p.doneC:
	}
}

// Stop the writer.
func (p *PeerWriter) Stop() {
	close(p.stopC)
}

// Done is closed when the writer stops.
func (p *PeerWriter) Done() chan struct{} {
	return p.doneC
}

// Run the queue loop until Stop is called or writing to the connection fails.
func (p *PeerWriter) Run() {
	defer close(p.doneC)

	writerDone := make(chan struct{})
	go p.messageWriter(writerDone)

	for {
		var (
			e      *list.Element
			msg    peerprotocol.Message
			writeC chan peerprotocol.Message
		)
		if p.writeQueue.Len() > 0 {
			e = p.writeQueue.Front()
			msg = e.Value.(peerprotocol.Message)
			writeC = p.writeC
		}
		select {
		case m := <-p.queueC:
			p.queueMessage(m)
		case writeC <- msg:
			p.remove(e)
		case cm := <-p.cancelC:
			p.cancelRequest(cm)
		case <-writerDone:
			return
		case <-p.stopC:
			return
		}
	}
}

func (p *PeerWriter) queueMessage(msg peerprotocol.Message) {
	switch msg.(type) {
	case peerprotocol.ChokeMessage:
		p.cancelQueuedPieceMessages()
	case Piece:
		if p.maxQueuedPieces > 0 && p.queuedPieces >= p.maxQueuedPieces {
			p.log.Debugln("piece queue is full, dropping request")
			return
		}
		p.queuedPieces++
	}
	p.writeQueue.PushBack(msg)
}

func (p *PeerWriter) remove(e *list.Element) {
	if _, ok := e.Value.(Piece); ok {
		p.queuedPieces--
	}
	p.writeQueue.Remove(e)
}

func (p *PeerWriter) cancelQueuedPieceMessages() {
	var next *list.Element
	for e := p.writeQueue.Front(); e != nil; e = next {
		next = e.Next()
		if _, ok := e.Value.(Piece); ok {
			p.remove(e)
		}
	}
}

func (p *PeerWriter) cancelRequest(cm peerprotocol.RequestMessage) {
	for e := p.writeQueue.Front(); e != nil; e = e.Next() {
		if pi, ok := e.Value.(Piece); ok && pi.RequestMessage == cm {
			p.remove(e)
			break
		}
	}
}

func (p *PeerWriter) messageWriter(doneC chan struct{}) {
	defer close(doneC)
	defer p.conn.Close()

	// Disable write deadline that is previously set by handshake.
	err := p.conn.SetWriteDeadline(time.Time{})
	if err != nil {
		p.log.Error(err)
		return
	}

	keepAliveTicker := time.NewTicker(keepAlivePeriod / 2)
	defer keepAliveTicker.Stop()

	for {
		select {
		case msg := <-p.writeC:
			payload, err := msg.MarshalBinary()
			if err != nil {
				p.log.Errorf("cannot marshal message [%v]: %s", msg.ID(), err.Error())
				return
			}
			if pi, ok := msg.(Piece); ok && p.bucket != nil {
				d := p.bucket.Take(int64(pi.Length))
				select {
				case <-time.After(d):
				case <-p.stopC:
					return
				}
			}
			buf := make([]byte, 4+1+len(payload))
			binary.BigEndian.PutUint32(buf[0:4], uint32(1+len(payload)))
			buf[4] = byte(msg.ID())
			copy(buf[5:], payload)
			_, err = p.conn.Write(buf)
			if _, ok := err.(*net.OpError); ok {
				p.log.Debugf("cannot write message [%v]: %s", msg.ID(), err.Error())
				return
			}
			if err != nil {
				p.log.Errorf("cannot write message [%v]: %s", msg.ID(), err.Error())
				return
			}
			if pi, ok := msg.(Piece); ok {
				select {
				case p.messages <- BlockUploaded{Index: pi.Index, Begin: pi.Begin, Length: pi.Length}:
				case <-p.stopC:
					return
				}
			}
		case <-keepAliveTicker.C:
			_, err := p.conn.Write([]byte{0, 0, 0, 0})
			if _, ok := err.(*net.OpError); ok {
				p.log.Debugf("cannot write keepalive message: %s", err.Error())
				return
			}
			if err != nil {
				p.log.Errorf("cannot write keepalive message: %s", err.Error())
				return
			}
		case <-p.stopC:
			return
		}
	}
}
