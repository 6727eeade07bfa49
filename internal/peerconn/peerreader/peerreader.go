// Package peerreader reads and decodes messages from a peer connection.
package peerreader

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/cenkalti/drizzle/internal/bufferpool"
	"github.com/cenkalti/drizzle/internal/logger"
	"github.com/cenkalti/drizzle/internal/peerprotocol"
	"github.com/cenkalti/drizzle/internal/piece"
	"github.com/juju/ratelimit"
)

const (
	// time to wait for a message. peer must send keep-alive messages to keep connection alive.
	readTimeout = 2 * time.Minute
	// length + msgid + requestmsg
	readBufferSize = 4 + 1 + 12
)

var (
	blockPool = bufferpool.New(piece.BlockSize)

	errStoppedWhileWaitingBucket = errors.New("peer reader stopped while waiting for bucket")
	errLateBitfield              = errors.New("bitfield can only be sent after handshake")
)

// PeerReader reads messages from a connection and sends them to a channel.
type PeerReader struct {
	conn         net.Conn
	r            io.Reader
	log          logger.Logger
	pieceTimeout time.Duration
	numPieces    uint32
	bucket       *ratelimit.Bucket
	messages     chan interface{}
	err          error
	stopC        chan struct{}
	doneC        chan struct{}
}

// New returns a new PeerReader. bucket may be nil for unlimited download speed.
// numPieces is used to validate the length of bitfield message.
func New(conn net.Conn, l logger.Logger, pieceTimeout time.Duration, numPieces uint32, b *ratelimit.Bucket) *PeerReader {
	return &PeerReader{
		conn:         conn,
		r:            bufio.NewReaderSize(conn, readBufferSize),
		log:          l,
		pieceTimeout: pieceTimeout,
		numPieces:    numPieces,
		bucket:       b,
		messages:     make(chan interface{}),
		stopC:        make(chan struct{}),
		doneC:        make(chan struct{}),
	}
}

// Messages returns the channel that decoded messages are sent to.
func (p *PeerReader) Messages() <-chan interface{} {
	return p.messages
}

// Stop the reader.
func (p *PeerReader) Stop() {
	close(p.stopC)
}

// Done is closed when the reader stops.
func (p *PeerReader) Done() chan struct{} {
	return p.doneC
}

// Err returns the error that stopped the reader. Must be called after Done is closed.
func (p *PeerReader) Err() error {
	return p.err
}

// Run reads messages until an error occurs or Stop is called.
func (p *PeerReader) Run() {
	defer close(p.doneC)

	var err error
	defer func() {
		p.err = err
		if err == nil {
			return
		} else if err == io.EOF { // peer closed the connection
			return
		} else if err == io.ErrUnexpectedEOF {
			return
		} else if err == errStoppedWhileWaitingBucket {
			return
		} else if _, ok := err.(*net.OpError); ok {
			return
		}
		select {
		case <-p.stopC: // don't log error if peer is stopped
		default:
			p.log.Warningln("closing connection:", err)
		}
	}()

	first := true
	for {
		err = p.conn.SetReadDeadline(time.Now().Add(readTimeout))
		if err != nil {
			return
		}

		var length uint32
		err = binary.Read(p.r, binary.BigEndian, &length)
		if err != nil {
			return
		}

		if length == 0 { // keep-alive message
			p.log.Debug("Received message of type \"keep alive\"")
			continue
		}

		var id peerprotocol.MessageID
		err = binary.Read(p.r, binary.BigEndian, &id)
		if err != nil {
			return
		}
		length--

		var msg interface{}

		switch id {
		case peerprotocol.Choke, peerprotocol.Unchoke, peerprotocol.Interested, peerprotocol.NotInterested:
			if length != 0 {
				err = fmt.Errorf("invalid %s message length: %d", id, length)
				return
			}
			p.log.Debugf("Received %s", id)
			switch id {
			case peerprotocol.Choke:
				msg = peerprotocol.ChokeMessage{}
			case peerprotocol.Unchoke:
				msg = peerprotocol.UnchokeMessage{}
			case peerprotocol.Interested:
				msg = peerprotocol.InterestedMessage{}
			default:
				msg = peerprotocol.NotInterestedMessage{}
			}
		case peerprotocol.Have:
			var hm peerprotocol.HaveMessage
			err = p.readPayload(length, &hm)
			if err != nil {
				return
			}
			msg = hm
		case peerprotocol.Bitfield:
			if !first {
				err = errLateBitfield
				return
			}
			if length != (p.numPieces+7)/8 {
				err = fmt.Errorf("invalid bitfield length: %d", length)
				return
			}
			var bm peerprotocol.BitfieldMessage
			bm.Data = make([]byte, length)
			_, err = io.ReadFull(p.r, bm.Data)
			if err != nil {
				return
			}
			msg = bm
		case peerprotocol.Request:
			var rm peerprotocol.RequestMessage
			err = p.readPayload(length, &rm)
			if err != nil {
				return
			}
			msg = rm
		case peerprotocol.Cancel:
			var cm peerprotocol.CancelMessage
			err = p.readPayload(length, &cm)
			if err != nil {
				return
			}
			msg = cm
		case peerprotocol.Piece:
			if length < 8 {
				err = fmt.Errorf("invalid piece message length: %d", length)
				return
			}
			var pm peerprotocol.PieceMessage
			err = binary.Read(p.r, binary.BigEndian, &pm)
			if err != nil {
				return
			}
			length -= 8
			if length > piece.BlockSize {
				err = fmt.Errorf("received a piece with block size larger than allowed (%d > %d)", length, piece.BlockSize)
				return
			}
			var buf bufferpool.Buffer
			buf, err = p.readPiece(length)
			if err != nil {
				return
			}
			msg = Piece{PieceMessage: pm, Buffer: buf}
		default:
			p.log.Debugf("unhandled message type: %s", id)
			p.log.Debugln("Discarding", length, "bytes...")
			_, err = io.CopyN(io.Discard, p.r, int64(length))
			if err != nil {
				return
			}
			continue
		}
		first = false
		select {
		case p.messages <- msg:
		case <-p.stopC:
			if pi, ok := msg.(Piece); ok {
				pi.Buffer.Release()
			}
			return
		}
	}
}

type binaryUnmarshaler interface {
	UnmarshalBinary([]byte) error
}

func (p *PeerReader) readPayload(length uint32, m binaryUnmarshaler) error {
	if length != 4 && length != 12 {
		return fmt.Errorf("invalid message length: %d", length)
	}
	var buf [12]byte
	if _, err := io.ReadFull(p.r, buf[:length]); err != nil {
		return err
	}
	return m.UnmarshalBinary(buf[:length])
}

func (p *PeerReader) readPiece(length uint32) (buf bufferpool.Buffer, err error) {
	buf = blockPool.Get(int(length))
	defer func() {
		if err != nil {
			buf.Release()
		}
	}()

	var n, m int
	for {
		if p.bucket != nil {
			d := p.bucket.Take(int64(length))
			select {
			case <-time.After(d):
			case <-p.stopC:
				err = errStoppedWhileWaitingBucket
				return
			}
		}

		err = p.conn.SetReadDeadline(time.Now().Add(p.pieceTimeout))
		if err != nil {
			return
		}
		n, err = io.ReadFull(p.r, buf.Data[m:])
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				// Peer didn't send the full block in allowed time.
				if n > 0 {
					// Some bytes received, peer appears to be slow, keep receiving the rest.
					m += n
					continue
				}
				// Disconnect if no bytes received.
				return
			}
			// Error other than timeout
			return
		}
		// Received full block.
		return
	}
}
