package peerconn

import (
	"bytes"
	"encoding/binary"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/cenkalti/drizzle/internal/logger"
	"github.com/cenkalti/drizzle/internal/peerconn/peerreader"
	"github.com/cenkalti/drizzle/internal/peerconn/peerwriter"
	"github.com/cenkalti/drizzle/internal/peerprotocol"
	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	timeout   = 5 * time.Second
	numPieces = 8
)

func newPair(t *testing.T) (*Conn, *Conn) {
	c1, c2 := net.Pipe()
	a := New(c1, logger.New("a"), timeout, numPieces, 0, nil, nil)
	b := New(c2, logger.New("b"), timeout, numPieces, 0, nil, nil)
	go a.Run()
	go b.Run()
	return a, b
}

func receive(t *testing.T, c *Conn) interface{} {
	select {
	case msg, ok := <-c.Messages():
		require.True(t, ok, "connection closed")
		return msg
	case <-time.After(timeout):
		t.Fatal("timeout")
	}
	return nil
}

func frame(id peerprotocol.MessageID, payload []byte) []byte {
	b := make([]byte, 5+len(payload))
	binary.BigEndian.PutUint32(b, uint32(1+len(payload)))
	b[4] = byte(id)
	copy(b[5:], payload)
	return b
}

func TestMessages(t *testing.T) {
	defer leaktest.Check(t)()
	a, b := newPair(t)
	defer a.Close()
	defer b.Close()

	a.SendMessage(peerprotocol.BitfieldMessage{Data: []byte{0xa0}})
	a.SendMessage(peerprotocol.InterestedMessage{})
	a.SendMessage(peerprotocol.HaveMessage{Index: 7})
	a.SendMessage(peerprotocol.RequestMessage{Index: 1, Begin: 2, Length: 3})

	assert.Equal(t, peerprotocol.BitfieldMessage{Data: []byte{0xa0}}, receive(t, b))
	assert.Equal(t, peerprotocol.InterestedMessage{}, receive(t, b))
	assert.Equal(t, peerprotocol.HaveMessage{Index: 7}, receive(t, b))
	assert.Equal(t, peerprotocol.RequestMessage{Index: 1, Begin: 2, Length: 3}, receive(t, b))
}

func TestSendPiece(t *testing.T) {
	defer leaktest.Check(t)()
	a, b := newPair(t)
	defer a.Close()
	defer b.Close()

	data := bytes.NewReader([]byte("0123456789"))
	a.SendPiece(peerprotocol.RequestMessage{Index: 3, Begin: 2, Length: 4}, data)

	msg := receive(t, b)
	pi, ok := msg.(peerreader.Piece)
	require.True(t, ok)
	assert.Equal(t, uint32(3), pi.Index)
	assert.Equal(t, uint32(2), pi.Begin)
	assert.Equal(t, []byte("2345"), pi.Buffer.Data)
	pi.Buffer.Release()

	assert.Equal(t, peerwriter.BlockUploaded{Index: 3, Begin: 2, Length: 4}, receive(t, a))
}

func TestLateBitfieldClosesConnection(t *testing.T) {
	defer leaktest.Check(t)()
	c1, c2 := net.Pipe()
	defer c2.Close()
	b := New(c1, logger.New("b"), timeout, numPieces, 0, nil, nil)
	go b.Run()
	defer func() { <-b.Done() }()

	go func() {
		_, _ = c2.Write(frame(peerprotocol.Unchoke, nil))
		// unknown message is skipped
		_, _ = c2.Write(frame(20, []byte("ext")))
		_, _ = c2.Write(frame(peerprotocol.Bitfield, []byte{0xff}))
	}()

	assert.Equal(t, peerprotocol.UnchokeMessage{}, receive(t, b))
	select {
	case _, ok := <-b.Messages():
		assert.False(t, ok)
	case <-time.After(timeout):
		t.Fatal("connection is not closed")
	}
}

func TestOversizedPieceClosesConnection(t *testing.T) {
	defer leaktest.Check(t)()
	c1, c2 := net.Pipe()
	defer c2.Close()
	b := New(c1, logger.New("b"), timeout, numPieces, 0, nil, nil)
	go b.Run()
	defer func() { <-b.Done() }()

	go func() {
		var hdr [13]byte
		binary.BigEndian.PutUint32(hdr[0:4], 1+8+32*1024)
		hdr[4] = byte(peerprotocol.Piece)
		_, _ = c2.Write(hdr[:])
	}()

	select {
	case _, ok := <-b.Messages():
		assert.False(t, ok)
	case <-time.After(timeout):
		t.Fatal("connection is not closed")
	}
}

func TestInvalidBitfieldLengthClosesConnection(t *testing.T) {
	for _, length := range []uint32{0xFFFFFFF0, 2} {
		t.Run(strconv.FormatUint(uint64(length), 10), func(t *testing.T) {
			defer leaktest.Check(t)()
			c1, c2 := net.Pipe()
			defer c2.Close()
			b := New(c1, logger.New("b"), timeout, numPieces, 0, nil, nil)
			go b.Run()
			defer func() { <-b.Done() }()

			go func() {
				var hdr [5]byte
				binary.BigEndian.PutUint32(hdr[0:4], 1+length)
				hdr[4] = byte(peerprotocol.Bitfield)
				_, _ = c2.Write(hdr[:])
			}()

			select {
			case _, ok := <-b.Messages():
				assert.False(t, ok)
			case <-time.After(timeout):
				t.Fatal("connection is not closed")
			}
		})
	}
}
