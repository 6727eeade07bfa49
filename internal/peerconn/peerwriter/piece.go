package peerwriter

import (
	"encoding/binary"
	"io"

	"github.com/cenkalti/drizzle/internal/peerprotocol"
)

// Piece is a block to be uploaded. Data is read from the ReaderAt just before the message is written.
// Offsets are relative to the start of the piece.
type Piece struct {
	Data io.ReaderAt
	peerprotocol.RequestMessage
}

// ID returns the peer protocol message type.
func (p Piece) ID() peerprotocol.MessageID { return peerprotocol.Piece }

// MarshalBinary reads the block and returns the message payload.
func (p Piece) MarshalBinary() ([]byte, error) {
	b := make([]byte, 8+p.Length)
	binary.BigEndian.PutUint32(b[0:4], p.Index)
	binary.BigEndian.PutUint32(b[4:8], p.Begin)
	n, err := p.Data.ReadAt(b[8:], int64(p.Begin))
	if err == io.EOF && n == int(p.Length) {
		err = nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}
