package peerreader

import (
	"github.com/cenkalti/drizzle/internal/bufferpool"
	"github.com/cenkalti/drizzle/internal/peerprotocol"
)

// Piece message that is read from peers.
// Data of the piece is wrapped with a bufferpool.Buffer object.
// Receiver must call Buffer.Release when done with the data.
type Piece struct {
	peerprotocol.PieceMessage
	Buffer bufferpool.Buffer
}
