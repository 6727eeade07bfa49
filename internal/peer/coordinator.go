package peer

import (
	"io"

	"github.com/cenkalti/drizzle/internal/bitfield"
	"github.com/cenkalti/drizzle/internal/piece"
)

// Coordinator owns the state shared between peers of a torrent.
// Sessions never talk to each other; everything goes through the Coordinator.
// Methods are called from the session goroutine and may block.
type Coordinator interface {
	// PeerConnected is called once after the handshake.
	// Returns a copy of our bitfield, or false if the peer must be dropped.
	PeerConnected(pe *Peer) (*bitfield.Bitfield, bool)
	// PeerDisconnected releases every block requested from the peer.
	PeerDisconnected(pe *Peer)

	// ReportHave and ReportBitfield update the remote bitfield.
	// They return true if the peer has a piece that we don't have.
	ReportHave(pe *Peer, index uint32) bool
	ReportBitfield(pe *Peer, bf *bitfield.Bitfield) bool

	// RequestWork returns at most n blocks to request from the peer.
	RequestWork(pe *Peer, n int) []piece.Request
	// SubmitBlock is called with the data of a received block. data is not retained.
	SubmitBlock(pe *Peer, req piece.Request, data []byte)
	// CancelRequests returns blocks that are not going to be received from the peer.
	CancelRequests(pe *Peer, reqs []piece.Request)

	// HasPiece returns true if the piece is verified.
	HasPiece(index uint32) bool
	// BlockReader returns a reader for the data of a verified piece.
	BlockReader(index uint32) io.ReaderAt
	// PeerInterested is called when the peer becomes interested.
	PeerInterested(pe *Peer)
	// PeerUploaded is called after a block is sent to the peer.
	PeerUploaded(pe *Peer, n int64)
}
