package piecepicker

import (
	"fmt"

	"github.com/cenkalti/drizzle/internal/piece"
)

// BlockState is the download state of a single block.
type BlockState uint8

// Block states in the order they are normally visited.
const (
	Free BlockState = iota
	Requested
	Received
	Verified
)

var blockStateStrings = [...]string{
	Free:      "free",
	Requested: "requested",
	Received:  "received",
	Verified:  "verified",
}

func (s BlockState) String() string {
	if int(s) < len(blockStateStrings) {
		return blockStateStrings[s]
	}
	return fmt.Sprintf("BlockState(%d)", s)
}

// legal[from][to] is true if the transition is allowed.
var legal = [4][4]bool{
	Free:      {Requested: true},
	Requested: {Free: true, Received: true},
	Received:  {Free: true, Verified: true},
}

// Block is a block of a partial piece with its download state.
type Block struct {
	piece.Block
	State BlockState

	// Peers that the block is currently requested from.
	// More than one only in end-game.
	requested []Peer

	// Peer that sent the block. Nil for blocks restored from resume data.
	from Peer
}

func (b *Block) setState(s BlockState) {
	if !legal[b.State][s] {
		panic(fmt.Sprintf("illegal block transition: %s -> %s", b.State, s))
	}
	b.State = s
}

func (b *Block) requestedFrom(pe Peer) bool {
	for _, r := range b.requested {
		if r == pe {
			return true
		}
	}
	return false
}

func (b *Block) removeRequester(pe Peer) {
	for i, r := range b.requested {
		if r == pe {
			b.requested[i] = b.requested[len(b.requested)-1]
			b.requested[len(b.requested)-1] = nil
			b.requested = b.requested[:len(b.requested)-1]
			return
		}
	}
}
