package piecepicker

import (
	"github.com/cenkalti/drizzle/internal/piece"
	"github.com/google/btree"
)

// PartialPiece is a piece that has at least one block out of Free state.
type PartialPiece struct {
	Index  uint32
	Length uint32
	Blocks []Block

	// Set when the piece is reserved for a peer on parole.
	// Other peers are not allowed to contribute blocks to an exclusive piece.
	exclusive Peer
}

var _ btree.Item = (*PartialPiece)(nil)

func newPartialPiece(index, length uint32) *PartialPiece {
	pb := piece.Blocks(length)
	blocks := make([]Block, len(pb))
	for i := range pb {
		blocks[i].Block = pb[i]
	}
	return &PartialPiece{
		Index:  index,
		Length: length,
		Blocks: blocks,
	}
}

// Less orders partial pieces by index in the btree.
func (p *PartialPiece) Less(than btree.Item) bool {
	return p.Index < than.(*PartialPiece).Index
}

// Exclusive returns the peer that the piece is reserved for, or nil.
func (p *PartialPiece) Exclusive() Peer {
	return p.exclusive
}

// Count returns the number of blocks in state s.
func (p *PartialPiece) Count(s BlockState) int {
	var n int
	for i := range p.Blocks {
		if p.Blocks[i].State == s {
			n++
		}
	}
	return n
}

func (p *PartialPiece) block(begin, length uint32) *Block {
	idx := begin / piece.BlockSize
	if begin%piece.BlockSize != 0 || idx >= uint32(len(p.Blocks)) {
		return nil
	}
	b := &p.Blocks[idx]
	if b.Length != length {
		return nil
	}
	return b
}

func (p *PartialPiece) idle() bool {
	return p.Count(Free) == len(p.Blocks)
}

// contributors returns the distinct peers that sent the Received blocks of the piece.
func (p *PartialPiece) contributors() []Peer {
	var ret []Peer
	for i := range p.Blocks {
		from := p.Blocks[i].from
		if from == nil || containsPeer(ret, from) {
			continue
		}
		ret = append(ret, from)
	}
	return ret
}

// sender returns the peer that sent all blocks of the piece, or nil.
func (p *PartialPiece) sender() Peer {
	var ret Peer
	for i := range p.Blocks {
		from := p.Blocks[i].from
		if from == nil || (ret != nil && ret != from) {
			return nil
		}
		ret = from
	}
	return ret
}

func containsPeer(l []Peer, pe Peer) bool {
	for _, p := range l {
		if p == pe {
			return true
		}
	}
	return false
}
