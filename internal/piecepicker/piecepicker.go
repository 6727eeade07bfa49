// Package piecepicker decides which blocks to request from which peer.
package piecepicker

import (
	"sort"

	"github.com/cenkalti/drizzle/internal/bitfield"
	"github.com/cenkalti/drizzle/internal/piece"
	"github.com/google/btree"
)

/*

Selection for a peer happens in three tiers:

  1. Free blocks of partial pieces that the peer has.
  2. Free blocks of new pieces that the peer has, started one at a time.
  3. End-game: blocks that are requested from other peers but not received yet.

Tier 3 is reached only when the first two cannot satisfy the request.
A block is never requested twice from the same peer.

Peers on parole skip tier 1 and 3, except for the pieces reserved for them.
A piece started by a paroled peer is exclusive to it until it verifies or the peer disconnects.

*/

// Peer is an opaque identity of a connected peer. Values must be comparable.
type Peer interface {
	String() string
}

// PiecePicker keeps the download state of blocks and selects blocks to request.
// PiecePicker is not safe for concurrent use.
type PiecePicker struct {
	numPieces uint32
	pieceLen  func(uint32) uint32
	verified  *bitfield.Bitfield
	ranker    Ranker

	// Partial pieces ordered by index.
	partials *btree.BTree
	byIndex  map[uint32]*PartialPiece

	// Blocks requested from each peer.
	requests map[Peer]map[piece.Request]struct{}

	// Number of connected peers having each piece.
	availability []int

	endgame bool
}

// New returns a new PiecePicker for numPieces pieces. pieceLen returns the length of the piece at index.
// verified is the bitfield of pieces that are already verified. MarkVerified sets bits on it.
func New(numPieces uint32, pieceLen func(uint32) uint32, verified *bitfield.Bitfield, ranker Ranker) *PiecePicker {
	if ranker == nil {
		ranker = IndexOrder{}
	}
	return &PiecePicker{
		numPieces:    numPieces,
		pieceLen:     pieceLen,
		verified:     verified,
		ranker:       ranker,
		partials:     btree.New(2),
		byIndex:      make(map[uint32]*PartialPiece),
		requests:     make(map[Peer]map[piece.Request]struct{}),
		availability: make([]int, numPieces),
	}
}

// Select returns at most n blocks to request from pe. have is the bitfield of the peer.
// Returned blocks are recorded as requested from pe.
func (p *PiecePicker) Select(pe Peer, have *bitfield.Bitfield, n int, parole bool) []piece.Request {
	if n <= 0 || p.verified.All() {
		return nil
	}
	var ret []piece.Request
	for _, i := range p.rank(p.eligiblePartials(pe, have, parole)) {
		ret = p.takeFree(pe, p.byIndex[i], ret, n)
		if len(ret) == n {
			return ret
		}
	}
	for _, i := range p.rank(p.newPieces(have)) {
		pp := p.startPiece(i)
		if parole {
			pp.exclusive = pe
		}
		p.endgame = false
		ret = p.takeFree(pe, pp, ret, n)
		if len(ret) == n {
			return ret
		}
	}
	if parole {
		return ret
	}
	for _, i := range p.rank(p.eligiblePartials(pe, have, false)) {
		before := len(ret)
		ret = p.takeDuplicate(pe, p.byIndex[i], ret, n)
		if len(ret) > before {
			p.endgame = true
		}
		if len(ret) == n {
			break
		}
	}
	return ret
}

func (p *PiecePicker) eligiblePartials(pe Peer, have *bitfield.Bitfield, parole bool) []uint32 {
	var ret []uint32
	p.partials.Ascend(func(i btree.Item) bool {
		pp := i.(*PartialPiece)
		if !have.Test(pp.Index) {
			return true
		}
		if pp.exclusive != nil && pp.exclusive != pe {
			return true
		}
		if parole && pp.exclusive != pe {
			return true
		}
		ret = append(ret, pp.Index)
		return true
	})
	return ret
}

func (p *PiecePicker) newPieces(have *bitfield.Bitfield) []uint32 {
	var ret []uint32
	for i := uint32(0); i < p.numPieces; i++ {
		if !have.Test(i) || p.verified.Test(i) {
			continue
		}
		if _, ok := p.byIndex[i]; ok {
			continue
		}
		ret = append(ret, i)
	}
	return ret
}

func (p *PiecePicker) rank(candidates []uint32) []uint32 {
	if len(candidates) > 1 {
		p.ranker.Rank(candidates, p.Availability)
	}
	return candidates
}

func (p *PiecePicker) startPiece(i uint32) *PartialPiece {
	pp := newPartialPiece(i, p.pieceLen(i))
	p.partials.ReplaceOrInsert(pp)
	p.byIndex[i] = pp
	return pp
}

func (p *PiecePicker) removePartial(pp *PartialPiece) {
	p.partials.Delete(pp)
	delete(p.byIndex, pp.Index)
}

func (p *PiecePicker) takeFree(pe Peer, pp *PartialPiece, ret []piece.Request, n int) []piece.Request {
	for i := range pp.Blocks {
		if len(ret) == n {
			break
		}
		b := &pp.Blocks[i]
		if b.State != Free {
			continue
		}
		b.setState(Requested)
		b.requested = append(b.requested, pe)
		req := piece.Request{Index: pp.Index, Begin: b.Begin, Length: b.Length}
		p.addRequest(pe, req)
		ret = append(ret, req)
	}
	return ret
}

func (p *PiecePicker) takeDuplicate(pe Peer, pp *PartialPiece, ret []piece.Request, n int) []piece.Request {
	for i := range pp.Blocks {
		if len(ret) == n {
			break
		}
		b := &pp.Blocks[i]
		if b.State != Requested || b.requestedFrom(pe) {
			continue
		}
		b.requested = append(b.requested, pe)
		req := piece.Request{Index: pp.Index, Begin: b.Begin, Length: b.Length}
		p.addRequest(pe, req)
		ret = append(ret, req)
	}
	return ret
}

func (p *PiecePicker) addRequest(pe Peer, req piece.Request) {
	m, ok := p.requests[pe]
	if !ok {
		m = make(map[piece.Request]struct{})
		p.requests[pe] = m
	}
	m[req] = struct{}{}
}

func (p *PiecePicker) removeRequest(pe Peer, req piece.Request) {
	m := p.requests[pe]
	delete(m, req)
	if len(m) == 0 {
		delete(p.requests, pe)
	}
}

func (p *PiecePicker) hasRequest(pe Peer, req piece.Request) bool {
	_, ok := p.requests[pe][req]
	return ok
}

// MarkReceived records that the block req is received from pe.
// It returns false if the block is not waiting for data from pe, e.g. it is a duplicate in end-game,
// the request has been canceled or the block was never requested from pe.
// In that case the data must be discarded.
// others are the peers that the same block is also requested from. Their requests are removed.
func (p *PiecePicker) MarkReceived(pe Peer, req piece.Request) (ok bool, others []Peer) {
	pp, ok := p.byIndex[req.Index]
	if !ok {
		return false, nil
	}
	b := pp.block(req.Begin, req.Length)
	if b == nil || b.State != Requested || !b.requestedFrom(pe) {
		return false, nil
	}
	for _, r := range b.requested {
		p.removeRequest(r, req)
		if r != pe {
			others = append(others, r)
		}
	}
	b.requested = nil
	b.setState(Received)
	b.from = pe
	return true, others
}

// MarkVerified marks the piece at index as verified and removes it from partial pieces.
// It returns the peer that sent every block of the piece.
// Nil is returned if blocks came from different peers or some were restored from resume data.
func (p *PiecePicker) MarkVerified(index uint32) Peer {
	if p.verified.Test(index) {
		return nil
	}
	var sender Peer
	if pp, ok := p.byIndex[index]; ok {
		for i := range pp.Blocks {
			pp.Blocks[i].setState(Verified)
		}
		sender = pp.sender()
		p.removePartial(pp)
	}
	p.verified.Set(index)
	return sender
}

// ResetPiece puts all blocks of the piece back to Free state after a hash failure.
// It returns the distinct peers that contributed blocks to the piece.
func (p *PiecePicker) ResetPiece(index uint32) []Peer {
	pp, ok := p.byIndex[index]
	if !ok {
		return nil
	}
	contributors := pp.contributors()
	for i := range pp.Blocks {
		b := &pp.Blocks[i]
		switch b.State {
		case Requested:
			req := piece.Request{Index: pp.Index, Begin: b.Begin, Length: b.Length}
			for _, r := range b.requested {
				p.removeRequest(r, req)
			}
			b.requested = nil
			b.setState(Free)
		case Received:
			b.from = nil
			b.setState(Free)
		}
	}
	p.removePartial(pp)
	return contributors
}

// CancelRequest removes the request of block req from pe.
// The block goes back to Free state unless it is requested from another peer.
func (p *PiecePicker) CancelRequest(pe Peer, req piece.Request) bool {
	if !p.hasRequest(pe, req) {
		return false
	}
	p.removeRequest(pe, req)
	pp := p.byIndex[req.Index]
	b := pp.block(req.Begin, req.Length)
	b.removeRequester(pe)
	if len(b.requested) == 0 {
		b.setState(Free)
	}
	if pp.idle() {
		p.removePartial(pp)
	}
	return true
}

// ReleasePeer cancels all requests of a disconnected peer and drops its piece reservations.
// It returns the number of requests canceled.
func (p *PiecePicker) ReleasePeer(pe Peer) int {
	reqs := p.Requests(pe)
	for _, req := range reqs {
		p.CancelRequest(pe, req)
	}
	p.partials.Ascend(func(i btree.Item) bool {
		pp := i.(*PartialPiece)
		if pp.exclusive == pe {
			pp.exclusive = nil
		}
		return true
	})
	return len(reqs)
}

// RestoreReceived marks a block as received from resume data.
// Returns false if the piece is verified or the block is not Free.
func (p *PiecePicker) RestoreReceived(index, begin uint32) bool {
	if index >= p.numPieces || p.verified.Test(index) {
		return false
	}
	pp, ok := p.byIndex[index]
	if !ok {
		pp = p.startPiece(index)
	}
	idx := begin / piece.BlockSize
	if begin%piece.BlockSize != 0 || idx >= uint32(len(pp.Blocks)) {
		if pp.idle() {
			p.removePartial(pp)
		}
		return false
	}
	b := &pp.Blocks[idx]
	if b.State != Free {
		return false
	}
	b.setState(Requested)
	b.setState(Received)
	return true
}

// Requests returns the blocks requested from pe ordered by piece index and offset.
func (p *PiecePicker) Requests(pe Peer) []piece.Request {
	m := p.requests[pe]
	ret := make([]piece.Request, 0, len(m))
	for req := range m {
		ret = append(ret, req)
	}
	sort.Slice(ret, func(i, j int) bool {
		if ret[i].Index != ret[j].Index {
			return ret[i].Index < ret[j].Index
		}
		return ret[i].Begin < ret[j].Begin
	})
	return ret
}

// NumRequests returns the number of blocks requested from pe.
func (p *PiecePicker) NumRequests(pe Peer) int {
	return len(p.requests[pe])
}

// Partial returns the partial piece at index, or nil.
func (p *PiecePicker) Partial(index uint32) *PartialPiece {
	return p.byIndex[index]
}

// NumPartial returns the number of partial pieces.
func (p *PiecePicker) NumPartial() int {
	return p.partials.Len()
}

// NumRequested returns the number of blocks in Requested state.
func (p *PiecePicker) NumRequested() int {
	var n int
	p.partials.Ascend(func(i btree.Item) bool {
		n += i.(*PartialPiece).Count(Requested)
		return true
	})
	return n
}

// EndGame returns true if duplicate requests have been issued since the last new piece was started.
func (p *PiecePicker) EndGame() bool {
	return p.endgame
}

// HandleHave must be called when a peer announces a piece.
func (p *PiecePicker) HandleHave(index uint32) {
	p.availability[index]++
}

// HandleBitfield must be called when a peer sends its bitfield.
func (p *PiecePicker) HandleBitfield(bf *bitfield.Bitfield) {
	for i := uint32(0); i < p.numPieces; i++ {
		if bf.Test(i) {
			p.availability[i]++
		}
	}
}

// HandleDisconnect must be called with the last known bitfield of a disconnected peer.
func (p *PiecePicker) HandleDisconnect(bf *bitfield.Bitfield) {
	for i := uint32(0); i < p.numPieces; i++ {
		if bf.Test(i) && p.availability[i] > 0 {
			p.availability[i]--
		}
	}
}

// Availability returns the number of connected peers that have the piece at index.
func (p *PiecePicker) Availability(index uint32) int {
	return p.availability[index]
}
