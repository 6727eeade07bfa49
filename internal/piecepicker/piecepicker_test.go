package piecepicker

import (
	"testing"

	"github.com/cenkalti/drizzle/internal/bitfield"
	"github.com/cenkalti/drizzle/internal/piece"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPeer string

func (p testPeer) String() string { return string(p) }

const pieceLength = 2 * piece.BlockSize

func newPicker(numPieces uint32) *PiecePicker {
	return New(numPieces, func(uint32) uint32 { return pieceLength }, bitfield.New(numPieces), nil)
}

func haveAll(numPieces uint32) *bitfield.Bitfield {
	bf := bitfield.New(numPieces)
	for i := uint32(0); i < numPieces; i++ {
		bf.Set(i)
	}
	return bf
}

func req(index, block uint32) piece.Request {
	return piece.Request{Index: index, Begin: block * piece.BlockSize, Length: piece.BlockSize}
}

func TestSelectPartialFirst(t *testing.T) {
	pp := newPicker(3)
	a, b := testPeer("a"), testPeer("b")

	assert.Equal(t, []piece.Request{req(0, 0), req(0, 1), req(1, 0)}, pp.Select(a, haveAll(3), 3, false))
	assert.Equal(t, 2, pp.NumPartial())

	// b continues the partial piece 1 before starting piece 2
	assert.Equal(t, []piece.Request{req(1, 1), req(2, 0)}, pp.Select(b, haveAll(3), 2, false))
	assert.False(t, pp.EndGame())
}

func TestSelectOnlyPiecesPeerHas(t *testing.T) {
	pp := newPicker(3)
	have := bitfield.New(3)
	have.Set(2)
	assert.Equal(t, []piece.Request{req(2, 0), req(2, 1)}, pp.Select(testPeer("a"), have, 10, false))
	assert.Empty(t, pp.Select(testPeer("b"), bitfield.New(3), 10, false))
}

func TestNeverSameBlockTwiceToSamePeer(t *testing.T) {
	pp := newPicker(2)
	a := testPeer("a")

	first := pp.Select(a, haveAll(2), 10, false)
	assert.Len(t, first, 4)
	// everything is requested from a already, end-game must not duplicate for the same peer
	assert.Empty(t, pp.Select(a, haveAll(2), 10, false))
	assert.False(t, pp.EndGame())
}

func TestEndGame(t *testing.T) {
	pp := newPicker(2)
	a, b, c := testPeer("a"), testPeer("b"), testPeer("c")

	require.Len(t, pp.Select(a, haveAll(2), 3, false), 3)
	// b gets the last free block before any duplicate
	assert.Equal(t, []piece.Request{req(1, 1)}, pp.Select(b, haveAll(2), 1, false))
	assert.False(t, pp.EndGame())

	// no free block left, b gets duplicates of a's requests but not its own
	dups := pp.Select(b, haveAll(2), 10, false)
	assert.Equal(t, []piece.Request{req(0, 0), req(0, 1), req(1, 0)}, dups)
	assert.True(t, pp.EndGame())

	// c gets every block
	assert.Len(t, pp.Select(c, haveAll(2), 10, false), 4)
	assert.Equal(t, 4, pp.NumRequested())

	// first response wins
	ok, others := pp.MarkReceived(b, req(0, 0))
	assert.True(t, ok)
	assert.ElementsMatch(t, []Peer{a, c}, others)
	assert.NotContains(t, pp.Requests(a), req(0, 0))
	assert.NotContains(t, pp.Requests(c), req(0, 0))

	// later duplicate is discarded
	ok, _ = pp.MarkReceived(a, req(0, 0))
	assert.False(t, ok)
	assert.Equal(t, Received, pp.Partial(0).Blocks[0].State)
}

func TestNeverSelectVerified(t *testing.T) {
	pp := newPicker(3)
	a, b := testPeer("a"), testPeer("b")

	reqs := pp.Select(a, haveAll(3), 2, false)
	for _, r := range reqs {
		ok, _ := pp.MarkReceived(a, r)
		require.True(t, ok)
	}
	assert.Equal(t, Peer(a), pp.MarkVerified(0))
	assert.Nil(t, pp.Partial(0))
	assert.True(t, pp.verified.Test(0))

	for _, r := range pp.Select(b, haveAll(3), 100, false) {
		assert.NotEqual(t, uint32(0), r.Index)
	}
	// and in end-game
	for _, r := range pp.Select(testPeer("c"), haveAll(3), 100, false) {
		assert.NotEqual(t, uint32(0), r.Index)
	}
}

func TestSeedMode(t *testing.T) {
	pp := newPicker(2)
	pp.MarkVerified(0)
	pp.MarkVerified(1)
	assert.Nil(t, pp.Select(testPeer("a"), haveAll(2), 10, false))
}

func TestReleasePeer(t *testing.T) {
	pp := newPicker(2)
	a, b := testPeer("a"), testPeer("b")

	require.Len(t, pp.Select(a, haveAll(2), 4, false), 4)
	// b duplicates two of them
	have := bitfield.New(2)
	have.Set(1)
	require.Len(t, pp.Select(b, have, 10, false), 2)

	assert.Equal(t, 4, pp.ReleasePeer(a))
	assert.Empty(t, pp.Requests(a))

	// piece 0 is back to free and dropped from partial pieces
	assert.Nil(t, pp.Partial(0))
	// piece 1 is still requested from b
	p1 := pp.Partial(1)
	require.NotNil(t, p1)
	assert.Equal(t, 2, p1.Count(Requested))
	assert.Equal(t, 2, pp.NumRequested())

	// another peer can take piece 0 again
	assert.Equal(t, []piece.Request{req(0, 0), req(0, 1)}, pp.Select(testPeer("c"), haveAll(2), 2, false))
}

func TestCancelRequest(t *testing.T) {
	pp := newPicker(1)
	a := testPeer("a")
	require.Len(t, pp.Select(a, haveAll(1), 2, false), 2)

	assert.True(t, pp.CancelRequest(a, req(0, 1)))
	assert.False(t, pp.CancelRequest(a, req(0, 1)))
	assert.Equal(t, Free, pp.Partial(0).Blocks[1].State)
	assert.Equal(t, []piece.Request{req(0, 0)}, pp.Requests(a))

	// canceled block is not accepted anymore
	ok, _ := pp.MarkReceived(a, req(0, 1))
	assert.False(t, ok)
}

func TestResetPieceAndParole(t *testing.T) {
	pp := newPicker(4)
	a, b, c := testPeer("a"), testPeer("b"), testPeer("c")

	// a and b both contribute to piece 0
	require.Equal(t, []piece.Request{req(0, 0)}, pp.Select(a, haveAll(4), 1, false))
	require.Equal(t, []piece.Request{req(0, 1)}, pp.Select(b, haveAll(4), 1, false))
	ok, _ := pp.MarkReceived(a, req(0, 0))
	require.True(t, ok)
	ok, _ = pp.MarkReceived(b, req(0, 1))
	require.True(t, ok)

	// c has a partial piece with a received block
	require.Equal(t, []piece.Request{req(1, 0)}, pp.Select(c, haveAll(4), 1, false))
	ok, _ = pp.MarkReceived(c, req(1, 0))
	require.True(t, ok)

	contributors := pp.ResetPiece(0)
	assert.ElementsMatch(t, []Peer{a, b}, contributors)
	assert.Nil(t, pp.Partial(0))

	// b is on parole: only whole pieces with no received block
	reqs := pp.Select(b, haveAll(4), 10, true)
	require.NotEmpty(t, reqs)
	for _, r := range reqs {
		assert.NotEqual(t, uint32(1), r.Index)
	}
	assert.Equal(t, []piece.Request{req(0, 0), req(0, 1), req(2, 0), req(2, 1), req(3, 0), req(3, 1)}, reqs)
	assert.Equal(t, Peer(b), pp.Partial(0).Exclusive())

	// no end-game for a paroled peer
	assert.Empty(t, pp.Select(b, haveAll(4), 10, true))

	// other peers do not mix into exclusive pieces, not even in end-game
	for _, r := range pp.Select(a, haveAll(4), 10, false) {
		assert.Equal(t, uint32(1), r.Index)
	}
	ok, _ = pp.MarkReceived(a, req(2, 0))
	assert.False(t, ok)

	// exclusivity is dropped on disconnect
	ok, _ = pp.MarkReceived(b, req(2, 0))
	require.True(t, ok)
	pp.ReleasePeer(b)
	assert.Nil(t, pp.Partial(0))
	require.NotNil(t, pp.Partial(2))
	assert.Nil(t, pp.Partial(2).Exclusive())
	assert.Equal(t, []piece.Request{req(2, 1)}, pp.Select(c, haveAll(4), 1, false))
}

func TestParoleClearsOnVerify(t *testing.T) {
	pp := newPicker(2)
	b := testPeer("b")
	reqs := pp.Select(b, haveAll(2), 2, true)
	require.Equal(t, []piece.Request{req(0, 0), req(0, 1)}, reqs)
	for _, r := range reqs {
		ok, _ := pp.MarkReceived(b, r)
		require.True(t, ok)
	}
	assert.Equal(t, Peer(b), pp.MarkVerified(0))
}

func TestRejectBlockFromOtherPeer(t *testing.T) {
	pp := newPicker(1)
	a, b := testPeer("a"), testPeer("b")
	require.Equal(t, []piece.Request{req(0, 0)}, pp.Select(a, haveAll(1), 1, false))

	ok, others := pp.MarkReceived(b, req(0, 0))
	assert.False(t, ok)
	assert.Empty(t, others)
	assert.Equal(t, Requested, pp.Partial(0).Blocks[0].State)
	assert.Equal(t, []piece.Request{req(0, 0)}, pp.Requests(a))

	// free block is not accepted either
	ok, _ = pp.MarkReceived(b, req(0, 1))
	assert.False(t, ok)

	ok, _ = pp.MarkReceived(a, req(0, 0))
	assert.True(t, ok)
}

func TestMarkVerifiedSender(t *testing.T) {
	pp := newPicker(2)
	a, b := testPeer("a"), testPeer("b")

	// piece 0 is shared by a and b
	require.Equal(t, []piece.Request{req(0, 0)}, pp.Select(a, haveAll(2), 1, false))
	require.Equal(t, []piece.Request{req(0, 1)}, pp.Select(b, haveAll(2), 1, false))
	for _, r := range []struct {
		pe  Peer
		req piece.Request
	}{{a, req(0, 0)}, {b, req(0, 1)}} {
		ok, _ := pp.MarkReceived(r.pe, r.req)
		require.True(t, ok)
	}
	assert.Nil(t, pp.MarkVerified(0))

	// piece 1 has a block from resume data
	require.True(t, pp.RestoreReceived(1, 0))
	require.Equal(t, []piece.Request{req(1, 1)}, pp.Select(a, haveAll(2), 10, false))
	ok, _ := pp.MarkReceived(a, req(1, 1))
	require.True(t, ok)
	assert.Nil(t, pp.MarkVerified(1))
}

func TestRestoreReceived(t *testing.T) {
	pp := newPicker(2)
	assert.True(t, pp.RestoreReceived(1, piece.BlockSize))
	assert.False(t, pp.RestoreReceived(1, piece.BlockSize))
	assert.False(t, pp.RestoreReceived(1, 7))
	assert.False(t, pp.RestoreReceived(5, 0))

	p1 := pp.Partial(1)
	require.NotNil(t, p1)
	assert.Equal(t, Received, p1.Blocks[1].State)
	assert.Empty(t, p1.contributors())

	// partial piece is completed first
	assert.Equal(t, []piece.Request{req(1, 0), req(0, 0)}, pp.Select(testPeer("a"), haveAll(2), 2, false))
}

func TestIllegalTransitionPanics(t *testing.T) {
	b := Block{State: Free}
	assert.Panics(t, func() { b.setState(Received) })
	assert.Panics(t, func() { b.setState(Verified) })
	b.setState(Requested)
	assert.Panics(t, func() { b.setState(Verified) })
	b.setState(Received)
	assert.Panics(t, func() { b.setState(Requested) })
	b.setState(Verified)
	assert.Panics(t, func() { b.setState(Free) })
	assert.Equal(t, "verified", b.State.String())
}

func TestLastPieceShorter(t *testing.T) {
	lengths := []uint32{pieceLength, piece.BlockSize + 10}
	pp := New(2, func(i uint32) uint32 { return lengths[i] }, bitfield.New(2), nil)
	have := bitfield.New(2)
	have.Set(1)
	assert.Equal(t, []piece.Request{
		{Index: 1, Begin: 0, Length: piece.BlockSize},
		{Index: 1, Begin: piece.BlockSize, Length: 10},
	}, pp.Select(testPeer("a"), have, 10, false))
}

func TestRarestFirst(t *testing.T) {
	pp := New(3, func(uint32) uint32 { return piece.BlockSize }, bitfield.New(3), RarestFirst{})
	pp.HandleBitfield(haveAll(3))
	pp.HandleHave(0)
	pp.HandleHave(2)
	pp.HandleHave(2)
	assert.Equal(t, 1, pp.Availability(1))

	reqs := pp.Select(testPeer("a"), haveAll(3), 3, false)
	assert.Equal(t, []uint32{1, 0, 2}, []uint32{reqs[0].Index, reqs[1].Index, reqs[2].Index})

	pp.HandleDisconnect(haveAll(3))
	assert.Equal(t, 0, pp.Availability(1))
}
