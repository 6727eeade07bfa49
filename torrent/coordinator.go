package torrent

import (
	"errors"
	"io"

	"github.com/cenkalti/drizzle/internal/bitfield"
	"github.com/cenkalti/drizzle/internal/diskio"
	"github.com/cenkalti/drizzle/internal/peer"
	"github.com/cenkalti/drizzle/internal/piece"
	"github.com/cenkalti/drizzle/internal/piecepicker"
)

var _ peer.Coordinator = (*Torrent)(nil)

// PeerConnected implements peer.Coordinator.
func (t *Torrent) PeerConnected(pe *peer.Peer) (*bitfield.Bitfield, bool) {
	t.m.Lock()
	defer t.m.Unlock()
	if (t.status != Downloading && t.status != Seeding) || t.lastErr != nil {
		return nil, false
	}
	if pe.ID() == t.peerID {
		return nil, false
	}
	for other := range t.peers {
		if other.ID() == pe.ID() {
			pe.Logger().Debugln("already connected to peer, closing connection")
			return nil, false
		}
	}
	t.peers[pe] = &peerRecord{bitfield: bitfield.New(t.info.NumPieces)}
	return t.bitfield.Copy(), true
}

// PeerDisconnected implements peer.Coordinator.
func (t *Torrent) PeerDisconnected(pe *peer.Peer) {
	t.m.Lock()
	defer t.m.Unlock()
	rec, ok := t.peers[pe]
	if !ok {
		return
	}
	delete(t.peers, pe)
	if n := t.picker.ReleasePeer(pe); n > 0 {
		pe.Logger().Debugf("released %d requests", n)
	}
	t.picker.HandleDisconnect(rec.bitfield)
	t.unchoker.HandleDisconnect(pe)
}

// ReportHave implements peer.Coordinator.
func (t *Torrent) ReportHave(pe *peer.Peer, index uint32) bool {
	t.m.Lock()
	defer t.m.Unlock()
	rec, ok := t.peers[pe]
	if !ok {
		return false
	}
	if !rec.bitfield.Test(index) {
		rec.bitfield.Set(index)
		t.picker.HandleHave(index)
	}
	return !t.bitfield.Test(index)
}

// ReportBitfield implements peer.Coordinator.
func (t *Torrent) ReportBitfield(pe *peer.Peer, bf *bitfield.Bitfield) bool {
	t.m.Lock()
	defer t.m.Unlock()
	rec, ok := t.peers[pe]
	if !ok {
		return false
	}
	t.picker.HandleDisconnect(rec.bitfield)
	rec.bitfield = bf
	t.picker.HandleBitfield(bf)
	return t.bitfield.HasMissing(bf)
}

// RequestWork implements peer.Coordinator.
func (t *Torrent) RequestWork(pe *peer.Peer, n int) []piece.Request {
	t.m.Lock()
	defer t.m.Unlock()
	rec, ok := t.peers[pe]
	if !ok || t.completed || t.lastErr != nil {
		return nil
	}
	return t.picker.Select(pe, rec.bitfield, n, rec.parole)
}

// CancelRequests implements peer.Coordinator.
func (t *Torrent) CancelRequests(pe *peer.Peer, reqs []piece.Request) {
	t.m.Lock()
	defer t.m.Unlock()
	if _, ok := t.peers[pe]; !ok {
		return
	}
	for _, req := range reqs {
		t.picker.CancelRequest(pe, req)
	}
}

// SubmitBlock implements peer.Coordinator.
// The block is claimed in the picker before it is written, so only the first of duplicate responses is written.
// Writing and hashing is done without holding the lock.
// Blocks are dropped after a disk error.
func (t *Torrent) SubmitBlock(pe *peer.Peer, req piece.Request, data []byte) {
	t.m.Lock()
	if _, ok := t.peers[pe]; !ok || t.lastErr != nil {
		t.m.Unlock()
		return
	}
	t.bytesDownloaded.Inc(int64(len(data)))
	t.downloadSpeed.Update(int64(len(data)))
	ok, others := t.picker.MarkReceived(pe, req)
	if !ok {
		t.bytesWasted.Inc(int64(len(data)))
		t.m.Unlock()
		pe.Logger().Debugf("discarding block %d/%d", req.Index, req.Begin)
		return
	}
	for _, other := range others {
		other.(*peer.Peer).SendCancel(req)
	}
	disk := t.disk
	t.m.Unlock()

	complete, err := disk.WriteBlock(req.Index, req.Begin, data)
	if err != nil {
		t.fail(err)
		return
	}
	if !complete {
		return
	}
	ok, err = disk.VerifyPiece(req.Index)
	if err != nil {
		t.fail(err)
		return
	}

	t.m.Lock()
	defer t.m.Unlock()
	if t.picker == nil {
		return
	}
	if ok {
		t.pieceVerified(req.Index)
	} else {
		t.pieceFailed(req.Index)
	}
}

// pieceVerified makes the piece visible to peers. Must be called with t.m held.
func (t *Torrent) pieceVerified(index uint32) {
	// Parole ends only when a whole piece from the peer is good.
	if pe, ok := t.picker.MarkVerified(index).(*peer.Peer); ok {
		if rec, ok := t.peers[pe]; ok && rec.parole {
			rec.parole = false
			pe.Logger().Info("peer is released from parole")
		}
	}
	t.bitfield.Set(index)
	t.log.Debugf("piece #%d verified", index)
	for pe, rec := range t.peers {
		pe.SendHave(index)
		if !t.bitfield.HasMissing(rec.bitfield) {
			pe.SetInterested(false)
		}
	}
	if t.bitfield.All() {
		t.setCompleted()
	}
}

// pieceFailed resets the blocks of a piece that did not match its hash
// and puts the peers that sent them on parole. Must be called with t.m held.
func (t *Torrent) pieceFailed(index uint32) {
	contributors := t.picker.ResetPiece(index)
	t.disk.ResetPiece(index)
	t.bytesWasted.Inc(int64(t.info.PieceLen(index)))
	for _, c := range contributors {
		if rec, ok := t.peers[c.(*peer.Peer)]; ok {
			rec.parole = true
		}
	}
	t.log.Errorf("piece #%d failed hash check, %d peers put on parole", index, len(contributors))
}

// HasPiece implements peer.Coordinator.
func (t *Torrent) HasPiece(index uint32) bool {
	t.m.Lock()
	defer t.m.Unlock()
	return t.bitfield != nil && t.bitfield.Test(index)
}

// BlockReader implements peer.Coordinator.
func (t *Torrent) BlockReader(index uint32) io.ReaderAt {
	t.m.Lock()
	defer t.m.Unlock()
	return blockReader{t: t, r: t.disk.PieceReader(index)}
}

// blockReader stops the torrent on disk errors while reading blocks for upload.
type blockReader struct {
	t *Torrent
	r io.ReaderAt
}

func (r blockReader) ReadAt(p []byte, off int64) (int, error) {
	n, err := r.r.ReadAt(p, off)
	var derr *diskio.Error
	if errors.As(err, &derr) {
		r.t.fail(err)
	}
	return n, err
}

// PeerInterested implements peer.Coordinator.
func (t *Torrent) PeerInterested(pe *peer.Peer) {
	t.m.Lock()
	defer t.m.Unlock()
	if _, ok := t.peers[pe]; ok {
		t.unchoker.FastUnchoke(pe)
	}
}

// PeerUploaded implements peer.Coordinator.
func (t *Torrent) PeerUploaded(pe *peer.Peer, n int64) {
	t.bytesUploaded.Inc(n)
	t.uploadSpeed.Update(n)
}

var _ piecepicker.Peer = (*peer.Peer)(nil)
