package torrent

import (
	"context"
	"sort"

	"github.com/cenkalti/drizzle/internal/announcer"
	"github.com/cenkalti/drizzle/internal/piece"
	"github.com/cenkalti/drizzle/internal/resumer"
)

// Stop disconnects all peers, saves resume data and announces the "stopped" event to trackers.
// Stop blocks until the torrent is stopped. Stopping a stopped torrent does nothing.
func (t *Torrent) Stop() {
	t.m.Lock()
	switch t.status {
	case Stopped:
		t.m.Unlock()
		return
	case Stopping:
		stoppedC := t.stoppedC
		t.m.Unlock()
		<-stoppedC
		return
	}
	t.log.Info("stopping torrent")
	t.status = Stopping
	announcers := t.announcers
	t.announcers = nil
	t.m.Unlock()

	// Announcers send peers to a goroutine in the group, they must be closed first.
	for _, an := range announcers {
		an.Close()
	}
	t.cancel()
	_ = t.listener.Close()
	_ = t.group.Wait()

	t.writeResume()
	if len(t.trackers) > 0 {
		announcer.AnnounceStopped(context.Background(), t.trackers, t.trackerTorrent(), t.config.TrackerStoppedEventTimeout)
	}

	t.m.Lock()
	defer t.m.Unlock()
	if err := t.disk.Close(); err != nil {
		t.log.Errorln("cannot close files:", err)
	}
	t.disk = nil
	t.picker = nil
	t.unchoker = nil
	t.addrs = nil
	t.addrKeys = make(map[string]struct{})
	t.status = Stopped
	close(t.stoppedC)
	t.log.Info("torrent has stopped")
}

// Close stops the torrent. A closed torrent cannot be started again.
func (t *Torrent) Close() {
	t.m.Lock()
	t.closed = true
	t.m.Unlock()
	t.Stop()
}

// writeResume saves the bitfield, the blocks of unverified pieces and the counters.
func (t *Torrent) writeResume() {
	if t.resumer == nil {
		return
	}
	t.m.Lock()
	if t.bitfield == nil || t.disk == nil {
		t.m.Unlock()
		return
	}
	bf := append([]byte(nil), t.bitfield.Bytes()...)
	written := t.disk.WrittenBlocks()
	t.m.Unlock()

	partial := make([]resumer.PartialPiece, 0, len(written))
	for index, blocks := range written {
		begins := make([]uint32, len(blocks))
		for i, b := range blocks {
			begins[i] = b * piece.BlockSize
		}
		partial = append(partial, resumer.PartialPiece{Index: index, Blocks: begins})
	}
	sort.Slice(partial, func(i, j int) bool { return partial[i].Index < partial[j].Index })

	if err := t.resumer.WriteBitfield(bf, partial); err != nil {
		t.log.Errorln("cannot write bitfield to resume db:", err)
	}
	err := t.resumer.WriteStats(resumer.Stats{
		BytesDownloaded: t.bytesDownloaded.Count(),
		BytesUploaded:   t.bytesUploaded.Count(),
		BytesWasted:     t.bytesWasted.Count(),
	})
	if err != nil {
		t.log.Errorln("cannot write stats to resume db:", err)
	}
}
