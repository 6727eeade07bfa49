package torrent

import (
	"context"
	"math/rand"
	"net"
	"strconv"
	"time"

	"github.com/cenkalti/drizzle/internal/announcer"
	"github.com/cenkalti/drizzle/internal/bitfield"
	"github.com/cenkalti/drizzle/internal/diskio"
	"github.com/cenkalti/drizzle/internal/piece"
	"github.com/cenkalti/drizzle/internal/piecepicker"
	"github.com/cenkalti/drizzle/internal/resumer"
	"github.com/cenkalti/drizzle/internal/unchoker"
	"golang.org/x/sync/errgroup"
)

// Start listening for peer connections, check the files on disk and start downloading.
// Start returns without waiting for the check. Starting a running torrent does nothing.
func (t *Torrent) Start() error {
	t.m.Lock()
	defer t.m.Unlock()
	if t.closed {
		return errClosed
	}
	if t.status != Stopped {
		return nil
	}
	t.log.Info("starting torrent")

	disk, err := diskio.New(t.info, t.storage, t.config.ReadCachePieces)
	if err != nil {
		return err
	}
	l, err := net.Listen("tcp4", net.JoinHostPort("", strconv.Itoa(t.config.Port)))
	if err != nil {
		_ = disk.Close()
		return err
	}
	t.port = l.Addr().(*net.TCPAddr).Port
	t.log.Infoln("listening peer connections on port", t.port)

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	t.group, t.ctx, t.cancel = g, gctx, cancel
	t.listener = l
	t.disk = disk
	t.lastErr = nil
	t.checked = 0
	t.stoppedC = make(chan struct{})
	t.status = Verifying

	g.Go(func() error { return t.verify(gctx, disk) })
	return nil
}

// verify scans the files, restores resume data and switches to downloading or seeding.
func (t *Torrent) verify(ctx context.Context, disk *diskio.Disk) error {
	bf, err := disk.Scan(ctx, func(checked uint32) {
		t.m.Lock()
		t.checked = checked
		t.m.Unlock()
	})
	if err != nil {
		if ctx.Err() == nil {
			t.fail(err)
		}
		return nil
	}

	var spec *resumer.Spec
	if t.resumer != nil && disk.Exists() {
		spec, err = t.resumer.Read()
		if err != nil {
			t.log.Errorln("cannot read resume data:", err)
		}
	}

	picker := piecepicker.New(t.info.NumPieces, t.info.PieceLen, bf.Copy(), t.ranker)
	if spec != nil {
		t.restorePartial(disk, picker, bf, spec.Partial)
	}

	t.m.Lock()
	defer t.m.Unlock()
	if t.status != Verifying {
		return nil
	}
	t.bitfield = bf
	t.picker = picker
	t.unchoker = unchoker.New(t.config.UnchokedPeers, t.config.OptimisticUnchokedPeers, rand.New(rand.NewSource(time.Now().UnixNano()))) // nolint: gosec
	if bf.All() {
		t.setCompleted()
	} else {
		t.status = Downloading
	}
	t.log.Infof("have %d of %d pieces", bf.Count(), bf.Len())
	t.startRunners()
	return nil
}

// restorePartial marks blocks written in a previous run as received.
// Pieces found intact by the scan and pieces with every block written are skipped,
// the latter failed the scan and must be downloaded again.
func (t *Torrent) restorePartial(disk *diskio.Disk, picker *piecepicker.PiecePicker, bf *bitfield.Bitfield, partial []resumer.PartialPiece) {
	var restored int
	for _, pp := range partial {
		if pp.Index >= t.info.NumPieces || bf.Test(pp.Index) {
			continue
		}
		numBlocks := (t.info.PieceLen(pp.Index) + piece.BlockSize - 1) / piece.BlockSize
		if uint32(len(pp.Blocks)) >= numBlocks {
			continue
		}
		for _, begin := range pp.Blocks {
			if !disk.RestoreBlock(pp.Index, begin) {
				continue
			}
			if picker.RestoreReceived(pp.Index, begin) {
				restored++
			}
		}
	}
	if restored > 0 {
		t.log.Infof("restored %d blocks from resume data", restored)
	}
}

// startRunners starts the goroutines of a running torrent. Must be called with t.m held.
func (t *Torrent) startRunners() {
	ctx := t.ctx
	newPeers := make(chan []*net.TCPAddr)
	for _, trk := range t.trackers {
		an := announcer.NewPeriodicalAnnouncer(trk, t.config.TrackerNumWant, t.config.TrackerMinAnnounceInterval, t.trackerTorrent, t.completeC, newPeers)
		t.announcers = append(t.announcers, an)
		go an.Run()
	}
	t.group.Go(func() error {
		for {
			select {
			case addrs := <-newPeers:
				t.AddPeers(addrs)
			case <-ctx.Done():
				return nil
			}
		}
	})
	l := t.listener
	t.group.Go(func() error { return t.accept(ctx, l) })
	t.group.Go(func() error { return t.tick(ctx) })
	t.dialAddresses()
}

func (t *Torrent) tick(ctx context.Context) error {
	unchokeTicker := time.NewTicker(10 * time.Second)
	defer unchokeTicker.Stop()
	speedTicker := time.NewTicker(5 * time.Second)
	defer speedTicker.Stop()
	var resumeC <-chan time.Time
	if t.resumer != nil && t.config.ResumeWriteInterval > 0 {
		resumeTicker := time.NewTicker(t.config.ResumeWriteInterval)
		defer resumeTicker.Stop()
		resumeC = resumeTicker.C
	}
	for {
		select {
		case <-unchokeTicker.C:
			t.m.Lock()
			peers := make([]unchoker.Peer, 0, len(t.peers))
			for pe := range t.peers {
				peers = append(peers, pe)
			}
			t.unchoker.Tick(peers, t.completed)
			t.m.Unlock()
		case <-speedTicker.C:
			t.downloadSpeed.Tick()
			t.uploadSpeed.Tick()
			t.m.Lock()
			for pe := range t.peers {
				pe.Tick()
			}
			t.m.Unlock()
		case <-resumeC:
			t.writeResume()
		case <-ctx.Done():
			return nil
		}
	}
}

// setCompleted switches to seeding. Must be called with t.m held.
func (t *Torrent) setCompleted() {
	t.status = Seeding
	if t.completed {
		return
	}
	t.completed = true
	close(t.completeC)
	t.log.Info("download completed")
}
