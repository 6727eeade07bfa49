// Package torrent downloads and seeds a single torrent.
// Torrent is the coordinator of peer sessions: it owns the bitfield, the piece picker
// and the per-peer records, and it ties received blocks to the disk.
package torrent

import (
	"context"
	"encoding/hex"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/drizzle/internal/announcer"
	"github.com/cenkalti/drizzle/internal/bitfield"
	"github.com/cenkalti/drizzle/internal/diskio"
	"github.com/cenkalti/drizzle/internal/logger"
	"github.com/cenkalti/drizzle/internal/metainfo"
	"github.com/cenkalti/drizzle/internal/peer"
	"github.com/cenkalti/drizzle/internal/piecepicker"
	"github.com/cenkalti/drizzle/internal/resumer"
	"github.com/cenkalti/drizzle/internal/storage"
	"github.com/cenkalti/drizzle/internal/tracker"
	"github.com/cenkalti/drizzle/internal/unchoker"
	"github.com/gofrs/uuid"
	"github.com/juju/ratelimit"
	"github.com/rcrowley/go-metrics"
	"golang.org/x/sync/errgroup"
)

// Peer id prefix in Azureus style.
const peerIDPrefix = "-DZ0001-"

var errClosed = errors.New("torrent is closed")

// Options for New.
type Options struct {
	// Defaults to DefaultConfig if nil.
	Config *Config
	// Storage for the files of the torrent. Required.
	Storage storage.Storage
	// Resumer keeps state between runs. May be nil.
	Resumer resumer.Resumer
	// Trackers to announce to. May be empty if peers are added with AddPeers.
	Trackers []tracker.Tracker
	// Ranker orders candidate pieces. Defaults to piecepicker.IndexOrder.
	Ranker piecepicker.Ranker
}

// Torrent connects to peers and downloads the files of a torrent.
// All exported methods are safe for concurrent use.
type Torrent struct {
	info     *metainfo.Info
	config   Config
	storage  storage.Storage
	resumer  resumer.Resumer
	trackers []tracker.Tracker
	ranker   piecepicker.Ranker
	peerID   [20]byte
	addedAt  time.Time

	downloadBucket *ratelimit.Bucket
	uploadBucket   *ratelimit.Bucket

	bytesDownloaded metrics.Counter
	bytesUploaded   metrics.Counter
	bytesWasted     metrics.Counter
	downloadSpeed   metrics.EWMA
	uploadSpeed     metrics.EWMA

	// Protects all fields below.
	m sync.Mutex

	status  Status
	lastErr error
	closed  bool
	port    int
	checked uint32

	disk     *diskio.Disk
	bitfield *bitfield.Bitfield
	picker   *piecepicker.PiecePicker
	unchoker *unchoker.Unchoker

	// Established sessions.
	peers map[*peer.Peer]*peerRecord
	// Every running session, including the ones not handshaked yet.
	sessions map[*peer.Peer]struct{}
	// Running outgoing sessions by address.
	outgoing map[string]*peer.Peer
	numIncoming int
	// Addresses waiting to be dialed.
	addrs    []*net.TCPAddr
	addrKeys map[string]struct{}

	completed bool
	completeC chan struct{}
	errC      chan error

	// Set while running.
	ctx        context.Context
	cancel     context.CancelFunc
	group      *errgroup.Group
	listener   net.Listener
	announcers []*announcer.PeriodicalAnnouncer
	stoppedC   chan struct{}

	log logger.Logger
}

// peerRecord is the state of an established peer kept by the Torrent.
type peerRecord struct {
	bitfield *bitfield.Bitfield
	// Peer sent data of a piece that failed hash check.
	parole bool
}

// New returns a new Torrent in Stopped status. Call Start to begin downloading.
func New(info *metainfo.Info, opts Options) (*Torrent, error) {
	if opts.Storage == nil {
		return nil, errors.New("storage is required")
	}
	cfg := DefaultConfig
	if opts.Config != nil {
		cfg = *opts.Config
	}
	ranker := opts.Ranker
	if ranker == nil {
		ranker = piecepicker.IndexOrder{}
	}
	t := &Torrent{
		info:            info,
		config:          cfg,
		storage:         opts.Storage,
		resumer:         opts.Resumer,
		trackers:        opts.Trackers,
		ranker:          ranker,
		addedAt:         time.Now().UTC(),
		bytesDownloaded: metrics.NewCounter(),
		bytesUploaded:   metrics.NewCounter(),
		bytesWasted:     metrics.NewCounter(),
		downloadSpeed:   metrics.NewEWMA1(),
		uploadSpeed:     metrics.NewEWMA1(),
		status:          Stopped,
		port:            cfg.Port,
		peers:           make(map[*peer.Peer]*peerRecord),
		sessions:        make(map[*peer.Peer]struct{}),
		outgoing:        make(map[string]*peer.Peer),
		addrKeys:        make(map[string]struct{}),
		completeC:       make(chan struct{}),
		errC:            make(chan error, 1),
		log:             logger.New("torrent " + info.Name),
	}
	if err := t.generatePeerID(); err != nil {
		return nil, err
	}
	if cfg.SpeedLimitDownload > 0 {
		t.downloadBucket = ratelimit.NewBucketWithRate(float64(cfg.SpeedLimitDownload*1024), cfg.SpeedLimitDownload*1024)
	}
	if cfg.SpeedLimitUpload > 0 {
		t.uploadBucket = ratelimit.NewBucketWithRate(float64(cfg.SpeedLimitUpload*1024), cfg.SpeedLimitUpload*1024)
	}
	if err := t.loadResume(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Torrent) generatePeerID() error {
	u, err := uuid.NewV4()
	if err != nil {
		return err
	}
	copy(t.peerID[:], peerIDPrefix)
	copy(t.peerID[len(peerIDPrefix):], u[:])
	return nil
}

// loadResume restores counters from a previous run or saves the initial state for a new torrent.
func (t *Torrent) loadResume() error {
	if t.resumer == nil {
		return nil
	}
	spec, err := t.resumer.Read()
	if err != nil {
		return err
	}
	if spec == nil {
		spec = &resumer.Spec{
			InfoHash: t.info.Hash[:],
			AddedAt:  t.addedAt,
		}
		if d, ok := t.storage.(interface{ Dest() string }); ok {
			spec.Dest = d.Dest()
		}
		return t.resumer.Write(spec)
	}
	t.addedAt = spec.AddedAt
	t.bytesDownloaded.Inc(spec.BytesDownloaded)
	t.bytesUploaded.Inc(spec.BytesUploaded)
	t.bytesWasted.Inc(spec.BytesWasted)
	return nil
}

// Name of the torrent.
func (t *Torrent) Name() string {
	return t.info.Name
}

// InfoHash returns the hash of the info dictionary as a hex string.
func (t *Torrent) InfoHash() string {
	return hex.EncodeToString(t.info.Hash[:])
}

// Port returns the port number the Torrent is listening on for peer connections.
// Before Start it returns the configured port.
func (t *Torrent) Port() int {
	t.m.Lock()
	defer t.m.Unlock()
	return t.port
}

// Bitfield returns a copy of the bitfield of verified pieces.
// Returns nil if the files are not checked yet.
func (t *Torrent) Bitfield() *bitfield.Bitfield {
	t.m.Lock()
	defer t.m.Unlock()
	if t.bitfield == nil {
		return nil
	}
	return t.bitfield.Copy()
}

// CompleteNotify returns a channel that is closed when all pieces are downloaded and verified.
func (t *Torrent) CompleteNotify() <-chan struct{} {
	return t.completeC
}

// NotifyError returns a channel that receives the error that stopped the torrent.
func (t *Torrent) NotifyError() <-chan error {
	return t.errC
}

// fail stops the torrent because of an unrecoverable error.
// Peers get no more work and received blocks are dropped from this point on.
// Must not be called with t.m held.
func (t *Torrent) fail(err error) {
	t.m.Lock()
	if t.lastErr != nil || t.status == Stopped {
		t.m.Unlock()
		return
	}
	t.lastErr = err
	select {
	case t.errC <- err:
	default:
	}
	t.m.Unlock()
	t.log.Errorln("stopping torrent:", err)
	go t.Stop()
}

func (t *Torrent) peerOptions() peer.Options {
	return peer.Options{
		Info:               t.info,
		PeerID:             t.peerID,
		DialTimeout:        t.config.DialTimeout,
		HandshakeTimeout:   t.config.HandshakeTimeout,
		PieceReadTimeout:   t.config.PieceReadTimeout,
		RequestQueueLength: t.config.RequestQueueLength,
		RequestTimeout:     t.config.RequestTimeout,
		MaxQueuedUploads:   t.config.RequestQueueLength,
		DownloadBucket:     t.downloadBucket,
		UploadBucket:       t.uploadBucket,
	}
}

func (t *Torrent) trackerTorrent() tracker.Torrent {
	t.m.Lock()
	defer t.m.Unlock()
	return tracker.Torrent{
		InfoHash:        t.info.Hash,
		PeerID:          t.peerID,
		Port:            t.port,
		BytesUploaded:   t.bytesUploaded.Count(),
		BytesDownloaded: t.bytesDownloaded.Count(),
		BytesLeft:       t.bytesLeft(),
	}
}

// bytesLeft returns the total length minus the lengths of verified pieces.
// Before the files are checked everything is left.
func (t *Torrent) bytesLeft() int64 {
	left := t.info.TotalLength
	if t.bitfield == nil {
		return left
	}
	for i := uint32(0); i < t.info.NumPieces; i++ {
		if t.bitfield.Test(i) {
			left -= int64(t.info.PieceLen(i))
		}
	}
	return left
}
