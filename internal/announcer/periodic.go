// Package announcer announces a torrent to trackers periodically and on events.
package announcer

import (
	"context"
	"errors"
	"math"
	"net"
	"time"

	"github.com/cenkalti/backoff/v3"
	"github.com/cenkalti/drizzle/internal/logger"
	"github.com/cenkalti/drizzle/internal/tracker"
)

const defaultInterval = 30 * time.Minute

// Status of the announcer.
type Status int

// Announcer statuses.
const (
	NotContactedYet Status = iota
	Contacting
	Working
	NotWorking
)

var statusStrings = map[Status]string{
	NotContactedYet: "not contacted yet",
	Contacting:      "contacting",
	Working:         "working",
	NotWorking:      "not working",
}

func (s Status) String() string {
	return statusStrings[s]
}

// PeriodicalAnnouncer announces the torrent to a single tracker.
// Failures are retried with exponential backoff and never stop the torrent.
type PeriodicalAnnouncer struct {
	Tracker       tracker.Tracker
	status        Status
	statsCommandC chan statsRequest
	numWant       int
	interval      time.Duration
	minInterval   time.Duration
	seeders       int
	leechers      int
	lastError     error
	log           logger.Logger
	completedC    chan struct{}
	newPeers      chan []*net.TCPAddr
	backoff       backoff.BackOff
	getTorrent    func() tracker.Torrent
	lastAnnounce  time.Time
	responseC     chan *tracker.AnnounceResponse
	errC          chan error
	closeC        chan struct{}
	doneC         chan struct{}
}

// NewPeriodicalAnnouncer returns a new PeriodicalAnnouncer.
// completedC must be closed when the download completes. Peers returned by the tracker are sent to newPeers.
func NewPeriodicalAnnouncer(trk tracker.Tracker, numWant int, minInterval time.Duration, getTorrent func() tracker.Torrent, completedC chan struct{}, newPeers chan []*net.TCPAddr) *PeriodicalAnnouncer {
	return &PeriodicalAnnouncer{
		Tracker:       trk,
		status:        NotContactedYet,
		statsCommandC: make(chan statsRequest),
		numWant:       numWant,
		minInterval:   minInterval,
		log:           logger.New("announcer " + trk.URL()),
		completedC:    completedC,
		newPeers:      newPeers,
		getTorrent:    getTorrent,
		responseC:     make(chan *tracker.AnnounceResponse),
		errC:          make(chan error),
		closeC:        make(chan struct{}),
		doneC:         make(chan struct{}),
		backoff: &backoff.ExponentialBackOff{
			InitialInterval:     5 * time.Second,
			RandomizationFactor: 0.5,
			Multiplier:          2,
			MaxInterval:         30 * time.Minute,
			MaxElapsedTime:      0, // never stop
			Clock:               backoff.SystemClock,
		},
	}
}

// Close the announcer. Does not send a "stopped" event. Use StopAnnouncer for that.
func (a *PeriodicalAnnouncer) Close() {
	close(a.closeC)
	<-a.doneC
}

type statsRequest struct {
	Response chan Stats
}

// Stats about the tracker.
type Stats struct {
	Status   Status
	Error    error
	Seeders  int
	Leechers int
}

// Stats returns the status of the tracker.
func (a *PeriodicalAnnouncer) Stats() Stats {
	var stats Stats
	req := statsRequest{Response: make(chan Stats, 1)}
	select {
	case a.statsCommandC <- req:
	case <-a.closeC:
		return stats
	}
	select {
	case stats = <-req.Response:
	case <-a.closeC:
	}
	return stats
}

// Run the announcer until Close is called.
func (a *PeriodicalAnnouncer) Run() {
	defer close(a.doneC)
	a.backoff.Reset()

	timer := time.NewTimer(math.MaxInt64)
	defer timer.Stop()

	// No "completed" event is sent if the torrent was complete when started.
	select {
	case <-a.completedC:
		a.completedC = nil
	default:
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer func() { cancel() }()

	go a.announce(ctx, tracker.EventStarted, a.numWant)
	a.status = Contacting
	for {
		select {
		case <-timer.C:
			if a.status == Contacting {
				break
			}
			go a.announce(ctx, tracker.EventNone, a.numWant)
			a.status = Contacting
		case resp := <-a.responseC:
			a.status = Working
			a.lastAnnounce = time.Now()
			a.seeders = int(resp.Seeders)
			a.leechers = int(resp.Leechers)
			if resp.MinInterval > a.minInterval {
				a.minInterval = resp.MinInterval
			}
			a.interval = resp.Interval
			if a.interval <= 0 {
				a.interval = defaultInterval
			}
			if a.interval < a.minInterval {
				a.interval = a.minInterval
			}
			a.lastError = nil
			a.backoff.Reset()
			timer.Reset(a.interval)
			if len(resp.Peers) > 0 {
				select {
				case a.newPeers <- resp.Peers:
				case <-a.closeC:
					return
				}
			}
		case err := <-a.errC:
			a.status = NotWorking
			a.lastAnnounce = time.Now()
			a.lastError = err
			var terr *tracker.Error
			if errors.As(err, &terr) {
				a.log.Warningln("tracker returned error:", terr.FailureReason)
			} else {
				a.log.Debugln("announce error:", err)
			}
			if terr != nil && terr.RetryIn > 0 {
				timer.Reset(terr.RetryIn)
			} else {
				timer.Reset(a.backoff.NextBackOff())
			}
		case <-a.completedC:
			if a.status == Contacting {
				cancel()
				ctx, cancel = context.WithCancel(context.Background())
			}
			go a.announce(ctx, tracker.EventCompleted, 0)
			a.status = Contacting
			a.completedC = nil // do not send more than one "completed" event
		case req := <-a.statsCommandC:
			req.Response <- a.stats()
		case <-a.closeC:
			return
		}
	}
}

func (a *PeriodicalAnnouncer) announce(ctx context.Context, event tracker.Event, numWant int) {
	req := tracker.AnnounceRequest{
		Torrent: a.getTorrent(),
		Event:   event,
		NumWant: numWant,
	}
	a.log.Debugln("announcing:", event)
	resp, err := a.Tracker.Announce(ctx, req)
	if errors.Is(err, context.Canceled) {
		return
	}
	if err != nil {
		select {
		case a.errC <- err:
		case <-ctx.Done():
		}
		return
	}
	select {
	case a.responseC <- resp:
	case <-ctx.Done():
	}
}

func (a *PeriodicalAnnouncer) stats() Stats {
	return Stats{
		Status:   a.status,
		Error:    a.lastError,
		Seeders:  a.seeders,
		Leechers: a.leechers,
	}
}
