// Package tracker defines the interface of a tracker that supplies peer addresses for a torrent.
// Transports (HTTP, UDP) are provided by the caller.
package tracker

import (
	"context"
	"net"
	"time"
)

// Tracker announces a torrent and returns addresses of other peers.
type Tracker interface {
	// Announce transfer to the tracker.
	// Announce should be called periodically with the interval returned in AnnounceResponse.
	// Announce should also be called on specific events.
	Announce(ctx context.Context, req AnnounceRequest) (*AnnounceResponse, error)

	// URL of the tracker.
	URL() string
}

// AnnounceRequest contains the fields sent to the tracker.
type AnnounceRequest struct {
	Torrent Torrent
	Event   Event
	NumWant int
}

// AnnounceResponse is the reply of the tracker to an announce request.
type AnnounceResponse struct {
	Interval    time.Duration
	MinInterval time.Duration
	Leechers    int32
	Seeders     int32
	Peers       []*net.TCPAddr
}

// Error is the string that is sent by the tracker from announce.
type Error struct {
	FailureReason string
	RetryIn       time.Duration
}

func (e *Error) Error() string { return e.FailureReason }

// Event is sent in an announce request to report a change of the transfer.
type Event int32

// Announce events. Values match the UDP tracker protocol.
const (
	EventNone Event = iota
	EventCompleted
	EventStarted
	EventStopped
)

// String returns the name of event as sent to HTTP trackers.
func (e Event) String() string {
	switch e {
	case EventCompleted:
		return "completed"
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	default:
		return "empty"
	}
}
