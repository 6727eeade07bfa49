package announcer

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/drizzle/internal/logger"
	"github.com/cenkalti/drizzle/internal/tracker"
)

// AnnounceStopped sends a "stopped" event to all trackers concurrently.
// Returns when every tracker has responded, timeout has passed or ctx is canceled.
func AnnounceStopped(ctx context.Context, trackers []tracker.Tracker, t tracker.Torrent, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, trk := range trackers {
		wg.Add(1)
		go func(trk tracker.Tracker) {
			defer wg.Done()
			req := tracker.AnnounceRequest{
				Torrent: t,
				Event:   tracker.EventStopped,
			}
			_, err := trk.Announce(ctx, req)
			if err != nil {
				logger.New("announcer "+trk.URL()).Debugln("cannot announce stopped event:", err)
			}
		}(trk)
	}
	wg.Wait()
}
