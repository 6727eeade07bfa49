package torrent

import (
	"context"
	"net"

	"github.com/cenkalti/drizzle/internal/peer"
)

// AddPeers adds addresses to the dial queue. Addresses that are queued or connected already are ignored.
// Queued addresses are dropped when the torrent stops.
func (t *Torrent) AddPeers(addrs []*net.TCPAddr) {
	t.m.Lock()
	defer t.m.Unlock()
	for _, addr := range addrs {
		key := addr.String()
		if _, ok := t.addrKeys[key]; ok {
			continue
		}
		if _, ok := t.outgoing[key]; ok {
			continue
		}
		t.addrKeys[key] = struct{}{}
		t.addrs = append(t.addrs, addr)
	}
	t.dialAddresses()
}

// dialAddresses starts outgoing sessions while there are free slots. Must be called with t.m held.
func (t *Torrent) dialAddresses() {
	if t.status != Downloading {
		return
	}
	for len(t.outgoing) < t.config.MaxPeerDial && len(t.addrs) > 0 {
		addr := t.addrs[0]
		t.addrs[0] = nil
		t.addrs = t.addrs[1:]
		key := addr.String()
		delete(t.addrKeys, key)
		if _, ok := t.outgoing[key]; ok {
			continue
		}
		pe := peer.NewOutgoing(addr, t, t.peerOptions())
		t.outgoing[key] = pe
		t.startSession(pe)
	}
}

// startSession runs the session in the group. Must be called with t.m held while running.
func (t *Torrent) startSession(pe *peer.Peer) {
	t.sessions[pe] = struct{}{}
	ctx := t.ctx
	t.group.Go(func() error {
		pe.Run(ctx)
		t.m.Lock()
		defer t.m.Unlock()
		delete(t.sessions, pe)
		if pe.Outgoing() {
			delete(t.outgoing, pe.Addr().String())
		} else {
			t.numIncoming--
		}
		t.dialAddresses()
		return nil
	})
}

func (t *Torrent) accept(ctx context.Context, l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				t.log.Errorln("cannot accept peer connection:", err)
			}
			return nil
		}
		t.m.Lock()
		if t.numIncoming >= t.config.MaxPeerAccept || (t.status != Downloading && t.status != Seeding) {
			t.m.Unlock()
			t.log.Debugln("peer limit reached, rejecting connection from", conn.RemoteAddr())
			conn.Close()
			continue
		}
		t.numIncoming++
		t.startSession(peer.NewIncoming(conn, t, t.peerOptions()))
		t.m.Unlock()
	}
}
