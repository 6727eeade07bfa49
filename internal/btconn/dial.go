package btconn

import (
	"bytes"
	"context"
	"net"
	"time"

	"github.com/cenkalti/drizzle/internal/logger"
)

// Dial new connection to the address and does the BitTorrent protocol handshake.
// Returns a net.Conn that is ready for sending/receiving BitTorrent peer protocol messages.
// Canceling ctx aborts both connecting and the handshake.
func Dial(
	ctx context.Context,
	addr net.Addr,
	dialTimeout, handshakeTimeout time.Duration,
	ih [20]byte,
	ourID [20]byte) (
	conn net.Conn, peerID [20]byte, err error) {
	log := logger.New("conn -> " + addr.String())

	log.Debug("Connecting to peer...")
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err = dialer.DialContext(ctx, addr.Network(), addr.String())
	if err != nil {
		return
	}
	log.Debug("Connected")
	peerID, err = Handshake(ctx, conn, handshakeTimeout, ih, ourID)
	if err != nil {
		conn.Close()
		conn = nil
	}
	return
}

// Handshake does the outgoing side of the BitTorrent protocol handshake on an established connection.
// The connection is closed if ctx is canceled before the handshake completes.
func Handshake(ctx context.Context, conn net.Conn, handshakeTimeout time.Duration, ih, ourID [20]byte) (peerID [20]byte, err error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	out := bytes.NewBuffer(make([]byte, 0, 68))
	err = writeHandshake(out, ih, ourID)
	if err != nil {
		return
	}

	// Handshake must be completed in allowed duration.
	if err = conn.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return
	}
	if _, err = conn.Write(out.Bytes()); err != nil {
		return
	}

	ihRead, err := readHandshake1(conn)
	if err != nil {
		return
	}
	if ihRead != ih {
		err = errInvalidInfoHash
		return
	}
	peerID, err = readHandshake2(conn)
	if err != nil {
		return
	}
	if peerID == ourID {
		err = errOwnConnection
		return
	}
	err = conn.SetDeadline(time.Time{})
	return
}
