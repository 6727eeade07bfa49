package btconn

import (
	"net"
	"time"
)

// Accept does the incoming side of the handshake on conn.
// hasInfoHash decides if we serve the torrent the remote asks for. It is called before anything is written back.
// Returns the peer id and the info hash of the remote. conn is not closed on error.
func Accept(conn net.Conn, handshakeTimeout time.Duration, hasInfoHash func([20]byte) bool, ourID [20]byte) (peerID, infoHash [20]byte, err error) {
	if err = conn.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return peerID, infoHash, err
	}
	if infoHash, err = readHandshake1(conn); err != nil {
		return peerID, infoHash, err
	}
	if !hasInfoHash(infoHash) {
		return peerID, infoHash, errInvalidInfoHash
	}
	if err = writeHandshake(conn, infoHash, ourID); err != nil {
		return peerID, infoHash, err
	}
	if peerID, err = readHandshake2(conn); err != nil {
		return peerID, infoHash, err
	}
	if peerID == ourID {
		return peerID, infoHash, errOwnConnection
	}
	return peerID, infoHash, conn.SetDeadline(time.Time{})
}
