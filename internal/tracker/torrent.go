package tracker

// Torrent contains fields that are sent in an announce request.
type Torrent struct {
	InfoHash        [20]byte
	PeerID          [20]byte
	Port            int
	BytesUploaded   int64
	BytesDownloaded int64
	BytesLeft       int64
}
