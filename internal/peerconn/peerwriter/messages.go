package peerwriter

// BlockUploaded is sent after a piece block is written to the remote peer.
// It is used for counting the number of bytes uploaded.
type BlockUploaded struct {
	Index, Begin, Length uint32
}
