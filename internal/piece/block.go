package piece

// Block is part of a Piece.
type Block struct {
	Index  uint32 // index in piece
	Begin  uint32 // offset in piece
	Length uint32
}

// Request identifies a block of a torrent, as carried by "request", "piece" and "cancel" messages.
type Request struct {
	Index  uint32 // piece index
	Begin  uint32 // offset in piece
	Length uint32
}
