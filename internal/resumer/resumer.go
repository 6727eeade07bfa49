// Package resumer contains an interface that is used by torrent package for resuming an existing download.
package resumer

import "time"

// Resumer provides operations to save and load resume info for a Torrent.
type Resumer interface {
	// Read returns nil if there is no saved state.
	Read() (*Spec, error)
	Write(*Spec) error
	WriteBitfield(bitfield []byte, partial []PartialPiece) error
	WriteStats(Stats) error
}

// Spec is the state saved for a torrent.
type Spec struct {
	InfoHash []byte
	Dest     string
	Bitfield []byte
	// Blocks written to disk for pieces that are not verified yet.
	Partial []PartialPiece
	AddedAt time.Time
	Stats
}

// PartialPiece lists the begin offsets of blocks written to disk for a piece.
type PartialPiece struct {
	Index  uint32   `bencode:"index"`
	Blocks []uint32 `bencode:"blocks"`
}

// Stats are the counters of a torrent.
type Stats struct {
	BytesDownloaded int64
	BytesUploaded   int64
	BytesWasted     int64
}
