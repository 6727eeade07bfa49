package metainfo

import (
	"crypto/sha1" // nolint: gosec
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/zeebo/bencode"
)

var errInvalidPieceData = errors.New("invalid piece data")

// Info contains the immutable description of the content of a torrent:
// piece length, piece hashes and file layout.
type Info struct {
	PieceLength uint32             `bencode:"piece length" json:"piece_length"`
	Pieces      []byte             `bencode:"pieces" json:"-"`
	Private     bencode.RawMessage `bencode:"private,omitempty" json:"-"`
	Name        string             `bencode:"name" json:"name"`
	Length      int64              `bencode:"length,omitempty" json:"length"` // Single File Mode
	Files       []FileDict         `bencode:"files,omitempty" json:"files"`   // Multiple File mode

	// Calculated fields
	Hash        [20]byte `bencode:"-" json:"-"`
	TotalLength int64    `bencode:"-" json:"total_length"`
	NumPieces   uint32   `bencode:"-" json:"num_pieces"`
	Bytes       []byte   `bencode:"-" json:"-"`
}

// FileDict is a file entry in a multi-file torrent.
type FileDict struct {
	Length int64    `bencode:"length" json:"length"`
	Path   []string `bencode:"path" json:"path"`
}

// NewInfo returns info from bencoded bytes in b.
func NewInfo(b []byte) (*Info, error) {
	var i Info
	if err := bencode.DecodeBytes(b, &i); err != nil {
		return nil, err
	}
	if i.PieceLength == 0 {
		return nil, errors.New("zero piece length")
	}
	if uint32(len(i.Pieces))%sha1.Size != 0 {
		return nil, errInvalidPieceData
	}
	// ".." is not allowed in file names
	for _, file := range i.Files {
		for _, path := range file.Path {
			if strings.TrimSpace(path) == ".." {
				return nil, fmt.Errorf("invalid file name: %q", filepath.Join(file.Path...))
			}
		}
	}
	i.NumPieces = uint32(len(i.Pieces)) / sha1.Size
	if !i.MultiFile() {
		i.TotalLength = i.Length
	} else {
		for _, f := range i.Files {
			if f.Length < 0 {
				return nil, fmt.Errorf("negative file length: %q", filepath.Join(f.Path...))
			}
			i.TotalLength += f.Length
		}
	}
	totalPieceDataLength := int64(i.PieceLength) * int64(i.NumPieces)
	delta := totalPieceDataLength - i.TotalLength
	if delta >= int64(i.PieceLength) || delta < 0 {
		return nil, errInvalidPieceData
	}
	i.Bytes = b
	hash := sha1.New()   // nolint: gosec
	_, _ = hash.Write(b) // nolint: gosec
	copy(i.Hash[:], hash.Sum(nil))
	return &i, nil
}

// MultiFile returns true if the torrent contains a directory of files.
func (i *Info) MultiFile() bool {
	return len(i.Files) != 0
}

// PieceHash returns the SHA-1 hash of the piece at index.
func (i *Info) PieceHash(index uint32) []byte {
	begin := index * sha1.Size
	end := begin + sha1.Size
	return i.Pieces[begin:end]
}

// PieceLen returns the length of the piece at index.
// All pieces have the same length except the last one which may be shorter.
func (i *Info) PieceLen(index uint32) uint32 {
	if index == i.NumPieces-1 {
		return uint32(i.TotalLength - int64(i.PieceLength)*int64(index))
	}
	return i.PieceLength
}

// GetFiles returns the files in torrent as a slice, even if there is a single file.
// Paths are relative to the storage root. Multi-file torrents are placed under a directory named after the torrent.
func (i *Info) GetFiles() []FileDict {
	if i.MultiFile() {
		files := make([]FileDict, len(i.Files))
		for j, f := range i.Files {
			files[j] = FileDict{Length: f.Length, Path: append([]string{i.Name}, f.Path...)}
		}
		return files
	}
	return []FileDict{{i.Length, []string{i.Name}}}
}

// NewInfoBytes reads content of the files from r in order, splits it into pieces and
// returns the bencoded info dictionary. Useful for creating torrents in tests and tools.
func NewInfoBytes(name string, files []FileDict, pieceLength uint32, r io.Reader) ([]byte, error) {
	if pieceLength == 0 {
		return nil, errors.New("zero piece length")
	}
	var total int64
	for _, f := range files {
		total += f.Length
	}
	var pieces []byte
	buf := make([]byte, pieceLength)
	for left := total; left > 0; {
		n := int64(pieceLength)
		if left < n {
			n = left
		}
		if _, err := io.ReadFull(r, buf[:n]); err != nil {
			return nil, err
		}
		sum := sha1.Sum(buf[:n]) // nolint: gosec
		pieces = append(pieces, sum[:]...)
		left -= n
	}
	info := Info{
		PieceLength: pieceLength,
		Pieces:      pieces,
		Name:        name,
	}
	if len(files) == 1 && len(files[0].Path) == 0 {
		info.Length = files[0].Length
	} else {
		info.Files = files
	}
	return bencode.EncodeBytes(info)
}
