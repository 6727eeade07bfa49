// Package piece describes the geometry of pieces and blocks and maps pieces onto the files of a torrent.
package piece

import (
	"bytes"
	"crypto/sha1" // nolint: gosec
	"hash"
	"path/filepath"

	"github.com/cenkalti/drizzle/internal/filesection"
	"github.com/cenkalti/drizzle/internal/metainfo"
	"github.com/cenkalti/drizzle/internal/storage"
)

// BlockSize is the size of the blocks requested from peers.
const BlockSize = 16 * 1024

// Piece of a torrent.
type Piece struct {
	Index  uint32 // index in torrent
	Length uint32 // always equal to PieceLength except last piece.
	Hash   []byte // correct hash value
	Data   filesection.Sections
}

// NewPieces returns the pieces of info, each mapped to the byte ranges of files it covers.
// files must be in the same order as info.GetFiles().
func NewPieces(info *metainfo.Info, files []storage.File) []Piece {
	var (
		fileIndex  int   // index of the current file in torrent
		fileLength int64 // length of the current file
		fileOffset int64 // offset in file: [0, fileLength)
	)
	infoFiles := info.GetFiles()
	if len(infoFiles) > 0 {
		fileLength = infoFiles[0].Length
	}
	fileLeft := func() int64 { return fileLength - fileOffset }
	nextFile := func() {
		fileIndex++
		fileLength = infoFiles[fileIndex].Length
		fileOffset = 0
	}

	pieces := make([]Piece, info.NumPieces)
	for i := uint32(0); i < info.NumPieces; i++ {
		p := Piece{
			Index:  i,
			Length: info.PieceLen(i),
			Hash:   info.PieceHash(i),
		}
		for left := int64(p.Length); left > 0; {
			// skip exhausted and empty files
			for fileLeft() == 0 {
				nextFile()
			}
			n := minInt64(left, fileLeft())
			p.Data = append(p.Data, filesection.Section{
				File:      files[fileIndex],
				FileIndex: fileIndex,
				Name:      filepath.Join(infoFiles[fileIndex].Path...),
				Offset:    fileOffset,
				Length:    n,
			})
			left -= n
			fileOffset += n
		}
		pieces[i] = p
	}
	return pieces
}

// NumBlocks returns the number of blocks in the piece.
func (p *Piece) NumBlocks() int {
	return int(NumBlocks(p.Length))
}

// NumBlocks returns the number of blocks in a piece of given length.
func NumBlocks(length uint32) uint32 {
	div, mod := divMod32(length, BlockSize)
	if mod != 0 {
		div++
	}
	return div
}

// Blocks returns all blocks of a piece with given length.
func Blocks(length uint32) []Block {
	n := NumBlocks(length)
	blocks := make([]Block, n)
	for i := uint32(0); i < n; i++ {
		blocks[i] = blockAt(length, i)
	}
	return blocks
}

// GetBlock returns the block at index i.
func (p *Piece) GetBlock(i uint32) (Block, bool) {
	if i >= NumBlocks(p.Length) {
		return Block{}, false
	}
	return blockAt(p.Length, i), true
}

// FindBlock returns the block at given offset and length.
// Returns false if no block is aligned on begin or the length does not match.
func (p *Piece) FindBlock(begin, length uint32) (Block, bool) {
	idx, mod := divMod32(begin, BlockSize)
	if mod != 0 {
		return Block{}, false
	}
	b, ok := p.GetBlock(idx)
	if !ok || b.Length != length {
		return Block{}, false
	}
	return b, true
}

// VerifyHash returns true if hash of buf matches the piece hash.
func (p *Piece) VerifyHash(buf []byte, h hash.Hash) bool {
	if uint32(len(buf)) != p.Length {
		return false
	}
	h.Reset()
	_, _ = h.Write(buf)
	var sum [sha1.Size]byte
	return bytes.Equal(h.Sum(sum[:0]), p.Hash)
}

func blockAt(length, i uint32) Block {
	b := Block{Index: i, Begin: i * BlockSize, Length: BlockSize}
	if rest := length - b.Begin; rest < BlockSize {
		b.Length = rest
	}
	return b
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func divMod32(a, b uint32) (uint32, uint32) { return a / b, a % b }
