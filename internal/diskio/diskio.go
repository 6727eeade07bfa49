// Package diskio reads and writes the blocks of a torrent to its files, checks piece hashes and
// scans existing files on start.
package diskio

import (
	"context"
	"crypto/sha1" // nolint: gosec
	"errors"
	"io"
	"path/filepath"
	"sync"

	"github.com/cenkalti/drizzle/internal/bitfield"
	"github.com/cenkalti/drizzle/internal/filesection"
	"github.com/cenkalti/drizzle/internal/logger"
	"github.com/cenkalti/drizzle/internal/metainfo"
	"github.com/cenkalti/drizzle/internal/piece"
	"github.com/cenkalti/drizzle/internal/piececache"
	"github.com/cenkalti/drizzle/internal/storage"
	"github.com/hashicorp/go-multierror"
)

var errInvalidBlock = errors.New("invalid block")

// Disk maps pieces of a torrent onto its files.
// Writes to the same file are serialized. Writes to different files run concurrently.
// Disk is safe for concurrent use.
type Disk struct {
	files  []storage.File
	pieces []piece.Piece
	exists bool

	// One lock per file. Operations spanning files take locks in file order.
	locks []sync.RWMutex

	// Blocks written to disk for pieces that are not verified yet.
	m       sync.Mutex
	written map[uint32]*bitfield.Bitfield

	cache *piececache.Cache
	log   logger.Logger
}

// New opens the files of the torrent in sto. Missing files are created.
// If cachePieces is positive, that many pieces read for uploads are kept in memory.
func New(info *metainfo.Info, sto storage.Storage, cachePieces int) (*Disk, error) {
	d := &Disk{
		written: make(map[uint32]*bitfield.Bitfield),
		log:     logger.New("disk " + info.Name),
	}
	for _, f := range info.GetFiles() {
		file, exists, err := sto.Open(filepath.Join(f.Path...), f.Length)
		if err != nil {
			_ = d.closeFiles()
			return nil, &Error{Op: "open", Err: err}
		}
		d.files = append(d.files, file)
		d.exists = d.exists || exists
	}
	d.locks = make([]sync.RWMutex, len(d.files))
	d.pieces = piece.NewPieces(info, d.files)
	if cachePieces > 0 {
		d.cache, _ = piececache.New(cachePieces)
	}
	return d, nil
}

// Exists returns true if any of the files was present on disk before New.
func (d *Disk) Exists() bool {
	return d.exists
}

// Close the files.
func (d *Disk) Close() error {
	if d.cache != nil {
		d.cache.Clear()
	}
	if err := d.closeFiles(); err != nil {
		return &Error{Op: "close", Err: err}
	}
	return nil
}

func (d *Disk) closeFiles() error {
	var result error
	for _, f := range d.files {
		if err := f.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}

func (d *Disk) lock(secs filesection.Sections) func() {
	idx := secs.FileIndexes()
	for _, i := range idx {
		d.locks[i].Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			d.locks[idx[j]].Unlock()
		}
	}
}

func (d *Disk) rlock(secs filesection.Sections) func() {
	idx := secs.FileIndexes()
	for _, i := range idx {
		d.locks[i].RLock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			d.locks[idx[j]].RUnlock()
		}
	}
}

// WriteBlock writes data of a block at begin in the piece at index.
// complete is true if this write made every block of the piece written.
func (d *Disk) WriteBlock(index, begin uint32, data []byte) (complete bool, err error) {
	if index >= uint32(len(d.pieces)) {
		return false, errInvalidBlock
	}
	p := &d.pieces[index]
	blk, ok := p.FindBlock(begin, uint32(len(data)))
	if !ok {
		return false, errInvalidBlock
	}
	secs, err := p.Data.Slice(int64(begin), int64(len(data)))
	if err != nil {
		return false, errInvalidBlock
	}
	unlock := d.lock(secs)
	_, err = secs.WriteAt(data, 0)
	unlock()
	if err != nil {
		return false, &Error{Op: "write", Piece: index, Err: err}
	}
	d.m.Lock()
	defer d.m.Unlock()
	bf, ok := d.written[index]
	if !ok {
		bf = bitfield.New(uint32(p.NumBlocks()))
		d.written[index] = bf
	}
	before := bf.All()
	bf.Set(blk.Index)
	return !before && bf.All(), nil
}

// RestoreBlock marks a block as written without writing it. Used when loading resume data.
func (d *Disk) RestoreBlock(index, begin uint32) bool {
	if index >= uint32(len(d.pieces)) {
		return false
	}
	p := &d.pieces[index]
	idx := begin / piece.BlockSize
	if begin%piece.BlockSize != 0 || idx >= uint32(p.NumBlocks()) {
		return false
	}
	d.m.Lock()
	defer d.m.Unlock()
	bf, ok := d.written[index]
	if !ok {
		bf = bitfield.New(uint32(p.NumBlocks()))
		d.written[index] = bf
	}
	bf.Set(idx)
	return true
}

// WrittenBlocks returns the indexes of blocks written for pieces that are not verified yet.
func (d *Disk) WrittenBlocks() map[uint32][]uint32 {
	d.m.Lock()
	defer d.m.Unlock()
	ret := make(map[uint32][]uint32, len(d.written))
	for index, bf := range d.written {
		var blocks []uint32
		for i := uint32(0); i < bf.Len(); i++ {
			if bf.Test(i) {
				blocks = append(blocks, i)
			}
		}
		ret[index] = blocks
	}
	return ret
}

// VerifyPiece reads the piece at index from disk and compares its hash.
// On success the written blocks of the piece are forgotten.
func (d *Disk) VerifyPiece(index uint32) (bool, error) {
	p := &d.pieces[index]
	buf := make([]byte, p.Length)
	if err := d.readPiece(p, buf); err != nil {
		return false, &Error{Op: "read", Piece: index, Err: err}
	}
	ok := p.VerifyHash(buf, sha1.New()) // nolint: gosec
	if ok {
		d.m.Lock()
		delete(d.written, index)
		d.m.Unlock()
	}
	return ok, nil
}

// ResetPiece forgets the written blocks of a piece after a hash failure.
func (d *Disk) ResetPiece(index uint32) {
	d.m.Lock()
	delete(d.written, index)
	d.m.Unlock()
}

func (d *Disk) readPiece(p *piece.Piece, buf []byte) error {
	unlock := d.rlock(p.Data)
	defer unlock()
	_, err := p.Data.ReadAt(buf, 0)
	return err
}

// ReadBlock reads length of len(buf) at begin in the piece at index into buf.
// The piece must be verified.
func (d *Disk) ReadBlock(index, begin uint32, buf []byte) error {
	if index >= uint32(len(d.pieces)) {
		return errInvalidBlock
	}
	p := &d.pieces[index]
	if uint64(begin)+uint64(len(buf)) > uint64(p.Length) {
		return errInvalidBlock
	}
	if d.cache != nil {
		data, err := d.cache.Get(index, func() ([]byte, error) {
			b := make([]byte, p.Length)
			return b, d.readPiece(p, b)
		})
		if err != nil {
			return &Error{Op: "read", Piece: index, Err: err}
		}
		copy(buf, data[begin:])
		return nil
	}
	secs, err := p.Data.Slice(int64(begin), int64(len(buf)))
	if err != nil {
		return errInvalidBlock
	}
	unlock := d.rlock(secs)
	_, err = secs.ReadAt(buf, 0)
	unlock()
	if err != nil {
		return &Error{Op: "read", Piece: index, Err: err}
	}
	return nil
}

// PieceReader returns an io.ReaderAt reading the piece at index. Offsets are relative to the piece.
func (d *Disk) PieceReader(index uint32) io.ReaderAt {
	return pieceReader{d: d, index: index}
}

type pieceReader struct {
	d     *Disk
	index uint32
}

func (r pieceReader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(^uint32(0)) {
		return 0, errInvalidBlock
	}
	if err := r.d.ReadBlock(r.index, uint32(off), p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Scan reads and hashes every piece in order and returns the bitfield of pieces found intact on disk.
// Pieces that cannot be read completely because files are missing or short are reported absent.
// If none of the files existed before, nothing is read.
// progress is called after each piece with the number of pieces checked so far.
func (d *Disk) Scan(ctx context.Context, progress func(checked uint32)) (*bitfield.Bitfield, error) {
	bf := bitfield.New(uint32(len(d.pieces)))
	if !d.exists || len(d.pieces) == 0 {
		return bf, nil
	}
	d.adviseSequential(true)
	defer d.adviseSequential(false)

	buf := make([]byte, d.pieces[0].Length)
	hash := sha1.New() // nolint: gosec
	for i := range d.pieces {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p := &d.pieces[i]
		buf = buf[:p.Length]
		err := d.readPiece(p, buf)
		switch {
		case err == io.ErrUnexpectedEOF || err == io.EOF:
		case err != nil:
			return nil, &Error{Op: "read", Piece: p.Index, Err: err}
		case p.VerifyHash(buf, hash):
			bf.Set(p.Index)
		}
		if progress != nil {
			progress(p.Index + 1)
		}
	}
	d.log.Infof("scanned %d pieces, %d found on disk", len(d.pieces), bf.Count())
	return bf, nil
}

func (d *Disk) adviseSequential(on bool) {
	for _, f := range d.files {
		if a, ok := f.(storage.Advisor); ok {
			if err := a.AdviseSequential(on); err != nil {
				d.log.Debugln("cannot set access pattern:", err.Error())
			}
		}
	}
}
