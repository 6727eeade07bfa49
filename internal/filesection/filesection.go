// Package filesection maps a contiguous byte range onto sections of one or more files.
package filesection

import (
	"errors"
	"io"
)

// ReadWriterAt is the file backing a section.
type ReadWriterAt interface {
	io.ReaderAt
	io.WriterAt
}

// Section of a file.
type Section struct {
	File      ReadWriterAt
	FileIndex int    // index of the file in torrent
	Name      string // for error messages
	Offset    int64
	Length    int64
}

// Sections is contiguous sections of files. When piece hashes in torrent file is being calculated
// all files are concatenated and splitted into pieces in length specified in the torrent file.
type Sections []Section

var errOutOfRange = errors.New("range is out of sections")

// Length returns the total length of all sections.
func (s Sections) Length() int64 {
	var n int64
	for _, sec := range s {
		n += sec.Length
	}
	return n
}

// Slice returns the sections covering the range [off, off+length).
func (s Sections) Slice(off, length int64) (Sections, error) {
	if off < 0 || length < 0 || off+length > s.Length() {
		return nil, errOutOfRange
	}
	var ret Sections
	for _, sec := range s {
		if length == 0 {
			break
		}
		if off >= sec.Length {
			off -= sec.Length
			continue
		}
		n := sec.Length - off
		if n > length {
			n = length
		}
		ret = append(ret, Section{
			File:      sec.File,
			FileIndex: sec.FileIndex,
			Name:      sec.Name,
			Offset:    sec.Offset + off,
			Length:    n,
		})
		length -= n
		off = 0
	}
	return ret, nil
}

// ReadAt implements io.ReaderAt interface.
// It reads bytes from s at given offset into p.
// A file that is shorter than its section results in io.ErrUnexpectedEOF.
func (s Sections) ReadAt(p []byte, off int64) (n int, err error) {
	ss, err := s.Slice(off, int64(len(p)))
	if err != nil {
		return 0, err
	}
	var m int
	for _, sec := range ss {
		m, err = sec.File.ReadAt(p[:sec.Length], sec.Offset)
		n += m
		if int64(m) == sec.Length {
			err = nil
		} else if err == nil || err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		if err != nil {
			return
		}
		p = p[m:]
	}
	return
}

// WriteAt implements io.WriterAt interface.
// It writes the bytes in p into files in s starting from off.
func (s Sections) WriteAt(p []byte, off int64) (n int, err error) {
	ss, err := s.Slice(off, int64(len(p)))
	if err != nil {
		return 0, err
	}
	var m int
	for _, sec := range ss {
		m, err = sec.File.WriteAt(p[:sec.Length], sec.Offset)
		n += m
		if err != nil {
			return
		}
		if int64(m) < sec.Length {
			err = io.ErrShortWrite
			return
		}
		p = p[m:]
	}
	return
}

// FileIndexes returns the distinct indexes of files that s touches, in ascending order.
func (s Sections) FileIndexes() []int {
	var ret []int
	for _, sec := range s {
		if sec.Length == 0 {
			continue
		}
		if len(ret) > 0 && ret[len(ret)-1] == sec.FileIndex {
			continue
		}
		ret = append(ret, sec.FileIndex)
	}
	return ret
}
