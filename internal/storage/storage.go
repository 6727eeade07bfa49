// Package storage contains an interface for reading and writing files in a torrent.
package storage

import "io"

// Storage is an interface for reading/writing torrent files.
type Storage interface {
	// Open a file at path name relative to the storage root.
	// The file is created with the given size if it does not exist.
	// An existing file is opened as is, even if its size differs.
	Open(name string, size int64) (f File, exists bool, err error)
}

// File interface for reading/writing torrent data.
type File interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
}

// Advisor is implemented by files that accept access pattern hints from the caller.
type Advisor interface {
	AdviseSequential(on bool) error
}
