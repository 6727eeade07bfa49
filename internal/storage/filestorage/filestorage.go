// Package filestorage implements Storage interface that uses files on disk as storage.
package filestorage

import (
	"os"
	"path/filepath"

	"github.com/cenkalti/drizzle/internal/storage"
)

// FileStorage keeps the files of a torrent under a destination directory.
type FileStorage struct {
	dest string
}

// New returns a new FileStorage rooted at dest.
func New(dest string) (*FileStorage, error) {
	var err error
	dest, err = filepath.Abs(dest)
	if err != nil {
		return nil, err
	}
	return &FileStorage{dest: dest}, nil
}

var _ storage.Storage = (*FileStorage)(nil)

// Dest returns the root directory of the storage.
func (s *FileStorage) Dest() string {
	return s.dest
}

// Open the file at name. New files are truncated to size. Existing files are left untouched
// so that a partially written file reads short during the resume scan.
func (s *FileStorage) Open(name string, size int64) (f storage.File, exists bool, err error) {
	name = filepath.Clean(name)

	// All files are saved under dest.
	name = filepath.Join(s.dest, name)

	// Create containing dir if not exists.
	err = os.MkdirAll(filepath.Dir(name), os.ModeDir|0750)
	if err != nil {
		return
	}

	// Make sure OS file is closed in case of any error.
	var of *os.File
	defer func() {
		if err != nil && of != nil {
			_ = of.Close()
		}
	}()

	const mode = 0640
	of, err = os.OpenFile(name, os.O_RDWR, mode) // nolint: gosec
	if os.IsNotExist(err) {
		of, err = os.OpenFile(name, os.O_RDWR|os.O_CREATE, mode) // nolint: gosec
		if err != nil {
			return
		}
		err = of.Truncate(size)
		if err != nil {
			return
		}
		f = &File{File: of}
		return
	}
	if err != nil {
		return
	}
	f = &File{File: of}
	exists = true
	return
}

// File is a file on disk.
type File struct {
	*os.File
}

var _ storage.Advisor = (*File)(nil)

// AdviseSequential tells the kernel that the file is going to be read sequentially.
// It is a no-op on platforms that do not support it.
func (f *File) AdviseSequential(on bool) error {
	return adviseSequential(f.File, on)
}
