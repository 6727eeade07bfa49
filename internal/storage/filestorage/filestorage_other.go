//go:build !linux

package filestorage

import "os"

func adviseSequential(f *os.File, on bool) error {
	return nil
}
