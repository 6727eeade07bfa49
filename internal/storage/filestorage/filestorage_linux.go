package filestorage

import (
	"os"

	"golang.org/x/sys/unix"
)

func adviseSequential(f *os.File, on bool) error {
	advice := unix.FADV_NORMAL
	if on {
		advice = unix.FADV_SEQUENTIAL
	}
	return unix.Fadvise(int(f.Fd()), 0, 0, advice)
}
