package diskio

import "fmt"

// Error is returned for failed disk operations. These errors are not recoverable
// and the torrent must be stopped when one is received.
type Error struct {
	Op    string // open, read, write or close
	Piece uint32
	Err   error
}

func (e *Error) Error() string {
	if e.Op == "open" || e.Op == "close" {
		return fmt.Sprintf("disk %s: %s", e.Op, e.Err)
	}
	return fmt.Sprintf("disk %s piece #%d: %s", e.Op, e.Piece, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
