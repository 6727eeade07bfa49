package peer

import "strings"

// Flags holds the choke and interest status in both directions.
type Flags uint32

// Flag bits.
const (
	// AmChoking is set when we are not serving the requests of the peer.
	AmChoking Flags = 1 << iota
	// AmInterested is set when the peer has a piece that we don't have.
	AmInterested
	// PeerChoking is set when the peer does not serve our requests.
	PeerChoking
	// PeerInterested is set when the peer wants a piece from us.
	PeerInterested
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{AmChoking, "am_choking"},
	{AmInterested, "am_interested"},
	{PeerChoking, "peer_choking"},
	{PeerInterested, "peer_interested"},
}

// Has returns true if all bits in x are set.
func (f Flags) Has(x Flags) bool {
	return f&x == x
}

func (f Flags) String() string {
	var names []string
	for _, fn := range flagNames {
		if f.Has(fn.flag) {
			names = append(names, fn.name)
		}
	}
	return strings.Join(names, "|")
}
