package peer

import "fmt"

// State of the connection to a peer.
type State int32

// States of a peer connection. Choke and interest flags change independently while Established.
const (
	Connecting State = iota
	Handshaking
	Established
	Closed
)

var stateStrings = map[State]string{
	Connecting:  "connecting",
	Handshaking: "handshaking",
	Established: "established",
	Closed:      "closed",
}

func (s State) String() string {
	return stateStrings[s]
}

var transitions = map[State][]State{
	Connecting:  {Handshaking, Closed},
	Handshaking: {Established, Closed},
	Established: {Closed},
}

func checkTransition(from, to State) {
	for _, s := range transitions[from] {
		if s == to {
			return
		}
	}
	panic(fmt.Sprintf("illegal peer state transition: %s -> %s", from, to))
}
