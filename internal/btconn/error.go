package btconn

var (
	errInvalidProtocol = &Error{Reason: "invalid protocol string"}
	errInvalidInfoHash = &Error{Reason: "invalid info hash"}
	errOwnConnection   = &Error{Reason: "dropped own connection"}
)

// Error is returned when the remote side breaks the handshake.
// Network errors are returned as they are.
type Error struct {
	Reason string
}

func (e *Error) Error() string {
	return "handshake: " + e.Reason
}
