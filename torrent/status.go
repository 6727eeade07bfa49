package torrent

// Status of a Torrent.
type Status int

// Torrent statuses.
const (
	// Stopped indicates that the torrent is not running.
	// No peers are connected and files are not open.
	Stopped Status = iota
	// Verifying means the files on disk are being checked.
	Verifying
	// Downloading means the torrent is downloading missing pieces.
	Downloading
	// Seeding means all pieces are downloaded and the torrent only uploads.
	Seeding
	// Stopping indicates that the torrent is closing connections and writing resume data.
	Stopping
)

var statusStrings = map[Status]string{
	Stopped:     "Stopped",
	Verifying:   "Verifying",
	Downloading: "Downloading",
	Seeding:     "Seeding",
	Stopping:    "Stopping",
}

func (s Status) String() string {
	return statusStrings[s]
}

// MarshalText returns the name of the status.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
