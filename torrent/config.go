package torrent

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config for a Torrent.
type Config struct {
	// Port to listen for incoming peer connections. Zero picks a random port.
	Port int `yaml:"port"`
	// Downloaded files are saved under this directory.
	DataDir string `yaml:"data_dir"`
	// Resume state of torrents is kept in this file.
	Database string `yaml:"database"`

	// Max number of blocks requested from a peer but not received yet.
	RequestQueueLength int `yaml:"request_queue_length"`
	// Time to wait for a requested block to be received before canceling the request.
	// Zero disables the timeout.
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// Max number of outgoing connections to dial.
	MaxPeerDial int `yaml:"max_peer_dial"`
	// Max number of incoming connections to accept.
	MaxPeerAccept int `yaml:"max_peer_accept"`
	// Number of peers that are unchoked by their speed.
	UnchokedPeers int `yaml:"unchoked_peers"`
	// Number of peers that are unchoked randomly.
	OptimisticUnchokedPeers int `yaml:"optimistic_unchoked_peers"`
	// Download and upload speed limits in KiB/s. Zero means unlimited.
	SpeedLimitDownload int64 `yaml:"speed_limit_download"`
	SpeedLimitUpload   int64 `yaml:"speed_limit_upload"`

	// Time to wait for TCP connection to open.
	DialTimeout time.Duration `yaml:"dial_timeout"`
	// Time to wait for BitTorrent handshake to complete.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	// When peer has started to send piece block, if it does not send any bytes in PieceReadTimeout, the connection is closed.
	PieceReadTimeout time.Duration `yaml:"piece_read_timeout"`
	// Resume state is saved at this interval while running.
	ResumeWriteInterval time.Duration `yaml:"resume_write_interval"`

	// Number of peer addresses to request in announce request.
	TrackerNumWant int `yaml:"tracker_num_want"`
	// Minimum time between announces to a tracker.
	TrackerMinAnnounceInterval time.Duration `yaml:"tracker_min_announce_interval"`
	// Time to wait for announcing stopped event.
	TrackerStoppedEventTimeout time.Duration `yaml:"tracker_stopped_event_timeout"`

	// Number of recently uploaded pieces kept in memory.
	ReadCachePieces int `yaml:"read_cache_pieces"`
}

// DefaultConfig for Torrent.
var DefaultConfig = Config{
	Port:     6881,
	DataDir:  "~/drizzle-data",
	Database: "~/drizzle/resume.db",

	RequestQueueLength:      50,
	RequestTimeout:          0,
	MaxPeerDial:             40,
	MaxPeerAccept:           40,
	UnchokedPeers:           3,
	OptimisticUnchokedPeers: 1,

	DialTimeout:         5 * time.Second,
	HandshakeTimeout:    10 * time.Second,
	PieceReadTimeout:    30 * time.Second,
	ResumeWriteInterval: 30 * time.Second,

	TrackerNumWant:             200,
	TrackerMinAnnounceInterval: time.Minute,
	TrackerStoppedEventTimeout: 5 * time.Second,

	ReadCachePieces: 8,
}

// LoadConfig reads the YAML file on top of DefaultConfig. A missing file is not an error.
func LoadConfig(filename string) (*Config, error) {
	c := DefaultConfig
	b, err := os.ReadFile(filename)
	if os.IsNotExist(err) {
		return &c, nil
	}
	if err != nil {
		return nil, err
	}
	if err = yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
