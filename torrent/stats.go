package torrent

// Stats contains statistics about Torrent.
type Stats struct {
	// Name of the torrent.
	Name string `json:"name"`
	// Info hash of torrent as hex string.
	InfoHash string `json:"info_hash"`
	// Listening port number.
	Port int `json:"port"`
	// Status of the torrent.
	Status Status `json:"status"`
	// Contains the error if torrent is stopped unexpectedly.
	Error  error `json:"error"`
	Pieces struct {
		// Number of pieces that are checked when torrent is in "Verifying" state.
		Checked uint32 `json:"checked"`
		// Number of pieces that are downloaded and verified by hash check.
		Have uint32 `json:"have"`
		// Number of pieces that need to be downloaded.
		Missing uint32 `json:"missing"`
		// Number of pieces that we have or at least one connected peer has.
		// If this number is less than the total, the download may never finish.
		Available uint32 `json:"available"`
		// Number of total pieces in torrent.
		Total uint32 `json:"total"`
	} `json:"pieces"`
	Bytes struct {
		// Bytes that are downloaded and passed hash check.
		Completed int64 `json:"completed"`
		// Total length minus lengths of verified pieces.
		Left int64 `json:"left"`
		// The number of total bytes of files in torrent. Total = Completed + Left
		Total int64 `json:"total"`
		// Downloaded is the number of bytes downloaded from swarm.
		// Because some blocks may be downloaded more than once, this number may be greater than Completed.
		Downloaded int64 `json:"downloaded"`
		// Uploaded is the number of bytes uploaded to the swarm.
		Uploaded int64 `json:"uploaded"`
		// Bytes of duplicate blocks and pieces that failed hash check.
		Wasted int64 `json:"wasted"`
	} `json:"bytes"`
	Peers struct {
		// Number of peers that are connected and handshaked.
		Total int `json:"total"`
		// Number of established peers that have connected to us.
		Incoming int `json:"incoming"`
		// Number of established peers that we have connected to.
		Outgoing int `json:"outgoing"`
		// Number of sessions that are not handshaked yet.
		Connecting int `json:"connecting"`
		// Addresses waiting to be dialed.
		Queued int `json:"queued"`
		// Number of peers on parole after sending corrupt data.
		Parole int `json:"parole"`
	} `json:"peers"`
	Downloads struct {
		// Number of pieces that have some blocks requested or received.
		PartialPieces int `json:"partial_pieces"`
		// Number of blocks in Requested state.
		RequestedBlocks int `json:"requested_blocks"`
		// Blocks are requested from more than one peer.
		EndGame bool `json:"end_game"`
	} `json:"downloads"`
	// Speed is calculated as 1-minute moving average.
	Speed struct {
		// Downloaded bytes per second.
		Download int `json:"download"`
		// Uploaded bytes per second.
		Upload int `json:"upload"`
	} `json:"speed"`
	Trackers []TrackerStats `json:"trackers"`
}

// TrackerStats is the status of a tracker the torrent announces to.
type TrackerStats struct {
	URL      string `json:"url"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	Seeders  int    `json:"seeders"`
	Leechers int    `json:"leechers"`
}

// Stats returns statistics about the Torrent.
func (t *Torrent) Stats() Stats {
	t.m.Lock()
	var s Stats
	s.Name = t.info.Name
	s.InfoHash = t.InfoHash()
	s.Port = t.port
	s.Status = t.status
	s.Error = t.lastErr
	s.Pieces.Checked = t.checked
	s.Pieces.Total = t.info.NumPieces
	if t.bitfield != nil {
		s.Pieces.Have = t.bitfield.Count()
	}
	s.Pieces.Missing = s.Pieces.Total - s.Pieces.Have
	s.Bytes.Total = t.info.TotalLength
	s.Bytes.Left = t.bytesLeft()
	s.Bytes.Completed = s.Bytes.Total - s.Bytes.Left
	s.Bytes.Downloaded = t.bytesDownloaded.Count()
	s.Bytes.Uploaded = t.bytesUploaded.Count()
	s.Bytes.Wasted = t.bytesWasted.Count()
	for pe, rec := range t.peers {
		if pe.Outgoing() {
			s.Peers.Outgoing++
		} else {
			s.Peers.Incoming++
		}
		if rec.parole {
			s.Peers.Parole++
		}
	}
	s.Peers.Total = len(t.peers)
	s.Peers.Connecting = len(t.sessions) - len(t.peers)
	s.Peers.Queued = len(t.addrs)
	if t.picker != nil {
		for i := uint32(0); i < t.info.NumPieces; i++ {
			if t.bitfield.Test(i) || t.picker.Availability(i) > 0 {
				s.Pieces.Available++
			}
		}
		s.Downloads.PartialPieces = t.picker.NumPartial()
		s.Downloads.RequestedBlocks = t.picker.NumRequested()
		s.Downloads.EndGame = t.picker.EndGame()
	}
	s.Speed.Download = int(t.downloadSpeed.Rate())
	s.Speed.Upload = int(t.uploadSpeed.Rate())
	announcers := t.announcers
	t.m.Unlock()

	// Announcers are not called with the lock held, they request torrent info from their goroutines.
	for _, an := range announcers {
		as := an.Stats()
		ts := TrackerStats{
			URL:      an.Tracker.URL(),
			Status:   as.Status.String(),
			Seeders:  as.Seeders,
			Leechers: as.Leechers,
		}
		if as.Error != nil {
			ts.Error = as.Error.Error()
		}
		s.Trackers = append(s.Trackers, ts)
	}
	return s
}
