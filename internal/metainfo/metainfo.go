// Package metainfo reads .torrent files and the info dictionary inside them.
package metainfo

import (
	"errors"
	"io"
	"strings"

	"github.com/zeebo/bencode"
)

var errNoInfo = errors.New("torrent file has no info dictionary")

// MetaInfo is the decoded content of a .torrent file.
type MetaInfo struct {
	Info Info
	// Tiers of tracker URLs. Only http, https and udp trackers are kept, empty tiers are dropped.
	Trackers [][]string
}

type torrentFile struct {
	Info         bencode.RawMessage `bencode:"info"`
	Announce     string             `bencode:"announce,omitempty"`
	AnnounceList [][]string         `bencode:"announce-list,omitempty"`
}

// New decodes a .torrent file from r.
// If the file has an "announce-list" key, "announce" is ignored.
func New(r io.Reader) (*MetaInfo, error) {
	var f struct {
		Info         bencode.RawMessage `bencode:"info"`
		Announce     bencode.RawMessage `bencode:"announce"`
		AnnounceList bencode.RawMessage `bencode:"announce-list"`
	}
	if err := bencode.NewDecoder(r).Decode(&f); err != nil {
		return nil, err
	}
	if len(f.Info) == 0 {
		return nil, errNoInfo
	}
	info, err := NewInfo(f.Info)
	if err != nil {
		return nil, err
	}
	mi := &MetaInfo{Info: *info}

	// Malformed tracker keys are not fatal, the torrent can still be downloaded from known peers.
	var tiers [][]string
	switch {
	case len(f.AnnounceList) > 0:
		_ = bencode.DecodeBytes(f.AnnounceList, &tiers)
	case len(f.Announce) > 0:
		var url string
		if bencode.DecodeBytes(f.Announce, &url) == nil {
			tiers = [][]string{{url}}
		}
	}
	mi.Trackers = supportedTiers(tiers)
	return mi, nil
}

func supportedTiers(tiers [][]string) [][]string {
	var ret [][]string
	for _, tier := range tiers {
		var urls []string
		for _, u := range tier {
			if trackerSupported(u) {
				urls = append(urls, u)
			}
		}
		if len(urls) > 0 {
			ret = append(ret, urls)
		}
	}
	return ret
}

func trackerSupported(url string) bool {
	for _, scheme := range []string{"http://", "https://", "udp://"} {
		if strings.HasPrefix(url, scheme) {
			return true
		}
	}
	return false
}

// NewBytes encodes a .torrent file with the bencoded info dictionary and tracker tiers.
// A single tracker is written as "announce", anything else as "announce-list".
func NewBytes(info []byte, trackers [][]string) ([]byte, error) {
	f := torrentFile{Info: info}
	if len(trackers) == 1 && len(trackers[0]) == 1 {
		f.Announce = trackers[0][0]
	} else {
		f.AnnounceList = trackers
	}
	return bencode.EncodeBytes(f)
}
