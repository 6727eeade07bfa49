// Package boltdbresumer provides a Resumer implementation that uses a Bolt database file as storage.
package boltdbresumer

import (
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/drizzle/internal/resumer"
	"github.com/zeebo/bencode"
	"go.etcd.io/bbolt"
)

// Keys for the persistent storage.
var Keys = struct {
	InfoHash        []byte
	Dest            []byte
	Bitfield        []byte
	Partial         []byte
	AddedAt         []byte
	BytesDownloaded []byte
	BytesUploaded   []byte
	BytesWasted     []byte
}{
	InfoHash:        []byte("info_hash"),
	Dest:            []byte("dest"),
	Bitfield:        []byte("bitfield"),
	Partial:         []byte("partial"),
	AddedAt:         []byte("added_at"),
	BytesDownloaded: []byte("bytes_downloaded"),
	BytesUploaded:   []byte("bytes_uploaded"),
	BytesWasted:     []byte("bytes_wasted"),
}

// Resumer saves and loads resume information of a torrent to a BoltDB database.
// Each torrent is kept in its own bucket named after its id, under the top-level bucket.
type Resumer struct {
	db        *bbolt.DB
	bucket    []byte
	torrentID []byte
}

var _ resumer.Resumer = (*Resumer)(nil)

// New returns a new Resumer for the torrent with torrentID.
func New(db *bbolt.DB, bucket []byte, torrentID string) (*Resumer, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err2 := tx.CreateBucketIfNotExists(bucket)
		return err2
	})
	if err != nil {
		return nil, err
	}
	return &Resumer{
		db:        db,
		bucket:    bucket,
		torrentID: []byte(torrentID),
	}, nil
}

// Write the whole spec of the torrent.
func (r *Resumer) Write(spec *resumer.Spec) error {
	partial, err := bencode.EncodeBytes(spec.Partial)
	if err != nil {
		return err
	}
	return r.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(r.bucket).CreateBucketIfNotExists(r.torrentID)
		if err != nil {
			return err
		}
		_ = b.Put(Keys.InfoHash, spec.InfoHash)
		_ = b.Put(Keys.Dest, []byte(spec.Dest))
		_ = b.Put(Keys.Bitfield, spec.Bitfield)
		_ = b.Put(Keys.Partial, partial)
		_ = b.Put(Keys.AddedAt, []byte(spec.AddedAt.Format(time.RFC3339)))
		return putStats(b, spec.Stats)
	})
}

// WriteBitfield writes the bitfield and the partial pieces of the torrent in a single transaction.
func (r *Resumer) WriteBitfield(bitfield []byte, partial []resumer.PartialPiece) error {
	pb, err := bencode.EncodeBytes(partial)
	if err != nil {
		return err
	}
	return r.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(r.bucket).Bucket(r.torrentID)
		if b == nil {
			return nil
		}
		if err := b.Put(Keys.Bitfield, bitfield); err != nil {
			return err
		}
		return b.Put(Keys.Partial, pb)
	})
}

// WriteStats writes the counters of the torrent.
func (r *Resumer) WriteStats(s resumer.Stats) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(r.bucket).Bucket(r.torrentID)
		if b == nil {
			return nil
		}
		return putStats(b, s)
	})
}

func putStats(b *bbolt.Bucket, s resumer.Stats) error {
	if err := b.Put(Keys.BytesDownloaded, []byte(strconv.FormatInt(s.BytesDownloaded, 10))); err != nil {
		return err
	}
	if err := b.Put(Keys.BytesUploaded, []byte(strconv.FormatInt(s.BytesUploaded, 10))); err != nil {
		return err
	}
	return b.Put(Keys.BytesWasted, []byte(strconv.FormatInt(s.BytesWasted, 10)))
}

// Read the spec of the torrent. Returns nil if nothing is saved yet.
func (r *Resumer) Read() (*resumer.Spec, error) {
	var spec *resumer.Spec
	err := r.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(r.bucket).Bucket(r.torrentID)
		if b == nil {
			return nil
		}

		value := b.Get(Keys.InfoHash)
		if value == nil {
			return fmt.Errorf("key not found: %q", string(Keys.InfoHash))
		}

		spec = new(resumer.Spec)
		spec.InfoHash = make([]byte, len(value))
		copy(spec.InfoHash, value)

		spec.Dest = string(b.Get(Keys.Dest))

		value = b.Get(Keys.Bitfield)
		if value != nil {
			spec.Bitfield = make([]byte, len(value))
			copy(spec.Bitfield, value)
		}

		var err error
		value = b.Get(Keys.Partial)
		if len(value) > 0 {
			err = bencode.DecodeBytes(value, &spec.Partial)
			if err != nil {
				return err
			}
		}

		value = b.Get(Keys.AddedAt)
		if value != nil {
			spec.AddedAt, err = time.Parse(time.RFC3339, string(value))
			if err != nil {
				return err
			}
		}

		for _, c := range []struct {
			key   []byte
			value *int64
		}{
			{Keys.BytesDownloaded, &spec.BytesDownloaded},
			{Keys.BytesUploaded, &spec.BytesUploaded},
			{Keys.BytesWasted, &spec.BytesWasted},
		} {
			value = b.Get(c.key)
			if value == nil {
				continue
			}
			*c.value, err = strconv.ParseInt(string(value), 10, 64)
			if err != nil {
				return err
			}
		}
		return nil
	})
	return spec, err
}
