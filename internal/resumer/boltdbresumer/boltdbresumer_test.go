package boltdbresumer

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/cenkalti/drizzle/internal/resumer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
)

func openDB(t *testing.T) *bbolt.DB {
	db, err := bbolt.Open(filepath.Join(t.TempDir(), "resume.db"), 0600, &bbolt.Options{Timeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestReadEmpty(t *testing.T) {
	r, err := New(openDB(t), []byte("torrents"), "abcd")
	require.NoError(t, err)
	spec, err := r.Read()
	assert.NoError(t, err)
	assert.Nil(t, spec)

	// writes before the first Write are ignored
	assert.NoError(t, r.WriteStats(resumer.Stats{BytesDownloaded: 1}))
	spec, err = r.Read()
	assert.NoError(t, err)
	assert.Nil(t, spec)
}

func TestWriteRead(t *testing.T) {
	db := openDB(t)
	r, err := New(db, []byte("torrents"), "abcd")
	require.NoError(t, err)

	addedAt := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, r.Write(&resumer.Spec{
		InfoHash: []byte{1, 2, 3},
		Dest:     "/downloads",
		Bitfield: []byte{0x80},
		AddedAt:  addedAt,
		Stats:    resumer.Stats{BytesDownloaded: 10},
	}))

	partial := []resumer.PartialPiece{{Index: 1, Blocks: []uint32{0, 16384}}, {Index: 3, Blocks: []uint32{16384}}}
	require.NoError(t, r.WriteBitfield([]byte{0xa0}, partial))
	require.NoError(t, r.WriteStats(resumer.Stats{BytesDownloaded: 100, BytesUploaded: 20, BytesWasted: 5}))

	// another torrent in the same bucket does not see it
	r2, err := New(db, []byte("torrents"), "ef01")
	require.NoError(t, err)
	spec, err := r2.Read()
	require.NoError(t, err)
	assert.Nil(t, spec)

	spec, err = r.Read()
	require.NoError(t, err)
	require.NotNil(t, spec)
	assert.Equal(t, []byte{1, 2, 3}, spec.InfoHash)
	assert.Equal(t, "/downloads", spec.Dest)
	assert.Equal(t, []byte{0xa0}, spec.Bitfield)
	assert.Equal(t, partial, spec.Partial)
	assert.True(t, addedAt.Equal(spec.AddedAt))
	assert.Equal(t, resumer.Stats{BytesDownloaded: 100, BytesUploaded: 20, BytesWasted: 5}, spec.Stats)
}
