package unchoker

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

type testPeer struct {
	interested    bool
	choking       bool
	optimistic    bool
	downloadSpeed int
	uploadSpeed   int
}

func (p *testPeer) Choke()                   { p.choking = true }
func (p *testPeer) Unchoke()                 { p.choking = false }
func (p *testPeer) Choking() bool            { return p.choking }
func (p *testPeer) Interested() bool         { return p.interested }
func (p *testPeer) Optimistic() bool         { return p.optimistic }
func (p *testPeer) SetOptimistic(value bool) { p.optimistic = value }
func (p *testPeer) DownloadSpeed() int       { return p.downloadSpeed }
func (p *testPeer) UploadSpeed() int         { return p.uploadSpeed }

func asPeers(tps []*testPeer) []Peer {
	peers := make([]Peer, len(tps))
	for i := range tps {
		peers[i] = tps[i]
	}
	return peers
}

func TestTick(t *testing.T) {
	a := &testPeer{interested: true, choking: true}
	b := &testPeer{interested: true, choking: true, downloadSpeed: 2}
	c := &testPeer{interested: true, choking: true, downloadSpeed: 4}
	d := &testPeer{choking: true}
	peers := asPeers([]*testPeer{a, b, c, d})
	u := New(2, 1, rand.New(rand.NewSource(1)))

	// first round is optimistic: 2 fastest peers plus the only remaining interested peer
	u.Tick(peers, false)
	assert.False(t, b.choking)
	assert.False(t, c.choking)
	assert.False(t, a.choking)
	assert.True(t, a.optimistic)
	assert.True(t, d.choking)
	regular, optimistic := u.NumUnchoked()
	assert.Equal(t, 2, regular)
	assert.Equal(t, 1, optimistic)

	// optimistic slot is kept in regular rounds
	u.Tick(peers, false)
	assert.False(t, a.choking)
	assert.True(t, a.optimistic)

	// a becomes the fastest, b loses its slot
	a.downloadSpeed = 3
	u.Tick(peers, false)
	u.Tick(peers, false)
	assert.False(t, a.choking)
	assert.False(t, a.optimistic)
	assert.False(t, c.choking)
	// b is the only candidate for the optimistic slot
	assert.False(t, b.choking)
	assert.True(t, b.optimistic)
	assert.True(t, d.choking)
}

func TestTickChokesNotInterested(t *testing.T) {
	a := &testPeer{interested: true, choking: true}
	peers := asPeers([]*testPeer{a})
	u := New(1, 0, rand.New(rand.NewSource(1)))
	u.Tick(peers, false)
	assert.False(t, a.choking)

	a.interested = false
	u.Tick(peers, false)
	assert.True(t, a.choking)
	regular, _ := u.NumUnchoked()
	assert.Equal(t, 0, regular)
}

func TestTickCompletedUsesUploadSpeed(t *testing.T) {
	a := &testPeer{interested: true, choking: true, downloadSpeed: 10}
	b := &testPeer{interested: true, choking: true, uploadSpeed: 10}
	peers := asPeers([]*testPeer{a, b})
	u := New(1, 0, rand.New(rand.NewSource(1)))
	u.Tick(peers, true)
	assert.True(t, a.choking)
	assert.False(t, b.choking)
}

func TestFastUnchoke(t *testing.T) {
	u := New(1, 1, rand.New(rand.NewSource(1)))
	a := &testPeer{interested: true, choking: true}
	b := &testPeer{interested: true, choking: true}
	c := &testPeer{interested: true, choking: true}
	u.FastUnchoke(a)
	u.FastUnchoke(b)
	u.FastUnchoke(c)
	assert.False(t, a.choking)
	assert.False(t, a.optimistic)
	assert.False(t, b.choking)
	assert.True(t, b.optimistic)
	assert.True(t, c.choking)

	u.HandleDisconnect(a)
	u.FastUnchoke(c)
	assert.False(t, c.choking)
}
