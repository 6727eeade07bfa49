// Package unchoker decides which peers are allowed to download from us.
package unchoker

import (
	"math/rand"
	"sort"
)

// Unchoker selects peers to unchoke based on their transfer speed.
// Tick must be called every 10 seconds; every 3rd round a random interested peer is unchoked optimistically.
type Unchoker struct {
	numUnchoked           int
	numOptimisticUnchoked int

	// Every 3rd round an optimistic unchoke logic is applied.
	round uint8

	unchoked           map[Peer]struct{}
	optimisticUnchoked map[Peer]struct{}

	rand *rand.Rand
}

// Peer that can be choked. Implemented by *peer.Peer.
type Peer interface {
	// Choke and Unchoke send messages and set choking status of local peer.
	Choke()
	Unchoke()

	// Choking returns choke status of local peer.
	Choking() bool

	// Interested returns interest status of remote peer.
	Interested() bool

	// SetOptimistic sets the optimistic unchoke status of peer.
	SetOptimistic(value bool)
	// Optimistic returns the value previously set by SetOptimistic.
	Optimistic() bool

	DownloadSpeed() int
	UploadSpeed() int
}

// New returns a new Unchoker.
func New(numUnchoked, numOptimisticUnchoked int, r *rand.Rand) *Unchoker {
	return &Unchoker{
		numUnchoked:           numUnchoked,
		numOptimisticUnchoked: numOptimisticUnchoked,
		unchoked:              make(map[Peer]struct{}, numUnchoked),
		optimisticUnchoked:    make(map[Peer]struct{}, numOptimisticUnchoked),
		rand:                  r,
	}
}

// HandleDisconnect must be called to remove the peer from internal indexes.
func (u *Unchoker) HandleDisconnect(pe Peer) {
	delete(u.unchoked, pe)
	delete(u.optimisticUnchoked, pe)
}

// NumUnchoked returns the number of regular and optimistic unchoked peers.
func (u *Unchoker) NumUnchoked() (regular, optimistic int) {
	return len(u.unchoked), len(u.optimisticUnchoked)
}

// Tick re-evaluates upload slots. While downloading peers we download fastest from are preferred,
// after completion peers we upload fastest to are preferred.
func (u *Unchoker) Tick(peers []Peer, completed bool) {
	optimistic := u.round == 0
	u.round = (u.round + 1) % 3

	candidates := make([]Peer, 0, len(peers))
	for _, pe := range peers {
		if pe.Interested() {
			candidates = append(candidates, pe)
		}
	}
	speed := func(pe Peer) int { return pe.DownloadSpeed() }
	if completed {
		speed = func(pe Peer) int { return pe.UploadSpeed() }
	}
	sort.SliceStable(candidates, func(i, j int) bool { return speed(candidates[i]) > speed(candidates[j]) })

	selected := make(map[Peer]struct{}, u.numUnchoked+u.numOptimisticUnchoked)
	var regular int
	var rest []Peer
	for _, pe := range candidates {
		// Optimistic slots are kept until the next optimistic round.
		if !optimistic && pe.Optimistic() && !pe.Choking() {
			selected[pe] = struct{}{}
			continue
		}
		if regular < u.numUnchoked {
			u.unchokePeer(pe)
			selected[pe] = struct{}{}
			regular++
			continue
		}
		rest = append(rest, pe)
	}
	if optimistic {
		for i := 0; i < u.numOptimisticUnchoked && len(rest) > 0; i++ {
			n := u.rand.Intn(len(rest))
			pe := rest[n]
			u.optimisticUnchokePeer(pe)
			selected[pe] = struct{}{}
			rest[n], rest = rest[len(rest)-1], rest[:len(rest)-1]
		}
	}
	for _, pe := range peers {
		if _, ok := selected[pe]; !ok {
			u.chokePeer(pe)
		}
	}
}

// FastUnchoke must be called when remote peer becomes interested.
// Remote peer is unchoked immediately if there is a free slot.
// Without this function, remote peer would have to wait for next unchoke period.
func (u *Unchoker) FastUnchoke(pe Peer) {
	if !pe.Choking() || !pe.Interested() {
		return
	}
	if len(u.unchoked) < u.numUnchoked {
		u.unchokePeer(pe)
	} else if len(u.optimisticUnchoked) < u.numOptimisticUnchoked {
		u.optimisticUnchokePeer(pe)
	}
}

func (u *Unchoker) chokePeer(pe Peer) {
	delete(u.unchoked, pe)
	delete(u.optimisticUnchoked, pe)
	pe.SetOptimistic(false)
	if !pe.Choking() {
		pe.Choke()
	}
}

func (u *Unchoker) unchokePeer(pe Peer) {
	delete(u.optimisticUnchoked, pe)
	pe.SetOptimistic(false)
	u.unchoked[pe] = struct{}{}
	if pe.Choking() {
		pe.Unchoke()
	}
}

func (u *Unchoker) optimisticUnchokePeer(pe Peer) {
	delete(u.unchoked, pe)
	pe.SetOptimistic(true)
	u.optimisticUnchoked[pe] = struct{}{}
	if pe.Choking() {
		pe.Unchoke()
	}
}
