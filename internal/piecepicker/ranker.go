package piecepicker

import "sort"

// Ranker decides the order in which pieces are considered within a selection tier.
// Rank may reorder candidates in place. It must not add or remove elements.
// Candidates are given in ascending index order.
type Ranker interface {
	Rank(candidates []uint32, availability func(index uint32) int)
}

// IndexOrder is the default Ranker. It keeps pieces in ascending index order.
type IndexOrder struct{}

// Rank implements Ranker.
func (IndexOrder) Rank([]uint32, func(uint32) int) {}

// RarestFirst orders pieces by the number of connected peers that have them.
// Pieces with equal availability stay in index order.
type RarestFirst struct{}

// Rank implements Ranker.
func (RarestFirst) Rank(candidates []uint32, availability func(uint32) int) {
	sort.SliceStable(candidates, func(i, j int) bool {
		return availability(candidates[i]) < availability(candidates[j])
	})
}
