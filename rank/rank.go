// Package rank defines the peer-rank abstraction used throughout the
// coalescing transport layer: a non-negative integer identifying a
// peer within the transport's group, and an abstract enumerable set
// of such ranks used for possible sources and destinations.
package rank

// Rank identifies a peer within the transport's group, in [0, Size).
type Rank uint32

// Set is an abstract enumerable collection of ranks. It is
// deliberately not a concrete container: Set lets all_ranks-style
// enumeration, explicit lists, and custom projections share one
// interface, the way amplusplus::valid_rank_set does.
type Set interface {
	// Contains reports whether r is a member of the set.
	Contains(r Rank) bool
	// Count returns the number of members.
	Count() int
	// At returns the rank at enumeration index i, 0 <= i < Count().
	At(i int) Rank
}

// allRanks is every rank in [0, size).
type allRanks struct {
	size uint32
}

// All returns the set of every rank below size.
func All(size int) Set {
	return allRanks{size: uint32(size)}
}

func (a allRanks) Contains(r Rank) bool { return uint32(r) < a.size }
func (a allRanks) Count() int           { return int(a.size) }
func (a allRanks) At(i int) Rank        { return Rank(i) }

// explicitSet is a caller-supplied, fixed list of ranks.
type explicitSet struct {
	ranks []Rank
}

// Explicit returns the set containing exactly the given ranks, in the
// given order. Order determines enumeration via At.
func Explicit(ranks ...Rank) Set {
	cp := make([]Rank, len(ranks))
	copy(cp, ranks)
	return &explicitSet{ranks: cp}
}

func (e *explicitSet) Contains(r Rank) bool {
	for _, x := range e.ranks {
		if x == r {
			return true
		}
	}
	return false
}

func (e *explicitSet) Count() int    { return len(e.ranks) }
func (e *explicitSet) At(i int) Rank { return e.ranks[i] }
