package fed

import (
	"fmt"
	"sort"
)

// A Coordinator owns the mapping between the logical identities of a child
// group and the ranks that serve them. It is immutable once built, so
// concurrent lookups need no locking.
type Coordinator struct {
	worldSize int
	ranked    map[Rank][]LogicalID
	owner     map[LogicalID]Rank
	ranks     []Rank
}

// NewCoordinator builds the mapping from the identities each rank announced
// during the handshake. Every rank from 1 to worldSize-1 must have announced,
// and no identity may be announced twice.
func NewCoordinator(
	worldSize int,
	announced map[Rank][]LogicalID,
) (*Coordinator, error) {
	if worldSize < 2 {
		panic(fmt.Sprintf(
			"coordinator needs a master and at least one child, world size %d",
			worldSize))
	}

	c := &Coordinator{
		worldSize: worldSize,
		ranked:    make(map[Rank][]LogicalID, len(announced)),
		owner:     make(map[LogicalID]Rank),
	}

	for rank, ids := range announced {
		if rank < 1 || int(rank) >= worldSize {
			return nil, fmt.Errorf(
				"rank %d is outside the group of world size %d",
				rank, worldSize)
		}

		c.ranked[rank] = append([]LogicalID(nil), ids...)
	}

	for rank := Rank(1); int(rank) < worldSize; rank++ {
		ids, ok := c.ranked[rank]
		if !ok {
			return nil, fmt.Errorf("%w: rank %d never announced",
				ErrIncompleteHandshake, rank)
		}

		if len(ids) == 0 {
			return nil, fmt.Errorf("%w: rank %d announced no identities",
				ErrIncompleteHandshake, rank)
		}

		for _, id := range ids {
			if prev, taken := c.owner[id]; taken {
				return nil, fmt.Errorf(
					"%w: client %d announced by rank %d and rank %d",
					ErrDuplicateIdentity, id, prev, rank)
			}

			c.owner[id] = rank
		}

		c.ranks = append(c.ranks, rank)
	}

	sort.Slice(c.ranks, func(i, j int) bool { return c.ranks[i] < c.ranks[j] })

	return c, nil
}

// MapIDList partitions logical ids by the rank that owns them, preserving the
// caller's order within each rank. The result holds one entry per involved
// rank, so a fan-out loop over it sends exactly once per rank.
func (c *Coordinator) MapIDList(ids []LogicalID) (map[Rank][]LogicalID, error) {
	byRank := make(map[Rank][]LogicalID)

	for _, id := range ids {
		rank, ok := c.owner[id]
		if !ok {
			return nil, fmt.Errorf("%w: client %d", ErrUnknownIdentity, id)
		}

		byRank[rank] = append(byRank[rank], id)
	}

	return byRank, nil
}

// Total returns the number of logical clients behind this coordinator.
func (c *Coordinator) Total() int {
	return len(c.owner)
}

// WorldSize returns the size of the child group, master included.
func (c *Coordinator) WorldSize() int {
	return c.worldSize
}

// Ranks returns the child ranks in ascending order. Fan-out loops iterate
// this for a deterministic send order.
func (c *Coordinator) Ranks() []Rank {
	return append([]Rank(nil), c.ranks...)
}

// IDsOf returns the identities a rank announced, in announcement order.
func (c *Coordinator) IDsOf(rank Rank) []LogicalID {
	return append([]LogicalID(nil), c.ranked[rank]...)
}

// IDs returns every identity behind this coordinator, grouped by ascending
// rank and in announcement order within a rank.
func (c *Coordinator) IDs() []LogicalID {
	ids := make([]LogicalID, 0, len(c.owner))
	for _, rank := range c.ranks {
		ids = append(ids, c.ranked[rank]...)
	}

	return ids
}
