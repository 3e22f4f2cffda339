// Package epoch implements the cluster-wide logical clock and the
// per-master configEpoch conflict-resolution rules of spec §4.7: currentEpoch
// observation/bump, the unilateral-bump operation used after manual
// migration and takeover, and the lexicographic collision-yield rule.
package epoch

import (
	"sync"

	"clustermesh/internal/meshnode"
)

// Clock holds the two process-wide epoch counters from spec §3's cluster
// state: currentEpoch and lastVoteEpoch. Guarded the same way meshnode.Table
// guards its map, since both are mutated from arbitrary gossip callbacks.
type Clock struct {
	mu       sync.Mutex
	current  uint64
	lastVote uint64
}

// NewClock returns a clock starting at epoch zero.
func NewClock() *Clock {
	return &Clock{}
}

// Current returns currentEpoch.
func (c *Clock) Current() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// LastVoteEpoch returns the last epoch in which this node granted a vote.
func (c *Clock) LastVoteEpoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastVote
}

// Restore overwrites both counters: used to seed the clock from a persisted
// node-view snapshot (spec §4.11 "vars" line), and by admin commands that
// set the epochs outright.
func (c *Clock) Restore(current, lastVote uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = current
	c.lastVote = lastVote
}

// ObserveCurrent raises currentEpoch to remote if remote is higher, per
// rule (i): "receiving a peer message with a higher currentEpoch raises our
// own". Returns the resulting value.
func (c *Clock) ObserveCurrent(remote uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if remote > c.current {
		c.current = remote
	}
	return c.current
}

// Bump increments currentEpoch and returns the new value. Used for election
// requests (step 3 of §4.8) and for config-epoch allocation.
func (c *Clock) Bump() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current++
	return c.current
}

// TryVote records a vote for epoch if we have not already voted in it,
// enforcing "a master grants at most one vote per currentEpoch". Returns
// false if we already voted this epoch.
func (c *Clock) TryVote(epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastVote == epoch {
		return false
	}
	c.lastVote = epoch
	return true
}

// ObserveSenderConfigEpoch raises n's recorded configEpoch to remote if
// remote is higher, rule (ii) of spec §4.7. n.ConfigEpoch never decreases
// (invariant iii), so this is a no-op when remote <= n.ConfigEpoch.
func ObserveSenderConfigEpoch(n *meshnode.Node, remote uint64) {
	if remote > n.ConfigEpoch {
		n.ConfigEpoch = remote
	}
}

// UnilateralBump implements the operation used after manual slot migration
// and after a takeover: if n's configEpoch is zero or not the unique maximum
// across the cluster, assign it ++currentEpoch. isUniqueMax is supplied by
// the caller, which has visibility into the full node table; this package
// only owns the counter. Returns whether a bump occurred.
func (c *Clock) UnilateralBump(n *meshnode.Node, isUniqueMax bool) bool {
	if n.ConfigEpoch != 0 && isUniqueMax {
		return false
	}
	n.ConfigEpoch = c.Bump()
	return true
}

// ResolveCollision implements the lexicographic collision-yield rule: on
// observing another master with the same configEpoch as myself, the
// identity that sorts greater yields by bumping its own configEpoch. Returns
// whether myself yielded (callers persist on true).
func ResolveCollision(c *Clock, myself, other *meshnode.Node) bool {
	if myself.ConfigEpoch != other.ConfigEpoch {
		return false
	}
	if myself.ID > other.ID {
		myself.ConfigEpoch = c.Bump()
		return true
	}
	return false
}
