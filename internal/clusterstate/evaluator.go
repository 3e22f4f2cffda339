// Package clusterstate implements the aggregate cluster health evaluator of
// spec §4.10: OK/FAIL derived from master quorum and (optionally) full slot
// coverage, rate-limited to at most ten recomputations per second, with the
// minority-to-majority rejoin delay.
package clusterstate

import (
	"sync"
	"time"

	"clustermesh/internal/meshnode"
	"clustermesh/internal/slotmap"
	"clustermesh/internal/wire"
)

// minRecomputeInterval enforces "at most ten times per second".
const minRecomputeInterval = 100 * time.Millisecond

const (
	minRejoinDelay = 500 * time.Millisecond
	maxRejoinDelay = 5 * time.Second
)

// Evaluator tracks the cluster's aggregate OK/FAIL state.
type Evaluator struct {
	table               *meshnode.Table
	slots               *slotmap.Map
	requireFullCoverage bool
	rejoinDelay         time.Duration

	mu            sync.Mutex
	lastEval      time.Time
	lastState     wire.ClusterState
	majoritySince time.Time
	sawMinority   bool
}

// New returns an evaluator seeded into FAIL (the safe default before the
// first recompute). rejoinDelay is clamped into [500ms, 5000ms].
func New(table *meshnode.Table, slots *slotmap.Map, requireFullCoverage bool, rejoinDelay time.Duration) *Evaluator {
	if rejoinDelay < minRejoinDelay {
		rejoinDelay = minRejoinDelay
	}
	if rejoinDelay > maxRejoinDelay {
		rejoinDelay = maxRejoinDelay
	}
	return &Evaluator{
		table:               table,
		slots:               slots,
		requireFullCoverage: requireFullCoverage,
		rejoinDelay:         rejoinDelay,
		lastState:           wire.StateFail,
	}
}

// State returns the last computed state without forcing a recompute.
func (e *Evaluator) State() wire.ClusterState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastState
}

// Recompute re-evaluates cluster state, throttled to minRecomputeInterval;
// within the window it returns the cached result instead of re-scanning the
// slot table, matching "at most ten times per second".
func (e *Evaluator) Recompute(now time.Time) wire.ClusterState {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.lastEval.IsZero() && now.Sub(e.lastEval) < minRecomputeInterval {
		return e.lastState
	}
	e.lastEval = now

	if !e.hasMasterQuorumLocked() {
		e.sawMinority = true
		e.majoritySince = time.Time{}
		e.lastState = wire.StateFail
		return e.lastState
	}

	if e.majoritySince.IsZero() {
		e.majoritySince = now
	}
	if e.sawMinority && now.Sub(e.majoritySince) < e.rejoinDelay {
		e.lastState = wire.StateFail
		return e.lastState
	}

	if e.requireFullCoverage && !e.fullCoverageLocked() {
		e.lastState = wire.StateFail
		return e.lastState
	}

	e.sawMinority = false
	e.lastState = wire.StateOK
	return e.lastState
}

// hasMasterQuorumLocked implements rule (b): the count of non-FAIL/non-PFAIL
// masters serving slots must be at least (cluster_size/2)+1, where
// cluster_size is the number of masters serving at least one slot.
func (e *Evaluator) hasMasterQuorumLocked() bool {
	total, healthy := 0, 0
	for _, m := range e.table.Masters() {
		if m.NumSlots == 0 {
			continue
		}
		total++
		if !m.IsFail() && !m.IsPFail() {
			healthy++
		}
	}
	return healthy >= total/2+1
}

// fullCoverageLocked implements rule (a): every slot has an owner and that
// owner is not FAIL.
func (e *Evaluator) fullCoverageLocked() bool {
	for s := 0; s < wire.NumSlots; s++ {
		owner := e.slots.Owner(s)
		if owner == "" {
			return false
		}
		n, ok := e.table.Get(owner)
		if !ok || n.IsFail() {
			return false
		}
	}
	return true
}
