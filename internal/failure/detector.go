// Package failure implements the PFAIL/FAIL state machine of spec §4.5:
// timeout-driven suspicion, quorum-based promotion to FAIL, and the
// recovery rules that clear FAIL once a node is reachable again.
package failure

import (
	"time"

	"clustermesh/internal/meshnode"
	"clustermesh/internal/wire"
)

// FailReportValidityMult bounds how long a third-party failure report stays
// usable: stale after node_timeout * this multiplier.
const FailReportValidityMult = 2

// FailUndoTimeMult bounds how long a FAIL must have held before a reachable
// master with slots may be cleared automatically.
const FailUndoTimeMult = 2

// Detector evaluates PFAIL/FAIL transitions for the node table it is bound
// to. It holds no state of its own beyond the node-timeout parameter; all
// per-node state lives on meshnode.Node, so multiple Detectors (e.g. in
// tests) can share a table safely as long as they agree on nodeTimeout.
type Detector struct {
	table       *meshnode.Table
	nodeTimeout time.Duration
}

// New returns a detector bound to table, using nodeTimeout as the base
// suspicion interval (spec §4.5).
func New(table *meshnode.Table, nodeTimeout time.Duration) *Detector {
	return &Detector{table: table, nodeTimeout: nodeTimeout}
}

// CheckTimeouts scans every non-myself node and flags HEALTHY -> PFAIL
// transitions for any node whose outstanding ping has exceeded nodeTimeout.
// Called once per tick.
func (d *Detector) CheckTimeouts(now time.Time) {
	d.table.Each(func(n *meshnode.Node) bool {
		if n.IsMyself() || n.IsHandshake() {
			return true
		}
		if n.IsPFail() || n.IsFail() {
			return true
		}
		if n.PingSent.IsZero() {
			return true
		}
		if now.Sub(n.PingSent) > d.nodeTimeout {
			n.Flags |= wire.FlagPFail
		}
		return true
	})
}

// clusterSize is the number of masters currently serving at least one slot,
// the denominator of the quorum rule in spec §4.5.
func clusterSize(table *meshnode.Table) int {
	n := 0
	for _, m := range table.Masters() {
		if m.NumSlots > 0 {
			n++
		}
	}
	return n
}

// quorum returns (cluster_size/2)+1.
func quorum(table *meshnode.Table) int {
	return clusterSize(table)/2 + 1
}

// PromoteToFail evaluates the PFAIL -> FAIL transition for a single node:
// still PFAIL, and the count of non-stale failure reports from distinct
// master peers (plus one if myself is a master) reaches quorum. Returns
// whether the node was promoted on this call; the caller broadcasts FAIL on
// a true result.
func (d *Detector) PromoteToFail(n *meshnode.Node, now time.Time) bool {
	if !n.IsPFail() || n.IsFail() {
		return false
	}

	n.PruneStaleFailureReports(d.nodeTimeout*FailReportValidityMult, now)

	reporters := len(n.FailureReports)
	myself := d.table.Myself()
	if myself.IsMaster() {
		reporters++
	}

	if reporters < quorum(d.table) {
		return false
	}

	n.Flags &^= wire.FlagPFail
	n.Flags |= wire.FlagFail
	n.FailTime = now
	return true
}

// MarkReachable records that a ping to n just succeeded (i.e. a PONG
// arrived), clearing PFAIL unconditionally and applying the FAIL-clearing
// rules of spec §4.5: a slave, a slotless master, or a FAIL that has held
// longer than node_timeout*FailUndoTimeMult may clear automatically on
// renewed contact.
func (d *Detector) MarkReachable(n *meshnode.Node, now time.Time) {
	n.Flags &^= wire.FlagPFail

	if !n.IsFail() {
		return
	}

	clearable := n.IsSlave() || (n.IsMaster() && n.NumSlots == 0) ||
		now.Sub(n.FailTime) > d.nodeTimeout*FailUndoTimeMult
	if clearable {
		n.Flags &^= wire.FlagFail
		n.FailureReports = nil
	}
}
