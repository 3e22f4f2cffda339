package clusterstate

import (
	"testing"
	"time"

	"clustermesh/internal/meshnode"
	"clustermesh/internal/slotmap"
	"clustermesh/internal/wire"
)

func setup(t *testing.T, requireFullCoverage bool) (*meshnode.Table, *slotmap.Map, *Evaluator) {
	t.Helper()
	myself := &meshnode.Node{ID: meshnode.NewID(), Flags: wire.FlagMyself | wire.FlagMaster}
	table := meshnode.NewTable(myself)
	slots := slotmap.New(table)
	e := New(table, slots, requireFullCoverage, 0) // 0 clamps to minRejoinDelay
	return table, slots, e
}

func TestRecomputeOKWithHealthyQuorum(t *testing.T) {
	table, _, e := setup(t, false)
	myself := table.Myself()
	myself.NumSlots = 1

	if got := e.Recompute(time.Now()); got != wire.StateOK {
		t.Fatalf("Recompute = %v, want OK (single healthy master meets quorum of 1)", got)
	}
}

func TestRecomputeFailWhenMinority(t *testing.T) {
	table, _, e := setup(t, false)
	myself := table.Myself()
	myself.NumSlots = 1
	myself.Flags |= wire.FlagFail // myself unhealthy

	other := &meshnode.Node{ID: meshnode.NewID(), Flags: wire.FlagMaster}
	other.NumSlots = 1
	table.Add(other)
	third := &meshnode.Node{ID: meshnode.NewID(), Flags: wire.FlagMaster | wire.FlagFail}
	third.NumSlots = 1
	table.Add(third)

	// cluster_size=3, quorum=2, healthy=1 (other only) -> below quorum.
	if got := e.Recompute(time.Now()); got != wire.StateFail {
		t.Fatalf("Recompute = %v, want FAIL below quorum", got)
	}
}

func TestRejoinDelayBlocksImmediateOK(t *testing.T) {
	table, _, e := setup(t, false)
	myself := table.Myself()
	myself.NumSlots = 1
	myself.Flags |= wire.FlagFail

	now := time.Now()
	if got := e.Recompute(now); got != wire.StateFail {
		t.Fatalf("expected FAIL while unhealthy")
	}

	// Recover to healthy quorum; rejoin delay should still block OK immediately.
	myself.Flags &^= wire.FlagFail
	now = now.Add(minRecomputeInterval * 2)
	if got := e.Recompute(now); got != wire.StateFail {
		t.Fatalf("Recompute = %v, want FAIL during rejoin delay window", got)
	}

	now = now.Add(minRejoinDelay + minRecomputeInterval)
	if got := e.Recompute(now); got != wire.StateOK {
		t.Fatalf("Recompute = %v, want OK after rejoin delay elapses", got)
	}
}

func TestRecomputeThrottled(t *testing.T) {
	table, _, e := setup(t, false)
	myself := table.Myself()
	myself.NumSlots = 1

	now := time.Now()
	first := e.Recompute(now)
	// Flip to unhealthy but stay within the throttle window: should still
	// report the cached result.
	myself.Flags |= wire.FlagFail
	second := e.Recompute(now.Add(minRecomputeInterval / 2))
	if second != first {
		t.Fatalf("Recompute should return cached state within the throttle window")
	}
}

func TestFullCoverageRequired(t *testing.T) {
	table, slots, e := setup(t, true)
	myself := table.Myself()
	myself.NumSlots = 0 // no slots owned at all -> coverage fails trivially

	now := time.Now()
	if got := e.Recompute(now); got != wire.StateFail {
		t.Fatalf("Recompute = %v, want FAIL: no slot has an owner", got)
	}

	for s := 0; s < wire.NumSlots; s++ {
		if err := slots.AddSlot(myself, s); err != nil {
			t.Fatalf("AddSlot(%d): %v", s, err)
		}
	}

	// First recompute after gaining slots only establishes the majority
	// transition; rejoin delay still blocks OK immediately afterward.
	now = now.Add(minRecomputeInterval * 2)
	if got := e.Recompute(now); got != wire.StateFail {
		t.Fatalf("Recompute = %v, want FAIL during rejoin delay window", got)
	}

	now = now.Add(minRejoinDelay + minRecomputeInterval)
	if got := e.Recompute(now); got != wire.StateOK {
		t.Fatalf("Recompute = %v, want OK once every slot is covered by a healthy owner", got)
	}
}
