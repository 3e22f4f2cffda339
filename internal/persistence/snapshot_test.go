package persistence

import (
	"testing"
	"time"

	"clustermesh/internal/epoch"
	"clustermesh/internal/meshnode"
	"clustermesh/internal/slotmap"
	"clustermesh/internal/wire"
)

func buildFixture(t *testing.T) (*meshnode.Table, *slotmap.Map, *epoch.Clock) {
	t.Helper()
	myself := &meshnode.Node{
		ID:      meshnode.NewID(),
		Address: "10.0.0.1",
		Port:    6379,
		Flags:   wire.FlagMyself | wire.FlagMaster,
	}
	myself.PingSent = time.UnixMilli(1000)
	myself.PongReceived = time.UnixMilli(2000)
	myself.ConfigEpoch = 7

	table := meshnode.NewTable(myself)
	slots := slotmap.New(table)
	for _, s := range []int{0, 1, 2, 3, 10} {
		if err := slots.AddSlot(myself, s); err != nil {
			t.Fatalf("AddSlot(%d): %v", s, err)
		}
	}
	if err := slots.SetMigrating(10, meshnode.ID("peeridpeeridpeeridpeeridpeerid00000000")); err != nil {
		t.Fatalf("SetMigrating: %v", err)
	}

	peer := &meshnode.Node{
		ID:      meshnode.NewID(),
		Address: "10.0.0.2",
		Port:    6380,
		Flags:   wire.FlagMaster,
	}
	peer.ConfigEpoch = 3
	table.Add(peer)
	if err := slots.AddSlot(peer, 100); err != nil {
		t.Fatalf("AddSlot(100): %v", err)
	}

	clock := epoch.NewClock()
	clock.Restore(42, 41)

	return table, slots, clock
}

func TestSerializeParseRoundTrip(t *testing.T) {
	table, slots, clock := buildFixture(t)
	myself := table.Myself()

	out := Serialize(table, slots, clock)

	snap, err := Parse(out)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if snap.CurrentEpoch != 42 || snap.LastVoteEpoch != 41 {
		t.Fatalf("vars mismatch: got currentEpoch=%d lastVoteEpoch=%d", snap.CurrentEpoch, snap.LastVoteEpoch)
	}
	if len(snap.Nodes) != 2 {
		t.Fatalf("got %d node records, want 2", len(snap.Nodes))
	}

	var myselfRec, peerRec *NodeRecord
	for i := range snap.Nodes {
		if snap.Nodes[i].ID == myself.ID {
			myselfRec = &snap.Nodes[i]
		} else {
			peerRec = &snap.Nodes[i]
		}
	}
	if myselfRec == nil || peerRec == nil {
		t.Fatalf("expected both myself and peer records present")
	}

	if !myselfRec.Flags.Has(wire.FlagMyself) || !myselfRec.Flags.Has(wire.FlagMaster) {
		t.Fatalf("myself flags not round-tripped: %v", myselfRec.Flags)
	}
	if myselfRec.ConfigEpoch != 7 {
		t.Fatalf("myself configEpoch = %d, want 7", myselfRec.ConfigEpoch)
	}
	wantSlots := []int{0, 1, 2, 3, 10}
	if len(myselfRec.Slots) != len(wantSlots) {
		t.Fatalf("myself slots = %v, want %v", myselfRec.Slots, wantSlots)
	}
	if target, ok := myselfRec.MigratingTo[10]; !ok || target != meshnode.ID("peeridpeeridpeeridpeeridpeerid00000000") {
		t.Fatalf("expected migrating entry for slot 10 to round-trip, got %v", myselfRec.MigratingTo)
	}

	if peerRec.ConfigEpoch != 3 {
		t.Fatalf("peer configEpoch = %d, want 3", peerRec.ConfigEpoch)
	}
	if len(peerRec.Slots) != 1 || peerRec.Slots[0] != 100 {
		t.Fatalf("peer slots = %v, want [100]", peerRec.Slots)
	}
	if len(peerRec.MigratingTo) != 0 {
		t.Fatalf("migrating entries must only be emitted for myself, got %v on peer", peerRec.MigratingTo)
	}
}

func TestCompactRanges(t *testing.T) {
	cases := []struct {
		in   []int
		want string
	}{
		{nil, ""},
		{[]int{5}, "5"},
		{[]int{0, 1, 2, 3}, "0-3"},
		{[]int{0, 1, 2, 5, 7, 8, 9}, "0-2 5 7-9"},
	}
	for _, c := range cases {
		if got := compactRanges(c.in); got != c.want {
			t.Errorf("compactRanges(%v) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestParseIgnoresPaddedBlankLines(t *testing.T) {
	table, slots, clock := buildFixture(t)
	out := Serialize(table, slots, clock)
	padded := out + "\n\n\n\n\n"

	snap, err := Parse(padded)
	if err != nil {
		t.Fatalf("Parse with padding: %v", err)
	}
	if len(snap.Nodes) != 2 {
		t.Fatalf("padded parse got %d nodes, want 2", len(snap.Nodes))
	}
}
