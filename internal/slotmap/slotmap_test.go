package slotmap

import (
	"testing"

	"clustermesh/internal/meshnode"
	"clustermesh/internal/wire"
)

func newNode(flags wire.NodeFlags) *meshnode.Node {
	return &meshnode.Node{ID: meshnode.NewID(), Flags: flags}
}

func TestAddSlotInvariant(t *testing.T) {
	myself := newNode(wire.FlagMyself | wire.FlagMaster)
	table := meshnode.NewTable(myself)
	m := New(table)

	if err := m.AddSlot(myself, 100); err != nil {
		t.Fatalf("AddSlot: %v", err)
	}
	if m.Owner(100) != myself.ID {
		t.Fatalf("Owner(100) = %v, want myself", m.Owner(100))
	}
	if !myself.HasSlot(100) || myself.NumSlots != 1 {
		t.Fatalf("node bitmap/popcount not updated: has=%v num=%d", myself.HasSlot(100), myself.NumSlots)
	}

	if err := m.AddSlot(myself, 100); err != ErrSlotBusy {
		t.Fatalf("err = %v, want ErrSlotBusy", err)
	}
}

func TestAddSlotRejectsOutOfRange(t *testing.T) {
	myself := newNode(wire.FlagMyself | wire.FlagMaster)
	table := meshnode.NewTable(myself)
	m := New(table)

	if err := m.AddSlot(myself, wire.NumSlots); err != ErrSlotOutOfRange {
		t.Fatalf("err = %v, want ErrSlotOutOfRange", err)
	}
	if err := m.AddSlot(myself, -1); err != ErrSlotOutOfRange {
		t.Fatalf("err = %v, want ErrSlotOutOfRange", err)
	}
}

func TestClearNodeSlotsCountsOnlyOwned(t *testing.T) {
	myself := newNode(wire.FlagMyself | wire.FlagMaster)
	table := meshnode.NewTable(myself)
	m := New(table)
	other := newNode(wire.FlagMaster)
	table.Add(other)

	for _, s := range []int{1, 2, 3} {
		if err := m.AddSlot(myself, s); err != nil {
			t.Fatalf("AddSlot(%d): %v", s, err)
		}
	}
	if err := m.AddSlot(other, 4); err != nil {
		t.Fatalf("AddSlot(4): %v", err)
	}

	cleared := m.ClearNodeSlots(myself.ID)
	if cleared != 3 {
		t.Fatalf("ClearNodeSlots = %d, want 3 (not counting slot owned by other)", cleared)
	}
	if m.Owner(4) != other.ID {
		t.Fatalf("unrelated node's slot was disturbed")
	}
	if myself.NumSlots != 0 {
		t.Fatalf("myself.NumSlots = %d, want 0", myself.NumSlots)
	}
}

func TestStateOfTransitions(t *testing.T) {
	myself := newNode(wire.FlagMyself | wire.FlagMaster)
	table := meshnode.NewTable(myself)
	m := New(table)
	other := newNode(wire.FlagMaster)
	table.Add(other)

	if err := m.AddSlot(myself, 10); err != nil {
		t.Fatalf("AddSlot: %v", err)
	}
	if m.StateOf(10) != StateStable {
		t.Fatalf("expected stable before migration")
	}

	if err := m.SetMigrating(10, other.ID); err != nil {
		t.Fatalf("SetMigrating: %v", err)
	}
	if m.StateOf(10) != StateMigrating {
		t.Fatalf("expected migrating")
	}

	if err := m.SetOwner(10, other); err != nil {
		t.Fatalf("SetOwner: %v", err)
	}
	if m.StateOf(10) != StateStable { // owned by someone else, no migrate/import pointer set
		t.Fatalf("expected stable after handoff with no pending import, got state=%v", m.StateOf(10))
	}
	if err := m.SetImporting(10, other.ID); err != nil {
		t.Fatalf("SetImporting: %v", err)
	}
	if m.StateOf(10) != StateImporting {
		t.Fatalf("expected importing")
	}
}

func TestUpdateSlotsConfigWithReassignsOnHigherEpoch(t *testing.T) {
	myself := newNode(wire.FlagMyself | wire.FlagMaster)
	myself.ConfigEpoch = 1
	table := meshnode.NewTable(myself)
	m := New(table)

	sender := newNode(wire.FlagMaster)
	sender.ConfigEpoch = 5
	table.Add(sender)

	if err := m.AddSlot(myself, 20); err != nil {
		t.Fatalf("AddSlot: %v", err)
	}
	m.AddKey(20, "foo")

	var claimed wire.SlotBitmap
	claimed.SetBit(20)

	var deleted []int
	var becameReplicaOf meshnode.ID
	m.UpdateSlotsConfigWith(sender, sender.ConfigEpoch, claimed,
		func(of meshnode.ID) { becameReplicaOf = of },
		func(s int) { deleted = append(deleted, s) },
	)

	if m.Owner(20) != sender.ID {
		t.Fatalf("Owner(20) = %v, want sender", m.Owner(20))
	}
	// myself held that slot and lost its only slot -> becomes a replica.
	if becameReplicaOf != sender.ID {
		t.Fatalf("expected to become replica of sender, got %v", becameReplicaOf)
	}
	if len(deleted) != 0 {
		t.Fatalf("onDeleteKeys should not fire when onBecomeReplica fires")
	}
}

func TestUpdateSlotsConfigWithLeavesImportingAlone(t *testing.T) {
	myself := newNode(wire.FlagMyself | wire.FlagMaster)
	table := meshnode.NewTable(myself)
	m := New(table)
	sender := newNode(wire.FlagMaster)
	sender.ConfigEpoch = 99
	table.Add(sender)

	if err := m.SetImporting(30, sender.ID); err != nil {
		t.Fatalf("SetImporting: %v", err)
	}

	var claimed wire.SlotBitmap
	claimed.SetBit(30)
	m.UpdateSlotsConfigWith(sender, sender.ConfigEpoch, claimed, nil, nil)

	if m.Owner(30) != "" {
		t.Fatalf("slot under an active import must not be reassigned by gossip")
	}
}
