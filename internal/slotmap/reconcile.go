package slotmap

import (
	"clustermesh/internal/meshnode"
	"clustermesh/internal/wire"
)

// UpdateSlotsConfigWith is the only routine that moves slots between peers
// based on gossip (spec §4.6). For every slot bit set in claimed, it either
// leaves an in-progress import alone, or reassigns ownership to sender when
// our recorded owner is unknown or stale (lower configEpoch).
//
// onBecomeReplica is called at most once, if the reassignment took the last
// slot from our current master (or from us), with the identity we should
// now replicate. onDeleteKeys is called once per "dirty" slot — a slot we
// held keys for but no longer own — so the caller can restore the key/slot
// invariant via the collaborator interface (spec §6).
func (m *Map) UpdateSlotsConfigWith(
	sender *meshnode.Node,
	senderConfigEpoch uint64,
	claimed wire.SlotBitmap,
	onBecomeReplica func(of meshnode.ID),
	onDeleteKeys func(slot int),
) {
	m.mu.Lock()

	myself := m.table.Myself()
	relevantID := myself.ID
	if myself.IsSlave() {
		relevantID = myself.SlaveOf
	}
	tookFromRelevant := false
	var dirty []int

	for s := 0; s < wire.NumSlots; s++ {
		if !claimed.GetBit(s) {
			continue
		}
		if m.importingFrom[s] != "" {
			continue // operator-driven reshard in progress; leave it
		}

		current := m.owner[s]
		var currentEpoch uint64
		if current != "" {
			if n, ok := m.table.Get(current); ok {
				currentEpoch = n.ConfigEpoch
			}
		}

		if current != "" && currentEpoch >= senderConfigEpoch {
			continue // our record is at least as fresh; don't reassign
		}

		if current != "" && current == relevantID {
			tookFromRelevant = true
		}
		heldKeys := current == myself.ID && sender.ID != myself.ID && len(m.keyIndex[s]) > 0

		if old, ok := m.table.Get(current); ok && current != "" {
			old.ClearSlot(s)
		}
		m.owner[s] = sender.ID
		sender.SetSlot(s)
		m.migratingTo[s] = ""

		if heldKeys {
			dirty = append(dirty, s)
		}
	}

	relevant, relevantKnown := m.table.Get(relevantID)
	becameOrphaned := tookFromRelevant && relevantKnown && relevant.NumSlots == 0

	m.mu.Unlock()

	if becameOrphaned && onBecomeReplica != nil {
		onBecomeReplica(sender.ID)
		return
	}
	if onDeleteKeys != nil {
		for _, s := range dirty {
			onDeleteKeys(s)
		}
	}
}
