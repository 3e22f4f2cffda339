package election

import (
	"clustermesh/internal/logging"
	"clustermesh/internal/meshnode"
	"clustermesh/internal/wire"
)

// tickMigrationLocked implements spec §4.9: rebalance replicas so no master
// is orphaned. Runs every tick, but only has an effect when myself is a
// replica and aggregate state is OK.
func (m *Manager) tickMigrationLocked() {
	myself := m.table.Myself()
	if !myself.IsSlave() || myself.SlaveOf == "" {
		return
	}
	if m.evaluator.State() != wire.StateOK {
		return
	}

	masters := m.table.Masters()
	okslaves := make(map[meshnode.ID]int, len(masters))
	maxSlaves := 0
	for _, mstr := range masters {
		if mstr.NumSlots == 0 {
			continue
		}
		count := 0
		for _, s := range m.table.Slaves(mstr.ID) {
			if !s.IsFail() {
				count++
			}
		}
		okslaves[mstr.ID] = count
		if count > 0 {
			m.seenWithReplica[mstr.ID] = true
		}
		if count > maxSlaves {
			maxSlaves = count
		}
	}

	currentMaster, ok := m.table.Get(myself.SlaveOf)
	if !ok || currentMaster.NumSlots == 0 {
		return
	}

	// Rule (i): departure must leave more than migration_barrier replicas.
	if okslaves[currentMaster.ID]-1 <= m.migrationBarrier {
		return
	}

	// Rule (ii): find an orphaned master — serving slots, zero healthy
	// replicas now, but known to have had at least one before.
	var target *meshnode.Node
	for _, mstr := range masters {
		if mstr.NumSlots == 0 || mstr.ID == currentMaster.ID {
			continue
		}
		if okslaves[mstr.ID] > 0 || !m.seenWithReplica[mstr.ID] {
			continue
		}
		target = mstr
		break
	}
	if target == nil {
		return
	}

	// Rule (iii): among replicas of masters tied at maxSlaves, only the one
	// with the smallest identity migrates.
	if okslaves[currentMaster.ID] != maxSlaves {
		return
	}
	smallest := myself.ID
	for _, mstr := range masters {
		if okslaves[mstr.ID] != maxSlaves {
			continue
		}
		for _, s := range m.table.Slaves(mstr.ID) {
			if s.ID < smallest {
				smallest = s.ID
			}
		}
	}
	if smallest != myself.ID {
		return
	}

	myself.SetRole(false, target.ID)
	logging.Info("election: migrating replica %s from orphaned-replica-free %s to orphan %s", myself.ID, currentMaster.ID, target.ID)
}
