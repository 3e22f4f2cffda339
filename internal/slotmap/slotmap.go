// Package slotmap implements the 16,384-slot ownership table, the
// migrating/importing pointers used by the reshard handshake, and the
// gossip-driven reconciliation routine update_slots_config_with. See spec
// §3, §4.6.
package slotmap

import (
	"errors"
	"sync"

	"clustermesh/internal/meshnode"
	"clustermesh/internal/wire"
)

var (
	// ErrSlotOutOfRange is returned for any slot number outside [0,16383].
	ErrSlotOutOfRange = errors.New("slotmap: slot number out of range")
	// ErrSlotBusy is returned by AddSlot when the slot already has an owner.
	ErrSlotBusy = errors.New("slotmap: slot already owned")
)

// State is a slot's derived status relative to myself, per spec §3.
type State int

const (
	StateUnowned State = iota
	StateStable
	StateMigrating
	StateImporting
)

// Map is the per-process slot ownership table: three parallel arrays of
// length 16,384, as specified in §3.
type Map struct {
	mu            sync.RWMutex
	owner         [wire.NumSlots]meshnode.ID
	migratingTo   [wire.NumSlots]meshnode.ID
	importingFrom [wire.NumSlots]meshnode.ID
	keyIndex      map[int]map[string]struct{} // slot -> key set, the slot→keys index of spec §3

	table  *meshnode.Table
	myself meshnode.ID
}

// New creates an empty slot map bound to a node table.
func New(table *meshnode.Table) *Map {
	return &Map{
		table:    table,
		myself:   table.Myself().ID,
		keyIndex: make(map[int]map[string]struct{}),
	}
}

func checkSlot(s int) error {
	if s < 0 || s >= wire.NumSlots {
		return ErrSlotOutOfRange
	}
	return nil
}

// SetMyself updates the identity the map treats as "local" for StateOf's
// migrating/importing derivation, used after an operator RESET HARD
// regenerates this node's identity.
func (m *Map) SetMyself(id meshnode.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.myself = id
}

// Owner returns the identity owning slot s, or "" if unowned.
func (m *Map) Owner(s int) meshnode.ID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.owner[s]
}

// MigratingTo returns the target of an in-progress outbound migration for
// slot s, or "" if none.
func (m *Map) MigratingTo(s int) meshnode.ID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.migratingTo[s]
}

// ImportingFrom returns the source of an in-progress inbound import for
// slot s, or "" if none.
func (m *Map) ImportingFrom(s int) meshnode.ID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.importingFrom[s]
}

// StateOf derives a slot's state relative to myself, per the invariant in
// spec §3: MIGRATING if we own it and are migrating it out; IMPORTING if we
// don't own it and are importing it in; otherwise stable or unowned.
func (m *Map) StateOf(s int) State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	switch {
	case m.owner[s] == "" && m.importingFrom[s] == "":
		return StateUnowned
	case m.owner[s] == m.myself && m.migratingTo[s] != "":
		return StateMigrating
	case m.owner[s] != m.myself && m.importingFrom[s] != "":
		return StateImporting
	default:
		return StateStable
	}
}

// AddSlot assigns slot s to node n. It fails if the slot already has an
// owner (spec §4.6).
func (m *Map) AddSlot(n *meshnode.Node, s int) error {
	if err := checkSlot(s); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner[s] != "" {
		return ErrSlotBusy
	}
	m.owner[s] = n.ID
	n.SetSlot(s)
	return nil
}

// DelSlot removes ownership of slot s, clearing any migrating/importing
// pointer on it too.
func (m *Map) DelSlot(s int) error {
	if err := checkSlot(s); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.delSlotLocked(s)
}

func (m *Map) delSlotLocked(s int) error {
	owner := m.owner[s]
	if owner == "" {
		return nil
	}
	if n, ok := m.table.Get(owner); ok {
		n.ClearSlot(s)
	}
	m.owner[s] = ""
	m.migratingTo[s] = ""
	m.importingFrom[s] = ""
	delete(m.keyIndex, s)
	return nil
}

// ClearNodeSlots removes every slot owned by id and returns the count of
// slots actually cleared. Unlike the original clusterDelNodeSlots, which
// increments its counter on every loop iteration regardless of whether the
// slot belonged to the node (see spec §9 Open Question), this only counts
// slots that the node owned and that were in fact cleared.
func (m *Map) ClearNodeSlots(id meshnode.ID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cleared := 0
	for s := 0; s < wire.NumSlots; s++ {
		if m.owner[s] == id {
			_ = m.delSlotLocked(s)
			cleared++
		}
	}
	return cleared
}

// CloseAllSlots clears every migrating/importing pointer without touching
// ownership (spec §4.6 close_all_slots).
func (m *Map) CloseAllSlots() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for s := 0; s < wire.NumSlots; s++ {
		m.migratingTo[s] = ""
		m.importingFrom[s] = ""
	}
}

// SetMigrating marks slot s as migrating from the current owner (must be
// myself) to target.
func (m *Map) SetMigrating(s int, target meshnode.ID) error {
	if err := checkSlot(s); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.migratingTo[s] = target
	return nil
}

// SetImporting marks slot s as being imported from source.
func (m *Map) SetImporting(s int, source meshnode.ID) error {
	if err := checkSlot(s); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.importingFrom[s] = source
	return nil
}

// ClearMigrating cancels an outbound migration on slot s (SETSLOT STABLE).
func (m *Map) ClearMigrating(s int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.migratingTo[s] = ""
}

// ClearImporting cancels an inbound import on slot s.
func (m *Map) ClearImporting(s int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.importingFrom[s] = ""
}

// SetOwner directly reassigns slot s to a new owner, the SETSLOT ... NODE
// operator command, and the routine used after winning an election to claim
// a former master's slots.
func (m *Map) SetOwner(s int, owner *meshnode.Node) error {
	if err := checkSlot(s); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if old := m.owner[s]; old != "" && old != owner.ID {
		if n, ok := m.table.Get(old); ok {
			n.ClearSlot(s)
		}
	}
	m.owner[s] = owner.ID
	owner.SetSlot(s)
	m.migratingTo[s] = ""
	m.importingFrom[s] = ""
	return nil
}

// OwnedBy returns every slot currently owned by id, ascending.
func (m *Map) OwnedBy(id meshnode.ID) []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []int
	for s := 0; s < wire.NumSlots; s++ {
		if m.owner[s] == id {
			out = append(out, s)
		}
	}
	return out
}

// AddKey records that key lives in slot s, maintaining the slot→keys index.
func (m *Map) AddKey(s int, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keyIndex[s] == nil {
		m.keyIndex[s] = make(map[string]struct{})
	}
	m.keyIndex[s][key] = struct{}{}
}

// RemoveKey forgets that key lives in slot s.
func (m *Map) RemoveKey(s int, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keyIndex[s], key)
}

// KeyCount returns the number of indexed keys in slot s.
func (m *Map) KeyCount(s int) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.keyIndex[s])
}
