package router

import (
	"testing"
	"time"

	"clustermesh/internal/meshnode"
	"clustermesh/internal/slotmap"
	"clustermesh/internal/wire"
)

type fakeCollab struct {
	missing map[string]bool
}

func newFakeCollab(missingKeys ...string) *fakeCollab {
	m := make(map[string]bool)
	for _, k := range missingKeys {
		m[k] = true
	}
	return &fakeCollab{missing: m}
}

func (f *fakeCollab) KeyExists(key string) bool              { return !f.missing[key] }
func (f *fakeCollab) CountKeysInSlot(slot int) int            { return 0 }
func (f *fakeCollab) GetKeysInSlot(slot int, max int) []string { return nil }
func (f *fakeCollab) DelKeysInSlot(slot int)                  {}
func (f *fakeCollab) FlushDB()                                {}
func (f *fakeCollab) ReplicationSetMaster(host string, port int) error { return nil }
func (f *fakeCollab) ReplicationUnsetMaster() error                    { return nil }
func (f *fakeCollab) ReplicationGetSlaveOffset() uint64                { return 0 }
func (f *fakeCollab) PauseClients(deadline time.Time)                  {}

func TestEffectiveKeyHashTag(t *testing.T) {
	cases := []struct{ key, want string }{
		{"foo", "foo"},
		{"{user1000}.following", "user1000"},
		{"{}x", "{}x"},      // empty tag falls back to full key
		{"foo{bar", "foo{bar"}, // unterminated tag falls back to full key
		{"{a}{b}", "a"},
	}
	for _, c := range cases {
		if got := EffectiveKey(c.key); got != c.want {
			t.Errorf("EffectiveKey(%q) = %q, want %q", c.key, got, c.want)
		}
	}
}

func TestHashSlotSameTagSameSlot(t *testing.T) {
	a := HashSlot("{user1000}.following")
	b := HashSlot("{user1000}.followers")
	if a != b {
		t.Fatalf("keys sharing a hash tag must land in the same slot: %d != %d", a, b)
	}
	if a < 0 || a >= wire.NumSlots {
		t.Fatalf("slot %d out of range", a)
	}
}

func setupRouter(t *testing.T) (*meshnode.Node, *meshnode.Table, *slotmap.Map) {
	t.Helper()
	myself := &meshnode.Node{ID: meshnode.NewID(), Flags: wire.FlagMyself | wire.FlagMaster}
	table := meshnode.NewTable(myself)
	slots := slotmap.New(table)
	return myself, table, slots
}

func TestRouteCrossSlot(t *testing.T) {
	myself, table, slots := setupRouter(t)
	collab := newFakeCollab()

	req := Request{Keys: []string{"{a}1", "{b}2"}}
	res := Route(req, myself, table, slots, wire.StateOK, collab)
	if res.Decision != DecisionCrossSlot {
		t.Fatalf("Decision = %v, want CROSSSLOT", res.Decision)
	}
}

func TestRouteClusterDownOnUnownedSlotWithFailState(t *testing.T) {
	myself, table, slots := setupRouter(t)
	collab := newFakeCollab()

	req := Request{Keys: []string{"foo"}}
	res := Route(req, myself, table, slots, wire.StateFail, collab)
	if res.Decision != DecisionClusterDown {
		t.Fatalf("Decision = %v, want CLUSTERDOWN", res.Decision)
	}
}

func TestRouteServesStableOwnedSlot(t *testing.T) {
	myself, table, slots := setupRouter(t)
	key := "foo"
	slot := HashSlot(key)
	if err := slots.AddSlot(myself, slot); err != nil {
		t.Fatalf("AddSlot: %v", err)
	}
	collab := newFakeCollab()

	res := Route(Request{Keys: []string{key}}, myself, table, slots, wire.StateOK, collab)
	if res.Decision != DecisionServe {
		t.Fatalf("Decision = %v, want SERVE", res.Decision)
	}
}

func TestRouteMovedToOwner(t *testing.T) {
	myself, table, slots := setupRouter(t)
	key := "foo"
	slot := HashSlot(key)
	other := &meshnode.Node{ID: meshnode.NewID(), Address: "10.0.0.9", Port: 7000, Flags: wire.FlagMaster}
	table.Add(other)
	if err := slots.AddSlot(other, slot); err != nil {
		t.Fatalf("AddSlot: %v", err)
	}
	collab := newFakeCollab()

	res := Route(Request{Keys: []string{key}}, myself, table, slots, wire.StateOK, collab)
	if res.Decision != DecisionMoved {
		t.Fatalf("Decision = %v, want MOVED", res.Decision)
	}
	if res.Target == nil || res.Target.ID != other.ID {
		t.Fatalf("Target = %v, want %v", res.Target, other.ID)
	}
}

func TestRouteAsksWhenMigratingAndKeyMissing(t *testing.T) {
	myself, table, slots := setupRouter(t)
	key := "foo"
	slot := HashSlot(key)
	if err := slots.AddSlot(myself, slot); err != nil {
		t.Fatalf("AddSlot: %v", err)
	}
	target := &meshnode.Node{ID: meshnode.NewID(), Address: "10.0.0.5", Port: 7001, Flags: wire.FlagMaster}
	table.Add(target)
	if err := slots.SetMigrating(slot, target.ID); err != nil {
		t.Fatalf("SetMigrating: %v", err)
	}
	collab := newFakeCollab(key) // key missing locally

	res := Route(Request{Keys: []string{key}}, myself, table, slots, wire.StateOK, collab)
	if res.Decision != DecisionAsk {
		t.Fatalf("Decision = %v, want ASK", res.Decision)
	}
	if res.Target == nil || res.Target.ID != target.ID {
		t.Fatalf("Target = %v, want %v", res.Target, target.ID)
	}
}

func TestRouteServesMigratingWhenKeyPresent(t *testing.T) {
	myself, table, slots := setupRouter(t)
	key := "foo"
	slot := HashSlot(key)
	if err := slots.AddSlot(myself, slot); err != nil {
		t.Fatalf("AddSlot: %v", err)
	}
	target := &meshnode.Node{ID: meshnode.NewID(), Flags: wire.FlagMaster}
	table.Add(target)
	if err := slots.SetMigrating(slot, target.ID); err != nil {
		t.Fatalf("SetMigrating: %v", err)
	}
	collab := newFakeCollab() // key present

	res := Route(Request{Keys: []string{key}}, myself, table, slots, wire.StateOK, collab)
	if res.Decision != DecisionServe {
		t.Fatalf("Decision = %v, want SERVE when the key is already present locally", res.Decision)
	}
}

func TestRouteImportingRequiresAsking(t *testing.T) {
	myself, table, slots := setupRouter(t)
	key := "foo"
	slot := HashSlot(key)
	owner := &meshnode.Node{ID: meshnode.NewID(), Address: "10.0.0.9", Port: 7000, Flags: wire.FlagMaster}
	table.Add(owner)
	if err := slots.AddSlot(owner, slot); err != nil {
		t.Fatalf("AddSlot: %v", err)
	}
	if err := slots.SetImporting(slot, owner.ID); err != nil {
		t.Fatalf("SetImporting: %v", err)
	}
	collab := newFakeCollab()

	// Without ASKING, still owned by 'owner' -> MOVED.
	res := Route(Request{Keys: []string{key}}, myself, table, slots, wire.StateOK, collab)
	if res.Decision != DecisionMoved {
		t.Fatalf("Decision = %v, want MOVED without ASKING", res.Decision)
	}

	// With ASKING, we serve since we're mid-import.
	res = Route(Request{Keys: []string{key}, Asking: true}, myself, table, slots, wire.StateOK, collab)
	if res.Decision != DecisionServe {
		t.Fatalf("Decision = %v, want SERVE with ASKING set", res.Decision)
	}
}

func TestRouteTryAgainOnPartialImportedKeys(t *testing.T) {
	myself, table, slots := setupRouter(t)
	keyA, keyB := "{tag}a", "{tag}b"
	slot := HashSlot(keyA)
	owner := &meshnode.Node{ID: meshnode.NewID(), Flags: wire.FlagMaster}
	table.Add(owner)
	if err := slots.AddSlot(owner, slot); err != nil {
		t.Fatalf("AddSlot: %v", err)
	}
	if err := slots.SetImporting(slot, owner.ID); err != nil {
		t.Fatalf("SetImporting: %v", err)
	}
	collab := newFakeCollab(keyB) // keyB hasn't arrived yet

	res := Route(Request{Keys: []string{keyA, keyB}, Asking: true}, myself, table, slots, wire.StateOK, collab)
	if res.Decision != DecisionTryAgain {
		t.Fatalf("Decision = %v, want TRYAGAIN when a multi-key import is partially complete", res.Decision)
	}
}
