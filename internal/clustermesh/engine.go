// Package clustermesh wires the coordination-core packages (meshnode,
// slotmap, epoch, gossip, failure, clusterstate, election, persistence,
// router) into one runnable engine: a single event-loop goroutine per spec
// §5/§7, an operator command set satisfying internal/server.AdminAPI, and
// the startup/shutdown sequence a cmd/meshd binary drives.
package clustermesh

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"clustermesh/internal/clusterstate"
	"clustermesh/internal/config"
	"clustermesh/internal/election"
	"clustermesh/internal/epoch"
	"clustermesh/internal/failure"
	"clustermesh/internal/gossip"
	"clustermesh/internal/link"
	"clustermesh/internal/logging"
	"clustermesh/internal/meshnode"
	"clustermesh/internal/persistence"
	"clustermesh/internal/router"
	"clustermesh/internal/server"
	"clustermesh/internal/slotmap"
	"clustermesh/internal/storage"
	"clustermesh/internal/wire"
)

// defaultRejoinDelay is the minority-to-majority rejoin delay passed to
// clusterstate.New when the caller doesn't need a different value.
const defaultRejoinDelay = 2 * time.Second

// Engine owns the node table, slot map, epoch clock, and every coordination
// subsystem for one cluster node, and implements internal/server.AdminAPI.
// The tick loop and the admin-command methods that read or change node,
// slot or epoch state share one mutex: the Go analogue of spec §5/§7's
// single-threaded event loop, the same coarse-lock shape
// internal/gossip.Engine and internal/election.Manager already use
// internally for their own state. MyID, KeySlot, CountKeysInSlot,
// GetKeysInSlot and Failover do not take it; they call straight into the
// table, router, store or election manager.
type Engine struct {
	mu sync.Mutex

	cfg   *config.Config
	table *meshnode.Table
	slots *slotmap.Map
	clock *epoch.Clock

	detector  *failure.Detector
	evaluator *clusterstate.Evaluator
	gossip    *gossip.Engine
	election  *election.Manager
	store     *storage.MemoryStore

	listener    *link.Listener
	persistPath string
	persistFile *persistence.File
	dirty       bool

	metrics *server.Metrics // optional; set via SetMetrics before Run

	stop chan struct{}
}

// New constructs an Engine from cfg, with store as the collaborator
// (router.Collaborator / election.Pauser) this node drives during reshard
// and failover. The returned Engine hasn't bound its bus listener yet; call
// Listen before Run.
func New(cfg *config.Config, store *storage.MemoryStore) *Engine {
	myself := &meshnode.Node{
		ID:      cfg.NodeID,
		Address: cfg.Address,
		Port:    cfg.Port,
		Flags:   wire.FlagMyself | wire.FlagMaster,
	}
	table := meshnode.NewTable(myself)
	slots := slotmap.New(table)
	clock := epoch.NewClock()
	detector := failure.New(table, cfg.NodeTimeout)
	evaluator := clusterstate.New(table, slots, cfg.RequireFullCoverage, defaultRejoinDelay)

	g := gossip.New(table, slots, clock, detector, evaluator, cfg.NodeTimeout)
	g.ClusterSecret = cfg.ClusterSecret

	em := election.New(table, slots, clock, evaluator, cfg.NodeTimeout, cfg.MigrationBarrier, store)

	e := &Engine{
		cfg:         cfg,
		table:       table,
		slots:       slots,
		clock:       clock,
		detector:    detector,
		evaluator:   evaluator,
		gossip:      g,
		election:    em,
		store:       store,
		persistPath: cfg.DataDir + "/nodes-" + string(cfg.NodeID) + ".conf",
	}

	g.OnBecomeReplica = e.onBecomeReplica
	g.OnDeleteKeys = e.onDeleteKeys
	g.OnElectionFrame = em.HandleFrame
	g.OnPing = em.ObservePing
	g.PingMsgFlags = em.MsgFlagsForPing
	em.OnWin = e.onElectionWin

	return e
}

// SetMetrics wires an optional server.Metrics instance; Tick keeps its
// gauges current when set.
func (e *Engine) SetMetrics(m *server.Metrics) { e.metrics = m }

func (e *Engine) onBecomeReplica(of meshnode.ID) {
	myself := e.table.Myself()
	myself.SetRole(false, of)
	e.dirty = true
	logging.Info("clustermesh: became replica of %s after losing our last slot", of)
}

func (e *Engine) onDeleteKeys(slot int) {
	e.store.DelKeysInSlot(slot)
}

func (e *Engine) onElectionWin() {
	e.dirty = true
	e.evaluator.Recompute(time.Now())
}

// Listen binds the bus port and starts accepting peer connections in a
// background goroutine. Must be called before Run.
func (e *Engine) Listen() error {
	ln, err := link.Listen(e.cfg.Address, e.table.Myself().BusPort())
	if err != nil {
		return err
	}
	e.listener = ln
	go e.gossip.AttachListener(ln)
	return nil
}

// LoadSnapshot opens the node-view file at path (creating it if absent) and
// applies its state to the table/slot map/epoch clock before the event loop
// starts. A zero-length file restores nothing (spec §4.11's "zero-byte
// bootstrap"); open, read and parse failures are returned.
func (e *Engine) LoadSnapshot(path string) error {
	pf, err := persistence.OpenEncrypted(path, e.cfg.SnapshotPassphrase)
	if err != nil {
		return err
	}
	e.persistFile = pf
	e.persistPath = path

	data, err := pf.ReadAll()
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	snap, err := persistence.Parse(string(data))
	if err != nil {
		return fmt.Errorf("clustermesh: parse snapshot: %w", err)
	}

	myself := e.table.Myself()
	for _, rec := range snap.Nodes {
		if rec.ID == myself.ID {
			myself.ConfigEpoch = rec.ConfigEpoch
			for _, s := range rec.Slots {
				_ = e.slots.AddSlot(myself, s)
			}
			for s, target := range rec.MigratingTo {
				_ = e.slots.SetMigrating(s, target)
			}
			for s, source := range rec.ImportingFrom {
				_ = e.slots.SetImporting(s, source)
			}
			continue
		}
		n := &meshnode.Node{
			ID:          rec.ID,
			Address:     rec.Address,
			Port:        rec.BusPort - 10000,
			Flags:       rec.Flags &^ wire.FlagMyself,
			ConfigEpoch: rec.ConfigEpoch,
			SlaveOf:     rec.Master,
		}
		e.table.Add(n)
		for _, s := range rec.Slots {
			_ = e.slots.AddSlot(n, s)
		}
	}
	e.clock.Restore(snap.CurrentEpoch, snap.LastVoteEpoch)
	return nil
}

// Run drives the event loop until ctx is done: a fixed-rate tick (spec §7's
// "ten times per second") followed synchronously by the before-sleep hook.
func (e *Engine) Run(ctx context.Context) {
	e.mu.Lock()
	e.stop = make(chan struct{})
	e.mu.Unlock()

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case now := <-ticker.C:
			e.tick(now)
		}
	}
}

// Stop ends a Run loop started without a cancelable context.
func (e *Engine) Stop() {
	e.mu.Lock()
	stop := e.stop
	e.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

func (e *Engine) tick(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.gossip.Tick(now)
	e.election.Tick(now)
	e.beforeSleepLocked(now)
}

// beforeSleepLocked is spec §5's before-sleep hook: idempotent persistence
// and state re-evaluation run once per loop iteration. Caller holds e.mu.
func (e *Engine) beforeSleepLocked(now time.Time) {
	e.evaluator.Recompute(now)
	if e.dirty {
		if err := e.persistLocked(); err != nil {
			logging.Error("clustermesh: persist snapshot: %v", err)
			os.Exit(1)
		} else {
			e.dirty = false
		}
	}
	e.updateMetricsLocked()
}

func (e *Engine) persistLocked() error {
	if e.persistFile == nil {
		if e.persistPath == "" {
			return nil
		}
		pf, err := persistence.OpenEncrypted(e.persistPath, e.cfg.SnapshotPassphrase)
		if err != nil {
			return err
		}
		e.persistFile = pf
	}
	content := persistence.Serialize(e.table, e.slots, e.clock)
	return e.persistFile.WriteSnapshot(content)
}

// Close releases the held snapshot lock and stops accepting bus connections.
// Safe to call on an Engine that never called LoadSnapshot or Listen.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listener != nil {
		_ = e.listener.Close()
	}
	if e.persistFile != nil {
		return e.persistFile.Close()
	}
	return nil
}

func (e *Engine) updateMetricsLocked() {
	if e.metrics == nil {
		return
	}
	var masters, slaves int
	e.table.Each(func(n *meshnode.Node) bool {
		if n.IsMaster() {
			masters++
		} else if n.IsSlave() {
			slaves++
		}
		return true
	})
	e.metrics.NodesByRole.WithLabelValues("master").Set(float64(masters))
	e.metrics.NodesByRole.WithLabelValues("slave").Set(float64(slaves))
	e.metrics.SlotsOwned.Set(float64(e.table.Myself().NumSlots))
}

// markDirty flags that node-view state changed and should be persisted on
// the next before-sleep hook. Caller holds e.mu.
func (e *Engine) markDirty() { e.dirty = true }

// Route applies the client-routing decision of spec §4.12 to req.
func (e *Engine) Route(req router.Request) router.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return router.Route(req, e.table.Myself(), e.table, e.slots, e.evaluator.State(), e.store)
}

// --- server.AdminAPI ---

var _ server.AdminAPI = (*Engine)(nil)

func (e *Engine) MyID() string {
	return string(e.table.Myself().ID)
}

func (e *Engine) Meet(host string, port int) error {
	if host == "" || port <= 0 {
		return fmt.Errorf("clustermesh: MEET requires a host and a positive port")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gossip.Meet(host, port)
	return nil
}

func (e *Engine) Forget(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	nid := meshnode.ID(id)
	if nid == e.table.Myself().ID {
		return ErrCannotForgetSelf
	}
	if _, ok := e.table.Get(nid); !ok {
		return ErrUnknownNode
	}
	e.slots.ClearNodeSlots(nid)
	e.table.Delete(nid)
	e.table.Blacklist(nid)
	e.markDirty()
	return nil
}

func (e *Engine) Nodes() []server.NodeInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []server.NodeInfo
	e.table.Each(func(n *meshnode.Node) bool {
		out = append(out, e.nodeInfoLocked(n))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (e *Engine) nodeInfoLocked(n *meshnode.Node) server.NodeInfo {
	info := server.NodeInfo{
		ID:          string(n.ID),
		Address:     n.Address,
		Port:        n.Port,
		Flags:       strings.Split(n.Flags.String(), ","),
		ConfigEpoch: n.ConfigEpoch,
		PingSent:    n.PingSent,
		PongRecv:    n.PongReceived,
	}
	if n.IsSlave() {
		info.Master = string(n.SlaveOf)
	}
	info.Slots = compactSlotRanges(e.slots.OwnedBy(n.ID))
	return info
}

func compactSlotRanges(slots []int) []server.SlotRange {
	if len(slots) == 0 {
		return nil
	}
	var out []server.SlotRange
	start, prev := slots[0], slots[0]
	for _, s := range slots[1:] {
		if s == prev+1 {
			prev = s
			continue
		}
		out = append(out, server.SlotRange{Start: start, End: prev})
		start, prev = s, s
	}
	out = append(out, server.SlotRange{Start: start, End: prev})
	return out
}

func (e *Engine) Slots() []server.SlotRange {
	e.mu.Lock()
	defer e.mu.Unlock()
	var owned []int
	for s := 0; s < wire.NumSlots; s++ {
		if e.slots.Owner(s) != "" {
			owned = append(owned, s)
		}
	}
	return compactSlotRanges(owned)
}

func (e *Engine) FlushSlots() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.slots.ClearNodeSlots(e.table.Myself().ID)
	e.markDirty()
	return nil
}

func (e *Engine) AddSlots(slotsArg []int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	myself := e.table.Myself()
	for _, s := range slotsArg {
		if s < 0 || s >= wire.NumSlots {
			return ErrInvalidSlot
		}
	}
	for _, s := range slotsArg {
		if err := e.slots.AddSlot(myself, s); err != nil {
			return mapSlotErr(err)
		}
	}
	e.markDirty()
	return nil
}

func (e *Engine) DelSlots(slotsArg []int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range slotsArg {
		if s < 0 || s >= wire.NumSlots {
			return ErrInvalidSlot
		}
	}
	for _, s := range slotsArg {
		_ = e.slots.DelSlot(s)
	}
	e.markDirty()
	return nil
}

func (e *Engine) SetSlotStable(slot int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if slot < 0 || slot >= wire.NumSlots {
		return ErrInvalidSlot
	}
	e.slots.ClearMigrating(slot)
	e.slots.ClearImporting(slot)
	return nil
}

func (e *Engine) SetSlotMigrating(slot int, target string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if slot < 0 || slot >= wire.NumSlots {
		return ErrInvalidSlot
	}
	if e.slots.Owner(slot) != e.table.Myself().ID {
		return ErrSlotNotOwned
	}
	if _, ok := e.table.Get(meshnode.ID(target)); !ok {
		return ErrUnknownNode
	}
	return e.slots.SetMigrating(slot, meshnode.ID(target))
}

func (e *Engine) SetSlotImporting(slot int, source string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if slot < 0 || slot >= wire.NumSlots {
		return ErrInvalidSlot
	}
	if _, ok := e.table.Get(meshnode.ID(source)); !ok {
		return ErrUnknownNode
	}
	return e.slots.SetImporting(slot, meshnode.ID(source))
}

func (e *Engine) SetSlotNode(slot int, nodeID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if slot < 0 || slot >= wire.NumSlots {
		return ErrInvalidSlot
	}
	n, ok := e.table.Get(meshnode.ID(nodeID))
	if !ok {
		return ErrUnknownNode
	}
	if err := e.slots.SetOwner(slot, n); err != nil {
		return mapSlotErr(err)
	}
	e.markDirty()
	return nil
}

func mapSlotErr(err error) error {
	switch err {
	case slotmap.ErrSlotOutOfRange:
		return ErrInvalidSlot
	case slotmap.ErrSlotBusy:
		return ErrSlotBusy
	default:
		return err
	}
}

func (e *Engine) SetConfigEpoch(epochVal uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	myself := e.table.Myself()
	if e.table.Len() != 1 || myself.ConfigEpoch != 0 {
		return ErrConfigEpochSet
	}
	myself.ConfigEpoch = epochVal
	e.clock.Restore(epochVal, 0)
	e.markDirty()
	return nil
}

func (e *Engine) KeySlot(key string) int {
	return router.HashSlot(key)
}

func (e *Engine) CountKeysInSlot(slot int) int {
	return e.store.CountKeysInSlot(slot)
}

func (e *Engine) GetKeysInSlot(slot, count int) []string {
	return e.store.GetKeysInSlot(slot, count)
}

func (e *Engine) Replicate(masterID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	master, ok := e.table.Get(meshnode.ID(masterID))
	if !ok {
		return ErrUnknownNode
	}
	myself := e.table.Myself()
	myself.SetRole(false, master.ID)
	if err := e.store.ReplicationSetMaster(master.Address, master.Port); err != nil {
		return err
	}
	e.markDirty()
	return nil
}

func (e *Engine) Slaves(masterID string) ([]server.NodeInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.table.Get(meshnode.ID(masterID)); !ok {
		return nil, ErrUnknownNode
	}
	var out []server.NodeInfo
	for _, s := range e.table.Slaves(meshnode.ID(masterID)) {
		out = append(out, e.nodeInfoLocked(s))
	}
	return out, nil
}

func (e *Engine) CountFailureReports(id string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n, ok := e.table.Get(meshnode.ID(id))
	if !ok {
		return 0
	}
	return len(n.FailureReports)
}

func (e *Engine) Failover(takeover bool) error {
	return e.election.RequestManualFailover(takeover)
}

func (e *Engine) Reset(hard bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	myself := e.table.Myself()
	e.slots.ClearNodeSlots(myself.ID)
	e.slots.CloseAllSlots()
	e.store.FlushDB()
	myself.SetRole(true, "")

	if hard {
		oldID := myself.ID
		newID := meshnode.NewID()
		e.table.Rename(oldID, newID)
		e.slots.SetMyself(newID)
		e.clock.Restore(0, 0)
	}
	e.table.Each(func(n *meshnode.Node) bool {
		if !n.IsMyself() {
			e.table.Delete(n.ID)
		}
		return true
	})
	e.markDirty()
	return nil
}

func (e *Engine) SaveConfig() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.persistLocked()
}

func (e *Engine) Info() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	myself := e.table.Myself()
	role := "master"
	if myself.IsSlave() {
		role = "slave"
	}
	state := "ok"
	if e.evaluator.State() == wire.StateFail {
		state = "fail"
	}
	return map[string]string{
		"cluster_state":     state,
		"cluster_known_nodes": fmt.Sprintf("%d", e.table.Len()),
		"cluster_current_epoch": fmt.Sprintf("%d", e.clock.Current()),
		"cluster_my_epoch":  fmt.Sprintf("%d", myself.ConfigEpoch),
		"role":              role,
		"slots_assigned":    fmt.Sprintf("%d", myself.NumSlots),
	}
}
