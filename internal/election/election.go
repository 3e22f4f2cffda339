// Package election implements the automatic and manual failover algorithm of
// spec §4.8: replica-initiated elections with rank-based delay, master-side
// vote grants, win evaluation, and the manual-failover (MFSTART/PAUSED/
// FORCEACK/takeover) handshake. Replica migration to orphaned masters (spec
// §4.9) lives alongside it in migration.go, since both are replica-side
// behaviors driven off the same tick and the same node table.
//
// Grounded on the same small-struct-plus-mutex shape as internal/failure and
// internal/clusterstate: a stateless evaluator over meshnode.Node fields,
// with only the election attempt's own transient bookkeeping (ack set,
// timers) held locally since nothing else needs to see it.
package election

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"clustermesh/internal/clusterstate"
	"clustermesh/internal/epoch"
	"clustermesh/internal/logging"
	"clustermesh/internal/meshnode"
	"clustermesh/internal/slotmap"
	"clustermesh/internal/wire"
)

// retryWindowFloor is the minimum "4 * node_timeout" retry window between
// election attempts (spec §4.8 step 1).
const retryWindowFloor = 4 * time.Second

// electionTimeoutFloor is the minimum "2 * node_timeout" request timeout.
const electionTimeoutFloor = 2 * time.Second

// voteStalenessMult bounds how long a granted vote for a master blocks a
// second vote for one of its other replicas: node_timeout * this.
const voteStalenessMult = 2

// manualFailoverTimeout is the fixed MF_TIMEOUT of spec §4.8.
const manualFailoverTimeout = 5 * time.Second

// Classic Redis cluster defaults for the data-freshness check of step 2,
// used when the embedding config doesn't override them.
const (
	defaultReplPingSlavePeriod = 10 * time.Second
	defaultSlaveValidityFactor = 10
)

// candidate is the state of an election attempt this node is running as a
// replica. Nil when no attempt is in flight.
type candidate struct {
	authTime  time.Time // failover_auth_time: when to send the request
	requested bool
	epoch     uint64 // failover_auth_epoch, set once the request is sent
	requestAt time.Time
	acks      map[meshnode.ID]bool
	forceAck  bool
	manual    bool
}

// manualMaster is the master-side state of an in-progress manual failover:
// paused writes, waiting for the requesting slave to catch up.
type manualMaster struct {
	slave meshnode.ID
	end   time.Time
}

// manualSlave is the slave-side state of an in-progress manual failover.
type manualSlave struct {
	active       bool
	masterOffset uint64
	gotOffset    bool
	canStart     bool
}

// Pauser is the minimal collaborator surface this package needs to hold
// client writes during a manual failover handshake (spec §4.8, §6).
type Pauser interface {
	PauseClients(deadline time.Time)
}

// Manager drives the election and manual-failover state machines, sharing
// the node table, slot map, and epoch clock with the gossip engine.
type Manager struct {
	mu sync.Mutex

	table       *meshnode.Table
	slots       *slotmap.Map
	clock       *epoch.Clock
	evaluator   *clusterstate.Evaluator
	nodeTimeout time.Duration
	rng         *rand.Rand

	replPingSlavePeriod time.Duration
	slaveValidityFactor int
	migrationBarrier    int

	store Pauser

	cand          *candidate
	mm            *manualMaster
	ms            *manualSlave
	nextAttemptAt time.Time // retry window: no new attempt before this

	// seenWithReplica records every master this node has observed with at
	// least one non-FAIL replica, so migration.go can tell "currently
	// orphaned" apart from "never had a replica" (spec §4.9 rule ii).
	seenWithReplica map[meshnode.ID]bool

	// OnWin is called after this node wins an election and reclaims its
	// former master's slots, so the caller can persist configuration and
	// force an immediate re-evaluation of aggregate cluster state.
	OnWin func()
}

// New returns a manager with the classic Redis cluster defaults for the
// data-freshness window; migrationBarrier is the spec §4.9 parameter.
func New(table *meshnode.Table, slots *slotmap.Map, clock *epoch.Clock, evaluator *clusterstate.Evaluator, nodeTimeout time.Duration, migrationBarrier int, store Pauser) *Manager {
	return &Manager{
		table:               table,
		slots:               slots,
		clock:               clock,
		evaluator:           evaluator,
		nodeTimeout:         nodeTimeout,
		rng:                 rand.New(rand.NewSource(time.Now().UnixNano())),
		replPingSlavePeriod: defaultReplPingSlavePeriod,
		slaveValidityFactor: defaultSlaveValidityFactor,
		migrationBarrier:    migrationBarrier,
		store:               store,
		seenWithReplica:     make(map[meshnode.ID]bool),
	}
}

func idToBytes(id meshnode.ID) [wire.IDSize]byte {
	var out [wire.IDSize]byte
	if id == "" {
		return out
	}
	b, err := wire.IDFromHex(string(id))
	if err != nil {
		return out
	}
	return b
}

// HandleFrame dispatches FAILOVER_AUTH_REQUEST/ACK and MFSTART frames
// forwarded by the gossip engine's OnElectionFrame hook.
func (m *Manager) HandleFrame(sender *meshnode.Node, f *wire.Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch f.Header.Type {
	case wire.TypeFailoverAuthRequest:
		m.considerGrantLocked(sender, f)
	case wire.TypeFailoverAuthAck:
		m.recordAckLocked(sender, f)
	case wire.TypeMFStart:
		m.handleMFStartLocked(sender)
	}
}

// ObservePing lets the gossip engine's OnPing hook feed PAUSED PINGs from
// our master into the manual-failover slave state machine (step: "the
// slave, on receiving a PAUSED PING from its master, records the master's
// replication offset").
func (m *Manager) ObservePing(sender *meshnode.Node, f *wire.Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()

	myself := m.table.Myself()
	if !myself.IsSlave() || myself.SlaveOf != sender.ID {
		return
	}
	if f.Header.MsgFlags&wire.MsgFlagPaused == 0 {
		return
	}
	if m.ms == nil {
		m.ms = &manualSlave{}
	}
	m.ms.active = true
	m.ms.masterOffset = f.Header.Offset
	m.ms.gotOffset = true
}

// Tick drives every per-attempt timer: starting a new election when
// eligible, sending the request once the delay elapses, timing out a stale
// attempt, and progressing/timing out manual failover. Called once per tick
// (spec §7).
func (m *Manager) Tick(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tickManualMasterLocked(now)
	m.tickManualSlaveLocked(now)
	m.tickMigrationLocked()

	if m.cand == nil {
		m.maybeStartLocked(now)
		return
	}
	m.progressCandidateLocked(now)
}

// maybeStartLocked begins a new election attempt if myself is an eligible
// replica (spec §4.8 opening paragraph and step 1).
func (m *Manager) maybeStartLocked(now time.Time) {
	myself := m.table.Myself()
	if !myself.IsSlave() || myself.SlaveOf == "" {
		return
	}
	master, ok := m.table.Get(myself.SlaveOf)
	if !ok || master.NumSlots == 0 {
		return
	}

	manualReady := m.ms != nil && m.ms.canStart
	if !master.IsFail() && !manualReady {
		return
	}
	if !manualReady && now.Before(m.nextAttemptAt) {
		return
	}

	rank := m.rankLocked(myself, master)
	delay := 500*time.Millisecond + time.Duration(m.rng.Intn(500))*time.Millisecond + time.Duration(rank)*time.Second

	c := &candidate{acks: make(map[meshnode.ID]bool)}
	if manualReady {
		c.authTime = now
		c.forceAck = true
		c.manual = true
	} else {
		c.authTime = now.Add(delay)
	}
	// Step 1 also calls for broadcasting our replication offset to
	// co-replicas so they can update their ranks; co-replicas already learn
	// each other's offsets from ordinary PING/PONG headers the gossip engine
	// processes (observeSenderLocked sets sender.ReplOffset from every PING,
	// PONG and MEET header),
	// so no separate announcement is needed here.
	m.cand = c
}

// rankLocked counts co-replicas of master with a strictly greater
// replication offset than myself (spec §4.8 step 1).
func (m *Manager) rankLocked(myself *meshnode.Node, master *meshnode.Node) int {
	rank := 0
	for _, s := range m.table.Slaves(master.ID) {
		if s.ID == myself.ID {
			continue
		}
		if s.ReplOffset > myself.ReplOffset {
			rank++
		}
	}
	return rank
}

// progressCandidateLocked advances an in-flight attempt: sends the request
// once authTime arrives, or aborts on timeout.
func (m *Manager) progressCandidateLocked(now time.Time) {
	c := m.cand
	myself := m.table.Myself()
	master, masterKnown := m.table.Get(myself.SlaveOf)

	if !c.requested {
		if now.Before(c.authTime) {
			return
		}
		if !c.manual && masterKnown && m.dataStaleLocked(master, now) {
			logging.Info("election: aborting attempt, data too stale")
			m.cand = nil
			m.nextAttemptAt = now.Add(m.retryWindow())
			return
		}

		c.epoch = m.clock.Bump()
		c.requested = true
		c.requestAt = now

		claimed := wire.SlotBitmap{}
		var masterConfigEpoch uint64
		if masterKnown {
			claimed = master.Slots
			masterConfigEpoch = master.ConfigEpoch
		}

		msgFlags := uint8(0)
		if c.forceAck {
			msgFlags |= wire.MsgFlagForceAck
		}
		f := &wire.Frame{Header: wire.Header{
			Version:      wire.ProtocolVersion,
			Type:         wire.TypeFailoverAuthRequest,
			SenderID:     idToBytes(myself.ID),
			SenderSlots:  claimed,
			Port:         uint16(myself.Port),
			NodeFlags:    myself.Flags,
			State:        m.evaluator.State(),
			MsgFlags:     msgFlags,
			CurrentEpoch: c.epoch,
			ConfigEpoch:  masterConfigEpoch,
			Offset:       myself.ReplOffset,
		}}
		m.broadcastLocked(f)
		return
	}

	if now.Sub(c.requestAt) > m.electionTimeout() {
		logging.Info("election: attempt at epoch %d timed out", c.epoch)
		m.cand = nil
		m.nextAttemptAt = now.Add(m.retryWindow())
	}
}

// dataStaleLocked implements step 2: abort if our data is too old to be
// trusted, using the time our master has been FAIL as the "lost contact"
// clock (this node's own record of the master carries the FAIL timestamp).
func (m *Manager) dataStaleLocked(master *meshnode.Node, now time.Time) bool {
	if master.FailTime.IsZero() {
		return false
	}
	dataAge := now.Sub(master.FailTime) - m.nodeTimeout
	if dataAge <= 0 {
		return false
	}
	limit := m.replPingSlavePeriod*time.Duration(1) + m.nodeTimeout*time.Duration(m.slaveValidityFactor)
	return dataAge > limit
}

func (m *Manager) electionTimeout() time.Duration {
	t := m.nodeTimeout * 2
	if t < electionTimeoutFloor {
		t = electionTimeoutFloor
	}
	return t
}

func (m *Manager) retryWindow() time.Duration {
	t := m.nodeTimeout * 4
	if t < retryWindowFloor {
		t = retryWindowFloor
	}
	return t
}

// considerGrantLocked implements the voter-side grant rules of spec §4.8
// step 4.
func (m *Manager) considerGrantLocked(requester *meshnode.Node, f *wire.Frame) {
	voter := m.table.Myself()
	if !voter.IsMaster() || voter.NumSlots == 0 {
		return
	}
	requestEpoch := f.Header.CurrentEpoch
	if requestEpoch < m.clock.Current() {
		return
	}

	master, masterKnown := m.table.Get(requester.SlaveOf)
	if !masterKnown {
		return
	}
	forceAck := f.Header.MsgFlags&wire.MsgFlagForceAck != 0
	if !master.IsFail() && !forceAck {
		return
	}
	if !master.VotedTime.IsZero() && time.Since(master.VotedTime) < m.nodeTimeout*voteStalenessMult {
		return
	}

	claimed := f.Header.SenderSlots
	for s := 0; s < wire.NumSlots; s++ {
		if !claimed.GetBit(s) {
			continue
		}
		owner := m.slots.Owner(s)
		if owner == "" || owner == master.ID {
			continue
		}
		ownerNode, ok := m.table.Get(owner)
		if ok && ownerNode.ConfigEpoch <= f.Header.ConfigEpoch {
			continue
		}
		return // some claimed slot is owned by a fresher, unrelated node
	}

	if !m.clock.TryVote(requestEpoch) {
		return
	}
	master.VotedTime = time.Now()

	ack := &wire.Frame{Header: wire.Header{
		Version:      wire.ProtocolVersion,
		Type:         wire.TypeFailoverAuthAck,
		SenderID:     idToBytes(voter.ID),
		Port:         uint16(voter.Port),
		NodeFlags:    voter.Flags,
		State:        m.evaluator.State(),
		CurrentEpoch: requestEpoch,
		ConfigEpoch:  voter.ConfigEpoch,
		Offset:       voter.ReplOffset,
	}}
	if requester.Link != nil {
		_ = requester.Link.Send(ack)
	}
	logging.Info("election: granted vote to %s for epoch %d", requester.ID, requestEpoch)
}

// recordAckLocked counts a granted vote and checks the win condition (spec
// §4.8 step 5).
func (m *Manager) recordAckLocked(sender *meshnode.Node, f *wire.Frame) {
	c := m.cand
	if c == nil || !c.requested || f.Header.CurrentEpoch != c.epoch {
		return
	}
	c.acks[sender.ID] = true

	if len(c.acks) < m.quorumLocked() {
		return
	}
	m.winLocked(c.epoch)
}

// quorumLocked is (cluster_size/2)+1 over masters serving at least one slot.
func (m *Manager) quorumLocked() int {
	n := 0
	for _, mstr := range m.table.Masters() {
		if mstr.NumSlots > 0 {
			n++
		}
	}
	return n/2 + 1
}

// winLocked implements step 5: claim the epoch, reclaim the former master's
// slots, stop replicating, and notify the caller to persist and re-evaluate.
func (m *Manager) winLocked(authEpoch uint64) {
	myself := m.table.Myself()
	oldMaster, ok := m.table.Get(myself.SlaveOf)

	myself.ConfigEpoch = authEpoch
	myself.SetRole(true, "")

	if ok {
		for _, s := range m.slots.OwnedBy(oldMaster.ID) {
			_ = m.slots.SetOwner(s, myself)
		}
	}

	m.cand = nil
	m.ms = nil

	logging.Info("election: won epoch %d, promoted to master", authEpoch)

	f := &wire.Frame{Header: wire.Header{
		Version:      wire.ProtocolVersion,
		Type:         wire.TypePong,
		SenderID:     idToBytes(myself.ID),
		SenderSlots:  myself.Slots,
		Port:         uint16(myself.Port),
		NodeFlags:    myself.Flags,
		State:        m.evaluator.State(),
		CurrentEpoch: m.clock.Current(),
		ConfigEpoch:  myself.ConfigEpoch,
		Offset:       myself.ReplOffset,
	}}
	m.broadcastLocked(f)

	if m.OnWin != nil {
		m.OnWin()
	}
}

func (m *Manager) broadcastLocked(f *wire.Frame) {
	m.table.Each(func(n *meshnode.Node) bool {
		if n.IsMyself() || n.Link == nil {
			return true
		}
		_ = n.Link.Send(f)
		return true
	})
}

// --- manual failover ---

// RequestManualFailover is called by the operator FAILOVER command on a
// slave: sends MFSTART to its master. takeover bypasses the handshake
// entirely per the "takeover" variant of spec §4.8.
func (m *Manager) RequestManualFailover(takeover bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	myself := m.table.Myself()
	if !myself.IsSlave() || myself.SlaveOf == "" {
		return fmt.Errorf("election: FAILOVER requires a replica with a master")
	}
	master, ok := m.table.Get(myself.SlaveOf)
	if !ok {
		return fmt.Errorf("election: master not found")
	}

	if takeover {
		isUniqueMax := true
		m.table.Each(func(n *meshnode.Node) bool {
			if n.ID != myself.ID && n.ConfigEpoch >= myself.ConfigEpoch {
				isUniqueMax = false
			}
			return true
		})
		m.clock.UnilateralBump(myself, isUniqueMax)
		m.winLocked(myself.ConfigEpoch)
		return nil
	}

	m.ms = &manualSlave{}
	f := &wire.Frame{Header: wire.Header{
		Version:   wire.ProtocolVersion,
		Type:      wire.TypeMFStart,
		SenderID:  idToBytes(myself.ID),
		NodeFlags: myself.Flags,
		State:     m.evaluator.State(),
	}}
	if master.Link != nil {
		_ = master.Link.Send(f)
	}
	return nil
}

// handleMFStartLocked is the master-side reaction to MFSTART: pause client
// writes and start flagging PINGs PAUSED.
func (m *Manager) handleMFStartLocked(slave *meshnode.Node) {
	now := time.Now()
	end := now.Add(manualFailoverTimeout)
	m.mm = &manualMaster{slave: slave.ID, end: end}
	if m.store != nil {
		m.store.PauseClients(end)
	}
	logging.Info("election: manual failover started for slave %s", slave.ID)
}

// tickManualMasterLocked clears expired manual-failover master state.
func (m *Manager) tickManualMasterLocked(now time.Time) {
	if m.mm != nil && now.After(m.mm.end) {
		logging.Info("election: manual failover timed out")
		m.mm = nil
	}
}

// tickManualSlaveLocked marks mf_can_start once our offset has caught up to
// the master's paused offset (spec §4.8 manual-failover paragraph).
func (m *Manager) tickManualSlaveLocked(now time.Time) {
	if m.ms == nil || !m.ms.active || m.ms.canStart {
		return
	}
	myself := m.table.Myself()
	if m.ms.gotOffset && myself.ReplOffset >= m.ms.masterOffset {
		m.ms.canStart = true
	}
}

// MsgFlagsForPing returns the MsgFlags a master should stamp on its outgoing
// PINGs while a manual failover is in progress for slave, used by the
// caller (gossip engine or clustermesh) building the outgoing header.
func (m *Manager) MsgFlagsForPing() uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mm != nil {
		return wire.MsgFlagPaused
	}
	return 0
}
