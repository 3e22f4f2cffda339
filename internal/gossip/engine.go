// Package gossip implements the cluster-bus message exchange of spec §4.4:
// PING/PONG/MEET construction and ingestion, gossip-section sampling, and
// the handshake/reconnect policy of §4.3. Grounded on the shape of the
// teacher's gossip.Protocol (peer map, health-check ticker, topology sync)
// generalized from its JSON/enclave-replication semantics to the framed
// cluster-bus/slot-ownership semantics this engine coordinates.
package gossip

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"clustermesh/internal/clusterstate"
	"clustermesh/internal/epoch"
	"clustermesh/internal/failure"
	"clustermesh/internal/link"
	"clustermesh/internal/logging"
	"clustermesh/internal/meshnode"
	"clustermesh/internal/slotmap"
	"clustermesh/internal/wire"
)

// maxPingSample is "select five random nodes" of spec §4.4.
const maxPingSample = 5

// Dialer opens an outbound bus connection, wiring the frame/down callbacks
// before the connection starts being read. New installs a default that calls
// link.DialAuthenticated; tests substitute a fake.
type Dialer func(addr string, onFrame func(*wire.Frame), onDown func(error)) (meshnode.Link, error)

// Engine builds and ingests gossip messages and drives the reconnect and
// ping-sampling policy. All state mutation funnels through a single mutex,
// standing in for the single-threaded event loop of spec §7 — the teacher's
// protocol instead serializes via one goroutine per peer plus a shared
// RWMutex peer map; here every link runs its own read pump, so one coarse
// lock around frame handling and the tick keeps node-table mutation
// data-race free without reintroducing per-field locking on meshnode.Node.
type Engine struct {
	mu sync.Mutex

	table       *meshnode.Table
	slots       *slotmap.Map
	clock       *epoch.Clock
	detector    *failure.Detector
	evaluator   *clusterstate.Evaluator
	nodeTimeout time.Duration
	rng         *rand.Rand

	Dial Dialer

	// ClusterSecret, when non-empty, is the bus-secret every connection must
	// prove knowledge of via the signed greeting handshake (spec §9's AUTH
	// handshake; see internal/link/auth.go). Read by the default Dial
	// closure and by AttachListener; leave empty to run without bus auth.
	ClusterSecret string

	// OnBecomeReplica/OnDeleteKeys are forwarded verbatim to
	// slotmap.UpdateSlotsConfigWith; see its doc comment.
	OnBecomeReplica func(of meshnode.ID)
	OnDeleteKeys    func(slot int)

	// OnElectionFrame receives FAILOVER_AUTH_REQUEST/ACK and MFSTART frames,
	// which this package doesn't interpret itself — kept in a sibling
	// package to avoid an import cycle (same callback-injection shape as
	// slotmap's hooks).
	OnElectionFrame func(sender *meshnode.Node, f *wire.Frame)

	// OnPublish receives PUBLISH frames; nil means they're dropped.
	OnPublish func(sender *meshnode.Node, channel string, payload []byte)

	// OnPing receives every PING this node sends a PONG reply to, carrying
	// the raw frame so a sibling package can inspect MsgFlags (PAUSED rides
	// on a master's PING during a manual failover handshake, spec §4.8).
	OnPing func(sender *meshnode.Node, f *wire.Frame)

	// PingMsgFlags, if set, supplies the MsgFlags byte stamped on every
	// outgoing PING — the manual-failover manager sets MsgFlagPaused here
	// while it holds a master-side pause (spec §4.8).
	PingMsgFlags func() uint8
}

// New returns an engine bound to the given subsystems, using
// link.DialAuthenticated with ClusterSecret as its default dialer.
func New(table *meshnode.Table, slots *slotmap.Map, clock *epoch.Clock, detector *failure.Detector, evaluator *clusterstate.Evaluator, nodeTimeout time.Duration) *Engine {
	e := &Engine{
		table:       table,
		slots:       slots,
		clock:       clock,
		detector:    detector,
		evaluator:   evaluator,
		nodeTimeout: nodeTimeout,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	e.Dial = func(addr string, onFrame func(*wire.Frame), onDown func(error)) (meshnode.Link, error) {
		return link.DialAuthenticated(addr, e.ClusterSecret, onFrame, onDown)
	}
	return e
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

// Meet registers a HANDSHAKE entry for host:port (a client port; the bus
// port is host:port+10000) with the MEET flag set, per the operator `MEET
// host port` command. The next tick dials it and sends MEET instead of
// PING.
func (e *Engine) Meet(host string, port int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := &meshnode.Node{
		ID:      meshnode.NewID(),
		Address: host,
		Port:    port,
		Flags:   wire.FlagHandshake | wire.FlagMeet,
	}
	e.table.Add(n)
}

// AttachListener runs an accept loop against ln until it's closed. Each
// inbound connection gets a Link with no bound node yet — identity is
// learned from the first frame and the Link is attached at that point.
func (e *Engine) AttachListener(ln *link.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			logging.Info("gossip: listener stopped: %v", err)
			return
		}
		if err := link.VerifyGreeting(conn, e.ClusterSecret); err != nil {
			logging.Warn("gossip: rejecting connection from %s: %v", conn.RemoteAddr(), err)
			conn.Close()
			continue
		}
		l := link.NewPending(conn)
		l.Attach(func(f *wire.Frame) {
			e.handleInbound(l, f)
		}, func(error) {
			e.onLinkDown(l)
		})
	}
}

// handleInbound processes a frame from a not-yet-attributed inbound link,
// resolving or creating the sender's node record and attaching l to it.
func (e *Engine) handleInbound(l *link.Link, f *wire.Frame) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := meshnode.ID(wire.IDToHex(f.Header.SenderID))
	sender, ok := e.table.Get(id)
	if !ok {
		if e.table.IsBlacklisted(id) {
			return
		}
		sender = &meshnode.Node{ID: id, Flags: f.Header.NodeFlags &^ wire.FlagMyself}
		e.table.Add(sender)
	}
	if sender.Link == nil {
		sender.Link = l
	}
	e.dispatchLocked(sender, f)
}

func (e *Engine) onLinkDown(l *link.Link) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.table.Each(func(n *meshnode.Node) bool {
		if n.Link == l {
			n.Link = nil
		}
		return true
	})
}

// HandleFrame is the entry point used for frames arriving on a link already
// attached to a known node (the outbound/reconnect path).
func (e *Engine) HandleFrame(sender *meshnode.Node, f *wire.Frame) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dispatchLocked(sender, f)
}

func (e *Engine) dispatchLocked(sender *meshnode.Node, f *wire.Frame) {
	switch f.Header.Type {
	case wire.TypePing:
		e.observeSenderLocked(sender, f)
		if e.OnPing != nil {
			e.OnPing(sender, f)
		}
		e.replyLocked(sender, wire.TypePong)
	case wire.TypeMeet:
		sender.Flags &^= wire.FlagHandshake
		e.observeSenderLocked(sender, f)
		e.replyLocked(sender, wire.TypePong)
	case wire.TypePong:
		if sender.IsHandshake() {
			realID := meshnode.ID(wire.IDToHex(f.Header.SenderID))
			if _, taken := e.table.Get(realID); !taken && realID != sender.ID {
				e.table.Rename(sender.ID, realID)
			}
		}
		sender.Flags &^= wire.FlagHandshake
		sender.PongReceived = time.Now()
		e.detector.MarkReachable(sender, time.Now())
		e.observeSenderLocked(sender, f)
	case wire.TypeFail:
		id := meshnode.ID(wire.IDToHex(f.FailID))
		if n, ok := e.table.Get(id); ok && !n.IsMyself() {
			n.Flags &^= wire.FlagPFail
			n.Flags |= wire.FlagFail
			n.FailTime = time.Now()
		}
	case wire.TypeUpdate:
		id := meshnode.ID(wire.IDToHex(f.Config.ID))
		if target, ok := e.table.Get(id); ok {
			epoch.ObserveSenderConfigEpoch(target, f.Config.ConfigEpoch)
			e.slots.UpdateSlotsConfigWith(target, f.Config.ConfigEpoch, f.Config.Slots, e.OnBecomeReplica, e.OnDeleteKeys)
		}
	case wire.TypePublish:
		if e.OnPublish != nil {
			e.OnPublish(sender, f.Channel, f.Payload)
		}
	case wire.TypeFailoverAuthRequest, wire.TypeFailoverAuthAck, wire.TypeMFStart:
		if e.OnElectionFrame != nil {
			e.OnElectionFrame(sender, f)
		}
	}
}

// observeSenderLocked applies the epoch/slot/gossip-section side effects
// common to PING/PONG/MEET (spec §4.4, §4.6, §4.7). Caller holds e.mu.
func (e *Engine) observeSenderLocked(sender *meshnode.Node, f *wire.Frame) {
	e.clock.ObserveCurrent(f.Header.CurrentEpoch)
	epoch.ObserveSenderConfigEpoch(sender, f.Header.ConfigEpoch)

	sender.Flags = (sender.Flags &^ (wire.FlagMaster | wire.FlagSlave)) | (f.Header.NodeFlags & (wire.FlagMaster | wire.FlagSlave))
	sender.Port = int(f.Header.Port)
	if f.Header.NodeFlags.Has(wire.FlagSlave) {
		sender.SlaveOf = meshnode.ID(wire.IDToHex(f.Header.SenderMaster))
	} else {
		sender.SlaveOf = ""
	}
	sender.Slots = f.Header.SenderSlots
	sender.NumSlots = f.Header.SenderSlots.PopCount()
	sender.ReplOffset = f.Header.Offset

	if sender.IsMaster() {
		e.slots.UpdateSlotsConfigWith(sender, f.Header.ConfigEpoch, f.Header.SenderSlots, e.OnBecomeReplica, e.OnDeleteKeys)

		myself := e.table.Myself()
		if myself.IsMaster() && epoch.ResolveCollision(e.clock, myself, sender) {
			logging.Info("gossip: yielded configEpoch collision with %s, new configEpoch %d", sender.ID, myself.ConfigEpoch)
		}
	}

	for _, g := range f.Gossip {
		e.ingestGossipEntryLocked(sender, g)
	}
}

// ingestGossipEntryLocked applies spec §4.4's second paragraph: failure
// reports ride on gossip entries from master senders; unknown, reachable
// candidates start a fresh handshake. Caller holds e.mu.
func (e *Engine) ingestGossipEntryLocked(sender *meshnode.Node, g wire.GossipEntry) {
	id := meshnode.ID(wire.IDToHex(g.ID))
	if id == "" || id == e.table.Myself().ID {
		return
	}

	if existing, known := e.table.Get(id); known {
		if sender.IsMaster() {
			if g.Flags.Has(wire.FlagFail) || g.Flags.Has(wire.FlagPFail) {
				existing.AddFailureReport(sender.ID, time.Now())
			} else {
				existing.ClearFailureReport(sender.ID)
			}
		}
		return
	}

	if g.Flags.Has(wire.FlagNoAddr) || g.Flags.Has(wire.FlagHandshake) {
		return
	}
	if e.table.IsBlacklisted(id) {
		return
	}
	e.table.Add(&meshnode.Node{
		ID:      id,
		Address: g.Address,
		Port:    int(g.Port),
		Flags:   wire.FlagHandshake,
	})
}

// replyLocked sends a PONG (or, in principle, any gossip-bearing type) back
// to sender. Caller holds e.mu.
func (e *Engine) replyLocked(sender *meshnode.Node, typ wire.Type) {
	if sender.Link == nil {
		return
	}
	f := &wire.Frame{Header: e.headerLocked(typ), Gossip: e.buildGossipSectionLocked()}
	_ = sender.Link.Send(f)
}

// headerLocked fills the fixed header fields common to every frame this
// node sends. Caller holds e.mu.
func (e *Engine) headerLocked(typ wire.Type) wire.Header {
	myself := e.table.Myself()
	var msgFlags uint8
	if typ == wire.TypePing && e.PingMsgFlags != nil {
		msgFlags = e.PingMsgFlags()
	}
	return wire.Header{
		Version:      wire.ProtocolVersion,
		Type:         typ,
		SenderID:     idToBytes(myself.ID),
		SenderSlots:  myself.Slots,
		SenderMaster: idToBytes(myself.SlaveOf),
		Port:         uint16(myself.Port),
		NodeFlags:    myself.Flags,
		State:        e.evaluator.State(),
		MsgFlags:     msgFlags,
		CurrentEpoch: e.clock.Current(),
		ConfigEpoch:  myself.ConfigEpoch,
		Offset:       myself.ReplOffset,
	}
}

// buildGossipSectionLocked samples between 3 and floor(N/10) other nodes,
// capped at N-2, biasing the first third of picks toward PFAIL/FAIL
// candidates, per spec §4.4. Caller holds e.mu.
func (e *Engine) buildGossipSectionLocked() []wire.GossipEntry {
	var eligible []*meshnode.Node
	e.table.Each(func(n *meshnode.Node) bool {
		if n.IsMyself() || n.IsHandshake() || n.Flags.Has(wire.FlagNoAddr) {
			return true
		}
		if n.Link == nil && n.NumSlots == 0 {
			return true // disconnected and slotless
		}
		eligible = append(eligible, n)
		return true
	})
	if len(eligible) == 0 {
		return nil
	}

	total := e.table.Len()
	maxCount := total - 2
	if maxCount <= 0 {
		return nil
	}

	const lower = 3
	count := maxCount
	if maxCount >= lower {
		upper := total / 10
		if upper < lower {
			upper = lower
		}
		if upper > maxCount {
			upper = maxCount
		}
		count = lower + e.rng.Intn(upper-lower+1)
	}
	if count > len(eligible) {
		count = len(eligible)
	}

	perm := e.rng.Perm(len(eligible))
	biasedUntil := count / 3

	chosen := make([]*meshnode.Node, 0, count)
	chosenSet := make(map[meshnode.ID]bool, count)
	for _, idx := range perm {
		if len(chosen) >= count {
			break
		}
		cand := eligible[idx]
		if len(chosen) < biasedUntil && !(cand.IsPFail() || cand.IsFail()) {
			continue
		}
		chosen = append(chosen, cand)
		chosenSet[cand.ID] = true
	}
	if len(chosen) < count {
		for _, idx := range perm {
			if len(chosen) >= count {
				break
			}
			cand := eligible[idx]
			if chosenSet[cand.ID] {
				continue
			}
			chosen = append(chosen, cand)
			chosenSet[cand.ID] = true
		}
	}

	entries := make([]wire.GossipEntry, 0, len(chosen))
	for _, c := range chosen {
		entries = append(entries, wire.GossipEntry{
			ID:           idToBytes(c.ID),
			Address:      c.Address,
			Port:         uint16(c.Port),
			Flags:        c.Flags,
			PingSent:     uint32(c.PingSent.Unix()),
			PongReceived: uint32(c.PongReceived.Unix()),
		})
	}
	return entries
}

// Tick drives reconnects, ping sampling, and failure promotion — one call
// per 100ms tick (spec §7: "a periodic tick, ten times per second").
func (e *Engine) Tick(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.sweepExpiredHandshakesLocked(now)
	e.reconnectLocked()
	e.pingSampleLocked(now)

	e.detector.CheckTimeouts(now)
	e.table.Each(func(n *meshnode.Node) bool {
		if !n.IsPFail() {
			return true
		}
		if e.detector.PromoteToFail(n, now) {
			e.broadcastFailLocked(n.ID)
		}
		return true
	})
}

// sweepExpiredHandshakesLocked discards HANDSHAKE entries that never
// answered PONG within max(node_timeout, 1s) of their last ping (spec §3,
// §5): a MEET'd or gossip-learned address that never completes the
// handshake must not linger in the table forever, redialed every tick.
func (e *Engine) sweepExpiredHandshakesLocked(now time.Time) {
	limit := e.nodeTimeout
	if limit < time.Second {
		limit = time.Second
	}
	var expired []meshnode.ID
	e.table.Each(func(n *meshnode.Node) bool {
		if n.IsMyself() || !n.IsHandshake() {
			return true
		}
		if n.PingSent.IsZero() || now.Sub(n.PingSent) <= limit {
			return true
		}
		expired = append(expired, n.ID)
		return true
	})
	for _, id := range expired {
		e.table.Delete(id)
	}
}

func (e *Engine) reconnectLocked() {
	var toDial []*meshnode.Node
	e.table.Each(func(n *meshnode.Node) bool {
		if n.IsMyself() || n.Link != nil || n.Address == "" {
			return true
		}
		toDial = append(toDial, n)
		return true
	})

	for _, n := range toDial {
		addr := fmt.Sprintf("%s:%d", n.Address, n.BusPort())
		target := n
		if n.IsHandshake() {
			n.PingSent = time.Now()
		}
		l, err := e.Dial(addr, func(f *wire.Frame) {
			e.HandleFrame(target, f)
		}, func(error) {
			e.mu.Lock()
			target.Link = nil
			e.mu.Unlock()
		})
		if err != nil {
			logging.Warn("gossip: dial %s failed: %v", addr, err)
			continue
		}
		n.Link = l
		typ := wire.TypePing
		if n.Flags.Has(wire.FlagMeet) {
			typ = wire.TypeMeet
		}
		n.PingSent = time.Now()
		e.replyLocked(n, typ)
	}
}

func (e *Engine) pingSampleLocked(now time.Time) {
	var candidates []*meshnode.Node
	e.table.Each(func(n *meshnode.Node) bool {
		if n.IsMyself() || n.Link == nil || n.IsHandshake() {
			return true
		}
		candidates = append(candidates, n)
		return true
	})
	if len(candidates) == 0 {
		return
	}

	toPing := make(map[meshnode.ID]*meshnode.Node)

	sampleSize := maxPingSample
	if sampleSize > len(candidates) {
		sampleSize = len(candidates)
	}
	perm := e.rng.Perm(len(candidates))[:sampleSize]
	var oldest *meshnode.Node
	for _, idx := range perm {
		c := candidates[idx]
		if oldest == nil || c.PongReceived.Before(oldest.PongReceived) {
			oldest = c
		}
	}
	if oldest != nil {
		toPing[oldest.ID] = oldest
	}

	half := e.nodeTimeout / 2
	for _, c := range candidates {
		if c.PongReceived.IsZero() || now.Sub(c.PongReceived) > half {
			toPing[c.ID] = c
		}
	}

	for _, n := range toPing {
		n.PingSent = now
		e.replyLocked(n, wire.TypePing)
	}
}

func (e *Engine) broadcastFailLocked(failedID meshnode.ID) {
	f := &wire.Frame{Header: e.headerLocked(wire.TypeFail), FailID: idToBytes(failedID)}
	e.table.Each(func(n *meshnode.Node) bool {
		if n.IsMyself() || n.Link == nil {
			return true
		}
		_ = n.Link.Send(f)
		return true
	})
	logging.Info("gossip: broadcast FAIL for %s", failedID)
}
