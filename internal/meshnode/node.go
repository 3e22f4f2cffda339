// Package meshnode holds the per-node record and the node table: the set of
// known peers keyed by 40-hex identity, plus a short-lived blacklist of
// recently forgotten identities. See spec §3, §4.2.
package meshnode

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"clustermesh/internal/wire"
)

// ID is a node's 40-hex-character identity.
type ID string

// NewID returns a fresh random 40-hex identity, as assigned to a node at
// creation and to a HANDSHAKE entry before its first PONG arrives.
func NewID() ID {
	var raw [wire.IDSize]byte
	if _, err := rand.Read(raw[:]); err != nil {
		// crypto/rand failing is unrecoverable; a degraded identity would
		// risk two nodes colliding, which the rest of the system assumes
		// can't happen.
		panic(fmt.Sprintf("meshnode: failed to generate node id: %v", err))
	}
	return ID(hex.EncodeToString(raw[:]))
}

// Link is the minimal surface the node table needs from the link layer,
// kept here (rather than importing internal/link) so link can depend on
// meshnode without a cycle.
type Link interface {
	Send(*wire.Frame) error
	Close() error
}

// Node is one entry in the node table: a peer's stable identity plus the
// transient state the gossip engine, failure detector, and election
// algorithm track about it. See spec §3.
type Node struct {
	ID      ID
	Address string
	Port    int // client port; bus port is Port+10000

	Flags       wire.NodeFlags
	ConfigEpoch uint64
	ReplOffset  uint64
	SlaveOf     ID // empty for a master

	// Slots is this node's owned-slot bitmap as last known to us (our own
	// view for myself, gossiped/derived for peers). NumSlots caches its
	// popcount so invariant (ii) of spec §3 is cheap to check.
	Slots    wire.SlotBitmap
	NumSlots int

	// Transient — reset on reconnect, never persisted except where §4.11
	// says otherwise.
	PingSent     time.Time
	PongReceived time.Time
	FailTime     time.Time
	VotedTime    time.Time // last time this node (as a master) granted a vote for one of its slaves
	Link         Link

	// FailureReports maps a reporting sender's id to when it last reported
	// this node as suspect (spec §4.5).
	FailureReports map[ID]time.Time
}

// SetSlot sets slot s as owned and returns the bit's previous value,
// keeping NumSlots in sync (spec §4.6 set_slot_bit).
func (n *Node) SetSlot(s int) bool {
	old := n.Slots.SetBit(s)
	if !old {
		n.NumSlots++
	}
	return old
}

// ClearSlot clears slot s, keeping NumSlots in sync.
func (n *Node) ClearSlot(s int) {
	if n.Slots.GetBit(s) {
		n.Slots.ClearBit(s)
		n.NumSlots--
	}
}

// HasSlot reports whether slot s is set in this node's bitmap.
func (n *Node) HasSlot(s int) bool { return n.Slots.GetBit(s) }

// BusPort is the dedicated gossip-bus TCP port for this node.
func (n *Node) BusPort() int { return n.Port + 10000 }

func (n *Node) String() string {
	return fmt.Sprintf("%s@%s:%d", n.ID, n.Address, n.Port)
}

// IsMaster reports whether the MASTER role flag is set.
func (n *Node) IsMaster() bool { return n.Flags.Has(wire.FlagMaster) }

// IsSlave reports whether the SLAVE role flag is set.
func (n *Node) IsSlave() bool { return n.Flags.Has(wire.FlagSlave) }

// IsMyself reports whether this record is the local node.
func (n *Node) IsMyself() bool { return n.Flags.Has(wire.FlagMyself) }

// IsPFail reports whether this node is locally suspected of failure.
func (n *Node) IsPFail() bool { return n.Flags.Has(wire.FlagPFail) }

// IsFail reports whether this node is quorum-confirmed failed.
func (n *Node) IsFail() bool { return n.Flags.Has(wire.FlagFail) }

// IsHandshake reports whether this entry is still an unconfirmed handshake.
func (n *Node) IsHandshake() bool { return n.Flags.Has(wire.FlagHandshake) }

// SetRole flips the MASTER/SLAVE flags atomically (they're mutually
// exclusive per spec §3's invariant). slaveOf is ignored when becoming a
// master.
func (n *Node) SetRole(master bool, slaveOf ID) {
	n.Flags &^= wire.FlagMaster | wire.FlagSlave
	if master {
		n.Flags |= wire.FlagMaster
		n.SlaveOf = ""
	} else {
		n.Flags |= wire.FlagSlave
		n.SlaveOf = slaveOf
	}
}

// PruneStaleFailureReports removes failure reports older than maxAge,
// called before counting distinct reporters (spec §4.5: reports are stale
// after node_timeout * FAIL_REPORT_VALIDITY_MULT).
func (n *Node) PruneStaleFailureReports(maxAge time.Duration, now time.Time) {
	for sender, at := range n.FailureReports {
		if now.Sub(at) > maxAge {
			delete(n.FailureReports, sender)
		}
	}
}

// AddFailureReport records or refreshes a failure report from sender.
func (n *Node) AddFailureReport(sender ID, now time.Time) {
	if n.FailureReports == nil {
		n.FailureReports = make(map[ID]time.Time)
	}
	n.FailureReports[sender] = now
}

// ClearFailureReport removes any failure report filed by sender.
func (n *Node) ClearFailureReport(sender ID) {
	delete(n.FailureReports, sender)
}
