// Package router implements the client-facing routing decision of spec
// §4.12/§6: hash-slot computation (CRC16/XMODEM over the hash-tagged
// effective key) and the MOVED/ASK/TRYAGAIN/CROSSSLOT/CLUSTERDOWN
// redirection rules.
package router

import (
	"strings"
	"time"

	"clustermesh/internal/meshnode"
	"clustermesh/internal/slotmap"
	"clustermesh/internal/wire"
)

// Collaborator is the minimal interface the router (and the rest of the
// coordination core) consumes from the embedded key-value engine, per
// spec §6. The engine itself is out of scope.
type Collaborator interface {
	KeyExists(key string) bool
	CountKeysInSlot(slot int) int
	GetKeysInSlot(slot int, max int) []string
	DelKeysInSlot(slot int)
	FlushDB()
	ReplicationSetMaster(host string, port int) error
	ReplicationUnsetMaster() error
	ReplicationGetSlaveOffset() uint64
	PauseClients(deadline time.Time)
}

// Decision is the outcome of routing one command.
type Decision int

const (
	DecisionServe Decision = iota
	DecisionMoved
	DecisionAsk
	DecisionTryAgain
	DecisionCrossSlot
	DecisionClusterDown
)

func (d Decision) String() string {
	switch d {
	case DecisionServe:
		return "SERVE"
	case DecisionMoved:
		return "MOVED"
	case DecisionAsk:
		return "ASK"
	case DecisionTryAgain:
		return "TRYAGAIN"
	case DecisionCrossSlot:
		return "CROSSSLOT"
	case DecisionClusterDown:
		return "CLUSTERDOWN"
	default:
		return "UNKNOWN"
	}
}

// Request is the routing-relevant subset of an inbound client command.
type Request struct {
	Keys       []string
	AskingSafe bool // the command itself is declared asking-safe
	Asking     bool // the client pre-sent ASKING for this one command
	ReadOnly   bool // the command is read-only
	ClientRO   bool // the client connection set READONLY
}

// Result is the routing verdict. Target is populated for MOVED/ASK.
type Result struct {
	Decision Decision
	Slot     int
	Target   *meshnode.Node
}

// crc16 is the XMODEM variant (poly 0x1021, init 0) used by hash_slot, bit
// by bit rather than table-driven since this runs once per command on a
// cluster-coordination control path, not a hot data path.
func crc16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// EffectiveKey returns the substring between the first '{' and the first
// subsequent '}', if non-empty; otherwise the full key, per spec §4.12's
// hash-tag rule.
func EffectiveKey(key string) string {
	start := strings.IndexByte(key, '{')
	if start < 0 {
		return key
	}
	end := strings.IndexByte(key[start+1:], '}')
	if end <= 0 { // no closing brace, or an empty {} tag
		return key
	}
	return key[start+1 : start+1+end]
}

// HashSlot computes hash_slot(key) = crc16(effective_key) mod 16384.
func HashSlot(key string) int {
	return int(crc16([]byte(EffectiveKey(key))) % wire.NumSlots)
}

// Route applies the decision tree of spec §4.12 to req, given myself's
// identity, the node table, the slot map, the aggregate cluster state, and
// the collaborator used to check key presence for ASK/TRYAGAIN.
func Route(req Request, myself *meshnode.Node, table *meshnode.Table, slots *slotmap.Map, state wire.ClusterState, collab Collaborator) Result {
	if len(req.Keys) == 0 {
		return Result{Decision: DecisionServe}
	}

	slot := HashSlot(req.Keys[0])
	for _, k := range req.Keys[1:] {
		if HashSlot(k) != slot {
			return Result{Decision: DecisionCrossSlot, Slot: slot}
		}
	}

	owner := slots.Owner(slot)
	if owner == "" {
		if state == wire.StateFail {
			return Result{Decision: DecisionClusterDown, Slot: slot}
		}
		// An unowned slot with an otherwise-OK cluster can't be served by
		// anyone either; treat it the same way as the FAIL case.
		return Result{Decision: DecisionClusterDown, Slot: slot}
	}

	if owner == myself.ID {
		if target := slots.MigratingTo(slot); target != "" {
			for _, k := range req.Keys {
				if !collab.KeyExists(k) {
					node, _ := table.Get(target)
					return Result{Decision: DecisionAsk, Slot: slot, Target: node}
				}
			}
		}
		return Result{Decision: DecisionServe, Slot: slot}
	}

	if req.ReadOnly && req.ClientRO {
		if ownerNode, ok := table.Get(owner); ok && myself.IsSlave() && myself.SlaveOf == owner {
			_ = ownerNode
			return Result{Decision: DecisionServe, Slot: slot}
		}
	}

	if slots.ImportingFrom(slot) != "" && (req.Asking || req.AskingSafe) {
		if len(req.Keys) > 1 {
			for _, k := range req.Keys {
				if !collab.KeyExists(k) {
					return Result{Decision: DecisionTryAgain, Slot: slot}
				}
			}
		}
		return Result{Decision: DecisionServe, Slot: slot}
	}

	node, _ := table.Get(owner)
	return Result{Decision: DecisionMoved, Slot: slot, Target: node}
}
