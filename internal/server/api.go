// Package server exposes the operator command set of spec §6 as an HTTP
// admin surface (gorilla/mux, adapted from the teacher's internal/node
// package), instruments it with Prometheus metrics, and reflects the
// aggregate cluster state into a gRPC health service.
package server

import "time"

// NodeInfo is the CLUSTER NODES/SLAVES-facing view of one node.
type NodeInfo struct {
	ID          string    `json:"id"`
	Address     string    `json:"address"`
	Port        int       `json:"port"`
	Flags       []string  `json:"flags"`
	Master      string    `json:"master,omitempty"`
	PingSent    time.Time `json:"ping_sent,omitempty"`
	PongRecv    time.Time `json:"pong_received,omitempty"`
	ConfigEpoch uint64    `json:"config_epoch"`
	Slots       []SlotRange `json:"slots,omitempty"`
}

// SlotRange is a contiguous [Start,End] slot span owned by one node, the
// compacted form CLUSTER SLOTS/NODES report rather than 16,384 individual
// entries.
type SlotRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// AdminAPI is the operator command set of spec §6, implemented by
// internal/clustermesh.Engine. Kept as an interface here so internal/server
// can be built and tested independently of the top-level engine, the same
// dependency-inversion shape used throughout this module (slotmap's
// onBecomeReplica/onDeleteKeys, gossip's OnPing/OnElectionFrame).
type AdminAPI interface {
	MyID() string
	Meet(host string, port int) error
	Forget(id string) error
	Nodes() []NodeInfo
	Slots() []SlotRange
	FlushSlots() error
	AddSlots(slots []int) error
	DelSlots(slots []int) error
	SetSlotStable(slot int) error
	SetSlotMigrating(slot int, target string) error
	SetSlotImporting(slot int, source string) error
	SetSlotNode(slot int, nodeID string) error
	SetConfigEpoch(epoch uint64) error
	KeySlot(key string) int
	CountKeysInSlot(slot int) int
	GetKeysInSlot(slot, count int) []string
	Replicate(masterID string) error
	Slaves(masterID string) ([]NodeInfo, error)
	CountFailureReports(id string) int
	Failover(takeover bool) error
	Reset(hard bool) error
	SaveConfig() error
	Info() map[string]string
}
