// Package persistence implements the node-view snapshot format of spec
// §4.11: a line-oriented text descriptor, written in place with
// length-padding and truncation so a crash mid-write never corrupts the
// file, held under an exclusive OS-level lock for the process's lifetime.
package persistence

import (
	"bufio"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"clustermesh/internal/epoch"
	"clustermesh/internal/meshnode"
	"clustermesh/internal/slotmap"
	"clustermesh/internal/wire"
)

// Snapshot is the parsed contents of a node-view descriptor.
type Snapshot struct {
	Nodes        []NodeRecord
	CurrentEpoch uint64
	LastVoteEpoch uint64
}

// NodeRecord is one parsed node line.
type NodeRecord struct {
	ID           meshnode.ID
	Address      string
	BusPort      int
	Flags        wire.NodeFlags
	Master       meshnode.ID // empty if none
	PingSentMS   int64
	PongRecvMS   int64
	ConfigEpoch  uint64
	Connected    bool
	Slots        []int
	MigratingTo  map[int]meshnode.ID
	ImportingFrom map[int]meshnode.ID
}

var flagOrder = []struct {
	bit  wire.NodeFlags
	name string
}{
	{wire.FlagMyself, "myself"},
	{wire.FlagMaster, "master"},
	{wire.FlagSlave, "slave"},
	{wire.FlagPFail, "fail?"},
	{wire.FlagFail, "fail"},
	{wire.FlagHandshake, "handshake"},
	{wire.FlagNoAddr, "noaddr"},
	{wire.FlagMeet, "meet"},
}

func flagsToString(f wire.NodeFlags) string {
	var parts []string
	for _, fo := range flagOrder {
		if f.Has(fo.bit) {
			parts = append(parts, fo.name)
		}
	}
	if len(parts) == 0 {
		return "noflags"
	}
	return strings.Join(parts, ",")
}

func flagsFromString(s string) wire.NodeFlags {
	var f wire.NodeFlags
	if s == "noflags" || s == "" {
		return f
	}
	for _, part := range strings.Split(s, ",") {
		for _, fo := range flagOrder {
			if fo.name == part {
				f |= fo.bit
			}
		}
	}
	return f
}

// compactRanges renders a sorted slot list as space-separated ranges
// ("0-100 200 300-400"), the format used for a node's owned-slot column.
func compactRanges(slots []int) string {
	if len(slots) == 0 {
		return ""
	}
	sorted := append([]int(nil), slots...)
	sort.Ints(sorted)

	var parts []string
	start := sorted[0]
	prev := sorted[0]
	for _, s := range sorted[1:] {
		if s == prev+1 {
			prev = s
			continue
		}
		parts = append(parts, rangeString(start, prev))
		start, prev = s, s
	}
	parts = append(parts, rangeString(start, prev))
	return strings.Join(parts, " ")
}

func rangeString(start, end int) string {
	if start == end {
		return strconv.Itoa(start)
	}
	return fmt.Sprintf("%d-%d", start, end)
}

func parseRanges(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	var out []int
	for _, tok := range strings.Fields(s) {
		if strings.Contains(tok, "-") && !strings.HasPrefix(tok, "-") {
			parts := strings.SplitN(tok, "-", 2)
			lo, err := strconv.Atoi(parts[0])
			if err != nil {
				return nil, fmt.Errorf("persistence: bad range %q: %w", tok, err)
			}
			hi, err := strconv.Atoi(parts[1])
			if err != nil {
				return nil, fmt.Errorf("persistence: bad range %q: %w", tok, err)
			}
			for s := lo; s <= hi; s++ {
				out = append(out, s)
			}
		} else {
			n, err := strconv.Atoi(tok)
			if err != nil {
				return nil, fmt.Errorf("persistence: bad slot %q: %w", tok, err)
			}
			out = append(out, n)
		}
	}
	return out, nil
}

// Serialize renders the current table/slot-map/epoch state as a node-view
// descriptor. For myself only, migrating/importing bracket entries are
// appended after the compacted owned-slot ranges.
func Serialize(table *meshnode.Table, slots *slotmap.Map, clock *epoch.Clock) string {
	var b strings.Builder
	myself := table.Myself()

	table.Each(func(n *meshnode.Node) bool {
		master := "-"
		if n.IsSlave() && n.SlaveOf != "" {
			master = string(n.SlaveOf)
		}
		connected := "connected"
		if n.Link == nil {
			connected = "disconnected"
		}

		var owned []int
		for s := 0; s < wire.NumSlots; s++ {
			if n.HasSlot(s) {
				owned = append(owned, s)
			}
		}

		fmt.Fprintf(&b, "%s %s:%d %s %s %d %d %d %s %s",
			n.ID, n.Address, n.BusPort(), flagsToString(n.Flags), master,
			n.PingSent.UnixMilli(), n.PongReceived.UnixMilli(), n.ConfigEpoch,
			connected, compactRanges(owned))

		if n.ID == myself.ID {
			for s := 0; s < wire.NumSlots; s++ {
				if target := slots.MigratingTo(s); target != "" {
					fmt.Fprintf(&b, " [%d->-%s]", s, target)
				}
				if source := slots.ImportingFrom(s); source != "" {
					fmt.Fprintf(&b, " [%d-<-%s]", s, source)
				}
			}
		}
		b.WriteByte('\n')
		return true
	})

	fmt.Fprintf(&b, "vars currentEpoch %d lastVoteEpoch %d\n", clock.Current(), clock.LastVoteEpoch())
	return b.String()
}

// Parse reads a node-view descriptor back into a Snapshot. Trailing blank
// lines from length-padding are ignored.
func Parse(data string) (*Snapshot, error) {
	snap := &Snapshot{}
	sc := bufio.NewScanner(strings.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if fields[0] == "vars" {
			if err := parseVars(fields, snap); err != nil {
				return nil, err
			}
			continue
		}
		rec, err := parseNodeLine(fields)
		if err != nil {
			return nil, err
		}
		snap.Nodes = append(snap.Nodes, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("persistence: scan: %w", err)
	}
	return snap, nil
}

func parseVars(fields []string, snap *Snapshot) error {
	for i := 1; i+1 < len(fields); i += 2 {
		v, err := strconv.ParseUint(fields[i+1], 10, 64)
		if err != nil {
			return fmt.Errorf("persistence: bad vars value for %s: %w", fields[i], err)
		}
		switch fields[i] {
		case "currentEpoch":
			snap.CurrentEpoch = v
		case "lastVoteEpoch":
			snap.LastVoteEpoch = v
		}
	}
	return nil
}

func parseNodeLine(fields []string) (NodeRecord, error) {
	var rec NodeRecord
	if len(fields) < 9 {
		return rec, fmt.Errorf("persistence: malformed node line: %q", strings.Join(fields, " "))
	}
	rec.ID = meshnode.ID(fields[0])

	hostPort := strings.SplitN(fields[1], ":", 2)
	if len(hostPort) != 2 {
		return rec, fmt.Errorf("persistence: malformed address %q", fields[1])
	}
	rec.Address = hostPort[0]
	port, err := strconv.Atoi(hostPort[1])
	if err != nil {
		return rec, fmt.Errorf("persistence: bad bus port %q: %w", hostPort[1], err)
	}
	rec.BusPort = port

	rec.Flags = flagsFromString(fields[2])
	if fields[3] != "-" {
		rec.Master = meshnode.ID(fields[3])
	}

	pingMS, err := strconv.ParseInt(fields[4], 10, 64)
	if err != nil {
		return rec, fmt.Errorf("persistence: bad ping-sent %q: %w", fields[4], err)
	}
	rec.PingSentMS = pingMS
	pongMS, err := strconv.ParseInt(fields[5], 10, 64)
	if err != nil {
		return rec, fmt.Errorf("persistence: bad pong-received %q: %w", fields[5], err)
	}
	rec.PongRecvMS = pongMS

	epochVal, err := strconv.ParseUint(fields[6], 10, 64)
	if err != nil {
		return rec, fmt.Errorf("persistence: bad configEpoch %q: %w", fields[6], err)
	}
	rec.ConfigEpoch = epochVal
	rec.Connected = fields[7] == "connected"

	rest := fields[8:]
	var plain []string
	rec.MigratingTo = make(map[int]meshnode.ID)
	rec.ImportingFrom = make(map[int]meshnode.ID)
	for _, tok := range rest {
		switch {
		case strings.HasPrefix(tok, "[") && strings.Contains(tok, "->-"):
			inner := strings.Trim(tok, "[]")
			parts := strings.SplitN(inner, "->-", 2)
			s, err := strconv.Atoi(parts[0])
			if err != nil {
				return rec, fmt.Errorf("persistence: bad migrating entry %q: %w", tok, err)
			}
			rec.MigratingTo[s] = meshnode.ID(parts[1])
		case strings.HasPrefix(tok, "[") && strings.Contains(tok, "-<-"):
			inner := strings.Trim(tok, "[]")
			parts := strings.SplitN(inner, "-<-", 2)
			s, err := strconv.Atoi(parts[0])
			if err != nil {
				return rec, fmt.Errorf("persistence: bad importing entry %q: %w", tok, err)
			}
			rec.ImportingFrom[s] = meshnode.ID(parts[1])
		default:
			plain = append(plain, tok)
		}
	}
	slots, err := parseRanges(strings.Join(plain, " "))
	if err != nil {
		return rec, err
	}
	rec.Slots = slots

	return rec, nil
}
