package wire

import (
	"bytes"
	"fmt"
	"io"
)

// Encode serializes f into a complete frame, including the fixed header.
// The header's TotLen field (and Count, for PING/PONG/MEET) is recomputed
// from the payload so callers only need to fill in the semantic fields; Type
// is taken as the caller set it.
func Encode(f *Frame) ([]byte, error) {
	switch f.Header.Type {
	case TypePing, TypePong, TypeMeet:
		f.Header.Count = uint16(len(f.Gossip))
	case TypePublish:
		// Count is left as the caller set it.
	}

	var payload bytes.Buffer
	switch f.Header.Type {
	case TypePing, TypePong, TypeMeet:
		for _, g := range f.Gossip {
			if err := writeGossipEntry(&payload, g); err != nil {
				return nil, err
			}
		}
	case TypeFail:
		payload.Write(f.FailID[:])
	case TypePublish:
		var lens [8]byte
		byteOrder.PutUint32(lens[0:4], uint32(len(f.Channel)))
		byteOrder.PutUint32(lens[4:8], uint32(len(f.Payload)))
		payload.Write(lens[:])
		payload.WriteString(f.Channel)
		payload.Write(f.Payload)
	case TypeUpdate:
		payload.Write(f.Config.ID[:])
		var eb [8]byte
		byteOrder.PutUint64(eb[:], f.Config.ConfigEpoch)
		payload.Write(eb[:])
		payload.Write(f.Config.Slots[:])
	case TypeFailoverAuthRequest, TypeFailoverAuthAck, TypeMFStart:
		// header only
	default:
		return nil, fmt.Errorf("wire: unknown message type %d", f.Header.Type)
	}

	f.Header.TotLen = uint32(HeaderSize + payload.Len())

	out := make([]byte, 0, f.Header.TotLen)
	var buf bytes.Buffer
	buf.Grow(int(f.Header.TotLen))

	buf.Write(Signature[:])
	buf.WriteByte(f.Header.Version)
	var lb [4]byte
	byteOrder.PutUint32(lb[:], f.Header.TotLen)
	buf.Write(lb[:])
	var cb [2]byte
	byteOrder.PutUint16(cb[:], f.Header.Count)
	buf.Write(cb[:])
	buf.WriteByte(byte(f.Header.Type))
	buf.Write(f.Header.SenderID[:])
	buf.Write(f.Header.SenderSlots[:])
	buf.Write(f.Header.SenderMaster[:])
	byteOrder.PutUint16(cb[:], f.Header.Port)
	buf.Write(cb[:])
	byteOrder.PutUint16(cb[:], uint16(f.Header.NodeFlags))
	buf.Write(cb[:])
	buf.WriteByte(byte(f.Header.State))
	buf.WriteByte(f.Header.MsgFlags)
	var eb [8]byte
	byteOrder.PutUint64(eb[:], f.Header.CurrentEpoch)
	buf.Write(eb[:])
	byteOrder.PutUint64(eb[:], f.Header.ConfigEpoch)
	buf.Write(eb[:])
	byteOrder.PutUint64(eb[:], f.Header.Offset)
	buf.Write(eb[:])
	buf.Write(payload.Bytes())

	out = buf.Bytes()
	return out, nil
}

func writeGossipEntry(buf *bytes.Buffer, g GossipEntry) error {
	if len(g.Address) >= ipStrSize {
		return fmt.Errorf("wire: gossip address %q too long for %d-byte field", g.Address, ipStrSize)
	}
	buf.Write(g.ID[:])
	var addr [ipStrSize]byte
	copy(addr[:], g.Address)
	buf.Write(addr[:])
	var b2 [2]byte
	byteOrder.PutUint16(b2[:], g.Port)
	buf.Write(b2[:])
	byteOrder.PutUint16(b2[:], uint16(g.Flags))
	buf.Write(b2[:])
	var b4 [4]byte
	byteOrder.PutUint32(b4[:], g.PingSent)
	buf.Write(b4[:])
	byteOrder.PutUint32(b4[:], g.PongReceived)
	buf.Write(b4[:])
	return nil
}

// Decode parses a complete frame from buf. It validates the signature,
// version, and that TotLen matches what the declared type requires; a bad
// signature or version returns ErrBadSignature, a length mismatch
// ErrTruncated, and in either case the caller must drop the
// packet (spec §4.1, §7(c)).
func Decode(buf []byte) (*Frame, error) {
	if len(buf) < HeaderSize {
		return nil, ErrTruncated
	}
	if !bytes.Equal(buf[0:4], Signature[:]) {
		return nil, ErrBadSignature
	}
	if buf[4] != ProtocolVersion {
		return nil, ErrBadSignature
	}

	var f Frame
	p := buf
	f.Header.Version = p[4]
	f.Header.TotLen = byteOrder.Uint32(p[5:9])
	f.Header.Count = byteOrder.Uint16(p[9:11])
	f.Header.Type = Type(p[11])

	off := 12
	copy(f.Header.SenderID[:], p[off:off+IDSize])
	off += IDSize
	copy(f.Header.SenderSlots[:], p[off:off+slotBytes])
	off += slotBytes
	copy(f.Header.SenderMaster[:], p[off:off+IDSize])
	off += IDSize
	f.Header.Port = byteOrder.Uint16(p[off : off+2])
	off += 2
	f.Header.NodeFlags = NodeFlags(byteOrder.Uint16(p[off : off+2]))
	off += 2
	f.Header.State = ClusterState(p[off])
	off++
	f.Header.MsgFlags = p[off]
	off++
	f.Header.CurrentEpoch = byteOrder.Uint64(p[off : off+8])
	off += 8
	f.Header.ConfigEpoch = byteOrder.Uint64(p[off : off+8])
	off += 8
	f.Header.Offset = byteOrder.Uint64(p[off : off+8])
	off += 8
	if off != HeaderSize {
		return nil, ErrTruncated // defensive: header layout drifted
	}

	if len(buf) < int(f.Header.TotLen) || uint32(len(buf)) != f.Header.TotLen {
		return nil, ErrTruncated
	}

	payload := buf[HeaderSize:f.Header.TotLen]

	switch f.Header.Type {
	case TypePing, TypePong, TypeMeet:
		if expectedTotLen(f.Header.Type, int(f.Header.Count), 0, 0) != f.Header.TotLen {
			return nil, ErrTruncated
		}
		entries := make([]GossipEntry, f.Header.Count)
		o := 0
		for i := range entries {
			e, err := readGossipEntry(payload[o : o+gossipEntrySize])
			if err != nil {
				return nil, err
			}
			entries[i] = e
			o += gossipEntrySize
		}
		f.Gossip = entries

	case TypeFail:
		if len(payload) != IDSize {
			return nil, ErrTruncated
		}
		copy(f.FailID[:], payload)

	case TypePublish:
		if len(payload) < 8 {
			return nil, ErrTruncated
		}
		chLen := byteOrder.Uint32(payload[0:4])
		msgLen := byteOrder.Uint32(payload[4:8])
		if expectedTotLen(TypePublish, 0, int(chLen), int(msgLen)) != f.Header.TotLen {
			return nil, ErrTruncated
		}
		rest := payload[8:]
		f.Channel = string(rest[:chLen])
		f.Payload = append([]byte(nil), rest[chLen:chLen+msgLen]...)

	case TypeUpdate:
		if len(payload) != nodeConfigSize {
			return nil, ErrTruncated
		}
		copy(f.Config.ID[:], payload[0:IDSize])
		f.Config.ConfigEpoch = byteOrder.Uint64(payload[IDSize : IDSize+8])
		copy(f.Config.Slots[:], payload[IDSize+8:])

	case TypeFailoverAuthRequest, TypeFailoverAuthAck, TypeMFStart:
		if len(payload) != 0 {
			return nil, ErrTruncated
		}

	default:
		// Unknown tag: logged and dropped by the caller (spec §9).
		return nil, fmt.Errorf("wire: unknown message type %d: %w", f.Header.Type, ErrTruncated)
	}

	return &f, nil
}

func readGossipEntry(b []byte) (GossipEntry, error) {
	var g GossipEntry
	if len(b) != gossipEntrySize {
		return g, ErrTruncated
	}
	copy(g.ID[:], b[0:IDSize])
	off := IDSize
	addr := b[off : off+ipStrSize]
	off += ipStrSize
	if i := bytes.IndexByte(addr, 0); i >= 0 {
		g.Address = string(addr[:i])
	} else {
		g.Address = string(addr)
	}
	g.Port = byteOrder.Uint16(b[off : off+2])
	off += 2
	g.Flags = NodeFlags(byteOrder.Uint16(b[off : off+2]))
	off += 2
	g.PingSent = byteOrder.Uint32(b[off : off+4])
	off += 4
	g.PongReceived = byteOrder.Uint32(b[off : off+4])
	return g, nil
}

// ReadFrame reads exactly one frame from r: a 4-byte peek at the signature
// plus the fixed-size length field lets it know exactly how many more bytes
// to read before calling Decode, matching the "framing is done at enqueue
// time" design of spec §4.3.
func ReadFrame(r io.Reader) (*Frame, error) {
	head := make([]byte, 9)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, err
	}
	if !bytes.Equal(head[0:4], Signature[:]) {
		return nil, ErrBadSignature
	}
	totLen := byteOrder.Uint32(head[5:9])
	if totLen < HeaderSize || totLen > maxFrameSize {
		return nil, ErrTruncated
	}
	rest := make([]byte, totLen-9)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, err
	}
	full := make([]byte, totLen)
	copy(full, head)
	copy(full[9:], rest)
	return Decode(full)
}

// maxFrameSize bounds a single frame so a corrupt length field can't make a
// reader allocate unboundedly; large enough for the largest PING/PONG at
// N-2 gossip entries in any realistic cluster.
const maxFrameSize = 1 << 20
