package wire

import (
	"bytes"
	"testing"
)

func sampleHeader(typ Type) Header {
	id, _ := IDFromHex("a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0")
	return Header{
		Version:      ProtocolVersion,
		Type:         typ,
		SenderID:     id,
		Port:         6379,
		NodeFlags:    FlagMyself | FlagMaster,
		State:        StateOK,
		CurrentEpoch: 7,
		ConfigEpoch:  3,
		Offset:       1024,
	}
}

func TestEncodeDecodePing(t *testing.T) {
	peerID, _ := IDFromHex("b1b1b1b1b1b1b1b1b1b1b1b1b1b1b1b1b1b1b1b1")
	f := &Frame{
		Header: sampleHeader(TypePing),
		Gossip: []GossipEntry{
			{ID: peerID, Address: "10.0.0.2", Port: 6380, Flags: FlagMaster, PingSent: 100, PongReceived: 200},
		},
	}

	buf, err := Encode(f)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Header.Type != TypePing {
		t.Fatalf("type = %v, want PING", got.Header.Type)
	}
	if got.Header.CurrentEpoch != 7 || got.Header.ConfigEpoch != 3 {
		t.Fatalf("epochs not preserved: %+v", got.Header)
	}
	if len(got.Gossip) != 1 {
		t.Fatalf("gossip entries = %d, want 1", len(got.Gossip))
	}
	if got.Gossip[0].Address != "10.0.0.2" || got.Gossip[0].Port != 6380 {
		t.Fatalf("gossip entry mismatch: %+v", got.Gossip[0])
	}
}

func TestEncodeDecodeFail(t *testing.T) {
	target, _ := IDFromHex("c2c2c2c2c2c2c2c2c2c2c2c2c2c2c2c2c2c2c2c2")
	f := &Frame{Header: sampleHeader(TypeFail), FailID: target}

	buf, err := Encode(f)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.FailID != target {
		t.Fatalf("FailID mismatch")
	}
}

func TestEncodeDecodePublish(t *testing.T) {
	f := &Frame{
		Header:  sampleHeader(TypePublish),
		Channel: "failover",
		Payload: []byte("master-down"),
	}
	buf, err := Encode(f)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Channel != "failover" || string(got.Payload) != "master-down" {
		t.Fatalf("publish payload mismatch: %+v", got)
	}
}

func TestEncodeDecodeUpdate(t *testing.T) {
	id, _ := IDFromHex("d3d3d3d3d3d3d3d3d3d3d3d3d3d3d3d3d3d3d3d3")
	var slots [slotBytes]byte
	slots[0] = 0xFF
	f := &Frame{
		Header: sampleHeader(TypeUpdate),
		Config: NodeConfig{ID: id, ConfigEpoch: 42, Slots: slots},
	}
	buf, err := Encode(f)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Config.ConfigEpoch != 42 || got.Config.Slots[0] != 0xFF {
		t.Fatalf("update payload mismatch: %+v", got.Config)
	}
}

func TestEncodeDecodeHeaderOnly(t *testing.T) {
	for _, typ := range []Type{TypeFailoverAuthRequest, TypeFailoverAuthAck, TypeMFStart} {
		f := &Frame{Header: sampleHeader(typ)}
		buf, err := Encode(f)
		if err != nil {
			t.Fatalf("Encode(%v): %v", typ, err)
		}
		if len(buf) != HeaderSize {
			t.Fatalf("Encode(%v) len = %d, want %d", typ, len(buf), HeaderSize)
		}
		got, err := Decode(buf)
		if err != nil {
			t.Fatalf("Decode(%v): %v", typ, err)
		}
		if got.Header.Type != typ {
			t.Fatalf("type round-trip failed for %v", typ)
		}
	}
}

func TestDecodeRejectsBadSignature(t *testing.T) {
	buf := make([]byte, HeaderSize)
	copy(buf, "XXXX")
	if _, err := Decode(buf); err != ErrBadSignature {
		t.Fatalf("err = %v, want ErrBadSignature", err)
	}
}

func TestDecodeRejectsTruncated(t *testing.T) {
	f := &Frame{Header: sampleHeader(TypeFail), FailID: [IDSize]byte{1}}
	buf, err := Encode(f)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := Decode(buf[:len(buf)-5]); err != ErrTruncated {
		t.Fatalf("err = %v, want ErrTruncated", err)
	}
}

func TestDecodeRejectsMismatchedTotLen(t *testing.T) {
	f := &Frame{Header: sampleHeader(TypePing), Gossip: []GossipEntry{
		{Address: "10.0.0.1", Port: 1}, {Address: "10.0.0.2", Port: 2},
	}}
	buf, err := Encode(f)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// Lie about the count: claim only one gossip entry while the bytes
	// for two are present — totlen no longer matches the declared type.
	byteOrder.PutUint16(buf[9:11], 1)
	if _, err := Decode(buf); err != ErrTruncated {
		t.Fatalf("err = %v, want ErrTruncated", err)
	}
}

func TestReadFrame(t *testing.T) {
	f := &Frame{Header: sampleHeader(TypeMFStart)}
	buf, err := Encode(f)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := ReadFrame(bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got.Header.Type != TypeMFStart {
		t.Fatalf("type = %v", got.Header.Type)
	}
}

func TestIDHexRoundTrip(t *testing.T) {
	const hex40 = "0123456789abcdef0123456789abcdef01234567"
	id, err := IDFromHex(hex40)
	if err != nil {
		t.Fatalf("IDFromHex: %v", err)
	}
	if got := IDToHex(id); got != hex40 {
		t.Fatalf("IDToHex = %q, want %q", got, hex40)
	}
}
