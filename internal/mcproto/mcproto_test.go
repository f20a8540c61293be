package mcproto

import (
	"bytes"
	"errors"
	"testing"
)

func TestVarIntRoundTrip(t *testing.T) {
	values := []int32{0, 1, 127, 128, 255, 300, 25565, 2097151, 2147483647, -1}
	for _, v := range values {
		encoded := AppendVarInt(nil, v)
		got, err := ReadVarInt(bytes.NewReader(encoded))
		if err != nil {
			t.Fatalf("ReadVarInt(%d): %v", v, err)
		}
		if got != v {
			t.Errorf("round trip %d: got %d", v, got)
		}
	}
}

func TestVarIntTruncated(t *testing.T) {
	// Continue bit set but no following byte.
	if _, err := ReadVarInt(bytes.NewReader([]byte{0x80})); !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed, got %v", err)
	}
}

func TestVarIntTooBig(t *testing.T) {
	if _, err := ReadVarInt(bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0x01})); !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed, got %v", err)
	}
}

func buildHandshake(protocolVersion int32, addr string, port uint16, nextState int32) []byte {
	payload := AppendVarInt(nil, 0x00)
	payload = AppendVarInt(payload, protocolVersion)
	payload = appendString(payload, addr)
	payload = append(payload, byte(port>>8), byte(port))
	payload = AppendVarInt(payload, nextState)
	return FramedPacket(payload)
}

func TestReadHandshake(t *testing.T) {
	packet := buildHandshake(767, "abc123.wh.example.com", 25565, NextStateLogin)
	hs, err := ReadHandshake(bytes.NewReader(packet))
	if err != nil {
		t.Fatalf("ReadHandshake: %v", err)
	}
	if hs.ProtocolVersion != 767 {
		t.Errorf("protocol version: got %d", hs.ProtocolVersion)
	}
	if hs.ServerAddress != "abc123.wh.example.com" {
		t.Errorf("server address: got %q", hs.ServerAddress)
	}
	if hs.ServerPort != 25565 {
		t.Errorf("server port: got %d", hs.ServerPort)
	}
	if hs.NextState != NextStateLogin {
		t.Errorf("next state: got %d", hs.NextState)
	}
	if !bytes.Equal(FramedPacket(hs.Raw), packet) {
		t.Error("Raw does not re-frame to the original packet")
	}
}

func TestReadHandshakeMalformed(t *testing.T) {
	cases := map[string][]byte{
		"empty length":        {0x00},
		"oversized length":    AppendVarInt(nil, MaxHandshakeLength+1),
		"truncated payload":   {0x10, 0x00, 0x2f},
		"wrong packet id":     FramedPacket([]byte{0x05, 0x00}),
		"invalid next state":  buildHandshake(767, "abc.example.com", 25565, 3),
		"zero next state":     buildHandshake(767, "abc.example.com", 25565, 0),
		"truncated varint":    {0x80},
		"address over limit":  FramedPacket(append(AppendVarInt(AppendVarInt(nil, 0), 767), AppendVarInt(nil, 300)...)),
		"negative string len": FramedPacket(append(AppendVarInt(AppendVarInt(nil, 0), 767), AppendVarInt(nil, -1)...)),
	}
	for name, packet := range cases {
		if _, err := ReadHandshake(bytes.NewReader(packet)); !errors.Is(err, ErrMalformed) {
			t.Errorf("%s: expected ErrMalformed, got %v", name, err)
		}
	}
}

func TestWriteDisconnectStatus(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteDisconnect(&buf, NextStateStatus, "No online world"); err != nil {
		t.Fatalf("WriteDisconnect: %v", err)
	}
	r := bytes.NewReader(buf.Bytes())

	// Status response packet.
	size, err := ReadVarInt(r)
	if err != nil {
		t.Fatalf("status response length: %v", err)
	}
	payload := make([]byte, size)
	if _, err := r.Read(payload); err != nil {
		t.Fatalf("status response payload: %v", err)
	}
	if payload[0] != 0x00 {
		t.Errorf("status response packet ID: got %#x", payload[0])
	}
	body, err := readString(bytes.NewReader(payload[1:]), 32767)
	if err != nil {
		t.Fatalf("status response body: %v", err)
	}
	want := `{"description":{"text":"No online world","color":"red"}}`
	if body != want {
		t.Errorf("status body: got %s, want %s", body, want)
	}

	// Pong packet with a zero payload follows.
	size, err = ReadVarInt(r)
	if err != nil {
		t.Fatalf("pong length: %v", err)
	}
	if size != 9 {
		t.Errorf("pong length: got %d", size)
	}
	pong := make([]byte, size)
	if _, err := r.Read(pong); err != nil {
		t.Fatalf("pong payload: %v", err)
	}
	if pong[0] != 0x01 {
		t.Errorf("pong packet ID: got %#x", pong[0])
	}
}

func TestWriteDisconnectLogin(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteDisconnect(&buf, NextStateLogin, `bad "key"`); err != nil {
		t.Fatalf("WriteDisconnect: %v", err)
	}
	r := bytes.NewReader(buf.Bytes())
	size, err := ReadVarInt(r)
	if err != nil {
		t.Fatalf("disconnect length: %v", err)
	}
	payload := make([]byte, size)
	if _, err := r.Read(payload); err != nil {
		t.Fatalf("disconnect payload: %v", err)
	}
	if payload[0] != 0x00 {
		t.Errorf("disconnect packet ID: got %#x", payload[0])
	}
	body, err := readString(bytes.NewReader(payload[1:]), 262144)
	if err != nil {
		t.Fatalf("disconnect body: %v", err)
	}
	want := `{"text":"bad \"key\"","color":"red"}`
	if body != want {
		t.Errorf("disconnect body: got %s, want %s", body, want)
	}
	if r.Len() != 0 {
		t.Errorf("unexpected trailing bytes after login disconnect: %d", r.Len())
	}
}
