package relay

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/worldhost/world-host-server/internal/mcproto"
	"github.com/worldhost/world-host-server/internal/registry"
)

type recordedPacket struct {
	connID uint64
	data   []byte
}

// recordingChannel captures everything the engine sends to a host.
type recordingChannel struct {
	mu          sync.Mutex
	connects    []uint64
	packets     []recordedPacket
	disconnects []uint64
	events      chan string
	sendErr     error
}

func newRecordingChannel() *recordingChannel {
	return &recordingChannel{events: make(chan string, 32)}
}

func (c *recordingChannel) SendProxyConnect(connID uint64, _ string) error {
	c.mu.Lock()
	c.connects = append(c.connects, connID)
	err := c.sendErr
	c.mu.Unlock()
	c.events <- "connect"
	return err
}

func (c *recordingChannel) SendProxyPacket(connID uint64, data []byte) error {
	c.mu.Lock()
	c.packets = append(c.packets, recordedPacket{connID, append([]byte(nil), data...)})
	err := c.sendErr
	c.mu.Unlock()
	c.events <- "packet"
	return err
}

func (c *recordingChannel) SendProxyDisconnect(connID uint64) error {
	c.mu.Lock()
	c.disconnects = append(c.disconnects, connID)
	c.mu.Unlock()
	c.events <- "disconnect"
	return nil
}

func (c *recordingChannel) Close() error { return nil }

func (c *recordingChannel) waitEvent(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-c.events:
		if got != want {
			t.Fatalf("event: got %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %q", want)
	}
}

func buildHandshake(t *testing.T, addr string, port uint16, nextState int32) []byte {
	t.Helper()
	payload := mcproto.AppendVarInt(nil, 0x00)
	payload = mcproto.AppendVarInt(payload, 767)
	payload = mcproto.AppendVarInt(payload, int32(len(addr)))
	payload = append(payload, addr...)
	payload = binary.BigEndian.AppendUint16(payload, port)
	payload = mcproto.AppendVarInt(payload, nextState)
	return mcproto.FramedPacket(payload)
}

func newTestEngine(t *testing.T) (*Engine, *registry.HostRegistry) {
	t.Helper()
	reg := registry.NewHostRegistry(nil)
	engine := NewEngine(reg, NewTracker(), "wh.example.com")
	return engine, reg
}

func registerHost(t *testing.T, reg *registry.HostRegistry, key string, ch registry.RelayChannel) *registry.HostEntry {
	t.Helper()
	entry := &registry.HostEntry{Key: key, Owner: uuid.New(), Channel: ch}
	if err := reg.Register(testContext(t), entry); err != nil {
		t.Fatal(err)
	}
	return entry
}

func TestRoutingKey(t *testing.T) {
	cases := []struct {
		addr, base string
		key        string
		ok         bool
	}{
		{"abc123def.wh.example.com", "wh.example.com", "abc123def", true},
		{"ABC123DEF.WH.Example.Com", "wh.example.com", "abc123def", true},
		{"abc123def.other.net", "wh.example.com", "abc123def", true},
		{"abc123def", "wh.example.com", "abc123def", true},
		{"abc123def.wh.example.com\x00FML\x00", "wh.example.com", "abc123def", true},
		{"wh.example.com", "wh.example.com", "", false},
		{"a.b.wh.example.com", "wh.example.com", "a.b", true},
		{"abc123def.whatever.com", "", "abc123def", true},
	}
	for _, tc := range cases {
		key, ok := RoutingKey(tc.addr, tc.base)
		if key != tc.key || ok != tc.ok {
			t.Errorf("RoutingKey(%q, %q) = %q, %v; want %q, %v",
				tc.addr, tc.base, key, ok, tc.key, tc.ok)
		}
	}
}

func TestHandleConnRelaysBytes(t *testing.T) {
	engine, reg := newTestEngine(t)
	ch := newRecordingChannel()
	registerHost(t, reg, "abc123def", ch)

	client, server := net.Pipe()
	go engine.HandleConn(server)

	handshake := buildHandshake(t, "abc123def.wh.example.com", 25565, mcproto.NextStateLogin)
	if _, err := client.Write(handshake); err != nil {
		t.Fatal(err)
	}
	ch.waitEvent(t, "connect")
	ch.waitEvent(t, "packet")

	extra := []byte("login start and more")
	if _, err := client.Write(extra); err != nil {
		t.Fatal(err)
	}
	ch.waitEvent(t, "packet")

	client.Close()
	ch.waitEvent(t, "disconnect")

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if len(ch.connects) != 1 {
		t.Fatalf("connects: got %d, want 1", len(ch.connects))
	}
	connID := ch.connects[0]
	if len(ch.packets) != 2 {
		t.Fatalf("packets: got %d, want 2", len(ch.packets))
	}
	// The consumed handshake is re-framed and forwarded first.
	if !bytes.Equal(ch.packets[0].data, handshake) {
		t.Error("first packet must be the re-framed handshake")
	}
	if !bytes.Equal(ch.packets[1].data, extra) {
		t.Error("joiner bytes must be forwarded unmodified")
	}
	for _, p := range ch.packets {
		if p.connID != connID {
			t.Error("packets must carry the tunnel's connection id")
		}
	}
	if len(ch.disconnects) != 1 || ch.disconnects[0] != connID {
		t.Errorf("disconnects: got %v", ch.disconnects)
	}
	if engine.Tracker.Len() != 0 {
		t.Error("tunnel must be removed after the joiner leaves")
	}
}

func TestHandleConnHostToJoiner(t *testing.T) {
	engine, reg := newTestEngine(t)
	ch := newRecordingChannel()
	entry := registerHost(t, reg, "abc123def", ch)

	client, server := net.Pipe()
	go engine.HandleConn(server)

	if _, err := client.Write(buildHandshake(t, "abc123def.wh.example.com", 25565, mcproto.NextStateLogin)); err != nil {
		t.Fatal(err)
	}
	ch.waitEvent(t, "connect")
	ch.waitEvent(t, "packet")

	tunnel, ok := engine.Tracker.Get(ch.connects[0])
	if !ok {
		t.Fatal("tunnel not tracked")
	}
	if !tunnel.BoundTo(entry.Channel) {
		t.Error("tunnel must be bound to the host's channel")
	}

	want := []byte("server response bytes")
	go func() {
		if err := tunnel.WriteToJoiner(want); err != nil {
			t.Error(err)
		}
	}()
	got := make([]byte, len(want))
	if _, err := io.ReadFull(client, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("joiner received %q", got)
	}
	client.Close()
}

func TestHandleConnHostOffline(t *testing.T) {
	engine, _ := newTestEngine(t)

	client, server := net.Pipe()
	go engine.HandleConn(server)

	if _, err := client.Write(buildHandshake(t, "missing123.wh.example.com", 25565, mcproto.NextStateStatus)); err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(client)
	if err != nil {
		t.Fatal(err)
	}

	var want bytes.Buffer
	if err := mcproto.WriteDisconnect(&want, mcproto.NextStateStatus, "Couldn't find world with ID missing123"); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want.Bytes()) {
		t.Errorf("offline response mismatch:\n got %x\nwant %x", got, want.Bytes())
	}
}

func TestHandleConnBareBaseAddr(t *testing.T) {
	engine, _ := newTestEngine(t)

	client, server := net.Pipe()
	go engine.HandleConn(server)

	if _, err := client.Write(buildHandshake(t, "wh.example.com", 25566, mcproto.NextStateLogin)); err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(client)
	if err != nil {
		t.Fatal(err)
	}

	var want bytes.Buffer
	err = mcproto.WriteDisconnect(&want, mcproto.NextStateLogin,
		"Please use the syntax my-world-id.wh.example.com:25566")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want.Bytes()) {
		t.Errorf("usage response mismatch:\n got %x\nwant %x", got, want.Bytes())
	}
}

func TestHandleConnMalformedHandshake(t *testing.T) {
	engine, reg := newTestEngine(t)
	ch := newRecordingChannel()
	registerHost(t, reg, "abc123def", ch)

	client, server := net.Pipe()
	go engine.HandleConn(server)

	// A length prefix promising far more than MaxHandshakeLength.
	if _, err := client.Write(mcproto.AppendVarInt(nil, 1<<20)); err != nil {
		t.Fatal(err)
	}
	// The connection must be closed without any response.
	got, err := io.ReadAll(client)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("malformed handshake must get no response, got %x", got)
	}
	if engine.Tracker.Len() != 0 {
		t.Error("no tunnel may be created for a malformed handshake")
	}
}

func TestHandleConnHandshakeTimeout(t *testing.T) {
	engine, _ := newTestEngine(t)
	engine.HandshakeTimeout = 50 * time.Millisecond

	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		engine.HandleConn(server)
		close(done)
	}()

	// Send nothing.
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not time out")
	}
	client.Close()
}

func TestCloseChannelClosesTunnels(t *testing.T) {
	engine, reg := newTestEngine(t)
	ch := newRecordingChannel()
	registerHost(t, reg, "abc123def", ch)

	client, server := net.Pipe()
	go engine.HandleConn(server)
	if _, err := client.Write(buildHandshake(t, "abc123def.wh.example.com", 25565, mcproto.NextStateLogin)); err != nil {
		t.Fatal(err)
	}
	ch.waitEvent(t, "connect")
	ch.waitEvent(t, "packet")

	if n := engine.Tracker.CloseChannel(ch); n != 1 {
		t.Fatalf("CloseChannel closed %d tunnels, want 1", n)
	}
	// The joiner socket is closed promptly.
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadAll(client); err != nil {
		t.Fatalf("expected clean EOF, got %v", err)
	}
	if engine.Tracker.Len() != 0 {
		t.Error("tracker must be empty after CloseChannel")
	}
}
