package control

import (
	"crypto/cipher"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/worldhost/world-host-server/internal/proto"
	"github.com/worldhost/world-host-server/internal/registry"
)

// Session is one authenticated hosting client. It is the registry's relay
// channel for every world the client publishes.
type Session struct {
	UserID     uuid.UUID
	Username   string
	Key        string
	RemoteAddr string
	Country    string

	conn      net.Conn
	writeMu   sync.Mutex
	enc       io.Writer
	dec       io.Reader
	closeOnce sync.Once
}

func newSession(conn net.Conn, remoteAddr string) *Session {
	return &Session{
		RemoteAddr: remoteAddr,
		conn:       conn,
		enc:        conn,
		dec:        conn,
	}
}

// enableEncryption switches both directions to the negotiated stream ciphers.
// Must be called before any concurrent sends.
func (s *Session) enableEncryption(encrypt, decrypt cipher.Stream) {
	s.enc = cipher.StreamWriter{S: encrypt, W: s.conn}
	s.dec = cipher.StreamReader{S: decrypt, R: s.conn}
}

// send writes one framed message; the mutex keeps frames from interleaving
// when relay goroutines and the session loop write concurrently.
func (s *Session) send(m proto.S2CMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return proto.WriteS2C(s.enc, m)
}

var _ registry.RelayChannel = (*Session)(nil)

func (s *Session) SendProxyConnect(connID uint64, remoteAddr string) error {
	return s.send(proto.ProxyConnect{ConnectionID: connID, RemoteAddr: remoteAddr})
}

func (s *Session) SendProxyPacket(connID uint64, data []byte) error {
	return s.send(proto.ProxyC2SPacket{ConnectionID: connID, Data: data})
}

func (s *Session) SendProxyDisconnect(connID uint64) error {
	return s.send(proto.ProxyClosed{ConnectionID: connID})
}

func (s *Session) Close() error {
	s.closeOnce.Do(func() { _ = s.conn.Close() })
	return nil
}
