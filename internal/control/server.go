// Package control runs the server side of the hosting clients' control
// channel: versioned encrypted handshake, identity verification, publish and
// unpublish of worlds, and the host side of relayed tunnels.
package control

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"time"

	"github.com/google/uuid"

	"github.com/worldhost/world-host-server/internal/auth"
	"github.com/worldhost/world-host-server/internal/ipinfo"
	"github.com/worldhost/world-host-server/internal/mccrypt"
	"github.com/worldhost/world-host-server/internal/obs"
	"github.com/worldhost/world-host-server/internal/proto"
	"github.com/worldhost/world-host-server/internal/ratelimit"
	"github.com/worldhost/world-host-server/internal/registry"
	"github.com/worldhost/world-host-server/internal/relay"
)

// ProtocolVersion is the control-channel version this server speaks.
const ProtocolVersion uint32 = 1

// KeyPrefix is echoed before the public key so clients can tell the
// encrypted handshake apart from older plaintext protocols.
const KeyPrefix uint32 = 0xFAFA0000

const (
	handshakeTimeout = 30 * time.Second
	maxEncryptedLen  = 512
	maxUsernameLen   = 64
	maxRequestedKey  = 32
)

// ExternalProxy is a federated relay the server may advertise to hosts that
// are geographically closer to it.
type ExternalProxy struct {
	Message     proto.ExternalProxyServer
	Location    ipinfo.LatLong
	HasLocation bool
}

// Server accepts and drives control-channel connections.
type Server struct {
	Registry *registry.HostRegistry
	Tracker  *relay.Tracker
	Verifier *auth.Verifier
	KeyPair  *mccrypt.KeyPair
	Limiter  *ratelimit.Limiter
	IPInfo   *ipinfo.Map

	BaseAddr        string
	ExJavaPort      uint16
	ExternalProxies []ExternalProxy
}

// Serve accepts control connections until the listener closes.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			obs.Error("control accept failed", obs.Fields{"err": err.Error()})
			continue
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			if err := tc.SetKeepAlive(true); err != nil {
				obs.Warn("failed to set keepalive", obs.Fields{"remote": conn.RemoteAddr().String(), "err": err.Error()})
			}
		}
		go s.HandleConn(ctx, conn)
	}
}

// HandleConn runs one control connection to completion.
func (s *Server) HandleConn(ctx context.Context, conn net.Conn) {
	remote := remoteHost(conn)

	if s.Limiter != nil {
		if limited := s.Limiter.Take(remote); limited != nil {
			obs.Warn("control connection rate limited", obs.Fields{"remote": remote, "bucket": limited.Bucket})
			obs.ErrorsTotal.WithLabelValues("ratelimited").Inc()
			_ = proto.WriteS2C(conn, proto.Error{Message: "Ratelimit exceeded! " + limited.Error(), Critical: true})
			_ = conn.Close()
			return
		}
	}

	session, err := s.establish(ctx, conn)
	if err != nil {
		_ = conn.Close()
		return
	}
	if session == nil {
		// Ping connection.
		_ = conn.Close()
		return
	}

	obs.ActiveControlSessions.Inc()
	obs.Info("control session established", obs.Fields{
		"remote":   remote,
		"user":     session.UserID.String(),
		"username": session.Username,
		"key":      session.Key,
	})

	entry := s.run(ctx, session)

	if entry != nil {
		s.Registry.UnregisterEntry(ctx, entry)
	}
	s.Tracker.CloseChannel(session)
	_ = session.Close()
	obs.ActiveControlSessions.Dec()
	obs.Info("control session closed", obs.Fields{"remote": remote, "key": session.Key})
}

// establish performs the version exchange and handshake. A nil session with a
// nil error is an immediate-EOF ping.
func (s *Server) establish(ctx context.Context, conn net.Conn) (*Session, error) {
	remote := remoteHost(conn)
	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))

	var versionBytes [4]byte
	if _, err := io.ReadFull(conn, versionBytes[:]); err != nil {
		if errors.Is(err, io.EOF) {
			obs.Debug("received a ping connection", obs.Fields{"remote": remote})
			return nil, nil
		}
		return nil, err
	}
	version := binary.BigEndian.Uint32(versionBytes[:])
	if version != ProtocolVersion {
		_ = proto.WriteS2C(conn, proto.Error{
			Message:  fmt.Sprintf("Unsupported protocol version %d", version),
			Critical: true,
		})
		return nil, fmt.Errorf("unsupported protocol version %d", version)
	}

	session := newSession(conn, remote)
	if err := s.handshake(ctx, session); err != nil {
		obs.Warn("control handshake failed", obs.Fields{"remote": remote, "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("handshake_failed").Inc()
		_ = proto.WriteS2C(conn, proto.Error{Message: err.Error(), Critical: true})
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return session, nil
}

func (s *Server) handshake(ctx context.Context, session *Session) error {
	conn := session.conn

	challenge, err := mccrypt.NewChallenge()
	if err != nil {
		return err
	}
	var hello []byte
	hello = binary.BigEndian.AppendUint32(hello, KeyPrefix)
	hello = appendPrefixed(hello, s.KeyPair.PublicDER)
	hello = appendPrefixed(hello, challenge)
	if _, err := conn.Write(hello); err != nil {
		return err
	}

	encryptedChallenge, err := readPrefixed(conn, maxEncryptedLen)
	if err != nil {
		return err
	}
	encryptedSecret, err := readPrefixed(conn, maxEncryptedLen)
	if err != nil {
		return err
	}
	if err := s.KeyPair.VerifyChallenge(challenge, encryptedChallenge); err != nil {
		return err
	}
	secret, err := s.KeyPair.Decrypt(encryptedSecret)
	if err != nil {
		return err
	}

	var rawUUID [16]byte
	if _, err := io.ReadFull(conn, rawUUID[:]); err != nil {
		return err
	}
	session.UserID = uuid.UUID(rawUUID)
	if session.Username, err = readString(conn, maxUsernameLen); err != nil {
		return err
	}
	requestedKey, err := readString(conn, maxRequestedKey)
	if err != nil {
		return err
	}

	serverHash := mccrypt.ServerIDDigest("", secret, s.KeyPair.PublicDER)
	result := s.Verifier.VerifyProfile(ctx, session.UserID, session.Username, serverHash)
	if result.IsMismatch() && result.MismatchIsError {
		return errors.New(result.Message())
	}

	if requestedKey == "" {
		if session.Key, err = registry.GenerateKey(); err != nil {
			return err
		}
	} else {
		session.Key = registry.NormalizeKey(requestedKey)
		if !validKey(session.Key) {
			return fmt.Errorf("invalid routing key %q", requestedKey)
		}
	}

	encrypt, decrypt, err := mccrypt.NewCipherPair(secret)
	if err != nil {
		return err
	}
	session.enableEncryption(encrypt, decrypt)

	if result.IsMismatch() {
		obs.Warn("offline uuid mismatch", obs.Fields{"remote": session.RemoteAddr, "username": session.Username})
		if err := session.send(proto.Warning{Message: result.Message(), Important: false}); err != nil {
			return err
		}
	}
	if err := session.send(proto.ConnectionInfo{
		Key:      session.Key,
		BaseAddr: s.BaseAddr,
		JavaPort: s.ExJavaPort,
	}); err != nil {
		return err
	}

	s.resolveCountry(session)
	if closest, ok := s.closestProxy(session); ok {
		if err := session.send(closest); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) resolveCountry(session *Session) {
	if s.IPInfo == nil {
		return
	}
	addr, err := netip.ParseAddr(session.RemoteAddr)
	if err != nil {
		return
	}
	if info, ok := s.IPInfo.Lookup(addr); ok {
		session.Country = info.Country
	}
}

// closestProxy picks the advertised external proxy nearest to the host.
func (s *Server) closestProxy(session *Session) (proto.ExternalProxyServer, bool) {
	if len(s.ExternalProxies) == 0 || s.IPInfo == nil {
		return proto.ExternalProxyServer{}, false
	}
	addr, err := netip.ParseAddr(session.RemoteAddr)
	if err != nil {
		return proto.ExternalProxyServer{}, false
	}
	info, ok := s.IPInfo.Lookup(addr)
	if !ok {
		return proto.ExternalProxyServer{}, false
	}

	best := -1
	bestDistance := 0.0
	for i, ep := range s.ExternalProxies {
		if !ep.HasLocation {
			continue
		}
		d := info.Location.HaversineDistance(ep.Location)
		if best < 0 || d < bestDistance {
			best = i
			bestDistance = d
		}
	}
	if best < 0 {
		return proto.ExternalProxyServer{}, false
	}
	return s.ExternalProxies[best].Message, true
}

// run dispatches the session's message loop and returns the host entry that
// still needs cleanup, if any.
func (s *Server) run(ctx context.Context, session *Session) *registry.HostEntry {
	var entry *registry.HostEntry
	for {
		m, err := proto.ReadC2S(session.dec)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				obs.Debug("control session read failed", obs.Fields{"remote": session.RemoteAddr, "err": err.Error()})
			}
			return entry
		}
		switch m := m.(type) {
		case proto.PublishedWorld:
			fresh := &registry.HostEntry{
				Key:     session.Key,
				Owner:   session.UserID,
				Country: session.Country,
				Channel: session,
			}
			if err := s.Registry.Register(ctx, fresh); err != nil {
				obs.Warn("publish rejected", obs.Fields{"key": session.Key, "err": err.Error()})
				if sendErr := session.send(proto.Error{Message: err.Error(), Critical: false}); sendErr != nil {
					return entry
				}
				continue
			}
			entry = fresh
			obs.Info("world published", obs.Fields{"key": session.Key, "user": session.UserID.String()})

		case proto.ClosedWorld:
			if s.Registry.Unregister(ctx, session.Key, session.UserID) {
				obs.Info("world closed", obs.Fields{"key": session.Key})
			}
			entry = nil

		case proto.ProxyS2CPacket:
			tunnel, ok := s.Tracker.Get(m.ConnectionID)
			if !ok || !tunnel.BoundTo(session) {
				continue
			}
			if err := tunnel.WriteToJoiner(m.Data); err != nil {
				if s.Tracker.Remove(m.ConnectionID) != nil {
					tunnel.Close()
					_ = session.SendProxyDisconnect(m.ConnectionID)
				}
			}

		case proto.ProxyDisconnect:
			tunnel, ok := s.Tracker.Get(m.ConnectionID)
			if !ok || !tunnel.BoundTo(session) {
				continue
			}
			if s.Tracker.Remove(m.ConnectionID) != nil {
				tunnel.Close()
			}
		}
	}
}

func validKey(key string) bool {
	if key == "" || len(key) > maxRequestedKey {
		return false
	}
	for _, c := range key {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-':
		default:
			return false
		}
	}
	return true
}

func appendPrefixed(dst, data []byte) []byte {
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(data)))
	return append(dst, data...)
}

func readPrefixed(r io.Reader, max int) ([]byte, error) {
	var lenBytes [2]byte
	if _, err := io.ReadFull(r, lenBytes[:]); err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint16(lenBytes[:]))
	if n > max {
		return nil, fmt.Errorf("field of %d bytes exceeds limit %d", n, max)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

func readString(r io.Reader, max int) (string, error) {
	data, err := readPrefixed(r, max)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func remoteHost(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}

