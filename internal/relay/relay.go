// Package relay accepts plain Java Edition connections, routes them by the
// hostname in the handshake, and pipes their bytes to the hosting client's
// control channel.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/worldhost/world-host-server/internal/mcproto"
	"github.com/worldhost/world-host-server/internal/obs"
	"github.com/worldhost/world-host-server/internal/registry"
)

const (
	defaultHandshakeTimeout = 5 * time.Second
	relayBufferSize         = 64 * 1024
)

// Engine is the public relay listener's connection handler.
type Engine struct {
	Registry *registry.HostRegistry
	Tracker  *Tracker
	BaseAddr string

	// HandshakeTimeout bounds how long a joiner may take to produce a
	// complete handshake packet.
	HandshakeTimeout time.Duration
}

func NewEngine(reg *registry.HostRegistry, tracker *Tracker, baseAddr string) *Engine {
	return &Engine{
		Registry:         reg,
		Tracker:          tracker,
		BaseAddr:         strings.ToLower(baseAddr),
		HandshakeTimeout: defaultHandshakeTimeout,
	}
}

// Serve accepts joiner connections until the listener closes.
func (e *Engine) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			obs.Error("relay accept failed", obs.Fields{"err": err.Error()})
			continue
		}
		go e.HandleConn(conn)
	}
}

// HandleConn runs one joiner connection to completion.
func (e *Engine) HandleConn(conn net.Conn) {
	if err := e.handle(conn); err != nil {
		obs.Debug("relay connection closed", obs.Fields{
			"remote": conn.RemoteAddr().String(),
			"err":    err.Error(),
		})
	}
}

func (e *Engine) handle(conn net.Conn) error {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(e.HandshakeTimeout))
	hs, err := mcproto.ReadHandshake(conn)
	if err != nil {
		if isTimeout(err) {
			obs.ErrorsTotal.WithLabelValues("handshake_timeout").Inc()
		} else {
			obs.ErrorsTotal.WithLabelValues("malformed_handshake").Inc()
		}
		return err
	}
	_ = conn.SetReadDeadline(time.Time{})

	key, ok := RoutingKey(hs.ServerAddress, e.BaseAddr)
	if !ok {
		addr := e.BaseAddr
		if hs.ServerPort != 25565 {
			addr = fmt.Sprintf("%s:%d", addr, hs.ServerPort)
		}
		return mcproto.WriteDisconnect(conn, hs.NextState,
			"Please use the syntax my-world-id."+addr)
	}

	entry, ok := e.Registry.Lookup(key)
	if !ok {
		obs.HostOfflineTotal.Inc()
		return mcproto.WriteDisconnect(conn, hs.NextState,
			fmt.Sprintf("Couldn't find world with ID %s", key))
	}

	tunnel := e.Tracker.Add(entry, conn)
	obs.Info("relay tunnel opened", obs.Fields{
		"tunnel": tunnel.ID,
		"key":    key,
		"remote": conn.RemoteAddr().String(),
	})
	defer func() {
		// If the tracker still knows the tunnel, this side noticed the end
		// first and owes the host a disconnect notice.
		if e.Tracker.Remove(tunnel.ID) != nil {
			_ = entry.Channel.SendProxyDisconnect(tunnel.ID)
		}
		obs.TunnelDurationSeconds.Observe(time.Since(tunnel.started).Seconds())
		obs.Info("relay tunnel closed", obs.Fields{"tunnel": tunnel.ID, "key": key})
	}()

	remoteHost, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		remoteHost = conn.RemoteAddr().String()
	}
	if err := entry.Channel.SendProxyConnect(tunnel.ID, remoteHost); err != nil {
		return err
	}
	// The handshake was consumed here, so re-frame it for the host.
	if err := entry.Channel.SendProxyPacket(tunnel.ID, mcproto.FramedPacket(hs.Raw)); err != nil {
		return err
	}
	obs.TunnelEstablishedTotal.Inc()

	buf := make([]byte, relayBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			obs.BytesRelayedTotal.WithLabelValues("joiner_to_host").Add(float64(n))
			if sendErr := entry.Channel.SendProxyPacket(tunnel.ID, buf[:n]); sendErr != nil {
				return sendErr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

// RoutingKey derives the registry key from a handshake server address.
// Forge appends a \0-separated marker, which is stripped; a matching
// "<key>.<base-addr>" suffix is removed, otherwise the first DNS label is
// used. ok is false when the address is the bare base address, which calls
// for a usage hint instead of a lookup.
func RoutingKey(serverAddr, baseAddr string) (key string, ok bool) {
	addr := strings.ToLower(strings.TrimSpace(serverAddr))
	if i := strings.IndexByte(addr, 0); i >= 0 {
		addr = addr[:i]
	}
	if baseAddr != "" {
		base := strings.ToLower(baseAddr)
		if addr == base {
			return "", false
		}
		if strings.HasSuffix(addr, "."+base) {
			return addr[:len(addr)-len(base)-1], true
		}
	}
	if i := strings.IndexByte(addr, '.'); i >= 0 {
		addr = addr[:i]
	}
	return addr, true
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Drain closes the listener and gives in-flight tunnels a bounded grace
// period before force-closing the stragglers.
func (e *Engine) Drain(ctx context.Context, ln net.Listener) {
	_ = ln.Close()
	if e.Tracker.WaitEmpty(ctx) {
		return
	}
	obs.Warn("force closing tunnels after drain grace", obs.Fields{"remaining": e.Tracker.Len()})
	e.Tracker.CloseAll()
}
