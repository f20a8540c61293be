// Command world-host-client is a headless hosting client. It publishes a
// local Minecraft server through a World Host relay, which makes it useful
// for smoke-testing deployments without launching the game.
package main

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/worldhost/world-host-server/internal/control"
	"github.com/worldhost/world-host-server/internal/mccrypt"
	"github.com/worldhost/world-host-server/internal/obs"
	"github.com/worldhost/world-host-server/internal/proto"
)

func main() {
	cfg := &Config{}
	cmd := &cobra.Command{
		Use:          "world-host-client",
		Short:        "Headless hosting client for a World Host server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cfg)
		},
	}
	bindFlags(cmd, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		obs.Error("client exited", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *Config) error {
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	userID := mccrypt.OfflinePlayerUUID(cfg.Username)
	if cfg.UserUUID != "" {
		parsed, err := uuid.Parse(cfg.UserUUID)
		if err != nil {
			return fmt.Errorf("parse --uuid: %w", err)
		}
		userID = parsed
	}

	obs.Info("client starting", obs.Fields{
		"server":   cfg.ServerAddr,
		"target":   cfg.Target,
		"username": cfg.Username,
	})
	for {
		if err := runOnce(ctx, cfg, userID); err != nil {
			obs.Warn("control connection ended", obs.Fields{"err": err.Error()})
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(cfg.Retry):
		}
		obs.Info("reconnecting", nil)
	}
}

func runOnce(ctx context.Context, cfg *Config, userID uuid.UUID) error {
	conn, err := net.Dial("tcp", cfg.ServerAddr)
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	hc, err := newHostConn(conn, userID, cfg.Username, cfg.Key)
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}

	info, err := hc.awaitConnectionInfo()
	if err != nil {
		return err
	}
	obs.Info("registered with server", obs.Fields{
		"key":     info.Key,
		"address": fmt.Sprintf("%s.%s", info.Key, info.BaseAddr),
		"port":    info.JavaPort,
	})
	if err := hc.send(proto.PublishedWorld{}); err != nil {
		return err
	}

	defer hc.closeTunnels()
	for {
		msg, err := hc.read()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		switch m := msg.(type) {
		case proto.ProxyConnect:
			hc.openTunnel(m.ConnectionID, m.RemoteAddr, cfg.Target)
		case proto.ProxyC2SPacket:
			hc.writeTunnel(m.ConnectionID, m.Data)
		case proto.ProxyClosed:
			hc.closeTunnel(m.ConnectionID)
		case proto.Error:
			if m.Critical {
				return fmt.Errorf("server error: %s", m.Message)
			}
			obs.Warn("server error", obs.Fields{"message": m.Message})
		case proto.Warning:
			obs.Warn("server warning", obs.Fields{"message": m.Message})
		case proto.ExternalProxyServer:
			obs.Info("server suggested a closer relay", obs.Fields{
				"host": m.Host, "port": m.Port, "base_addr": m.BaseAddr,
			})
		}
	}
}

// hostConn is the client side of an established control channel plus the
// local connections it proxies for.
type hostConn struct {
	conn    net.Conn
	writeMu sync.Mutex
	enc     io.Writer
	dec     io.Reader

	mu      sync.Mutex
	tunnels map[uint64]net.Conn
}

func newHostConn(conn net.Conn, userID uuid.UUID, username, requestedKey string) (*hostConn, error) {
	_ = conn.SetDeadline(time.Now().Add(30 * time.Second))
	defer conn.SetDeadline(time.Time{})

	if _, err := conn.Write(binary.BigEndian.AppendUint32(nil, control.ProtocolVersion)); err != nil {
		return nil, err
	}
	var prefix [4]byte
	if _, err := io.ReadFull(conn, prefix[:]); err != nil {
		return nil, err
	}
	if got := binary.BigEndian.Uint32(prefix[:]); got != control.KeyPrefix {
		return nil, fmt.Errorf("unexpected key prefix %#x", got)
	}
	publicDER, err := readPrefixed(conn)
	if err != nil {
		return nil, err
	}
	challenge, err := readPrefixed(conn)
	if err != nil {
		return nil, err
	}
	parsed, err := x509.ParsePKIXPublicKey(publicDER)
	if err != nil {
		return nil, fmt.Errorf("parse server public key: %w", err)
	}
	publicKey, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("server public key is not RSA")
	}

	secret := make([]byte, mccrypt.SecretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	encChallenge, err := rsa.EncryptPKCS1v15(rand.Reader, publicKey, challenge)
	if err != nil {
		return nil, err
	}
	encSecret, err := rsa.EncryptPKCS1v15(rand.Reader, publicKey, secret)
	if err != nil {
		return nil, err
	}

	var ident []byte
	ident = appendPrefixed(ident, encChallenge)
	ident = appendPrefixed(ident, encSecret)
	ident = append(ident, userID[:]...)
	ident = appendPrefixed(ident, []byte(username))
	ident = appendPrefixed(ident, []byte(requestedKey))
	if _, err := conn.Write(ident); err != nil {
		return nil, err
	}

	encrypt, decrypt, err := mccrypt.NewCipherPair(secret)
	if err != nil {
		return nil, err
	}
	return &hostConn{
		conn:    conn,
		enc:     cipher.StreamWriter{S: encrypt, W: conn},
		dec:     cipher.StreamReader{S: decrypt, R: conn},
		tunnels: make(map[uint64]net.Conn),
	}, nil
}

// awaitConnectionInfo consumes handshake-phase messages until the server
// confirms the session or rejects it.
func (hc *hostConn) awaitConnectionInfo() (proto.ConnectionInfo, error) {
	for {
		msg, err := hc.read()
		if err != nil {
			return proto.ConnectionInfo{}, err
		}
		switch m := msg.(type) {
		case proto.ConnectionInfo:
			return m, nil
		case proto.Warning:
			obs.Warn("server warning", obs.Fields{"message": m.Message})
		case proto.Error:
			return proto.ConnectionInfo{}, fmt.Errorf("server rejected handshake: %s", m.Message)
		case proto.ExternalProxyServer:
			obs.Info("server suggested a closer relay", obs.Fields{
				"host": m.Host, "port": m.Port, "base_addr": m.BaseAddr,
			})
		default:
			return proto.ConnectionInfo{}, fmt.Errorf("unexpected message %T before connection info", msg)
		}
	}
}

func (hc *hostConn) read() (proto.S2CMessage, error) {
	return proto.ReadS2C(hc.dec)
}

// send serializes control-channel writes; the stream cipher is stateful and
// frames from concurrent tunnels must not interleave.
func (hc *hostConn) send(m proto.C2SMessage) error {
	hc.writeMu.Lock()
	defer hc.writeMu.Unlock()
	return proto.WriteC2S(hc.enc, m)
}

func (hc *hostConn) openTunnel(connID uint64, remoteAddr, target string) {
	local, err := net.Dial("tcp", target)
	if err != nil {
		obs.Warn("local server is unreachable", obs.Fields{"target": target, "err": err.Error()})
		_ = hc.send(proto.ProxyDisconnect{ConnectionID: connID})
		return
	}
	hc.mu.Lock()
	hc.tunnels[connID] = local
	hc.mu.Unlock()
	obs.Info("player connecting", obs.Fields{"conn_id": connID, "remote": remoteAddr})

	go func() {
		buf := make([]byte, 64*1024)
		for {
			n, err := local.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				if err := hc.send(proto.ProxyS2CPacket{ConnectionID: connID, Data: data}); err != nil {
					hc.closeTunnel(connID)
					return
				}
			}
			if err != nil {
				if hc.dropTunnel(connID) {
					_ = hc.send(proto.ProxyDisconnect{ConnectionID: connID})
				}
				_ = local.Close()
				return
			}
		}
	}()
}

func (hc *hostConn) writeTunnel(connID uint64, data []byte) {
	hc.mu.Lock()
	local := hc.tunnels[connID]
	hc.mu.Unlock()
	if local == nil {
		return
	}
	if _, err := local.Write(data); err != nil {
		hc.closeTunnel(connID)
		_ = hc.send(proto.ProxyDisconnect{ConnectionID: connID})
	}
}

func (hc *hostConn) closeTunnel(connID uint64) {
	hc.mu.Lock()
	local := hc.tunnels[connID]
	delete(hc.tunnels, connID)
	hc.mu.Unlock()
	if local != nil {
		_ = local.Close()
	}
}

// dropTunnel removes the tunnel without closing the local conn. It reports
// whether the tunnel was still registered, so exactly one path notifies the
// server.
func (hc *hostConn) dropTunnel(connID uint64) bool {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	if _, ok := hc.tunnels[connID]; !ok {
		return false
	}
	delete(hc.tunnels, connID)
	return true
}

func (hc *hostConn) closeTunnels() {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	for id, local := range hc.tunnels {
		_ = local.Close()
		delete(hc.tunnels, id)
	}
}

func appendPrefixed(dst, data []byte) []byte {
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(data)))
	return append(dst, data...)
}

func readPrefixed(r io.Reader) ([]byte, error) {
	var lenBytes [2]byte
	if _, err := io.ReadFull(r, lenBytes[:]); err != nil {
		return nil, err
	}
	data := make([]byte, binary.BigEndian.Uint16(lenBytes[:]))
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
