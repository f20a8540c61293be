// Package proto defines the control-channel message contract between a
// hosting client and the server. Frames are a big-endian uint32 length
// followed by one type byte and the payload. Strings carry a uint16 length
// prefix, integers are big-endian.
package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single control frame. Proxy payloads are chunked by
// the relay well below this.
const MaxFrameSize = 2 * 1024 * 1024

var ErrFrameTooLarge = errors.New("control frame exceeds maximum size")

// Client-to-server message type IDs.
const (
	c2sPublishedWorldID  = 0
	c2sClosedWorldID     = 1
	c2sProxyS2CPacketID  = 2
	c2sProxyDisconnectID = 3
)

// Server-to-client message type IDs.
const (
	s2cErrorID               = 0
	s2cConnectionInfoID      = 1
	s2cWarningID             = 2
	s2cProxyConnectID        = 3
	s2cProxyC2SPacketID      = 4
	s2cProxyDisconnectID     = 5
	s2cExternalProxyServerID = 6
)

// C2SMessage is any message a hosting client sends after the handshake.
type C2SMessage interface {
	c2sType() byte
	appendPayload(dst []byte) []byte
}

// S2CMessage is any message the server sends to a hosting client.
type S2CMessage interface {
	s2cType() byte
	appendPayload(dst []byte) []byte
}

// PublishedWorld signals "start hosting": the client's routing key becomes
// reachable through the relay.
type PublishedWorld struct{}

// ClosedWorld signals "stop hosting": the routing key is withdrawn but the
// control session stays open.
type ClosedWorld struct{}

// ProxyS2CPacket carries bytes from the host's integrated server to one
// relayed joiner connection.
type ProxyS2CPacket struct {
	ConnectionID uint64
	Data         []byte
}

// ProxyDisconnect (C2S) asks the server to drop one joiner connection.
type ProxyDisconnect struct {
	ConnectionID uint64
}

// Error reports a failure to the client. Critical errors precede a close.
type Error struct {
	Message  string
	Critical bool
}

// ConnectionInfo is sent once after a successful handshake.
type ConnectionInfo struct {
	Key      string
	BaseAddr string
	JavaPort uint16
}

// Warning reports a non-fatal condition (for example an offline-mode UUID
// mismatch).
type Warning struct {
	Message   string
	Important bool
}

// ProxyConnect announces a new joiner connection bound to this host.
type ProxyConnect struct {
	ConnectionID uint64
	RemoteAddr   string
}

// ProxyC2SPacket carries bytes from one joiner connection to the host.
type ProxyC2SPacket struct {
	ConnectionID uint64
	Data         []byte
}

// ProxyClosed tells the host a joiner connection has gone away.
type ProxyClosed struct {
	ConnectionID uint64
}

// ExternalProxyServer advertises a closer relay the client may prefer.
type ExternalProxyServer struct {
	Host     string
	Port     uint16
	BaseAddr string
	MCPort   uint16
}

func (PublishedWorld) c2sType() byte  { return c2sPublishedWorldID }
func (ClosedWorld) c2sType() byte     { return c2sClosedWorldID }
func (ProxyS2CPacket) c2sType() byte  { return c2sProxyS2CPacketID }
func (ProxyDisconnect) c2sType() byte { return c2sProxyDisconnectID }

func (Error) s2cType() byte               { return s2cErrorID }
func (ConnectionInfo) s2cType() byte      { return s2cConnectionInfoID }
func (Warning) s2cType() byte             { return s2cWarningID }
func (ProxyConnect) s2cType() byte        { return s2cProxyConnectID }
func (ProxyC2SPacket) s2cType() byte      { return s2cProxyC2SPacketID }
func (ProxyClosed) s2cType() byte         { return s2cProxyDisconnectID }
func (ExternalProxyServer) s2cType() byte { return s2cExternalProxyServerID }

func (PublishedWorld) appendPayload(dst []byte) []byte { return dst }
func (ClosedWorld) appendPayload(dst []byte) []byte    { return dst }

func (m ProxyS2CPacket) appendPayload(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint64(dst, m.ConnectionID)
	return append(dst, m.Data...)
}

func (m ProxyDisconnect) appendPayload(dst []byte) []byte {
	return binary.BigEndian.AppendUint64(dst, m.ConnectionID)
}

func (m Error) appendPayload(dst []byte) []byte {
	dst = appendString(dst, m.Message)
	return appendBool(dst, m.Critical)
}

func (m ConnectionInfo) appendPayload(dst []byte) []byte {
	dst = appendString(dst, m.Key)
	dst = appendString(dst, m.BaseAddr)
	return binary.BigEndian.AppendUint16(dst, m.JavaPort)
}

func (m Warning) appendPayload(dst []byte) []byte {
	dst = appendString(dst, m.Message)
	return appendBool(dst, m.Important)
}

func (m ProxyConnect) appendPayload(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint64(dst, m.ConnectionID)
	return appendString(dst, m.RemoteAddr)
}

func (m ProxyC2SPacket) appendPayload(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint64(dst, m.ConnectionID)
	return append(dst, m.Data...)
}

func (m ProxyClosed) appendPayload(dst []byte) []byte {
	return binary.BigEndian.AppendUint64(dst, m.ConnectionID)
}

func (m ExternalProxyServer) appendPayload(dst []byte) []byte {
	dst = appendString(dst, m.Host)
	dst = binary.BigEndian.AppendUint16(dst, m.Port)
	dst = appendString(dst, m.BaseAddr)
	return binary.BigEndian.AppendUint16(dst, m.MCPort)
}

func appendString(dst []byte, s string) []byte {
	if len(s) > 0xffff {
		s = s[:0xffff]
	}
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(s)))
	return append(dst, s...)
}

func appendBool(dst []byte, v bool) []byte {
	if v {
		return append(dst, 1)
	}
	return append(dst, 0)
}

// WriteC2S frames and writes a client-to-server message.
func WriteC2S(w io.Writer, m C2SMessage) error {
	return writeFrame(w, m.c2sType(), m.appendPayload(nil))
}

// WriteS2C frames and writes a server-to-client message.
func WriteS2C(w io.Writer, m S2CMessage) error {
	return writeFrame(w, m.s2cType(), m.appendPayload(nil))
}

func writeFrame(w io.Writer, typ byte, payload []byte) error {
	frame := make([]byte, 0, 5+len(payload))
	frame = binary.BigEndian.AppendUint32(frame, uint32(1+len(payload)))
	frame = append(frame, typ)
	frame = append(frame, payload...)
	_, err := w.Write(frame)
	return err
}

func readFrame(r io.Reader) (byte, []byte, error) {
	var sizeBytes [4]byte
	if _, err := io.ReadFull(r, sizeBytes[:]); err != nil {
		return 0, nil, err
	}
	size := binary.BigEndian.Uint32(sizeBytes[:])
	if size == 0 {
		return 0, nil, errors.New("empty control frame")
	}
	if size > MaxFrameSize {
		return 0, nil, ErrFrameTooLarge
	}
	frame := make([]byte, size)
	if _, err := io.ReadFull(r, frame); err != nil {
		return 0, nil, err
	}
	return frame[0], frame[1:], nil
}

// ReadC2S reads and decodes the next client-to-server message.
func ReadC2S(r io.Reader) (C2SMessage, error) {
	typ, payload, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	d := decoder{buf: payload}
	var m C2SMessage
	switch typ {
	case c2sPublishedWorldID:
		m = PublishedWorld{}
	case c2sClosedWorldID:
		m = ClosedWorld{}
	case c2sProxyS2CPacketID:
		m = ProxyS2CPacket{ConnectionID: d.uint64(), Data: d.rest()}
	case c2sProxyDisconnectID:
		m = ProxyDisconnect{ConnectionID: d.uint64()}
	default:
		return nil, fmt.Errorf("unknown client message type %d", typ)
	}
	if d.err != nil {
		return nil, fmt.Errorf("decode client message type %d: %w", typ, d.err)
	}
	return m, nil
}

// ReadS2C reads and decodes the next server-to-client message. It exists for
// the client side of the contract (and the tests that play that role).
func ReadS2C(r io.Reader) (S2CMessage, error) {
	typ, payload, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	d := decoder{buf: payload}
	var m S2CMessage
	switch typ {
	case s2cErrorID:
		m = Error{Message: d.string(), Critical: d.bool()}
	case s2cConnectionInfoID:
		m = ConnectionInfo{Key: d.string(), BaseAddr: d.string(), JavaPort: d.uint16()}
	case s2cWarningID:
		m = Warning{Message: d.string(), Important: d.bool()}
	case s2cProxyConnectID:
		m = ProxyConnect{ConnectionID: d.uint64(), RemoteAddr: d.string()}
	case s2cProxyC2SPacketID:
		m = ProxyC2SPacket{ConnectionID: d.uint64(), Data: d.rest()}
	case s2cProxyDisconnectID:
		m = ProxyClosed{ConnectionID: d.uint64()}
	case s2cExternalProxyServerID:
		m = ExternalProxyServer{Host: d.string(), Port: d.uint16(), BaseAddr: d.string(), MCPort: d.uint16()}
	default:
		return nil, fmt.Errorf("unknown server message type %d", typ)
	}
	if d.err != nil {
		return nil, fmt.Errorf("decode server message type %d: %w", typ, d.err)
	}
	return m, nil
}

type decoder struct {
	buf []byte
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if len(d.buf) < n {
		d.err = io.ErrUnexpectedEOF
		return nil
	}
	out := d.buf[:n]
	d.buf = d.buf[n:]
	return out
}

func (d *decoder) uint16() uint16 {
	b := d.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (d *decoder) uint64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (d *decoder) bool() bool {
	b := d.take(1)
	return b != nil && b[0] != 0
}

func (d *decoder) string() string {
	n := d.uint16()
	return string(d.take(int(n)))
}

func (d *decoder) rest() []byte {
	out := d.buf
	d.buf = nil
	return out
}
