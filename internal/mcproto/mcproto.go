// Package mcproto implements the small, version-stable slice of the Minecraft
// Java Edition protocol the relay needs: VarInts, length-prefixed strings, the
// handshake packet, and the synthetic status/disconnect responses sent when no
// host is available.
package mcproto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

const (
	varintSegmentBits = 0x7f
	varintContinueBit = 0x80

	// MaxHandshakeLength bounds the declared handshake packet size. A real
	// handshake is under 300 bytes even with modloader markers appended.
	MaxHandshakeLength = 4096

	maxServerAddress = 255

	NextStateStatus = 1
	NextStateLogin  = 2
)

// ErrMalformed is wrapped by every parse failure so callers can classify the
// error without inspecting messages.
var ErrMalformed = errors.New("malformed handshake")

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// ReadVarInt reads a Minecraft VarInt (32-bit, LEB128-style) one byte at a
// time so it never reads past the value.
func ReadVarInt(r io.Reader) (int32, error) {
	var value int32
	var position uint
	var one [1]byte
	for {
		if _, err := io.ReadFull(r, one[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return 0, malformed("truncated varint")
			}
			return 0, err
		}
		current := int32(one[0])
		value |= (current & varintSegmentBits) << position
		if current&varintContinueBit == 0 {
			return value, nil
		}
		position += 7
		if position >= 32 {
			return 0, malformed("varint is too big")
		}
	}
}

// AppendVarInt appends the VarInt encoding of value to dst.
func AppendVarInt(dst []byte, value int32) []byte {
	v := uint32(value)
	for {
		if v&^uint32(varintSegmentBits) == 0 {
			return append(dst, byte(v))
		}
		dst = append(dst, byte(v&varintSegmentBits|varintContinueBit))
		v >>= 7
	}
}

func readString(r io.Reader, maxLength int) (string, error) {
	length, err := ReadVarInt(r)
	if err != nil {
		return "", err
	}
	if length < 0 || int(length) > maxLength {
		return "", malformed("string length %d exceeds limit %d", length, maxLength)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", malformed("truncated string")
	}
	if !utf8.Valid(buf) {
		return "", malformed("string is not valid UTF-8")
	}
	return string(buf), nil
}

func appendString(dst []byte, s string) []byte {
	dst = AppendVarInt(dst, int32(len(s)))
	return append(dst, s...)
}

// Handshake is the first packet of every modern Java Edition connection.
type Handshake struct {
	ProtocolVersion int32
	ServerAddress   string
	ServerPort      uint16
	NextState       int32

	// Raw holds the packet payload exactly as received (without the length
	// prefix) so it can be re-framed and forwarded to the chosen host.
	Raw []byte
}

// ReadHandshake reads one length-prefixed packet from r and parses it as a
// handshake. Any framing or field violation yields an error wrapping
// ErrMalformed; the connection should be closed without a response.
func ReadHandshake(r io.Reader) (*Handshake, error) {
	size, err := ReadVarInt(r)
	if err != nil {
		return nil, err
	}
	if size <= 0 || size > MaxHandshakeLength {
		return nil, malformed("packet length %d out of range", size)
	}
	raw := make([]byte, size)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, malformed("truncated packet (declared %d bytes)", size)
	}

	br := bytes.NewReader(raw)
	packetID, err := ReadVarInt(br)
	if err != nil {
		return nil, err
	}
	if packetID != 0x00 {
		return nil, malformed("unexpected packet ID %#x", packetID)
	}
	protocolVersion, err := ReadVarInt(br)
	if err != nil {
		return nil, err
	}
	addr, err := readString(br, maxServerAddress)
	if err != nil {
		return nil, err
	}
	var portBytes [2]byte
	if _, err := io.ReadFull(br, portBytes[:]); err != nil {
		return nil, malformed("truncated port")
	}
	nextState, err := ReadVarInt(br)
	if err != nil {
		return nil, err
	}
	if nextState != NextStateStatus && nextState != NextStateLogin {
		return nil, malformed("invalid next state %d", nextState)
	}

	return &Handshake{
		ProtocolVersion: protocolVersion,
		ServerAddress:   addr,
		ServerPort:      binary.BigEndian.Uint16(portBytes[:]),
		NextState:       nextState,
		Raw:             raw,
	}, nil
}

// FramedPacket prepends the VarInt length prefix to a raw packet payload.
func FramedPacket(payload []byte) []byte {
	framed := AppendVarInt(make([]byte, 0, len(payload)+2), int32(len(payload)))
	return append(framed, payload...)
}

func jsonEscape(s string) string {
	var b bytes.Buffer
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// WriteDisconnect answers a joiner that cannot be routed, speaking just enough
// of the protocol for the declared next state: a status response (followed by
// a zero pong) for status, a login disconnect for login.
func WriteDisconnect(w io.Writer, nextState int32, message string) error {
	jsonMessage := fmt.Sprintf(`{"text":"%s","color":"red"}`, jsonEscape(message))

	payload := []byte{0x00}
	switch nextState {
	case NextStateStatus:
		payload = appendString(payload, fmt.Sprintf(`{"description":%s}`, jsonMessage))
	case NextStateLogin:
		payload = appendString(payload, jsonMessage)
	default:
		return malformed("invalid next state %d", nextState)
	}
	if _, err := w.Write(FramedPacket(payload)); err != nil {
		return err
	}

	if nextState == NextStateStatus {
		// Answer the ping the client sends after the status response.
		pong := make([]byte, 9)
		pong[0] = 0x01
		if _, err := w.Write(FramedPacket(pong)); err != nil {
			return err
		}
	}
	return nil
}
