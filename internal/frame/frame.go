/*
 * MIT License
 *
 * Copyright (c) 2024 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 */

// Package frame implements the tunnel engine's wire protocol: a
// length-prefixed, typed frame codec with zero-copy decoding of Data
// payloads, size validation and the closed set of frame variants carried
// over the control-plane connection.
package frame

// Type is the one-byte tag identifying a frame variant on the wire.
type Type uint8

const (
	TypeHandshake Type = iota + 1
	TypeHandshakeAck
	TypeRegister
	TypeRegisterAck
	TypeOpenStream
	TypeStreamAck
	TypeData
	TypeCloseStream
	TypeHeartbeat
	TypeHeartbeatAck
	TypeError
	TypePluginData
)

func (t Type) String() string {
	switch t {
	case TypeHandshake:
		return "Handshake"
	case TypeHandshakeAck:
		return "HandshakeAck"
	case TypeRegister:
		return "Register"
	case TypeRegisterAck:
		return "RegisterAck"
	case TypeOpenStream:
		return "OpenStream"
	case TypeStreamAck:
		return "StreamAck"
	case TypeData:
		return "Data"
	case TypeCloseStream:
		return "CloseStream"
	case TypeHeartbeat:
		return "Heartbeat"
	case TypeHeartbeatAck:
		return "HeartbeatAck"
	case TypeError:
		return "Error"
	case TypePluginData:
		return "PluginData"
	default:
		return "Unknown"
	}
}

// MaxFrameBytes is the hard ceiling on a frame's wire length (length field
// value, i.e. type_tag + payload), per §3 invariants. Configurable lower by
// deployments via Codec.MaxFrameBytes.
const MaxFrameBytes = 16 << 20

// HeaderSize is the fixed-size length-prefix + type-tag header.
const HeaderSize = 4 + 1

// Protocol identifies the application protocol carried by a stream.
type Protocol uint8

const (
	ProtocolHTTP1 Protocol = iota + 1
	ProtocolHTTP2
	ProtocolWebSocket
	ProtocolTCP
)

// HandshakeStatus is the server's verdict on a Handshake.
type HandshakeStatus uint8

const (
	HandshakeOk HandshakeStatus = iota
	HandshakeVersionMismatch
	HandshakeUnauthorized
	HandshakeBusy
)

// RegisterStatus is the server's verdict on a Register.
type RegisterStatus uint8

const (
	RegisterOk RegisterStatus = iota
	RegisterConflict
	RegisterInvalid
)

// StreamStatus is the client's verdict on an OpenStream.
type StreamStatus uint8

const (
	StreamOk StreamStatus = iota
	StreamRefused
)

// CloseReason explains why a stream direction was closed.
type CloseReason uint8

const (
	CloseComplete CloseReason = iota
	CloseReset
	CloseUpstreamUnreachable
)

// FlagFin marks the final Data frame of one direction of a stream.
const FlagFin uint8 = 0x01

// Frame is the closed sum type of wire messages.
type Frame interface {
	Type() Type
}

type Handshake struct {
	ClientNonce      []byte
	MinVer           uint16
	MaxVer           uint16
	TokenHash        []byte
	ProposedTunnelID string
}

func (Handshake) Type() Type { return TypeHandshake }

type HandshakeAck struct {
	ServerNonce      []byte
	ChosenVer        uint16
	Status           HandshakeStatus
	SessionID        string
	AssignedTunnelID string
}

func (HandshakeAck) Type() Type { return TypeHandshakeAck }

type Register struct {
	TunnelID  string
	Protocols []Protocol
}

func (Register) Type() Type { return TypeRegister }

type RegisterAck struct {
	Status RegisterStatus
}

func (RegisterAck) Type() Type { return TypeRegisterAck }

type OpenStream struct {
	StreamID        uint32
	Protocol        Protocol
	InitialMetadata map[string]string
}

func (OpenStream) Type() Type { return TypeOpenStream }

type StreamAck struct {
	StreamID uint32
	Status   StreamStatus
}

func (StreamAck) Type() Type { return TypeStreamAck }

// Data carries a half-duplex payload. Payload, when decoded off the wire,
// aliases a pooled, reference-counted receive buffer (see buffer.go)
// rather than being copied; it stays valid only until Release is called,
// so code that keeps Payload longer copies it first.
type Data struct {
	StreamID uint32
	Flags    uint8
	Payload  []byte

	buf *buffer // non-nil when Payload aliases a pooled receive buffer
}

func (Data) Type() Type { return TypeData }

// Fin reports whether this Data frame closes the direction it travels on.
func (d Data) Fin() bool { return d.Flags&FlagFin != 0 }

// Release returns the frame's backing buffer to the pool once the consumer
// is done with Payload. Safe to call on frames that never aliased a pooled
// buffer (e.g. ones constructed for sending).
func (d Data) Release() {
	if d.buf != nil {
		d.buf.release()
	}
}

type CloseStream struct {
	StreamID uint32
	Reason   CloseReason
}

func (CloseStream) Type() Type { return TypeCloseStream }

type Heartbeat struct {
	Timestamp int64
}

func (Heartbeat) Type() Type { return TypeHeartbeat }

type HeartbeatAck struct {
	Timestamp int64
}

func (HeartbeatAck) Type() Type { return TypeHeartbeatAck }

type ErrorFrame struct {
	Code    uint16
	Message string
}

func (ErrorFrame) Type() Type { return TypeError }

type PluginData struct {
	Key     string
	Payload []byte
}

func (PluginData) Type() Type { return TypePluginData }
