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

package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrFrameTooLarge is fatal to the transport per §3/§4.1.
var ErrFrameTooLarge = errors.New("frame: exceeds max frame bytes")

// ErrZeroLength is fatal to the transport per §4.1.
var ErrZeroLength = errors.New("frame: zero length")

// ErrUnknownType is fatal to the transport per §4.1.
type ErrUnknownType struct{ Tag byte }

func (e ErrUnknownType) Error() string { return fmt.Sprintf("frame: unknown type tag %d", e.Tag) }

// Need indicates the buffer handed to Decode does not yet contain a full
// frame. Once the 4-byte length prefix is present, N is the total
// additional bytes required before decoding can succeed; with fewer than 4
// bytes the frame length is not known yet and N counts only the missing
// prefix bytes. N is never negative and never larger than
// MAX_FRAME_BYTES + 4.
type Need struct{ N int }

func (e Need) Error() string { return fmt.Sprintf("frame: need %d more bytes", e.N) }

// Codec encodes and decodes frames against a configurable size ceiling.
type Codec struct {
	MaxFrameBytes uint32
}

// NewCodec returns a Codec bounded by MaxFrameBytes (falls back to the
// protocol ceiling if max is 0 or exceeds it).
func NewCodec(max uint32) *Codec {
	if max == 0 || max > MaxFrameBytes {
		max = MaxFrameBytes
	}
	return &Codec{MaxFrameBytes: max}
}

// Encode serializes frame into a self-contained wire buffer:
// | u32 length BE | u8 type_tag | payload |.
func (c *Codec) Encode(f Frame) ([]byte, error) {
	payload, err := encodePayload(f)
	if err != nil {
		return nil, err
	}
	length := 1 + len(payload)
	if uint32(length) > c.MaxFrameBytes {
		return nil, ErrFrameTooLarge
	}
	out := make([]byte, 4+length)
	binary.BigEndian.PutUint32(out[0:4], uint32(length))
	out[4] = byte(f.Type())
	copy(out[5:], payload)
	return out, nil
}

// EncodeHeader splits a frame into its 5-byte header and payload, for
// callers (the batched sender) that want to submit both as separate
// iovecs without an intermediate copy.
func (c *Codec) EncodeHeader(f Frame) (header [5]byte, payload []byte, err error) {
	payload, err = encodePayload(f)
	if err != nil {
		return header, nil, err
	}
	length := 1 + len(payload)
	if uint32(length) > c.MaxFrameBytes {
		return header, nil, ErrFrameTooLarge
	}
	binary.BigEndian.PutUint32(header[0:4], uint32(length))
	header[4] = byte(f.Type())
	return header, payload, nil
}

// Decode attempts to parse one frame from the head of buf. It returns the
// frame and the number of bytes consumed, or a Need error describing how
// many more bytes are required, or a fatal error for protocol violations.
func (c *Codec) Decode(buf []byte) (Frame, int, error) {
	if len(buf) < 4 {
		return nil, 0, Need{N: 4 - len(buf)}
	}
	length := binary.BigEndian.Uint32(buf[0:4])
	if length == 0 {
		return nil, 0, ErrZeroLength
	}
	if length > c.MaxFrameBytes {
		return nil, 0, ErrFrameTooLarge
	}
	total := 4 + int(length)
	if len(buf) < total {
		return nil, 0, Need{N: total - len(buf)}
	}
	tag := Type(buf[4])
	payload := buf[5:total]
	f, err := decodePayload(tag, payload, nil, 0)
	if err != nil {
		return nil, 0, err
	}
	return f, total, nil
}

// ReadFrame reads exactly one frame from r, taking the zero-copy fast path
// for Data frames: the payload is read into a pooled buffer and exposed as
// a slice over it rather than copied into the returned struct. Callers
// that keep a Data frame's Payload beyond the current dispatch step must
// call Data.Release when finished.
func (c *Codec) ReadFrame(r io.Reader) (Frame, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(hdr[:])
	if length == 0 {
		return nil, ErrZeroLength
	}
	if length > c.MaxFrameBytes {
		return nil, ErrFrameTooLarge
	}

	var tagBuf [1]byte
	if _, err := io.ReadFull(r, tagBuf[:]); err != nil {
		return nil, err
	}
	tag := Type(tagBuf[0])
	payloadLen := int(length) - 1

	if tag == TypeData {
		buf := newBuffer(payloadLen)
		if payloadLen > 0 {
			if _, err := io.ReadFull(r, buf.data); err != nil {
				return nil, err
			}
		}
		return decodePayload(tag, buf.data, buf, payloadLen)
	}

	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
	}
	return decodePayload(tag, payload, nil, 0)
}

func encodePayload(f Frame) ([]byte, error) {
	var b []byte
	switch v := f.(type) {
	case Handshake:
		b = appendBytes(b, v.ClientNonce)
		b = appendUvarint(b, uint64(v.MinVer))
		b = appendUvarint(b, uint64(v.MaxVer))
		b = appendBytes(b, v.TokenHash)
		b = appendString(b, v.ProposedTunnelID)
	case HandshakeAck:
		b = appendBytes(b, v.ServerNonce)
		b = appendUvarint(b, uint64(v.ChosenVer))
		b = append(b, byte(v.Status))
		b = appendString(b, v.SessionID)
		b = appendString(b, v.AssignedTunnelID)
	case Register:
		b = appendString(b, v.TunnelID)
		b = appendUvarint(b, uint64(len(v.Protocols)))
		for _, p := range v.Protocols {
			b = append(b, byte(p))
		}
	case RegisterAck:
		b = append(b, byte(v.Status))
	case OpenStream:
		b = appendUvarint(b, uint64(v.StreamID))
		b = append(b, byte(v.Protocol))
		b = appendUvarint(b, uint64(len(v.InitialMetadata)))
		for k, val := range v.InitialMetadata {
			b = appendString(b, k)
			b = appendString(b, val)
		}
	case StreamAck:
		b = appendUvarint(b, uint64(v.StreamID))
		b = append(b, byte(v.Status))
	case Data:
		b = appendUvarint(b, uint64(v.StreamID))
		b = append(b, v.Flags)
		b = append(b, v.Payload...)
	case CloseStream:
		b = appendUvarint(b, uint64(v.StreamID))
		b = append(b, byte(v.Reason))
	case Heartbeat:
		b = appendUvarint(b, uint64(v.Timestamp))
	case HeartbeatAck:
		b = appendUvarint(b, uint64(v.Timestamp))
	case ErrorFrame:
		b = appendUvarint(b, uint64(v.Code))
		b = appendString(b, v.Message)
	case PluginData:
		b = appendString(b, v.Key)
		b = appendBytes(b, v.Payload)
	default:
		return nil, fmt.Errorf("frame: unsupported frame %T", f)
	}
	return b, nil
}

// decodePayload parses the type-specific payload. For Data frames, buf is
// the full pooled buffer data (len == payloadLen) and owner, when non-nil,
// backs the returned Payload slice for refcounted release; callers that
// do not go through the zero-copy ReadFrame path pass owner=nil and a
// plain payload slice, which decodePayload copies defensively for Data
// only where it must hand back an independently owned slice (the pure
// Decode(buf) path, used by tests operating on in-memory buffers they may
// reuse).
func decodePayload(tag Type, buf []byte, owner *buffer, payloadLen int) (Frame, error) {
	switch tag {
	case TypeHandshake:
		nonce, n, ok := readBytes(buf)
		if !ok {
			return nil, ErrMalformed
		}
		rest := buf[n:]
		minVer, m, ok := readUvarint(rest)
		if !ok {
			return nil, ErrMalformed
		}
		rest = rest[m:]
		maxVer, m, ok := readUvarint(rest)
		if !ok {
			return nil, ErrMalformed
		}
		rest = rest[m:]
		tokenHash, m, ok := readBytes(rest)
		if !ok {
			return nil, ErrMalformed
		}
		rest = rest[m:]
		tunnelID, _, ok := readString(rest)
		if !ok {
			return nil, ErrMalformed
		}
		return Handshake{
			ClientNonce:      nonce,
			MinVer:           uint16(minVer),
			MaxVer:           uint16(maxVer),
			TokenHash:        tokenHash,
			ProposedTunnelID: tunnelID,
		}, nil

	case TypeHandshakeAck:
		nonce, n, ok := readBytes(buf)
		if !ok {
			return nil, ErrMalformed
		}
		rest := buf[n:]
		ver, m, ok := readUvarint(rest)
		if !ok {
			return nil, ErrMalformed
		}
		rest = rest[m:]
		if len(rest) < 1 {
			return nil, ErrMalformed
		}
		status := HandshakeStatus(rest[0])
		rest = rest[1:]
		sessionID, m, ok := readString(rest)
		if !ok {
			return nil, ErrMalformed
		}
		rest = rest[m:]
		tunnelID, _, ok := readString(rest)
		if !ok {
			return nil, ErrMalformed
		}
		return HandshakeAck{
			ServerNonce:      nonce,
			ChosenVer:        uint16(ver),
			Status:           status,
			SessionID:        sessionID,
			AssignedTunnelID: tunnelID,
		}, nil

	case TypeRegister:
		tunnelID, n, ok := readString(buf)
		if !ok {
			return nil, ErrMalformed
		}
		rest := buf[n:]
		count, m, ok := readUvarint(rest)
		if !ok {
			return nil, ErrMalformed
		}
		rest = rest[m:]
		if uint64(len(rest)) < count {
			return nil, ErrMalformed
		}
		protos := make([]Protocol, 0, count)
		for i := uint64(0); i < count; i++ {
			if len(rest) < 1 {
				return nil, ErrMalformed
			}
			protos = append(protos, Protocol(rest[0]))
			rest = rest[1:]
		}
		return Register{TunnelID: tunnelID, Protocols: protos}, nil

	case TypeRegisterAck:
		if len(buf) < 1 {
			return nil, ErrMalformed
		}
		return RegisterAck{Status: RegisterStatus(buf[0])}, nil

	case TypeOpenStream:
		sid, n, ok := readUvarint(buf)
		if !ok {
			return nil, ErrMalformed
		}
		rest := buf[n:]
		if len(rest) < 1 {
			return nil, ErrMalformed
		}
		proto := Protocol(rest[0])
		rest = rest[1:]
		count, m, ok := readUvarint(rest)
		if !ok {
			return nil, ErrMalformed
		}
		rest = rest[m:]
		md := make(map[string]string, count)
		for i := uint64(0); i < count; i++ {
			k, kn, ok := readString(rest)
			if !ok {
				return nil, ErrMalformed
			}
			rest = rest[kn:]
			val, vn, ok := readString(rest)
			if !ok {
				return nil, ErrMalformed
			}
			rest = rest[vn:]
			md[k] = val
		}
		return OpenStream{StreamID: uint32(sid), Protocol: proto, InitialMetadata: md}, nil

	case TypeStreamAck:
		sid, n, ok := readUvarint(buf)
		if !ok {
			return nil, ErrMalformed
		}
		rest := buf[n:]
		if len(rest) < 1 {
			return nil, ErrMalformed
		}
		return StreamAck{StreamID: uint32(sid), Status: StreamStatus(rest[0])}, nil

	case TypeData:
		sid, n, ok := readUvarint(buf)
		if !ok {
			return nil, ErrMalformed
		}
		rest := buf[n:]
		if len(rest) < 1 {
			return nil, ErrMalformed
		}
		flags := rest[0]
		off := n + 1
		if owner != nil {
			payload := owner.slice(off, len(buf)-off)
			return Data{StreamID: uint32(sid), Flags: flags, Payload: payload, buf: owner}, nil
		}
		var payload []byte
		if n := len(buf) - off; n > 0 {
			payload = make([]byte, n)
			copy(payload, buf[off:])
		}
		return Data{StreamID: uint32(sid), Flags: flags, Payload: payload}, nil

	case TypeCloseStream:
		sid, n, ok := readUvarint(buf)
		if !ok {
			return nil, ErrMalformed
		}
		rest := buf[n:]
		if len(rest) < 1 {
			return nil, ErrMalformed
		}
		return CloseStream{StreamID: uint32(sid), Reason: CloseReason(rest[0])}, nil

	case TypeHeartbeat:
		ts, _, ok := readUvarint(buf)
		if !ok {
			return nil, ErrMalformed
		}
		return Heartbeat{Timestamp: int64(ts)}, nil

	case TypeHeartbeatAck:
		ts, _, ok := readUvarint(buf)
		if !ok {
			return nil, ErrMalformed
		}
		return HeartbeatAck{Timestamp: int64(ts)}, nil

	case TypeError:
		code, n, ok := readUvarint(buf)
		if !ok {
			return nil, ErrMalformed
		}
		rest := buf[n:]
		msg, _, ok := readString(rest)
		if !ok {
			return nil, ErrMalformed
		}
		return ErrorFrame{Code: uint16(code), Message: msg}, nil

	case TypePluginData:
		key, n, ok := readString(buf)
		if !ok {
			return nil, ErrMalformed
		}
		rest := buf[n:]
		payload, _, ok := readBytes(rest)
		if !ok {
			return nil, ErrMalformed
		}
		return PluginData{Key: key, Payload: payload}, nil

	default:
		return nil, ErrUnknownType{Tag: byte(tag)}
	}
}
