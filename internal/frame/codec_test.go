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

package frame_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nabbar/tunnel/internal/frame"
)

func sampleFrames() []frame.Frame {
	return []frame.Frame{
		frame.Handshake{ClientNonce: []byte("nonce"), MinVer: 1, MaxVer: 3, TokenHash: []byte("hash"), ProposedTunnelID: "my-tunnel"},
		frame.HandshakeAck{ServerNonce: []byte("snonce"), ChosenVer: 2, Status: frame.HandshakeOk, SessionID: "sess-1", AssignedTunnelID: "my-tunnel"},
		frame.Register{TunnelID: "my-tunnel", Protocols: []frame.Protocol{frame.ProtocolHTTP1, frame.ProtocolTCP}},
		frame.RegisterAck{Status: frame.RegisterOk},
		frame.OpenStream{StreamID: 7, Protocol: frame.ProtocolHTTP1, InitialMetadata: map[string]string{"host": "a.example.com"}},
		frame.StreamAck{StreamID: 7, Status: frame.StreamOk},
		frame.Data{StreamID: 7, Flags: frame.FlagFin, Payload: []byte("hello world")},
		frame.Data{StreamID: 9, Flags: 0, Payload: nil},
		frame.CloseStream{StreamID: 7, Reason: frame.CloseComplete},
		frame.Heartbeat{Timestamp: 1234567890},
		frame.HeartbeatAck{Timestamp: 1234567890},
		frame.ErrorFrame{Code: 500, Message: "boom"},
		frame.PluginData{Key: "auth", Payload: []byte{1, 2, 3}},
	}
}

func TestRoundTrip(t *testing.T) {
	c := frame.NewCodec(0)
	for _, f := range sampleFrames() {
		f := f
		t.Run(f.Type().String(), func(t *testing.T) {
			wire, err := c.Encode(f)
			require.NoError(t, err)

			decoded, n, err := c.Decode(wire)
			require.NoError(t, err)
			assert.Equal(t, len(wire), n)
			assert.Equal(t, f, decoded)
		})
	}
}

func TestPartialDecodeNeedsMore(t *testing.T) {
	c := frame.NewCodec(0)
	f := frame.Data{StreamID: 3, Flags: frame.FlagFin, Payload: []byte("partial-read-test-payload")}
	wire, err := c.Encode(f)
	require.NoError(t, err)

	for i := 0; i < len(wire); i++ {
		_, _, err := c.Decode(wire[:i])
		require.Error(t, err)
		need, ok := err.(frame.Need)
		require.True(t, ok, "expected Need at %d bytes, got %T: %v", i, err, err)
		want := len(wire) - i
		if i < 4 {
			// The length prefix is incomplete, so only its missing bytes are known.
			want = 4 - i
		}
		assert.Equal(t, want, need.N)
	}

	decoded, n, err := c.Decode(wire)
	require.NoError(t, err)
	assert.Equal(t, len(wire), n)
	assert.Equal(t, f, decoded)
}

func TestZeroLengthIsFatal(t *testing.T) {
	c := frame.NewCodec(0)
	buf := make([]byte, 4)
	_, _, err := c.Decode(buf)
	assert.ErrorIs(t, err, frame.ErrZeroLength)
}

func TestOversizeFrameIsFatal(t *testing.T) {
	c := frame.NewCodec(16)
	f := frame.Data{StreamID: 1, Payload: bytes.Repeat([]byte{'x'}, 64)}
	_, err := c.Encode(f)
	assert.ErrorIs(t, err, frame.ErrFrameTooLarge)
}

func TestUnknownTypeTagIsFatal(t *testing.T) {
	c := frame.NewCodec(0)
	buf := make([]byte, 5)
	buf[3] = 1 // length = 1
	buf[4] = 250
	_, _, err := c.Decode(buf)
	var unk frame.ErrUnknownType
	require.ErrorAs(t, err, &unk)
	assert.Equal(t, byte(250), unk.Tag)
}

func TestReadFrameZeroCopyDataPath(t *testing.T) {
	c := frame.NewCodec(0)
	f := frame.Data{StreamID: 42, Flags: frame.FlagFin, Payload: []byte("zero-copy-payload")}
	wire, err := c.Encode(f)
	require.NoError(t, err)

	r := bytes.NewReader(wire)
	got, err := c.ReadFrame(r)
	require.NoError(t, err)

	data, ok := got.(frame.Data)
	require.True(t, ok)
	assert.Equal(t, f.StreamID, data.StreamID)
	assert.Equal(t, f.Flags, data.Flags)
	assert.Equal(t, f.Payload, data.Payload)
	data.Release()
}
