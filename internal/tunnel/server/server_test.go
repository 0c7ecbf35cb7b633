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

package server_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nabbar/tunnel/internal/frame"
	"github.com/nabbar/tunnel/internal/registry"
	"github.com/nabbar/tunnel/internal/tunnel"
	"github.com/nabbar/tunnel/internal/tunnel/server"
)

func TestHandshakeRejectsWrongToken(t *testing.T) {
	reg := registry.New()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	srv := server.New(server.Config{Bind: addr, Token: "correct"}, reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = srv.Serve(ctx) }()
	time.Sleep(20 * time.Millisecond)

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	codec := frame.NewCodec(0)
	buf, err := codec.Encode(frame.Handshake{
		MinVer:    tunnel.MinSupportedVersion,
		MaxVer:    tunnel.MaxSupportedVersion,
		TokenHash: tunnel.HashToken("wrong"),
	})
	require.NoError(t, err)
	_, err = conn.Write(buf)
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	f, err := codec.ReadFrame(conn)
	require.NoError(t, err)
	ack, ok := f.(frame.HandshakeAck)
	require.True(t, ok)
	assert.Equal(t, frame.HandshakeUnauthorized, ack.Status)
}

func TestHandshakeAndRegisterSucceed(t *testing.T) {
	reg := registry.New()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	srv := server.New(server.Config{Bind: addr, Token: "shared"}, reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Serve(ctx) }()
	time.Sleep(20 * time.Millisecond)

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))

	codec := frame.NewCodec(0)
	buf, err := codec.Encode(frame.Handshake{
		MinVer:           tunnel.MinSupportedVersion,
		MaxVer:           tunnel.MaxSupportedVersion,
		TokenHash:        tunnel.HashToken("shared"),
		ProposedTunnelID: "my-tunnel",
	})
	require.NoError(t, err)
	_, err = conn.Write(buf)
	require.NoError(t, err)

	f, err := codec.ReadFrame(conn)
	require.NoError(t, err)
	ack := f.(frame.HandshakeAck)
	require.Equal(t, frame.HandshakeOk, ack.Status)

	regBuf, err := codec.Encode(frame.Register{TunnelID: "my-tunnel", Protocols: []frame.Protocol{frame.ProtocolHTTP1}})
	require.NoError(t, err)
	_, err = conn.Write(regBuf)
	require.NoError(t, err)

	rf, err := codec.ReadFrame(conn)
	require.NoError(t, err)
	rack := rf.(frame.RegisterAck)
	assert.Equal(t, frame.RegisterOk, rack.Status)

	require.Eventually(t, func() bool {
		_, ok := reg.Lookup("my-tunnel")
		return ok
	}, time.Second, 5*time.Millisecond)
}
