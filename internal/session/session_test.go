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

package session_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nabbar/tunnel/internal/frame"
	"github.com/nabbar/tunnel/internal/registry"
	"github.com/nabbar/tunnel/internal/session"
	"github.com/nabbar/tunnel/internal/transport"
)

func pipePair(t *testing.T) (transport.Transport, transport.Transport) {
	t.Helper()
	a, b := net.Pipe()
	ta, err := transport.WrapTCP(a)
	require.NoError(t, err)
	tb, err := transport.WrapTCP(b)
	require.NoError(t, err)
	return ta, tb
}

func TestHeartbeatRoundTripActivatesSession(t *testing.T) {
	serverTr, clientTr := pipePair(t)
	reg := registry.New()

	server := session.New(serverTr, true, reg, session.WithHeartbeat(20*time.Millisecond, time.Second))
	client := session.New(clientTr, false, reg)

	server.AssignTunnel("srv-test")
	assert.Equal(t, session.Registered, server.State())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() { _ = server.Run(ctx) }()
	go func() { _ = client.Run(ctx) }()

	require.Eventually(t, func() bool {
		return server.State() == session.Active
	}, time.Second, 5*time.Millisecond)

	server.Shutdown(nil)
	client.Shutdown(nil)
}

func TestOpenStreamEndToEndOverSession(t *testing.T) {
	serverTr, clientTr := pipePair(t)
	reg := registry.New()

	server := session.New(serverTr, true, reg)
	client := session.New(clientTr, false, reg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() { _ = server.Run(ctx) }()
	go func() { _ = client.Run(ctx) }()

	clientAccepted := make(chan struct{})
	go func() {
		st, err := client.Mux().AcceptStream()
		if err == nil {
			_ = client.Mux().Accept(st)
			buf := make([]byte, 32)
			n, _ := st.Read(buf)
			_, _ = st.Write(buf[:n])
		}
		close(clientAccepted)
	}()

	stream, err := server.Mux().OpenStream(frame.ProtocolTCP, 2, nil)
	require.NoError(t, err)

	_, err = stream.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 32)
	n, err := stream.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))

	<-clientAccepted
	server.Shutdown(nil)
	client.Shutdown(nil)
}
