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

package client_test

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
	"github.com/nabbar/tunnel/internal/tunnel/client"
	"github.com/nabbar/tunnel/internal/tunnel/server"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestConnectSucceedsAgainstRealServer(t *testing.T) {
	addr := freeAddr(t)
	reg := registry.New()
	srv := server.New(server.Config{Bind: addr, Token: "shared"}, reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Serve(ctx) }()
	time.Sleep(20 * time.Millisecond)

	cl := client.New(client.Config{
		ServerAddr: addr,
		Token:      "shared",
		TunnelID:   "client-a",
	})

	sess, err := cl.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "client-a", sess.TunnelID())
	sess.Shutdown(nil)

	require.Eventually(t, func() bool {
		_, ok := reg.Lookup("client-a")
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestConnectFailsOnWrongToken(t *testing.T) {
	addr := freeAddr(t)
	reg := registry.New()
	srv := server.New(server.Config{Bind: addr, Token: "shared"}, reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Serve(ctx) }()
	time.Sleep(20 * time.Millisecond)

	cl := client.New(client.Config{
		ServerAddr: addr,
		Token:      "wrong",
		TunnelID:   "client-b",
	})

	_, err := cl.Connect(context.Background())
	assert.Error(t, err)
}

func TestRunOpensStreamEndToEnd(t *testing.T) {
	addr := freeAddr(t)
	reg := registry.New()

	var serverSession *session.Session
	got := make(chan struct{})
	srv := server.New(server.Config{Bind: addr, Token: "shared"}, reg, server.WithSessionHook(func(s *session.Session) {
		serverSession = s
		close(got)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Serve(ctx) }()
	time.Sleep(20 * time.Millisecond)

	cl := client.New(client.Config{ServerAddr: addr, Token: "shared", TunnelID: "client-c"})

	clientAccepted := make(chan struct{})
	go func() {
		_ = cl.Run(ctx, func(sess *session.Session) {
			go func() {
				st, err := sess.Mux().AcceptStream()
				if err == nil {
					_ = sess.Mux().Accept(st)
					buf := make([]byte, 32)
					n, _ := st.Read(buf)
					_, _ = st.Write(buf[:n])
				}
				close(clientAccepted)
			}()
		})
	}()

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("server never received a session")
	}

	stream, err := serverSession.Mux().OpenStream(frame.ProtocolTCP, 2, nil)
	require.NoError(t, err)

	_, err = stream.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 32)
	n, err := stream.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))

	<-clientAccepted
}
