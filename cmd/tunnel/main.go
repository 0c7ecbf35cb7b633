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

// Command tunnel is the client half of the engine: it dials a tunneld
// control plane, registers a tunnel_id, and bridges every stream the
// server opens to the local service it fronts.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/nabbar/tunnel/internal/certificates"
	"github.com/nabbar/tunnel/internal/config"
	"github.com/nabbar/tunnel/internal/limits"
	"github.com/nabbar/tunnel/internal/logger"
	"github.com/nabbar/tunnel/internal/mux"
	"github.com/nabbar/tunnel/internal/session"
	"github.com/nabbar/tunnel/internal/tunnel/client"
	"github.com/nabbar/tunnel/internal/upstream"
	"github.com/nabbar/tunnel/pkg/version"
)

// Exit codes reported to the CLI collaborator per spec.md §6.
const (
	exitOK              = 0
	exitConfiguration   = 1
	exitHandshakeFailed = 3
	exitSignalInterupt  = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	rootExitCode = exitConfiguration
	root := newRootCmd()
	_ = root.Execute()
	return rootExitCode
}

var rootExitCode int

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "tunnel",
		Short:        "reverse tunnel client: registers a tunnel_id and fronts a local service",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			showVersion, _ := cmd.Flags().GetBool("version")
			if showVersion {
				fmt.Println(version.New("tunnel").String())
				rootExitCode = exitOK
				return nil
			}
			return dial(cmd)
		},
	}
	cmd.Flags().Bool("version", false, "print the build version and exit")
	config.BindClientFlags(cmd)
	return cmd
}

func dial(cmd *cobra.Command) error {
	cfg, err := config.LoadClientConfig(cmd)
	if err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("configuration error: %v", err))
		rootExitCode = exitConfiguration
		return err
	}

	log := logger.Default

	pool := upstream.New(cfg.Pool(), dialLocal(cfg.LocalAddr))
	defer pool.Close()

	proxy := upstream.NewProxy(pool, func(upstream.AcceptableStream) upstream.Key {
		return localKey(cfg.LocalAddr)
	}).WithLogf(func(format string, args ...interface{}) {
		logger.Resolve(log).Warnf(format, args...)
	})

	reconnectPolicy := cfg.Reconnect()
	c := client.New(client.Config{
		ServerAddr:       cfg.ServerAddr,
		TLS:              tlsOrNil(cfg),
		Token:            cfg.Token,
		TunnelID:         cfg.TunnelID,
		ReconnectBase:    reconnectPolicy.Base,
		ReconnectMax:     reconnectPolicy.Max,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		Limits:           cfg.Limits(),
	}, client.WithLogger(log))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Connect once up front, outside Run's reconnect loop, so a
	// handshake/authentication failure on startup is reported with its
	// own exit code rather than silently retried forever.
	first, err := c.Connect(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("handshake failed: %v", err))
		rootExitCode = exitHandshakeFailed
		return err
	}

	fmt.Println(color.CyanString("%s registered as %q against %s", version.New("tunnel").String(), cfg.TunnelID, cfg.ServerAddr))

	// The first session runs to completion on its own; once it ends
	// (network reset, server-side teardown, anything short of ctx being
	// cancelled) control falls through to Run's own dial-backoff loop,
	// which keeps reconnecting until ctx is cancelled.
	runErr := make(chan error, 1)
	go func() {
		go proxy.Run(&sessionStreamSource{sess: first})
		_ = first.Run(ctx)
		if ctx.Err() != nil {
			runErr <- nil
			return
		}
		runErr <- c.Run(ctx, func(sess *session.Session) {
			go proxy.Run(&sessionStreamSource{sess: sess})
		})
	}()

	<-ctx.Done()
	<-runErr // wait for the reconnect loop to notice ctx is done and exit
	rootExitCode = exitSignalInterupt
	return nil
}

// dialLocal returns an upstream.Dialer that always connects to the
// single local service this client fronts, ignoring the Key (the
// client proxy has exactly one upstream target).
func dialLocal(localAddr string) upstream.Dialer {
	return func(ctx context.Context, _ upstream.Key) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", localAddr)
	}
}

func localKey(localAddr string) upstream.Key {
	host, port := splitHostPort(localAddr)
	return upstream.Key{Host: host, Port: port}
}

func splitHostPort(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	port := 0
	fmt.Sscanf(portStr, "%d", &port)
	return host, port
}

// tlsOrNil returns nil (plaintext dial) unless the CLI configured both a
// TLS certificate file and a key file.
func tlsOrNil(cfg *config.ClientConfig) *certificates.Config {
	tlsCfg := cfg.TLS()
	if !tlsCfg.Enabled() {
		return nil
	}
	return &tlsCfg
}

// sessionStreamSource adapts *session.Session's Mux().AcceptStream()
// to upstream.StreamSource, accepting every stream the server opens up
// to this session's max_streams_per_session (§4.12/C12), rejecting the
// rest (the client always bridges accepted streams to its one
// configured local service).
type sessionStreamSource struct {
	sess *session.Session
}

func (s *sessionStreamSource) AcceptStream() (upstream.AcceptableStream, error) {
	for {
		st, err := s.sess.Mux().AcceptStream()
		if err != nil {
			return nil, err
		}

		admitter := s.sess.StreamAdmitter()
		if !admitter.TryOpen() {
			if err := s.sess.Mux().Reject(st); err != nil {
				return nil, err
			}
			continue
		}

		if err := s.sess.Mux().Accept(st); err != nil {
			admitter.Closed()
			return nil, err
		}
		return &admittedStream{Stream: st, admitter: admitter}, nil
	}
}

// admittedStream decorates a *mux.Stream so the accept-side
// StreamAdmitter slot it holds is released exactly once, when the
// proxy layer closes it (upstream.Proxy.serve defers Close on every
// accepted stream).
type admittedStream struct {
	*mux.Stream
	admitter *limits.StreamAdmitter
	once     sync.Once
}

func (a *admittedStream) Close() error {
	a.once.Do(a.admitter.Closed)
	return a.Stream.Close()
}
