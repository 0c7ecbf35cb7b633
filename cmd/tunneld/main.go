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

// Command tunneld is the server half of the engine: it owns the
// control-plane listener clients register against, and fronts every
// registered tunnel_id with an HTTP(S) ingress and an optional raw-TCP
// ingress.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nabbar/tunnel/internal/certificates"
	"github.com/nabbar/tunnel/internal/config"
	"github.com/nabbar/tunnel/internal/errors"
	"github.com/nabbar/tunnel/internal/ingress"
	"github.com/nabbar/tunnel/internal/logger"
	"github.com/nabbar/tunnel/internal/registry"
	"github.com/nabbar/tunnel/internal/tunnel/server"
	"github.com/nabbar/tunnel/pkg/version"
)

// Exit codes reported to the CLI collaborator per spec.md §6.
const (
	exitOK             = 0
	exitConfiguration  = 1
	exitBindFailure    = 2
	exitSignalInterupt = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	rootExitCode = exitConfiguration // covers flag-parsing errors RunE never sees
	root := newRootCmd()
	_ = root.Execute()
	return rootExitCode
}

// rootExitCode carries the process exit code out of cobra's RunE, which
// only returns an error, not an explicit code.
var rootExitCode int

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "tunneld",
		Short:        "reverse tunnel server: control-plane listener and public ingress",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			showVersion, _ := cmd.Flags().GetBool("version")
			if showVersion {
				fmt.Println(version.New("tunneld").String())
				rootExitCode = exitOK
				return nil
			}
			return serve(cmd)
		},
	}
	cmd.Flags().Bool("version", false, "print the build version and exit")
	config.BindServerFlags(cmd)
	return cmd
}

func serve(cmd *cobra.Command) error {
	cfg, err := config.LoadServerConfig(cmd)
	if err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("configuration error: %v", err))
		rootExitCode = exitConfiguration
		return err
	}

	log := logger.Default
	reg := registry.New()

	srv := server.New(server.Config{
		Bind:              cfg.ServerBind,
		TLS:               tlsOrNil(cfg),
		Token:             cfg.Token,
		Limits:            cfg.Limits(),
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
	}, reg, server.WithLogger(log))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// The control plane, HTTP ingress and TCP ingress are three
	// independently failing listeners sharing one lifetime: the first
	// one to die cancels gctx, which the other two (and the shutdown
	// watcher below) observe to unwind together, per §4.5's teardown
	// cascade.
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Serve(gctx)
	})

	var httpServer *http.Server
	if cfg.HTTPBind != "" {
		ing := ingress.New(ingress.Config{}, reg, ingress.WithLogger(log))
		httpServer = &http.Server{Addr: cfg.HTTPBind, Handler: ing.Handler()}
		g.Go(func() error {
			if lerr := httpServer.ListenAndServe(); lerr != nil && lerr != http.ErrServerClosed {
				return errors.Wrap(errors.KindConfiguration, "tunneld: http ingress listen", lerr)
			}
			return nil
		})
		fmt.Println(color.GreenString("http ingress listening on %s", cfg.HTTPBind))
	}

	var tcpListener net.Listener
	if cfg.TCPBind != "" {
		tcpListener, err = net.Listen("tcp", cfg.TCPBind)
		if err != nil {
			fmt.Fprintln(os.Stderr, color.RedString("bind failure: %v", err))
			rootExitCode = exitBindFailure
			return err
		}
		tcpIng := ingress.NewTCPIngress(reg, cfg.TCPTunnel, log)
		g.Go(func() error {
			if serr := tcpIng.Serve(tcpListener); serr != nil {
				select {
				case <-gctx.Done():
					return nil
				default:
					return errors.Wrap(errors.KindTransport, "tunneld: tcp ingress serve", serr)
				}
			}
			return nil
		})
		fmt.Println(color.GreenString("tcp ingress listening on %s", cfg.TCPBind))
	}

	fmt.Println(color.CyanString("%s control plane listening on %s", version.New("tunneld").String(), cfg.ServerBind))

	go func() {
		<-gctx.Done()
		if httpServer != nil {
			_ = httpServer.Shutdown(context.Background())
		}
		if tcpListener != nil {
			_ = tcpListener.Close()
		}
	}()

	runErr := g.Wait()

	if ctx.Err() != nil {
		rootExitCode = exitSignalInterupt
		return nil
	}
	if runErr != nil {
		fmt.Fprintln(os.Stderr, color.RedString("tunneld: %v", runErr))
		rootExitCode = exitBindFailure
		return runErr
	}
	rootExitCode = exitOK
	return nil
}

// tlsOrNil returns nil (plaintext control plane) unless the CLI
// configured both a TLS certificate file and a key file, matching
// certificates.Config's own Enabled() convention of "no cert/key means
// disabled".
func tlsOrNil(cfg *config.ServerConfig) *certificates.Config {
	tlsCfg := cfg.TLS()
	if !tlsCfg.Enabled() {
		return nil
	}
	return &tlsCfg
}
