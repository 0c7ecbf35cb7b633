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

package config

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/nabbar/tunnel/internal/certificates"
	"github.com/nabbar/tunnel/internal/limits"
)

// ServerConfig is the decoded §6 CLI surface for the tunneld (server)
// process: control-plane bind address, HTTP and raw-TCP ingress
// addresses, the shared token, TLS material, and resource limits.
type ServerConfig struct {
	ServerBind string `mapstructure:"server_bind" validate:"required,hostname_port"`
	HTTPBind   string `mapstructure:"http_bind" validate:"omitempty,hostname_port"`
	TCPBind    string `mapstructure:"tcp_bind" validate:"omitempty,hostname_port"`
	TCPTunnel  string `mapstructure:"tcp_tunnel_id" validate:"required_with=TCPBind"`

	Token string `mapstructure:"token" validate:"required"`

	TLSCert       string `mapstructure:"tls_cert"`
	TLSKey        string `mapstructure:"tls_key"`
	TLSCA         string `mapstructure:"tls_ca"`
	TLSClientAuth string `mapstructure:"tls_client_auth" validate:"omitempty,oneof=none require"`

	MaxSessions          int64 `mapstructure:"max_sessions" validate:"gte=0"`
	MaxStreamsPerSession int64 `mapstructure:"max_streams_per_session" validate:"gte=0"`
	MaxFrameBytes        int64 `mapstructure:"max_frame_bytes" validate:"gte=0"`
	MaxInflightFrames    int64 `mapstructure:"max_inflight_frames" validate:"gte=0"`

	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`
}

// TLS builds a certificates.Config from the flat TLS fields; Enabled()
// reports false (no cert/key configured) when the server runs
// cleartext.
func (c *ServerConfig) TLS() certificates.Config {
	return certificates.Config{
		CertFile:   c.TLSCert,
		KeyFile:    c.TLSKey,
		CAFile:     c.TLSCA,
		ClientAuth: certificates.ClientAuth(c.TLSClientAuth),
	}
}

// Limits builds a limits.Config, falling back to each option's default
// when the CLI left it at zero.
func (c *ServerConfig) Limits() limits.Config {
	l := limits.Config{
		MaxSessions:          c.MaxSessions,
		MaxStreamsPerSession: c.MaxStreamsPerSession,
		MaxFrameBytes:        c.MaxFrameBytes,
		MaxInflightFrames:    c.MaxInflightFrames,
	}
	return l.WithDefaults()
}

// BindServerFlags registers every server_* flag §6 names on cmd.
func BindServerFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("server-bind", ":7835", "control-plane listen address")
	f.String("http-bind", ":8080", "HTTP ingress listen address")
	f.String("tcp-bind", "", "optional raw-TCP ingress listen address")
	f.String("tcp-tunnel-id", "", "tunnel_id the raw-TCP ingress forwards to")
	f.String("token", "", "shared secret clients authenticate with")
	f.String("tls-cert", "", "TLS certificate file")
	f.String("tls-key", "", "TLS private key file")
	f.String("tls-ca", "", "TLS trust anchor for mutual TLS")
	f.String("tls-client-auth", string(certificates.NoClientCert), "none|require")
	f.Int64("max-sessions", limits.DefaultMaxSessions, "maximum concurrent sessions")
	f.Int64("max-streams-per-session", limits.DefaultMaxStreamsPerSession, "maximum concurrent streams per session")
	f.Int64("max-frame-bytes", limits.DefaultMaxFrameBytes, "maximum wire frame size in bytes")
	f.Int64("max-inflight-frames", limits.DefaultMaxInflightFrames, "maximum frames queued-but-unflushed per session before overload teardown")
	f.Duration("heartbeat-interval", 15*time.Second, "server-side heartbeat send interval")
	f.Duration("heartbeat-timeout", 45*time.Second, "heartbeat round-trip timeout before a session is considered dead")
	AddConfigFlag(cmd)
}

// serverFlagKeys maps each dash-named server flag to the mapstructure
// key ServerConfig decodes it into.
func serverFlagKeys() map[string]string {
	return map[string]string{
		"server-bind":             "server_bind",
		"http-bind":               "http_bind",
		"tcp-bind":                "tcp_bind",
		"tcp-tunnel-id":           "tcp_tunnel_id",
		"token":                   "token",
		"tls-cert":                "tls_cert",
		"tls-key":                 "tls_key",
		"tls-ca":                  "tls_ca",
		"tls-client-auth":         "tls_client_auth",
		"max-sessions":            "max_sessions",
		"max-streams-per-session": "max_streams_per_session",
		"max-frame-bytes":         "max_frame_bytes",
		"max-inflight-frames":     "max_inflight_frames",
		"heartbeat-interval":      "heartbeat_interval",
		"heartbeat-timeout":       "heartbeat_timeout",
	}
}

// LoadServerConfig reads flags, environment, and an optional config
// file bound to cmd into a validated ServerConfig.
func LoadServerConfig(cmd *cobra.Command) (*ServerConfig, error) {
	v, err := newViper(cmd)
	if err != nil {
		return nil, err
	}
	if err := bindFlagKeys(v, cmd.Flags(), serverFlagKeys()); err != nil {
		return nil, err
	}
	cfg := &ServerConfig{}
	if err := decode(v, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
