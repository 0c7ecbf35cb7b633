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
	"github.com/nabbar/tunnel/internal/reconnect"
	"github.com/nabbar/tunnel/internal/upstream"
)

// ClientConfig is the decoded §6 CLI surface for the tunnel (client)
// process: the server to dial, the tunnel_id it registers as, the
// local service it fronts, the shared token, TLS material, reconnect
// pacing, and upstream pool sizing.
type ClientConfig struct {
	ServerAddr string `mapstructure:"server_addr" validate:"required,hostname_port"`
	TunnelID   string `mapstructure:"tunnel_id" validate:"required"`
	LocalAddr  string `mapstructure:"local_addr" validate:"required,hostname_port"`

	Token string `mapstructure:"token" validate:"required"`

	TLSCert       string `mapstructure:"tls_cert"`
	TLSKey        string `mapstructure:"tls_key"`
	TLSCA         string `mapstructure:"tls_ca"`
	TLSClientAuth string `mapstructure:"tls_client_auth" validate:"omitempty,oneof=none require"`

	ReconnectBaseMs int64 `mapstructure:"reconnect_base_ms" validate:"gte=0"`
	ReconnectMaxMs  int64 `mapstructure:"reconnect_max_ms" validate:"gte=0"`

	PoolMaxIdlePerHost int   `mapstructure:"pool_max_idle_per_host" validate:"gte=0"`
	PoolIdleTimeoutMs  int64 `mapstructure:"pool_idle_timeout_ms" validate:"gte=0"`
	PoolPreferH2       bool  `mapstructure:"pool_prefer_h2"`

	MaxStreamsPerSession int64 `mapstructure:"max_streams_per_session" validate:"gte=0"`
	MaxInflightFrames    int64 `mapstructure:"max_inflight_frames" validate:"gte=0"`

	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
}

// TLS builds a certificates.Config from the flat TLS fields.
func (c *ClientConfig) TLS() certificates.Config {
	return certificates.Config{
		CertFile:   c.TLSCert,
		KeyFile:    c.TLSKey,
		CAFile:     c.TLSCA,
		ClientAuth: certificates.ClientAuth(c.TLSClientAuth),
	}
}

// Reconnect builds the backoff policy the dial loop retries with,
// falling back to the package defaults when the CLI left either bound
// at zero.
func (c *ClientConfig) Reconnect() *reconnect.Policy {
	return reconnect.New(
		time.Duration(c.ReconnectBaseMs)*time.Millisecond,
		time.Duration(c.ReconnectMaxMs)*time.Millisecond,
	)
}

// Pool builds the upstream pool configuration the local-service proxy
// checks connections in and out of.
func (c *ClientConfig) Pool() upstream.Config {
	return upstream.Config{
		MaxIdlePerHost: c.PoolMaxIdlePerHost,
		IdleTimeout:    time.Duration(c.PoolIdleTimeoutMs) * time.Millisecond,
		PreferH2:       c.PoolPreferH2,
	}
}

// Limits builds the per-session admission limits this client enforces on
// its own accept side (§4.12/C12), falling back to each option's default
// when the CLI left it at zero.
func (c *ClientConfig) Limits() limits.Config {
	l := limits.Config{
		MaxStreamsPerSession: c.MaxStreamsPerSession,
		MaxInflightFrames:    c.MaxInflightFrames,
	}
	return l.WithDefaults()
}

// BindClientFlags registers every client_* flag §6 names on cmd.
func BindClientFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("server-addr", "", "tunnel server control-plane address")
	f.String("tunnel-id", "", "tunnel_id this client registers as")
	f.String("local-addr", "", "local service address this client fronts")
	f.String("token", "", "shared secret authenticating against the server")
	f.String("tls-cert", "", "TLS client certificate file")
	f.String("tls-key", "", "TLS client private key file")
	f.String("tls-ca", "", "TLS trust anchor for the server certificate")
	f.String("tls-client-auth", string(certificates.NoClientCert), "none|require")
	f.Int64("reconnect-base-ms", int64(reconnect.DefaultBase/time.Millisecond), "initial reconnect backoff in milliseconds")
	f.Int64("reconnect-max-ms", int64(reconnect.DefaultMax/time.Millisecond), "maximum reconnect backoff in milliseconds")
	f.Int("pool-max-idle-per-host", upstream.DefaultMaxIdlePerHost, "maximum idle upstream connections kept per host")
	f.Int64("pool-idle-timeout-ms", int64(upstream.DefaultIdleTimeout/time.Millisecond), "idle upstream connection eviction timeout in milliseconds")
	f.Bool("pool-prefer-h2", false, "reuse a single shared connection per upstream host as if it were HTTP/2")
	f.Int64("max-streams-per-session", limits.DefaultMaxStreamsPerSession, "maximum concurrent streams this client accepts per session")
	f.Int64("max-inflight-frames", limits.DefaultMaxInflightFrames, "maximum frames queued-but-unflushed before overload teardown")
	f.Duration("heartbeat-timeout", 45*time.Second, "heartbeat round-trip timeout before the session reconnects")
	AddConfigFlag(cmd)
}

// clientFlagKeys maps each dash-named client flag to the mapstructure
// key ClientConfig decodes it into.
func clientFlagKeys() map[string]string {
	return map[string]string{
		"server-addr":             "server_addr",
		"tunnel-id":               "tunnel_id",
		"local-addr":              "local_addr",
		"token":                   "token",
		"tls-cert":                "tls_cert",
		"tls-key":                 "tls_key",
		"tls-ca":                  "tls_ca",
		"tls-client-auth":         "tls_client_auth",
		"reconnect-base-ms":       "reconnect_base_ms",
		"reconnect-max-ms":        "reconnect_max_ms",
		"pool-max-idle-per-host":  "pool_max_idle_per_host",
		"pool-idle-timeout-ms":    "pool_idle_timeout_ms",
		"pool-prefer-h2":          "pool_prefer_h2",
		"max-streams-per-session": "max_streams_per_session",
		"max-inflight-frames":     "max_inflight_frames",
		"heartbeat-timeout":       "heartbeat_timeout",
	}
}

// LoadClientConfig reads flags, environment, and an optional config
// file bound to cmd into a validated ClientConfig.
func LoadClientConfig(cmd *cobra.Command) (*ClientConfig, error) {
	v, err := newViper(cmd)
	if err != nil {
		return nil, err
	}
	if err := bindFlagKeys(v, cmd.Flags(), clientFlagKeys()); err != nil {
		return nil, err
	}
	cfg := &ClientConfig{}
	if err := decode(v, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
