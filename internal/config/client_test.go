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

package config_test

import (
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nabbar/tunnel/internal/config"
)

func newClientCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "tunnel"}
	config.BindClientFlags(cmd)
	return cmd
}

func baseClientFlags(t *testing.T, cmd *cobra.Command) {
	t.Helper()
	require.NoError(t, cmd.Flags().Set("server-addr", "tunnel.example.com:7835"))
	require.NoError(t, cmd.Flags().Set("tunnel-id", "svc-a"))
	require.NoError(t, cmd.Flags().Set("local-addr", "127.0.0.1:3000"))
	require.NoError(t, cmd.Flags().Set("token", "s3cr3t"))
}

func TestLoadClientConfigDecodesFlags(t *testing.T) {
	cmd := newClientCmd()
	baseClientFlags(t, cmd)

	cfg, err := config.LoadClientConfig(cmd)
	require.NoError(t, err)
	assert.Equal(t, "tunnel.example.com:7835", cfg.ServerAddr)
	assert.Equal(t, "svc-a", cfg.TunnelID)
	assert.Equal(t, "127.0.0.1:3000", cfg.LocalAddr)
}

func TestLoadClientConfigRejectsMissingRequiredFields(t *testing.T) {
	cmd := newClientCmd()

	_, err := config.LoadClientConfig(cmd)
	require.Error(t, err)
}

func TestClientConfigReconnectHonorsFlagOverrides(t *testing.T) {
	cmd := newClientCmd()
	baseClientFlags(t, cmd)
	require.NoError(t, cmd.Flags().Set("reconnect-base-ms", "500"))
	require.NoError(t, cmd.Flags().Set("reconnect-max-ms", "5000"))

	cfg, err := config.LoadClientConfig(cmd)
	require.NoError(t, err)

	policy := cfg.Reconnect()
	assert.Equal(t, 500*time.Millisecond, policy.Base)
	assert.Equal(t, 5*time.Second, policy.Max)
}

func TestClientConfigPoolReflectsFlags(t *testing.T) {
	cmd := newClientCmd()
	baseClientFlags(t, cmd)
	require.NoError(t, cmd.Flags().Set("pool-max-idle-per-host", "8"))
	require.NoError(t, cmd.Flags().Set("pool-prefer-h2", "true"))

	cfg, err := config.LoadClientConfig(cmd)
	require.NoError(t, err)

	poolCfg := cfg.Pool()
	assert.Equal(t, 8, poolCfg.MaxIdlePerHost)
	assert.True(t, poolCfg.PreferH2)
}

func TestClientConfigRejectsInvalidTLSClientAuth(t *testing.T) {
	cmd := newClientCmd()
	baseClientFlags(t, cmd)
	require.NoError(t, cmd.Flags().Set("tls-client-auth", "bogus"))

	_, err := config.LoadClientConfig(cmd)
	require.Error(t, err)
}
