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
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nabbar/tunnel/internal/config"
)

func TestLoadServerConfigEnvironmentOverridesDefault(t *testing.T) {
	t.Setenv("TUNNEL_TOKEN", "from-env")
	t.Setenv("TUNNEL_SERVER_BIND", ":9999")

	cmd := newServerCmd()
	cfg, err := config.LoadServerConfig(cmd)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Token)
	assert.Equal(t, ":9999", cfg.ServerBind)
}

func TestLoadServerConfigFlagTakesPrecedenceOverEnvironment(t *testing.T) {
	t.Setenv("TUNNEL_TOKEN", "from-env")

	cmd := newServerCmd()
	require.NoError(t, cmd.Flags().Set("token", "from-flag"))

	cfg, err := config.LoadServerConfig(cmd)
	require.NoError(t, err)
	assert.Equal(t, "from-flag", cfg.Token)
}

func TestLoadServerConfigRejectsUnreadableConfigFile(t *testing.T) {
	cmd := newServerCmd()
	require.NoError(t, cmd.Flags().Set("token", "s3cr3t"))
	require.NoError(t, cmd.Flags().Set("config", os.DevNull+".does-not-exist"))

	_, err := config.LoadServerConfig(cmd)
	require.Error(t, err)
}
