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

// Package certificates builds a *tls.Config from certificate/key/CA material,
// enforcing the engine's TLS floor (1.3 only, per §4.2) and optional mutual
// TLS. It does not manage certificate issuance or rotation — only the
// static load-and-build step the transport layer needs at startup.
package certificates

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
)

// ClientAuth mirrors the subset of tls.ClientAuthType the engine exposes
// through configuration, named the way the CLI surface spells it (§6).
type ClientAuth string

const (
	NoClientCert     ClientAuth = "none"
	RequireClientCert ClientAuth = "require"
)

func (c ClientAuth) toStd() tls.ClientAuthType {
	if c == RequireClientCert {
		return tls.RequireAndVerifyClientCert
	}
	return tls.NoClientCert
}

// Config describes the TLS material for one endpoint (server or client).
type Config struct {
	CertFile   string     `mapstructure:"cert" validate:"required_with=KeyFile"`
	KeyFile    string     `mapstructure:"key" validate:"required_with=CertFile"`
	CAFile     string     `mapstructure:"ca"`
	ClientAuth ClientAuth `mapstructure:"clientAuth"`
}

// Validate checks the struct-level constraints via go-playground/validator,
// the way certificates/config.go does on the teacher.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("certificates: invalid config: %w", err)
	}
	return nil
}

// Enabled reports whether TLS is configured: both a certificate file and
// a key file must be set.
func (c *Config) Enabled() bool {
	return c != nil && c.CertFile != "" && c.KeyFile != ""
}

// Build loads the certificate/key pair and optional trust anchor and
// returns a *tls.Config floored at TLS 1.3, per §4.2. isServer controls
// whether ClientAuth/ClientCAs are populated (server side verifies the
// peer; the client side trusts the CA for the server cert only).
func (c *Config) Build(isServer bool) (*tls.Config, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("certificates: load key pair: %w", err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		MaxVersion:   tls.VersionTLS13,
	}

	var pool *x509.CertPool
	if c.CAFile != "" {
		pem, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("certificates: read CA file: %w", err)
		}
		pool = x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("certificates: no certificates parsed from %s", c.CAFile)
		}
	}

	if isServer {
		cfg.ClientAuth = c.ClientAuth.toStd()
		if pool != nil {
			cfg.ClientCAs = pool
		} else if c.ClientAuth == RequireClientCert {
			return nil, fmt.Errorf("certificates: clientAuth=require needs a CA file")
		}
	} else if pool != nil {
		cfg.RootCAs = pool
	}

	return cfg, nil
}
