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

// Package version carries the build metadata §6 surfaces through
// --version: release tag, commit, build date and the binary's own
// name, populated at link time via -ldflags and exposed as a single
// Info value each cmd/ main constructs once at startup.
package version

import "fmt"

// These are overridden at build time with:
//
//	go build -ldflags "-X github.com/nabbar/tunnel/pkg/version.Release=v1.2.3 \
//	  -X github.com/nabbar/tunnel/pkg/version.Commit=$(git rev-parse --short HEAD) \
//	  -X github.com/nabbar/tunnel/pkg/version.Date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	Release = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Info is the immutable build identity of one binary (tunneld or
// tunnel), printed by --version and attached as a startup log field.
type Info struct {
	Name    string
	Release string
	Commit  string
	Date    string
}

// New returns the Info for the named binary, filled in from the
// link-time variables above.
func New(name string) Info {
	return Info{
		Name:    name,
		Release: Release,
		Commit:  Commit,
		Date:    Date,
	}
}

// String renders the one-line form --version prints: "tunneld v1.2.3
// (abc1234, built 2024-01-15T10:30:00Z)".
func (i Info) String() string {
	return fmt.Sprintf("%s %s (%s, built %s)", i.Name, i.Release, i.Commit, i.Date)
}
