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

// Package tunnel holds the handshake primitives shared by the
// tunnel/server and tunnel/client halves of §4.7: token hashing,
// version negotiation and the handshake timeout default. Kept separate
// from both so neither side needs to import the other's package to
// agree on how a token hash or a chosen version is computed.
package tunnel

import (
	"crypto/sha256"
	"crypto/subtle"
	"time"
)

// MinSupportedVersion and MaxSupportedVersion are this build's protocol
// ordinal range, advertised by both client and server Handshake frames.
const (
	MinSupportedVersion uint16 = 1
	MaxSupportedVersion uint16 = 1
)

// DefaultHandshakeTimeout bounds how long either side waits for the
// full Handshake/HandshakeAck/Register/RegisterAck exchange before
// giving up on a peer that connected but never speaks.
const DefaultHandshakeTimeout = 10 * time.Second

// MaxTokenHashLen is the §4.7 ceiling on the token hash carried in a
// Handshake frame; longer is rejected outright.
const MaxTokenHashLen = 256

// HashToken derives the fixed-length digest of a shared secret sent (or
// compared against) during the handshake, so the raw secret never
// crosses the wire.
func HashToken(secret string) []byte {
	sum := sha256.Sum256([]byte(secret))
	return sum[:]
}

// TokensEqual compares two token hashes in constant time, per §4.7's
// "constant-time comparison against a configured secret". Different
// lengths are rejected (and cost no more time than a length check),
// which subtle.ConstantTimeCompare already guarantees.
func TokensEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// NegotiateVersion applies §4.7's rule: chosen = min(clientMax,
// serverMax); the negotiation fails if chosen < max(clientMin,
// serverMin), meaning the two supported ranges don't overlap.
func NegotiateVersion(clientMin, clientMax, serverMin, serverMax uint16) (chosen uint16, ok bool) {
	chosen = clientMax
	if serverMax < chosen {
		chosen = serverMax
	}
	floor := clientMin
	if serverMin > floor {
		floor = serverMin
	}
	return chosen, chosen >= floor
}
