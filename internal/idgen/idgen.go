// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package idgen generates random identifiers for stanzas and streams.
package idgen // import "mellium.im/xmppd/internal/idgen"

import (
	"crypto/rand"
	"fmt"
)

// IDLen is the standard length of a generated identifier in hex characters.
const IDLen = 16

// RandomID generates a new random identifier of the given length. If the OS's
// entropy pool isn't initialized, or we can't generate random numbers for some
// other reason, panic.
func RandomID(n int) string {
	b := make([]byte, (n/2)+(n&1))
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}

	return fmt.Sprintf("%x", b)[:n]
}
