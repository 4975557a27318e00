// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package zero clears secret material from memory.
package zero

// Bytes sets all bytes in the passed slice to zero.  This is used to
// explicitly clear seeds and passphrases from memory.
func Bytes(b []byte) {
	clear(b)
}
