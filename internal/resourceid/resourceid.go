/* SPDX-License-Identifier: BSD-2-Clause */

// Package resourceid computes the stable identifier a cached URL is known
// by: the first 16 hex characters of SHA-256(url).
package resourceid

import (
	"crypto/sha256"
	"encoding/hex"
)

// Of returns the 16-hex-character id for originURL.
func Of(originURL string) string {
	sum := sha256.Sum256([]byte(originURL))
	return hex.EncodeToString(sum[:])[:16]
}
