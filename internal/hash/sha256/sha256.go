// Package sha256 derives stable hex digests used as correlation keys.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Key hashes parts joined by NUL bytes, so ("ab", "c") and ("a", "bc")
// never collide.
func Key(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:])
}
