package crypto

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Fingerprint hashes its parts into a stable cache key. Parts are length
// prefixed so ("ab","c") and ("a","bc") differ. Secrets never leave the hasher.
func Fingerprint(parts ...string) string {
	h := blake3.New()
	var prefix [8]byte
	for _, p := range parts {
		n := uint64(len(p))
		for i := range prefix {
			prefix[i] = byte(n >> (8 * i))
		}
		_, _ = h.Write(prefix[:])
		_, _ = h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}
