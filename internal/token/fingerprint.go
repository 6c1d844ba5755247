package token

import (
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"
)

const fingerprintSize = 16

// Fingerprint returns a keyed digest of a recipient identity. Identities are
// compared case-insensitively, so "Alice@Example.com " and "alice@example.com"
// produce the same fingerprint.
func (c *Codec) Fingerprint(identity string) string {
	hasher, err := blake3.NewKeyed(c.fpKey)
	if err != nil {
		// fpKey is always 32 bytes
		panic("token: blake3 keyed hasher: " + err.Error())
	}
	_, _ = hasher.Write([]byte(NormalizeIdentity(identity)))
	return hex.EncodeToString(hasher.Sum(nil)[:fingerprintSize])
}

// FingerprintsEqual compares two fingerprints in constant time.
func FingerprintsEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func NormalizeIdentity(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}
