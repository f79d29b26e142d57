package llm

import (
	"crypto/sha256"
	"encoding/hex"
)

// fingerprintLen is the number of hex characters kept from the digest.
// 64 bits is plenty for a cache capped at a few hundred entries.
const fingerprintLen = 16

// Fingerprint returns a stable cache key for a (system, prompt) pair.
// The separator keeps ("ab", "c") and ("a", "bc") distinct.
func Fingerprint(system, prompt string) string {
	h := sha256.New()
	h.Write([]byte(system))
	h.Write([]byte{0x1f})
	h.Write([]byte(prompt))
	return hex.EncodeToString(h.Sum(nil))[:fingerprintLen]
}

// FingerprintSalted is Fingerprint with an extra salt mixed in, for
// callers that need distinct keys for the same text (log correlation).
func FingerprintSalted(system, prompt, salt string) string {
	h := sha256.New()
	h.Write([]byte(system))
	h.Write([]byte{0x1f})
	h.Write([]byte(prompt))
	h.Write([]byte{0x1f})
	h.Write([]byte(salt))
	return hex.EncodeToString(h.Sum(nil))[:fingerprintLen]
}
