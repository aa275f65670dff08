// Package sha256 provides SHA-256 hashing and storage key derivation.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// keyPrefixLen truncates URL digests for storage filenames; 16 hex chars is
// plenty for a personal-scale cache and keeps filenames readable.
const keyPrefixLen = 16

// Hasher implements engine.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// StorageKey derives the rendition filename for a (source URL, tier) pair.
// Renditions are always encoded as JPEG, so the extension is fixed.
func (h *Hasher) StorageKey(sourceURL, tier string) string {
	sum := sha256.Sum256([]byte(sourceURL))
	return fmt.Sprintf("%s_%s.jpg", hex.EncodeToString(sum[:])[:keyPrefixLen], tier)
}
