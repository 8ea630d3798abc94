// Package sha256 derives content-addressed keys for stored artifacts.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"path"
	"strings"
)

// Hasher hashes artifact bytes with SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Key builds "<prefix>/<digest[:2]>/<digest><ext>" so identical artifacts
// share one object.
func (h *Hasher) Key(prefix string, data []byte, ext string) string {
	digest, _ := h.Hash(data)
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return path.Join(prefix, digest[:2], digest+ext)
}
