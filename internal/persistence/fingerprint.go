package persistence

import (
	"crypto/sha256"
	"encoding/hex"
)

// fingerprint computes a stable hash over a Context's (role, content) pairs
// in order. It is recomputed on load and compared against the value stored
// alongside the session state; a mismatch means the context file and state
// file have drifted out of sync (e.g. a partial write survived a crash
// despite the rename, or a snapshot was restored against the wrong state).
func fingerprint(ctx ContextState) string {
	h := sha256.New()
	for _, m := range ctx.Messages {
		h.Write([]byte(m.Role))
		h.Write([]byte{0})
		h.Write([]byte(m.Content))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
