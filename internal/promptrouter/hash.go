package promptrouter

import (
	"crypto/sha256"
	"encoding/hex"
)

// hashMessage derives the cache-key component for a message. A content hash
// (rather than the raw message) keeps cache keys bounded in size and avoids
// storing user message text a second time in the cache backend's keyspace.
func hashMessage(message string) string {
	sum := sha256.Sum256([]byte(message))
	return hex.EncodeToString(sum[:])
}
