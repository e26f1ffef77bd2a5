package helpers

import (
	"encoding/hex"
	"fmt"

	"lukechampine.com/blake3"
)

// HashContent returns the hex BLAKE3-256 digest of a raw message.
func HashContent(content []byte) string {
	sum := blake3.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// NewS3Key constructs the archive key for a raw message. Identical
// messages delivered to several recipients share one object.
func NewS3Key(domain, hash string) string {
	return fmt.Sprintf("%s/%s/%s", domain, hash[:2], hash)
}
