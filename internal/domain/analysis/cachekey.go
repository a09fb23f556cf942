package analysis

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// keySchemaVersion bumps when the key composition itself changes, so a
// deploy with a different layout never reads stale entries.
const keySchemaVersion = "v1"

// ComputeKey derives the cache key for one scored unit. Pure and
// deterministic: no clock, process identity, or map-order dependence.
// The rubric version string is the versioning authority; the engine
// never hashes rubric content itself.
func ComputeKey(transcriptHash, rubricCategory, rubricVersion, dimension string) string {
	// unit separator keeps field boundaries unambiguous regardless of
	// what characters the inputs contain
	composed := strings.Join([]string{
		keySchemaVersion,
		transcriptHash,
		rubricCategory,
		rubricVersion,
		dimension,
	}, "\x1f")
	sum := sha256.Sum256([]byte(composed))
	return "coach:score:" + keySchemaVersion + ":" + hex.EncodeToString(sum[:])
}
