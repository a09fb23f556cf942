package transcript

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Transcript is the full text of a recorded call. Owned by the upstream
// call store; read-only to the pipeline.
type Transcript struct {
	CallID   string        `json:"call_id"`
	Text     string        `json:"text"`
	Hash     string        `json:"hash"`
	Duration time.Duration `json:"duration"`
}

// Chunk is a window over the parent transcript. Purely a computation
// artifact: never persisted, recomputable from the Transcript.
type Chunk struct {
	Index int    `json:"index"`
	Start int    `json:"start"` // rune offset, inclusive
	End   int    `json:"end"`   // rune offset, exclusive
	Text  string `json:"text"`
}

// ContentHash returns a deterministic digest of the normalized text.
// Two byte-identical transcripts always share a hash; an edited
// transcript re-ingested under the same call id hashes differently.
func ContentHash(text string) string {
	normalized := strings.ReplaceAll(text, "\r\n", "\n")
	normalized = strings.TrimSpace(normalized)
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
