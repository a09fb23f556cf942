package transcript

import (
	"fmt"
	"math"
)

// DefaultOverlapFraction keeps 20% of each window visible in the next
// one so no semantic unit is only partially seen by the scorer.
const DefaultOverlapFraction = 0.2

// Split slides a fixed-size window across the transcript text and
// returns the ordered chunk sequence. Pure and restartable: identical
// inputs always yield byte-identical chunk boundaries.
//
// Invariants: chunk spans union to the full text with no gaps,
// consecutive chunks overlap by round(windowSize*overlapFraction)
// runes, and the chunk count is the minimum that satisfies both (no
// empty trailing chunk). Transcripts shorter than one window come back
// as a single chunk.
func Split(text string, windowSize int, overlapFraction float64) ([]Chunk, error) {
	if windowSize <= 0 {
		return nil, fmt.Errorf("chunker: window size must be positive, got %d", windowSize)
	}
	if overlapFraction < 0 || overlapFraction >= 1 {
		return nil, fmt.Errorf("chunker: overlap fraction must be in [0,1), got %g", overlapFraction)
	}

	runes := []rune(text)
	n := len(runes)
	if n <= windowSize {
		return []Chunk{{Index: 0, Start: 0, End: n, Text: text}}, nil
	}

	overlap := int(math.Round(float64(windowSize) * overlapFraction))
	stride := windowSize - overlap
	if stride < 1 {
		stride = 1
	}

	var chunks []Chunk
	start := 0
	for start+windowSize < n {
		chunks = append(chunks, Chunk{
			Index: len(chunks),
			Start: start,
			End:   start + windowSize,
			Text:  string(runes[start : start+windowSize]),
		})
		start += stride
	}
	// final window absorbs the remainder; always non-empty because the
	// loop only advances while a full window still fits
	chunks = append(chunks, Chunk{
		Index: len(chunks),
		Start: start,
		End:   n,
		Text:  string(runes[start:n]),
	})
	return chunks, nil
}
