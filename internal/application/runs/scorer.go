package runs

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/gabcoyne/call-coach/internal/domain/analysis"
	"github.com/gabcoyne/call-coach/internal/domain/transcript"
)

// DimensionScorer invokes the external scoring function once per chunk
// and merges multi-chunk results into one dimension score. Transient
// failures are retried with exponential backoff up to MaxRetries;
// permanent failures surface immediately. Token usage is accumulated
// on every attempt, failed ones included.
type DimensionScorer struct {
	Client         analysis.ScoreClient
	MaxRetries     uint64
	InitialBackoff time.Duration
	Log            zerolog.Logger
}

func (d *DimensionScorer) Score(ctx context.Context, chunks []transcript.Chunk, rubric *analysis.Rubric, dimension string) (*analysis.ScoreResult, analysis.TokenUsage, error) {
	var total analysis.TokenUsage
	partials := make([]*analysis.ScoreResult, 0, len(chunks))
	for _, c := range chunks {
		res, usage, err := d.scoreChunk(ctx, c, len(chunks), rubric, dimension)
		total.Add(usage)
		if err != nil {
			return nil, total, err
		}
		partials = append(partials, res)
	}
	merged := mergeChunkResults(chunks, partials)
	merged.Usage = total
	return merged, total, nil
}

func (d *DimensionScorer) scoreChunk(ctx context.Context, c transcript.Chunk, chunkCount int, rubric *analysis.Rubric, dimension string) (*analysis.ScoreResult, analysis.TokenUsage, error) {
	var result *analysis.ScoreResult
	var total analysis.TokenUsage
	attempt := 0

	op := func() error {
		attempt++
		res, usage, err := d.Client.Score(ctx, analysis.ScoreRequest{
			Dimension:  dimension,
			Rubric:     rubric,
			Chunk:      c,
			ChunkCount: chunkCount,
		})
		total.Add(usage)
		if err != nil {
			d.Log.Debug().Err(err).
				Str("dimension", dimension).
				Int("chunk", c.Index).
				Int("attempt", attempt).
				Msg("scoring attempt failed")
			if analysis.IsPermanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = res
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	if d.InitialBackoff > 0 {
		bo.InitialInterval = d.InitialBackoff
	}
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, d.MaxRetries), ctx))
	if err != nil {
		if analysis.IsPermanent(err) {
			return nil, total, err
		}
		// exhausted retries on a transient failure
		return nil, total, analysis.Permanent(fmt.Errorf("scoring %s chunk %d: retries exhausted: %w", dimension, c.Index, err))
	}

	// quote positions come back chunk-relative; rebase onto the
	// transcript so they stay meaningful after merge
	for i := range result.Quotes {
		result.Quotes[i].Start += c.Start
		result.Quotes[i].End += c.Start
		result.Quotes[i].ChunkIndex = c.Index
	}
	return result, total, nil
}

func newExponential() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	return bo
}

// mergeChunkResults folds per-chunk assessments into one dimension
// score: the score is a length-weighted average, quotes are
// concatenated in chunk order, action items are deduped keeping first
// occurrence.
func mergeChunkResults(chunks []transcript.Chunk, partials []*analysis.ScoreResult) *analysis.ScoreResult {
	if len(partials) == 1 {
		out := *partials[0]
		return &out
	}

	var weighted, weightSum float64
	merged := &analysis.ScoreResult{}
	seenItems := make(map[string]bool)
	for i, p := range partials {
		w := float64(chunks[i].End - chunks[i].Start)
		weighted += float64(p.Score) * w
		weightSum += w

		merged.Quotes = append(merged.Quotes, p.Quotes...)
		for _, item := range p.ActionItems {
			if !seenItems[item] {
				seenItems[item] = true
				merged.ActionItems = append(merged.ActionItems, item)
			}
		}
		if p.Summary != "" {
			if merged.Summary != "" {
				merged.Summary += " "
			}
			merged.Summary += p.Summary
		}
	}
	if weightSum > 0 {
		merged.Score = int(weighted/weightSum + 0.5)
	}
	if merged.Score > 100 {
		merged.Score = 100
	}
	return merged
}
